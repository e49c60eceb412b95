package adminapi

import (
	"context"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
	"github.com/kingdrowjin/jins-new-one/internal/wasend"
	"github.com/kingdrowjin/jins-new-one/internal/webserver"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	streamSendBuffer = 16
	streamPingEvery  = 30 * time.Second
)

// streamEnvelope is the wire format pushed to console clients.
type streamEnvelope struct {
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

type streamClient struct {
	conn *ws.Conn
	send chan []byte
	// sessions this client may observe
	owned map[int64]struct{}
}

// streamHub fans bus notices out to connected console sockets. Each
// client only sees events for sessions its operator owns.
type streamHub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
}

var (
	hub        = &streamHub{clients: make(map[*streamClient]struct{})}
	bridgeOnce sync.Once
)

func registerStreamRoutes() {
	webserver.ApiGET("/wa/events", getEventStream)
}

func (h *streamHub) register(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *streamHub) unregister(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *streamHub) broadcast(sessionID int64, topic string, data interface{}) {
	payload, err := json.Marshal(streamEnvelope{Topic: topic, Data: data})
	if err != nil {
		zap.L().Error("stream: marshal broadcast failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if _, owns := c.owned[sessionID]; !owns {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// slow client, drop rather than block the bus
		}
	}
}

// startBridge subscribes the hub to the notification bus once.
func startBridge(notifier *wasend.Notifier) {
	bridgeOnce.Do(func() {
		_ = notifier.SubscribePairing(func(n wasend.PairingNotice) {
			hub.broadcast(n.SessionID, wasend.TopicPairing, n)
		})
		_ = notifier.SubscribeStatus(func(n wasend.StatusNotice) {
			hub.broadcast(n.SessionID, wasend.TopicStatus, n)
		})
		_ = notifier.SubscribeError(func(n wasend.ErrorNotice) {
			hub.broadcast(n.SessionID, wasend.TopicError, n)
		})
	})
}

// getEventStream upgrades to a websocket and pushes session lifecycle
// events until the client disconnects. The ownership snapshot is taken
// at connect time; reconnect after creating new sessions.
func getEventStream(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	startBridge(webserver.GetAppCtx(c).Notifier())

	var ids []int64
	if err := GetDB(c).Model(&domain.WaSession{}).Where("user_id = ?", uid).
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	owned := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		owned[id] = struct{}{}
	}

	conn, err := ws.Accept(c.Response(), c.Request(), &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		zap.L().Warn("stream: websocket accept failed", zap.Error(err))
		return nil
	}
	defer conn.CloseNow()

	client := &streamClient{
		conn:  conn,
		send:  make(chan []byte, streamSendBuffer),
		owned: owned,
	}
	hub.register(client)
	defer hub.unregister(client)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	go client.writePump(ctx)
	client.readPump(ctx)
	return nil
}

// readPump discards inbound frames; an error means the peer is gone.
func (c *streamClient) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *streamClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(streamPingEvery)
	defer ticker.Stop()

	for {
		select {
		case msg, okCh := <-c.send:
			if !okCh {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
