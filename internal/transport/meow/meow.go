// Package meow adapts a whatsmeow client to the wasend Transport
// contract. The protocol internals (handshake, signal sessions, media
// crypto) stay inside whatsmeow; this layer only translates lifecycle
// events and send calls.
package meow

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/kingdrowjin/jins-new-one/internal/wasend"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// authBlob is the session's persisted auth-state: a pointer into the
// whatsmeow device store, which holds the actual key material in the
// shared application database.
type authBlob struct {
	JID string `json:"jid"`
}

// Factory builds whatsmeow-backed transports over a shared sqlstore
// container. Reusing the application's DB handle keeps whatsmeow tables in
// the same database.
type Factory struct {
	container *sqlstore.Container
}

func NewFactory(db *sql.DB, driver string) (*Factory, error) {
	container := sqlstore.NewWithDB(db, driver, nil)
	if err := container.Upgrade(); err != nil {
		return nil, errors.Wrap(err, "whatsmeow sqlstore upgrade")
	}
	return &Factory{container: container}, nil
}

func (f *Factory) New(ctx context.Context, sessionID int64, authState []byte) (wasend.Transport, error) {
	var device *store.Device
	if len(authState) > 0 {
		var blob authBlob
		if err := json.Unmarshal(authState, &blob); err != nil {
			zap.L().Warn("meow: unreadable auth state, pairing fresh",
				zap.Int64("session_id", sessionID), zap.Error(err))
		} else if blob.JID != "" {
			jid, err := waTypes.ParseJID(blob.JID)
			if err == nil {
				device, err = f.container.GetDevice(jid)
				if err != nil {
					zap.L().Warn("meow: stored device lookup failed, pairing fresh",
						zap.Int64("session_id", sessionID), zap.Error(err))
					device = nil
				}
			}
		}
	}
	if device == nil {
		device = f.container.NewDevice()
	}

	client := whatsmeow.NewClient(device, nil)
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true

	t := &transport{
		sessionID: sessionID,
		client:    client,
		events:    make(chan wasend.Event, 32),
	}
	client.AddEventHandler(t.handleEvent)
	return t, nil
}

type transport struct {
	sessionID int64
	client    *whatsmeow.Client
	events    chan wasend.Event
	closeOnce sync.Once
}

var _ wasend.Transport = (*transport)(nil)

// emit never blocks the whatsmeow event goroutine; the buffer is sized
// for bursty lifecycle chatter and anything beyond that is dropped.
func (t *transport) emit(evt wasend.Event) {
	select {
	case t.events <- evt:
	default:
		zap.L().Warn("meow: event buffer full, dropping event",
			zap.Int64("session_id", t.sessionID))
	}
}

func (t *transport) handleEvent(raw interface{}) {
	switch e := raw.(type) {
	case *events.PairSuccess:
		blob, err := json.Marshal(authBlob{JID: e.ID.String()})
		if err == nil {
			t.emit(wasend.CredsEvent{Blob: blob})
		}
	case *events.Connected:
		identity := ""
		if t.client.Store.ID != nil {
			identity = t.client.Store.ID.User
		}
		t.emit(wasend.OpenEvent{Identity: identity})
	case *events.LoggedOut:
		t.emit(wasend.ClosedEvent{Code: wasend.CodeLoggedOut})
	case *events.StreamReplaced:
		t.emit(wasend.ClosedEvent{Code: wasend.CodeReplaced})
	case *events.TemporaryBan:
		t.emit(wasend.ClosedEvent{Code: wasend.CodeForbidden, Err: errors.New(e.String())})
	case *events.ConnectFailure:
		t.emit(wasend.ClosedEvent{Code: int(e.Reason), Err: errors.New(e.Message)})
	case *events.StreamError:
		t.emit(wasend.ClosedEvent{Code: cast.ToInt(e.Code)})
	case *events.Disconnected:
		t.emit(wasend.ClosedEvent{Code: wasend.CodeConnectionLost})
	}
}

func (t *transport) Connect(ctx context.Context) error {
	if t.client.Store.ID == nil {
		// the QR channel must be claimed before Connect on an
		// unregistered device
		qrChan, err := t.client.GetQRChannel(ctx)
		if err != nil {
			if !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
				return errors.Wrap(err, "get qr channel")
			}
		} else {
			go t.pumpQR(qrChan)
		}
	}
	if err := t.client.Connect(); err != nil {
		return errors.Wrap(err, "whatsmeow connect")
	}
	return nil
}

func (t *transport) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			t.emit(wasend.PairingEvent{Code: item.Code})
		case "timeout":
			t.emit(wasend.ClosedEvent{
				Code: wasend.CodeConnectionLost,
				Err:  errors.New("pairing window timed out"),
			})
		}
	}
}

func (t *transport) Events() <-chan wasend.Event {
	return t.events
}

func (t *transport) SendText(ctx context.Context, address, text string) error {
	jid, err := waTypes.ParseJID(address)
	if err != nil {
		return errors.Wrap(err, "parse recipient")
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	_, err = t.client.SendMessage(ctx, jid, msg)
	return err
}

func (t *transport) SendMedia(ctx context.Context, address string, media *wasend.Media, caption string) error {
	jid, err := waTypes.ParseJID(address)
	if err != nil {
		return errors.Wrap(err, "parse recipient")
	}

	var msg *waE2E.Message
	switch {
	case strings.HasPrefix(media.Mime, "image/"):
		up, err := t.client.Upload(ctx, media.Data, whatsmeow.MediaImage)
		if err != nil {
			return errors.Wrap(err, "upload image")
		}
		msg = &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				Mimetype:      proto.String(media.Mime),
				Caption:       proto.String(caption),
				FileLength:    proto.Uint64(up.FileLength),
				FileSHA256:    up.FileSHA256,
				FileEncSHA256: up.FileEncSHA256,
				MediaKey:      up.MediaKey,
			},
		}
	case strings.HasPrefix(media.Mime, "video/"):
		up, err := t.client.Upload(ctx, media.Data, whatsmeow.MediaVideo)
		if err != nil {
			return errors.Wrap(err, "upload video")
		}
		msg = &waE2E.Message{
			VideoMessage: &waE2E.VideoMessage{
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				Mimetype:      proto.String(media.Mime),
				Caption:       proto.String(caption),
				FileLength:    proto.Uint64(up.FileLength),
				FileSHA256:    up.FileSHA256,
				FileEncSHA256: up.FileEncSHA256,
				MediaKey:      up.MediaKey,
			},
		}
	default:
		up, err := t.client.Upload(ctx, media.Data, whatsmeow.MediaDocument)
		if err != nil {
			return errors.Wrap(err, "upload document")
		}
		doc := &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String(media.Mime),
			FileName:      proto.String(media.Filename),
			Title:         proto.String(media.Filename),
			FileLength:    proto.Uint64(up.FileLength),
			FileSHA256:    up.FileSHA256,
			FileEncSHA256: up.FileEncSHA256,
			MediaKey:      up.MediaKey,
		}
		if caption != "" {
			doc.Caption = proto.String(caption)
		}
		msg = &waE2E.Message{DocumentMessage: doc}
	}

	_, err = t.client.SendMessage(ctx, jid, msg)
	return err
}

func (t *transport) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	code, err := t.client.PairPhone(phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", errors.Wrap(err, "pair phone")
	}
	return code, nil
}

func (t *transport) IsAuthenticated() bool {
	return t.client.IsLoggedIn()
}

func (t *transport) Identity() string {
	if t.client.Store.ID == nil {
		return ""
	}
	return t.client.Store.ID.User
}

func (t *transport) IsRegistered() bool {
	return t.client.Store.ID != nil
}

// Close disconnects the client. The event channel is deliberately left
// open: whatsmeow may still fire handlers during teardown, and readers
// stop on ClosedEvent rather than channel close.
func (t *transport) Close() error {
	t.closeOnce.Do(func() {
		t.client.Disconnect()
	})
	return nil
}
