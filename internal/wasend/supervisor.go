package wasend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
	"github.com/kingdrowjin/jins-new-one/pkg/metrics"
)

const (
	defaultMaxRetries       = 5
	defaultPairingSettle    = 3 * time.Second
	defaultHealthInterval   = 60 * time.Second
	defaultRestoreStagger   = 2 * time.Second
	statusReady             = "ready"
	statusReconnecting      = "reconnecting"
	statusNeedsReauth       = "needs_reauth"
	statusFailed            = "failed"
)

// SupervisorConfig tunes the per-session lifecycle policies.
type SupervisorConfig struct {
	MaxRetries int
	// PairingSettleDelay is the grace period before requesting a
	// phone-pairing code, letting the transport settle first. The
	// transport exposes no readiness signal, so this stays a fixed delay.
	PairingSettleDelay time.Duration
	// HealthCheckInterval drives the per-connection liveness probe;
	// zero disables health monitoring.
	HealthCheckInterval time.Duration
	// RestoreStagger spaces out reconnects during auto-restore.
	RestoreStagger time.Duration
}

func (c *SupervisorConfig) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.PairingSettleDelay <= 0 {
		c.PairingSettleDelay = defaultPairingSettle
	}
	if c.RestoreStagger <= 0 {
		c.RestoreStagger = defaultRestoreStagger
	}
}

// activeConn is the in-memory record of one open transport. Owned
// exclusively by the supervisor; all mutation happens under the
// supervisor's lock or on the session's own event pump.
type activeConn struct {
	sessionID    int64
	userID       int64
	transport    Transport
	phonePairing bool
	retry        int
	lastActivity time.Time
	cancel       context.CancelFunc
	healthOn     bool
}

type pendingReconnect struct {
	timer *time.Timer
	retry int
}

// Supervisor owns the registry of active per-session connections and
// drives each session's state machine in response to transport events.
// At most one active connection exists per session id at any time.
type Supervisor struct {
	mu         sync.RWMutex
	conns      map[int64]*activeConn
	reconnects map[int64]*pendingReconnect
	pairing    map[int64]string
	closed     bool

	sessions SessionStore
	factory  Factory
	notifier *Notifier
	backoff  *BackoffPolicy
	cfg      SupervisorConfig
}

func NewSupervisor(sessions SessionStore, factory Factory, notifier *Notifier, backoff *BackoffPolicy, cfg SupervisorConfig) *Supervisor {
	cfg.setDefaults()
	if backoff == nil {
		backoff = NewBackoffPolicy(0, 0, nil)
	}
	return &Supervisor{
		conns:      make(map[int64]*activeConn),
		reconnects: make(map[int64]*pendingReconnect),
		pairing:    make(map[int64]string),
		sessions:   sessions,
		factory:    factory,
		notifier:   notifier,
		backoff:    backoff,
		cfg:        cfg,
	}
}

// CreateSession inserts a new pending session row. No transport side
// effects.
func (s *Supervisor) CreateSession(ctx context.Context, userID int64, name string) (*domain.WaSession, error) {
	session := &domain.WaSession{
		UserId: userID,
		Name:   name,
		Status: domain.SessionPending,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// InitializeConnection opens (or re-opens) the transport for a session.
// Calling it twice never leaves two connections registered: any existing
// in-memory connection is torn down first. When pairPhone is non-empty the
// phone-pairing flow is used and QR artifacts are suppressed for this
// attempt.
func (s *Supervisor) InitializeConnection(ctx context.Context, sessionID, userID int64, pairPhone string) error {
	session, err := s.sessions.Get(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	return s.initialize(ctx, session.ID, session.UserId, pairPhone, 0)
}

func (s *Supervisor) initialize(ctx context.Context, sessionID, userID int64, pairPhone string, retry int) error {
	s.teardown(sessionID)

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return fmt.Errorf("supervisor is shut down")
	}

	authState, err := s.sessions.LoadAuthState(ctx, sessionID)
	if err == ErrSessionNotFound {
		// the row is gone; a queued reconnect or health probe must not
		// resurrect a deleted session
		return ErrSessionNotFound
	}
	if err != nil {
		zap.L().Warn("wasend: load auth state failed, starting fresh",
			zap.Int64("session_id", sessionID), zap.Error(err))
		authState = nil
	}

	// the transport outlives the caller: its context is bound to the
	// connection, not to the request that opened it, so the QR stream
	// keeps flowing after the handler returns
	pumpCtx, cancel := context.WithCancel(context.Background())

	transport, err := s.factory.New(pumpCtx, sessionID, authState)
	if err != nil {
		cancel()
		s.persistStatus(sessionID, domain.SessionFailed, "")
		s.notifier.Error(sessionID, err.Error())
		return &TransportInitError{SessionID: sessionID, Err: err}
	}
	conn := &activeConn{
		sessionID:    sessionID,
		userID:       userID,
		transport:    transport,
		phonePairing: pairPhone != "",
		retry:        retry,
		lastActivity: time.Now(),
		cancel:       cancel,
	}

	s.mu.Lock()
	if prev := s.conns[sessionID]; prev != nil {
		// a concurrent init slipped in between teardown and registration;
		// the newest attempt wins
		prev.cancel()
		go func(t Transport) { _ = t.Close() }(prev.transport)
	}
	s.conns[sessionID] = conn
	s.mu.Unlock()

	go s.pump(pumpCtx, conn)

	if err := transport.Connect(pumpCtx); err != nil {
		s.teardown(sessionID)
		s.persistStatus(sessionID, domain.SessionFailed, "")
		s.notifier.Error(sessionID, err.Error())
		return &TransportInitError{SessionID: sessionID, Err: err}
	}

	if pairPhone != "" {
		if transport.IsRegistered() {
			// a registered auth state means requesting a new code would
			// clobber a valid linkage; skip silently
			zap.L().Debug("wasend: pairing skipped, session already registered",
				zap.Int64("session_id", sessionID))
		} else {
			go s.requestPairingCode(pumpCtx, conn, pairPhone)
		}
	}
	return nil
}

func (s *Supervisor) requestPairingCode(ctx context.Context, conn *activeConn, phone string) {
	settle := time.NewTimer(s.cfg.PairingSettleDelay)
	defer settle.Stop()
	select {
	case <-ctx.Done():
		return
	case <-settle.C:
	}
	code, err := conn.transport.RequestPairingCode(ctx, phone)
	if err != nil {
		zap.L().Warn("wasend: pairing code request failed",
			zap.Int64("session_id", conn.sessionID), zap.Error(err))
		s.notifier.Error(conn.sessionID, "pairing code request failed: "+err.Error())
		return
	}
	s.setPairingArtifact(conn.sessionID, code)
	s.notifier.Pairing(conn.sessionID, code, true)
}

// pump consumes the transport's event stream for one session and
// translates it into state transitions, persisted facts and notifications.
func (s *Supervisor) pump(ctx context.Context, conn *activeConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-conn.transport.Events():
			if !ok {
				return
			}
			switch e := evt.(type) {
			case PairingEvent:
				if conn.phonePairing {
					// QR and phone pairing are mutually exclusive per attempt
					continue
				}
				s.setPairingArtifact(conn.sessionID, e.Code)
				s.notifier.Pairing(conn.sessionID, e.Code, false)
			case CredsEvent:
				// persist every update; a lost write risks forced re-auth
				if err := s.sessions.SaveAuthState(ctx, conn.sessionID, e.Blob); err != nil {
					zap.L().Error("wasend: save auth state failed",
						zap.Int64("session_id", conn.sessionID), zap.Error(err))
				}
			case OpenEvent:
				s.handleOpen(ctx, conn, e)
			case ClosedEvent:
				s.handleClosed(conn, e)
				return
			}
		}
	}
}

func (s *Supervisor) handleOpen(ctx context.Context, conn *activeConn, e OpenEvent) {
	s.mu.Lock()
	conn.retry = 0
	conn.lastActivity = time.Now()
	delete(s.pairing, conn.sessionID)
	startHealth := s.cfg.HealthCheckInterval > 0 && !conn.healthOn
	if startHealth {
		conn.healthOn = true
	}
	s.mu.Unlock()

	s.persistStatus(conn.sessionID, domain.SessionConnected, e.Identity)
	metrics.Incr(metrics.ConnectionOpen)
	zap.L().Info("wasend: session connected",
		zap.Int64("session_id", conn.sessionID), zap.String("phone", e.Identity))
	if startHealth {
		go s.healthLoop(ctx, conn)
	}
	s.notifier.Status(conn.sessionID, statusReady, "")
}

func (s *Supervisor) handleClosed(conn *activeConn, e ClosedEvent) {
	// a close from a transport that is no longer registered is stale:
	// the connection was replaced or the session deleted, and the event
	// must not touch the current state
	if !s.releaseIfCurrent(conn) {
		zap.L().Debug("wasend: ignoring close from superseded transport",
			zap.Int64("session_id", conn.sessionID), zap.Int("code", e.Code))
		return
	}

	category := Classify(e.Code)
	s.mu.RLock()
	retry := conn.retry
	s.mu.RUnlock()

	zap.L().Info("wasend: session closed",
		zap.Int64("session_id", conn.sessionID),
		zap.Int("code", e.Code),
		zap.String("category", category.String()),
		zap.Int("retry", retry),
		zap.Error(e.Err))

	metrics.Incr(metrics.ConnectionClosed)

	switch category {
	case CloseLoggedOut:
		s.persistStatus(conn.sessionID, domain.SessionDisconnected, "")
		if err := s.sessions.ClearAuthState(context.Background(), conn.sessionID); err != nil {
			zap.L().Error("wasend: clear auth state failed",
				zap.Int64("session_id", conn.sessionID), zap.Error(err))
		}
		s.notifier.Status(conn.sessionID, statusNeedsReauth, "device logged out by remote peer")
	case CloseFatal:
		s.persistStatus(conn.sessionID, domain.SessionFailed, "")
		s.notifier.Error(conn.sessionID, fmt.Sprintf("connection failed with code %d", e.Code))
		s.notifier.Status(conn.sessionID, statusFailed, "")
	default:
		s.scheduleRetry(conn.sessionID, conn.userID, retry, category)
	}
}

func (s *Supervisor) scheduleRetry(sessionID, userID int64, retry int, category CloseCategory) {
	if retry >= s.cfg.MaxRetries {
		s.persistStatus(sessionID, domain.SessionFailed, "")
		s.notifier.Status(sessionID, statusFailed, ErrMaxRetries.Error())
		return
	}
	delay := s.backoff.Delay(retry)
	if category == CloseRateLimited {
		delay *= 2
		if delay > s.backoff.Cap {
			delay = s.backoff.Cap
		}
	}
	next := retry + 1

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if prev := s.reconnects[sessionID]; prev != nil {
		prev.timer.Stop()
	}
	pr := &pendingReconnect{retry: next}
	pr.timer = time.AfterFunc(delay, func() {
		s.fireReconnect(sessionID, userID, next)
	})
	s.reconnects[sessionID] = pr
	s.mu.Unlock()

	s.persistStatus(sessionID, domain.SessionPending, "")
	zap.L().Info("wasend: reconnect scheduled",
		zap.Int64("session_id", sessionID),
		zap.Duration("delay", delay),
		zap.Int("attempt", next))
	s.notifier.Status(sessionID, statusReconnecting, fmt.Sprintf("attempt %d in %s", next, delay.Round(time.Millisecond)))
}

func (s *Supervisor) fireReconnect(sessionID, userID int64, retry int) {
	s.mu.Lock()
	pr, ok := s.reconnects[sessionID]
	if ok {
		delete(s.reconnects, sessionID)
	}
	closed := s.closed
	s.mu.Unlock()
	if !ok || pr.retry != retry || closed {
		// cancelled by delete/shutdown, or superseded by a newer schedule
		return
	}
	if err := s.initialize(context.Background(), sessionID, userID, "", retry); err != nil {
		if err == ErrSessionNotFound {
			// deleted while the retry was pending
			return
		}
		zap.L().Warn("wasend: reconnect attempt failed",
			zap.Int64("session_id", sessionID), zap.Int("attempt", retry), zap.Error(err))
		s.scheduleRetry(sessionID, userID, retry, CloseTemporary)
	}
}

// healthLoop periodically verifies that the transport still reports an
// authenticated identity; on the first failed probe it attempts one
// unsolicited re-initialize from the persisted auth state.
func (s *Supervisor) healthLoop(ctx context.Context, conn *activeConn) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn.transport.IsAuthenticated() {
				continue
			}
			zap.L().Warn("wasend: health check lost authenticated identity, reinitializing",
				zap.Int64("session_id", conn.sessionID))
			go func() {
				if err := s.initialize(context.Background(), conn.sessionID, conn.userID, "", 0); err != nil {
					zap.L().Warn("wasend: health reinit failed",
						zap.Int64("session_id", conn.sessionID), zap.Error(err))
				}
			}()
			return
		}
	}
}

// DeleteSession closes any active transport, cancels pending timers,
// discards in-memory state and deletes the persisted row. Returns false
// (not an error) when the session does not exist.
func (s *Supervisor) DeleteSession(ctx context.Context, sessionID, userID int64) (bool, error) {
	s.teardown(sessionID)
	deleted, err := s.sessions.Delete(ctx, sessionID, userID)
	if err != nil {
		return deleted, err
	}
	return deleted, nil
}

// IsSessionActive reports whether an active connection exists AND its
// transport holds an authenticated identity.
func (s *Supervisor) IsSessionActive(sessionID int64) bool {
	s.mu.RLock()
	conn := s.conns[sessionID]
	s.mu.RUnlock()
	return conn != nil && conn.transport.IsAuthenticated()
}

// ActiveCount returns the number of registered in-memory connections.
func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// PairingArtifact returns the last pairing artifact captured for the
// session, empty when none is outstanding.
func (s *Supervisor) PairingArtifact(sessionID int64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairing[sessionID]
}

// RestoreSessions re-initializes every session persisted as connected with
// stored auth state, staggered to avoid a connection storm. Sessions
// without auth state are marked disconnected instead.
func (s *Supervisor) RestoreSessions(ctx context.Context) error {
	sessions, err := s.sessions.ListRestorable(ctx)
	if err != nil {
		return err
	}
	restorable := 0
	for _, session := range sessions {
		if len(session.AuthState) == 0 {
			s.persistStatus(session.ID, domain.SessionDisconnected, "")
			continue
		}
		delay := time.Duration(restorable) * s.cfg.RestoreStagger
		restorable++
		go func(id, userID int64, delay time.Duration) {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if err := s.initialize(context.Background(), id, userID, "", 0); err != nil {
				zap.L().Warn("wasend: session restore failed",
					zap.Int64("session_id", id), zap.Error(err))
			}
		}(session.ID, session.UserId, delay)
	}
	zap.L().Info("wasend: session restore started",
		zap.Int("restorable", restorable), zap.Int("total", len(sessions)))
	return nil
}

// Shutdown gracefully ends every active transport, logging but never
// propagating individual errors, and clears all in-memory state.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	conns := make([]*activeConn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	for id, pr := range s.reconnects {
		pr.timer.Stop()
		delete(s.reconnects, id)
	}
	s.conns = make(map[int64]*activeConn)
	s.pairing = make(map[int64]string)
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			conn.cancel()
			if err := conn.transport.Close(); err != nil {
				zap.L().Warn("wasend: transport close failed during shutdown",
					zap.Int64("session_id", conn.sessionID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	zap.L().Info("wasend: supervisor shut down", zap.Int("closed", len(conns)))
}

// releaseIfCurrent removes conn from the registry only when it is still
// the registered connection for its session, guarding against a stale
// pump racing a replacement init or a delete. Returns false when conn
// was already superseded.
func (s *Supervisor) releaseIfCurrent(conn *activeConn) bool {
	s.mu.Lock()
	if s.conns[conn.sessionID] != conn {
		s.mu.Unlock()
		return false
	}
	delete(s.conns, conn.sessionID)
	if pr := s.reconnects[conn.sessionID]; pr != nil {
		pr.timer.Stop()
		delete(s.reconnects, conn.sessionID)
	}
	delete(s.pairing, conn.sessionID)
	s.mu.Unlock()

	conn.cancel()
	if err := conn.transport.Close(); err != nil {
		zap.L().Debug("wasend: transport close failed during release",
			zap.Int64("session_id", conn.sessionID), zap.Error(err))
	}
	return true
}

// teardown removes the session's in-memory state: event pump, health
// loop, pending reconnect timer, pairing artifact and the transport
// itself. Idempotent; persistence failures never block the release.
func (s *Supervisor) teardown(sessionID int64) {
	s.mu.Lock()
	conn := s.conns[sessionID]
	delete(s.conns, sessionID)
	if pr := s.reconnects[sessionID]; pr != nil {
		pr.timer.Stop()
		delete(s.reconnects, sessionID)
	}
	delete(s.pairing, sessionID)
	s.mu.Unlock()

	if conn == nil {
		return
	}
	conn.cancel()
	if err := conn.transport.Close(); err != nil {
		zap.L().Debug("wasend: transport close failed during teardown",
			zap.Int64("session_id", sessionID), zap.Error(err))
	}
}

// persistStatus is best-effort: a persistence error must never block a
// state transition or connection release.
func (s *Supervisor) persistStatus(sessionID int64, status, phone string) {
	if err := s.sessions.UpdateStatus(context.Background(), sessionID, status, phone); err != nil {
		zap.L().Error("wasend: persist session status failed",
			zap.Int64("session_id", sessionID), zap.String("status", status), zap.Error(err))
	}
}

func (s *Supervisor) setPairingArtifact(sessionID int64, code string) {
	s.mu.Lock()
	s.pairing[sessionID] = code
	s.mu.Unlock()
}

// transportFor exposes the live transport to the dispatcher. The second
// return is false when no active connection is registered.
func (s *Supervisor) transportFor(sessionID int64) (Transport, bool) {
	s.mu.RLock()
	conn := s.conns[sessionID]
	s.mu.RUnlock()
	if conn == nil {
		return nil, false
	}
	return conn.transport, true
}

// touch records outbound activity on the session's connection.
func (s *Supervisor) touch(sessionID int64) {
	s.mu.Lock()
	if conn := s.conns[sessionID]; conn != nil {
		conn.lastActivity = time.Now()
	}
	s.mu.Unlock()
}
