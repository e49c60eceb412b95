package wasend

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
)

// memSessionStore is an in-memory SessionStore for supervisor and
// dispatcher tests.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[int64]*domain.WaSession
	auth     map[int64][]byte
	statuses map[int64]string
	phones   map[int64]string
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{
		sessions: make(map[int64]*domain.WaSession),
		auth:     make(map[int64][]byte),
		statuses: make(map[int64]string),
		phones:   make(map[int64]string),
	}
}

func (m *memSessionStore) seed(id, userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &domain.WaSession{ID: id, UserId: userID, Name: "test", Status: domain.SessionPending}
}

func (m *memSessionStore) Create(ctx context.Context, session *domain.WaSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.ID == 0 {
		session.ID = int64(len(m.sessions) + 1)
	}
	m.sessions[session.ID] = session
	return nil
}

func (m *memSessionStore) Get(ctx context.Context, sessionID, userID int64) (*domain.WaSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || (userID != 0 && s.UserId != userID) {
		return nil, ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memSessionStore) Delete(ctx context.Context, sessionID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || (userID != 0 && s.UserId != userID) {
		return false, nil
	}
	delete(m.sessions, sessionID)
	delete(m.auth, sessionID)
	return true, nil
}

func (m *memSessionStore) LoadAuthState(ctx context.Context, sessionID int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	return m.auth[sessionID], nil
}

func (m *memSessionStore) SaveAuthState(ctx context.Context, sessionID int64, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auth[sessionID] = blob
	return nil
}

func (m *memSessionStore) ClearAuthState(ctx context.Context, sessionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.auth, sessionID)
	return nil
}

func (m *memSessionStore) UpdateStatus(ctx context.Context, sessionID int64, status, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[sessionID] = status
	if phone != "" {
		m.phones[sessionID] = phone
	}
	return nil
}

func (m *memSessionStore) ListRestorable(ctx context.Context) ([]domain.WaSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WaSession
	for _, s := range m.sessions {
		if s.Status == domain.SessionConnected {
			copied := *s
			copied.AuthState = m.auth[s.ID]
			out = append(out, copied)
		}
	}
	return out, nil
}

func (m *memSessionStore) status(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[id]
}

func (m *memSessionStore) authState(id int64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.auth[id]
}

type sentMessage struct {
	address string
	text    string
	media   *Media
	caption string
}

// fakeTransport scripts transport behavior and records sends. A nonzero
// emitOnClose makes Close emit a ClosedEvent with that code, the way the
// real adapter reports its own disconnect.
type fakeTransport struct {
	mu          sync.Mutex
	events      chan Event
	authed      bool
	registered  bool
	identity    string
	connectErr  error
	sendErr     error
	pairCode    string
	emitOnClose int
	closes      int
	sent        []sentMessage
	connectCtx  context.Context
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connectCtx = ctx
	f.mu.Unlock()
	return f.connectErr
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) SendText(ctx context.Context, address, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{address: address, text: text})
	return nil
}

func (f *fakeTransport) SendMedia(ctx context.Context, address string, media *Media, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{address: address, media: media, caption: caption})
	return nil
}

func (f *fakeTransport) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if f.pairCode == "" {
		return "", errors.New("pairing unavailable")
	}
	return f.pairCode, nil
}

func (f *fakeTransport) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed
}

func (f *fakeTransport) Identity() string { return f.identity }

func (f *fakeTransport) IsRegistered() bool { return f.registered }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.emitOnClose != 0 {
		select {
		case f.events <- ClosedEvent{Code: f.emitOnClose}:
		default:
		}
	}
	return nil
}

func (f *fakeTransport) setAuthed(v bool) {
	f.mu.Lock()
	f.authed = v
	f.mu.Unlock()
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeFactory hands out scripted transports in order and records the
// auth state passed to each New call. emitOnClose is stamped onto every
// transport the factory generates beyond the scripted ones.
type fakeFactory struct {
	mu          sync.Mutex
	transports  []*fakeTransport
	created     []*fakeTransport
	calls       int
	authStates  [][]byte
	emitOnClose int
	err         error
}

func (f *fakeFactory) New(ctx context.Context, sessionID int64, authState []byte) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.authStates = append(f.authStates, authState)
	var t *fakeTransport
	if f.calls < len(f.transports) {
		t = f.transports[f.calls]
	} else {
		t = newFakeTransport()
		t.emitOnClose = f.emitOnClose
	}
	f.calls++
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFactory) createdTransports() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeTransport, len(f.created))
	copy(out, f.created)
	return out
}

func testBackoff(base time.Duration) *BackoffPolicy {
	return NewBackoffPolicy(base, 100*base, rand.New(rand.NewSource(1)))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestSupervisor(store *memSessionStore, factory *fakeFactory, cfg SupervisorConfig) *Supervisor {
	return NewSupervisor(store, factory, NewNotifier(), testBackoff(10*time.Millisecond), cfg)
}

func TestInitializeConnectionOpensAndPersists(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	transport := newFakeTransport()
	transport.identity = "919876543210"
	factory := &fakeFactory{transports: []*fakeTransport{transport}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("InitializeConnection() error = %v", err)
	}
	if got := sup.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", got)
	}

	transport.setAuthed(true)
	transport.events <- OpenEvent{Identity: "919876543210"}

	waitFor(t, time.Second, func() bool {
		return store.status(1) == domain.SessionConnected
	})
	if !sup.IsSessionActive(1) {
		t.Error("IsSessionActive(1) = false, want true")
	}
	store.mu.Lock()
	phone := store.phones[1]
	store.mu.Unlock()
	if phone != "919876543210" {
		t.Errorf("persisted phone = %q, want %q", phone, "919876543210")
	}
}

func TestInitializeConnectionIsIdempotent(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	first := newFakeTransport()
	second := newFakeTransport()
	factory := &fakeFactory{transports: []*fakeTransport{first, second}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("first InitializeConnection() error = %v", err)
	}
	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("second InitializeConnection() error = %v", err)
	}

	if got := sup.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
	if first.closeCount() == 0 {
		t.Error("first transport was not closed on re-initialize")
	}
	if second.closeCount() != 0 {
		t.Error("second transport should remain open")
	}
}

func TestTransportInitFailureMarksFailed(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	factory := &fakeFactory{err: errors.New("no device")}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	err := sup.InitializeConnection(context.Background(), 1, 7, "")
	if err == nil {
		t.Fatal("InitializeConnection() error = nil, want TransportInitError")
	}
	var initErr *TransportInitError
	if !errors.As(err, &initErr) {
		t.Fatalf("error type = %T, want *TransportInitError", err)
	}
	if got := store.status(1); got != domain.SessionFailed {
		t.Errorf("status = %q, want %q", got, domain.SessionFailed)
	}
	if sup.ActiveCount() != 0 {
		t.Error("failed init left a connection registered")
	}
}

func TestCredsEventPersistsAuthState(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	transport := newFakeTransport()
	factory := &fakeFactory{transports: []*fakeTransport{transport}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("InitializeConnection() error = %v", err)
	}
	transport.events <- CredsEvent{Blob: []byte(`{"jid":"1@s.whatsapp.net"}`)}

	waitFor(t, time.Second, func() bool {
		return string(store.authState(1)) == `{"jid":"1@s.whatsapp.net"}`
	})
}

func TestQRPairingArtifactCaptured(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	transport := newFakeTransport()
	factory := &fakeFactory{transports: []*fakeTransport{transport}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("InitializeConnection() error = %v", err)
	}
	transport.events <- PairingEvent{Code: "qr-payload-1"}

	waitFor(t, time.Second, func() bool {
		return sup.PairingArtifact(1) == "qr-payload-1"
	})
}

func TestPhonePairingSuppressesQR(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	transport := newFakeTransport()
	transport.pairCode = "ABCD-1234"
	factory := &fakeFactory{transports: []*fakeTransport{transport}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{
		PairingSettleDelay: time.Millisecond,
	})

	if err := sup.InitializeConnection(context.Background(), 1, 7, "919876543210"); err != nil {
		t.Fatalf("InitializeConnection() error = %v", err)
	}

	// QR events must not overwrite the phone pairing code
	transport.events <- PairingEvent{Code: "qr-payload-1"}

	waitFor(t, time.Second, func() bool {
		return sup.PairingArtifact(1) == "ABCD-1234"
	})
}

func TestFatalCloseMarksFailedWithoutReconnect(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	transport := newFakeTransport()
	factory := &fakeFactory{transports: []*fakeTransport{transport}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("InitializeConnection() error = %v", err)
	}
	transport.events <- ClosedEvent{Code: CodeForbidden}

	waitFor(t, time.Second, func() bool {
		return store.status(1) == domain.SessionFailed
	})
	if sup.ActiveCount() != 0 {
		t.Error("fatal close left a connection registered")
	}

	// no reconnect should ever fire
	time.Sleep(50 * time.Millisecond)
	if got := factory.callCount(); got != 1 {
		t.Errorf("factory.New calls = %d, want 1", got)
	}
}

func TestLoggedOutClearsAuthState(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	_ = store.SaveAuthState(context.Background(), 1, []byte(`{"jid":"x"}`))
	transport := newFakeTransport()
	factory := &fakeFactory{transports: []*fakeTransport{transport}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("InitializeConnection() error = %v", err)
	}
	transport.events <- ClosedEvent{Code: CodeLoggedOut}

	waitFor(t, time.Second, func() bool {
		return store.status(1) == domain.SessionDisconnected
	})
	if got := store.authState(1); got != nil {
		t.Errorf("auth state after logout = %q, want cleared", got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := factory.callCount(); got != 1 {
		t.Errorf("factory.New calls = %d, want 1 (no reconnect after logout)", got)
	}
}

func TestTemporaryCloseReconnects(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	first := newFakeTransport()
	second := newFakeTransport()
	factory := &fakeFactory{transports: []*fakeTransport{first, second}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("InitializeConnection() error = %v", err)
	}
	first.events <- ClosedEvent{Code: CodeConnectionLost}

	waitFor(t, 2*time.Second, func() bool {
		return factory.callCount() == 2
	})
	waitFor(t, time.Second, func() bool {
		return sup.ActiveCount() == 1
	})
}

func TestMaxRetriesExhaustionMarksFailed(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	first := newFakeTransport()
	second := newFakeTransport()
	factory := &fakeFactory{transports: []*fakeTransport{first, second}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{MaxRetries: 1})

	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("InitializeConnection() error = %v", err)
	}

	// attempt 0 closes, reconnect attempt 1 starts, then closes again
	first.events <- ClosedEvent{Code: CodeConnectionLost}
	waitFor(t, 2*time.Second, func() bool {
		return factory.callCount() == 2
	})
	second.events <- ClosedEvent{Code: CodeConnectionLost}

	waitFor(t, 2*time.Second, func() bool {
		return store.status(1) == domain.SessionFailed
	})
	time.Sleep(100 * time.Millisecond)
	if got := factory.callCount(); got != 2 {
		t.Errorf("factory.New calls = %d, want 2 (retry budget exhausted)", got)
	}
}

func TestDeleteSessionCancelsEverything(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	transport := newFakeTransport()
	factory := &fakeFactory{transports: []*fakeTransport{transport}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("InitializeConnection() error = %v", err)
	}

	existed, err := sup.DeleteSession(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if !existed {
		t.Error("DeleteSession() existed = false, want true")
	}
	if transport.closeCount() == 0 {
		t.Error("transport not closed on delete")
	}
	if sup.ActiveCount() != 0 {
		t.Error("delete left a connection registered")
	}

	existed, err = sup.DeleteSession(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("second DeleteSession() error = %v", err)
	}
	if existed {
		t.Error("second DeleteSession() existed = true, want false")
	}
}

func TestRestoreSessionsSkipsMissingAuthState(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	store.seed(2, 7)
	store.mu.Lock()
	store.sessions[1].Status = domain.SessionConnected
	store.sessions[2].Status = domain.SessionConnected
	store.auth[2] = []byte(`{"jid":"y"}`)
	store.mu.Unlock()

	factory := &fakeFactory{}
	sup := newTestSupervisor(store, factory, SupervisorConfig{
		RestoreStagger: time.Millisecond,
	})

	if err := sup.RestoreSessions(context.Background()); err != nil {
		t.Fatalf("RestoreSessions() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return factory.callCount() == 1
	})
	if got := store.status(1); got != domain.SessionDisconnected {
		t.Errorf("session without auth state: status = %q, want %q", got, domain.SessionDisconnected)
	}
}

func TestShutdownClosesAllTransports(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	store.seed(2, 7)
	first := newFakeTransport()
	second := newFakeTransport()
	factory := &fakeFactory{transports: []*fakeTransport{first, second}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("InitializeConnection(1) error = %v", err)
	}
	if err := sup.InitializeConnection(context.Background(), 2, 7, ""); err != nil {
		t.Fatalf("InitializeConnection(2) error = %v", err)
	}

	sup.Shutdown(context.Background())

	if first.closeCount() == 0 || second.closeCount() == 0 {
		t.Error("shutdown left transports open")
	}
	if sup.ActiveCount() != 0 {
		t.Error("shutdown left connections registered")
	}
	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err == nil {
		t.Error("InitializeConnection after shutdown should fail")
	}
}

func TestReinitializeSurvivesCloseFromReplacedTransport(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	factory := &fakeFactory{emitOnClose: CodeConnectionLost}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	const rounds = 50
	for i := 0; i < rounds; i++ {
		if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
			t.Fatalf("InitializeConnection() round %d error = %v", i, err)
		}
	}

	// let the replaced transports' close events drain through the pumps
	time.Sleep(100 * time.Millisecond)

	if got := sup.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", got)
	}
	if got := factory.callCount(); got != rounds {
		t.Fatalf("factory.New calls = %d, want %d (stale close must not schedule retries)", got, rounds)
	}
	created := factory.createdTransports()
	current, registered := sup.transportFor(1)
	if !registered || current.(*fakeTransport) != created[rounds-1] {
		t.Error("registered transport is not the latest one")
	}
	for i, tr := range created[:rounds-1] {
		if tr.closeCount() == 0 {
			t.Errorf("replaced transport %d was never closed", i)
		}
	}
	if created[rounds-1].closeCount() != 0 {
		t.Error("latest transport was closed by a stale event")
	}
}

func TestDeleteSessionIgnoresCloseFromTeardown(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	transport := newFakeTransport()
	transport.emitOnClose = CodeConnectionLost
	transport.authed = true
	factory := &fakeFactory{transports: []*fakeTransport{transport}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("InitializeConnection() error = %v", err)
	}
	existed, err := sup.DeleteSession(context.Background(), 1, 7)
	if err != nil || !existed {
		t.Fatalf("DeleteSession() = (%v, %v), want (true, nil)", existed, err)
	}

	// the teardown's own close event must not schedule a reconnect
	time.Sleep(100 * time.Millisecond)
	if got := factory.callCount(); got != 1 {
		t.Errorf("factory.New calls = %d, want 1 (deleted session was re-initialized)", got)
	}
	if got := sup.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0", got)
	}
}

func TestPendingReconnectAbortsWhenRowDeleted(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	transport := newFakeTransport()
	factory := &fakeFactory{transports: []*fakeTransport{transport}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("InitializeConnection() error = %v", err)
	}

	// the row disappears while the remote drop is in flight; the retry
	// timer must find nothing to revive
	if _, err := store.Delete(context.Background(), 1, 7); err != nil {
		t.Fatalf("store.Delete() error = %v", err)
	}
	transport.events <- ClosedEvent{Code: CodeConnectionLost}

	time.Sleep(100 * time.Millisecond)
	if got := factory.callCount(); got != 1 {
		t.Errorf("factory.New calls = %d, want 1 (deleted session was resurrected)", got)
	}
	if got := sup.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0", got)
	}
}

func TestConcurrentInitDeleteKeepsSingleLiveConnection(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	factory := &fakeFactory{emitOnClose: CodeConnectionLost}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if w%2 == 0 {
					_ = sup.InitializeConnection(context.Background(), 1, 7, "")
				} else {
					_, _ = sup.DeleteSession(context.Background(), 1, 7)
					store.seed(1, 7)
				}
				if got := sup.ActiveCount(); got > 1 {
					t.Errorf("ActiveCount() = %d, want at most 1", got)
				}
			}
		}(w)
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	open := 0
	for _, tr := range factory.createdTransports() {
		if tr.closeCount() == 0 {
			open++
		}
	}
	if open > 1 {
		t.Errorf("open transports = %d, want at most 1", open)
	}

	calls := factory.callCount()
	if _, err := sup.DeleteSession(context.Background(), 1, 7); err != nil {
		t.Fatalf("final DeleteSession() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := sup.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d after final delete, want 0", got)
	}
	if got := factory.callCount(); got != calls {
		t.Errorf("factory.New calls grew from %d to %d after final delete", calls, got)
	}
	for i, tr := range factory.createdTransports() {
		if tr.closeCount() == 0 {
			t.Errorf("transport %d left open after final delete", i)
		}
	}
}

func TestConnectContextOutlivesCaller(t *testing.T) {
	store := newMemSessionStore()
	store.seed(1, 7)
	transport := newFakeTransport()
	factory := &fakeFactory{transports: []*fakeTransport{transport}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})

	reqCtx, cancel := context.WithCancel(context.Background())
	if err := sup.InitializeConnection(reqCtx, 1, 7, ""); err != nil {
		t.Fatalf("InitializeConnection() error = %v", err)
	}
	// the request ends, as it does the moment an HTTP handler returns
	cancel()

	transport.mu.Lock()
	connCtx := transport.connectCtx
	transport.mu.Unlock()
	if connCtx == nil {
		t.Fatal("Connect was never called")
	}
	select {
	case <-connCtx.Done():
		t.Fatal("connection context died with the caller's request context")
	default:
	}

	// teardown is what ends the connection context
	if _, err := sup.DeleteSession(context.Background(), 1, 7); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		select {
		case <-connCtx.Done():
			return true
		default:
			return false
		}
	})
}
