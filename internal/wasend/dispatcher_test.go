package wasend

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
)

type memLogStore struct {
	mu   sync.Mutex
	seq  int64
	logs map[int64]*domain.MessageLog
}

func newMemLogStore() *memLogStore {
	return &memLogStore{logs: make(map[int64]*domain.MessageLog)}
}

func (m *memLogStore) Insert(ctx context.Context, log *domain.MessageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.ID == 0 {
		m.seq++
		log.ID = m.seq
	}
	copied := *log
	m.logs[log.ID] = &copied
	return nil
}

func (m *memLogStore) MarkSent(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log, ok := m.logs[id]; ok {
		log.Status = domain.MessageSent
		log.SentAt = &at
	}
	return nil
}

func (m *memLogStore) MarkFailed(ctx context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log, ok := m.logs[id]; ok {
		log.Status = domain.MessageFailed
		log.Error = reason
	}
	return nil
}

func (m *memLogStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

func (m *memLogStore) get(id int64) *domain.MessageLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log, ok := m.logs[id]; ok {
		copied := *log
		return &copied
	}
	return nil
}

// activeDispatcher builds a dispatcher whose session 1 has a live,
// authenticated fake transport.
func activeDispatcher(t *testing.T, logs *memLogStore, limiter *RateLimiter) (*Dispatcher, *fakeTransport) {
	t.Helper()
	store := newMemSessionStore()
	store.seed(1, 7)
	transport := newFakeTransport()
	transport.authed = true
	factory := &fakeFactory{transports: []*fakeTransport{transport}}
	sup := newTestSupervisor(store, factory, SupervisorConfig{})
	if err := sup.InitializeConnection(context.Background(), 1, 7, ""); err != nil {
		t.Fatalf("InitializeConnection() error = %v", err)
	}
	if limiter == nil {
		limiter = NewRateLimiter(100, time.Minute)
	}
	return NewDispatcher(sup, logs, limiter, "91"), transport
}

func TestNormalizeRecipient(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"9876543210", "919876543210@s.whatsapp.net"},
		{"919876543210", "919876543210@s.whatsapp.net"},
		{"+91 98765 43210", "919876543210@s.whatsapp.net"},
		{"98-76-54-32-10", "919876543210@s.whatsapp.net"},
		{"919876543210@s.whatsapp.net", "919876543210@s.whatsapp.net"},
		{"14155552671", "14155552671@s.whatsapp.net"},
	}
	for _, tt := range tests {
		if got := NormalizeRecipient(tt.raw, "91"); got != tt.want {
			t.Errorf("NormalizeRecipient(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeRecipientIdempotent(t *testing.T) {
	once := NormalizeRecipient("9876543210", "91")
	twice := NormalizeRecipient(once, "91")
	if once != twice {
		t.Errorf("normalize twice = %q, want %q", twice, once)
	}
}

func TestMimeForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/tmp/photo.jpg", "image/jpeg"},
		{"https://cdn.example.com/clip.mp4?sig=abc", "video/mp4"},
		{"report.pdf", "application/pdf"},
		{"archive.zip", "application/zip"},
		{"unknown.xyz123", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := MimeForPath(tt.path); got != tt.want {
			t.Errorf("MimeForPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestSendTextSuccess(t *testing.T) {
	logs := newMemLogStore()
	d, transport := activeDispatcher(t, logs, nil)

	log, err := d.Send(context.Background(), SendRequest{
		SessionID: 1,
		UserID:    7,
		Recipient: "9876543210",
		Body:      "hello",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if log.Status != domain.MessageSent {
		t.Errorf("log status = %q, want %q", log.Status, domain.MessageSent)
	}
	if log.SentAt == nil {
		t.Error("log.SentAt = nil, want set")
	}
	if transport.sentCount() != 1 {
		t.Fatalf("transport sends = %d, want 1", transport.sentCount())
	}
	transport.mu.Lock()
	sent := transport.sent[0]
	transport.mu.Unlock()
	if sent.address != "919876543210@s.whatsapp.net" {
		t.Errorf("sent address = %q, want normalized", sent.address)
	}
	if stored := logs.get(log.ID); stored == nil || stored.Status != domain.MessageSent {
		t.Error("stored log not marked sent")
	}
}

func TestSendFailureRecordedNotReturned(t *testing.T) {
	logs := newMemLogStore()
	d, transport := activeDispatcher(t, logs, nil)
	transport.mu.Lock()
	transport.sendErr = errors.New("stream gone")
	transport.mu.Unlock()

	log, err := d.Send(context.Background(), SendRequest{
		SessionID: 1,
		UserID:    7,
		Recipient: "9876543210",
		Body:      "hello",
	})
	if err != nil {
		t.Fatalf("Send() error = %v, want nil (failure carried in log)", err)
	}
	if log.Status != domain.MessageFailed {
		t.Errorf("log status = %q, want %q", log.Status, domain.MessageFailed)
	}
	if log.Error == "" {
		t.Error("log.Error empty, want failure reason")
	}
	if stored := logs.get(log.ID); stored == nil || stored.Status != domain.MessageFailed {
		t.Error("stored log not marked failed")
	}
}

func TestSendSessionNotActive(t *testing.T) {
	logs := newMemLogStore()
	store := newMemSessionStore()
	store.seed(1, 7)
	sup := newTestSupervisor(store, &fakeFactory{}, SupervisorConfig{})
	d := NewDispatcher(sup, logs, NewRateLimiter(100, time.Minute), "91")

	log, err := d.Send(context.Background(), SendRequest{
		SessionID: 1,
		UserID:    7,
		Recipient: "9876543210",
		Body:      "hello",
	})
	if !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("Send() error = %v, want ErrSessionNotActive", err)
	}
	if log == nil || log.Status != domain.MessageFailed {
		t.Error("not-active send should still produce a failed log row")
	}
	if logs.count() != 1 {
		t.Errorf("log rows = %d, want 1", logs.count())
	}
}

func TestSendRateLimitedHasNoLogSideEffect(t *testing.T) {
	logs := newMemLogStore()
	d, _ := activeDispatcher(t, logs, NewRateLimiter(1, time.Minute))

	if _, err := d.Send(context.Background(), SendRequest{
		SessionID: 1, UserID: 7, Recipient: "9876543210", Body: "first",
	}); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}

	log, err := d.Send(context.Background(), SendRequest{
		SessionID: 1, UserID: 7, Recipient: "9876543210", Body: "second",
	})
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("second Send() error = %v, want *RateLimitError", err)
	}
	if rle.RetryAfter <= 0 {
		t.Error("RetryAfter not populated")
	}
	if log != nil {
		t.Error("rate-limited send returned a log row, want nil")
	}
	if logs.count() != 1 {
		t.Errorf("log rows = %d, want 1 (denial leaves no record)", logs.count())
	}
}

func TestSendLocalMediaWithCaption(t *testing.T) {
	logs := newMemLogStore()
	d, transport := activeDispatcher(t, logs, nil)

	file := filepath.Join(t.TempDir(), "pic.jpg")
	if err := os.WriteFile(file, []byte("jpegdata"), 0o644); err != nil {
		t.Fatal(err)
	}

	log, err := d.Send(context.Background(), SendRequest{
		SessionID: 1,
		UserID:    7,
		Recipient: "9876543210",
		Body:      "look at this",
		MediaPath: file,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if log.Status != domain.MessageSent {
		t.Fatalf("log status = %q, want %q", log.Status, domain.MessageSent)
	}
	transport.mu.Lock()
	sent := transport.sent[0]
	transport.mu.Unlock()
	if sent.media == nil {
		t.Fatal("no media recorded on transport")
	}
	if sent.media.Mime != "image/jpeg" {
		t.Errorf("media mime = %q, want image/jpeg", sent.media.Mime)
	}
	if sent.caption != "look at this" {
		t.Errorf("caption = %q, want body as caption for images", sent.caption)
	}
}

func TestSendMissingMediaFails(t *testing.T) {
	logs := newMemLogStore()
	d, _ := activeDispatcher(t, logs, nil)

	log, err := d.Send(context.Background(), SendRequest{
		SessionID: 1,
		UserID:    7,
		Recipient: "9876543210",
		MediaPath: "/nonexistent/file.png",
	})
	if err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}
	if log.Status != domain.MessageFailed {
		t.Errorf("log status = %q, want %q", log.Status, domain.MessageFailed)
	}
}
