package wasend

import "context"

// Event is a transport-emitted signal consumed by the supervisor's
// per-session event pump. Within one session events are delivered in the
// order the transport emits them.
type Event interface {
	sessionEvent()
}

// PairingEvent carries a QR payload (or other pairing artifact) emitted
// while the transport awaits device linking.
type PairingEvent struct {
	Code string
}

// OpenEvent reports an open, authenticated session. Identity is the phone
// number the remote network assigned to this device linkage.
type OpenEvent struct {
	Identity string
}

// ClosedEvent reports connection closure with the remote service's numeric
// disconnect code. Err carries transport-level detail when available.
type ClosedEvent struct {
	Code int
	Err  error
}

// CredsEvent carries updated auth-state material. Every update must be
// persisted immediately; losing one risks forced re-authentication.
type CredsEvent struct {
	Blob []byte
}

func (PairingEvent) sessionEvent() {}
func (OpenEvent) sessionEvent()    {}
func (ClosedEvent) sessionEvent()  {}
func (CredsEvent) sessionEvent()   {}

// Media is a resolved outbound attachment.
type Media struct {
	Data     []byte
	Mime     string
	Filename string
}

// Transport is the opaque connection object that already speaks the
// WhatsApp protocol to the remote network. The supervisor only
// orchestrates it; protocol internals are out of scope.
type Transport interface {
	// Connect opens the connection. Pairing and lifecycle signals arrive
	// on Events after this returns.
	Connect(ctx context.Context) error
	// Events returns the typed per-session event stream. Closed when the
	// transport is terminally done.
	Events() <-chan Event
	SendText(ctx context.Context, address, text string) error
	SendMedia(ctx context.Context, address string, media *Media, caption string) error
	// RequestPairingCode asks the remote network for a numeric
	// phone-pairing code. Mutually exclusive with QR pairing per attempt.
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	// IsAuthenticated reports whether the transport currently holds an
	// authenticated identity, not merely an open socket.
	IsAuthenticated() bool
	// Identity returns the authenticated phone number, empty if none.
	Identity() string
	// IsRegistered reports whether the loaded auth state already completed
	// pairing, in which case requesting a new pairing code would clobber a
	// valid session.
	IsRegistered() bool
	Close() error
}

// Factory constructs a transport for one session from its persisted
// auth-state blob (nil for a fresh pairing).
type Factory interface {
	New(ctx context.Context, sessionID int64, authState []byte) (Transport, error)
}
