package wasend

import (
	"github.com/asaskevich/EventBus"
)

// Notification Bridge topics. Subscribers (the UI push channel) receive
// session lifecycle, pairing and error events fanned out over the bus.
const (
	TopicPairing = "wa.session.pairing"
	TopicStatus  = "wa.session.status"
	TopicError   = "wa.session.error"
)

// PairingNotice carries a pairing artifact for one session: a QR payload
// or a numeric phone-pairing code.
type PairingNotice struct {
	SessionID int64  `json:"session_id,string"`
	Code      string `json:"code"`
	IsPhone   bool   `json:"is_phone"`
}

// StatusNotice reports a session lifecycle transition.
type StatusNotice struct {
	SessionID int64  `json:"session_id,string"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// ErrorNotice reports a session-scoped failure.
type ErrorNotice struct {
	SessionID int64  `json:"session_id,string"`
	Message   string `json:"message"`
}

// Notifier fans session events out to interested listeners over an
// in-process bus. The push transport to UI clients lives outside the core.
type Notifier struct {
	bus EventBus.Bus
}

func NewNotifier() *Notifier {
	return &Notifier{bus: EventBus.New()}
}

func (n *Notifier) Pairing(sessionID int64, code string, isPhone bool) {
	n.bus.Publish(TopicPairing, PairingNotice{SessionID: sessionID, Code: code, IsPhone: isPhone})
}

func (n *Notifier) Status(sessionID int64, status, detail string) {
	n.bus.Publish(TopicStatus, StatusNotice{SessionID: sessionID, Status: status, Detail: detail})
}

func (n *Notifier) Error(sessionID int64, message string) {
	n.bus.Publish(TopicError, ErrorNotice{SessionID: sessionID, Message: message})
}

func (n *Notifier) SubscribePairing(fn func(PairingNotice)) error {
	return n.bus.Subscribe(TopicPairing, fn)
}

func (n *Notifier) SubscribeStatus(fn func(StatusNotice)) error {
	return n.bus.Subscribe(TopicStatus, fn)
}

func (n *Notifier) SubscribeError(fn func(ErrorNotice)) error {
	return n.bus.Subscribe(TopicError, fn)
}

func (n *Notifier) UnsubscribePairing(fn func(PairingNotice)) error {
	return n.bus.Unsubscribe(TopicPairing, fn)
}

func (n *Notifier) UnsubscribeStatus(fn func(StatusNotice)) error {
	return n.bus.Unsubscribe(TopicStatus, fn)
}

func (n *Notifier) UnsubscribeError(fn func(ErrorNotice)) error {
	return n.bus.Unsubscribe(TopicError, fn)
}
