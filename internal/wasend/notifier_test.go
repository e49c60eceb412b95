package wasend

import (
	"testing"
)

func TestNotifierFansOutToSubscribers(t *testing.T) {
	n := NewNotifier()

	var pairings []PairingNotice
	var statuses []StatusNotice
	var failures []ErrorNotice
	if err := n.SubscribePairing(func(p PairingNotice) { pairings = append(pairings, p) }); err != nil {
		t.Fatalf("SubscribePairing() error = %v", err)
	}
	if err := n.SubscribeStatus(func(s StatusNotice) { statuses = append(statuses, s) }); err != nil {
		t.Fatalf("SubscribeStatus() error = %v", err)
	}
	if err := n.SubscribeError(func(e ErrorNotice) { failures = append(failures, e) }); err != nil {
		t.Fatalf("SubscribeError() error = %v", err)
	}

	n.Pairing(1, "2@abc", false)
	n.Pairing(1, "ABCD-1234", true)
	n.Status(1, "connected", "")
	n.Error(2, "stream error")

	if len(pairings) != 2 {
		t.Fatalf("pairing notices = %d, want 2", len(pairings))
	}
	if pairings[0].Code != "2@abc" || pairings[0].IsPhone {
		t.Errorf("first pairing = %+v, want QR artifact", pairings[0])
	}
	if pairings[1].Code != "ABCD-1234" || !pairings[1].IsPhone {
		t.Errorf("second pairing = %+v, want phone code", pairings[1])
	}
	if len(statuses) != 1 || statuses[0].Status != "connected" {
		t.Errorf("status notices = %+v, want one connected", statuses)
	}
	if len(failures) != 1 || failures[0].SessionID != 2 {
		t.Errorf("error notices = %+v, want one for session 2", failures)
	}
}

func TestNotifierUnsubscribeStopsDelivery(t *testing.T) {
	n := NewNotifier()

	count := 0
	handler := func(StatusNotice) { count++ }
	if err := n.SubscribeStatus(handler); err != nil {
		t.Fatalf("SubscribeStatus() error = %v", err)
	}
	n.Status(1, "connected", "")
	if err := n.UnsubscribeStatus(handler); err != nil {
		t.Fatalf("UnsubscribeStatus() error = %v", err)
	}
	n.Status(1, "disconnected", "")

	if count != 1 {
		t.Errorf("deliveries after unsubscribe = %d, want 1", count)
	}
}
