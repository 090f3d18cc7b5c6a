package store

import (
	"testing"

	"github.com/mxcrypt/cryptocore/internal/event"
)

func TestWithheldSessionRoundTrip(t *testing.T) {
	s := tempStore(t)
	content := event.RoomKeyWithheldContent{
		Algorithm: event.AlgorithmMegolm,
		RoomID:    "!room:example.org",
		SessionID: "sess1",
		SenderKey: "senderkey",
		Code:      event.WithheldUnverified,
		Reason:    "device not verified",
	}
	if err := s.PutWithheldSession(content); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetWithheldSession("!room:example.org", "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Code != event.WithheldUnverified {
		t.Fatalf("withheld = %+v", got)
	}

	missing, err := s.GetWithheldSession("!room:example.org", "other")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatal("expected nil for unknown session")
	}
}

func TestSharedSessionIndex(t *testing.T) {
	s := tempStore(t)
	rec := SharedSessionRecord{
		RoomID:     "!room:example.org",
		SessionID:  "sess1",
		Algorithm:  event.AlgorithmMegolm,
		UserID:     "@bob:example.org",
		DeviceID:   "BOBDEV",
		DeviceKey:  "bobkey",
		ChainIndex: 10,
	}
	if err := s.MarkSessionShared(rec); err != nil {
		t.Fatal(err)
	}
	rec.ChainIndex = 4
	if err := s.MarkSessionShared(rec); err != nil {
		t.Fatal(err)
	}

	// The device is considered to hold the key from the lowest shared index.
	index, found, err := s.GetSharedSessionIndex(
		"!room:example.org", "sess1", "@bob:example.org", "BOBDEV", "bobkey")
	if err != nil {
		t.Fatal(err)
	}
	if !found || index != 4 {
		t.Fatalf("index = %d found = %v", index, found)
	}

	_, found, err = s.GetSharedSessionIndex(
		"!room:example.org", "sess1", "@bob:example.org", "OTHERDEV", "otherkey")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("unexpected share record")
	}

	shares, err := s.SharedWithDevices("!room:example.org", "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if len(shares) != 2 {
		t.Fatalf("shares = %d, want 2", len(shares))
	}
}
