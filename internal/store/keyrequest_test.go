package store

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/mxcrypt/cryptocore/internal/event"
)

func testRequestBody() event.RoomKeyRequestBody {
	return event.RoomKeyRequestBody{
		RoomID:    "!room:example.org",
		SessionID: "sess1",
		SenderKey: "senderkey1",
		Algorithm: event.AlgorithmMegolm,
	}
}

func TestGetOrAddOutgoingRoomKeyRequestIdempotent(t *testing.T) {
	s := tempStore(t)
	body := testRequestBody()
	recipients := map[string][]string{testUser: {"*"}}

	first, err := s.GetOrAddOutgoingRoomKeyRequest(body, recipients, 0)
	if err != nil {
		t.Fatal(err)
	}
	if first.State != RequestUnsent {
		t.Fatalf("new request state = %s", first.State)
	}
	if first.RequestID == "" {
		t.Fatal("missing request id")
	}

	second, err := s.GetOrAddOutgoingRoomKeyRequest(body, recipients, 5)
	if err != nil {
		t.Fatal(err)
	}
	if second.RequestID != first.RequestID {
		t.Fatalf("second call created new request %s, want %s", second.RequestID, first.RequestID)
	}
	if second.RequestedIndex != first.RequestedIndex {
		t.Fatal("existing request must be returned unchanged")
	}

	// Different senderKey is a different request: dedup is on the full tuple.
	other := body
	other.SenderKey = "senderkey2"
	third, err := s.GetOrAddOutgoingRoomKeyRequest(other, recipients, 0)
	if err != nil {
		t.Fatal(err)
	}
	if third.RequestID == first.RequestID {
		t.Fatal("different sender key must create a separate request")
	}
}

func TestGetOrAddOutgoingRoomKeyRequestConcurrent(t *testing.T) {
	s := tempStore(t)
	body := testRequestBody()

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := s.GetOrAddOutgoingRoomKeyRequest(body, nil, 0)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = req.RequestID
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got request %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM outgoing_key_request").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("stored requests = %d, want 1", n)
	}
}

func TestUpdateOutgoingRoomKeyReply(t *testing.T) {
	s := tempStore(t)
	body := testRequestBody()
	req, err := s.GetOrAddOutgoingRoomKeyRequest(body, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	reply := json.RawMessage(`{"session_key":"abc"}`)
	if err := s.UpdateOutgoingRoomKeyReply(
		body.RoomID, body.SessionID, body.Algorithm, body.SenderKey,
		"@bob:example.org", "BOBDEV", reply); err != nil {
		t.Fatal(err)
	}

	// Mismatching sender key is dropped, not errored.
	if err := s.UpdateOutgoingRoomKeyReply(
		body.RoomID, body.SessionID, body.Algorithm, "wrongkey",
		"@bob:example.org", "BOBDEV", reply); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetOutgoingRoomKeyRequest(req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(got.Replies))
	}
	if got.Replies[0].UserID != "@bob:example.org" {
		t.Fatalf("reply user = %s", got.Replies[0].UserID)
	}
}

func TestTransitionToUnsentClearsReplies(t *testing.T) {
	s := tempStore(t)
	body := testRequestBody()
	req, err := s.GetOrAddOutgoingRoomKeyRequest(body, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateOutgoingRoomKeyRequestState(req.RequestID, RequestSent); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateOutgoingRoomKeyReply(
		body.RoomID, body.SessionID, body.Algorithm, body.SenderKey,
		"@bob:example.org", "BOBDEV", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}

	// Back to unsent: the stale reply must not survive.
	if err := s.UpdateOutgoingRoomKeyRequestState(req.RequestID, RequestUnsent); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetOutgoingRoomKeyRequest(req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != RequestUnsent {
		t.Fatalf("state = %s", got.State)
	}
	if len(got.Replies) != 0 {
		t.Fatalf("replies survived transition to unsent: %d", len(got.Replies))
	}
}

func TestOutgoingRoomKeyRequestsInStates(t *testing.T) {
	s := tempStore(t)
	bodies := []event.RoomKeyRequestBody{testRequestBody(), testRequestBody()}
	bodies[1].SessionID = "sess2"

	var ids []string
	for _, body := range bodies {
		req, err := s.GetOrAddOutgoingRoomKeyRequest(body, nil, 0)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, req.RequestID)
	}
	if err := s.UpdateOutgoingRoomKeyRequestState(ids[1], RequestSent); err != nil {
		t.Fatal(err)
	}

	unsent, err := s.OutgoingRoomKeyRequestsInStates(RequestUnsent)
	if err != nil {
		t.Fatal(err)
	}
	if len(unsent) != 1 || unsent[0].RequestID != ids[0] {
		t.Fatalf("unsent = %v", unsent)
	}

	both, err := s.OutgoingRoomKeyRequestsInStates(RequestUnsent, RequestSent)
	if err != nil {
		t.Fatal(err)
	}
	if len(both) != 2 {
		t.Fatalf("both = %d, want 2", len(both))
	}
}

func TestDeleteOutgoingRoomKeyRequest(t *testing.T) {
	s := tempStore(t)
	req, err := s.GetOrAddOutgoingRoomKeyRequest(testRequestBody(), nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteOutgoingRoomKeyRequest(req.RequestID); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetOutgoingRoomKeyRequest(req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("request should be gone")
	}
}

func TestTidyUpDataBase(t *testing.T) {
	s := tempStore(t)
	req, err := s.GetOrAddOutgoingRoomKeyRequest(testRequestBody(), nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Recent request survives the sweep.
	if err := s.TidyUpDataBase(); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetOutgoingRoomKeyRequest(req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("recent request swept")
	}

	// Age it past the retention window.
	if _, err := s.db.Exec(
		"UPDATE outgoing_key_request SET creation_ts = 0 WHERE request_id = ?", req.RequestID); err != nil {
		t.Fatal(err)
	}
	if err := s.TidyUpDataBase(); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetOutgoingRoomKeyRequest(req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("aged request not swept")
	}
}

func TestUpdateOutgoingRoomKeyRequiredIndex(t *testing.T) {
	s := tempStore(t)
	req, err := s.GetOrAddOutgoingRoomKeyRequest(testRequestBody(), nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateOutgoingRoomKeyRequiredIndex(req.RequestID, 3); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetOutgoingRoomKeyRequest(req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestedIndex != 3 {
		t.Fatalf("requested index = %d, want 3", got.RequestedIndex)
	}
}
