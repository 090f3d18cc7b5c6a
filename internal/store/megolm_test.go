package store

import (
	"testing"
	"time"

	"github.com/mxcrypt/cryptocore/internal/olm"
)

func TestOutboundGroupSessionReplacement(t *testing.T) {
	s := tempStore(t)
	room := "!room:example.org"

	first, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	defer first.Release()
	if err := s.SetOutboundGroupSession(room, first, time.Now().UnixMilli(), false); err != nil {
		t.Fatal(err)
	}

	second, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	defer second.Release()
	if err := s.SetOutboundGroupSession(room, second, time.Now().UnixMilli(), true); err != nil {
		t.Fatal(err)
	}

	// At most one outbound session per room, the latest one.
	rec, err := s.GetOutboundGroupSession(room)
	if err != nil {
		t.Fatal(err)
	}
	secondID, err := second.ID()
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.SessionID != secondID {
		t.Fatalf("outbound session = %+v, want %s", rec, secondID)
	}

	var count int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM megolm_outbound WHERE room_id = ?", room).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("outbound rows = %d, want 1", count)
	}
}

func TestDiscardOutboundGroupSession(t *testing.T) {
	s := tempStore(t)
	room := "!room:example.org"

	sess, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Release()
	if err := s.SetOutboundGroupSession(room, sess, time.Now().UnixMilli(), false); err != nil {
		t.Fatal(err)
	}
	if err := s.DiscardOutboundGroupSession(room); err != nil {
		t.Fatal(err)
	}
	rec, err := s.GetOutboundGroupSession(room)
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatal("session should be discarded")
	}
}

func TestInboundGroupSessionRoundTrip(t *testing.T) {
	s := tempStore(t)
	sess, err := olm.NewInboundGroupSession("sess1", "sessionkey", 3)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Release()

	if err := s.PutInboundGroupSession("senderkey", "!room:example.org", sess, true); err != nil {
		t.Fatal(err)
	}
	rec, err := s.GetInboundGroupSession("sess1", "senderkey")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("session not found")
	}
	if rec.RoomID != "!room:example.org" || rec.FirstIndex != 3 || !rec.SharedHistory {
		t.Fatalf("record = %+v", rec)
	}
	if rec.BackedUp {
		t.Fatal("fresh session must not be marked backed up")
	}

	restored, err := olm.UnpickleInboundGroupSession(rec.Pickle)
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Release()
	id, err := restored.ID()
	if err != nil {
		t.Fatal(err)
	}
	if id != "sess1" {
		t.Fatalf("restored id = %s", id)
	}
}

func TestPutInboundGroupSessionPreservesBackupFlag(t *testing.T) {
	s := tempStore(t)
	sess, err := olm.NewInboundGroupSession("sess1", "sessionkey", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Release()

	if err := s.PutInboundGroupSession("senderkey", "!room:example.org", sess, false); err != nil {
		t.Fatal(err)
	}
	rec, err := s.GetInboundGroupSession("sess1", "senderkey")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkBackupDoneForInboundGroupSessions([]*MegolmInboundRecord{rec}); err != nil {
		t.Fatal(err)
	}

	// Re-receiving the session must not lose the backup marker.
	if err := s.PutInboundGroupSession("senderkey", "!room:example.org", sess, false); err != nil {
		t.Fatal(err)
	}
	rec, err = s.GetInboundGroupSession("sess1", "senderkey")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.BackedUp {
		t.Fatal("backup marker lost on rewrite")
	}
}

func TestGetInboundGroupSessionsForRoom(t *testing.T) {
	s := tempStore(t)
	for i, id := range []string{"sessA", "sessB"} {
		sess, err := olm.NewInboundGroupSession(id, "key", uint32(i))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.PutInboundGroupSession("senderkey", "!room:example.org", sess, false); err != nil {
			t.Fatal(err)
		}
		sess.Release()
	}
	recs, err := s.GetInboundGroupSessionsForRoom("!room:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("sessions = %d, want 2", len(recs))
	}
}
