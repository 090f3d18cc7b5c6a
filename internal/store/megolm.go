package store

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mxcrypt/cryptocore/internal/olm"
)

// MegolmInboundRecord is a stored inbound group session, keyed by
// (sessionId, senderKey). Pickle is an owned copy.
type MegolmInboundRecord struct {
	SessionID     string
	SenderKey     string
	RoomID        string
	Pickle        []byte
	FirstIndex    uint32
	SharedHistory bool
	BackedUp      bool
}

// MegolmOutboundRecord is the stored outbound group session for a room.
// SharedHistory is snapshotted from the room settings at creation time and
// never updated afterwards.
type MegolmOutboundRecord struct {
	RoomID        string
	SessionID     string
	Pickle        []byte
	CreationTs    int64
	SharedHistory bool
}

// PutInboundGroupSession persists the whole session state. If the session
// identifier cannot be derived the write is a logged no-op. A re-received
// session replaces the stored record and clears its backed-up marker only
// when the stored record was a backup placeholder without key material.
func (s *Store) PutInboundGroupSession(senderKey, roomID string, sess *olm.InboundGroupSession, sharedHistory bool) error {
	sessionID, err := sess.ID()
	if err != nil {
		s.log.Warn("skipping inbound group session with invalid state",
			zap.String("room_id", roomID), zap.Error(err))
		return nil
	}
	pickle, err := sess.Pickle()
	if err != nil {
		s.log.Warn("skipping unserializable inbound group session",
			zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}

	return s.inTx(func(tx *sql.Tx) error {
		var backedUp bool
		err := tx.QueryRow(
			"SELECT backed_up FROM megolm_inbound WHERE session_id = ? AND sender_key = ?",
			sessionID, senderKey,
		).Scan(&backedUp)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: check inbound session: %w", err)
		}

		_, err = tx.Exec(
			`INSERT OR REPLACE INTO megolm_inbound
			 (session_id, sender_key, room_id, pickle, first_index, shared_history, backed_up)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, senderKey, roomID, pickle, sess.FirstKnownIndex(), sharedHistory, backedUp)
		if err != nil {
			return fmt.Errorf("store: put inbound session: %w", err)
		}
		return nil
	})
}

// GetInboundGroupSession loads one inbound session. Returns nil, nil if absent.
func (s *Store) GetInboundGroupSession(sessionID, senderKey string) (*MegolmInboundRecord, error) {
	rec := &MegolmInboundRecord{SessionID: sessionID, SenderKey: senderKey}
	err := s.db.QueryRow(
		`SELECT room_id, pickle, first_index, shared_history, backed_up
		 FROM megolm_inbound WHERE session_id = ? AND sender_key = ?`,
		sessionID, senderKey,
	).Scan(&rec.RoomID, &rec.Pickle, &rec.FirstIndex, &rec.SharedHistory, &rec.BackedUp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get inbound session: %w", err)
	}
	return rec, nil
}

// GetInboundGroupSessionsForRoom loads every inbound session known for a
// room. Multiple sessions can exist per room; their ratchet states differ.
func (s *Store) GetInboundGroupSessionsForRoom(roomID string) ([]*MegolmInboundRecord, error) {
	rows, err := s.db.Query(
		`SELECT session_id, sender_key, room_id, pickle, first_index, shared_history, backed_up
		 FROM megolm_inbound WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, fmt.Errorf("store: list inbound sessions: %w", err)
	}
	defer rows.Close()
	return scanInboundRecords(rows)
}

func scanInboundRecords(rows *sql.Rows) ([]*MegolmInboundRecord, error) {
	var recs []*MegolmInboundRecord
	for rows.Next() {
		rec := &MegolmInboundRecord{}
		if err := rows.Scan(&rec.SessionID, &rec.SenderKey, &rec.RoomID, &rec.Pickle,
			&rec.FirstIndex, &rec.SharedHistory, &rec.BackedUp); err != nil {
			return nil, fmt.Errorf("store: scan inbound session: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SetOutboundGroupSession stores the current outbound session for a room,
// replacing any previous one: there is at most one outbound session per
// room. If the session identifier cannot be derived the write is a logged
// no-op and the previous record is kept.
func (s *Store) SetOutboundGroupSession(roomID string, sess *olm.OutboundGroupSession, creationTs int64, sharedHistory bool) error {
	sessionID, err := sess.ID()
	if err != nil {
		s.log.Warn("skipping outbound group session with invalid state",
			zap.String("room_id", roomID), zap.Error(err))
		return nil
	}
	pickle, err := sess.Pickle()
	if err != nil {
		s.log.Warn("skipping unserializable outbound group session",
			zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}

	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM megolm_outbound WHERE room_id = ?", roomID); err != nil {
			return fmt.Errorf("store: replace outbound session: %w", err)
		}
		_, err := tx.Exec(
			`INSERT INTO megolm_outbound (room_id, session_id, pickle, creation_ts, shared_history)
			 VALUES (?, ?, ?, ?, ?)`,
			roomID, sessionID, pickle, creationTs, sharedHistory)
		if err != nil {
			return fmt.Errorf("store: put outbound session: %w", err)
		}
		return nil
	})
}

// GetOutboundGroupSession loads the room's current outbound session.
// Returns nil, nil if the room has none.
func (s *Store) GetOutboundGroupSession(roomID string) (*MegolmOutboundRecord, error) {
	rec := &MegolmOutboundRecord{RoomID: roomID}
	err := s.db.QueryRow(
		`SELECT session_id, pickle, creation_ts, shared_history
		 FROM megolm_outbound WHERE room_id = ?`, roomID,
	).Scan(&rec.SessionID, &rec.Pickle, &rec.CreationTs, &rec.SharedHistory)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get outbound session: %w", err)
	}
	return rec, nil
}

// DiscardOutboundGroupSession drops the room's outbound session, forcing a
// new one to be created on the next send.
func (s *Store) DiscardOutboundGroupSession(roomID string) error {
	_, err := s.db.Exec("DELETE FROM megolm_outbound WHERE room_id = ?", roomID)
	if err != nil {
		return fmt.Errorf("store: discard outbound session: %w", err)
	}
	return nil
}
