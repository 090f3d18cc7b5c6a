package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mxcrypt/cryptocore/internal/event"
)

// PutWithheldSession records a refusal to share a room key. Keyed by
// (roomId, sessionId, algorithm); a repeated notice replaces the record.
// A withheld record does not exclude the session arriving later.
func (s *Store) PutWithheldSession(content event.RoomKeyWithheldContent) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO withheld_session
		 (room_id, session_id, algorithm, sender_key, code, reason)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		content.RoomID, content.SessionID, content.Algorithm,
		content.SenderKey, string(content.Code), content.Reason)
	if err != nil {
		return fmt.Errorf("store: put withheld session: %w", err)
	}
	return nil
}

// GetWithheldSession loads the refusal record for a megolm session.
// Returns nil, nil if the key was never withheld.
func (s *Store) GetWithheldSession(roomID, sessionID string) (*event.RoomKeyWithheldContent, error) {
	content := &event.RoomKeyWithheldContent{RoomID: roomID, SessionID: sessionID}
	var code string
	err := s.db.QueryRow(
		`SELECT algorithm, sender_key, code, reason FROM withheld_session
		 WHERE room_id = ? AND session_id = ? AND algorithm = ?`,
		roomID, sessionID, event.AlgorithmMegolm,
	).Scan(&content.Algorithm, &content.SenderKey, &code, &content.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get withheld session: %w", err)
	}
	content.Code = event.WithheldCode(code)
	return content, nil
}

// SharedSessionRecord marks that a device received a group session at a
// given ratchet index. The log is append-only.
type SharedSessionRecord struct {
	RoomID     string
	SessionID  string
	Algorithm  string
	UserID     string
	DeviceID   string
	DeviceKey  string
	ChainIndex uint32
}

// MarkSessionShared appends to the shared-session log.
func (s *Store) MarkSessionShared(rec SharedSessionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO shared_session
		 (room_id, session_id, algorithm, user_id, device_id, device_key, chain_index)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RoomID, rec.SessionID, rec.Algorithm,
		rec.UserID, rec.DeviceID, rec.DeviceKey, rec.ChainIndex)
	if err != nil {
		return fmt.Errorf("store: mark session shared: %w", err)
	}
	return nil
}

// GetSharedSessionIndex returns the lowest chain index already given to the
// device for the session, and whether any share was recorded. Used to avoid
// re-sharing a key a device already holds.
func (s *Store) GetSharedSessionIndex(roomID, sessionID, userID, deviceID, deviceKey string) (uint32, bool, error) {
	var index uint32
	err := s.db.QueryRow(
		`SELECT MIN(chain_index) FROM shared_session
		 WHERE room_id = ? AND session_id = ? AND user_id = ? AND device_id = ? AND device_key = ?
		 GROUP BY session_id`,
		roomID, sessionID, userID, deviceID, deviceKey,
	).Scan(&index)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: shared session index: %w", err)
	}
	return index, true, nil
}

// SharedWithDevices answers "who has this key": every (user, device, index)
// the session was shared with.
func (s *Store) SharedWithDevices(roomID, sessionID string) ([]SharedSessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT room_id, session_id, algorithm, user_id, device_id, device_key, chain_index
		 FROM shared_session WHERE room_id = ? AND session_id = ?`,
		roomID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: shared with devices: %w", err)
	}
	defer rows.Close()

	var recs []SharedSessionRecord
	for rows.Next() {
		var rec SharedSessionRecord
		if err := rows.Scan(&rec.RoomID, &rec.SessionID, &rec.Algorithm,
			&rec.UserID, &rec.DeviceID, &rec.DeviceKey, &rec.ChainIndex); err != nil {
			return nil, fmt.Errorf("store: scan shared session: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
