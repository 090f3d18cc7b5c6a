package store

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mxcrypt/cryptocore/internal/olm"
)

// OlmSessionRecord is a stored pairwise session, keyed by
// (sessionId, deviceIdentityKey). Pickle is an owned copy.
type OlmSessionRecord struct {
	SessionID      string
	DeviceKey      string
	Pickle         []byte
	LastReceivedTs int64
}

// PutOlmSession persists the whole session state for the given device
// identity key. If the session identifier cannot be derived the write is a
// logged no-op: a partially usable record must never be persisted.
func (s *Store) PutOlmSession(deviceKey string, sess *olm.PairSession, lastReceivedTs int64) error {
	sessionID, err := sess.ID()
	if err != nil {
		s.log.Warn("skipping olm session with invalid state",
			zap.String("device_key", deviceKey), zap.Error(err))
		return nil
	}
	pickle, err := sess.Pickle()
	if err != nil {
		s.log.Warn("skipping unserializable olm session",
			zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO olm_session (session_id, device_key, pickle, last_received_ts)
		 VALUES (?, ?, ?, ?)`,
		sessionID, deviceKey, pickle, lastReceivedTs)
	if err != nil {
		return fmt.Errorf("store: put olm session: %w", err)
	}
	return nil
}

// GetOlmSession loads a pairwise session record. Returns nil, nil if absent.
func (s *Store) GetOlmSession(sessionID, deviceKey string) (*OlmSessionRecord, error) {
	rec := &OlmSessionRecord{SessionID: sessionID, DeviceKey: deviceKey}
	err := s.db.QueryRow(
		"SELECT pickle, last_received_ts FROM olm_session WHERE session_id = ? AND device_key = ?",
		sessionID, deviceKey,
	).Scan(&rec.Pickle, &rec.LastReceivedTs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get olm session: %w", err)
	}
	return rec, nil
}

// ListSessionIDsForDevice returns all stored session ids for a device
// identity key, most recently used first.
func (s *Store) ListSessionIDsForDevice(deviceKey string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT session_id FROM olm_session WHERE device_key = ? ORDER BY last_received_ts DESC",
		deviceKey)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PickMostRecentSessionID returns the session id with the newest
// last-received timestamp for the device key, used to pick the session to
// encrypt with. Returns "" if no session exists.
func (s *Store) PickMostRecentSessionID(deviceKey string) (string, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT session_id FROM olm_session WHERE device_key = ?
		 ORDER BY last_received_ts DESC, session_id LIMIT 1`,
		deviceKey,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: pick session: %w", err)
	}
	return id, nil
}
