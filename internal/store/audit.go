package store

import (
	"fmt"
	"time"
)

// AuditType classifies an audit trail entry.
type AuditType string

// Audit trail entry types.
const (
	AuditIncomingRequest      AuditType = "incoming_key_request"
	AuditIncomingCancellation AuditType = "incoming_key_request_cancellation"
	AuditKeyForwarded         AuditType = "incoming_key_forward"
	AuditWithheldReceived     AuditType = "incoming_key_withheld"
	AuditKeyShared            AuditType = "outgoing_key_forward"
)

// AuditTrailEntry is an immutable diagnostics record. Entries are only ever
// appended and aged out by the retention sweep.
type AuditTrailEntry struct {
	ID         int64     `json:"id"`
	Type       AuditType `json:"type"`
	AgeLocalTs int64     `json:"age_local_ts"`
	RoomID     string    `json:"room_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	SenderKey  string    `json:"sender_key,omitempty"`
	Algorithm  string    `json:"algorithm,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	Content    string    `json:"content,omitempty"`
}

// AppendAuditTrail records an entry with the current timestamp.
func (s *Store) AppendAuditTrail(entry AuditTrailEntry) error {
	if entry.AgeLocalTs == 0 {
		entry.AgeLocalTs = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_trail
		 (type, age_local_ts, room_id, session_id, sender_key, algorithm, user_id, device_id, content)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.Type), entry.AgeLocalTs, entry.RoomID, entry.SessionID,
		entry.SenderKey, entry.Algorithm, entry.UserID, entry.DeviceID, entry.Content)
	if err != nil {
		return fmt.Errorf("store: append audit trail: %w", err)
	}
	return nil
}

// AuditTrail returns up to limit entries, newest first. limit <= 0 returns
// everything.
func (s *Store) AuditTrail(limit int) ([]AuditTrailEntry, error) {
	query := `SELECT id, type, age_local_ts, room_id, session_id, sender_key, algorithm, user_id, device_id, content
	          FROM audit_trail ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: load audit trail: %w", err)
	}
	defer rows.Close()

	var entries []AuditTrailEntry
	for rows.Next() {
		var e AuditTrailEntry
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.AgeLocalTs, &e.RoomID, &e.SessionID,
			&e.SenderKey, &e.Algorithm, &e.UserID, &e.DeviceID, &e.Content); err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		e.Type = AuditType(typ)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Verification terminal-state outcomes persisted for idempotent re-delivery.
const (
	VerificationOutcomeDone      = "done"
	VerificationOutcomeCancelled = "cancelled"
)

// MarkVerificationFinished persists a terminal marker for a transaction so
// re-delivered events for it can be ignored after a restart.
func (s *Store) MarkVerificationFinished(transactionID, outcome string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO verification_marker (transaction_id, outcome, ts) VALUES (?, ?, ?)",
		transactionID, outcome, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: mark verification finished: %w", err)
	}
	return nil
}

// IsVerificationFinished reports whether a transaction already reached a
// terminal state.
func (s *Store) IsVerificationFinished(transactionID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(1) FROM verification_marker WHERE transaction_id = ?",
		transactionID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: check verification marker: %w", err)
	}
	return n > 0, nil
}
