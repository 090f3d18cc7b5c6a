package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mxcrypt/cryptocore/internal/event"
)

// RequestState is the lifecycle state of an outgoing room key request.
type RequestState string

// Outgoing key request states.
const (
	RequestUnsent              RequestState = "UNSENT"
	RequestSent                RequestState = "SENT"
	RequestCancellationPending RequestState = "CANCELLATION_PENDING"
	RequestCancelled           RequestState = "CANCELLED"
)

// KeyRequestReply is a recorded answer to an outgoing key request.
type KeyRequestReply struct {
	UserID   string
	DeviceID string
	Event    json.RawMessage
}

// OutgoingKeyRequest is a stored room key request and its recorded replies.
type OutgoingKeyRequest struct {
	RequestID      string
	Body           event.RoomKeyRequestBody
	Recipients     map[string][]string
	RequestedIndex int
	State          RequestState
	CreationTs     int64
	Replies        []KeyRequestReply
}

// Retention windows for the housekeeping sweep.
const (
	outgoingRequestRetention = 7 * 24 * time.Hour
	auditTrailRetention      = 28 * 24 * time.Hour
)

// GetOrAddOutgoingRoomKeyRequest returns the existing request matching the
// full (algorithm, sessionId, senderKey, roomId) tuple, or creates a new
// UNSENT one with a fresh request id. Idempotent: calling twice with the
// same body returns the same request.
func (s *Store) GetOrAddOutgoingRoomKeyRequest(body event.RoomKeyRequestBody, recipients map[string][]string, fromIndex int) (*OutgoingKeyRequest, error) {
	var result *OutgoingKeyRequest
	err := s.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT request_id, sender_key, algorithm FROM outgoing_key_request
			 WHERE room_id = ? AND session_id = ?`,
			body.RoomID, body.SessionID)
		if err != nil {
			return fmt.Errorf("store: find key request: %w", err)
		}
		var matchID string
		matches := 0
		for rows.Next() {
			var id, senderKey, algorithm string
			if err := rows.Scan(&id, &senderKey, &algorithm); err != nil {
				rows.Close()
				return fmt.Errorf("store: scan key request: %w", err)
			}
			if senderKey == body.SenderKey && algorithm == body.Algorithm {
				matches++
				if matchID == "" {
					matchID = id
				}
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("store: iterate key requests: %w", err)
		}
		// A differing senderKey or algorithm for the same session is a
		// distinct request and tolerated; only a true duplicate of the
		// full tuple is worth a warning.
		if matches > 1 {
			s.log.Warn("duplicate key request for session",
				zap.String("room_id", body.RoomID),
				zap.String("session_id", body.SessionID),
				zap.String("sender_key", body.SenderKey))
		}

		if matchID != "" {
			result, err = loadOutgoingKeyRequest(tx, matchID)
			return err
		}

		recJSON, err := json.Marshal(recipients)
		if err != nil {
			return fmt.Errorf("store: marshal recipients: %w", err)
		}
		result = &OutgoingKeyRequest{
			RequestID:      uuid.NewString(),
			Body:           body,
			Recipients:     recipients,
			RequestedIndex: fromIndex,
			State:          RequestUnsent,
			CreationTs:     time.Now().UnixMilli(),
		}
		_, err = tx.Exec(
			`INSERT INTO outgoing_key_request
			 (request_id, room_id, session_id, sender_key, algorithm, recipients, requested_index, state, creation_ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			result.RequestID, body.RoomID, body.SessionID, body.SenderKey, body.Algorithm,
			string(recJSON), fromIndex, string(RequestUnsent), result.CreationTs)
		if err != nil {
			return fmt.Errorf("store: insert key request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func loadOutgoingKeyRequest(q interface {
	Query(string, ...any) (*sql.Rows, error)
	QueryRow(string, ...any) *sql.Row
}, requestID string) (*OutgoingKeyRequest, error) {
	req := &OutgoingKeyRequest{RequestID: requestID}
	var recJSON, state string
	err := q.QueryRow(
		`SELECT room_id, session_id, sender_key, algorithm, recipients, requested_index, state, creation_ts
		 FROM outgoing_key_request WHERE request_id = ?`, requestID,
	).Scan(&req.Body.RoomID, &req.Body.SessionID, &req.Body.SenderKey, &req.Body.Algorithm,
		&recJSON, &req.RequestedIndex, &state, &req.CreationTs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load key request: %w", err)
	}
	req.State = RequestState(state)
	if err := json.Unmarshal([]byte(recJSON), &req.Recipients); err != nil {
		return nil, fmt.Errorf("store: unmarshal recipients: %w", err)
	}

	rows, err := q.Query(
		"SELECT user_id, device_id, event FROM key_request_reply WHERE request_id = ?", requestID)
	if err != nil {
		return nil, fmt.Errorf("store: load replies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reply KeyRequestReply
		var ev string
		if err := rows.Scan(&reply.UserID, &reply.DeviceID, &ev); err != nil {
			return nil, fmt.Errorf("store: scan reply: %w", err)
		}
		reply.Event = json.RawMessage(ev)
		req.Replies = append(req.Replies, reply)
	}
	return req, rows.Err()
}

// GetOutgoingRoomKeyRequest loads a request by id. Returns nil, nil if absent.
func (s *Store) GetOutgoingRoomKeyRequest(requestID string) (*OutgoingKeyRequest, error) {
	return loadOutgoingKeyRequest(s.db, requestID)
}

// UpdateOutgoingRoomKeyRequestState moves a request to a new state.
// Transitioning into UNSENT clears previously recorded replies: a fresh
// request invalidates stale answers.
func (s *Store) UpdateOutgoingRoomKeyRequestState(requestID string, newState RequestState) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE outgoing_key_request SET state = ? WHERE request_id = ?",
			string(newState), requestID)
		if err != nil {
			return fmt.Errorf("store: update request state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if newState == RequestUnsent {
			if _, err := tx.Exec(
				"DELETE FROM key_request_reply WHERE request_id = ?", requestID); err != nil {
				return fmt.Errorf("store: clear replies: %w", err)
			}
		}
		return nil
	})
}

// UpdateOutgoingRoomKeyRequiredIndex lowers or raises the ratchet index the
// request is asking from.
func (s *Store) UpdateOutgoingRoomKeyRequiredIndex(requestID string, newIndex int) error {
	_, err := s.db.Exec(
		"UPDATE outgoing_key_request SET requested_index = ? WHERE request_id = ?",
		newIndex, requestID)
	if err != nil {
		return fmt.Errorf("store: update required index: %w", err)
	}
	return nil
}

// UpdateOutgoingRoomKeyReply appends a reply to the request matching the
// session, but only when the reply's senderKey and algorithm match the
// stored request body. Mismatches are dropped, not errored.
func (s *Store) UpdateOutgoingRoomKeyReply(roomID, sessionID, algorithm, senderKey, fromUser, fromDevice string, replyEvent json.RawMessage) error {
	return s.inTx(func(tx *sql.Tx) error {
		var requestID string
		err := tx.QueryRow(
			`SELECT request_id FROM outgoing_key_request
			 WHERE room_id = ? AND session_id = ? AND sender_key = ? AND algorithm = ?`,
			roomID, sessionID, senderKey, algorithm,
		).Scan(&requestID)
		if errors.Is(err, sql.ErrNoRows) {
			// Reply to an unknown or stale request.
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: find request for reply: %w", err)
		}
		_, err = tx.Exec(
			"INSERT INTO key_request_reply (request_id, user_id, device_id, event) VALUES (?, ?, ?, ?)",
			requestID, fromUser, fromDevice, string(replyEvent))
		if err != nil {
			return fmt.Errorf("store: insert reply: %w", err)
		}
		return nil
	})
}

// DeleteOutgoingRoomKeyRequest removes a request and its replies.
func (s *Store) DeleteOutgoingRoomKeyRequest(requestID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"DELETE FROM key_request_reply WHERE request_id = ?", requestID); err != nil {
			return fmt.Errorf("store: delete replies: %w", err)
		}
		if _, err := tx.Exec(
			"DELETE FROM outgoing_key_request WHERE request_id = ?", requestID); err != nil {
			return fmt.Errorf("store: delete request: %w", err)
		}
		return nil
	})
}

// OutgoingRoomKeyRequestsInStates lists requests in any of the given
// states, oldest first.
func (s *Store) OutgoingRoomKeyRequestsInStates(states ...RequestState) ([]*OutgoingKeyRequest, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := "SELECT request_id FROM outgoing_key_request WHERE state IN (?"
	args := []any{string(states[0])}
	for _, st := range states[1:] {
		query += ", ?"
		args = append(args, string(st))
	}
	query += ") ORDER BY creation_ts"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan request id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate requests: %w", err)
	}

	reqs := make([]*OutgoingKeyRequest, 0, len(ids))
	for _, id := range ids {
		req, err := loadOutgoingKeyRequest(s.db, id)
		if err != nil {
			return nil, err
		}
		if req != nil {
			reqs = append(reqs, req)
		}
	}
	return reqs, nil
}

// TidyUpDataBase removes outgoing key requests older than a week and audit
// trail entries older than four weeks. Best-effort housekeeping.
func (s *Store) TidyUpDataBase() error {
	now := time.Now()
	return s.inTx(func(tx *sql.Tx) error {
		cutoff := now.Add(-outgoingRequestRetention).UnixMilli()
		if _, err := tx.Exec(
			`DELETE FROM key_request_reply WHERE request_id IN
			 (SELECT request_id FROM outgoing_key_request WHERE creation_ts < ?)`, cutoff); err != nil {
			return fmt.Errorf("store: tidy replies: %w", err)
		}
		res, err := tx.Exec(
			"DELETE FROM outgoing_key_request WHERE creation_ts < ?", cutoff)
		if err != nil {
			return fmt.Errorf("store: tidy requests: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.log.Info("cleaned up outgoing key requests", zap.Int64("count", n))
		}

		auditCutoff := now.Add(-auditTrailRetention).UnixMilli()
		res, err = tx.Exec("DELETE FROM audit_trail WHERE age_local_ts < ?", auditCutoff)
		if err != nil {
			return fmt.Errorf("store: tidy audit trail: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.log.Info("cleaned up audit trail entries", zap.Int64("count", n))
		}
		return nil
	})
}
