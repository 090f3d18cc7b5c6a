// Package keyrequest manages outgoing room-key requests and records the
// incoming request/forward/withheld traffic to the audit trail. The reply
// policy for incoming requests belongs to the caller; this package only
// brokers and records.
package keyrequest

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/mxcrypt/cryptocore/internal/event"
	"github.com/mxcrypt/cryptocore/internal/store"
)

// Broker drives the outgoing key request state machine:
//
//	UNSENT -> SENT -> SENT (retry)
//	               -> CANCELLATION_PENDING -> CANCELLED
type Broker struct {
	store *store.Store
	log   *zap.Logger
}

// NewBroker creates a broker over the store.
func NewBroker(st *store.Store, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{store: st, log: logger}
}

// RequestKey ensures an outgoing request exists for the session described
// by body. Idempotent on the full (algorithm, sessionId, senderKey, roomId)
// tuple; an existing request is returned unchanged, replies included.
func (b *Broker) RequestKey(body event.RoomKeyRequestBody, recipients map[string][]string, fromIndex int) (*store.OutgoingKeyRequest, error) {
	req, err := b.store.GetOrAddOutgoingRoomKeyRequest(body, recipients, fromIndex)
	if err != nil {
		return nil, err
	}
	if req.State == store.RequestUnsent {
		b.log.Debug("key request pending send",
			zap.String("request_id", req.RequestID),
			zap.String("session_id", body.SessionID))
	}
	return req, nil
}

// RequestsToSend returns requests waiting for the transport, oldest first,
// together with their wire payloads.
func (b *Broker) RequestsToSend() ([]*store.OutgoingKeyRequest, error) {
	return b.store.OutgoingRoomKeyRequestsInStates(store.RequestUnsent)
}

// WirePayload builds the m.room_key_request content for a stored request.
func (b *Broker) WirePayload(req *store.OutgoingKeyRequest) event.RoomKeyRequestContent {
	body := req.Body
	return event.RoomKeyRequestContent{
		Action:             event.ActionRequest,
		Body:               &body,
		RequestingDeviceID: b.store.DeviceID(),
		RequestID:          req.RequestID,
	}
}

// CancellationPayload builds the m.room_key_request cancellation content.
func (b *Broker) CancellationPayload(req *store.OutgoingKeyRequest) event.RoomKeyRequestContent {
	return event.RoomKeyRequestContent{
		Action:             event.ActionRequestCancellation,
		RequestingDeviceID: b.store.DeviceID(),
		RequestID:          req.RequestID,
	}
}

// MarkSent records that a request went out. Also used for retries, which
// stay in SENT.
func (b *Broker) MarkSent(requestID string) error {
	return b.store.UpdateOutgoingRoomKeyRequestState(requestID, store.RequestSent)
}

// Resend moves a request back to UNSENT for another attempt, dropping any
// previously recorded replies: a fresh request invalidates stale answers.
func (b *Broker) Resend(requestID string) error {
	return b.store.UpdateOutgoingRoomKeyRequestState(requestID, store.RequestUnsent)
}

// CancelRequestForBody starts cancellation of the request matching body, if
// any. An unsent request is deleted outright; a sent one moves to
// CANCELLATION_PENDING until the cancellation goes out.
func (b *Broker) CancelRequestForBody(body event.RoomKeyRequestBody) error {
	reqs, err := b.store.OutgoingRoomKeyRequestsInStates(
		store.RequestUnsent, store.RequestSent)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if req.Body != body {
			continue
		}
		switch req.State {
		case store.RequestUnsent:
			return b.store.DeleteOutgoingRoomKeyRequest(req.RequestID)
		case store.RequestSent:
			return b.store.UpdateOutgoingRoomKeyRequestState(
				req.RequestID, store.RequestCancellationPending)
		}
	}
	return nil
}

// CancellationsToSend returns requests whose cancellation is waiting for
// the transport.
func (b *Broker) CancellationsToSend() ([]*store.OutgoingKeyRequest, error) {
	return b.store.OutgoingRoomKeyRequestsInStates(store.RequestCancellationPending)
}

// MarkCancelled finishes the cancellation of a request.
func (b *Broker) MarkCancelled(requestID string) error {
	return b.store.UpdateOutgoingRoomKeyRequestState(requestID, store.RequestCancelled)
}

// OnRoomKeyForwarded records a reply to an outgoing request and logs the
// forward to the audit trail. A reply whose senderKey or algorithm does not
// match the stored request is dropped, not errored.
func (b *Broker) OnRoomKeyForwarded(fromUser, fromDevice string, content event.ForwardedRoomKeyContent, raw json.RawMessage) error {
	if err := b.store.UpdateOutgoingRoomKeyReply(
		content.RoomID, content.SessionID, content.Algorithm, content.SenderKey,
		fromUser, fromDevice, raw); err != nil {
		return err
	}
	return b.store.AppendAuditTrail(store.AuditTrailEntry{
		Type:      store.AuditKeyForwarded,
		RoomID:    content.RoomID,
		SessionID: content.SessionID,
		SenderKey: content.SenderKey,
		Algorithm: content.Algorithm,
		UserID:    fromUser,
		DeviceID:  fromDevice,
	})
}

// OnIncomingRequest records an incoming m.room_key_request to the audit
// trail. Replying is the caller's policy decision.
func (b *Broker) OnIncomingRequest(fromUser string, content event.RoomKeyRequestContent) error {
	entry := store.AuditTrailEntry{
		UserID:   fromUser,
		DeviceID: content.RequestingDeviceID,
		Content:  content.RequestID,
	}
	switch content.Action {
	case event.ActionRequest:
		entry.Type = store.AuditIncomingRequest
		if content.Body != nil {
			entry.RoomID = content.Body.RoomID
			entry.SessionID = content.Body.SessionID
			entry.SenderKey = content.Body.SenderKey
			entry.Algorithm = content.Body.Algorithm
		}
	case event.ActionRequestCancellation:
		entry.Type = store.AuditIncomingCancellation
	default:
		return fmt.Errorf("keyrequest: unknown action %q", content.Action)
	}
	return b.store.AppendAuditTrail(entry)
}

// OnWithheldNotice records a m.room_key.withheld notice both as a withheld
// session record and on the audit trail, so a refused key is not requested
// again. Unknown codes are stored as-is and logged.
func (b *Broker) OnWithheldNotice(fromUser string, content event.RoomKeyWithheldContent) error {
	if !content.Code.Known() {
		b.log.Warn("unknown withheld code",
			zap.String("code", string(content.Code)),
			zap.String("session_id", content.SessionID))
	}
	if err := b.store.PutWithheldSession(content); err != nil {
		return err
	}
	return b.store.AppendAuditTrail(store.AuditTrailEntry{
		Type:      store.AuditWithheldReceived,
		RoomID:    content.RoomID,
		SessionID: content.SessionID,
		SenderKey: content.SenderKey,
		Algorithm: content.Algorithm,
		UserID:    fromUser,
		DeviceID:  content.FromDevice,
		Content:   string(content.Code),
	})
}

// TidyUpDataBase runs the retention sweep: week-old requests and month-old
// audit entries are dropped. Best-effort housekeeping.
func (b *Broker) TidyUpDataBase() error {
	return b.store.TidyUpDataBase()
}
