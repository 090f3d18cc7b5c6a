// Package event defines the to-device protocol payloads consumed and
// produced by the crypto core, and their JSON codecs.
package event

// To-device event types routed to the crypto core.
const (
	TypeVerificationRequest = "m.key.verification.request"
	TypeVerificationReady   = "m.key.verification.ready"
	TypeVerificationStart   = "m.key.verification.start"
	TypeVerificationAccept  = "m.key.verification.accept"
	TypeVerificationKey     = "m.key.verification.key"
	TypeVerificationMac     = "m.key.verification.mac"
	TypeVerificationCancel  = "m.key.verification.cancel"
	TypeVerificationDone    = "m.key.verification.done"

	TypeRoomKeyRequest   = "m.room_key_request"
	TypeForwardedRoomKey = "m.forwarded_room_key"
	TypeRoomKeyWithheld  = "m.room_key.withheld"
)

// AlgorithmMegolm is the group-ratchet room encryption algorithm.
const AlgorithmMegolm = "m.megolm.v1.aes-sha2"

// AlgorithmOlm is the pairwise encryption algorithm.
const AlgorithmOlm = "m.olm.v1.curve25519-aes-sha2"

// Room key request actions.
const (
	ActionRequest             = "request"
	ActionRequestCancellation = "request_cancellation"
)

// RoomKeyRequestBody identifies which key is being asked for. The dedup key
// for outgoing requests is the full 4-tuple.
type RoomKeyRequestBody struct {
	Algorithm string `json:"algorithm"`
	RoomID    string `json:"room_id"`
	SenderKey string `json:"sender_key"`
	SessionID string `json:"session_id"`
}

// RoomKeyRequestContent is the payload of m.room_key_request.
type RoomKeyRequestContent struct {
	Action             string              `json:"action"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
	RequestingDeviceID string              `json:"requesting_device_id"`
	RequestID          string              `json:"request_id"`
}

// ForwardedRoomKeyContent is the payload of m.forwarded_room_key.
type ForwardedRoomKeyContent struct {
	Algorithm                string   `json:"algorithm"`
	RoomID                   string   `json:"room_id"`
	SenderKey                string   `json:"sender_key"`
	SessionID                string   `json:"session_id"`
	SessionKey               string   `json:"session_key"`
	SenderClaimedEd25519Key  string   `json:"sender_claimed_ed25519_key,omitempty"`
	ForwardingCurve25519Keys []string `json:"forwarding_curve25519_key_chain,omitempty"`
	SharedHistory            bool     `json:"org.matrix.msc3061.shared_history,omitempty"`
}

// WithheldCode explains why a room key was not shared.
type WithheldCode string

// Known withheld codes.
const (
	WithheldBlacklisted  WithheldCode = "m.blacklisted"
	WithheldUnverified   WithheldCode = "m.unverified"
	WithheldUnauthorised WithheldCode = "m.unauthorised"
	WithheldUnavailable  WithheldCode = "m.unavailable"
	WithheldNoOlm        WithheldCode = "m.no_olm"
)

// Known reports whether c is part of the closed withheld code set.
func (c WithheldCode) Known() bool {
	switch c {
	case WithheldBlacklisted, WithheldUnverified, WithheldUnauthorised,
		WithheldUnavailable, WithheldNoOlm:
		return true
	}
	return false
}

// RoomKeyWithheldContent is the payload of m.room_key.withheld.
type RoomKeyWithheldContent struct {
	Algorithm  string       `json:"algorithm"`
	RoomID     string       `json:"room_id,omitempty"`
	SessionID  string       `json:"session_id,omitempty"`
	SenderKey  string       `json:"sender_key"`
	Code       WithheldCode `json:"code"`
	Reason     string       `json:"reason,omitempty"`
	FromDevice string       `json:"from_device,omitempty"`
}
