package event

import (
	"encoding/json"
	"fmt"
)

// VerificationKind discriminates the verification message variants.
type VerificationKind int

// Verification message kinds, in protocol order.
const (
	KindRequest VerificationKind = iota
	KindReady
	KindStart
	KindAccept
	KindKey
	KindMac
	KindCancel
	KindDone
)

// String returns the event type for the kind.
func (k VerificationKind) String() string {
	switch k {
	case KindRequest:
		return TypeVerificationRequest
	case KindReady:
		return TypeVerificationReady
	case KindStart:
		return TypeVerificationStart
	case KindAccept:
		return TypeVerificationAccept
	case KindKey:
		return TypeVerificationKey
	case KindMac:
		return TypeVerificationMac
	case KindCancel:
		return TypeVerificationCancel
	case KindDone:
		return TypeVerificationDone
	}
	return fmt.Sprintf("VerificationKind(%d)", int(k))
}

// VerificationMessage is the tagged union of all verification protocol
// messages. Exactly the variant matching Kind is non-nil; Done carries no
// content beyond the transaction id.
type VerificationMessage struct {
	Kind          VerificationKind
	TransactionID string

	Request *VerificationRequestContent
	Ready   *VerificationReadyContent
	Start   *VerificationStartContent
	Accept  *VerificationAcceptContent
	Key     *VerificationKeyContent
	Mac     *VerificationMacContent
	Cancel  *VerificationCancelContent
}

// VerificationRequestContent asks a device to start verifying.
type VerificationRequestContent struct {
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
	Timestamp     int64    `json:"timestamp,omitempty"`
	TransactionID string   `json:"transaction_id"`
}

// VerificationReadyContent accepts a verification request.
type VerificationReadyContent struct {
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
	TransactionID string   `json:"transaction_id"`
}

// VerificationStartContent opens a verification transaction.
type VerificationStartContent struct {
	FromDevice                 string   `json:"from_device"`
	Method                     string   `json:"method"`
	TransactionID              string   `json:"transaction_id"`
	KeyAgreementProtocols      []string `json:"key_agreement_protocols,omitempty"`
	Hashes                     []string `json:"hashes,omitempty"`
	MessageAuthenticationCodes []string `json:"message_authentication_codes,omitempty"`
	ShortAuthenticationString  []string `json:"short_authentication_string,omitempty"`
}

// VerificationAcceptContent commits the responder to its ephemeral key.
type VerificationAcceptContent struct {
	TransactionID             string   `json:"transaction_id"`
	KeyAgreementProtocol      string   `json:"key_agreement_protocol"`
	Hash                      string   `json:"hash"`
	MessageAuthenticationCode string   `json:"message_authentication_code"`
	ShortAuthenticationString []string `json:"short_authentication_string"`
	Commitment                string   `json:"commitment"`
}

// VerificationKeyContent carries a party's ephemeral public key.
type VerificationKeyContent struct {
	TransactionID string `json:"transaction_id"`
	Key           string `json:"key"`
}

// VerificationMacContent carries the MACs of the sender's device keys.
type VerificationMacContent struct {
	TransactionID string            `json:"transaction_id"`
	Mac           map[string]string `json:"mac"`
	Keys          string            `json:"keys"`
}

// VerificationCancelContent aborts a transaction with a reason code.
type VerificationCancelContent struct {
	TransactionID string `json:"transaction_id"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
}

type verificationDoneContent struct {
	TransactionID string `json:"transaction_id"`
}

// ParseVerification decodes a to-device verification event into the tagged
// union. Unknown event types return an error.
func ParseVerification(eventType string, content json.RawMessage) (VerificationMessage, error) {
	var msg VerificationMessage
	var err error

	switch eventType {
	case TypeVerificationRequest:
		msg.Kind = KindRequest
		msg.Request = &VerificationRequestContent{}
		err = json.Unmarshal(content, msg.Request)
		msg.TransactionID = msg.Request.TransactionID
	case TypeVerificationReady:
		msg.Kind = KindReady
		msg.Ready = &VerificationReadyContent{}
		err = json.Unmarshal(content, msg.Ready)
		msg.TransactionID = msg.Ready.TransactionID
	case TypeVerificationStart:
		msg.Kind = KindStart
		msg.Start = &VerificationStartContent{}
		err = json.Unmarshal(content, msg.Start)
		msg.TransactionID = msg.Start.TransactionID
	case TypeVerificationAccept:
		msg.Kind = KindAccept
		msg.Accept = &VerificationAcceptContent{}
		err = json.Unmarshal(content, msg.Accept)
		msg.TransactionID = msg.Accept.TransactionID
	case TypeVerificationKey:
		msg.Kind = KindKey
		msg.Key = &VerificationKeyContent{}
		err = json.Unmarshal(content, msg.Key)
		msg.TransactionID = msg.Key.TransactionID
	case TypeVerificationMac:
		msg.Kind = KindMac
		msg.Mac = &VerificationMacContent{}
		err = json.Unmarshal(content, msg.Mac)
		msg.TransactionID = msg.Mac.TransactionID
	case TypeVerificationCancel:
		msg.Kind = KindCancel
		msg.Cancel = &VerificationCancelContent{}
		err = json.Unmarshal(content, msg.Cancel)
		msg.TransactionID = msg.Cancel.TransactionID
	case TypeVerificationDone:
		msg.Kind = KindDone
		var done verificationDoneContent
		err = json.Unmarshal(content, &done)
		msg.TransactionID = done.TransactionID
	default:
		return msg, fmt.Errorf("event: not a verification event type: %q", eventType)
	}

	if err != nil {
		return msg, fmt.Errorf("event: parse %s: %w", eventType, err)
	}
	return msg, nil
}

// MarshalContent encodes the active variant for the wire and returns the
// event type alongside the payload.
func (m VerificationMessage) MarshalContent() (string, json.RawMessage, error) {
	var payload any
	switch m.Kind {
	case KindRequest:
		payload = m.Request
	case KindReady:
		payload = m.Ready
	case KindStart:
		payload = m.Start
	case KindAccept:
		payload = m.Accept
	case KindKey:
		payload = m.Key
	case KindMac:
		payload = m.Mac
	case KindCancel:
		payload = m.Cancel
	case KindDone:
		payload = verificationDoneContent{TransactionID: m.TransactionID}
	default:
		return "", nil, fmt.Errorf("event: marshal: unknown kind %d", int(m.Kind))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("event: marshal %s: %w", m.Kind, err)
	}
	return m.Kind.String(), data, nil
}

// CanonicalStart returns the canonical JSON encoding of a start payload as
// used for the accept-message hash commitment. encoding/json writes struct
// fields in declaration order and maps in sorted key order, which is stable
// for both sides of this module.
func CanonicalStart(start *VerificationStartContent) ([]byte, error) {
	data, err := json.Marshal(start)
	if err != nil {
		return nil, fmt.Errorf("event: canonical start: %w", err)
	}
	return data, nil
}
