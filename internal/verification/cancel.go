package verification

// CancelCode is a closed set of reasons a verification transaction can be
// cancelled. Codes travel verbatim on the wire and to local listeners.
type CancelCode string

const (
	CancelUser                 CancelCode = "m.user"
	CancelTimeout              CancelCode = "m.timeout"
	CancelUnknownTransaction   CancelCode = "m.unknown_transaction"
	CancelUnknownMethod        CancelCode = "m.unknown_method"
	CancelMismatchedCommitment CancelCode = "m.mismatched_commitment"
	CancelMismatchedSas        CancelCode = "m.mismatched_sas"
	CancelUnexpectedMessage    CancelCode = "m.unexpected_message"
	CancelInvalidMessage       CancelCode = "m.invalid_message"
	CancelMismatchedKeys       CancelCode = "m.key_mismatch"
	CancelUserMismatch         CancelCode = "m.user_error"
)

// Reason returns the default wire reason string for a code. Display text is
// a rendering concern and lives with the caller; this is only the protocol
// fallback.
func (c CancelCode) Reason() string {
	switch c {
	case CancelUser:
		return "User rejected the key verification request"
	case CancelTimeout:
		return "The key verification request timed out"
	case CancelUnknownTransaction:
		return "The transaction id is not known"
	case CancelUnknownMethod:
		return "The verification method is not supported"
	case CancelMismatchedCommitment:
		return "The hash commitment did not match"
	case CancelMismatchedSas:
		return "The short authentication string did not match"
	case CancelUnexpectedMessage:
		return "The message was unexpected for the current state"
	case CancelInvalidMessage:
		return "The message was invalid"
	case CancelMismatchedKeys:
		return "A key did not match the expected value"
	case CancelUserMismatch:
		return "The expected user did not match"
	}
	return "Verification was cancelled"
}
