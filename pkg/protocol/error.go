package protocol

import "errors"

// Wire-level failures. Codec packages wrap these so callers can use
// errors.Is regardless of where the failure was detected.
var (
	ErrProtocolMismatch = errors.New("protocol: version mismatch")
	ErrUnknownClass     = errors.New("protocol: unknown class id")
	ErrUnknownOpcode    = errors.New("protocol: opcode outside class range")
	ErrTruncated        = errors.New("protocol: truncated stream")
	ErrInvalidHandshake = errors.New("protocol: invalid handshake")
	ErrUnexpectedToken  = errors.New("protocol: unexpected token")
)

// ErrorCode identifies the type of error.
type ErrorCode uint16

const (
	ErrCodeUnknown          ErrorCode = 0x0000 // Unknown error
	ErrCodeInvalidFrame     ErrorCode = 0x0001 // Malformed frame
	ErrCodeProtocolMismatch ErrorCode = 0x0002 // Version token disagrees
	ErrCodeUnknownClass     ErrorCode = 0x0003 // Packet referenced an unregistered class
	ErrCodeUnknownOpcode    ErrorCode = 0x0004 // Op outside the class range
	ErrCodeTruncated        ErrorCode = 0x0005 // Packet ended mid-operation
	ErrCodeTransmitFailure  ErrorCode = 0x0006 // Send failed, will be retried
	ErrCodeServerBusy       ErrorCode = 0x0100 // No free host slot
	ErrCodeServerError      ErrorCode = 0x0101 // Internal error
)

// String returns the string representation of the error code.
func (ec ErrorCode) String() string {
	switch ec {
	case ErrCodeUnknown:
		return "Unknown"
	case ErrCodeInvalidFrame:
		return "InvalidFrame"
	case ErrCodeProtocolMismatch:
		return "ProtocolMismatch"
	case ErrCodeUnknownClass:
		return "UnknownClass"
	case ErrCodeUnknownOpcode:
		return "UnknownOpcode"
	case ErrCodeTruncated:
		return "TruncatedStream"
	case ErrCodeTransmitFailure:
		return "TransmitFailure"
	case ErrCodeServerBusy:
		return "ServerBusy"
	case ErrCodeServerError:
		return "ServerError"
	default:
		return "Unknown"
	}
}

// CodeOf maps a codec error to its wire error code.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrProtocolMismatch):
		return ErrCodeProtocolMismatch
	case errors.Is(err, ErrUnknownClass):
		return ErrCodeUnknownClass
	case errors.Is(err, ErrUnknownOpcode):
		return ErrCodeUnknownOpcode
	case errors.Is(err, ErrTruncated):
		return ErrCodeTruncated
	case errors.Is(err, ErrInvalidHandshake), errors.Is(err, ErrFrameTooLarge):
		return ErrCodeInvalidFrame
	default:
		return ErrCodeServerError
	}
}

// ErrorMessage is sent when an error occurs.
type ErrorMessage struct {
	Code    ErrorCode // Error code
	Message string    // Human-readable error message
	Fatal   bool      // If true, connection should be closed
}

// EncodeErrorMessage encodes an ErrorMessage to bytes.
func EncodeErrorMessage(em *ErrorMessage) []byte {
	e := NewEncoder()
	EncodeErrorMessageTo(e, em)
	return e.Bytes()
}

// EncodeErrorMessageTo encodes an ErrorMessage using the provided encoder.
func EncodeErrorMessageTo(e *Encoder, em *ErrorMessage) {
	e.WriteUint16(uint16(em.Code))
	e.WriteString(em.Message)
	e.WriteBool(em.Fatal)
}

// DecodeErrorMessage decodes an ErrorMessage from bytes.
func DecodeErrorMessage(data []byte) (*ErrorMessage, error) {
	return DecodeErrorMessageFrom(NewDecoder(data))
}

// DecodeErrorMessageFrom decodes an ErrorMessage from a decoder.
func DecodeErrorMessageFrom(d *Decoder) (*ErrorMessage, error) {
	code, err := d.ReadUint16()
	if err != nil {
		return nil, err
	}
	message, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	fatal, err := d.ReadBool()
	if err != nil {
		return nil, err
	}
	return &ErrorMessage{
		Code:    ErrorCode(code),
		Message: message,
		Fatal:   fatal,
	}, nil
}

// NewError creates a new non-fatal ErrorMessage.
func NewError(code ErrorCode, message string) *ErrorMessage {
	return &ErrorMessage{
		Code:    code,
		Message: message,
		Fatal:   false,
	}
}

// NewFatalError creates a new fatal ErrorMessage.
func NewFatalError(code ErrorCode, message string) *ErrorMessage {
	return &ErrorMessage{
		Code:    code,
		Message: message,
		Fatal:   true,
	}
}

// Error implements the error interface.
func (em *ErrorMessage) Error() string {
	if em.Fatal {
		return "fatal: " + em.Code.String() + ": " + em.Message
	}
	return em.Code.String() + ": " + em.Message
}

// Unwrap maps the code back to the codec sentinel.
func (em *ErrorMessage) Unwrap() error {
	switch em.Code {
	case ErrCodeProtocolMismatch:
		return ErrProtocolMismatch
	case ErrCodeUnknownClass:
		return ErrUnknownClass
	case ErrCodeUnknownOpcode:
		return ErrUnknownOpcode
	case ErrCodeTruncated:
		return ErrTruncated
	}
	return nil
}

// IsFatal returns true if this error should close the connection.
func (em *ErrorMessage) IsFatal() bool {
	return em.Fatal
}
