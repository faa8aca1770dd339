package protocol

import (
	"errors"
	"fmt"
)

// Protocol constants.
const (
	// CurrentVersion is the only protocol version this codec speaks.
	CurrentVersion uint32 = 8

	// MaxBufSize is the default capacity of a transport buffer in bytes.
	MaxBufSize = 8192

	// MaxHosts is the maximum number of peers a synchronizer can hold.
	MaxHosts = 24

	// MaxLogs is the number of independent log types.
	MaxLogs = 4

	// DefaultVecSize is the number of floats per vector unless a stream
	// declares otherwise.
	DefaultVecSize = 3
)

// Token is the leading u32 of every wire element. Framing tokens are fixed
// magic values; object operations carry classid<<16 | op.
type Token uint32

// Framing tokens.
const (
	TokenDoNothing   Token = 0x00000000 // Padding, skipped by readers
	TokenVersion     Token = 0x11111111 // Establish protocol version
	TokenConnect     Token = 0x22222222 // Bind a remote name to a handle
	TokenSetStreamID Token = 0x33333333 // Select the stream id
	TokenExit        Token = 0x44444444 // Connection or application exit
	TokenBegin       Token = 0x55555555 // Begin packet
	TokenEnd         Token = 0x66666666 // End packet
	TokenSync        Token = 0x77777777 // Frame boundary
	TokenEvent       Token = 0x08888888 // Application event
	TokenRemap       Token = 0x99999999 // Handle reassigned
	TokenVecSize     Token = 0xAAAAAAAA // Vector width of this stream
)

var framingTokens = [...]Token{
	TokenDoNothing, TokenVersion, TokenConnect, TokenSetStreamID, TokenExit,
	TokenBegin, TokenEnd, TokenSync, TokenEvent, TokenRemap, TokenVecSize,
}

// Token errors.
var (
	ErrReservedClass = errors.New("protocol: class id is reserved for framing tokens")
	ErrOpOutOfRange  = errors.New("protocol: op must be nonzero")
)

// String returns the string representation of the token.
func (t Token) String() string {
	switch t {
	case TokenDoNothing:
		return "DoNothing"
	case TokenVersion:
		return "Version"
	case TokenConnect:
		return "Connect"
	case TokenSetStreamID:
		return "SetStreamID"
	case TokenExit:
		return "Exit"
	case TokenBegin:
		return "Begin"
	case TokenEnd:
		return "End"
	case TokenSync:
		return "Sync"
	case TokenEvent:
		return "Event"
	case TokenRemap:
		return "Remap"
	case TokenVecSize:
		return "VecSize"
	}
	return fmt.Sprintf("Op(%#04x:%d)", t.ClassID(), t.Op())
}

// IsFraming reports whether t is one of the framing tokens.
func (t Token) IsFraming() bool {
	for _, f := range framingTokens {
		if t == f {
			return true
		}
	}
	return false
}

// ClassID returns the class id half of an object operation token.
func (t Token) ClassID() uint16 {
	return uint16(t >> 16)
}

// Op returns the op half of an object operation token.
func (t Token) Op() uint16 {
	return uint16(t)
}

// OpToken builds the token of an object operation.
func OpToken(classID, op uint16) Token {
	return Token(uint32(classID)<<16 | uint32(op))
}

// ValidateClassID rejects class ids that would make an object operation
// indistinguishable from a framing token.
func ValidateClassID(id uint16) error {
	for _, f := range framingTokens {
		if f.ClassID() == id {
			return fmt.Errorf("%w: %#04x", ErrReservedClass, id)
		}
	}
	return nil
}
