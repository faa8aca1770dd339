package messenger

import (
	"errors"
	"fmt"

	"github.com/vango-dev/scenesync/pkg/handle"
)

// Reader errors. Wire-level failures use the protocol package sentinels
// (ErrUnknownClass, ErrUnknownOpcode, ErrTruncated, ErrProtocolMismatch).
var (
	ErrDuplicatePacket = errors.New("messenger: packet already applied")
	ErrClassMismatch   = errors.New("messenger: object has another class")
	ErrNullTarget      = errors.New("messenger: operation on the null handle")
)

// PacketError describes a rejected packet. Nothing of the packet was
// applied.
type PacketError struct {
	Source string
	Stream uint32
	Seq    uint32
	Class  uint16
	Op     Op
	Handle handle.Handle
	Err    error
}

func (e *PacketError) Error() string {
	if e.Class == 0 {
		return fmt.Sprintf("messenger: %s stream %d seq %d: %v", e.Source, e.Stream, e.Seq, e.Err)
	}
	return fmt.Sprintf("messenger: %s stream %d seq %d: class %#04x op %d handle %d: %v",
		e.Source, e.Stream, e.Seq, e.Class, e.Op, e.Handle, e.Err)
}

func (e *PacketError) Unwrap() error {
	return e.Err
}
