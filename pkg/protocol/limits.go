package protocol

import "fmt"

// Limits bounds what a reader accepts from a stream.
// Use DefaultLimits() for sensible defaults.
type Limits struct {
	// MaxPacket is the largest packet body a reader will stage.
	MaxPacket int

	// MaxString is the largest string a reader will allocate.
	MaxString int

	// MaxHandle is the largest handle a reader will bind. It keeps a hostile
	// stream from growing the handle arena without bound.
	MaxHandle uint32
}

// DefaultLimits returns the default reader limits.
func DefaultLimits() *Limits {
	return &Limits{
		MaxPacket: DefaultMaxAllocation,
		MaxString: MaxStringLength,
		MaxHandle: 1 << 24,
	}
}

// CheckPacket validates a packet body length.
func (l *Limits) CheckPacket(n uint32) error {
	if int64(n) > int64(l.MaxPacket) {
		return fmt.Errorf("%w: packet of %d bytes", ErrAllocationTooLarge, n)
	}
	return nil
}

// CheckHandle validates a handle read from the wire.
func (l *Limits) CheckHandle(h uint32) error {
	if h > l.MaxHandle {
		return fmt.Errorf("%w: handle %d", ErrAllocationTooLarge, h)
	}
	return nil
}
