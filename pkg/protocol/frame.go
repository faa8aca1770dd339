package protocol

import (
	"errors"
	"fmt"
	"io"
)

const (
	// FrameHeaderSize is the size of a link frame header. It keeps the
	// payload word aligned.
	FrameHeaderSize = 8

	// MaxPayloadSize bounds one frame payload. A sealed transport buffer
	// must fit in one frame.
	MaxPayloadSize = 1 << 20
)

// FrameType tells the link peer how to read a frame payload.
type FrameType uint8

const (
	FrameHandshake FrameType = 0x00 // Hello / Welcome
	FramePackets   FrameType = 0x01 // A sealed buffer of wire elements
	FrameControl   FrameType = 0x03 // Ping, pong, close
	FrameError     FrameType = 0x05 // ErrorMessage
)

func (ft FrameType) String() string {
	switch ft {
	case FrameHandshake:
		return "Handshake"
	case FramePackets:
		return "Packets"
	case FrameControl:
		return "Control"
	case FrameError:
		return "Error"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(ft))
	}
}

func (ft FrameType) valid() bool {
	switch ft {
	case FrameHandshake, FramePackets, FrameControl, FrameError:
		return true
	}
	return false
}

// FrameFlags annotate a packets frame.
type FrameFlags uint8

const (
	FlagFinal  FrameFlags = 0x01 // Last payload of a synchronizer frame
	FlagResend FrameFlags = 0x02 // Payload is a retry after a failed send
)

// Has reports whether every bit of flag is set.
func (ff FrameFlags) Has(flag FrameFlags) bool {
	return ff&flag == flag
}

var (
	ErrFrameTooLarge    = errors.New("protocol: frame payload too large")
	ErrInvalidFrameType = errors.New("protocol: invalid frame type")
)

// Frame is one message on a link.
//
//	0      1       2          4                8
//	+------+-------+----------+----------------+-----------
//	| type | flags | reserved | length (u32le) | payload...
//	+------+-------+----------+----------------+-----------
type Frame struct {
	Type    FrameType
	Flags   FrameFlags
	Payload []byte
}

// NewFrame returns an unflagged frame.
func NewFrame(ft FrameType, payload []byte) *Frame {
	return &Frame{Type: ft, Payload: payload}
}

// NewFrameWithFlags returns a frame carrying flags.
func NewFrameWithFlags(ft FrameType, flags FrameFlags, payload []byte) *Frame {
	return &Frame{Type: ft, Flags: flags, Payload: payload}
}

// Encode returns the header and payload as one slice.
func (f *Frame) Encode() []byte {
	e := NewEncoderWithCap(FrameHeaderSize + len(f.Payload))
	f.EncodeTo(e)
	return e.Bytes()
}

// EncodeTo appends the frame to e.
func (f *Frame) EncodeTo(e *Encoder) {
	e.WriteByte(byte(f.Type))
	e.WriteByte(byte(f.Flags))
	e.WriteUint16(0)
	e.WriteUint32(uint32(len(f.Payload)))
	e.WriteBytes(f.Payload)
}

// DecodeFrameHeader reads the type, flags and payload length.
func DecodeFrameHeader(data []byte) (FrameType, FrameFlags, int, error) {
	d := NewDecoder(data)
	if d.Remaining() < FrameHeaderSize {
		return 0, 0, 0, io.ErrUnexpectedEOF
	}
	ft, _ := d.ReadByte()
	flags, _ := d.ReadByte()
	_ = d.Skip(2)
	n, _ := d.ReadUint32()

	if !FrameType(ft).valid() {
		return 0, 0, 0, fmt.Errorf("%w: %d", ErrInvalidFrameType, ft)
	}
	if n > MaxPayloadSize {
		return 0, 0, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	return FrameType(ft), FrameFlags(flags), int(n), nil
}

// DecodeFrame decodes one frame. Bytes after the payload are ignored; the
// payload is copied.
func DecodeFrame(data []byte) (*Frame, error) {
	ft, flags, n, err := DecodeFrameHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) < FrameHeaderSize+n {
		return nil, io.ErrUnexpectedEOF
	}
	payload := make([]byte, n)
	copy(payload, data[FrameHeaderSize:])
	return &Frame{Type: ft, Flags: flags, Payload: payload}, nil
}

// ReadFrame reads one frame from a byte stream.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	ft, flags, n, err := DecodeFrameHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &Frame{Type: ft, Flags: flags, Payload: payload}, nil
}

// WriteFrame writes f with a single Write call.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	_, err := w.Write(f.Encode())
	return err
}
