package protocol

import "fmt"

// ControlType identifies a link control message.
type ControlType uint8

const (
	ControlPing  ControlType = 0x01
	ControlPong  ControlType = 0x02
	ControlClose ControlType = 0x20
)

func (ct ControlType) String() string {
	switch ct {
	case ControlPing:
		return "Ping"
	case ControlPong:
		return "Pong"
	case ControlClose:
		return "Close"
	default:
		return fmt.Sprintf("ControlType(%d)", uint8(ct))
	}
}

// CloseReason says why a peer is going away.
type CloseReason uint8

const (
	CloseNormal           CloseReason = 0x00
	CloseGoingAway        CloseReason = 0x01
	CloseProtocolMismatch CloseReason = 0x02
	CloseServerShutdown   CloseReason = 0x03
	CloseError            CloseReason = 0x04
)

func (cr CloseReason) String() string {
	switch cr {
	case CloseNormal:
		return "Normal"
	case CloseGoingAway:
		return "GoingAway"
	case CloseProtocolMismatch:
		return "ProtocolMismatch"
	case CloseServerShutdown:
		return "ServerShutdown"
	case CloseError:
		return "Error"
	default:
		return fmt.Sprintf("CloseReason(%d)", uint8(cr))
	}
}

// Control is the payload of a FrameControl frame.
//
// Ping and Pong carry a millisecond timestamp and the sender's last synced
// frame; a Pong echoes the timestamp of the Ping it answers. Close carries
// a reason and an optional message.
type Control struct {
	Type      ControlType
	Timestamp uint64
	Frame     uint32
	Reason    CloseReason
	Message   string
}

// Ping returns a ping stamped with ts and frame.
func Ping(ts uint64, frame uint32) *Control {
	return &Control{Type: ControlPing, Timestamp: ts, Frame: frame}
}

// Pong answers p, reporting the local frame.
func (c *Control) Pong(frame uint32) *Control {
	return &Control{Type: ControlPong, Timestamp: c.Timestamp, Frame: frame}
}

// Close returns a close message.
func Close(reason CloseReason, message string) *Control {
	return &Control{Type: ControlClose, Reason: reason, Message: message}
}

// EncodeControl encodes c.
func EncodeControl(c *Control) []byte {
	e := NewEncoderWithCap(16)
	EncodeControlTo(e, c)
	return e.Bytes()
}

// EncodeControlTo appends c to e.
func EncodeControlTo(e *Encoder, c *Control) {
	e.WriteByte(byte(c.Type))
	switch c.Type {
	case ControlPing, ControlPong:
		e.WriteUint64(c.Timestamp)
		e.WriteUint32(c.Frame)
	case ControlClose:
		e.WriteByte(byte(c.Reason))
		e.WriteString(c.Message)
	}
}

// DecodeControl decodes a control payload. Unknown types decode to a bare
// Control so newer peers can add messages.
func DecodeControl(data []byte) (*Control, error) {
	return DecodeControlFrom(NewDecoder(data))
}

// DecodeControlFrom decodes a control payload from d.
func DecodeControlFrom(d *Decoder) (*Control, error) {
	b, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	c := &Control{Type: ControlType(b)}
	switch c.Type {
	case ControlPing, ControlPong:
		if c.Timestamp, err = d.ReadUint64(); err != nil {
			return nil, err
		}
		if c.Frame, err = d.ReadUint32(); err != nil {
			return nil, err
		}
	case ControlClose:
		r, err := d.ReadByte()
		if err != nil {
			return nil, err
		}
		c.Reason = CloseReason(r)
		if c.Message, err = d.ReadString(); err != nil {
			return nil, err
		}
	}
	return c, nil
}
