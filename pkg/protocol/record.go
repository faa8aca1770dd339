package protocol

// PacketHeader is the payload of a Begin token. Length counts the body bytes
// between the header and the End token.
type PacketHeader struct {
	StreamID uint32
	Seq      uint32
	Length   uint32
}

// PacketHeaderSize is the encoded size of Begin plus its header.
const PacketHeaderSize = 16

// PacketTrailerSize is the encoded size of the End token.
const PacketTrailerSize = 4

// EncodePacketHeaderTo writes the Begin token and header. It returns the
// offset of the length field so the caller can back-patch it.
func EncodePacketHeaderTo(e *Encoder, h *PacketHeader) int {
	e.WriteToken(TokenBegin)
	e.WriteUint32(h.StreamID)
	e.WriteUint32(h.Seq)
	off := e.Len()
	e.WriteUint32(h.Length)
	return off
}

// DecodePacketHeaderFrom reads the header that follows a Begin token.
func DecodePacketHeaderFrom(d *Decoder) (*PacketHeader, error) {
	h := &PacketHeader{}
	var err error
	if h.StreamID, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if h.Seq, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if h.Length, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	return h, nil
}

// VersionRecord is the payload of a Version token.
type VersionRecord struct {
	Version uint32
	VecSize uint32
}

// EncodeVersionTo writes a Version token.
func EncodeVersionTo(e *Encoder, v *VersionRecord) {
	e.WriteToken(TokenVersion)
	e.WriteUint32(v.Version)
	e.WriteUint32(v.VecSize)
}

// DecodeVersionFrom reads the payload of a Version token.
func DecodeVersionFrom(d *Decoder) (*VersionRecord, error) {
	version, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	vecSize, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	return &VersionRecord{Version: version, VecSize: vecSize}, nil
}

// ConnectRecord binds the name of a remote object to a handle.
type ConnectRecord struct {
	Handle uint32
	Name   string
}

// EncodeConnectTo writes a Connect token.
func EncodeConnectTo(e *Encoder, c *ConnectRecord) {
	e.WriteToken(TokenConnect)
	e.WriteUint32(c.Handle)
	e.WriteString(c.Name)
}

// DecodeConnectFrom reads the payload of a Connect token.
func DecodeConnectFrom(d *Decoder) (*ConnectRecord, error) {
	h, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	name, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	return &ConnectRecord{Handle: h, Name: name}, nil
}

// RemapRecord announces that the sender knows handle Old of the peers in
// Mask under its own handle New.
type RemapRecord struct {
	Old  uint32
	New  uint32
	Mask uint32
}

// EncodeRemapTo writes a Remap token.
func EncodeRemapTo(e *Encoder, r *RemapRecord) {
	e.WriteToken(TokenRemap)
	e.WriteUint32(r.Old)
	e.WriteUint32(r.New)
	e.WriteUint32(r.Mask)
}

// DecodeRemapFrom reads the payload of a Remap token.
func DecodeRemapFrom(d *Decoder) (*RemapRecord, error) {
	r := &RemapRecord{}
	var err error
	if r.Old, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if r.New, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if r.Mask, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	return r, nil
}

// EventRecord is an application event. Sender and Target are handles, Data
// is opaque to the codec.
type EventRecord struct {
	Code   uint32
	Sender uint32
	Target uint32
	Time   uint32
	Data   []byte
}

// EncodeEventTo writes an Event token.
func EncodeEventTo(e *Encoder, ev *EventRecord) {
	e.WriteToken(TokenEvent)
	e.WriteUint32(ev.Code)
	e.WriteUint32(ev.Sender)
	e.WriteUint32(ev.Target)
	e.WriteUint32(ev.Time)
	e.WriteUint32(uint32(len(ev.Data)))
	e.WriteBytes(ev.Data)
	for i := len(ev.Data); i%4 != 0; i++ {
		e.WriteByte(0)
	}
}

// DecodeEventFrom reads the payload of an Event token.
func DecodeEventFrom(d *Decoder) (*EventRecord, error) {
	ev := &EventRecord{}
	var err error
	if ev.Code, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if ev.Sender, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if ev.Target, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if ev.Time, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > MaxStringLength {
		return nil, ErrAllocationTooLarge
	}
	raw, err := d.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	ev.Data = append([]byte(nil), raw...)
	if pad := (4 - int(n)%4) % 4; pad > 0 {
		if err := d.Skip(pad); err != nil {
			return nil, err
		}
	}
	return ev, nil
}
