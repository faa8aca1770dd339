package protocol

// HandshakeStatus represents the result of a handshake.
type HandshakeStatus uint8

const (
	HandshakeOK              HandshakeStatus = 0x00
	HandshakeVersionMismatch HandshakeStatus = 0x01
	HandshakeServerBusy      HandshakeStatus = 0x04
	HandshakeInvalidFormat   HandshakeStatus = 0x06 // Malformed handshake message
	HandshakeInternalError   HandshakeStatus = 0x08
)

// String returns the string representation of the handshake status.
func (hs HandshakeStatus) String() string {
	switch hs {
	case HandshakeOK:
		return "OK"
	case HandshakeVersionMismatch:
		return "VersionMismatch"
	case HandshakeServerBusy:
		return "ServerBusy"
	case HandshakeInvalidFormat:
		return "InvalidFormat"
	case HandshakeInternalError:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// Hello is sent by the dialing peer once the link is up. It carries the
// same information as the Version token of a stream.
type Hello struct {
	Version  uint32 // Protocol version, must equal CurrentVersion
	VecSize  uint8  // 3 or 4
	Host     string // Sender host name
	StreamID uint32 // Stream id the sender writes with
}

// Welcome is the accepting peer's answer to Hello.
type Welcome struct {
	Status   HandshakeStatus
	Version  uint32
	Host     string
	StreamID uint32
}

// EncodeHello encodes a Hello to bytes.
func EncodeHello(h *Hello) []byte {
	e := NewEncoder()
	EncodeHelloTo(e, h)
	return e.Bytes()
}

// EncodeHelloTo encodes a Hello using the provided encoder.
func EncodeHelloTo(e *Encoder, h *Hello) {
	e.WriteToken(TokenVersion)
	e.WriteUint32(h.Version)
	e.WriteByte(h.VecSize)
	e.WriteString(h.Host)
	e.WriteUint32(h.StreamID)
}

// DecodeHello decodes a Hello from bytes.
func DecodeHello(data []byte) (*Hello, error) {
	return DecodeHelloFrom(NewDecoder(data))
}

// DecodeHelloFrom decodes a Hello from a decoder.
func DecodeHelloFrom(d *Decoder) (*Hello, error) {
	tok, err := d.ReadToken()
	if err != nil {
		return nil, err
	}
	if tok != TokenVersion {
		return nil, ErrInvalidHandshake
	}
	h := &Hello{}
	if h.Version, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if h.VecSize, err = d.ReadByte(); err != nil {
		return nil, err
	}
	if h.Host, err = d.ReadString(); err != nil {
		return nil, err
	}
	if h.StreamID, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	return h, nil
}

// EncodeWelcome encodes a Welcome to bytes.
func EncodeWelcome(w *Welcome) []byte {
	e := NewEncoder()
	EncodeWelcomeTo(e, w)
	return e.Bytes()
}

// EncodeWelcomeTo encodes a Welcome using the provided encoder.
func EncodeWelcomeTo(e *Encoder, w *Welcome) {
	e.WriteByte(byte(w.Status))
	e.WriteUint32(w.Version)
	e.WriteString(w.Host)
	e.WriteUint32(w.StreamID)
}

// DecodeWelcome decodes a Welcome from bytes.
func DecodeWelcome(data []byte) (*Welcome, error) {
	return DecodeWelcomeFrom(NewDecoder(data))
}

// DecodeWelcomeFrom decodes a Welcome from a decoder.
func DecodeWelcomeFrom(d *Decoder) (*Welcome, error) {
	status, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	w := &Welcome{Status: HandshakeStatus(status)}
	if w.Version, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if w.Host, err = d.ReadString(); err != nil {
		return nil, err
	}
	if w.StreamID, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	return w, nil
}

// CheckHello validates a Hello against the local protocol version.
func CheckHello(h *Hello) HandshakeStatus {
	if h.Version != CurrentVersion {
		return HandshakeVersionMismatch
	}
	if h.VecSize != 3 && h.VecSize != 4 {
		return HandshakeInvalidFormat
	}
	return HandshakeOK
}
