package protocol

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderDecoder(t *testing.T) {
	e := NewEncoder()

	e.WriteByte(0x42)
	e.WriteBytes([]byte{0x01, 0x02, 0x03})
	e.WriteString("hello world")
	e.WriteBool(true)
	e.WriteUint16(0x1234)
	e.WriteUint32(0x12345678)
	e.WriteUint64(0x123456789ABCDEF0)
	e.WriteInt16(-1234)
	e.WriteInt32(-12345678)
	e.WriteInt64(-123456789012345)
	e.WriteFloat32(3.5)
	e.WriteToken(TokenSync)

	d := NewDecoder(e.Bytes())

	b, err := d.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), b)

	bs, err := d.ReadBytes(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, bs)

	s, err := d.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello world", s)

	v, err := d.ReadBool()
	require.NoError(t, err)
	assert.True(t, v)

	u16, err := d.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), u16)

	u32, err := d.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), u32)

	u64, err := d.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x123456789ABCDEF0), u64)

	i16, err := d.ReadInt16()
	require.NoError(t, err)
	assert.Equal(t, int16(-1234), i16)

	i32, err := d.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-12345678), i32)

	i64, err := d.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(-123456789012345), i64)

	f, err := d.ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, float32(3.5), f)

	tok, err := d.ReadToken()
	require.NoError(t, err)
	assert.Equal(t, TokenSync, tok)

	assert.True(t, d.EOF(), "decoder has %d bytes left", d.Remaining())
}

func TestLittleEndianLayout(t *testing.T) {
	e := NewEncoder()
	e.WriteUint32(0x04030201)
	e.WriteInt16(-2)

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0xFE, 0xFF}, e.Bytes())
}

func TestStringPadding(t *testing.T) {
	tests := []struct {
		in      string
		wireLen int
	}{
		{"", 8},
		{"abc", 8},
		{"abcd", 12},
		{"abcdefg", 12},
	}
	for _, tt := range tests {
		e := NewEncoder()
		e.WriteString(tt.in)
		assert.Equal(t, tt.wireLen, e.Len(), "WriteString(%q)", tt.in)
		assert.Zero(t, e.Bytes()[4+len(tt.in)], "WriteString(%q) is null terminated", tt.in)

		s, err := NewDecoder(e.Bytes()).ReadString()
		require.NoError(t, err)
		assert.Equal(t, tt.in, s)
	}
}

func TestReadStringErrors(t *testing.T) {
	e := NewEncoder()
	e.WriteUint32(6)
	e.WriteBytes([]byte("abcdef"))
	_, err := NewDecoder(e.Bytes()).ReadString()
	assert.ErrorIs(t, err, ErrBadStringLength, "unaligned length")

	e.Reset()
	e.WriteUint32(16)
	e.WriteBytes([]byte("abcd"))
	_, err = NewDecoder(e.Bytes()).ReadString()
	assert.Equal(t, io.ErrUnexpectedEOF, err, "short string")
}

func TestVec(t *testing.T) {
	e := NewEncoder()
	e.WriteVec([]float32{1, 2, 3}, 4)
	e.WriteVec([]float32{4, 5, 6, 7}, 3)

	d := NewDecoder(e.Bytes())
	v4, err := d.ReadVec(4)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 1}, v4, "homogeneous w is 1")

	v3, err := d.ReadVec(3)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 6}, v3)

	_, err = d.ReadVec(5)
	assert.Equal(t, ErrBadVecSize, err)
}

func TestTruncatedReads(t *testing.T) {
	d := NewDecoder([]byte{0x01, 0x02})
	_, err := d.ReadUint32()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
	_, err = d.ReadFloat32()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
	_, err = d.ReadUint64()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestPutUint32At(t *testing.T) {
	e := NewEncoder()
	off := EncodePacketHeaderTo(e, &PacketHeader{StreamID: 7, Seq: 3})
	e.WriteUint32(0xDEADBEEF)
	e.PutUint32At(off, 4)

	d := NewDecoder(e.Bytes())
	tok, _ := d.ReadToken()
	require.Equal(t, TokenBegin, tok)
	h, err := DecodePacketHeaderFrom(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), h.StreamID)
	assert.Equal(t, uint32(3), h.Seq)
	assert.Equal(t, uint32(4), h.Length)
}

func TestTokens(t *testing.T) {
	tok := OpToken(0x0102, 7)
	assert.Equal(t, uint16(0x0102), tok.ClassID())
	assert.Equal(t, uint16(7), tok.Op())
	assert.False(t, tok.IsFraming(), "object token reported as framing")
	assert.True(t, TokenRemap.IsFraming())
	assert.Equal(t, "Remap", TokenRemap.String())

	for _, id := range []uint16{0x0000, 0x1111, 0x0888, 0xAAAA} {
		assert.ErrorIs(t, ValidateClassID(id), ErrReservedClass, "class %#x", id)
	}
	assert.NoError(t, ValidateClassID(0x0102))
}

func TestRecordsRoundTrip(t *testing.T) {
	e := NewEncoder()
	EncodeRemapTo(e, &RemapRecord{Old: 1, New: 9, Mask: 4})
	EncodeConnectTo(e, &ConnectRecord{Handle: 3, Name: "scene"})
	EncodeEventTo(e, &EventRecord{Code: 5, Sender: 1, Target: 2, Time: 99, Data: []byte("xyz")})
	EncodeVersionTo(e, &VersionRecord{Version: CurrentVersion, VecSize: 4})

	d := NewDecoder(e.Bytes())

	tok, _ := d.ReadToken()
	require.Equal(t, TokenRemap, tok)
	r, err := DecodeRemapFrom(d)
	require.NoError(t, err)
	assert.Equal(t, RemapRecord{Old: 1, New: 9, Mask: 4}, *r)

	tok, _ = d.ReadToken()
	require.Equal(t, TokenConnect, tok)
	c, err := DecodeConnectFrom(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), c.Handle)
	assert.Equal(t, "scene", c.Name)

	tok, _ = d.ReadToken()
	require.Equal(t, TokenEvent, tok)
	ev, err := DecodeEventFrom(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), ev.Code)
	assert.Equal(t, uint32(99), ev.Time)
	assert.Equal(t, []byte("xyz"), ev.Data)

	tok, _ = d.ReadToken()
	require.Equal(t, TokenVersion, tok)
	v, err := DecodeVersionFrom(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(CurrentVersion), v.Version)
	assert.Equal(t, uint32(4), v.VecSize)

	assert.True(t, d.EOF(), "%d bytes left", d.Remaining())
}
