package messenger

import (
	"errors"
	"fmt"

	"github.com/vango-dev/scenesync/pkg/handle"
	"github.com/vango-dev/scenesync/pkg/protocol"
)

// Writer errors.
var (
	ErrNoPacket   = errors.New("messenger: operation outside a packet")
	ErrPacketOpen = errors.New("messenger: packet already open")
	ErrNotInTable = errors.New("messenger: object has no handle")
)

// Writer encodes operations for one producer. Each completed packet, and
// each framing token written outside a packet, is handed to the sink
// function as soon as it is complete. A Writer belongs to one goroutine.
//
// Put methods do not return errors. The first failure is kept and reported
// by End, Flush or Err; later writes are dropped.
type Writer struct {
	m       *Messenger
	enc     *protocol.Encoder
	sink    func([]byte) error
	stream  uint32
	seq     uint32
	vecSize int

	open   bool
	start  int
	lenOff int
	err    error

	created []handle.Handle
}

// NewWriter creates a writer that delivers encoded bytes to sink. The bytes
// are only valid for the duration of the call.
func (m *Messenger) NewWriter(sink func([]byte) error) *Writer {
	return &Writer{
		m:       m,
		enc:     protocol.NewEncoderWithCap(protocol.MaxBufSize),
		sink:    sink,
		stream:  m.nextStream.Add(1),
		vecSize: m.vecSize,
	}
}

// Messenger returns the messenger the writer attaches objects to.
func (w *Writer) Messenger() *Messenger {
	return w.m
}

// Stream returns the stream id stamped on the writer's packets.
func (w *Writer) Stream() uint32 {
	return w.stream
}

// Err returns the first error the writer hit.
func (w *Writer) Err() error {
	return w.err
}

// VecSize returns the number of floats per vector.
func (w *Writer) VecSize() int {
	return w.vecSize
}

// Created returns the handles of objects saved since the last call and
// clears the list.
func (w *Writer) Created() []handle.Handle {
	out := w.created
	w.created = nil
	return out
}

// ClearErr discards the open packet and the sticky error, returning it.
func (w *Writer) ClearErr() error {
	err := w.err
	w.Abort()
	w.err = nil
	return err
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Begin opens a packet.
func (w *Writer) Begin() error {
	if w.err != nil {
		return w.err
	}
	if w.open {
		w.fail(ErrPacketOpen)
		return w.err
	}
	w.seq++
	w.open = true
	w.start = w.enc.Len()
	w.lenOff = protocol.EncodePacketHeaderTo(w.enc, &protocol.PacketHeader{StreamID: w.stream, Seq: w.seq})
	return nil
}

// End closes the packet, back-patches its length and hands it to the sink.
func (w *Writer) End() error {
	if w.err != nil {
		w.Abort()
		return w.err
	}
	if !w.open {
		w.fail(ErrNoPacket)
		return w.err
	}
	body := w.enc.Len() - w.lenOff - 4
	w.enc.PutUint32At(w.lenOff, uint32(body))
	w.enc.WriteToken(protocol.TokenEnd)
	w.open = false
	return w.emit()
}

// Abort discards the open packet. Handles assigned while it was being
// written stay attached.
func (w *Writer) Abort() {
	if !w.open {
		return
	}
	w.enc.Truncate(w.start)
	w.open = false
}

// Open reports whether a packet is being written.
func (w *Writer) Open() bool {
	return w.open
}

// Pending returns the bytes of the open packet written so far.
func (w *Writer) Pending() int {
	if !w.open {
		return 0
	}
	return w.enc.Len() - w.start
}

func (w *Writer) emit() error {
	if w.enc.Len() == 0 {
		return nil
	}
	err := w.sink(w.enc.Bytes())
	w.enc.Reset()
	if err != nil {
		w.fail(err)
	}
	return err
}

// Op writes an op header for obj, attaching it to the table if needed.
func (w *Writer) Op(obj Object, op Op) {
	if w.err != nil {
		return
	}
	if !w.open {
		w.fail(ErrNoPacket)
		return
	}
	h, err := w.m.Attach(obj)
	if err != nil {
		w.fail(err)
		return
	}
	w.enc.WriteToken(protocol.OpToken(obj.ClassID(), uint16(op)))
	w.enc.WriteUint32(uint32(h))
}

// PutInt16 writes an int16 argument.
func (w *Writer) PutInt16(v int16) {
	if w.err == nil {
		w.enc.WriteInt16(v)
	}
}

// PutInt32 writes an int32 argument.
func (w *Writer) PutInt32(v int32) {
	if w.err == nil {
		w.enc.WriteInt32(v)
	}
}

// PutInt64 writes an int64 argument.
func (w *Writer) PutInt64(v int64) {
	if w.err == nil {
		w.enc.WriteInt64(v)
	}
}

// PutUint32 writes a uint32 argument.
func (w *Writer) PutUint32(v uint32) {
	if w.err == nil {
		w.enc.WriteUint32(v)
	}
}

// PutFloat writes a float32 argument.
func (w *Writer) PutFloat(v float32) {
	if w.err == nil {
		w.enc.WriteFloat32(v)
	}
}

// PutBool writes a boolean as a u32.
func (w *Writer) PutBool(v bool) {
	if w.err != nil {
		return
	}
	if v {
		w.enc.WriteUint32(1)
	} else {
		w.enc.WriteUint32(0)
	}
}

// PutString writes a padded string argument.
func (w *Writer) PutString(s string) {
	if w.err != nil {
		return
	}
	if protocol.PaddedLen(len(s)) > protocol.MaxStringLength {
		w.fail(fmt.Errorf("%w: string of %d bytes", protocol.ErrAllocationTooLarge, len(s)))
		return
	}
	w.enc.WriteString(s)
}

// PutVec writes a vector at the stream's width.
func (w *Writer) PutVec(v []float32) {
	if w.err == nil {
		w.enc.WriteVec(v, w.vecSize)
	}
}

// PutObj writes a reference to obj, attaching it if needed. A nil object is
// written as the null handle.
func (w *Writer) PutObj(obj Object) {
	if w.err != nil {
		return
	}
	if obj == nil {
		w.enc.WriteUint32(uint32(handle.Null))
		return
	}
	h, err := w.m.Attach(obj)
	if err != nil {
		w.fail(err)
		return
	}
	w.enc.WriteUint32(uint32(h))
}

// Save writes obj and every object it references. All objects are created
// first so references between them resolve in any order, cycles included.
func (w *Writer) Save(obj Object) error {
	return w.SaveAll([]Object{obj})
}

// SaveAll is Save for several roots sharing one traversal.
func (w *Writer) SaveAll(objs []Object) error {
	var order []Object
	seen := make(map[Object]bool)
	for _, obj := range objs {
		collect(obj, seen, &order)
	}
	for _, obj := range order {
		w.Op(obj, OpCreate)
		if n, ok := obj.(Named); ok && n.Name() != "" {
			w.Op(obj, OpSetName)
			w.PutString(n.Name())
		}
		if f, ok := obj.(Flagged); ok && f.Flags() != 0 {
			w.Op(obj, OpSetFlags)
			w.PutUint32(f.Flags())
		}
		if w.err != nil {
			return w.err
		}
		w.created = append(w.created, w.m.table.HandleOf(obj))
	}
	for _, obj := range order {
		if err := obj.Encode(w); err != nil {
			w.fail(fmt.Errorf("messenger: encode %T: %w", obj, err))
		}
		if w.err != nil {
			return w.err
		}
	}
	return nil
}

// collect appends obj and its references in dependency order.
func collect(obj Object, seen map[Object]bool, order *[]Object) {
	if obj == nil || seen[obj] {
		return
	}
	seen[obj] = true
	if r, ok := obj.(Referrer); ok {
		for _, ref := range r.References() {
			collect(ref, seen, order)
		}
	}
	*order = append(*order, obj)
}

// Delete writes OpDelete for obj and detaches it locally.
func (w *Writer) Delete(obj Object) error {
	if w.m.table.HandleOf(obj) == handle.Null {
		return ErrNotInTable
	}
	w.Op(obj, OpDelete)
	if w.err != nil {
		return w.err
	}
	w.m.Detach(obj)
	return nil
}

// framing writes a framing element. Elements that may not appear inside a
// packet fail while one is open; outside a packet they are emitted at once.
func (w *Writer) framing(inPacket bool, write func(e *protocol.Encoder)) error {
	if w.err != nil {
		return w.err
	}
	if w.open && !inPacket {
		w.fail(ErrPacketOpen)
		return w.err
	}
	write(w.enc)
	if w.open {
		return nil
	}
	return w.emit()
}

// Version writes the stream header: protocol version and vector width.
func (w *Writer) Version() error {
	return w.framing(false, func(e *protocol.Encoder) {
		protocol.EncodeVersionTo(e, &protocol.VersionRecord{
			Version: protocol.CurrentVersion,
			VecSize: uint32(w.vecSize),
		})
	})
}

// SetVecSize changes the vector width of the following operations.
func (w *Writer) SetVecSize(n int) error {
	if n != 3 && n != 4 {
		return protocol.ErrBadVecSize
	}
	return w.framing(false, func(e *protocol.Encoder) {
		e.WriteToken(protocol.TokenVecSize)
		e.WriteUint32(uint32(n))
		w.vecSize = n
	})
}

// SetStreamID changes the stream id stamped on later packets.
func (w *Writer) SetStreamID(id uint32) error {
	return w.framing(false, func(e *protocol.Encoder) {
		e.WriteToken(protocol.TokenSetStreamID)
		e.WriteUint32(id)
		w.stream = id
		w.seq = 0
	})
}

// Connect binds the remote object called name to obj's handle.
func (w *Writer) Connect(name string, obj Object) error {
	h, err := w.m.Attach(obj)
	if err != nil {
		return err
	}
	return w.framing(true, func(e *protocol.Encoder) {
		protocol.EncodeConnectTo(e, &protocol.ConnectRecord{Handle: uint32(h), Name: name})
	})
}

// Sync marks a frame boundary.
func (w *Writer) Sync(frame uint32) error {
	return w.framing(false, func(e *protocol.Encoder) {
		e.WriteToken(protocol.TokenSync)
		e.WriteUint32(frame)
	})
}

// Remap writes a handle reassignment record.
func (w *Writer) Remap(rec protocol.RemapRecord) error {
	return w.framing(true, func(e *protocol.Encoder) {
		protocol.EncodeRemapTo(e, &rec)
	})
}

// Event writes an application event. Sender and target may be nil.
func (w *Writer) Event(code uint32, sender, target Object, data []byte) error {
	rec := &protocol.EventRecord{
		Code:   code,
		Sender: uint32(w.m.table.HandleOf(sender)),
		Target: uint32(w.m.table.HandleOf(target)),
		Time:   w.m.clock(),
		Data:   data,
	}
	return w.framing(true, func(e *protocol.Encoder) {
		protocol.EncodeEventTo(e, rec)
	})
}

// Exit tells the reader this writer is leaving.
func (w *Writer) Exit() error {
	return w.framing(false, func(e *protocol.Encoder) {
		e.WriteToken(protocol.TokenExit)
	})
}

// Flush writes every object queued with Distribute. It saves into the open
// packet if there is one, else into a packet of its own.
func (w *Writer) Flush() error {
	pending := w.m.TakePending()
	if len(pending) == 0 {
		return w.err
	}
	if w.open {
		return w.SaveAll(pending)
	}
	if err := w.Begin(); err != nil {
		return err
	}
	if err := w.SaveAll(pending); err != nil {
		w.Abort()
		return err
	}
	return w.End()
}
