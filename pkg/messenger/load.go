package messenger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/scenesync/pkg/handle"
	"github.com/vango-dev/scenesync/pkg/protocol"
)

// SceneName is the remote name whose Connect also selects the stream id.
const SceneName = "scene"

// Source is the reading state of one incoming stream: its handle
// translation, vector width and the last applied sequence number of each
// writer stream. A Source is read by one goroutine at a time.
type Source struct {
	Name string

	// Shared sources number objects in the local table's own space, so an
	// OpCreate on a slot holding an object of the same class reuses it.
	// Peer sources are not shared: their creates always make new objects.
	Shared bool

	Tr *Translation

	streamID uint32
	vecSize  int
	version  uint32
	frame    uint32
	exited   bool
	seqs     map[uint32]uint32
}

// NewSource creates the reading state for a stream called name.
func (m *Messenger) NewSource(name string, shared bool) *Source {
	tr := NewTranslation(m.table)
	if !shared {
		tr.Window = PeerWindow
	}
	return &Source{
		Name:    name,
		Shared:  shared,
		Tr:      tr,
		vecSize: m.vecSize,
		seqs:    make(map[uint32]uint32),
	}
}

// StreamID returns the id the stream announced.
func (s *Source) StreamID() uint32 { return s.streamID }

// VecSize returns the stream's vector width.
func (s *Source) VecSize() int { return s.vecSize }

// Version returns the protocol version the stream declared, 0 if none.
func (s *Source) Version() uint32 { return s.version }

// Frame returns the last Sync frame number seen.
func (s *Source) Frame() uint32 { return s.frame }

// Exited reports whether the stream sent Exit.
func (s *Source) Exited() bool { return s.exited }

// LastSeq returns the last applied sequence number of a writer stream.
func (s *Source) LastSeq(stream uint32) uint32 { return s.seqs[stream] }

// LoadStats summarizes one Apply call.
type LoadStats struct {
	Packets  int
	Rejected int
	Events   int
	Syncs    int
}

// Apply decodes data read from src. A packet that fails validation is
// reported through the error hooks and skipped. The returned error means the
// rest of the stream could not be read.
func (m *Messenger) Apply(ctx context.Context, src *Source, data []byte) (LoadStats, error) {
	ctx, span := m.tracer.Start(ctx, "messenger.Apply", trace.WithAttributes(
		attribute.String("source", src.Name),
		attribute.Int("bytes", len(data)),
	))
	defer span.End()

	st, err := m.apply(ctx, src, data)
	span.SetAttributes(attribute.Int("packets", st.Packets), attribute.Int("rejected", st.Rejected))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return st, err
}

func (m *Messenger) apply(ctx context.Context, src *Source, data []byte) (LoadStats, error) {
	var st LoadStats
	dec := protocol.NewDecoder(data)
	for !dec.EOF() && !src.exited {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		pos := dec.Position()
		tok, err := dec.ReadToken()
		if err != nil {
			return st, truncated(err)
		}

		switch tok {
		case protocol.TokenDoNothing:

		case protocol.TokenVersion:
			rec, err := protocol.DecodeVersionFrom(dec)
			if err != nil {
				return st, truncated(err)
			}
			if rec.Version != protocol.CurrentVersion {
				return st, fmt.Errorf("%w: %s speaks %d, want %d",
					protocol.ErrProtocolMismatch, src.Name, rec.Version, protocol.CurrentVersion)
			}
			if rec.VecSize != 3 && rec.VecSize != 4 {
				return st, fmt.Errorf("%w: %d", protocol.ErrBadVecSize, rec.VecSize)
			}
			src.version = rec.Version
			src.vecSize = int(rec.VecSize)

		case protocol.TokenVecSize:
			n, err := dec.ReadUint32()
			if err != nil {
				return st, truncated(err)
			}
			if n != 3 && n != 4 {
				return st, fmt.Errorf("%w: %d", protocol.ErrBadVecSize, n)
			}
			src.vecSize = int(n)

		case protocol.TokenSetStreamID:
			id, err := dec.ReadUint32()
			if err != nil {
				return st, truncated(err)
			}
			src.streamID = id

		case protocol.TokenSync:
			frame, err := dec.ReadUint32()
			if err != nil {
				return st, truncated(err)
			}
			src.frame = frame
			st.Syncs++
			if settled := src.Tr.Settle(); len(settled) > 0 {
				m.logger.Warn("remaps settled without a delete", "source", src.Name, "frame", frame, "handles", settled)
			}

		case protocol.TokenExit:
			src.exited = true
			m.logger.Debug("stream exited", "source", src.Name)

		case protocol.TokenBegin:
			hdr, err := protocol.DecodePacketHeaderFrom(dec)
			if err != nil {
				return st, truncated(err)
			}
			if err := m.limits.CheckPacket(hdr.Length); err != nil {
				return st, err
			}
			body, err := dec.ReadBytes(int(hdr.Length))
			if err != nil {
				return st, truncated(err)
			}
			end, err := dec.ReadToken()
			if err != nil {
				return st, truncated(err)
			}
			if end != protocol.TokenEnd {
				return st, fmt.Errorf("%w: %v after packet body", protocol.ErrUnexpectedToken, end)
			}
			events, err := m.applyPacket(src, hdr, body)
			if err != nil {
				st.Rejected++
				m.reject(src, err)
				continue
			}
			st.Packets++
			st.Events += events

		case protocol.TokenEnd:
			return st, fmt.Errorf("%w: End outside a packet", protocol.ErrUnexpectedToken)

		default:
			// Event, Remap, Connect and object operations outside a packet
			// form a packet of one element. Without a length there is no
			// way past one that fails.
			if tok.IsFraming() && tok != protocol.TokenEvent && tok != protocol.TokenRemap && tok != protocol.TokenConnect {
				return st, fmt.Errorf("%w: %v", protocol.ErrUnexpectedToken, tok)
			}
			if err := dec.Seek(pos); err != nil {
				return st, err
			}
			events, err := m.applyBare(src, dec)
			if err != nil {
				st.Rejected++
				return st, err
			}
			st.Events += events
		}
	}
	return st, nil
}

func (m *Messenger) applyPacket(src *Source, hdr *protocol.PacketHeader, body []byte) (int, error) {
	if hdr.Seq != 0 {
		if last, ok := src.seqs[hdr.StreamID]; ok && hdr.Seq <= last {
			return 0, &PacketError{Source: src.Name, Stream: hdr.StreamID, Seq: hdr.Seq, Err: ErrDuplicatePacket}
		}
	}

	shadow := m.newPass(src, hdr, true)
	if err := shadow.run(protocol.NewDecoder(body)); err != nil {
		return 0, err
	}
	live := m.newPass(src, hdr, false)
	if err := live.run(protocol.NewDecoder(body)); err != nil {
		live.rollback()
		return 0, err
	}
	if hdr.Seq != 0 {
		src.seqs[hdr.StreamID] = hdr.Seq
	}
	m.recorder.PacketApplied(src.Name, len(body))
	return live.commit(), nil
}

func (m *Messenger) applyBare(src *Source, dec *protocol.Decoder) (int, error) {
	hdr := &protocol.PacketHeader{StreamID: src.streamID}
	pos := dec.Position()
	shadow := m.newPass(src, hdr, true)
	if err := shadow.step(dec); err != nil {
		err = shadow.wrap(err)
		m.reject(src, err)
		return 0, err
	}
	if err := dec.Seek(pos); err != nil {
		return 0, err
	}
	live := m.newPass(src, hdr, false)
	if err := live.step(dec); err != nil {
		live.rollback()
		err = live.wrap(err)
		m.reject(src, err)
		return 0, err
	}
	return live.commit(), nil
}

func (m *Messenger) reject(src *Source, err error) {
	var pe *PacketError
	if errors.As(err, &pe) {
		m.logger.Warn("packet rejected",
			"source", src.Name,
			"stream", pe.Stream,
			"seq", pe.Seq,
			"class", pe.Class,
			"op", pe.Op,
			"handle", pe.Handle,
			"error", pe.Err,
		)
	} else {
		m.logger.Warn("packet rejected", "source", src.Name, "error", err)
	}
	m.recorder.PacketRejected(src.Name, err)
	m.reportError(err)
}

// pass walks the elements of one packet, either against throwaway
// instances (validation) or against the live table.
type pass struct {
	m      *Messenger
	src    *Source
	hdr    *protocol.PacketHeader
	shadow bool

	staged  map[handle.Handle]Object
	created []handle.Handle
	events  []*Event

	class *Class
	op    Op
	h     handle.Handle
}

func (m *Messenger) newPass(src *Source, hdr *protocol.PacketHeader, shadow bool) *pass {
	p := &pass{m: m, src: src, hdr: hdr, shadow: shadow}
	if shadow {
		p.staged = make(map[handle.Handle]Object)
	}
	return p
}

func (p *pass) run(dec *protocol.Decoder) error {
	for !dec.EOF() {
		if err := p.step(dec); err != nil {
			return p.wrap(err)
		}
	}
	return nil
}

func (p *pass) wrap(err error) error {
	pe := &PacketError{
		Source: p.src.Name,
		Stream: p.hdr.StreamID,
		Seq:    p.hdr.Seq,
		Op:     p.op,
		Handle: p.h,
		Err:    err,
	}
	if p.class != nil {
		pe.Class = p.class.ID
	}
	return pe
}

func (p *pass) step(dec *protocol.Decoder) error {
	p.class, p.op, p.h = nil, 0, handle.Null
	tok, err := dec.ReadToken()
	if err != nil {
		return truncated(err)
	}

	switch tok {
	case protocol.TokenDoNothing:
		return nil

	case protocol.TokenEvent:
		rec, err := protocol.DecodeEventFrom(dec)
		if err != nil {
			return truncated(err)
		}
		if !p.shadow {
			p.events = append(p.events, &Event{
				Code:   rec.Code,
				Sender: p.ref(handle.Handle(rec.Sender)),
				Target: p.ref(handle.Handle(rec.Target)),
				Time:   rec.Time,
				Data:   rec.Data,
				Source: p.src.Name,
			})
		}
		return nil

	case protocol.TokenRemap:
		rec, err := protocol.DecodeRemapFrom(dec)
		if err != nil {
			return truncated(err)
		}
		if !p.shadow {
			p.src.Tr.Apply(*rec)
		}
		return nil

	case protocol.TokenConnect:
		rec, err := protocol.DecodeConnectFrom(dec)
		if err != nil {
			return truncated(err)
		}
		if !p.shadow {
			p.m.connect(p.src, rec)
		}
		return nil
	}

	if tok.IsFraming() {
		return fmt.Errorf("%w: %v inside a packet", protocol.ErrUnexpectedToken, tok)
	}
	return p.object(tok, dec)
}

func (p *pass) object(tok protocol.Token, dec *protocol.Decoder) error {
	class, ok := p.m.registry.Lookup(tok.ClassID())
	if !ok {
		return fmt.Errorf("%w: %#04x", protocol.ErrUnknownClass, tok.ClassID())
	}
	op := Op(tok.Op())
	p.class, p.op = class, op
	if !class.Owns(op) {
		return fmt.Errorf("%w: op %d outside %s [1,%d)", protocol.ErrUnknownOpcode, op, class, class.NextOp())
	}

	raw, err := dec.ReadUint32()
	if err != nil {
		return truncated(err)
	}
	h := handle.Handle(raw)
	p.h = h
	if err := p.m.limits.CheckHandle(raw); err != nil {
		return err
	}
	if h == handle.Null {
		return ErrNullTarget
	}

	obj, err := p.resolve(class, h, op)
	if err != nil || obj == nil {
		return err
	}

	switch op {
	case OpCreate:
		return nil

	case OpDelete:
		if p.shadow {
			delete(p.staged, h)
		} else {
			p.m.deleteObject(p.src, obj)
		}
		return nil

	case OpSetName:
		name, err := dec.ReadString()
		if err != nil {
			return truncated(err)
		}
		if n, ok := obj.(Named); ok {
			n.SetName(name)
		}
		if !p.shadow && name != "" {
			p.m.names.Define(name, obj)
		}
		return nil

	case OpSetFlags:
		flags, err := dec.ReadUint32()
		if err != nil {
			return truncated(err)
		}
		if f, ok := obj.(Flagged); ok {
			f.SetFlags(flags)
		}
		return nil
	}

	r := &Reader{dec: dec, p: p, obj: obj}
	handled, err := obj.Decode(r, op)
	if err != nil {
		return truncated(err)
	}
	if !handled {
		return fmt.Errorf("%w: %s does not handle op %d", protocol.ErrUnknownOpcode, class, op)
	}
	return nil
}

// resolve returns the object an op applies to, constructing it when the
// handle is unresolved. It returns nil for the delete of an unknown object.
func (p *pass) resolve(class *Class, h handle.Handle, op Op) (Object, error) {
	if p.shadow {
		if obj, ok := p.staged[h]; ok {
			if !p.m.isA(obj, class) {
				return nil, fmt.Errorf("%w: handle %d holds %T", ErrClassMismatch, h, obj)
			}
			return obj, nil
		}
	}

	cur := p.lookup(h, op)
	if cur != nil && !p.m.isA(cur, class) {
		if op != OpCreate {
			return nil, fmt.Errorf("%w: handle %d holds %T", ErrClassMismatch, h, cur)
		}
		cur = nil
	}
	if cur == nil && op == OpDelete {
		return nil, nil
	}

	if p.shadow {
		obj := class.New()
		p.staged[h] = obj
		return obj, nil
	}
	if cur != nil {
		return cur, nil
	}

	obj := class.New()
	local, err := p.src.Tr.Bind(h, obj)
	if err != nil {
		return nil, err
	}
	p.created = append(p.created, local)
	p.m.recorder.ObjectCreated(class.Name)
	return obj, nil
}

// lookup finds the live object a remote handle names. A create from a peer
// names a new object unless the handle was already bound for that peer.
func (p *pass) lookup(h handle.Handle, op Op) Object {
	if local, ok := p.src.Tr.Known(h); ok {
		return p.m.Get(local)
	}
	if op == OpCreate && !p.src.Shared {
		return nil
	}
	return p.m.Get(h)
}

// ref resolves an object reference read from the stream.
func (p *pass) ref(h handle.Handle) Object {
	if h == handle.Null {
		return nil
	}
	if p.shadow {
		if obj, ok := p.staged[h]; ok {
			return obj
		}
	}
	return p.m.Get(p.src.Tr.Lookup(h))
}

// rollback detaches objects the failed pass created.
func (p *pass) rollback() {
	for _, h := range p.created {
		if obj := p.m.Get(h); obj != nil {
			p.m.Detach(obj)
			p.src.Tr.Forget(h)
		}
	}
	p.created = nil
	p.events = nil
}

// commit dispatches the events the packet carried.
func (p *pass) commit() int {
	for _, ev := range p.events {
		p.m.Dispatch(ev)
	}
	return len(p.events)
}

func (m *Messenger) isA(obj Object, class *Class) bool {
	c, ok := m.classOf(obj)
	return ok && c.IsA(class.ID)
}

func (m *Messenger) deleteObject(src *Source, obj Object) {
	h := m.Detach(obj)
	src.Tr.Forget(h)
	if d, ok := obj.(Deleter); ok {
		d.OnDelete()
	}
}

// connect binds the object the remote calls rec.Name to the remote handle.
func (m *Messenger) connect(src *Source, rec *protocol.ConnectRecord) {
	obj := m.Find(rec.Name)
	if obj == nil {
		m.logger.Warn("connect to unknown name", "source", src.Name, "name", rec.Name)
		return
	}
	remote := handle.Handle(rec.Handle)
	local := m.table.HandleOf(obj)
	switch {
	case local == remote:
	case local == handle.Null:
		if _, err := src.Tr.Bind(remote, obj); err != nil {
			m.logger.Warn("connect failed", "source", src.Name, "name", rec.Name, "error", err)
		}
	case src.Shared && m.table.Get(remote) == nil:
		if err := m.table.Change(local, remote); err != nil {
			m.logger.Warn("connect failed", "source", src.Name, "name", rec.Name, "error", err)
		}
	default:
		src.Tr.Set(remote, local)
	}
	if strings.EqualFold(rec.Name, SceneName) {
		src.streamID = rec.Handle
	}
}

// Load reads r to the end and applies it as a shared stream.
func (m *Messenger) Load(ctx context.Context, r io.Reader) (LoadStats, error) {
	name := "stream"
	if n, ok := r.(interface{ Name() string }); ok {
		name = n.Name()
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return LoadStats{}, fmt.Errorf("messenger: read %s: %w", name, err)
	}
	return m.Apply(ctx, m.NewSource(name, true), data)
}

// LoadFile applies the recording at path.
func (m *Messenger) LoadFile(ctx context.Context, path string) (LoadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return LoadStats{}, err
	}
	defer f.Close()
	return m.Load(ctx, f)
}

// ReadFrom implements io.ReaderFrom.
func (m *Messenger) ReadFrom(r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return int64(len(data)), err
	}
	_, err = m.Apply(context.Background(), m.NewSource("stream", true), data)
	return int64(len(data)), err
}
