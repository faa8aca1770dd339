// Package syncer keeps one object graph consistent across up to MaxHosts
// peers.
//
// Every peer numbers the objects it creates from its own handle table, so a
// handle is only meaningful together with the peer that sent it. Each
// connection carries a messenger.Source whose Translation maps the peer's
// handles onto the local table. When a peer announces an object under a
// handle that is already taken here, the object gets a fresh local handle
// and a Remap record tells the peer which number we use, so that its later
// references resolve without another round trip.
//
// Frames are driven by the owner: Sync sends the frame's batch to every
// peer, Load applies whatever the peers sent since the last call. Peers are
// loaded in ascending connection index, so when two peers announce the same
// handle in one frame the lower index keeps it.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/scenesync/pkg/bufmess"
	"github.com/vango-dev/scenesync/pkg/handle"
	"github.com/vango-dev/scenesync/pkg/link"
	"github.com/vango-dev/scenesync/pkg/messenger"
	"github.com/vango-dev/scenesync/pkg/protocol"
)

// Synchronizer errors.
var (
	ErrFull         = errors.New("syncer: no free peer slot")
	ErrNoArbitrator = errors.New("syncer: no reachable peer")
	ErrSendFailed   = errors.New("syncer: send failed")
	ErrUnknownPeer  = errors.New("syncer: unknown peer")
	ErrHandshake    = errors.New("syncer: handshake failed")
)

// Recorder receives synchronizer statistics. telemetry.Metrics implements
// it.
type Recorder interface {
	PeersOpen(n int)
	RemapSent(ack bool)
	SendFailed(host string)
	FrameSynced(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) PeersOpen(int)             {}
func (nopRecorder) RemapSent(bool)            {}
func (nopRecorder) SendFailed(string)         {}
func (nopRecorder) FrameSynced(time.Duration) {}

// Synchronizer owns the peer connections of one process.
type Synchronizer struct {
	m        *messenger.Messenger
	host     string
	timeout  time.Duration
	limit    int
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer

	mu    sync.RWMutex
	conns [MaxHosts]*Conn
	frame uint32

	allClients PeerSet // open connections
	syncFlags  PeerSet // peers that received the current frame
	syncAll    PeerSet // peers still owed the current frame
	sendAll    PeerSet // peers that receive frames
	sendAgain  PeerSet // peers whose last send failed
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithHost sets the host name sent in the handshake.
func WithHost(name string) Option {
	return func(s *Synchronizer) {
		s.host = name
	}
}

// WithHandshakeTimeout bounds the Hello/Welcome exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		s.timeout = d
	}
}

// WithMaxPeers caps the number of peer slots below MaxHosts.
func WithMaxPeers(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 && n < MaxHosts {
			s.limit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// WithRecorder reports statistics to r.
func WithRecorder(r Recorder) Option {
	return func(s *Synchronizer) {
		s.recorder = r
	}
}

// WithTracer sets the tracer for frame spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Synchronizer) {
		s.tracer = t
	}
}

// New creates a synchronizer for m.
func New(m *messenger.Messenger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		m:        m,
		host:     "scenesync",
		timeout:  10 * time.Second,
		limit:    MaxHosts,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "syncer")
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/vango-dev/scenesync/pkg/syncer")
	}

	// A deleted object takes its translations with it.
	m.OnDelete(func(h handle.Handle, _ messenger.Object) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, c := range s.conns {
			if c != nil && c.src != nil {
				c.src.Tr.Forget(h)
			}
		}
	})
	return s
}

// Messenger returns the messenger peers are applied to.
func (s *Synchronizer) Messenger() *messenger.Messenger { return s.m }

// Host returns the local host name.
func (s *Synchronizer) Host() string { return s.host }

// Frame returns the number of frames sent.
func (s *Synchronizer) Frame() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame
}

// AllClients returns the open connections.
func (s *Synchronizer) AllClients() PeerSet { return s.peerSet(&s.allClients) }

// SyncFlags returns the peers that received the last frame.
func (s *Synchronizer) SyncFlags() PeerSet { return s.peerSet(&s.syncFlags) }

// SyncAll returns the peers still owed the last frame.
func (s *Synchronizer) SyncAll() PeerSet { return s.peerSet(&s.syncAll) }

// SendAll returns the peers that receive frames.
func (s *Synchronizer) SendAll() PeerSet { return s.peerSet(&s.sendAll) }

// SendAgain returns the peers whose last send failed.
func (s *Synchronizer) SendAgain() PeerSet { return s.peerSet(&s.sendAgain) }

func (s *Synchronizer) peerSet(p *PeerSet) PeerSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *p
}

// SetSendAll chooses which open peers receive frames. Peers left out still
// load.
func (s *Synchronizer) SetSendAll(peers PeerSet) {
	s.mu.Lock()
	s.sendAll = peers.Intersect(s.allClients)
	s.mu.Unlock()
}

// Conn returns the connection at index i, or nil.
func (s *Synchronizer) Conn(i int) *Conn {
	if i < 0 || i >= MaxHosts {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[i]
}

// Conns returns the open connections in index order.
func (s *Synchronizer) Conns() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conn, 0, s.allClients.Len())
	s.allClients.Each(func(i int) bool {
		out = append(out, s.conns[i])
		return true
	})
	return out
}

// Connect runs the dialing side of the handshake over l and adds the peer.
func (s *Synchronizer) Connect(ctx context.Context, l link.Link) (*Conn, error) {
	return s.add(ctx, l, true)
}

// Accept runs the accepting side of the handshake over l and adds the peer.
func (s *Synchronizer) Accept(ctx context.Context, l link.Link) (*Conn, error) {
	return s.add(ctx, l, false)
}

func (s *Synchronizer) add(ctx context.Context, l link.Link, dialer bool) (*Conn, error) {
	s.mu.Lock()
	idx := -1
	for i, c := range s.conns[:s.limit] {
		if c == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		if !dialer {
			s.sendWelcome(ctx, l, protocol.HandshakeServerBusy)
		}
		l.Close()
		return nil, ErrFull
	}
	c := newConn(idx, l, s.logger)
	s.conns[idx] = c
	s.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var err error
	if dialer {
		err = s.hello(hctx, c)
	} else {
		err = s.welcome(hctx, c)
	}
	if err != nil {
		s.mu.Lock()
		s.conns[idx] = nil
		s.mu.Unlock()
		c.close()
		s.logger.Warn("handshake failed", "remote", l.RemoteAddr(), "error", err)
		return nil, err
	}

	c.src = s.m.NewSource("peer:"+c.host, false)
	c.src.Tr.Mask = uint32(1) << uint(idx)
	c.src.Tr.OnRemap = func(rec protocol.RemapRecord) {
		c.queueControl(rec)
		s.recorder.RemapSent(rec.Mask&messenger.RemapAck != 0)
	}

	// The peer learns our vector width from the first frame.
	e := protocol.NewEncoder()
	protocol.EncodeVersionTo(e, &protocol.VersionRecord{Version: protocol.CurrentVersion, VecSize: uint32(s.m.VecSize())})
	c.outbox = append(c.outbox, e.Bytes())

	s.mu.Lock()
	s.allClients.Add(idx)
	s.sendAll.Add(idx)
	open := s.allClients.Len()
	s.mu.Unlock()

	c.setState(StateOpen)
	s.recorder.PeersOpen(open)
	go c.recvLoop()
	return c, nil
}

func (s *Synchronizer) hello(ctx context.Context, c *Conn) error {
	hello := &protocol.Hello{
		Version:  protocol.CurrentVersion,
		VecSize:  uint8(s.m.VecSize()),
		Host:     s.host,
		StreamID: s.m.StreamID(),
	}
	if err := c.send(ctx, protocol.FrameHandshake, protocol.EncodeHello(hello)); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	f, err := c.link.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	switch f.Type {
	case protocol.FrameHandshake:
	case protocol.FrameError:
		if em, err := protocol.DecodeErrorMessage(f.Payload); err == nil {
			return fmt.Errorf("%w: %w", ErrHandshake, em)
		}
		return fmt.Errorf("%w: undecodable error frame", ErrHandshake)
	default:
		return fmt.Errorf("%w: %w: got %s frame", ErrHandshake, protocol.ErrInvalidHandshake, f.Type)
	}

	w, err := protocol.DecodeWelcome(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	switch w.Status {
	case protocol.HandshakeOK:
	case protocol.HandshakeVersionMismatch:
		return fmt.Errorf("%w: peer speaks %d, want %d", protocol.ErrProtocolMismatch, w.Version, protocol.CurrentVersion)
	case protocol.HandshakeServerBusy:
		return ErrFull
	default:
		return fmt.Errorf("%w: %s", ErrHandshake, w.Status)
	}
	c.host = w.Host
	c.peer = w.StreamID
	return nil
}

func (s *Synchronizer) welcome(ctx context.Context, c *Conn) error {
	f, err := c.link.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if f.Type != protocol.FrameHandshake {
		s.sendWelcome(ctx, c.link, protocol.HandshakeInvalidFormat)
		return fmt.Errorf("%w: %w: got %s frame", ErrHandshake, protocol.ErrInvalidHandshake, f.Type)
	}
	hello, err := protocol.DecodeHello(f.Payload)
	if err != nil {
		s.sendWelcome(ctx, c.link, protocol.HandshakeInvalidFormat)
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	status := protocol.CheckHello(hello)
	s.sendWelcome(ctx, c.link, status)
	switch status {
	case protocol.HandshakeOK:
	case protocol.HandshakeVersionMismatch:
		msg := fmt.Sprintf("version %d, want %d", hello.Version, protocol.CurrentVersion)
		em := protocol.NewFatalError(protocol.ErrCodeProtocolMismatch, msg)
		c.send(ctx, protocol.FrameError, protocol.EncodeErrorMessage(em))
		return fmt.Errorf("%w: %s", protocol.ErrProtocolMismatch, msg)
	default:
		return fmt.Errorf("%w: %s", ErrHandshake, status)
	}
	c.host = hello.Host
	c.peer = hello.StreamID
	return nil
}

func (s *Synchronizer) sendWelcome(ctx context.Context, l link.Link, status protocol.HandshakeStatus) {
	w := &protocol.Welcome{
		Status:   status,
		Version:  protocol.CurrentVersion,
		Host:     s.host,
		StreamID: s.m.StreamID(),
	}
	if err := l.Send(ctx, protocol.NewFrame(protocol.FrameHandshake, protocol.EncodeWelcome(w))); err != nil {
		s.logger.Debug("welcome not sent", "remote", l.RemoteAddr(), "error", err)
	}
}

// Sync sends pending control records and batch to every peer in SendAll.
// A peer whose send fails keeps the unsent rest and gets it again, ahead of
// the next frame's batch, on the next Sync. The returned error joins the
// per-peer failures.
func (s *Synchronizer) Sync(ctx context.Context, batch [][]byte) error {
	ctx, span := s.tracer.Start(ctx, "syncer.Sync")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	s.frame++
	frame := s.frame
	targets := s.sendAll.Intersect(s.allClients)
	s.syncAll = targets
	s.syncFlags = PeerSet{}
	conns := s.conns
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int64("scenesync.frame", int64(frame)),
		attribute.Int("scenesync.peers", targets.Len()),
	)

	var errs []error
	targets.Each(func(i int) bool {
		c := conns[i]
		resend := s.SendAgain().Has(i)

		c.setState(StateSyncing)
		c.enqueue(frame, batch)
		err := c.flush(ctx, resend)
		c.state.CompareAndSwap(int32(StateSyncing), int32(StateOpen))

		s.mu.Lock()
		if err != nil {
			s.sendAgain.Add(i)
		} else {
			s.sendAgain.Remove(i)
			s.syncAll.Remove(i)
			s.syncFlags.Add(i)
		}
		s.mu.Unlock()

		if err != nil {
			s.recorder.SendFailed(c.host)
			s.logger.Debug("send failed, retrying next frame", "peer", i, "host", c.host, "pending", c.Outbox(), "error", err)
			errs = append(errs, fmt.Errorf("peer %d (%s): %w", i, c.host, err))
		}
		return true
	})

	s.recorder.FrameSynced(time.Since(start))
	if len(errs) > 0 {
		err := fmt.Errorf("%w: %w", ErrSendFailed, errors.Join(errs...))
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return err
	}
	return nil
}

// Pump drains the transport's forwarded buffers and sends them as this
// frame's batch.
func (s *Synchronizer) Pump(ctx context.Context, t *bufmess.Transport) error {
	var batch [][]byte
	if _, err := t.Drain(func(b *bufmess.Buffer) error {
		batch = append(batch, append([]byte(nil), b.Bytes()...))
		return nil
	}); err != nil {
		return err
	}
	return s.Sync(ctx, batch)
}

// Arbitrator returns the open peer with the lowest connection index, or
// nil.
func (s *Synchronizer) Arbitrator() *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.allClients.First(); i >= 0 {
		return s.conns[i]
	}
	return nil
}

// SendToArbitrator sends batch, and nothing else, to the first open peer in
// connection index order that accepts it. That peer is returned.
func (s *Synchronizer) SendToArbitrator(ctx context.Context, batch [][]byte) (*Conn, error) {
	var lastErr error
	for _, c := range s.Conns() {
		if c.State() != StateOpen {
			continue
		}
		err := c.sendBatch(ctx, batch)
		if err == nil {
			return c, nil
		}
		s.recorder.SendFailed(c.host)
		s.logger.Debug("arbitrator unreachable", "peer", c.index, "host", c.host, "error", err)
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoArbitrator, lastErr)
	}
	return nil, ErrNoArbitrator
}

// Load applies everything the open peers sent since the last call, in
// ascending connection index. Peers whose link failed are removed.
func (s *Synchronizer) Load(ctx context.Context) (messenger.LoadStats, error) {
	ctx, span := s.tracer.Start(ctx, "syncer.Load")
	defer span.End()

	var total messenger.LoadStats
	for _, c := range s.Conns() {
		st := s.loadConn(ctx, c)
		total.Packets += st.Packets
		total.Rejected += st.Rejected
		total.Events += st.Events
		total.Syncs += st.Syncs
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	span.SetAttributes(
		attribute.Int("scenesync.packets", total.Packets),
		attribute.Int("scenesync.rejected", total.Rejected),
	)
	return total, nil
}

func (s *Synchronizer) loadConn(ctx context.Context, c *Conn) messenger.LoadStats {
	var total messenger.LoadStats
	for {
		var in inbound
		select {
		case in = <-c.inbox:
		default:
			return total
		}
		if in.err != nil {
			s.drop(c, in.err)
			return total
		}

		f := in.frame
		switch f.Type {
		case protocol.FramePackets:
			st, err := s.m.Apply(ctx, c.src, f.Payload)
			total.Packets += st.Packets
			total.Rejected += st.Rejected
			total.Events += st.Events
			total.Syncs += st.Syncs
			if errors.Is(err, protocol.ErrProtocolMismatch) {
				em := protocol.NewFatalError(protocol.ErrCodeProtocolMismatch, err.Error())
				c.send(ctx, protocol.FrameError, protocol.EncodeErrorMessage(em))
				s.drop(c, err)
				return total
			}
			if err != nil {
				s.logger.Warn("peer stream error", "peer", c.index, "host", c.host, "error", err)
			}
			if c.src.Exited() {
				s.drop(c, nil)
				return total
			}

		case protocol.FrameControl:
			ctl, err := protocol.DecodeControl(f.Payload)
			if err != nil {
				s.logger.Warn("control decode error", "peer", c.index, "error", err)
				continue
			}
			switch ctl.Type {
			case protocol.ControlPing:
				c.send(ctx, protocol.FrameControl, protocol.EncodeControl(ctl.Pong(s.Frame())))
			case protocol.ControlPong:
				rtt := time.Since(time.UnixMilli(int64(ctl.Timestamp)))
				c.rtt.Store(int64(rtt))
				c.peerFrame.Store(ctl.Frame)
				s.logger.Debug("pong", "peer", c.index, "rtt", rtt, "frame", ctl.Frame)
			case protocol.ControlClose:
				s.logger.Info("peer closing", "peer", c.index, "host", c.host, "reason", ctl.Reason.String(), "message", ctl.Message)
				s.drop(c, nil)
				return total
			}

		case protocol.FrameError:
			em, err := protocol.DecodeErrorMessage(f.Payload)
			if err != nil {
				s.logger.Warn("error frame decode error", "peer", c.index, "error", err)
				continue
			}
			s.logger.Warn("peer reported error", "peer", c.index, "code", em.Code.String(), "message", em.Message)
			if em.IsFatal() {
				s.drop(c, em)
				return total
			}

		default:
			s.logger.Warn("unexpected frame", "peer", c.index, "type", f.Type.String())
		}
	}
}

// Ping sends a ping to every open peer. Answers are read by Load and
// reported through Conn.RTT.
func (s *Synchronizer) Ping(ctx context.Context) error {
	payload := protocol.EncodeControl(protocol.Ping(uint64(time.Now().UnixMilli()), s.Frame()))
	var errs []error
	for _, c := range s.Conns() {
		if c.State() != StateOpen {
			continue
		}
		if err := c.send(ctx, protocol.FrameControl, payload); err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", c.index, err))
		}
	}
	return errors.Join(errs...)
}

// Remove says goodbye to a peer and closes its connection.
func (s *Synchronizer) Remove(ctx context.Context, c *Conn) error {
	if s.Conn(c.index) != c {
		return ErrUnknownPeer
	}
	c.send(ctx, protocol.FrameControl, protocol.EncodeControl(protocol.Close(protocol.CloseNormal, "")))
	s.drop(c, nil)
	return nil
}

func (s *Synchronizer) drop(c *Conn, reason error) {
	s.mu.Lock()
	if s.conns[c.index] == c {
		s.conns[c.index] = nil
	}
	s.allClients.Remove(c.index)
	s.sendAll.Remove(c.index)
	s.syncAll.Remove(c.index)
	s.syncFlags.Remove(c.index)
	s.sendAgain.Remove(c.index)
	open := s.allClients.Len()
	s.mu.Unlock()

	c.close()
	s.recorder.PeersOpen(open)
	if reason != nil && !errors.Is(reason, link.ErrClosed) {
		s.logger.Warn("peer dropped", "peer", c.index, "host", c.host, "error", reason)
	}
}

// Close removes every peer.
func (s *Synchronizer) Close(ctx context.Context) error {
	for _, c := range s.Conns() {
		s.Remove(ctx, c)
	}
	return nil
}

// LookupHandle returns the local handle that one of peers means by h. Peers
// are asked in index order; an explicit translation wins, otherwise h is
// taken as-is.
func (s *Synchronizer) LookupHandle(h handle.Handle, peers PeerSet) handle.Handle {
	if h == handle.Null {
		return handle.Null
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	local := h
	peers.Each(func(i int) bool {
		c := s.conns[i]
		if c == nil || c.src == nil {
			return true
		}
		if l, ok := c.src.Tr.Known(h); ok {
			local = l
			return false
		}
		return true
	})
	return local
}

// Resolve returns the local object that peer means by h.
func (s *Synchronizer) Resolve(peer int, h handle.Handle) messenger.Object {
	return s.m.Get(s.LookupHandle(h, Peers(peer)))
}
