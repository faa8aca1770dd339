package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/scenesync/pkg/link"
	"github.com/vango-dev/scenesync/pkg/messenger"
	"github.com/vango-dev/scenesync/pkg/protocol"
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateSyncing
	StateClosing
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateSyncing:
		return "syncing"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// inbound is a frame or the error that ended the receive loop.
type inbound struct {
	frame *protocol.Frame
	err   error
}

// Conn is one peer of a Synchronizer.
type Conn struct {
	index  int
	link   link.Link
	src    *messenger.Source
	logger *slog.Logger

	state atomic.Int32
	host  string
	peer  uint32 // stream id the peer announced

	rtt       atomic.Int64
	peerFrame atomic.Uint32

	mu       sync.Mutex
	controls []protocol.RemapRecord
	outbox   [][]byte

	inbox     chan inbound
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(index int, l link.Link, logger *slog.Logger) *Conn {
	c := &Conn{
		index:  index,
		link:   l,
		logger: logger.With("peer", index, "remote", l.RemoteAddr()),
		inbox:  make(chan inbound, 64),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// Index returns the connection slot, which is also the peer's bit in every
// PeerSet.
func (c *Conn) Index() int { return c.index }

// Host returns the host name the peer announced.
func (c *Conn) Host() string { return c.host }

// StreamID returns the stream id the peer announced.
func (c *Conn) StreamID() uint32 { return c.peer }

// State returns the current state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Source returns the reading state of the peer's stream, including its
// handle translation.
func (c *Conn) Source() *messenger.Source { return c.src }

// RTT returns the round trip measured by the last pong, or zero.
func (c *Conn) RTT() time.Duration { return time.Duration(c.rtt.Load()) }

// PeerFrame returns the frame number the peer reported in its last pong.
func (c *Conn) PeerFrame() uint32 { return c.peerFrame.Load() }

// RemoteAddr describes the other end.
func (c *Conn) RemoteAddr() string { return c.link.RemoteAddr() }

func (c *Conn) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	if s == StateSyncing || prev == StateSyncing {
		c.logger.Debug("peer state", "from", prev.String(), "to", s.String())
		return
	}
	c.logger.Info("peer state", "from", prev.String(), "to", s.String())
}

// queueControl stores a remap record for the next frame.
func (c *Conn) queueControl(rec protocol.RemapRecord) {
	c.mu.Lock()
	c.controls = append(c.controls, rec)
	c.mu.Unlock()
}

// Controls returns the number of control records waiting to be sent.
func (c *Conn) Controls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.controls)
}

// Inbound returns the number of received frames waiting for Load.
func (c *Conn) Inbound() int { return len(c.inbox) }

// Outbox returns the number of payloads waiting to be sent.
func (c *Conn) Outbox() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// enqueue appends this frame's payloads after anything left over from a
// failed send. Control records go first.
func (c *Conn) enqueue(frame uint32, batch [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.controls) > 0 {
		e := protocol.NewEncoder()
		for i := range c.controls {
			protocol.EncodeRemapTo(e, &c.controls[i])
		}
		c.outbox = append(c.outbox, e.Bytes())
		c.controls = c.controls[:0]
	}
	for _, b := range batch {
		if len(b) == 0 {
			continue
		}
		c.outbox = append(c.outbox, append([]byte(nil), b...))
	}
	e := protocol.NewEncoderWithCap(8)
	e.WriteToken(protocol.TokenSync)
	e.WriteUint32(frame)
	c.outbox = append(c.outbox, e.Bytes())
}

// flush sends the outbox in order. Sent payloads leave the outbox; on
// failure the rest stays for the next frame.
func (c *Conn) flush(ctx context.Context, resend bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.outbox) > 0 {
		var flags protocol.FrameFlags
		if len(c.outbox) == 1 {
			flags |= protocol.FlagFinal
		}
		if resend {
			flags |= protocol.FlagResend
		}
		payload := c.outbox[0]
		if len(payload) > protocol.MaxPayloadSize {
			c.outbox = c.outbox[1:]
			return fmt.Errorf("%w: %d bytes", protocol.ErrFrameTooLarge, len(payload))
		}
		if err := c.link.Send(ctx, protocol.NewFrameWithFlags(protocol.FramePackets, flags, payload)); err != nil {
			return err
		}
		c.outbox[0] = nil
		c.outbox = c.outbox[1:]
	}
	c.outbox = nil
	return nil
}

// sendBatch sends batch directly, bypassing the outbox.
func (c *Conn) sendBatch(ctx context.Context, batch [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range batch {
		var flags protocol.FrameFlags
		if i == len(batch)-1 {
			flags = protocol.FlagFinal
		}
		if err := c.link.Send(ctx, protocol.NewFrameWithFlags(protocol.FramePackets, flags, b)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) send(ctx context.Context, ft protocol.FrameType, payload []byte) error {
	return c.link.Send(ctx, protocol.NewFrame(ft, payload))
}

// recvLoop moves frames from the link into the inbox until the link fails
// or the connection closes.
func (c *Conn) recvLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		f, err := c.link.Recv(ctx)
		select {
		case c.inbox <- inbound{frame: f, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// close stops the receive loop and closes the link.
func (c *Conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.done)
		err = c.link.Close()
		c.setState(StateDisconnected)
	})
	return err
}
