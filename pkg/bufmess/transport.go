package bufmess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/scenesync/pkg/messenger"
)

// Transport errors.
var (
	ErrTransportExists = errors.New("bufmess: a transport is already open")
	ErrPacketTooLarge  = errors.New("bufmess: packet larger than a buffer")
	ErrClosed          = errors.New("bufmess: transport closed")
)

// Recorder receives transport statistics. telemetry.Metrics implements it.
type Recorder interface {
	BufferSealed(log string, bytes int)
	PoolWait(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) BufferSealed(string, int) {}
func (nopRecorder) PoolWait(time.Duration)   {}

// active is the open transport of the process.
var active atomic.Pointer[Transport]

// Transport is the process-wide buffer context.
type Transport struct {
	cfg      *Config
	m        *messenger.Messenger
	pool     *Pool
	ready    [NumLogs]chan *Buffer
	local    *messenger.Source
	logger   *slog.Logger
	recorder Recorder
	tee      func(LogType, []byte)
	closed   atomic.Bool

	loadMu  sync.Mutex
	fwdMu   sync.Mutex
	forward []*Buffer
}

// Option configures a Transport.
type Option func(*Transport)

// WithMessenger sets the messenger that local logs are applied to and that
// writers attach objects to.
func WithMessenger(m *messenger.Messenger) Option {
	return func(t *Transport) {
		t.m = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithRecorder reports transport statistics to r.
func WithRecorder(r Recorder) Option {
	return func(t *Transport) {
		t.recorder = r
	}
}

// WithTee passes a copy of every sealed buffer to fn before it is queued.
// fn runs on the sealing goroutine and must not retain data.
func WithTee(fn func(l LogType, data []byte)) Option {
	return func(t *Transport) {
		t.tee = fn
	}
}

// New opens the transport of the process. Only one transport may be open
// at a time; a second New fails with ErrTransportExists until the first is
// closed.
func New(cfg *Config, opts ...Option) (*Transport, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:      cfg,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "bufmess")
	if t.m == nil {
		t.m = messenger.New(messenger.WithLogger(t.logger))
	}

	if !active.CompareAndSwap(nil, t) {
		return nil, ErrTransportExists
	}

	t.pool = NewPool(cfg.PoolSize, cfg.BufferSize)
	t.pool.recorder = t.recorder
	for i := range t.ready {
		// A queue can never hold more buffers than exist.
		t.ready[i] = make(chan *Buffer, cfg.PoolSize)
	}
	t.local = t.m.NewSource("local", true)

	t.logger.Debug("transport opened", "buffers", cfg.PoolSize, "buffer_size", cfg.BufferSize)
	return t, nil
}

// Messenger returns the messenger the transport applies to.
func (t *Transport) Messenger() *messenger.Messenger { return t.m }

// Pool returns the buffer pool.
func (t *Transport) Pool() *Pool { return t.pool }

// Config returns a copy of the configuration.
func (t *Transport) Config() *Config { return t.cfg.Clone() }

// Local returns the reading state of locally applied logs.
func (t *Transport) Local() *messenger.Source { return t.local }

// Queued returns the number of sealed buffers waiting in log l.
func (t *Transport) Queued(l LogType) int {
	return len(t.ready[l])
}

func (t *Transport) seal(b *Buffer) {
	if b.Len() == 0 {
		b.Release()
		return
	}
	t.recorder.BufferSealed(b.Log.String(), b.Len())
	if t.tee != nil {
		t.tee(b.Log, b.Bytes())
	}
	t.ready[b.Log] <- b
}

// Load drains every ready queue in log order, each in seal order, applying
// the per-log policy: fast and update buffers are forwarded when
// SendUpdates is set and never applied here; event buffers are applied and
// forwarded when SendEvents is set; local buffers are applied and
// forwarded. Only one Load runs at a time.
func (t *Transport) Load(ctx context.Context) (messenger.LoadStats, error) {
	t.loadMu.Lock()
	defer t.loadMu.Unlock()

	var total messenger.LoadStats
	for l := LogType(0); int(l) < NumLogs; l++ {
		for n := len(t.ready[l]); n > 0; n-- {
			b := <-t.ready[l]

			apply, fwd := t.policy(l)
			if apply {
				st, err := t.m.Apply(ctx, t.local, b.Bytes())
				total.Packets += st.Packets
				total.Rejected += st.Rejected
				total.Events += st.Events
				if err != nil {
					t.logger.Warn("local buffer failed", "log", l.String(), "error", err)
				}
			}
			if fwd {
				t.fwdMu.Lock()
				t.forward = append(t.forward, b)
				t.fwdMu.Unlock()
				continue
			}
			b.Release()
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *Transport) policy(l LogType) (apply, forward bool) {
	switch l {
	case LogFast, LogUpdate:
		return false, t.cfg.SendUpdates
	case LogEvent:
		return true, t.cfg.SendEvents
	default:
		return true, true
	}
}

// Drain hands every forwarded buffer to fn in seal order and returns them
// to the pool. fn must copy what it keeps. If fn fails, the failing buffer
// and the rest stay queued for the next Drain.
func (t *Transport) Drain(fn func(*Buffer) error) (int, error) {
	t.fwdMu.Lock()
	defer t.fwdMu.Unlock()

	done := 0
	for _, b := range t.forward {
		if err := fn(b); err != nil {
			rest := copy(t.forward, t.forward[done:])
			t.forward = t.forward[:rest]
			return done, err
		}
		b.Release()
		done++
	}
	t.forward = t.forward[:0]
	return done, nil
}

// Forwarded returns the number of buffers waiting for Drain.
func (t *Transport) Forwarded() int {
	t.fwdMu.Lock()
	defer t.fwdMu.Unlock()
	return len(t.forward)
}

// Close applies the buffers sealed so far, wakes writers blocked on the
// pool and releases the process slot. Packets still held by open writers
// are lost.
func (t *Transport) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	defer active.CompareAndSwap(t, nil)

	t.pool.Close()
	st, err := t.Load(ctx)
	t.logger.Debug("transport closed", "packets", st.Packets, "rejected", st.Rejected)
	if err != nil {
		return fmt.Errorf("bufmess: close: %w", err)
	}
	return nil
}
