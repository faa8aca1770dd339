// Package messenger serializes a graph of shared objects into the scenesync
// wire format and applies such streams back onto a handle table.
//
// A Messenger owns the handle table, the name table, the class registry and
// the observers of one process. Writers encode operations; Load and Apply
// decode them. Packets are applied atomically: every operation of a packet
// is first decoded against throwaway instances and only a packet that
// decodes cleanly touches live objects.
package messenger

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/scenesync/pkg/handle"
	"github.com/vango-dev/scenesync/pkg/names"
	"github.com/vango-dev/scenesync/pkg/protocol"
)

// Recorder receives codec statistics. telemetry.Metrics implements it.
type Recorder interface {
	PacketApplied(source string, bytes int)
	PacketRejected(source string, err error)
	ObjectCreated(class string)
}

type nopRecorder struct{}

func (nopRecorder) PacketApplied(string, int)    {}
func (nopRecorder) PacketRejected(string, error) {}
func (nopRecorder) ObjectCreated(string)         {}

// Messenger is the codec context of one process.
type Messenger struct {
	table    *handle.Table
	names    *names.Table
	registry *Registry
	obs      *Observers
	limits   *protocol.Limits
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
	vecSize  int
	epoch    time.Time

	streamID   atomic.Uint32
	nextStream atomic.Uint32

	mu         sync.Mutex
	pending    []Object
	pendingSet map[Object]bool

	hookMu   sync.RWMutex
	onError  []func(error)
	onEvent  []func(*Event)
	onDelete []func(handle.Handle, Object)
}

// Option configures a Messenger.
type Option func(*Messenger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Messenger) {
		m.logger = logger
	}
}

// WithRegistry shares a class registry between messengers.
func WithRegistry(r *Registry) Option {
	return func(m *Messenger) {
		m.registry = r
	}
}

// WithLimits bounds what readers accept.
func WithLimits(l *protocol.Limits) Option {
	return func(m *Messenger) {
		m.limits = l
	}
}

// WithVecSize sets the vector width of new writers (3 or 4).
func WithVecSize(n int) Option {
	return func(m *Messenger) {
		if n == 3 || n == 4 {
			m.vecSize = n
		}
	}
}

// WithRecorder reports codec statistics to r.
func WithRecorder(r Recorder) Option {
	return func(m *Messenger) {
		m.recorder = r
	}
}

// WithTracer sets the tracer used for packet application spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Messenger) {
		m.tracer = t
	}
}

// WithErrorHandler registers fn for rejected packets.
func WithErrorHandler(fn func(error)) Option {
	return func(m *Messenger) {
		m.onError = append(m.onError, fn)
	}
}

// New creates a messenger with an empty handle table.
func New(opts ...Option) *Messenger {
	m := &Messenger{
		table:      handle.NewTable(),
		names:      names.NewTable(),
		obs:        NewObservers(),
		limits:     protocol.DefaultLimits(),
		recorder:   nopRecorder{},
		vecSize:    protocol.DefaultVecSize,
		epoch:      time.Now(),
		pendingSet: make(map[Object]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("github.com/vango-dev/scenesync/pkg/messenger")
	}
	m.logger = m.logger.With("component", "messenger")
	return m
}

// Table returns the handle table.
func (m *Messenger) Table() *handle.Table { return m.table }

// Names returns the name table.
func (m *Messenger) Names() *names.Table { return m.names }

// Registry returns the class registry.
func (m *Messenger) Registry() *Registry { return m.registry }

// Logger returns the messenger's logger.
func (m *Messenger) Logger() *slog.Logger { return m.logger }

// VecSize returns the default vector width.
func (m *Messenger) VecSize() int { return m.vecSize }

// StreamID returns the id this process announces to peers.
func (m *Messenger) StreamID() uint32 { return m.streamID.Load() }

// SetStreamID sets the id this process announces to peers.
func (m *Messenger) SetStreamID(id uint32) { m.streamID.Store(id) }

// Attach binds obj to a handle, allocating one if it has none.
func (m *Messenger) Attach(obj Object) (handle.Handle, error) {
	return m.table.Attach(obj, handle.Null)
}

// AttachAll attaches obj and everything reachable through its references.
// It returns the number of objects visited.
func (m *Messenger) AttachAll(obj Object) (int, error) {
	var order []Object
	collect(obj, make(map[Object]bool), &order)
	for _, o := range order {
		if _, err := m.Attach(o); err != nil {
			return 0, err
		}
	}
	return len(order), nil
}

// Get returns the object bound to h.
func (m *Messenger) Get(h handle.Handle) Object {
	obj, _ := m.table.Get(h).(Object)
	return obj
}

// HandleOf returns obj's handle, or handle.Null.
func (m *Messenger) HandleOf(obj Object) handle.Handle {
	return m.table.HandleOf(obj)
}

// Find returns the object defined under name.
func (m *Messenger) Find(name string) Object {
	obj, _ := m.names.Find(name).(Object)
	return obj
}

// Define names obj.
func (m *Messenger) Define(name string, obj Object) {
	m.names.Define(name, obj)
}

// Detach removes obj from the handle and name tables.
func (m *Messenger) Detach(obj Object) handle.Handle {
	h := m.table.Detach(obj)
	if h == handle.Null {
		return h
	}
	m.names.RemoveObject(obj)
	m.hookMu.RLock()
	hooks := m.onDelete
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(h, obj)
	}
	return h
}

// OnError registers fn for rejected packets.
func (m *Messenger) OnError(fn func(error)) {
	m.hookMu.Lock()
	m.onError = append(m.onError, fn)
	m.hookMu.Unlock()
}

// OnEvent registers fn for every applied event, after observers ran.
func (m *Messenger) OnEvent(fn func(*Event)) {
	m.hookMu.Lock()
	m.onEvent = append(m.onEvent, fn)
	m.hookMu.Unlock()
}

// OnDelete registers fn for every object detached from the table.
func (m *Messenger) OnDelete(fn func(handle.Handle, Object)) {
	m.hookMu.Lock()
	m.onDelete = append(m.onDelete, fn)
	m.hookMu.Unlock()
}

func (m *Messenger) reportError(err error) {
	m.hookMu.RLock()
	hooks := m.onError
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(err)
	}
}

func (m *Messenger) clock() uint32 {
	return uint32(time.Since(m.epoch) / time.Millisecond)
}

// classOf returns the registered class of obj.
func (m *Messenger) classOf(obj Object) (*Class, bool) {
	return m.registry.Lookup(obj.ClassID())
}
