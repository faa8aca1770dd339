package bufmess

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/scenesync/pkg/handle"
)

// Pool errors.
var (
	ErrPoolClosed = errors.New("bufmess: pool closed")
	ErrDoublePut  = errors.New("bufmess: buffer returned twice")
)

// Buffer is a fixed-capacity run of complete packets. A buffer has exactly
// one owner at a time: the pool, a writer, a ready queue or a consumer.
type Buffer struct {
	// Log is the queue the buffer was sealed into.
	Log LogType

	// Creates lists handles of objects first saved in this buffer.
	Creates []handle.Handle

	data  []byte
	pool  *Pool
	owned atomic.Bool
}

// Bytes returns the packets in the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of bytes used.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Free returns the number of unused bytes.
func (b *Buffer) Free() int { return cap(b.data) - len(b.data) }

func (b *Buffer) append(p []byte) {
	b.data = append(b.data, p...)
}

// Release returns the buffer to its pool.
func (b *Buffer) Release() {
	b.pool.Put(b)
}

// Pool is a fixed set of equally sized buffers. Get blocks while every
// buffer is out, which is the only backpressure writers see.
type Pool struct {
	size  int
	count int
	free  chan *Buffer

	closeOnce sync.Once
	closed    chan struct{}

	waits    atomic.Int64
	recorder Recorder
}

// NewPool allocates count buffers of size bytes.
func NewPool(count, size int) *Pool {
	p := &Pool{
		size:     size,
		count:    count,
		free:     make(chan *Buffer, count),
		closed:   make(chan struct{}),
		recorder: nopRecorder{},
	}
	for i := 0; i < count; i++ {
		p.free <- &Buffer{data: make([]byte, 0, size), pool: p}
	}
	return p
}

// Get takes a buffer, waiting until one is free, ctx is done or the pool
// is closed.
func (p *Pool) Get(ctx context.Context) (*Buffer, error) {
	select {
	case b := <-p.free:
		return p.take(b), nil
	default:
	}

	p.waits.Add(1)
	start := time.Now()
	defer func() { p.recorder.PoolWait(time.Since(start)) }()

	select {
	case b := <-p.free:
		return p.take(b), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPoolClosed
	}
}

func (p *Pool) take(b *Buffer) *Buffer {
	b.owned.Store(true)
	return b
}

// Put returns b to the pool. Returning a buffer twice panics.
func (p *Pool) Put(b *Buffer) {
	if !b.owned.CompareAndSwap(true, false) {
		panic(ErrDoublePut)
	}
	b.data = b.data[:0]
	b.Creates = b.Creates[:0]
	b.Log = 0
	p.free <- b
}

// Close wakes every blocked Get with ErrPoolClosed.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// Size returns the capacity of each buffer.
func (p *Pool) Size() int { return p.size }

// Count returns the number of buffers.
func (p *Pool) Count() int { return p.count }

// Available returns the number of free buffers.
func (p *Pool) Available() int { return len(p.free) }

// Waits returns how many Get calls had to block.
func (p *Pool) Waits() int64 { return p.waits.Load() }
