package link

import (
	"context"
	"sync"

	"github.com/vango-dev/scenesync/pkg/protocol"
)

// pipeEnd is one side of an in-memory link.
type pipeEnd struct {
	name string
	in   chan *protocol.Frame
	out  chan *protocol.Frame

	// done is shared by both ends: closing either closes the pipe.
	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two connected in-memory links. Each direction buffers up to
// depth frames; Send blocks when the buffer is full.
func Pipe(depth int) (Link, Link) {
	ab := make(chan *protocol.Frame, depth)
	ba := make(chan *protocol.Frame, depth)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{name: "pipe:a", in: ba, out: ab, done: done, closeOnce: once}
	b := &pipeEnd{name: "pipe:b", in: ab, out: ba, done: done, closeOnce: once}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, f *protocol.Frame) error {
	// Copy the payload; callers reuse their buffers.
	cp := &protocol.Frame{Type: f.Type, Flags: f.Flags, Payload: append([]byte(nil), f.Payload...)}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- cp:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (*protocol.Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	default:
	}
	select {
	case f := <-p.in:
		return f, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *pipeEnd) RemoteAddr() string {
	if p.name == "pipe:a" {
		return "pipe:b"
	}
	return "pipe:a"
}
