// Package link carries protocol frames between two peers.
//
// A Link is message oriented: every Send delivers exactly one frame to the
// other side's Recv. Websocket links are used between processes; pipes
// connect peers inside one process.
package link

import (
	"context"
	"errors"
	"time"

	"github.com/vango-dev/scenesync/pkg/protocol"
)

// Link errors.
var (
	ErrClosed = errors.New("link: closed")
)

// Link is a bidirectional frame channel to one peer. Send and Recv may be
// called from different goroutines, but each from only one at a time.
type Link interface {
	// Send writes one frame.
	Send(ctx context.Context, f *protocol.Frame) error

	// Recv returns the next frame, blocking until one arrives, ctx is done
	// or the link closes.
	Recv(ctx context.Context) (*protocol.Frame, error)

	// Close closes the link. Pending Recv calls return ErrClosed.
	Close() error

	// RemoteAddr describes the other end.
	RemoteAddr() string
}

// Config holds link timing.
type Config struct {
	// WriteTimeout bounds a single frame write.
	// Default: 10s.
	WriteTimeout time.Duration

	// PingInterval is how often an idle websocket is pinged.
	// Default: 20s.
	PingInterval time.Duration

	// PongTimeout is how long a websocket may stay silent before it is
	// considered dead. Must exceed PingInterval.
	// Default: 60s.
	PongTimeout time.Duration

	// MaxFrameSize bounds an inbound message.
	// Default: frame header plus protocol.MaxPayloadSize.
	MaxFrameSize int64

	// HandshakeTimeout bounds the websocket opening handshake.
	// Default: 10s.
	HandshakeTimeout time.Duration

	// CheckOrigin validates the Origin header on upgrade. Nil accepts
	// same-origin requests only.
	CheckOrigin func(origin string) bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WriteTimeout:     10 * time.Second,
		PingInterval:     20 * time.Second,
		PongTimeout:      60 * time.Second,
		MaxFrameSize:     protocol.FrameHeaderSize + protocol.MaxPayloadSize,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// deadline returns the earlier of ctx's deadline and now+d.
func deadline(ctx context.Context, d time.Duration) time.Time {
	t := time.Now().Add(d)
	if dl, ok := ctx.Deadline(); ok && dl.Before(t) {
		return dl
	}
	return t
}
