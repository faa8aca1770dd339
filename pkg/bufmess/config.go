package bufmess

import (
	"fmt"

	"github.com/vango-dev/scenesync/pkg/protocol"
)

// Config holds transport configuration.
type Config struct {
	// BufferSize is the capacity of each pooled buffer in bytes. No packet
	// may be larger.
	// Default: 8192.
	BufferSize int

	// PoolSize is the number of pooled buffers.
	// Default: 64.
	PoolSize int

	// SendUpdates forwards the fast and update logs to peers.
	// Default: true.
	SendUpdates bool

	// SendEvents forwards the event log to peers.
	// Default: true.
	SendEvents bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BufferSize:  protocol.MaxBufSize,
		PoolSize:    64,
		SendUpdates: true,
		SendEvents:  true,
	}
}

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.BufferSize < protocol.PacketHeaderSize+protocol.PacketTrailerSize {
		return fmt.Errorf("bufmess: buffer size %d is too small", c.BufferSize)
	}
	if c.BufferSize > protocol.MaxPayloadSize {
		return fmt.Errorf("bufmess: buffer size %d exceeds a link frame", c.BufferSize)
	}
	if c.PoolSize < NumLogs {
		return fmt.Errorf("bufmess: pool of %d buffers cannot cover %d logs", c.PoolSize, NumLogs)
	}
	return nil
}
