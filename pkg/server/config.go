package server

import (
	"errors"
	"time"

	"github.com/vango-dev/scenesync/pkg/link"
)

// Config holds server configuration.
type Config struct {
	// Address is the address to listen on.
	// Default: ":7420".
	Address string

	// FrameInterval is how often the frame loop loads inbound packets and
	// sends the local batch to every peer.
	// Default: 20ms.
	FrameInterval time.Duration

	// PingInterval is how often open peers are pinged to measure round
	// trips. Negative disables pings.
	// Default: 5s.
	PingInterval time.Duration

	// Link configures accepted websocket links. Nil uses link.DefaultConfig.
	Link *link.Config

	// TrustedProxies lists proxy IPs or CIDRs whose Forwarded and
	// X-Forwarded-For headers are believed when logging peer addresses.
	TrustedProxies []string

	// ReadHeaderTimeout bounds reading request headers.
	// Default: 5s.
	ReadHeaderTimeout time.Duration

	// IdleTimeout bounds keep-alive connections.
	// Default: 60s.
	IdleTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30s.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":7420",
		FrameInterval:     20 * time.Millisecond,
		PingInterval:      5 * time.Second,
		Link:              link.DefaultConfig(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Link != nil {
		clone.Link = c.Link.Clone()
	}
	if c.TrustedProxies != nil {
		clone.TrustedProxies = append([]string(nil), c.TrustedProxies...)
	}
	return &clone
}

// Validate checks the config for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("server: address is required")
	}
	if c.FrameInterval <= 0 {
		return errors.New("server: frame interval must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("server: shutdown timeout must be positive")
	}
	return nil
}

// fillDefaults sets zero fields to their defaults.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.FrameInterval == 0 {
		c.FrameInterval = d.FrameInterval
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.Link == nil {
		c.Link = d.Link
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}
