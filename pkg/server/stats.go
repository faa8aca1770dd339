package server

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of server counters.
type Stats struct {
	Accepted     int64     `json:"accepted"`
	Rejected     int64     `json:"rejected"`
	Frames       int64     `json:"frames"`
	Packets      int64     `json:"packets"`
	Dropped      int64     `json:"dropped"`
	SendFailures int64     `json:"sendFailures"`
	Recordings   int64     `json:"recordings"`
	StartedAt    time.Time `json:"startedAt"`
	CollectedAt  time.Time `json:"collectedAt"`
}

// counters collects server statistics without locking.
type counters struct {
	accepted     atomic.Int64
	rejected     atomic.Int64
	frames       atomic.Int64
	packets      atomic.Int64
	dropped      atomic.Int64
	sendFailures atomic.Int64
	recordings   atomic.Int64
	startedAt    time.Time
}

func (c *counters) snapshot() Stats {
	return Stats{
		Accepted:     c.accepted.Load(),
		Rejected:     c.rejected.Load(),
		Frames:       c.frames.Load(),
		Packets:      c.packets.Load(),
		Dropped:      c.dropped.Load(),
		SendFailures: c.sendFailures.Load(),
		Recordings:   c.recordings.Load(),
		StartedAt:    c.startedAt,
		CollectedAt:  time.Now(),
	}
}
