// Package bufmess batches encoded packets from many goroutines into pooled
// fixed-size buffers and hands sealed buffers to the local messenger and to
// the synchronizer.
//
// Each goroutine owns a Writer holding at most one buffer per log type.
// Sealed buffers enter a FIFO ready queue per log type; Load drains the
// queues on the owning goroutine and applies the send/process policy.
package bufmess

import (
	"fmt"

	"github.com/vango-dev/scenesync/pkg/protocol"
)

// LogType selects the ready queue a packet travels through.
type LogType int

const (
	// LogFast carries frequent transient updates (transforms, cameras).
	LogFast LogType = iota
	// LogUpdate carries ordinary state updates.
	LogUpdate
	// LogEvent carries application events.
	LogEvent
	// LogLocal carries operations that must be applied in this process.
	LogLocal
)

// NumLogs is the number of log types.
const NumLogs = protocol.MaxLogs

// String returns the string representation of the log type.
func (l LogType) String() string {
	switch l {
	case LogFast:
		return "fast"
	case LogUpdate:
		return "update"
	case LogEvent:
		return "event"
	case LogLocal:
		return "local"
	default:
		return fmt.Sprintf("log(%d)", int(l))
	}
}

// Valid reports whether l names a log type.
func (l LogType) Valid() bool {
	return l >= 0 && int(l) < NumLogs
}

// ParseLogType parses the String form of a log type.
func ParseLogType(s string) (LogType, error) {
	for l := LogType(0); int(l) < NumLogs; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("bufmess: unknown log type %q", s)
}
