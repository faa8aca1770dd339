package record

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/vango-dev/scenesync/pkg/bufmess"
	"github.com/vango-dev/scenesync/pkg/messenger"
)

// Recorder captures sealed transport buffers into one replayable stream.
// Hand Tee to the transport:
//
//	rec, _ := record.NewRecorder(m, "session")
//	t, _ := bufmess.New(cfg, bufmess.WithMessenger(m), bufmess.WithTee(rec.Tee))
//	...
//	info, err := rec.Save(ctx, store)
type Recorder struct {
	name   string
	header []byte
	logs   [bufmess.NumLogs]bool

	mu      sync.Mutex
	buf     bytes.Buffer
	buffers int
}

// NewRecorder records the given logs, or every log but LogFast when none
// are named.
func NewRecorder(m *messenger.Messenger, name string, logs ...bufmess.LogType) (*Recorder, error) {
	r := &Recorder{name: name}
	if len(logs) == 0 {
		logs = []bufmess.LogType{bufmess.LogUpdate, bufmess.LogEvent, bufmess.LogLocal}
	}
	for _, l := range logs {
		if !l.Valid() {
			return nil, fmt.Errorf("record: %w: %d", bufmess.ErrInvalidLog, int(l))
		}
		r.logs[l] = true
	}

	var hdr bytes.Buffer
	if _, err := m.StreamWriter(&hdr); err != nil {
		return nil, err
	}
	r.header = hdr.Bytes()
	r.buf.Write(r.header)
	return r, nil
}

// Tee appends a sealed buffer. It is called from writer goroutines.
func (r *Recorder) Tee(l bufmess.LogType, data []byte) {
	if !l.Valid() || !r.logs[l] {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(data)
	r.buffers++
}

// Buffers returns the number of buffers captured since the last Save.
func (r *Recorder) Buffers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffers
}

// Bytes returns a copy of the stream captured so far.
func (r *Recorder) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.buf.Bytes())
}

// Save stores the captured stream and starts a new one. On failure the
// capture is kept.
func (r *Recorder) Save(ctx context.Context, store Store) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := store.Put(ctx, r.name, r.buf.Bytes())
	if err != nil {
		return Info{}, err
	}
	r.buf.Reset()
	r.buf.Write(r.header)
	r.buffers = 0
	return info, nil
}
