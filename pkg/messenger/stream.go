package messenger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Mode selects how a stream is opened.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeAppend
)

// ErrStreamClosed is returned by operations on a closed stream.
var ErrStreamClosed = errors.New("messenger: stream closed")

// Stream is a byte stream the messenger can record to or replay from.
type Stream interface {
	io.ReadWriteCloser
	Name() string
}

// OpenFile opens a file stream.
func OpenFile(name string, mode Mode) (Stream, error) {
	var flag int
	switch mode {
	case ModeRead:
		flag = os.O_RDONLY
	case ModeWrite:
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case ModeAppend:
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	default:
		return nil, fmt.Errorf("messenger: unknown stream mode %d", mode)
	}
	f, err := os.OpenFile(name, flag, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// MemStream is an in-memory stream. Reads consume what writes appended.
type MemStream struct {
	mu     sync.Mutex
	name   string
	buf    bytes.Buffer
	closed bool
}

// NewMemStream creates an empty memory stream.
func NewMemStream(name string) *MemStream {
	return &MemStream{name: name}
}

// Name returns the stream name.
func (s *MemStream) Name() string { return s.name }

func (s *MemStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	return s.buf.Write(p)
}

func (s *MemStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	return s.buf.Read(p)
}

// Bytes returns a copy of the unread contents.
func (s *MemStream) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

// Len returns the number of unread bytes.
func (s *MemStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// Close marks the stream closed.
func (s *MemStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// StreamWriter creates a writer appending to w and writes the stream
// header.
func (m *Messenger) StreamWriter(w io.Writer) (*Writer, error) {
	sw := m.NewWriter(func(b []byte) error {
		_, err := w.Write(b)
		return err
	})
	if err := sw.Version(); err != nil {
		return nil, err
	}
	return sw, nil
}
