package record

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps recordings in memory. It is the default store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	maxSize int
	closed  bool
}

type memEntry struct {
	info Info
	data []byte
}

// NewMemoryStore creates an empty memory store. maxSize limits a single
// recording (0 = no limit).
func NewMemoryStore(maxSize int) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		maxSize: maxSize,
	}
}

// Put stores a copy of data.
func (m *MemoryStore) Put(ctx context.Context, name string, data []byte) (Info, error) {
	if m.maxSize > 0 && len(data) > m.maxSize {
		return Info{}, ErrTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Info{}, ErrStoreClosed
	}
	info := newInfo(name, len(data))
	m.entries[info.ID] = &memEntry{info: info, data: bytes.Clone(data)}
	return info, nil
}

// Get returns a copy of the recording.
func (m *MemoryStore) Get(ctx context.Context, id string) ([]byte, Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, Info{}, ErrStoreClosed
	}
	e, ok := m.entries[id]
	if !ok {
		return nil, Info{}, ErrNotFound
	}
	return bytes.Clone(e.data), e.info, nil
}

// List returns the recordings ordered by id.
func (m *MemoryStore) List(ctx context.Context) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Info, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes a recording.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.entries, id)
	return nil
}

// Close drops every recording.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.entries = nil
	return nil
}
