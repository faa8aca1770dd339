package record

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	streamExt = ".ssr"
	metaExt   = ".meta"
)

// DiskStore stores recordings as files in a directory. Each recording is a
// stream file next to a JSON metadata file, so the stream can also be
// replayed directly with `scenesync replay`.
type DiskStore struct {
	dir     string
	maxSize int

	mu     sync.RWMutex
	closed bool
}

// NewDiskStore creates the directory if needed.
//
// Parameters:
//   - dir: directory holding the recordings
//   - maxSize: maximum recording size in bytes (0 = no limit)
func NewDiskStore(dir string, maxSize int) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskStore{dir: dir, maxSize: maxSize}, nil
}

// Dir returns the store directory.
func (s *DiskStore) Dir() string { return s.dir }

// Path returns the stream file of a recording.
func (s *DiskStore) Path(id string) string {
	return filepath.Join(s.dir, id+streamExt)
}

func (s *DiskStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+metaExt)
}

// Put writes the stream file, then its metadata.
func (s *DiskStore) Put(ctx context.Context, name string, data []byte) (Info, error) {
	if s.maxSize > 0 && len(data) > s.maxSize {
		return Info{}, ErrTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Info{}, ErrStoreClosed
	}

	info := newInfo(name, len(data))
	path := s.Path(info.ID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Info{}, err
	}
	if err := s.saveMeta(info); err != nil {
		os.Remove(path)
		return Info{}, err
	}
	return info, nil
}

// Get reads a recording.
func (s *DiskStore) Get(ctx context.Context, id string) ([]byte, Info, error) {
	if _, err := CheckID(id); err != nil {
		return nil, Info{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, Info{}, ErrStoreClosed
	}
	info, err := s.loadMeta(id)
	if err != nil {
		return nil, Info{}, err
	}
	data, err := os.ReadFile(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Info{}, ErrNotFound
	}
	if err != nil {
		return nil, Info{}, err
	}
	return data, info, nil
}

// List scans the directory for metadata files. Stream files without
// metadata are listed under their file name.
func (s *DiskStore) List(ctx context.Context) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var out []Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, streamExt) {
			continue
		}
		id := strings.TrimSuffix(name, streamExt)
		created, err := CheckID(id)
		if err != nil {
			continue
		}
		info, err := s.loadMeta(id)
		if err != nil {
			fi, statErr := entry.Info()
			if statErr != nil {
				continue
			}
			info = Info{ID: id, Name: name, Size: fi.Size(), CreatedAt: created}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes the stream and metadata files.
func (s *DiskStore) Delete(ctx context.Context, id string) error {
	if _, err := CheckID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	for _, path := range []string{s.Path(id), s.metaPath(id)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Close marks the store closed. Files are kept.
func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *DiskStore) saveMeta(info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(s.metaPath(info.ID), data, 0o644)
}

func (s *DiskStore) loadMeta(id string) (Info, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}
