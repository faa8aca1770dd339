// Package record stores recorded scenesync streams.
//
// A recording is a complete messenger stream: a Version header followed by
// packets exactly as they were sealed by the buffered transport. Recordings
// replay with messenger.Load.
//
// The Store interface defines the contract for recording persistence:
//
//	store := record.NewMemoryStore()
//	store, err := record.NewDiskStore("recordings", 0)
//	store := record.NewS3Store(s3.NewFromConfig(cfg), "bucket", "recordings/")
package record

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrNotFound is returned when a recording does not exist.
	ErrNotFound = errors.New("record: recording not found")

	// ErrTooLarge is returned when a recording exceeds the store limit.
	ErrTooLarge = errors.New("record: recording too large")

	// ErrInvalidID is returned for ids that are not ULIDs.
	ErrInvalidID = errors.New("record: invalid recording id")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("record: store closed")
)

// Store persists recordings. Implementations must be safe for concurrent
// use.
type Store interface {
	// Put stores data under a fresh id.
	Put(ctx context.Context, name string, data []byte) (Info, error)

	// Get returns the recording with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) ([]byte, Info, error)

	// List returns every recording, oldest first.
	List(ctx context.Context) ([]Info, error)

	// Delete removes a recording. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases any resources held by the store.
	Close() error
}

// Info describes a stored recording.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a time-sortable recording id.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// CheckID validates a recording id and returns its creation time.
func CheckID(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, ErrInvalidID
	}
	return ulid.Time(u.Time()), nil
}

func newInfo(name string, size int) Info {
	id := NewID()
	created, _ := CheckID(id)
	return Info{ID: id, Name: name, Size: int64(size), CreatedAt: created}
}
