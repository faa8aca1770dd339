package record_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/scenesync/pkg/bufmess"
	"github.com/vango-dev/scenesync/pkg/messenger"
	"github.com/vango-dev/scenesync/pkg/record"
	"github.com/vango-dev/scenesync/pkg/scene"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMessenger() *messenger.Messenger {
	return messenger.New(
		messenger.WithRegistry(scene.NewRegistry()),
		messenger.WithLogger(quiet()),
	)
}

// fakeS3 is an in-memory bucket behind the S3Client interface.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	f.meta[*in.Key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(data)),
		Metadata: f.meta[*in.Key],
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{}
	for key, data := range f.objects {
		if !strings.HasPrefix(key, *in.Prefix) {
			continue
		}
		size := int64(len(data))
		out.Contents = append(out.Contents, types.Object{Key: &key, Size: &size})
	}
	return out, nil
}

func stores(t *testing.T) map[string]record.Store {
	disk, err := record.NewDiskStore(t.TempDir(), 0)
	require.NoError(t, err)
	return map[string]record.Store{
		"memory": record.NewMemoryStore(0),
		"disk":   disk,
		"s3":     record.NewS3Store(newFakeS3(), "bucket", "recordings/"),
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first, err := store.Put(ctx, "first", []byte("one"))
			require.NoError(t, err)
			second, err := store.Put(ctx, "second", []byte("three"))
			require.NoError(t, err)
			assert.Less(t, first.ID, second.ID, "ids sort by creation")

			data, info, err := store.Get(ctx, second.ID)
			require.NoError(t, err)
			assert.Equal(t, []byte("three"), data)
			assert.Equal(t, "second", info.Name)

			list, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, first.ID, list[0].ID)
			assert.Equal(t, int64(5), list[1].Size)

			require.NoError(t, store.Delete(ctx, first.ID))
			_, _, err = store.Get(ctx, first.ID)
			assert.ErrorIs(t, err, record.ErrNotFound)

			list, err = store.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)
			require.NoError(t, store.Close())
		})
	}
}

func TestStoreRejects(t *testing.T) {
	ctx := context.Background()

	_, err := record.NewMemoryStore(4).Put(ctx, "big", []byte("12345"))
	assert.ErrorIs(t, err, record.ErrTooLarge)

	disk, err := record.NewDiskStore(t.TempDir(), 4)
	require.NoError(t, err)
	_, err = disk.Put(ctx, "big", []byte("12345"))
	assert.ErrorIs(t, err, record.ErrTooLarge)
	_, _, err = disk.Get(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, record.ErrInvalidID)

	mem := record.NewMemoryStore(0)
	require.NoError(t, mem.Close())
	_, err = mem.Put(ctx, "late", nil)
	assert.ErrorIs(t, err, record.ErrStoreClosed)
}

func TestIDsAreMonotonic(t *testing.T) {
	prev := record.NewID()
	for i := 0; i < 100; i++ {
		id := record.NewID()
		require.Greater(t, id, prev)
		_, err := record.CheckID(id)
		require.NoError(t, err)
		prev = id
	}
}

func TestRecorderCapturesReplayableStream(t *testing.T) {
	ctx := context.Background()
	m := newMessenger()
	rec, err := record.NewRecorder(m, "session")
	require.NoError(t, err)

	tr, err := bufmess.New(nil,
		bufmess.WithMessenger(m),
		bufmess.WithLogger(quiet()),
		bufmess.WithTee(rec.Tee),
	)
	require.NoError(t, err)
	defer tr.Close(ctx)

	root := scene.NewNode("root")
	root.Append(scene.NewNode("child"))

	w := tr.NewWriter(ctx)
	require.NoError(t, w.SelectLog(bufmess.LogFast))
	require.NoError(t, w.Save(scene.NewNode("skipped")))
	require.NoError(t, w.SelectLog(bufmess.LogUpdate))
	require.NoError(t, w.Save(root))
	require.NoError(t, w.Event(7, root, nil, []byte("hi")))
	require.NoError(t, w.Flush())
	assert.Equal(t, 2, rec.Buffers(), "update and event buffers")

	store := record.NewMemoryStore(0)
	info, err := rec.Save(ctx, store)
	require.NoError(t, err)
	assert.Zero(t, rec.Buffers())

	data, _, err := store.Get(ctx, info.ID)
	require.NoError(t, err)

	replay := newMessenger()
	var codes []uint32
	replay.OnEvent(func(ev *messenger.Event) { codes = append(codes, ev.Code) })
	st, err := replay.Load(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Packets)
	assert.Zero(t, st.Rejected)
	assert.Equal(t, 2, replay.Table().Len())
	assert.Equal(t, []uint32{7}, codes)
}

func TestRecorderRejectsUnknownLog(t *testing.T) {
	_, err := record.NewRecorder(newMessenger(), "x", bufmess.LogType(9))
	assert.ErrorIs(t, err, bufmess.ErrInvalidLog)
}
