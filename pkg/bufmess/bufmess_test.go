package bufmess_test

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/scenesync/pkg/bufmess"
	"github.com/vango-dev/scenesync/pkg/messenger"
	"github.com/vango-dev/scenesync/pkg/scene"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func open(t *testing.T, cfg *bufmess.Config) (*bufmess.Transport, *messenger.Messenger) {
	t.Helper()
	m := messenger.New(
		messenger.WithRegistry(scene.NewRegistry()),
		messenger.WithLogger(quiet()),
	)
	tr, err := bufmess.New(cfg, bufmess.WithMessenger(m), bufmess.WithLogger(quiet()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr, m
}

// events collects dispatched events, copying their payloads.
type events struct {
	mu  sync.Mutex
	got []messenger.Event
}

func (e *events) hook(ev *messenger.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *ev
	cp.Data = append([]byte(nil), ev.Data...)
	e.got = append(e.got, cp)
}

func (e *events) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.got)
}

func (e *events) codes() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint32, len(e.got))
	for i, ev := range e.got {
		out[i] = ev.Code
	}
	return out
}

func TestConcurrentWritersSingleReader(t *testing.T) {
	const writers, perWriter = 8, 200

	cfg := bufmess.DefaultConfig()
	cfg.BufferSize = 256
	cfg.PoolSize = 6
	cfg.SendEvents = false
	tr, m := open(t, cfg)

	var seen events
	m.OnEvent(seen.hook)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for id := 0; id < writers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w := tr.NewWriter(ctx)
			data := make([]byte, 8)
			for i := 0; i < perWriter; i++ {
				binary.LittleEndian.PutUint32(data[0:], uint32(id))
				binary.LittleEndian.PutUint32(data[4:], uint32(i))
				if err := w.Event(7, nil, nil, data); err != nil {
					t.Errorf("writer %d: %v", id, err)
					return
				}
			}
			assert.NoError(t, w.Flush())
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// The test goroutine is the single reader.
	for seen.len() < writers*perWriter {
		_, err := tr.Load(ctx)
		require.NoError(t, err)
		select {
		case <-ctx.Done():
			t.Fatalf("saw %d of %d events", seen.len(), writers*perWriter)
		default:
		}
		time.Sleep(time.Millisecond)
	}
	<-done

	next := make([]uint32, writers)
	for _, ev := range seen.got {
		id := binary.LittleEndian.Uint32(ev.Data[0:])
		i := binary.LittleEndian.Uint32(ev.Data[4:])
		require.Equal(t, next[id], i, "writer %d out of order", id)
		next[id]++
	}
	for id, n := range next {
		assert.EqualValues(t, perWriter, n, "writer %d", id)
	}
	assert.Positive(t, tr.Pool().Waits(), "a small pool must make writers wait")
	assert.Equal(t, cfg.PoolSize, tr.Pool().Available())
}

func TestWriterCloseDropsOpenPacket(t *testing.T) {
	tr, m := open(t, nil)
	var seen events
	m.OnEvent(seen.hook)

	w := tr.NewWriter(context.Background())
	require.NoError(t, w.SelectLog(bufmess.LogLocal))

	require.NoError(t, w.Begin())
	require.NoError(t, w.Current().Event(1, nil, nil, nil))
	require.NoError(t, w.End())

	require.NoError(t, w.Begin())
	require.NoError(t, w.Current().Event(2, nil, nil, nil))
	require.NoError(t, w.Close())

	st, err := tr.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Packets)
	assert.Equal(t, []uint32{1}, seen.codes())
}

func TestTransportCloseAppliesSealedOnly(t *testing.T) {
	tr, m := open(t, nil)
	var seen events
	m.OnEvent(seen.hook)

	w := tr.NewWriter(context.Background())
	require.NoError(t, w.SelectLog(bufmess.LogLocal))
	require.NoError(t, w.Begin())
	require.NoError(t, w.Current().Event(1, nil, nil, nil))
	require.NoError(t, w.End())
	require.NoError(t, w.Flush())

	require.NoError(t, w.Begin())
	require.NoError(t, w.Current().Event(2, nil, nil, nil))
	require.NoError(t, w.End())

	require.NoError(t, tr.Close(context.Background()))
	assert.Equal(t, []uint32{1}, seen.codes(), "held buffers are lost at close")
	assert.ErrorIs(t, tr.Close(context.Background()), bufmess.ErrClosed)
}

func TestPacketTooLarge(t *testing.T) {
	cfg := bufmess.DefaultConfig()
	cfg.BufferSize = 64
	tr, _ := open(t, cfg)

	w := tr.NewWriter(context.Background())
	err := w.Save(scene.NewNode(strings.Repeat("n", 100)))
	require.ErrorIs(t, err, bufmess.ErrPacketTooLarge)

	// The writer is usable again.
	require.NoError(t, w.Save(scene.NewNode("small")))
}

func TestLogPolicy(t *testing.T) {
	cfg := bufmess.DefaultConfig()
	cfg.SendEvents = false
	tr, m := open(t, cfg)
	var seen events
	m.OnEvent(seen.hook)

	w := tr.NewWriter(context.Background())
	node := scene.NewNode("marker")
	require.NoError(t, w.SelectLog(bufmess.LogUpdate))
	require.NoError(t, w.Save(node))
	require.NoError(t, w.Event(3, node, nil, nil))
	require.NoError(t, w.SelectLog(bufmess.LogLocal))
	require.NoError(t, w.Save(node))
	require.NoError(t, w.Flush())

	st, err := tr.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Packets, "only the local log is applied")
	assert.Equal(t, []uint32{3}, seen.codes(), "events are applied")

	var logs []bufmess.LogType
	n, err := tr.Drain(func(b *bufmess.Buffer) error {
		logs = append(logs, b.Log)
		assert.Equal(t, []uint32{uint32(m.HandleOf(node))}, handles(b))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []bufmess.LogType{bufmess.LogUpdate, bufmess.LogLocal}, logs)
	assert.Zero(t, tr.Forwarded())
}

func handles(b *bufmess.Buffer) []uint32 {
	out := make([]uint32, len(b.Creates))
	for i, h := range b.Creates {
		out[i] = uint32(h)
	}
	return out
}

func TestDrainKeepsBuffersOnFailure(t *testing.T) {
	tr, _ := open(t, nil)
	w := tr.NewWriter(context.Background())
	require.NoError(t, w.Save(scene.NewNode("a")))
	require.NoError(t, w.Flush())
	_, err := tr.Load(context.Background())
	require.NoError(t, err)

	_, err = tr.Drain(func(*bufmess.Buffer) error { return io.ErrClosedPipe })
	require.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, 1, tr.Forwarded())

	n, err := tr.Drain(func(*bufmess.Buffer) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOneTransportPerProcess(t *testing.T) {
	tr, err := bufmess.New(nil, bufmess.WithLogger(quiet()))
	require.NoError(t, err)

	_, err = bufmess.New(nil, bufmess.WithLogger(quiet()))
	require.ErrorIs(t, err, bufmess.ErrTransportExists)

	require.NoError(t, tr.Close(context.Background()))
	again, err := bufmess.New(nil, bufmess.WithLogger(quiet()))
	require.NoError(t, err)
	require.NoError(t, again.Close(context.Background()))
}

func TestPoolGetHonorsContextAndClose(t *testing.T) {
	p := bufmess.NewPool(1, 32)
	b, err := p.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	b.Release()
	assert.Panics(t, b.Release, "double release")

	b, err = p.Get(context.Background())
	require.NoError(t, err)
	go p.Close()
	_, err = p.Get(context.Background())
	require.ErrorIs(t, err, bufmess.ErrPoolClosed)
	b.Release()
}

func TestConfigValidate(t *testing.T) {
	cfg := bufmess.DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg.Clone()
	bad.BufferSize = 8
	assert.Error(t, bad.Validate())

	bad = cfg.Clone()
	bad.PoolSize = bufmess.NumLogs - 1
	assert.Error(t, bad.Validate())

	l, err := bufmess.ParseLogType("event")
	require.NoError(t, err)
	assert.Equal(t, bufmess.LogEvent, l)
	_, err = bufmess.ParseLogType("bogus")
	assert.Error(t, err)
}
