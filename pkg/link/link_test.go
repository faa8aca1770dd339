package link_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/scenesync/pkg/link"
	"github.com/vango-dev/scenesync/pkg/protocol"
)

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := link.Pipe(4)
	ctx := context.Background()

	payload := []byte{1, 2, 3}
	require.NoError(t, a.Send(ctx, protocol.NewFrame(protocol.FramePackets, payload)))
	payload[0] = 9 // the pipe copied it
	require.NoError(t, a.Send(ctx, protocol.NewFrameWithFlags(protocol.FramePackets, protocol.FlagFinal, nil)))

	f, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, f.Payload)

	f, err = b.Recv(ctx)
	require.NoError(t, err)
	assert.True(t, f.Flags.Has(protocol.FlagFinal))
	assert.Equal(t, "pipe:a", b.RemoteAddr())
}

func TestPipeClose(t *testing.T) {
	a, b := link.Pipe(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, b.Close())
	_, err = a.Recv(context.Background())
	assert.ErrorIs(t, err, link.ErrClosed)
	assert.ErrorIs(t, a.Send(context.Background(), protocol.NewFrame(protocol.FramePackets, nil)), link.ErrClosed)
}

func TestWebSocketEcho(t *testing.T) {
	cfg := link.DefaultConfig()
	cfg.PingInterval = 10 * time.Millisecond

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l, err := link.Upgrade(w, r, cfg)
		if err != nil {
			return
		}
		defer l.Close()
		for {
			f, err := l.Recv(r.Context())
			if err != nil {
				return
			}
			if err := l.Send(r.Context(), f); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := link.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), cfg)
	require.NoError(t, err)
	defer l.Close()

	hello := protocol.EncodeHello(&protocol.Hello{Version: protocol.CurrentVersion, VecSize: 3, Host: "a"})
	require.NoError(t, l.Send(ctx, protocol.NewFrame(protocol.FrameHandshake, hello)))

	// Survive a few ping rounds.
	time.Sleep(50 * time.Millisecond)

	f, err := l.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameHandshake, f.Type)
	got, err := protocol.DecodeHello(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Host)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := link.Dial(ctx, "ws://127.0.0.1:1/sync", nil)
	assert.Error(t, err)
}
