package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/scenesync/pkg/link"
	"github.com/vango-dev/scenesync/pkg/messenger"
	"github.com/vango-dev/scenesync/pkg/record"
	"github.com/vango-dev/scenesync/pkg/scene"
	"github.com/vango-dev/scenesync/pkg/syncer"
	"github.com/vango-dev/scenesync/pkg/telemetry"
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

type fixture struct {
	srv   *Server
	ts    *httptest.Server
	store *record.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := newMessenger()
	sy := syncer.New(m, syncer.WithHost("hub"), syncer.WithLogger(quiet()))
	store := record.NewMemoryStore(0)
	rec, err := record.NewRecorder(m, "capture")
	require.NoError(t, err)

	srv := New(sy, nil,
		WithStore(store),
		WithRecorder(rec),
		WithMetrics(telemetry.New(telemetry.WithRegistry(prometheus.NewRegistry()))),
		WithLogger(quiet()),
	)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = sy.Close(context.Background())
		ts.Close()
	})
	return &fixture{srv: srv, ts: ts, store: store}
}

func (f *fixture) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, nil)
	require.NoError(t, err)
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "hub", st.Host)
	assert.Empty(t, st.Peers)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.srv.Tick(context.Background()))

	resp := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "scenesync_frame_sync_seconds")
}

func TestPeerJoinsOverWebSocket(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cm := newMessenger()
	client := syncer.New(cm, syncer.WithHost("studio"), syncer.WithLogger(quiet()))
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	ws, err := link.Dial(ctx, "ws"+strings.TrimPrefix(f.ts.URL, "http")+"/sync", nil)
	require.NoError(t, err)
	c, err := client.Connect(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, "hub", c.Host())

	// The accepting side registers the peer after sending its welcome.
	require.Eventually(t, func() bool {
		return f.srv.Stats().Accepted == 1
	}, 5*time.Second, time.Millisecond)
	st := f.srv.Status()
	require.Len(t, st.Peers, 1)
	assert.Equal(t, "studio", st.Peers[0].Host)
	assert.Equal(t, "open", st.Peers[0].State)

	var batch [][]byte
	w := cm.NewWriter(func(b []byte) error {
		batch = append(batch, append([]byte(nil), b...))
		return nil
	})
	require.NoError(t, w.Begin())
	require.NoError(t, w.Save(scene.NewNode("root")))
	require.NoError(t, w.End())
	require.NoError(t, client.Sync(ctx, batch))

	require.Eventually(t, func() bool {
		assert.NoError(t, f.srv.Tick(ctx))
		return f.srv.Synchronizer().Messenger().Table().Len() > 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Positive(t, f.srv.Stats().Packets)
}

func TestRecordingsLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/recordings")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var infos []record.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	assert.Empty(t, infos)

	resp = f.do(t, http.MethodPost, "/recordings")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var info record.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "capture", info.Name)

	resp = f.do(t, http.MethodGet, "/recordings/"+info.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "capture", resp.Header.Get("X-Recording-Name"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, data, int(info.Size))

	resp = f.do(t, http.MethodDelete, "/recordings/"+info.ID)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/recordings/"+info.ID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var diag map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&diag))
	assert.Equal(t, "S301", diag["code"])

	resp = f.do(t, http.MethodGet, "/recordings/not-an-id")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecordingRoutesNeedAStore(t *testing.T) {
	sy := syncer.New(newMessenger(), syncer.WithLogger(quiet()))
	srv := New(sy, nil, WithLogger(quiet()))

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/recordings", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestClientIPFromRequest(t *testing.T) {
	trusted := newProxyMatcher([]string{"10.0.0.0/8", "192.168.1.1", "bogus"}, quiet())

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		trusted *proxyMatcher
		want    string
	}{
		{"direct", "203.0.113.7:5000", nil, trusted, "203.0.113.7"},
		{"untrusted proxy ignored", "203.0.113.7:5000", map[string]string{"X-Forwarded-For": "198.51.100.1"}, trusted, "203.0.113.7"},
		{"x-forwarded-for", "10.1.2.3:5000", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.9.9.9"}, trusted, "198.51.100.1"},
		{"forwarded wins", "192.168.1.1:80", map[string]string{
			"Forwarded":       `for="[2001:db8::1]:4711";proto=https`,
			"X-Forwarded-For": "198.51.100.1",
		}, trusted, "2001:db8::1"},
		{"all trusted", "10.1.2.3:5000", map[string]string{"X-Forwarded-For": "10.2.2.2"}, trusted, "10.2.2.2"},
		{"no matcher", "10.1.2.3:5000", map[string]string{"X-Forwarded-For": "198.51.100.1"}, nil, "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/sync", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIPFromRequest(r, tt.trusted).String())
		})
	}

	assert.Nil(t, newProxyMatcher([]string{"", "nope"}, quiet()))
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	clone := cfg.Clone()
	clone.Link.PingInterval = time.Hour
	assert.NotEqual(t, time.Hour, cfg.Link.PingInterval)

	partial := &Config{Address: ":0"}
	srv := New(syncer.New(newMessenger(), syncer.WithLogger(quiet())), partial, WithLogger(quiet()))
	got := srv.Config()
	assert.Equal(t, ":0", got.Address)
	assert.Equal(t, DefaultConfig().FrameInterval, got.FrameInterval)
	assert.Equal(t, 5*time.Second, got.PingInterval)
	assert.NotNil(t, got.Link)

	assert.Error(t, (&Config{Address: ":0"}).Validate())
}
