package syncer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/scenesync/pkg/handle"
	"github.com/vango-dev/scenesync/pkg/link"
	"github.com/vango-dev/scenesync/pkg/messenger"
	"github.com/vango-dev/scenesync/pkg/protocol"
	"github.com/vango-dev/scenesync/pkg/scene"
	"github.com/vango-dev/scenesync/pkg/syncer"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// peer is one process: a messenger, its synchronizer and a writer whose
// packets form the next frame's batch.
type peer struct {
	m   *messenger.Messenger
	s   *syncer.Synchronizer
	w   *messenger.Writer
	out [][]byte
}

func newPeer(t *testing.T, host string) *peer {
	t.Helper()
	m := messenger.New(
		messenger.WithRegistry(scene.NewRegistry()),
		messenger.WithLogger(quiet()),
	)
	p := &peer{m: m}
	p.w = m.NewWriter(func(b []byte) error {
		p.out = append(p.out, append([]byte(nil), b...))
		return nil
	})
	p.s = syncer.New(m, syncer.WithHost(host), syncer.WithLogger(quiet()))
	t.Cleanup(func() { _ = p.s.Close(context.Background()) })
	return p
}

func (p *peer) packet(t *testing.T, fn func(w *messenger.Writer) error) {
	t.Helper()
	require.NoError(t, p.w.Begin())
	require.NoError(t, fn(p.w))
	require.NoError(t, p.w.End())
}

func (p *peer) save(t *testing.T, obj messenger.Object) {
	t.Helper()
	p.packet(t, func(w *messenger.Writer) error { return w.Save(obj) })
}

func (p *peer) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, p.s.Sync(context.Background(), p.out))
	p.out = nil
}

// loadFrame loads until conn has seen frame.
func (p *peer) loadFrame(t *testing.T, c *syncer.Conn, frame uint32) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := p.s.Load(context.Background())
		assert.NoError(t, err)
		return c.Source().Frame() >= frame
	}, 5*time.Second, time.Millisecond, "frame %d from %s", frame, c.Host())
}

func connect(t *testing.T, dialer, acceptor *peer) (*syncer.Conn, *syncer.Conn) {
	t.Helper()
	ld, la := link.Pipe(64)
	return connectOver(t, dialer, acceptor, ld, la)
}

func connectOver(t *testing.T, dialer, acceptor *peer, ld, la link.Link) (dc, ac *syncer.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		var err error
		ac, err = acceptor.s.Accept(ctx, la)
		errc <- err
	}()
	dc, err := dialer.s.Connect(ctx, ld)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	return dc, ac
}

func label(obj messenger.Object) string {
	if n, ok := obj.(messenger.Named); ok {
		return n.Name()
	}
	return ""
}

func TestHandshakeOpensBothEnds(t *testing.T) {
	a, b := newPeer(t, "alpha"), newPeer(t, "beta")
	onA, onB := connect(t, a, b)

	assert.Equal(t, "beta", onA.Host())
	assert.Equal(t, "alpha", onB.Host())
	assert.Equal(t, syncer.StateOpen, onA.State())
	assert.Equal(t, syncer.StateOpen, onB.State())
	assert.Equal(t, syncer.Peers(0), a.s.AllClients())
	assert.Equal(t, syncer.Peers(0), b.s.SendAll())
	assert.Same(t, onA, a.s.Arbitrator())
}

func TestTwoPeersReconcileHandleCollision(t *testing.T) {
	a, b := newPeer(t, "alpha"), newPeer(t, "beta")
	onA, onB := connect(t, a, b)

	fromA, fromB := scene.NewNode("fromA"), scene.NewNode("fromB")
	a.save(t, fromA)
	b.save(t, fromB)
	require.Equal(t, handle.Handle(1), a.m.HandleOf(fromA))
	require.Equal(t, handle.Handle(1), b.m.HandleOf(fromB))

	// Frame 1: both announce handle 1, both sides remap the replica.
	a.sync(t)
	b.sync(t)
	a.loadFrame(t, onA, 1)
	b.loadFrame(t, onB, 1)

	assert.Equal(t, "fromB", label(a.s.Resolve(onA.Index(), 1)))
	assert.Equal(t, "fromA", label(b.s.Resolve(onB.Index(), 1)))
	assert.Equal(t, []handle.Handle{1}, onA.Source().Tr.Pending())
	assert.Equal(t, []handle.Handle{1}, onB.Source().Tr.Pending())
	assert.Equal(t, 1, onA.Controls())

	// Frame 2 carries the remaps, frame 3 their acknowledgements.
	for frame := uint32(2); frame <= 3; frame++ {
		a.sync(t)
		b.sync(t)
		a.loadFrame(t, onA, frame)
		b.loadFrame(t, onB, frame)
	}
	assert.Empty(t, onA.Source().Tr.Pending())
	assert.Empty(t, onB.Source().Tr.Pending())

	// Each side now knows the other's number for its own object.
	assert.Same(t, fromA, a.s.Resolve(onA.Index(), 2))
	assert.Same(t, fromB, b.s.Resolve(onB.Index(), 2))

	// An edit to the replica lands on the original.
	replica := b.s.Resolve(onB.Index(), 1).(*scene.Node)
	replica.Position = [3]float32{1, 2, 3}
	b.save(t, replica)
	b.sync(t)
	a.loadFrame(t, onA, 4)

	assert.Equal(t, [3]float32{1, 2, 3}, fromA.Position)
	assert.Equal(t, 2, a.m.Table().Len(), "no duplicate for the echoed object")
}

func TestEchoOfUncontestedHandleReachesOriginal(t *testing.T) {
	a, b := newPeer(t, "alpha"), newPeer(t, "beta")
	onA, onB := connect(t, a, b)

	orig := scene.NewNode("orig")
	a.save(t, orig)
	a.sync(t)
	b.loadFrame(t, onB, 1)

	// beta keeps alpha's number and says so before its first batch.
	replica, ok := b.s.Resolve(onB.Index(), 1).(*scene.Node)
	require.True(t, ok)
	require.Equal(t, handle.Handle(1), b.m.HandleOf(replica))
	assert.Empty(t, onB.Source().Tr.Pending())
	assert.Equal(t, 1, onB.Controls())

	replica.Position = [3]float32{4, 5, 6}
	b.save(t, replica)
	b.sync(t)
	a.loadFrame(t, onA, 1)

	assert.Equal(t, [3]float32{4, 5, 6}, orig.Position)
	assert.Equal(t, 1, a.m.Table().Len(), "no copy of the echoed object")

	// A node of beta's that references the replica points at the original.
	parent := scene.NewNode("parent")
	parent.Append(replica)
	b.save(t, parent)
	b.sync(t)
	a.loadFrame(t, onA, 2)

	got, ok := a.m.Find("parent").(*scene.Node)
	require.True(t, ok)
	require.Len(t, got.Children, 1)
	assert.Same(t, orig, got.Children[0])
	assert.Equal(t, 2, a.m.Table().Len())
}

func TestRemapOntoReusedHandleWaitsForDelete(t *testing.T) {
	a, b := newPeer(t, "alpha"), newPeer(t, "beta")
	onA, onB := connect(t, a, b)

	a1 := scene.NewNode("a1")
	a.save(t, a1)
	b3 := scene.NewNode("b3")
	for _, n := range []*scene.Node{scene.NewNode("b1"), scene.NewNode("b2"), b3} {
		b.save(t, n)
	}
	a.sync(t)
	b.sync(t)

	// beta frees 3 and hands it to alpha's node in the same frame: the
	// remap goes out ahead of the delete.
	b.packet(t, func(w *messenger.Writer) error { return w.Delete(b3) })
	b.loadFrame(t, onB, 1)
	require.Equal(t, handle.Handle(3), b.m.HandleOf(b.s.Resolve(onB.Index(), 1)))
	b.sync(t)

	a.loadFrame(t, onA, 2)

	assert.Equal(t, handle.Handle(1), a.m.HandleOf(a1))
	assert.Nil(t, a.m.Find("b3"))
	assert.Same(t, a1, a.s.Resolve(onA.Index(), 3))
	assert.Empty(t, onA.Source().Tr.Deferred())
	assert.Equal(t, 3, a.m.Table().Len())
}

func TestLowestConnectionIndexKeepsContestedHandle(t *testing.T) {
	hub := newPeer(t, "hub")
	p0, p1 := newPeer(t, "p0"), newPeer(t, "p1")
	_, hub0 := connect(t, p0, hub)
	_, hub1 := connect(t, p1, hub)
	require.Equal(t, 0, hub0.Index())
	require.Equal(t, 1, hub1.Index())

	// p1 sends first; the index order still decides.
	p1.save(t, scene.NewNode("p1"))
	p1.sync(t)
	p0.save(t, scene.NewNode("p0"))
	p0.sync(t)

	// Version, batch and sync frames from each.
	require.Eventually(t, func() bool {
		return hub0.Inbound() == 3 && hub1.Inbound() == 3
	}, 5*time.Second, time.Millisecond)
	_, err := hub.s.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "p0", label(hub.m.Get(1)))
	assert.Equal(t, "p1", label(hub.m.Get(2)))
	assert.Equal(t, "p1", label(hub.s.Resolve(1, 1)))
	assert.Equal(t, handle.Handle(1), hub.s.LookupHandle(1, syncer.Peers(0, 1)))
	assert.Equal(t, handle.Handle(2), hub.s.LookupHandle(1, syncer.Peers(1)))
	assert.Empty(t, hub0.Source().Tr.Pending())
	assert.Equal(t, []handle.Handle{1}, hub1.Source().Tr.Pending())
}

func TestDeleteDropsPeerTranslation(t *testing.T) {
	hub := newPeer(t, "hub")
	p0, p1 := newPeer(t, "p0"), newPeer(t, "p1")
	_, hub0 := connect(t, p0, hub)
	_, hub1 := connect(t, p1, hub)

	p0.save(t, scene.NewNode("a"))
	p0.sync(t)
	hub.loadFrame(t, hub0, 1)

	doomed := scene.NewNode("b")
	p1.save(t, doomed)
	p1.sync(t)
	hub.loadFrame(t, hub1, 1)
	require.Equal(t, "b", label(hub.m.Get(2)))
	require.Equal(t, 1, hub1.Source().Tr.Len())

	p1.packet(t, func(w *messenger.Writer) error { return w.Delete(doomed) })
	p1.sync(t)
	hub.loadFrame(t, hub1, 2)

	assert.Nil(t, hub.m.Get(2))
	assert.Zero(t, hub1.Source().Tr.Len())
	assert.Equal(t, "a", label(hub.m.Get(1)))
}

// flaky fails the next n sends.
type flaky struct {
	link.Link
	n atomic.Int32
}

var errFlaky = errors.New("flaky send")

func (f *flaky) Send(ctx context.Context, fr *protocol.Frame) error {
	if f.n.Load() > 0 {
		f.n.Add(-1)
		return errFlaky
	}
	return f.Link.Send(ctx, fr)
}

func TestFailedSendIsRetriedNextFrame(t *testing.T) {
	a, b := newPeer(t, "alpha"), newPeer(t, "beta")
	ld, la := link.Pipe(64)
	bad := &flaky{Link: ld}
	onA, onB := connectOver(t, a, b, bad, la)

	a.save(t, scene.NewNode("late"))
	bad.n.Store(1)
	err := a.s.Sync(context.Background(), a.out)
	a.out = nil
	require.ErrorIs(t, err, syncer.ErrSendFailed)
	require.ErrorIs(t, err, errFlaky)
	assert.True(t, a.s.SendAgain().Has(onA.Index()))
	assert.True(t, a.s.SyncAll().Has(onA.Index()))
	assert.Positive(t, onA.Outbox())

	a.sync(t)
	assert.True(t, a.s.SyncFlags().Has(onA.Index()))
	assert.True(t, a.s.SendAgain().Empty())
	assert.Zero(t, onA.Outbox())

	b.loadFrame(t, onB, 2)
	assert.Equal(t, "late", label(b.s.Resolve(onB.Index(), 1)))
	assert.Equal(t, uint32(2), onB.Source().Frame())
}

func TestSendToArbitratorSkipsUnreachable(t *testing.T) {
	hub := newPeer(t, "hub")
	p0, p1 := newPeer(t, "p0"), newPeer(t, "p1")

	l0, r0 := link.Pipe(64)
	bad := &flaky{Link: l0}
	connectOver(t, hub, p0, bad, r0)
	_, onP1 := connect(t, hub, p1)

	node := scene.NewNode("vote")
	hub.save(t, node)

	bad.n.Store(1)
	c, err := hub.s.SendToArbitrator(context.Background(), hub.out)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Index())
	assert.Equal(t, "p1", c.Host())

	require.Eventually(t, func() bool {
		_, err := p1.s.Load(context.Background())
		assert.NoError(t, err)
		return p1.m.Table().Len() == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, "vote", label(p1.s.Resolve(onP1.Index(), 1)))

	bad.n.Store(1)
	c, err = hub.s.SendToArbitrator(context.Background(), hub.out)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Index())
}

func TestVersionMismatchClosesLink(t *testing.T) {
	b := newPeer(t, "beta")
	raw, la := link.Pipe(8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hello := protocol.EncodeHello(&protocol.Hello{Version: protocol.CurrentVersion + 1, VecSize: 3, Host: "future"})
	require.NoError(t, raw.Send(ctx, protocol.NewFrame(protocol.FrameHandshake, hello)))

	_, err := b.s.Accept(ctx, la)
	require.ErrorIs(t, err, protocol.ErrProtocolMismatch)
	assert.True(t, b.s.AllClients().Empty())

	f, err := raw.Recv(ctx)
	require.NoError(t, err)
	w, err := protocol.DecodeWelcome(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.HandshakeVersionMismatch, w.Status)

	f, err = raw.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.FrameError, f.Type)
	em, err := protocol.DecodeErrorMessage(f.Payload)
	require.NoError(t, err)
	assert.True(t, em.IsFatal())
	assert.ErrorIs(t, em, protocol.ErrProtocolMismatch)

	_, err = raw.Recv(ctx)
	assert.ErrorIs(t, err, link.ErrClosed)
}

func TestRemovedPeerLeavesEverySet(t *testing.T) {
	a, b := newPeer(t, "alpha"), newPeer(t, "beta")
	onA, onB := connect(t, a, b)

	require.NoError(t, a.s.Remove(context.Background(), onA))
	assert.Equal(t, syncer.StateDisconnected, onA.State())
	assert.True(t, a.s.AllClients().Empty())
	assert.True(t, a.s.SendAll().Empty())
	assert.ErrorIs(t, a.s.Remove(context.Background(), onA), syncer.ErrUnknownPeer)

	require.Eventually(t, func() bool {
		_, err := b.s.Load(context.Background())
		assert.NoError(t, err)
		return b.s.AllClients().Empty()
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, syncer.StateDisconnected, onB.State())
}

func TestMaxPeersRejectsExtraPeer(t *testing.T) {
	hub := newPeer(t, "hub")
	hub.s = syncer.New(hub.m, syncer.WithHost("hub"), syncer.WithMaxPeers(1), syncer.WithLogger(quiet()))
	t.Cleanup(func() { _ = hub.s.Close(context.Background()) })

	connect(t, newPeer(t, "first"), hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ld, la := link.Pipe(64)
	_, err := hub.s.Accept(ctx, la)
	assert.ErrorIs(t, err, syncer.ErrFull)

	// The busy welcome may or may not beat the close to the dialer.
	_, err = newPeer(t, "second").s.Connect(ctx, ld)
	assert.Error(t, err)
	assert.Equal(t, 1, hub.s.AllClients().Len())
}

func TestPingMeasuresRoundTrip(t *testing.T) {
	a, b := newPeer(t, "alpha"), newPeer(t, "beta")
	onA, _ := connect(t, a, b)
	b.sync(t)
	b.sync(t)

	ctx := context.Background()
	require.NoError(t, a.s.Ping(ctx))
	require.Eventually(t, func() bool {
		_, err := b.s.Load(ctx)
		require.NoError(t, err)
		_, err = a.s.Load(ctx)
		require.NoError(t, err)
		return onA.PeerFrame() == 2
	}, 5*time.Second, time.Millisecond)
	assert.Positive(t, onA.RTT())
}
