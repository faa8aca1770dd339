package handle

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	name string
	refs int
}

func (n *node) Retain()  { n.refs++ }
func (n *node) Release() { n.refs-- }

func TestAttachAllocatesSequentially(t *testing.T) {
	tab := NewTable()
	a, b, c := &node{name: "a"}, &node{name: "b"}, &node{name: "c"}

	ha, err := tab.Attach(a, Null)
	require.NoError(t, err)
	hb, _ := tab.Attach(b, Null)
	hc, _ := tab.Attach(c, Null)

	assert.Equal(t, Handle(1), ha)
	assert.Equal(t, Handle(2), hb)
	assert.Equal(t, Handle(3), hc)
	assert.Equal(t, Handle(3), tab.MaxHandle())
	assert.Equal(t, 1, a.refs)
}

func TestAttachReusesLowestFreed(t *testing.T) {
	tab := NewTable()
	objs := make([]*node, 5)
	for i := range objs {
		objs[i] = &node{}
		_, err := tab.Attach(objs[i], Null)
		require.NoError(t, err)
	}

	require.True(t, tab.Delete(4))
	require.True(t, tab.Delete(2))
	assert.Equal(t, 0, objs[1].refs)

	h, err := tab.Attach(&node{}, Null)
	require.NoError(t, err)
	assert.Equal(t, Handle(2), h)

	h, err = tab.Attach(&node{}, Null)
	require.NoError(t, err)
	assert.Equal(t, Handle(4), h)

	h, err = tab.Attach(&node{}, Null)
	require.NoError(t, err)
	assert.Equal(t, Handle(6), h)
}

func TestAttachExplicitHandle(t *testing.T) {
	tab := NewTable()
	a, b := &node{name: "a"}, &node{name: "b"}

	h, err := tab.Attach(a, 10)
	require.NoError(t, err)
	assert.Equal(t, Handle(10), h)
	assert.Equal(t, Handle(10), tab.MaxHandle())

	h, err = tab.Attach(a, 10)
	require.NoError(t, err, "re-attaching the same object is a no-op")
	assert.Equal(t, Handle(10), h)
	assert.Equal(t, 1, a.refs)

	_, err = tab.Attach(b, 10)
	assert.True(t, errors.Is(err, ErrHandleCollision))
	assert.Same(t, a, tab.Get(10))

	h, err = tab.Attach(b, Null)
	require.NoError(t, err)
	assert.Equal(t, Handle(11), h)
}

func TestAttachNil(t *testing.T) {
	tab := NewTable()
	_, err := tab.Attach(nil, Null)
	assert.ErrorIs(t, err, ErrNilObject)
}

func TestDeleteUnused(t *testing.T) {
	tab := NewTable()
	assert.False(t, tab.Delete(0))
	assert.False(t, tab.Delete(7))

	h, _ := tab.Attach(&node{}, Null)
	assert.True(t, tab.Delete(h))
	assert.False(t, tab.Delete(h), "second delete is a no-op")
}

func TestChangeMovesObject(t *testing.T) {
	tab := NewTable()
	a, b := &node{name: "a"}, &node{name: "b"}
	_, _ = tab.Attach(a, 1)
	_, _ = tab.Attach(b, 2)

	require.NoError(t, tab.Change(1, 5))
	assert.Nil(t, tab.Get(1))
	assert.Same(t, a, tab.Get(5))
	assert.Equal(t, Handle(5), tab.HandleOf(a))
	assert.Equal(t, 1, a.refs, "moving does not retain again")

	assert.ErrorIs(t, tab.Change(5, 2), ErrHandleCollision)
	assert.ErrorIs(t, tab.Change(9, 3), ErrUnused)

	h, _ := tab.Attach(&node{}, Null)
	assert.Equal(t, Handle(1), h, "the vacated handle is reused")
	require.NoError(t, tab.Check())
}

func TestMergeKeepsExisting(t *testing.T) {
	dst, src := NewTable(), NewTable()
	a, b, c := &node{name: "a"}, &node{name: "b"}, &node{name: "c"}

	_, _ = dst.Attach(a, 1)
	_, _ = src.Attach(b, 1)
	_, _ = src.Attach(c, 2)
	_, _ = src.Attach(a, 3)

	rejected := dst.Merge(src)
	assert.Equal(t, []Handle{1, 3}, rejected)
	assert.Same(t, a, dst.Get(1))
	assert.Same(t, c, dst.Get(2))
	assert.Nil(t, dst.Get(3))
	require.NoError(t, dst.Check())
}

func TestEachAscending(t *testing.T) {
	tab := NewTable()
	for _, h := range []Handle{7, 2, 5} {
		_, err := tab.Attach(&node{}, h)
		require.NoError(t, err)
	}
	var seen []Handle
	tab.Each(func(h Handle, _ Object) bool {
		seen = append(seen, h)
		return true
	})
	assert.Equal(t, []Handle{2, 5, 7}, seen)
	assert.Equal(t, seen, tab.Handles())
}

func TestSparseHighHandle(t *testing.T) {
	tab := NewTable()
	high := &node{name: "high"}
	_, err := tab.Attach(high, 1<<24)
	require.NoError(t, err)
	assert.Len(t, tab.slots, 1)
	assert.Same(t, high, tab.Get(1<<24))
	assert.Nil(t, tab.Get(1<<23))

	require.True(t, tab.Delete(1<<24))
	assert.Empty(t, tab.slots)
	require.NoError(t, tab.Check())
}

func TestResetReleases(t *testing.T) {
	tab := NewTable()
	a := &node{}
	_, _ = tab.Attach(a, Null)
	tab.Reset()
	assert.Equal(t, 0, a.refs)
	assert.Equal(t, 0, tab.Len())
	assert.Equal(t, Null, tab.MaxHandle())
}

// Random attach/delete sequences keep GetHandle(GetObj(h)) == h.
func TestRandomSequencesStayConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tab := NewTable()
	live := map[Handle]*node{}

	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0, 1:
			n := &node{}
			var want Handle
			if rng.Intn(4) == 0 {
				want = Handle(rng.Intn(64) + 1)
			}
			h, err := tab.Attach(n, want)
			if err != nil {
				require.ErrorIs(t, err, ErrHandleCollision)
				require.Contains(t, live, want)
				continue
			}
			require.NotContains(t, live, h)
			live[h] = n
		case 2:
			for h := range live {
				require.True(t, tab.Delete(h))
				delete(live, h)
				break
			}
		}

		require.Equal(t, len(live), tab.Len())
	}

	require.NoError(t, tab.Check())
	for h, n := range live {
		assert.Same(t, n, tab.Get(h))
		assert.Equal(t, h, tab.HandleOf(tab.Get(h)))
		assert.Equal(t, 1, n.refs)
	}
}
