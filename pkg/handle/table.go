// Package handle maps small integer handles to live objects.
//
// A Table is scoped to one messenger. Handle numbering is local to the
// table: two tables may use the same handle for unrelated objects, which is
// what the synchronizer reconciles.
package handle

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Handle identifies an object within one Table.
type Handle uint32

// Null is the reserved "no object" handle.
const Null Handle = 0

// Object is anything a table can hold. Objects are compared by identity, so
// they must be comparable values (in practice, pointers).
type Object = any

// Counted objects are retained while attached to a table.
type Counted interface {
	Retain()
	Release()
}

// Table errors.
var (
	ErrHandleCollision = errors.New("handle: handle occupied by another object")
	ErrNilObject       = errors.New("handle: nil object")
	ErrUnused          = errors.New("handle: handle not in use")
	ErrCorrupt         = errors.New("handle: table corrupt")
)

// Table is a bidirectional handle <-> object map. It is safe for concurrent
// use; every operation holds the lock only for its own duration.
type Table struct {
	mu    sync.RWMutex
	slots map[Handle]Object
	index map[Object]Handle
	free  freeList
	max   Handle
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		slots: make(map[Handle]Object),
		index: make(map[Object]Handle),
	}
}

// Attach binds obj to h and returns the handle used. A zero h allocates
// the lowest free handle, else MaxHandle+1. Attaching an object that is
// already in the table at h (or with h == 0) returns its handle. An object
// attached elsewhere is moved to h. A nonzero h held by another object
// fails with ErrHandleCollision.
func (t *Table) Attach(obj Object, h Handle) (Handle, error) {
	if obj == nil {
		return Null, ErrNilObject
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.index[obj]; ok {
		if h == Null || h == cur {
			return cur, nil
		}
		if occupant := t.get(h); occupant != nil {
			return Null, fmt.Errorf("%w: %d", ErrHandleCollision, h)
		}
		delete(t.slots, cur)
		heap.Push(&t.free, cur)
		t.place(obj, h)
		return h, nil
	}

	if h == Null {
		h = t.alloc()
	} else if t.get(h) != nil {
		return Null, fmt.Errorf("%w: %d", ErrHandleCollision, h)
	}
	t.place(obj, h)
	if c, ok := obj.(Counted); ok {
		c.Retain()
	}
	return h, nil
}

// Delete removes the object bound to h and frees the handle for reuse.
// It reports false if h was not in use.
func (t *Table) Delete(h Handle) bool {
	t.mu.Lock()
	obj := t.get(h)
	if obj == nil {
		t.mu.Unlock()
		return false
	}
	if t.index[obj] != h {
		t.mu.Unlock()
		panic(fmt.Errorf("%w: handle %d maps to an object indexed at %d", ErrCorrupt, h, t.index[obj]))
	}
	delete(t.slots, h)
	delete(t.index, obj)
	heap.Push(&t.free, h)
	t.mu.Unlock()

	if c, ok := obj.(Counted); ok {
		c.Release()
	}
	return true
}

// Detach removes obj from the table, returning the handle it held.
func (t *Table) Detach(obj Object) Handle {
	h := t.HandleOf(obj)
	if h != Null {
		t.Delete(h)
	}
	return h
}

// Get returns the object bound to h, or nil.
func (t *Table) Get(h Handle) Object {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.get(h)
}

// HandleOf returns the handle of obj, or Null.
func (t *Table) HandleOf(obj Object) Handle {
	if obj == nil {
		return Null
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index[obj]
}

// Change moves the object at old to new.
func (t *Table) Change(old, new Handle) error {
	obj := t.Get(old)
	if obj == nil {
		return fmt.Errorf("%w: %d", ErrUnused, old)
	}
	_, err := t.Attach(obj, new)
	return err
}

// Merge absorbs the entries of other. Entries already present are kept.
// It returns, in ascending order, the incoming handles that could not be
// kept as-is because the slot held a different object or the object already
// lived under another handle.
func (t *Table) Merge(other *Table) []Handle {
	if other == nil || other == t {
		return nil
	}
	type entry struct {
		h   Handle
		obj Object
	}
	var incoming []entry
	other.Each(func(h Handle, obj Object) bool {
		incoming = append(incoming, entry{h, obj})
		return true
	})

	var rejected []Handle
	for _, e := range incoming {
		t.mu.RLock()
		occupant := t.get(e.h)
		cur, present := t.index[e.obj]
		t.mu.RUnlock()

		switch {
		case occupant == e.obj:
		case occupant != nil, present && cur != e.h:
			rejected = append(rejected, e.h)
		default:
			if _, err := t.Attach(e.obj, e.h); err != nil {
				rejected = append(rejected, e.h)
			}
		}
	}
	return rejected
}

// Each calls fn for every entry in ascending handle order until fn returns
// false. fn runs without the table lock held.
func (t *Table) Each(fn func(Handle, Object) bool) {
	type entry struct {
		h   Handle
		obj Object
	}
	t.mu.RLock()
	snapshot := make([]entry, 0, len(t.slots))
	for h, obj := range t.slots {
		snapshot = append(snapshot, entry{h, obj})
	}
	t.mu.RUnlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].h < snapshot[j].h })

	for _, e := range snapshot {
		if !fn(e.h, e.obj) {
			return
		}
	}
}

// Handles returns all live handles in ascending order.
func (t *Table) Handles() []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Handle, 0, len(t.index))
	for _, h := range t.index {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.index)
}

// MaxHandle returns the highest handle ever issued.
func (t *Table) MaxHandle() Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.max
}

// Reset releases every entry and empties the table, including MaxHandle.
func (t *Table) Reset() {
	t.mu.Lock()
	released := make([]Object, 0, len(t.index))
	for obj := range t.index {
		released = append(released, obj)
	}
	t.slots = make(map[Handle]Object)
	t.index = make(map[Object]Handle)
	t.free = t.free[:0]
	t.max = Null
	t.mu.Unlock()

	for _, obj := range released {
		if c, ok := obj.(Counted); ok {
			c.Release()
		}
	}
}

// Check verifies that the forward and reverse maps agree.
func (t *Table) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for slot, obj := range t.slots {
		if h := t.index[obj]; h != slot {
			return fmt.Errorf("%w: slot %d indexed as %d", ErrCorrupt, slot, h)
		}
	}
	if len(t.slots) != len(t.index) {
		return fmt.Errorf("%w: %d slots, %d index entries", ErrCorrupt, len(t.slots), len(t.index))
	}
	return nil
}

func (t *Table) get(h Handle) Object {
	if h == Null {
		return nil
	}
	return t.slots[h]
}

// alloc pops the lowest freed handle that is still unused, else MaxHandle+1.
func (t *Table) alloc() Handle {
	for t.free.Len() > 0 {
		h := heap.Pop(&t.free).(Handle)
		if t.get(h) == nil {
			return h
		}
	}
	return t.max + 1
}

func (t *Table) place(obj Object, h Handle) {
	t.slots[h] = obj
	t.index[obj] = h
	if h > t.max {
		t.max = h
	}
}

// freeList is a min-heap of handles. Entries may be stale (re-occupied by
// an explicit attach); alloc skips those.
type freeList []Handle

func (f freeList) Len() int           { return len(f) }
func (f freeList) Less(i, j int) bool { return f[i] < f[j] }
func (f freeList) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }
func (f *freeList) Push(x any)        { *f = append(*f, x.(Handle)) }
func (f *freeList) Pop() any {
	old := *f
	n := len(old)
	x := old[n-1]
	*f = old[:n-1]
	return x
}
