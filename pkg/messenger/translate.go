package messenger

import (
	"sort"
	"sync"

	"github.com/vango-dev/scenesync/pkg/handle"
	"github.com/vango-dev/scenesync/pkg/protocol"
)

// RemapAck is set in a Remap mask when the record echoes a remap the
// receiver issued.
const RemapAck uint32 = 1 << 31

// PeerWindow is how far past the local MaxHandle a peer's handle may be
// kept as-is. Farther handles are bound to a fresh local handle and remapped.
const PeerWindow handle.Handle = 1 << 10

// Translation maps the handles of one remote writer onto the local table.
// Remote handles without an entry are taken as-is.
type Translation struct {
	mu      sync.RWMutex
	table   *handle.Table
	in      map[handle.Handle]handle.Handle // remote -> local
	out     map[handle.Handle]handle.Handle // local -> remote
	pending map[handle.Handle]handle.Handle // remaps issued and not yet acked: remote -> local

	// deferred holds remaps received while their New handle still named a
	// live object, keyed by that handle.
	deferred map[handle.Handle]protocol.RemapRecord

	// OnRemap is called (without the lock held) with every record addressed
	// to the remote writer: remaps, identity binds and acknowledgements.
	OnRemap func(rec protocol.RemapRecord)

	// Mask identifies the remote writer in issued Remap records.
	Mask uint32

	// Window bounds how far past MaxHandle Bind keeps a remote handle; zero
	// keeps any.
	Window handle.Handle
}

// NewTranslation creates an empty translation onto table.
func NewTranslation(table *handle.Table) *Translation {
	return &Translation{
		table:    table,
		in:       make(map[handle.Handle]handle.Handle),
		out:      make(map[handle.Handle]handle.Handle),
		pending:  make(map[handle.Handle]handle.Handle),
		deferred: make(map[handle.Handle]protocol.RemapRecord),
	}
}

// Lookup returns the local handle for a remote one.
func (t *Translation) Lookup(remote handle.Handle) handle.Handle {
	if remote == handle.Null {
		return handle.Null
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if local, ok := t.in[remote]; ok {
		return local
	}
	return remote
}

// Known returns the local handle only when the remote one has an explicit
// entry.
func (t *Translation) Known(remote handle.Handle) (handle.Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	local, ok := t.in[remote]
	return local, ok
}

// RemoteOf returns the remote writer's handle for a local object handle.
func (t *Translation) RemoteOf(local handle.Handle) (handle.Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	remote, ok := t.out[local]
	return remote, ok
}

// Bind attaches a new object announced under a remote handle.
//
// A free local slot within the window keeps the remote number, and the
// remote writer is told with an identity record (Old == New) so that its
// own later references to the object resolve to the original. Otherwise the
// object gets a fresh handle and a Remap record that stays pending until
// the remote acknowledges it.
func (t *Translation) Bind(remote handle.Handle, obj Object) (handle.Handle, error) {
	if t.Window == 0 || remote <= t.table.MaxHandle()+t.Window {
		if local, err := t.table.Attach(obj, remote); err == nil {
			t.record(remote, local)
			t.emit(protocol.RemapRecord{Old: uint32(remote), New: uint32(local), Mask: t.Mask})
			return local, nil
		}
	}
	local, err := t.table.Attach(obj, handle.Null)
	if err != nil {
		return handle.Null, err
	}
	t.record(remote, local)

	t.mu.Lock()
	t.pending[remote] = local
	t.mu.Unlock()
	t.emit(protocol.RemapRecord{Old: uint32(remote), New: uint32(local), Mask: t.Mask})
	return local, nil
}

// Set records an explicit remote -> local entry.
func (t *Translation) Set(remote, local handle.Handle) {
	t.record(remote, local)
}

func (t *Translation) record(remote, local handle.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.in[remote]; ok {
		delete(t.out, prev)
	}
	t.in[remote] = local
	t.out[local] = remote
}

// Apply handles a Remap record from the remote writer. A plain record means
// the remote knows our handle Old as its handle New; it is acknowledged
// through OnRemap. An identity record is not acknowledged. An
// acknowledgement clears the matching pending remap.
//
// A record whose New handle still names a live object was issued after the
// remote freed and reused that handle, and the remote's delete follows in
// the same frame. Such a record waits for Forget or Settle.
func (t *Translation) Apply(rec protocol.RemapRecord) {
	old, nu := handle.Handle(rec.Old), handle.Handle(rec.New)
	t.mu.Lock()
	if rec.Mask&RemapAck != 0 {
		if local, ok := t.pending[old]; ok && local == nu {
			delete(t.pending, old)
		}
		t.mu.Unlock()
		return
	}
	if cur, ok := t.in[nu]; ok && cur != old && t.table.Get(cur) != nil {
		t.deferred[nu] = rec
		t.mu.Unlock()
		return
	}
	ack, ok := t.apply(rec)
	t.mu.Unlock()

	if ok {
		t.emit(ack)
	}
}

// apply binds rec.New to rec.Old and returns the acknowledgement to send,
// if any. t.mu must be held.
func (t *Translation) apply(rec protocol.RemapRecord) (protocol.RemapRecord, bool) {
	local, remote := handle.Handle(rec.Old), handle.Handle(rec.New)
	delete(t.deferred, remote)
	if prev, ok := t.in[remote]; ok {
		delete(t.out, prev)
	}
	// One local object has one remote handle.
	if prev, ok := t.out[local]; ok {
		delete(t.in, prev)
	}
	t.in[remote] = local
	t.out[local] = remote
	if local == remote {
		return protocol.RemapRecord{}, false
	}
	return protocol.RemapRecord{Old: rec.Old, New: rec.New, Mask: rec.Mask | RemapAck}, true
}

// Settle applies the remaps still deferred, dropping the entries their New
// handles held. It is called at the remote writer's sync, once every delete
// sent before it has been read, and returns the remote handles it rebound.
func (t *Translation) Settle() []handle.Handle {
	t.mu.Lock()
	if len(t.deferred) == 0 {
		t.mu.Unlock()
		return nil
	}
	recs := make([]protocol.RemapRecord, 0, len(t.deferred))
	for _, rec := range t.deferred {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].New < recs[j].New })

	settled := make([]handle.Handle, 0, len(recs))
	var acks []protocol.RemapRecord
	for _, rec := range recs {
		settled = append(settled, handle.Handle(rec.New))
		if ack, ok := t.apply(rec); ok {
			acks = append(acks, ack)
		}
	}
	t.mu.Unlock()

	for _, ack := range acks {
		t.emit(ack)
	}
	return settled
}

// Forget drops the entry of a local handle whose object was deleted. A remap
// deferred on the freed remote handle applies now.
func (t *Translation) Forget(local handle.Handle) {
	t.mu.Lock()
	remote, ok := t.out[local]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.in, remote)
	delete(t.out, local)
	delete(t.pending, remote)

	var (
		ack  protocol.RemapRecord
		send bool
	)
	if rec, waiting := t.deferred[remote]; waiting {
		ack, send = t.apply(rec)
	}
	t.mu.Unlock()

	if send {
		t.emit(ack)
	}
}

// Pending returns the remote handles whose remap has not been acknowledged.
func (t *Translation) Pending() []handle.Handle {
	t.mu.RLock()
	out := make([]handle.Handle, 0, len(t.pending))
	for remote := range t.pending {
		out = append(out, remote)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Deferred returns the remote handles with a remap waiting on a delete.
func (t *Translation) Deferred() []handle.Handle {
	t.mu.RLock()
	out := make([]handle.Handle, 0, len(t.deferred))
	for remote := range t.deferred {
		out = append(out, remote)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of explicit entries.
func (t *Translation) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.in)
}

// Reset drops every entry.
func (t *Translation) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.in = make(map[handle.Handle]handle.Handle)
	t.out = make(map[handle.Handle]handle.Handle)
	t.pending = make(map[handle.Handle]handle.Handle)
	t.deferred = make(map[handle.Handle]protocol.RemapRecord)
}

func (t *Translation) emit(rec protocol.RemapRecord) {
	t.mu.RLock()
	onRemap := t.OnRemap
	t.mu.RUnlock()
	if onRemap != nil {
		onRemap(rec)
	}
}
