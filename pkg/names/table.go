// Package names is a case-insensitive directory of named objects.
package names

import (
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

// Object is any named entry. Objects are compared by identity.
type Object = any

type entry struct {
	name string // as defined
	key  string // folded
	obj  Object
}

// Table maps names to objects. Several objects may share a name; lookups
// return them in insertion order. Names compare case-insensitively: the
// same folding feeds both the hash key and every comparison.
type Table struct {
	mu      sync.RWMutex
	entries []*entry
	byKey   map[string][]*entry
}

// NewTable creates an empty name table.
func NewTable() *Table {
	return &Table{
		byKey: make(map[string][]*entry),
	}
}

// fold normalizes a name for hashing and comparison. A Caser carries state,
// so each call gets its own.
func (t *Table) fold(s string) string {
	return cases.Fold().String(s)
}

// Find returns the first object defined under name, or nil.
func (t *Table) Find(name string) Object {
	key := t.fold(name)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if list := t.byKey[key]; len(list) > 0 {
		return list[0].obj
	}
	return nil
}

// FindAll returns every object whose name matches pattern. A leading and/or
// trailing '*' turns the pattern into a suffix, prefix or substring match;
// "*" alone matches everything.
func (t *Table) FindAll(pattern string) []Object {
	match := t.matcher(pattern)
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Object
	for _, e := range t.entries {
		if match(e.key) {
			out = append(out, e.obj)
		}
	}
	return out
}

func (t *Table) matcher(pattern string) func(string) bool {
	leading := strings.HasPrefix(pattern, "*")
	trailing := len(pattern) > 1 && strings.HasSuffix(pattern, "*")
	core := t.fold(strings.TrimSuffix(strings.TrimPrefix(pattern, "*"), "*"))
	if pattern == "*" {
		core = ""
		trailing = true
	}
	switch {
	case leading && trailing:
		return func(k string) bool { return strings.Contains(k, core) }
	case leading:
		return func(k string) bool { return strings.HasSuffix(k, core) }
	case trailing:
		return func(k string) bool { return strings.HasPrefix(k, core) }
	default:
		return func(k string) bool { return k == core }
	}
}

// Define binds name to obj, overwriting the first existing entry with that
// name or appending a new one.
func (t *Table) Define(name string, obj Object) {
	key := t.fold(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if list := t.byKey[key]; len(list) > 0 {
		list[0].obj = obj
		list[0].name = name
		return
	}
	e := &entry{name: name, key: key, obj: obj}
	t.entries = append(t.entries, e)
	t.byKey[key] = append(t.byKey[key], e)
}

// Add appends an entry even if the name is already taken.
func (t *Table) Add(name string, obj Object) {
	e := &entry{name: name, key: t.fold(name), obj: obj}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
	t.byKey[e.key] = append(t.byKey[e.key], e)
}

// Merge copies every entry of other into t. On a name clash the incoming
// object wins.
func (t *Table) Merge(other *Table) {
	if other == nil || other == t {
		return
	}
	other.mu.RLock()
	incoming := make([]entry, len(other.entries))
	for i, e := range other.entries {
		incoming[i] = *e
	}
	other.mu.RUnlock()

	for _, e := range incoming {
		t.Define(e.name, e.obj)
	}
}

// Remove deletes every entry named name and reports whether any existed.
func (t *Table) Remove(name string) bool {
	key := t.fold(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byKey[key]; !ok {
		return false
	}
	delete(t.byKey, key)
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.key != key {
			kept = append(kept, e)
		}
	}
	t.entries = kept
	return true
}

// RemoveObject deletes every entry pointing at obj and returns how many
// were removed.
func (t *Table) RemoveObject(obj Object) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.obj == obj {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	if removed > 0 {
		t.byKey = make(map[string][]*entry, len(t.entries))
		for _, e := range t.entries {
			t.byKey[e.key] = append(t.byKey[e.key], e)
		}
	}
	return removed
}

// NameOf returns the first name obj is defined under.
func (t *Table) NameOf(obj Object) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.obj == obj {
			return e.name, true
		}
	}
	return "", false
}

// Names returns all names in insertion order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.name
	}
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
