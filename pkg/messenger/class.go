package messenger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vango-dev/scenesync/pkg/protocol"
)

// Op is an object operation code. Each class owns a contiguous range of ops
// that continues its base class's range.
type Op uint16

// Ops shared by every class.
const (
	OpCreate   Op = 1
	OpDelete   Op = 2
	OpSetName  Op = 3
	OpSetFlags Op = 4

	// NextOp is the first private op of a root class.
	NextOp Op = 5
)

// Registry errors.
var (
	ErrDuplicateClass = errors.New("messenger: class id already registered")
	ErrNoFactory      = errors.New("messenger: class has no factory")
	ErrUnknownBase    = errors.New("messenger: base class not registered")
)

// Class describes one serializable object type.
type Class struct {
	ID   uint16
	Name string

	// Base is the class this one extends, or nil.
	Base *Class

	// Ops is the number of private ops the class adds on top of its base.
	Ops Op

	// New constructs an empty instance for the reader.
	New func() Object

	first Op
}

// FirstOp returns the first private op of the class.
func (c *Class) FirstOp() Op {
	return c.first
}

// NextOp returns the first op past the class's range; a derived class
// starts numbering there.
func (c *Class) NextOp() Op {
	return c.first + c.Ops
}

// Owns reports whether op belongs to the class or one of its bases.
func (c *Class) Owns(op Op) bool {
	return op >= OpCreate && op < c.NextOp()
}

// IsA reports whether c is id or derives from it.
func (c *Class) IsA(id uint16) bool {
	for k := c; k != nil; k = k.Base {
		if k.ID == id {
			return true
		}
	}
	return false
}

func (c *Class) String() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("class(%#04x)", c.ID)
}

// Registry maps class ids to classes. Registration normally happens at
// startup; lookups are safe from any goroutine.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uint16]*Class
	byName map[string]*Class
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uint16]*Class),
		byName: make(map[string]*Class),
	}
}

// Register adds a class and returns the registered copy, whose op range has
// been placed after its base's.
func (r *Registry) Register(c Class) (*Class, error) {
	if err := protocol.ValidateClassID(c.ID); err != nil {
		return nil, err
	}
	if c.New == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFactory, c.String())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; ok {
		return nil, fmt.Errorf("%w: %#04x", ErrDuplicateClass, c.ID)
	}
	c.first = NextOp
	if c.Base != nil {
		base, ok := r.byID[c.Base.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBase, c.Base.String())
		}
		c.Base = base
		c.first = base.NextOp()
	}
	reg := &c
	r.byID[c.ID] = reg
	if c.Name != "" {
		r.byName[c.Name] = reg
	}
	return reg, nil
}

// MustRegister is Register for package initialization; it panics on error.
func (r *Registry) MustRegister(c Class) *Class {
	reg, err := r.Register(c)
	if err != nil {
		panic(err)
	}
	return reg
}

// Lookup returns the class with the given id.
func (r *Registry) Lookup(id uint16) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// ByName returns the class registered under name.
func (r *Registry) ByName(name string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// Classes returns every registered class ordered by id.
func (r *Registry) Classes() []*Class {
	r.mu.RLock()
	out := make([]*Class, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
