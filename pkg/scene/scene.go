// Package scene provides a small set of shared object classes: nodes,
// shapes and materials. The CLI prints graphs of them and tests use them to
// drive the codec.
package scene

import (
	"fmt"
	"slices"
	"strings"

	"github.com/vango-dev/scenesync/pkg/handle"
	"github.com/vango-dev/scenesync/pkg/messenger"
)

// Class ids.
const (
	ClassNode     uint16 = 0x0101
	ClassShape    uint16 = 0x0102
	ClassMaterial uint16 = 0x0103
)

// Node ops.
const (
	OpNodeSetPosition = messenger.NextOp + iota
	OpNodeSetVisible
	OpNodeAppend
	OpNodeRemove
	nodeNextOp
)

// Shape ops continue the node range.
const (
	OpShapeSetColor = nodeNextOp + iota
	OpShapeSetRadius
	OpShapeSetMaterial
	shapeNextOp
)

// Material ops.
const (
	OpMaterialSetDiffuse = messenger.NextOp + iota
	OpMaterialSetShininess
	materialNextOp
)

// Register adds the scene classes to r.
func Register(r *messenger.Registry) error {
	node, err := r.Register(messenger.Class{
		ID:   ClassNode,
		Name: "Node",
		Ops:  nodeNextOp - messenger.NextOp,
		New:  func() messenger.Object { return &Node{} },
	})
	if err != nil {
		return err
	}
	if _, err := r.Register(messenger.Class{
		ID:   ClassShape,
		Name: "Shape",
		Base: node,
		Ops:  shapeNextOp - nodeNextOp,
		New:  func() messenger.Object { return &Shape{} },
	}); err != nil {
		return err
	}
	_, err = r.Register(messenger.Class{
		ID:   ClassMaterial,
		Name: "Material",
		Ops:  materialNextOp - messenger.NextOp,
		New:  func() messenger.Object { return &Material{} },
	})
	return err
}

// NewRegistry returns a registry holding the scene classes.
func NewRegistry() *messenger.Registry {
	r := messenger.NewRegistry()
	if err := Register(r); err != nil {
		panic(err)
	}
	return r
}

// Node is a named, positioned group of children.
type Node struct {
	Label    string
	Bits     uint32
	Position [3]float32
	Visible  bool
	Children []messenger.Object
}

// NewNode creates a visible node.
func NewNode(label string) *Node {
	return &Node{Label: label, Visible: true}
}

func (n *Node) ClassID() uint16       { return ClassNode }
func (n *Node) Name() string          { return n.Label }
func (n *Node) SetName(name string)   { n.Label = name }
func (n *Node) Flags() uint32         { return n.Bits }
func (n *Node) SetFlags(flags uint32) { n.Bits = flags }

// References returns the children.
func (n *Node) References() []messenger.Object { return n.Children }

// Append adds child unless it is already a child.
func (n *Node) Append(child messenger.Object) bool {
	if child == nil || slices.Contains(n.Children, child) {
		return false
	}
	n.Children = append(n.Children, child)
	return true
}

// Remove drops child.
func (n *Node) Remove(child messenger.Object) bool {
	i := slices.Index(n.Children, child)
	if i < 0 {
		return false
	}
	n.Children = slices.Delete(n.Children, i, i+1)
	return true
}

func (n *Node) Encode(w *messenger.Writer) error {
	n.encodeAs(w, n)
	return nil
}

// encodeAs writes the node state of self, which may embed n.
func (n *Node) encodeAs(w *messenger.Writer, self messenger.Object) {
	w.Op(self, OpNodeSetPosition)
	w.PutVec(n.Position[:])
	w.Op(self, OpNodeSetVisible)
	w.PutBool(n.Visible)
	for _, c := range n.Children {
		w.Op(self, OpNodeAppend)
		w.PutObj(c)
	}
}

func (n *Node) Decode(r *messenger.Reader, op messenger.Op) (bool, error) {
	switch op {
	case OpNodeSetPosition:
		v, err := r.Vec()
		if err != nil {
			return true, err
		}
		copy(n.Position[:], v)
	case OpNodeSetVisible:
		v, err := r.Bool()
		if err != nil {
			return true, err
		}
		n.Visible = v
	case OpNodeAppend:
		c, err := r.Obj()
		if err != nil {
			return true, err
		}
		n.Append(c)
	case OpNodeRemove:
		c, err := r.Obj()
		if err != nil {
			return true, err
		}
		n.Remove(c)
	default:
		return false, nil
	}
	return true, nil
}

// Shape is a node with a color, a radius and a material.
type Shape struct {
	Node
	Color    [4]float32
	Radius   float32
	Material *Material
}

// NewShape creates a visible shape.
func NewShape(label string) *Shape {
	return &Shape{Node: Node{Label: label, Visible: true}, Color: [4]float32{1, 1, 1, 1}}
}

func (s *Shape) ClassID() uint16 { return ClassShape }

func (s *Shape) References() []messenger.Object {
	refs := slices.Clone(s.Children)
	if s.Material != nil {
		refs = append(refs, s.Material)
	}
	return refs
}

func (s *Shape) Encode(w *messenger.Writer) error {
	s.encodeAs(w, s)
	w.Op(s, OpShapeSetColor)
	for _, c := range s.Color {
		w.PutFloat(c)
	}
	w.Op(s, OpShapeSetRadius)
	w.PutFloat(s.Radius)
	if s.Material != nil {
		w.Op(s, OpShapeSetMaterial)
		w.PutObj(s.Material)
	}
	return nil
}

func (s *Shape) Decode(r *messenger.Reader, op messenger.Op) (bool, error) {
	switch op {
	case OpShapeSetColor:
		for i := range s.Color {
			v, err := r.Float()
			if err != nil {
				return true, err
			}
			s.Color[i] = v
		}
	case OpShapeSetRadius:
		v, err := r.Float()
		if err != nil {
			return true, err
		}
		s.Radius = v
	case OpShapeSetMaterial:
		m, err := messenger.ObjAs[*Material](r)
		if err != nil {
			return true, err
		}
		s.Material = m
	default:
		return s.Node.Decode(r, op)
	}
	return true, nil
}

// Material is a shared surface description.
type Material struct {
	Label     string
	Diffuse   [3]float32
	Shininess float32
}

// NewMaterial creates a material.
func NewMaterial(label string) *Material {
	return &Material{Label: label}
}

func (m *Material) ClassID() uint16     { return ClassMaterial }
func (m *Material) Name() string        { return m.Label }
func (m *Material) SetName(name string) { m.Label = name }

func (m *Material) Encode(w *messenger.Writer) error {
	w.Op(m, OpMaterialSetDiffuse)
	w.PutVec(m.Diffuse[:])
	w.Op(m, OpMaterialSetShininess)
	w.PutFloat(m.Shininess)
	return nil
}

func (m *Material) Decode(r *messenger.Reader, op messenger.Op) (bool, error) {
	switch op {
	case OpMaterialSetDiffuse:
		v, err := r.Vec()
		if err != nil {
			return true, err
		}
		copy(m.Diffuse[:], v)
	case OpMaterialSetShininess:
		v, err := r.Float()
		if err != nil {
			return true, err
		}
		m.Shininess = v
	default:
		return false, nil
	}
	return true, nil
}

// Describe renders obj and its children as an indented tree.
func Describe(obj messenger.Object) string {
	var sb strings.Builder
	describe(&sb, obj, 0, make(map[messenger.Object]bool))
	return sb.String()
}

func describe(sb *strings.Builder, obj messenger.Object, depth int, seen map[messenger.Object]bool) {
	indent := strings.Repeat("  ", depth)
	if seen[obj] {
		fmt.Fprintf(sb, "%s(cycle)\n", indent)
		return
	}
	seen[obj] = true
	switch o := obj.(type) {
	case *Shape:
		fmt.Fprintf(sb, "%sShape %q pos=%v radius=%g", indent, o.Label, o.Position, o.Radius)
		if o.Material != nil {
			fmt.Fprintf(sb, " material=%q", o.Material.Label)
		}
		sb.WriteByte('\n')
		for _, c := range o.Children {
			describe(sb, c, depth+1, seen)
		}
	case *Node:
		fmt.Fprintf(sb, "%sNode %q pos=%v visible=%t\n", indent, o.Label, o.Position, o.Visible)
		for _, c := range o.Children {
			describe(sb, c, depth+1, seen)
		}
	case *Material:
		fmt.Fprintf(sb, "%sMaterial %q diffuse=%v shininess=%g\n", indent, o.Label, o.Diffuse, o.Shininess)
	default:
		fmt.Fprintf(sb, "%s%T\n", indent, obj)
	}
}

// Roots returns the objects of m that no other object references, in
// handle order.
func Roots(m *messenger.Messenger) []messenger.Object {
	var all []messenger.Object
	referenced := make(map[messenger.Object]bool)
	m.Table().Each(func(_ handle.Handle, o handle.Object) bool {
		obj, ok := o.(messenger.Object)
		if !ok {
			return true
		}
		all = append(all, obj)
		if r, ok := obj.(messenger.Referrer); ok {
			for _, ref := range r.References() {
				if ref != obj {
					referenced[ref] = true
				}
			}
		}
		return true
	})

	roots := all[:0]
	for _, obj := range all {
		if !referenced[obj] {
			roots = append(roots, obj)
		}
	}
	return roots
}
