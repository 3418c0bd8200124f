// Package layout is the byte-range annotated tree every dyld decoder emits.
//
// Each Node carries a caption, the absolute file offset and length of the
// bytes it describes and, where one applies, the virtual address those bytes
// resolve to. Children are kept in ascending file offset order.
// Nodes are built by a single decoder and must not be modified after the
// decoder returns; a finished tree is safe for concurrent readers.
package layout

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

type Node struct {
	caption  string
	offset   uint64
	length   uint64
	address  uint64
	mapped   bool
	children []*Node
}

// NewNode returns a detached node
func NewNode(caption string, offset, length uint64) *Node {
	return &Node{caption: caption, offset: offset, length: length}
}

// NewMappedNode returns a detached node that resolves to address
func NewMappedNode(caption string, offset, length, address uint64) *Node {
	return &Node{caption: caption, offset: offset, length: length, address: address, mapped: true}
}

func (n *Node) Caption() string { return n.caption }
func (n *Node) Offset() uint64  { return n.offset }
func (n *Node) Length() uint64  { return n.length }

// End returns the offset one past the last byte described by n
func (n *Node) End() uint64 { return n.offset + n.length }

// Address returns the resolved virtual address and whether n has one
func (n *Node) Address() (uint64, bool) { return n.address, n.mapped }

// Children returns a copy of the ordered children
func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// NumChildren returns the number of direct children
func (n *Node) NumChildren() int { return len(n.children) }

// Child returns the i-th child
func (n *Node) Child(i int) *Node { return n.children[i] }

// Insert creates a child of n and places it in offset order
func (n *Node) Insert(caption string, offset, length uint64) *Node {
	return n.Attach(NewNode(caption, offset, length))
}

// InsertMapped creates a child of n that resolves to address
func (n *Node) InsertMapped(caption string, offset, length, address uint64) *Node {
	return n.Attach(NewMappedNode(caption, offset, length, address))
}

// Attach places a detached node among n's children in offset order.
// Nodes with equal offsets keep their insertion order.
func (n *Node) Attach(child *Node) *Node {
	if child == nil {
		return nil
	}
	i := sort.Search(len(n.children), func(i int) bool {
		return n.children[i].offset > child.offset
	})
	n.children = append(n.children, nil)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = child
	return child
}

// Walk visits n and its descendants depth first; depth of n is 0.
// Returning a non-nil error stops the walk.
func (n *Node) Walk(fn func(node *Node, depth int) error) error {
	return n.walk(fn, 0)
}

func (n *Node) walk(fn func(*Node, int) error, depth int) error {
	if err := fn(n, depth); err != nil {
		return err
	}
	for _, c := range n.children {
		if err := c.walk(fn, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of nodes in the tree rooted at n, n included
func (n *Node) Count() int {
	count := 0
	n.Walk(func(*Node, int) error {
		count++
		return nil
	})
	return count
}

// Find returns the first node, depth first, whose caption has the given prefix
func (n *Node) Find(prefix string) *Node {
	var found *Node
	n.Walk(func(node *Node, _ int) error {
		if strings.HasPrefix(node.caption, prefix) {
			found = node
			return io.EOF
		}
		return nil
	})
	return found
}

// Validate checks that every child lies inside its parent and that siblings
// are ordered and do not overlap
func (n *Node) Validate() error {
	var prev *Node
	for _, c := range n.children {
		if c.offset < n.offset || c.End() > n.End() || c.End() < c.offset {
			return &RangeError{Parent: n, Child: c, msg: "child outside parent"}
		}
		if prev != nil && c.offset < prev.End() {
			return &RangeError{Parent: n, Child: c, msg: "overlaps previous sibling"}
		}
		if err := c.Validate(); err != nil {
			return err
		}
		prev = c
	}
	return nil
}

// RangeError is returned by Validate for a node that breaks the tree invariants
type RangeError struct {
	Parent *Node
	Child  *Node
	msg    string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: %q [%#x,%#x) under %q [%#x,%#x)",
		e.msg, e.Child.caption, e.Child.offset, e.Child.End(), e.Parent.caption, e.Parent.offset, e.Parent.End())
}

func (n *Node) String() string {
	var sb strings.Builder
	n.Dump(&sb)
	return sb.String()
}

// Dump writes an indented text rendering of the tree to w
func (n *Node) Dump(w io.Writer) error {
	return n.Walk(func(node *Node, depth int) error {
		addr := ""
		if a, ok := node.Address(); ok {
			addr = fmt.Sprintf(" @ %#x", a)
		}
		_, err := fmt.Fprintf(w, "%s%08x-%08x %s%s\n", strings.Repeat("  ", depth), node.offset, node.End(), node.caption, addr)
		return err
	})
}

type jsonNode struct {
	Caption  string  `json:"caption"`
	Offset   uint64  `json:"offset"`
	Length   uint64  `json:"length"`
	Address  *uint64 `json:"address,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

func (n *Node) MarshalJSON() ([]byte, error) {
	jn := jsonNode{
		Caption:  n.caption,
		Offset:   n.offset,
		Length:   n.length,
		Children: n.children,
	}
	if n.mapped {
		addr := n.address
		jn.Address = &addr
	}
	return json.Marshal(jn)
}
