// Package trie decodes the dyld export trie.
package trie

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/appsworld/go-dyldinfo/internal/cursor"
	"github.com/appsworld/go-dyldinfo/pkg/layout"
	"github.com/appsworld/go-dyldinfo/types"
)

// ErrNotFound is returned by Find for a symbol the trie does not export
var ErrNotFound = errors.New("symbol not in trie")

// TrieEntry is one exported symbol
type TrieEntry struct {
	Name     string
	ReExport string // imported name of a re-export, empty if unchanged
	Flags    types.ExportFlag
	Other    uint64 // re-export: library ordinal; stub-and-resolver: resolver address
	Address  uint64 // symbol or stub address; absolute value for absolute symbols
}

func (e TrieEntry) String() string {
	if e.Flags.ReExport() {
		name := e.ReExport
		if len(name) == 0 {
			name = e.Name
		}
		return fmt.Sprintf("%s (%s re-exported from ordinal %d)", e.Name, name, e.Other)
	} else if e.Flags.StubAndResolver() {
		return fmt.Sprintf("%#016x: %s\t(resolver %#x)", e.Address, e.Name, e.Other)
	}
	return fmt.Sprintf("%#016x: %s", e.Address, e.Name)
}

// mapped reports whether the entry resolves to an address inside the image
func (e TrieEntry) mapped() bool {
	return !e.Flags.ReExport() && !e.Flags.Absolute()
}

type edge struct {
	label      string
	child      uint64 // trie offset of the child node
	start, end uint64 // file offsets of the edge record
}

// node is one decoded trie node
type node struct {
	prefix  string
	start   uint64 // file offset of the node
	termEnd uint64 // file offset just past the terminal record
	end     uint64 // file offset just past the last edge
	entry   *TrieEntry
	edges   []edge
}

// readNode decodes the node at trie offset off; prefix is the string
// accumulated along the path that reached it.
func readNode(c *cursor.Cursor, off int, prefix string, base uint64) (*node, error) {
	if err := c.Seek(off); err != nil {
		return nil, err
	}
	n := &node{prefix: prefix, start: c.Offset()}

	size, err := c.Uleb128()
	if err != nil {
		return nil, err
	}
	if size > uint64(c.Remaining()) {
		return nil, types.NewDecodeError(types.TruncatedStream, c.Offset(), "terminal record exceeds export trie", size)
	}
	if size > 0 {
		term, _ := c.Sub(int(size))
		e, err := readTerminal(term, prefix, base)
		if err != nil {
			return nil, err
		}
		n.entry = e
	}
	n.termEnd = c.Offset()

	count, err := c.ReadByte()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(count); i++ {
		start := c.Offset()
		label, err := c.CString()
		if err != nil {
			return nil, err
		}
		child, err := c.Uleb128()
		if err != nil {
			return nil, err
		}
		n.edges = append(n.edges, edge{label: label, child: child, start: start, end: c.Offset()})
	}
	n.end = c.Offset()

	return n, nil
}

func readTerminal(c *cursor.Cursor, name string, base uint64) (*TrieEntry, error) {
	flags, err := c.Uleb128()
	if err != nil {
		return nil, err
	}
	e := &TrieEntry{Name: name, Flags: types.ExportFlag(flags)}

	switch {
	case e.Flags.ReExport():
		if e.Other, err = c.Uleb128(); err != nil {
			return nil, err
		}
		if e.ReExport, err = c.CString(); err != nil {
			return nil, err
		}
	case e.Flags.StubAndResolver():
		stub, err := c.Uleb128()
		if err != nil {
			return nil, err
		}
		resolver, err := c.Uleb128()
		if err != nil {
			return nil, err
		}
		e.Address = stub + base
		e.Other = resolver + base
	default:
		if e.Address, err = c.Uleb128(); err != nil {
			return nil, err
		}
		if e.Flags.Regular() || e.Flags.ThreadLocal() {
			e.Address += base
		}
	}

	return e, nil
}

// frame is a pending node on the work stack
type frame struct {
	offset uint64
	prefix string
	parent *frame
}

func (f *frame) hasAncestor(off uint64) bool {
	for p := f; p != nil; p = p.parent {
		if p.offset == off {
			return true
		}
	}
	return false
}

// walk decodes every node reachable from the root in pre-order and calls
// visit for each. Every node offset is entered at most once, so the work
// stack never holds more entries than the trie has bytes.
func walk(region types.Region, visit func(*node)) error {
	if len(region.Data) == 0 {
		return nil
	}

	c := cursor.New(region.Data, region.FileOffset)
	visited := map[uint64]bool{0: true}
	stack := []*frame{{offset: 0}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n, err := readNode(c, int(f.offset), f.prefix, region.BaseAddress)
		if err != nil {
			return err
		}
		visit(n)

		children := make([]*frame, 0, len(n.edges))
		for _, e := range n.edges {
			switch {
			case e.child >= uint64(len(region.Data)):
				return types.NewDecodeError(types.InvalidTrieEdge, e.start, "edge points outside the export trie", e.child)
			case f.hasAncestor(e.child):
				return types.NewDecodeError(types.InvalidTrieEdge, e.start, "edge points back at an ancestor", e.child)
			case visited[e.child]:
				return types.NewDecodeError(types.InvalidTrieEdge, e.start, "edge points at a node reached by another path", e.child)
			}
			visited[e.child] = true
			children = append(children, &frame{offset: e.child, prefix: f.prefix + e.label, parent: f})
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	return nil
}

// Decode decodes region as an export trie and returns its node, attached
// to parent when parent is not nil. Each trie node becomes a child of the
// returned node holding its terminal record and edges. The nodes decoded
// before a malformed edge or record are kept alongside the error.
func Decode(parent *layout.Node, caption string, region types.Region) (*layout.Node, error) {
	root := layout.NewNode(caption, region.FileOffset, region.Length())
	if parent != nil {
		parent.Attach(root)
	}

	exports := 0
	err := walk(region, func(n *node) {
		tn := root.Insert(nodeCaption(n), n.start, n.end-n.start)
		if n.entry != nil {
			exports++
			caption := fmt.Sprintf("export %s [%s]", n.entry.Name, describe(*n.entry))
			if n.entry.mapped() {
				tn.InsertMapped(caption, n.start, n.termEnd-n.start, n.entry.Address)
			} else {
				tn.Insert(caption, n.start, n.termEnd-n.start)
			}
		}
		for _, e := range n.edges {
			tn.Insert(fmt.Sprintf("edge %q -> %#x", e.label, e.child), e.start, e.end-e.start)
		}
	})

	log.WithFields(log.Fields{
		"nodes":   root.NumChildren(),
		"exports": exports,
	}).Debug("decoded export trie")

	return root, err
}

func nodeCaption(n *node) string {
	if len(n.prefix) == 0 {
		return "root"
	}
	return fmt.Sprintf("node %q", n.prefix)
}

// ParseTrie returns the exported symbols of trieData in trie order.
// Addresses are rebased on loadAddress.
func ParseTrie(trieData []byte, loadAddress uint64) ([]TrieEntry, error) {
	var entries []TrieEntry

	err := walk(types.Region{Data: trieData, BaseAddress: loadAddress}, func(n *node) {
		if n.entry != nil {
			entries = append(entries, *n.entry)
		}
	})

	return entries, err
}

// Find follows the edges of the trie matching symbol and returns its
// terminal record
func Find(trieData []byte, symbol string, loadAddress uint64) (*TrieEntry, error) {
	if len(trieData) == 0 {
		return nil, ErrNotFound
	}

	c := cursor.New(trieData, 0)
	visited := make(map[uint64]bool)

	var off uint64
	matched := 0
	for {
		if visited[off] {
			return nil, types.NewDecodeError(types.InvalidTrieEdge, off, "edge revisits a node", nil)
		}
		visited[off] = true

		n, err := readNode(c, int(off), symbol[:matched], loadAddress)
		if err != nil {
			return nil, err
		}
		if matched == len(symbol) {
			if n.entry == nil {
				return nil, ErrNotFound
			}
			return n.entry, nil
		}

		var next *edge
		for i, e := range n.edges {
			if len(e.label) > 0 && strings.HasPrefix(symbol[matched:], e.label) {
				next = &n.edges[i]
				break
			}
		}
		if next == nil {
			return nil, ErrNotFound
		}
		if next.child >= uint64(len(trieData)) {
			return nil, types.NewDecodeError(types.InvalidTrieEdge, next.start, "edge points outside the export trie", next.child)
		}
		matched += len(next.label)
		off = next.child
	}
}
