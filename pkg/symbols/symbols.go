// Package symbols resolves the symbol and library references found in dyld
// binding data to display names.
package symbols

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/appsworld/go-dyldinfo/types"
)

type refKind uint8

const (
	unresolved refKind = iota
	local
	imported
)

// Ref identifies an entry of the image's symbol table.
// The zero Ref is unresolved.
type Ref struct {
	kind  refKind
	index uint32
}

// Local refers to a symbol defined by the image itself
func Local(index uint32) Ref { return Ref{kind: local, index: index} }

// Imported refers to the index-th symbol (zero-based) imported from another image
func Imported(index uint32) Ref { return Ref{kind: imported, index: index} }

// FromSigned converts the signed symbol index convention, where -1 is the
// first imported symbol, into a Ref
func FromSigned(i int64) Ref {
	if i < 0 {
		return Imported(uint32(-(i + 1)))
	}
	return Local(uint32(i))
}

func (r Ref) Resolved() bool   { return r.kind != unresolved }
func (r Ref) IsImported() bool { return r.kind == imported }
func (r Ref) Index() uint32    { return r.index }

func (r Ref) String() string {
	switch r.kind {
	case local:
		return fmt.Sprintf("local #%d", r.index)
	case imported:
		return fmt.Sprintf("import #%d", r.index)
	}
	return "unresolved"
}

// Symbol is the result of a lookup
type Symbol struct {
	Name string
	Ref  Ref
}

func (s Symbol) String() string {
	if s.Ref.IsImported() {
		return s.Name + " (imported)"
	}
	return s.Name
}

// Table is built once per image and never modified afterwards, so it may be
// shared by concurrent decoders.
type Table struct {
	byName    map[string]Ref
	imports   []string // indexed by import ordinal
	libraries []string
}

// NewTable builds a Table from symbol name => signed index (negative values
// are imported symbols) and the install names of the image's dependent
// libraries in load command order.
func NewTable(names map[string]int64, libraries []string) *Table {
	t := &Table{
		byName:    make(map[string]Ref, len(names)),
		libraries: append([]string(nil), libraries...),
	}

	// sorted so that duplicate indices always resolve to the same name
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		ref := FromSigned(names[name])
		t.byName[name] = ref
		if !ref.IsImported() {
			continue
		}
		if int(ref.index) >= len(t.imports) {
			grown := make([]string, ref.index+1)
			copy(grown, t.imports)
			t.imports = grown
		}
		if t.imports[ref.index] == "" {
			t.imports[ref.index] = name
		}
	}

	return t
}

// Len returns the number of named symbols
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byName)
}

// Lookup resolves a symbol name read from a bind opcode stream. Names
// missing from the table come back unresolved, never as an error.
func (t *Table) Lookup(name string) Symbol {
	if len(name) == 0 {
		return Symbol{Name: "<unnamed>"}
	}
	if t == nil {
		return Symbol{Name: name}
	}
	return Symbol{Name: name, Ref: t.byName[name]}
}

// Ordinal resolves a zero-based import ordinal
func (t *Table) Ordinal(ordinal uint64) Symbol {
	if t != nil && ordinal < uint64(len(t.imports)) && t.imports[ordinal] != "" {
		return Symbol{Name: t.imports[ordinal], Ref: Imported(uint32(ordinal))}
	}
	return Symbol{Name: fmt.Sprintf("<import #%d>", ordinal)}
}

// OrdinalTooLarge names an ordinal past the end of the table it indexes
const OrdinalTooLarge = "ordinal-too-large"

// Library returns the dependency library ordinal's name
func (t *Table) Library(ordinal int64) string {
	if ordinal > 0 {
		if t == nil || ordinal > int64(len(t.libraries)) {
			return OrdinalTooLarge
		}
		return filepath.Base(t.libraries[ordinal-1])
	}

	switch ordinal {
	case types.BIND_SPECIAL_DYLIB_SELF:
		return "this-image"
	case types.BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE:
		return "main-executable"
	case types.BIND_SPECIAL_DYLIB_FLAT_LOOKUP:
		return "flat-namespace"
	case types.BIND_SPECIAL_DYLIB_WEAK_LOOKUP:
		return "weak-coalesce"
	default:
		return "unknown-ordinal"
	}
}
