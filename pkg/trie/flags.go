package trie

import (
	"fmt"
	"strings"
)

// describe renders the flags of a terminal record for node captions
func describe(e TrieEntry) string {
	var parts []string

	switch {
	case e.Flags.ThreadLocal():
		parts = append(parts, "thread-local")
	case e.Flags.Absolute():
		parts = append(parts, "absolute")
	default:
		parts = append(parts, "regular")
	}
	if e.Flags.WeakDefinition() {
		parts = append(parts, "weak")
	}

	switch {
	case e.Flags.ReExport():
		if len(e.ReExport) > 0 {
			parts = append(parts, fmt.Sprintf("re-export of %s from ordinal %d", e.ReExport, e.Other))
		} else {
			parts = append(parts, fmt.Sprintf("re-export from ordinal %d", e.Other))
		}
	case e.Flags.StubAndResolver():
		parts = append(parts, fmt.Sprintf("stub %#x resolver %#x", e.Address, e.Other))
	case e.Flags.Absolute():
		parts = append(parts, fmt.Sprintf("value %#x", e.Address))
	}

	return strings.Join(parts, ", ")
}
