package types

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOpcodeName(t *testing.T) {
	tests := []struct {
		op     uint8
		rebase string
		bind   string
	}{
		{0x00, "REBASE_OPCODE_DONE", "BIND_OPCODE_DONE"},
		{0x21, "REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB", "BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB"},
		{0x8f, "REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB", "BIND_OPCODE_ADD_ADDR_ULEB"},
		{0xd1, "REBASE_OPCODE_UNKNOWN", "BIND_OPCODE_THREADED"},
		{0xe0, "REBASE_OPCODE_UNKNOWN", "BIND_OPCODE_UNKNOWN"},
	}
	for _, tt := range tests {
		if got := RebaseOpcodeName(tt.op); got != tt.rebase {
			t.Errorf("RebaseOpcodeName(%#02x) = %s, want %s", tt.op, got, tt.rebase)
		}
		if got := BindOpcodeName(tt.op); got != tt.bind {
			t.Errorf("BindOpcodeName(%#02x) = %s, want %s", tt.op, got, tt.bind)
		}
	}
}

func TestExportFlagString(t *testing.T) {
	tests := []struct {
		flags ExportFlag
		want  string
	}{
		{EXPORT_SYMBOL_FLAGS_KIND_REGULAR, "Regular"},
		{EXPORT_SYMBOL_FLAGS_WEAK_DEFINITION, "Regular (Weak Definition)"},
		{EXPORT_SYMBOL_FLAGS_STUB_AND_RESOLVER, "Regular (Has Resolver Function)"},
		{EXPORT_SYMBOL_FLAGS_REEXPORT, "Regular [re-export]"},
		{EXPORT_SYMBOL_FLAGS_KIND_THREAD_LOCAL, "Thread Local"},
		{EXPORT_SYMBOL_FLAGS_KIND_ABSOLUTE, "Absolute"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("ExportFlag(%#x).String() = %q, want %q", int(tt.flags), got, tt.want)
		}
	}
}

func TestSegmentString(t *testing.T) {
	seg := Segment{Name: "__DATA", Addr: 0x100004000, Memsz: 0x1000, Offset: 0x4000, Filesz: 0x1000}
	want := []string{"__DATA", "addr=0x100004000-0x100005000", "off=0x00004000-0x00005000"}
	if diff := cmp.Diff(want, strings.Fields(seg.String())); diff != "" {
		t.Errorf("Segment.String() mismatch (-want +got):\n%s", diff)
	}
}
