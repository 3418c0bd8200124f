package opcodes

import (
	"errors"
	"strings"
	"testing"

	"github.com/appsworld/go-dyldinfo/pkg/layout"
	"github.com/appsworld/go-dyldinfo/pkg/symbols"
	"github.com/appsworld/go-dyldinfo/types"
	"github.com/google/go-cmp/cmp"
)

const streamOffset = 0x8000

var testSegments = []types.Segment{
	{Name: "__TEXT", Addr: 0x100000000, Memsz: 0x4000, Offset: 0, Filesz: 0x4000},
	{Name: "__DATA", Addr: 0x100004000, Memsz: 0x1000, Offset: 0x4000, Filesz: 0x1000},
	{Name: "__EMPTY", Addr: 0x100005000},
}

func testConfig() Config {
	return Config{
		Segments: testSegments,
		Symbols: symbols.NewTable(map[string]int64{
			"_printf": -1,
			"_malloc": -2,
			"_local":  3,
		}, []string{"/usr/lib/libSystem.B.dylib", "/usr/lib/libobjc.A.dylib"}),
		Is64Bit: true,
	}
}

// stream concatenates opcode bytes; strings are emitted NUL terminated
func stream(parts ...interface{}) []byte {
	var out []byte
	for _, p := range parts {
		switch v := p.(type) {
		case int:
			out = append(out, byte(v))
		case string:
			out = append(out, v...)
			out = append(out, 0)
		case []byte:
			out = append(out, v...)
		}
	}
	return out
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func region(data []byte) types.Region {
	return types.Region{Data: data, FileOffset: streamOffset, BaseAddress: 0x100000000}
}

func addresses(n *layout.Node) []uint64 {
	var out []uint64
	for _, c := range n.Children() {
		addr, _ := c.Address()
		out = append(out, addr)
	}
	return out
}

func TestDecodeRebase(t *testing.T) {
	data := stream(
		0x11,             // SET_TYPE_IMM pointer
		0x21, 0x00,       // SET_SEGMENT_AND_OFFSET_ULEB __DATA+0
		0x53,             // DO_REBASE_IMM_TIMES 3
		0x41,             // ADD_ADDR_IMM_SCALED 1
		0x60, 0x02,       // DO_REBASE_ULEB_TIMES 2
		0x70, 0x08,       // DO_REBASE_ADD_ADDR_ULEB 8
		0x80, 0x03, 0x08, // DO_REBASE_ULEB_TIMES_SKIPPING_ULEB 3, 8
		0x30, 0x10, // ADD_ADDR_ULEB 16
		0x51,       // DO_REBASE_IMM_TIMES 1
		0x00,       // DONE
		0xaa,       // padding after DONE is never decoded
	)

	root, err := Decode(nil, "Rebase Info", region(data), Rebase, testConfig())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	want := []uint64{
		0x100004000, 0x100004008, 0x100004010,
		0x100004020, 0x100004028,
		0x100004030,
		0x100004040, 0x100004050, 0x100004060,
		0x100004080,
	}
	if diff := cmp.Diff(want, addresses(root)); diff != "" {
		t.Errorf("rebase addresses mismatch (-want +got):\n%s", diff)
	}
	if err := root.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	if first := root.Child(0); first.Offset() != streamOffset+3 || first.Length() != 1 {
		t.Errorf("first rebase spans [%#x,%#x), want the DO_REBASE_IMM_TIMES byte", first.Offset(), first.End())
	}
	if !strings.Contains(root.Child(0).Caption(), "__DATA") || !strings.Contains(root.Child(0).Caption(), "pointer") {
		t.Errorf("caption = %q", root.Child(0).Caption())
	}
}

func TestDecodeBind(t *testing.T) {
	data := stream(
		0x11,            // SET_DYLIB_ORDINAL_IMM 1
		0x40, "_printf", // SET_SYMBOL_TRAILING_FLAGS_IMM
		0x51,       // SET_TYPE_IMM pointer
		0x71, 0x00, // SET_SEGMENT_AND_OFFSET_ULEB __DATA+0
		0x90,       // DO_BIND
		0x60, 0x10, // SET_ADDEND_SLEB 16
		0xa0, 0x08, // DO_BIND_ADD_ADDR_ULEB 8
		0x41, "_malloc", // SET_SYMBOL_TRAILING_FLAGS_IMM weak import
		0x12,             // SET_DYLIB_ORDINAL_IMM 2
		0xb1,             // DO_BIND_ADD_ADDR_IMM_SCALED 1
		0xc0, 0x02, 0x00, // DO_BIND_ULEB_TIMES_SKIPPING_ULEB 2, 0
		0x00,
	)

	root, err := Decode(nil, "Binding Info", region(data), Bind, testConfig())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	want := []uint64{0x100004000, 0x100004008, 0x100004018, 0x100004028, 0x100004030}
	if diff := cmp.Diff(want, addresses(root)); diff != "" {
		t.Errorf("bind addresses mismatch (-want +got):\n%s", diff)
	}

	captions := []struct {
		idx  int
		want []string
	}{
		{0, []string{"libSystem.B.dylib/_printf (imported)"}},
		{1, []string{"_printf", "+ 0x10"}},
		{2, []string{"libobjc.A.dylib/_malloc", "(weak import)", "+ 0x10"}},
	}
	for _, c := range captions {
		got := root.Child(c.idx).Caption()
		for _, w := range c.want {
			if !strings.Contains(got, w) {
				t.Errorf("caption[%d] = %q, want it to contain %q", c.idx, got, w)
			}
		}
	}
	if err := root.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestDecodeSpecialDylibOrdinal(t *testing.T) {
	data := stream(0x3e, 0x40, "_dyld_stub_binder", 0x71, 0x00, 0x90, 0x00) // SET_DYLIB_SPECIAL_IMM -2
	root, err := Decode(nil, "Binding Info", region(data), Bind, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if got := root.Child(0).Caption(); !strings.Contains(got, "flat-namespace/_dyld_stub_binder") {
		t.Errorf("caption = %q", got)
	}
}

func TestDecodeLazyBindRecords(t *testing.T) {
	data := stream(
		// record 1
		0x71, 0x10, 0x11, 0x60, 0x05, 0x40, "_printf", 0x90, 0x00,
		// record 2
		0x71, 0x18, 0x12, 0x40, "_malloc", 0x90, 0x00,
	)

	root, err := Decode(nil, "Lazy Binding Info", region(data), LazyBind, testConfig())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if diff := cmp.Diff([]uint64{0x100004010, 0x100004018}, addresses(root)); diff != "" {
		t.Errorf("lazy bind addresses mismatch (-want +got):\n%s", diff)
	}
	second := root.Child(1).Caption()
	if !strings.Contains(second, "libobjc.A.dylib/_malloc") || strings.Contains(second, "+ 0x5") {
		t.Errorf("second record caption = %q, registers leaked across records", second)
	}

	// a record without SET_SEGMENT_AND_OFFSET binds where the previous one left off
	root, err = Decode(nil, "Lazy Binding Info", region(stream(0x71, 0x10, 0x12, 0x40, "_printf", 0x90, 0x00, 0x40, "_malloc", 0x90, 0x00)), LazyBind, testConfig())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if diff := cmp.Diff([]uint64{0x100004010, 0x100004018}, addresses(root)); diff != "" {
		t.Errorf("carried over segment mismatch (-want +got):\n%s", diff)
	}
	if got := root.Child(1).Caption(); !strings.Contains(got, "this-image/_malloc") {
		t.Errorf("second record caption = %q, library ordinal leaked across records", got)
	}

	// a regular bind stream stops at the first DONE
	root, err = Decode(nil, "Binding Info", region(data), Bind, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if root.NumChildren() != 1 {
		t.Errorf("bind stream decoded %d binds past DONE, want 1", root.NumChildren())
	}
}

func TestDecodeWeakBind(t *testing.T) {
	data := stream(0x40, "__ZdlPv", 0x51, 0x71, 0x08, 0x90, 0x48, "__Znwm", 0x00)
	root, err := Decode(nil, "Weak Binding Info", region(data), WeakBind, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if root.NumChildren() != 1 {
		t.Fatalf("weak bind nodes = %d, want 1", root.NumChildren())
	}
	if got := root.Child(0).Caption(); strings.Contains(got, "/") || !strings.Contains(got, "__ZdlPv") {
		t.Errorf("weak bind caption = %q", got)
	}
}

func TestDecodeThreaded(t *testing.T) {
	root, err := Decode(nil, "Binding Info", region(stream(0xd0, 0x05, 0xd1, 0x00)), Bind, testConfig())
	if err != nil || root.NumChildren() != 0 {
		t.Fatalf("Decode() = %d nodes, %v", root.NumChildren(), err)
	}
	_, err = Decode(nil, "Binding Info", region(stream(0xd7)), Bind, testConfig())
	if !errors.Is(err, types.ErrUnknownOpcode) {
		t.Errorf("unknown threaded sub-opcode error = %v", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name      string
		mode      Mode
		data      []byte
		wantErr   error
		wantOff   uint64
		wantNodes int
	}{
		{
			name:      "rebase truncated uleb operand",
			mode:      Rebase,
			data:      stream(0x21, 0x00, 0x51, 0x60, 0x80),
			wantErr:   types.ErrTruncatedStream,
			wantOff:   streamOffset + 3,
			wantNodes: 1,
		},
		{
			name:    "rebase truncated skip operand",
			mode:    Rebase,
			data:    stream(0x21, 0x00, 0x80, 0x02),
			wantErr: types.ErrTruncatedStream,
			wantOff: streamOffset + 2,
		},
		{
			name:    "bind unterminated symbol",
			mode:    Bind,
			data:    []byte{0x11, 0x40, '_', 'p', 'r'},
			wantErr: types.ErrTruncatedStream,
			wantOff: streamOffset + 1,
		},
		{
			name:    "bind truncated addend",
			mode:    Bind,
			data:    stream(0x60, 0xff),
			wantErr: types.ErrTruncatedStream,
			wantOff: streamOffset,
		},
		{
			name:    "rebase unknown opcode",
			mode:    Rebase,
			data:    stream(0x11, 0x90),
			wantErr: types.ErrUnknownOpcode,
			wantOff: streamOffset + 1,
		},
		{
			name:    "bind unknown opcode",
			mode:    Bind,
			data:    stream(0xe0),
			wantErr: types.ErrUnknownOpcode,
			wantOff: streamOffset,
		},
		{
			name:    "segment index out of range",
			mode:    Rebase,
			data:    stream(0x11, 0x25, 0x00),
			wantErr: types.ErrInvalidSegmentIndex,
			wantOff: streamOffset + 1,
		},
		{
			name:    "bind before segment set",
			mode:    LazyBind,
			data:    stream(0x40, "_printf", 0x90),
			wantErr: types.ErrInvalidSegmentIndex,
			wantOff: streamOffset + 9,
		},
		{
			name:    "rebase repeat stride wraps to zero",
			mode:    Rebase,
			data:    stream(0x21, 0x00, 0x80, uleb(3000000), uleb(1<<64-8), 0x00),
			wantErr: types.ErrInvalidSegmentIndex,
			wantOff: streamOffset + 2,
		},
		{
			name:    "bind repeat stride wraps to zero",
			mode:    Bind,
			data:    stream(0x11, 0x40, "_printf", 0x71, 0x00, 0xc0, uleb(1<<63), uleb(1<<64-8), 0x00),
			wantErr: types.ErrInvalidSegmentIndex,
			wantOff: streamOffset + 12,
		},
		{
			name:      "bind repeat count past end of segment",
			mode:      Bind,
			data:      stream(0x11, 0x40, "_printf", 0x71, 0x00, 0xc0, uleb(1<<63), 0x08, 0x00),
			wantErr:   types.ErrInvalidSegmentIndex,
			wantOff:   streamOffset + 12,
			wantNodes: 0x1000 / 16,
		},
		{
			name:    "rebase into empty segment",
			mode:    Rebase,
			data:    stream(0x11, 0x22, 0x00, 0x51),
			wantErr: types.ErrInvalidSegmentIndex,
			wantOff: streamOffset + 3,
		},
		{
			name:      "rebase runs past end of segment",
			mode:      Rebase,
			data:      stream(0x21, 0x00, 0x60, 0x90, 0x04),
			wantErr:   types.ErrInvalidSegmentIndex,
			wantOff:   streamOffset + 2,
			wantNodes: 0x1000 / 8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := Decode(nil, "stream", region(tt.data), tt.mode, testConfig())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
			}
			var de *types.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("Decode() error %T is not a *types.DecodeError", err)
			}
			if de.Offset != tt.wantOff {
				t.Errorf("error offset = %#x, want %#x", de.Offset, tt.wantOff)
			}
			if root == nil {
				t.Fatal("Decode() dropped the partial tree")
			}
			if root.NumChildren() != tt.wantNodes {
				t.Errorf("partial tree has %d nodes, want %d", root.NumChildren(), tt.wantNodes)
			}
		})
	}
}

func TestDecodeErrorNamesOpcode(t *testing.T) {
	_, err := Decode(nil, "Rebase Info", region(stream(0x21, 0x00, 0x60, 0x90, 0x04)), Rebase, testConfig())
	if err == nil || !strings.Contains(err.Error(), "REBASE_OPCODE_DO_REBASE_ULEB_TIMES: ") {
		t.Errorf("Decode() error = %v, want the failing opcode named", err)
	}
	_, err = Decode(nil, "Binding Info", region(stream(0x40, "_printf", 0x90)), Bind, testConfig())
	if err == nil || !strings.Contains(err.Error(), "BIND_OPCODE_DO_BIND: ") {
		t.Errorf("Decode() error = %v, want the failing opcode named", err)
	}
}

func TestDecodeAttachesToParent(t *testing.T) {
	file := layout.NewNode("file", 0, 0x10000)
	data := stream(0x21, 0x00, 0x52, 0x00)
	root, err := Decode(file, "Rebase Info", region(data), Rebase, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if file.NumChildren() != 1 || file.Child(0) != root {
		t.Fatal("stream node not attached to parent")
	}
	if root.Offset() != streamOffset || root.Length() != uint64(len(data)) {
		t.Errorf("stream node spans [%#x,%#x)", root.Offset(), root.End())
	}
	if err := file.Validate(); err != nil {
		t.Error(err)
	}
}

func TestDecodeIdempotent(t *testing.T) {
	data := stream(0x11, 0x40, "_printf", 0x71, 0x00, 0xc0, 0x04, 0x08, 0x00)
	cfg := testConfig()

	first, err := Decode(nil, "Binding Info", region(data), Bind, cfg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Decode(nil, "Binding Info", region(data), Bind, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second, cmp.AllowUnexported(layout.Node{})); diff != "" {
		t.Errorf("decoding twice differs (-first +second):\n%s", diff)
	}
}
