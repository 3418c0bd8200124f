package symbols

import (
	"sync"
	"testing"
)

func testTable() *Table {
	return NewTable(map[string]int64{
		"_main":          0,
		"_helper":        7,
		"_printf":        -1,
		"_malloc":        -2,
		"_objc_msgSend":  -4,
		"_objc_msgSend2": -4, // duplicate index, lexically first name wins
	}, []string{"/usr/lib/libSystem.B.dylib", "/usr/lib/libobjc.A.dylib"})
}

func TestFromSigned(t *testing.T) {
	tests := []struct {
		in       int64
		want     Ref
		imported bool
	}{
		{0, Local(0), false},
		{12, Local(12), false},
		{-1, Imported(0), true},
		{-3, Imported(2), true},
	}
	for _, tt := range tests {
		got := FromSigned(tt.in)
		if got != tt.want || got.IsImported() != tt.imported || !got.Resolved() {
			t.Errorf("FromSigned(%d) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if (Ref{}).Resolved() {
		t.Error("zero Ref is resolved")
	}
}

func TestLookup(t *testing.T) {
	tbl := testTable()
	tests := []struct {
		name     string
		wantName string
		wantRef  Ref
	}{
		{"_printf", "_printf", Imported(0)},
		{"_helper", "_helper", Local(7)},
		{"_missing", "_missing", Ref{}},
		{"", "<unnamed>", Ref{}},
	}
	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			got := tbl.Lookup(tt.name)
			if got.Name != tt.wantName || got.Ref != tt.wantRef {
				t.Errorf("Lookup(%q) = %+v, want %s/%v", tt.name, got, tt.wantName, tt.wantRef)
			}
		})
	}
	if got := tbl.Lookup("_printf").String(); got != "_printf (imported)" {
		t.Errorf("String() = %q", got)
	}
}

func TestOrdinal(t *testing.T) {
	tbl := testTable()
	tests := []struct {
		ordinal uint64
		want    string
	}{
		{0, "_printf"},
		{1, "_malloc"},
		{2, "<import #2>"}, // hole in the import indices
		{3, "_objc_msgSend"},
		{99, "<import #99>"},
	}
	for _, tt := range tests {
		if got := tbl.Ordinal(tt.ordinal); got.Name != tt.want {
			t.Errorf("Ordinal(%d) = %q, want %q", tt.ordinal, got.Name, tt.want)
		}
	}
	var nilTable *Table
	if got := nilTable.Ordinal(0); got.Name != "<import #0>" {
		t.Errorf("nil Table Ordinal(0) = %q", got.Name)
	}
}

func TestLibrary(t *testing.T) {
	tbl := testTable()
	tests := []struct {
		ordinal int64
		want    string
	}{
		{1, "libSystem.B.dylib"},
		{2, "libobjc.A.dylib"},
		{3, "ordinal-too-large"},
		{0, "this-image"},
		{-1, "main-executable"},
		{-2, "flat-namespace"},
		{-3, "weak-coalesce"},
		{-9, "unknown-ordinal"},
	}
	for _, tt := range tests {
		if got := tbl.Library(tt.ordinal); got != tt.want {
			t.Errorf("Library(%d) = %q, want %q", tt.ordinal, got, tt.want)
		}
	}
}

func TestConcurrentLookups(t *testing.T) {
	tbl := testTable()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if tbl.Lookup("_malloc").Ref != Imported(1) {
					t.Error("concurrent Lookup returned a different result")
					return
				}
			}
		}()
	}
	wg.Wait()
}
