package layout

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAttachKeepsOffsetOrder(t *testing.T) {
	root := NewNode("root", 0, 0x100)
	root.Insert("c", 0x40, 0x10)
	root.Insert("a", 0x00, 0x10)
	root.Insert("b", 0x10, 0x10)
	root.InsertMapped("d", 0x10, 0, 0x1000) // equal offsets keep insertion order

	var got []string
	for _, c := range root.Children() {
		got = append(got, c.Caption())
	}
	if strings.Join(got, "") != "abdc" {
		t.Errorf("children order = %v, want [a b d c]", got)
	}
	if addr, ok := root.Child(2).Address(); !ok || addr != 0x1000 {
		t.Errorf("Address() = %#x, %t; want 0x1000, true", addr, ok)
	}
	if _, ok := root.Child(0).Address(); ok {
		t.Error("unmapped node reports an address")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *Node
		wantErr string
	}{
		{
			name: "valid",
			build: func() *Node {
				root := NewNode("root", 0x100, 0x20)
				c := root.Insert("child", 0x100, 0x10)
				c.Insert("grandchild", 0x108, 0x8)
				root.Insert("marker", 0x110, 0)
				root.Insert("tail", 0x110, 0x10)
				return root
			},
		},
		{
			name: "child outside parent",
			build: func() *Node {
				root := NewNode("root", 0x100, 0x20)
				root.Insert("child", 0x118, 0x10)
				return root
			},
			wantErr: "child outside parent",
		},
		{
			name: "overlapping siblings",
			build: func() *Node {
				root := NewNode("root", 0, 0x20)
				root.Insert("a", 0, 0x10)
				root.Insert("b", 0x8, 0x10)
				return root
			},
			wantErr: "overlaps previous sibling",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestWalkCountFind(t *testing.T) {
	root := NewNode("root", 0, 0x30)
	a := root.Insert("alpha", 0, 0x10)
	a.Insert("alpha.1", 0, 0x8)
	root.Insert("beta", 0x10, 0x10)

	if got := root.Count(); got != 4 {
		t.Errorf("Count() = %d, want 4", got)
	}
	if n := root.Find("alpha."); n == nil || n.Caption() != "alpha.1" {
		t.Errorf("Find(alpha.) = %v", n)
	}
	if n := root.Find("gamma"); n != nil {
		t.Errorf("Find(gamma) = %v, want nil", n)
	}

	var depths []int
	root.Walk(func(_ *Node, depth int) error {
		depths = append(depths, depth)
		return nil
	})
	if len(depths) != 4 || depths[2] != 2 {
		t.Errorf("Walk() depths = %v, want [0 1 2 1]", depths)
	}
}

func TestDumpAndJSON(t *testing.T) {
	root := NewNode("Rebase Info", 0x4000, 0x10)
	root.InsertMapped("0x100004000 pointer", 0x4002, 1, 0x100004000)

	want := "00004000-00004010 Rebase Info\n  00004002-00004003 0x100004000 pointer @ 0x100004000\n"
	if got := root.String(); got != want {
		t.Errorf("String() =\n%s\nwant\n%s", got, want)
	}

	b, err := json.Marshal(root)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"address":4294983680`) || strings.Count(string(b), "address") != 1 {
		t.Errorf("MarshalJSON() = %s", b)
	}
}
