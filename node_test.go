package sdbus

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testVTable() *VTable {
	return &VTable{
		Methods: []Method{{
			Name:    "Frob",
			In:      "s",
			Out:     "s",
			Handler: func(c *Conn, call *Message) error { return nil },
		}},
		Properties: []Property{{
			Name:      "Level",
			Signature: "u",
			Get: func(c *Conn, path ObjectPath, iface, prop string) (any, error) {
				return uint32(0), nil
			},
			Flags: PropertyEmitsChange,
		}},
	}
}

func mustConn(t *testing.T) *Conn {
	t.Helper()
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestAddVTable(t *testing.T) {
	c := mustConn(t)

	if err := c.AddVTable("/a/b", "com.example.Iface", testVTable()); err != nil {
		t.Fatalf("AddVTable: %v", err)
	}

	// Ancestors exist as placeholders.
	for _, p := range []ObjectPath{"/", "/a", "/a/b"} {
		if _, ok := c.nodes[p]; !ok {
			t.Errorf("node %q missing from the tree", p)
		}
	}

	// Node is reachable from the root via parent traversal.
	n := c.nodes["/a/b"]
	for n.parent != nil {
		n = n.parent
	}
	if n.path != "/" {
		t.Errorf("parent chain ends at %q, want the root", n.path)
	}

	// The member indices are populated.
	if _, ok := c.vtableMethods[nodeKey{"/a/b", "com.example.Iface", "Frob"}]; !ok {
		t.Error("method index entry missing")
	}
	if _, ok := c.vtableProps[nodeKey{"/a/b", "com.example.Iface", "Level"}]; !ok {
		t.Error("property index entry missing")
	}

	// Duplicate interface at the same node.
	if err := c.AddVTable("/a/b", "com.example.Iface", testVTable()); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate AddVTable = %v, want ErrExists", err)
	}
	// Mixing fallback and non-fallback on the same interface.
	if err := c.AddFallbackVTable("/a/b", "com.example.Iface", testVTable()); !errors.Is(err, ErrProtocol) {
		t.Errorf("mixed-mode AddFallbackVTable = %v, want ErrProtocol", err)
	}
}

func TestVTableValidation(t *testing.T) {
	c := mustConn(t)

	tests := []struct {
		name string
		vt   *VTable
	}{
		{"bad member name", &VTable{Methods: []Method{{
			Name: "not a member", Handler: func(*Conn, *Message) error { return nil },
		}}}},
		{"missing handler", &VTable{Methods: []Method{{Name: "M"}}}},
		{"bad signature", &VTable{Methods: []Method{{
			Name: "M", In: "z", Handler: func(*Conn, *Message) error { return nil },
		}}}},
		{"property multi-type signature", &VTable{Properties: []Property{{
			Name: "P", Signature: "ss",
			Get: func(*Conn, ObjectPath, string, string) (any, error) { return "", nil },
		}}}},
		{"property no getter", &VTable{Properties: []Property{{Name: "P", Signature: "s"}}}},
		{"invalidate without emits-change", &VTable{Properties: []Property{{
			Name: "P", Signature: "s",
			Get:   func(*Conn, ObjectPath, string, string) (any, error) { return "", nil },
			Flags: PropertyEmitsInvalidation,
		}}}},
		{"duplicate member", &VTable{Methods: []Method{
			{Name: "M", Handler: func(*Conn, *Message) error { return nil }},
			{Name: "M", Handler: func(*Conn, *Message) error { return nil }},
		}}},
	}
	for _, tc := range tests {
		if err := c.AddVTable("/x", "com.example.Bad", tc.vt); err == nil {
			t.Errorf("%s: AddVTable unexpectedly succeeded", tc.name)
			c.RemoveVTable("/x", "com.example.Bad")
		}
	}
	if len(c.nodes) != 0 {
		t.Errorf("rejected registrations left %d nodes behind", len(c.nodes))
	}
}

func TestRemoveVTableIdempotent(t *testing.T) {
	c := mustConn(t)
	if err := c.AddVTable("/a/b/c", "com.example.Iface", testVTable()); err != nil {
		t.Fatalf("AddVTable: %v", err)
	}

	if !c.RemoveVTable("/a/b/c", "com.example.Iface") {
		t.Fatal("first RemoveVTable reported no change")
	}
	if c.RemoveVTable("/a/b/c", "com.example.Iface") {
		t.Error("second RemoveVTable reported a change")
	}

	// Index entries are gone.
	if _, ok := c.vtableMethods[nodeKey{"/a/b/c", "com.example.Iface", "Frob"}]; ok {
		t.Error("method index entry survived removal")
	}
	if _, ok := c.vtableProps[nodeKey{"/a/b/c", "com.example.Iface", "Level"}]; ok {
		t.Error("property index entry survived removal")
	}
}

func TestNodeGarbageCollection(t *testing.T) {
	c := mustConn(t)
	if err := c.AddVTable("/a/b/c", "com.example.Iface", testVTable()); err != nil {
		t.Fatalf("AddVTable: %v", err)
	}
	if err := c.AddObjectManager("/a"); err != nil {
		t.Fatalf("AddObjectManager: %v", err)
	}

	c.RemoveVTable("/a/b/c", "com.example.Iface")

	// /a/b/c and /a/b are bare and must be collected; /a still
	// carries the object-manager flag.
	var got []ObjectPath
	for p := range c.nodes {
		got = append(got, p)
	}
	want := map[ObjectPath]bool{"/": true, "/a": true}
	for _, p := range got {
		if !want[p] {
			t.Errorf("node %q survived garbage collection", p)
		}
	}
	if len(got) != len(want) {
		t.Errorf("tree has %d nodes %v, want %d", len(got), got, len(want))
	}

	if !c.RemoveObjectManager("/a") {
		t.Fatal("RemoveObjectManager reported no change")
	}
	if len(c.nodes) != 0 {
		t.Errorf("tree not empty after removing the last attachment: %v", c.nodes)
	}
}

func TestEnumerateChildren(t *testing.T) {
	c := mustConn(t)
	if err := c.AddVTable("/o/a", "com.example.Iface", testVTable()); err != nil {
		t.Fatalf("AddVTable: %v", err)
	}
	err := c.AddNodeEnumerator("/o", func(c *Conn, prefix ObjectPath) ([]ObjectPath, error) {
		return []ObjectPath{"/o/b", "/o/b/deep", "/o/a"}, nil
	})
	if err != nil {
		t.Fatalf("AddNodeEnumerator: %v", err)
	}

	names, err := c.enumerateChildren(c.nodes["/o"])
	if err != nil {
		t.Fatalf("enumerateChildren: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, names); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}
}

func TestEnumeratorInvalidPaths(t *testing.T) {
	c := mustConn(t)
	if err := c.AddNodeEnumerator("/o", func(c *Conn, prefix ObjectPath) ([]ObjectPath, error) {
		return []ObjectPath{"/elsewhere/x", "not-a-path", "/o/ok"}, nil
	}); err != nil {
		t.Fatalf("AddNodeEnumerator: %v", err)
	}

	names, err := c.enumerateChildren(c.nodes["/o"])
	if err == nil {
		t.Error("invalid enumerator output not reported")
	}
	if diff := cmp.Diff([]string{"ok"}, names); diff != "" {
		t.Errorf("valid children not preserved (-want +got):\n%s", diff)
	}
}
