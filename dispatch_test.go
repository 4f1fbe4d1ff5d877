package sdbus

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"github.com/sdbus-go/sdbus/wire"
)

// sentMessages parses every frame the connection wrote to the fake
// transport.
func (f *fakeTransport) sentMessages(t *testing.T) []*Message {
	t.Helper()
	var ret []*Message
	bs := f.out.Bytes()
	for len(bs) > 0 {
		total, err := wire.FrameSize(bs)
		if err != nil {
			t.Fatalf("sizing sent frame: %v", err)
		}
		hdr, body, err := wire.DecodeMessage(bs[:total])
		if err != nil {
			t.Fatalf("decoding sent frame: %v", err)
		}
		ret = append(ret, fromWire(hdr, body, nil, time.Time{}))
		bs = bs[total:]
	}
	return ret
}

// drain runs Process until the connection reports no more work.
func drain(t *testing.T, c *Conn) {
	t.Helper()
	for {
		progress, _, err := c.Process()
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if !progress {
			return
		}
	}
}

func callHeader(path ObjectPath, iface, member string, serial uint32) *wire.Header {
	return &wire.Header{
		Type:      wire.TypeMethodCall,
		Path:      path,
		Interface: iface,
		Member:    member,
		Sender:    ":1.99",
		Serial:    serial,
	}
}

func TestPeerPing(t *testing.T) {
	c, ft := fakeConn(t)
	ft.inject(t, callHeader("/any/path", ifacePeer, "Ping", 5))
	drain(t, c)

	sent := ft.sentMessages(t)
	if len(sent) != 1 {
		t.Fatalf("got %d replies, want 1", len(sent))
	}
	if sent[0].Type != TypeMethodReturn || sent[0].ReplySerial != 5 {
		t.Errorf("reply = %v (reply-serial %d), want empty return for serial 5", sent[0], sent[0].ReplySerial)
	}
}

func TestCallTimeout(t *testing.T) {
	c, _ := fakeConn(t)
	clk := clock.NewMock()
	c.clk = clk
	c.replies.clk = clk

	var got *Message
	call := NewMethodCall(":1.5", "/peer", "com.example.Iface", "Slow")
	serial, err := c.CallAsync(call, func(c *Conn, m *Message) (bool, error) {
		got = m
		return true, nil
	}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("CallAsync: %v", err)
	}

	// Before the deadline, nothing fires.
	drain(t, c)
	if got != nil {
		t.Fatal("reply handler fired before the deadline")
	}

	clk.Add(11 * time.Millisecond)
	progress, _, err := c.Process()
	if err != nil || !progress {
		t.Fatalf("Process = (%v, _, %v), want timeout progress", progress, err)
	}
	if got == nil {
		t.Fatal("reply handler not invoked after the deadline")
	}
	if got.Type != TypeError || got.ErrName != ErrNameTimeout {
		t.Errorf("handler got %v %q, want %s", got.Type, got.ErrName, ErrNameTimeout)
	}
	if got.ReplySerial != serial {
		t.Errorf("timeout reply-serial = %d, want %d", got.ReplySerial, serial)
	}
}

func TestCallCancel(t *testing.T) {
	c, ft := fakeConn(t)

	serial, err := c.CallAsync(NewMethodCall(":1.5", "/peer", "com.example.Iface", "M"),
		func(c *Conn, m *Message) (bool, error) {
			t.Error("cancelled call's handler invoked")
			return true, nil
		}, 0)
	if err != nil {
		t.Fatalf("CallAsync: %v", err)
	}
	if !c.CancelCall(serial) {
		t.Fatal("CancelCall reported no pending call")
	}
	if c.CancelCall(serial) {
		t.Error("second CancelCall reported a pending call")
	}

	// A late reply does not reach the cancelled call's handler.
	ft.inject(t, &wire.Header{Type: wire.TypeMethodReturn, ReplySerial: serial})
	drain(t, c)
}

func TestUnknownObjectAndMethod(t *testing.T) {
	c, ft := fakeConn(t)
	if err := c.AddVTable("/foo", "com.example.Iface", &VTable{
		Methods: []Method{{
			Name: "Bar", In: "s",
			Handler: func(c *Conn, call *Message) error { return c.replyTo(call) },
		}},
	}); err != nil {
		t.Fatalf("AddVTable: %v", err)
	}

	// No object at all.
	ft.inject(t, callHeader("/nowhere", "com.example.Iface", "Bar", 1), "x")
	// Object exists, method does not.
	ft.inject(t, callHeader("/foo", "com.example.Iface", "Quux", 2), "x")
	// Method exists, signature mismatch.
	ft.inject(t, callHeader("/foo", "com.example.Iface", "Bar", 3), int32(7))
	// Happy path.
	ft.inject(t, callHeader("/foo", "com.example.Iface", "Bar", 4), "x")
	drain(t, c)

	sent := ft.sentMessages(t)
	if len(sent) != 4 {
		t.Fatalf("got %d replies, want 4", len(sent))
	}
	wantErr := map[uint32]string{
		1: ErrNameUnknownObject,
		2: ErrNameUnknownMethod,
		3: ErrNameInvalidArgs,
	}
	for _, m := range sent {
		if want, isErr := wantErr[m.ReplySerial]; isErr {
			if m.Type != TypeError || m.ErrName != want {
				t.Errorf("reply to %d = %v %q, want %s", m.ReplySerial, m.Type, m.ErrName, want)
			}
		} else if m.ReplySerial == 4 {
			if m.Type != TypeMethodReturn {
				t.Errorf("reply to 4 = %v %q, want a method return", m.Type, m.ErrName)
			}
		} else {
			t.Errorf("unexpected reply to serial %d", m.ReplySerial)
		}
	}
}

func TestFallbackRouting(t *testing.T) {
	c, ft := fakeConn(t)

	var fallbackPaths, exactPaths []ObjectPath
	if err := c.AddFallbackVTable("/x", "com.example.Fallback", &VTable{
		Methods: []Method{{
			Name: "M",
			Handler: func(c *Conn, call *Message) error {
				fallbackPaths = append(fallbackPaths, call.Path)
				return c.replyTo(call)
			},
		}},
	}); err != nil {
		t.Fatalf("AddFallbackVTable: %v", err)
	}
	if err := c.AddVTable("/x/y", "com.example.Other", &VTable{
		Methods: []Method{{
			Name: "M2",
			Handler: func(c *Conn, call *Message) error {
				exactPaths = append(exactPaths, call.Path)
				return c.replyTo(call)
			},
		}},
	}); err != nil {
		t.Fatalf("AddVTable: %v", err)
	}

	ft.inject(t, callHeader("/x/y/z", "com.example.Fallback", "M", 1))
	ft.inject(t, callHeader("/x/y", "com.example.Other", "M2", 2))
	drain(t, c)

	if diff := cmp.Diff([]ObjectPath{"/x/y/z"}, fallbackPaths); diff != "" {
		t.Errorf("fallback handler paths (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]ObjectPath{"/x/y"}, exactPaths); diff != "" {
		t.Errorf("exact handler paths (-want +got):\n%s", diff)
	}
	for _, m := range ft.sentMessages(t) {
		if m.Type != TypeMethodReturn {
			t.Errorf("reply to %d = %v %q, want a method return", m.ReplySerial, m.Type, m.ErrName)
		}
	}
}

func propVTable(value *string) *VTable {
	return &VTable{
		Properties: []Property{{
			Name:      "P",
			Signature: "s",
			Get: func(c *Conn, path ObjectPath, iface, prop string) (any, error) {
				return *value, nil
			},
			Set: func(c *Conn, path ObjectPath, iface, prop string, v any) error {
				s, ok := v.(string)
				if !ok {
					return Error{Name: ErrNameInvalidArgs, Message: "not a string"}
				}
				*value = s
				return nil
			},
			Flags: PropertyEmitsChange,
		}, {
			Name:      "RO",
			Signature: "u",
			Get: func(c *Conn, path ObjectPath, iface, prop string) (any, error) {
				return uint32(7), nil
			},
		}},
	}
}

func TestPropertiesGetSet(t *testing.T) {
	c, ft := fakeConn(t)
	val := "hi"
	if err := c.AddVTable("/o", "com.example.I", propVTable(&val)); err != nil {
		t.Fatalf("AddVTable: %v", err)
	}

	ft.inject(t, callHeader("/o", ifaceProperties, "Get", 1), "com.example.I", "P")
	ft.inject(t, callHeader("/o", ifaceProperties, "Set", 2), "com.example.I", "P", Variant{Value: "there"})
	ft.inject(t, callHeader("/o", ifaceProperties, "Set", 3), "com.example.I", "RO", Variant{Value: uint32(9)})
	ft.inject(t, callHeader("/o", ifaceProperties, "Get", 4), "com.example.I", "Nope")
	ft.inject(t, callHeader("/o", ifaceProperties, "GetAll", 5), "com.example.I")
	drain(t, c)

	sent := ft.sentMessages(t)
	if len(sent) != 5 {
		t.Fatalf("got %d replies, want 5", len(sent))
	}
	byserial := func(s uint32) *Message {
		for _, m := range sent {
			if m.ReplySerial == s {
				return m
			}
		}
		t.Fatalf("no reply to serial %d", s)
		return nil
	}

	get := byserial(1)
	if get.Type != TypeMethodReturn {
		t.Fatalf("Get reply = %v %q", get.Type, get.ErrName)
	}
	if diff := cmp.Diff([]any{Variant{Value: "hi"}}, get.Body); diff != "" {
		t.Errorf("Get body (-want +got):\n%s", diff)
	}

	if m := byserial(2); m.Type != TypeMethodReturn {
		t.Errorf("Set reply = %v %q, want success", m.Type, m.ErrName)
	}
	if val != "there" {
		t.Errorf("property value = %q after Set, want %q", val, "there")
	}

	if m := byserial(3); m.Type != TypeError || m.ErrName != ErrNamePropertyReadOnly {
		t.Errorf("read-only Set reply = %v %q, want %s", m.Type, m.ErrName, ErrNamePropertyReadOnly)
	}
	if m := byserial(4); m.Type != TypeError || m.ErrName != ErrNameUnknownProperty {
		t.Errorf("missing-property Get reply = %v %q, want %s", m.Type, m.ErrName, ErrNameUnknownProperty)
	}

	all := byserial(5)
	if all.Type != TypeMethodReturn {
		t.Fatalf("GetAll reply = %v %q", all.Type, all.ErrName)
	}
	want := map[string]Variant{"P": {Value: "there"}, "RO": {Value: uint32(7)}}
	if diff := cmp.Diff([]any{want}, all.Body); diff != "" {
		t.Errorf("GetAll body (-want +got):\n%s", diff)
	}
}

func TestEmitPropertiesChanged(t *testing.T) {
	c, ft := fakeConn(t)
	val := "hi"
	vt := propVTable(&val)
	vt.Properties = append(vt.Properties, Property{
		Name:      "Inv",
		Signature: "s",
		Get: func(c *Conn, path ObjectPath, iface, prop string) (any, error) {
			return "secret", nil
		},
		Flags: PropertyEmitsChange | PropertyEmitsInvalidation,
	})
	if err := c.AddVTable("/o", "com.example.I", vt); err != nil {
		t.Fatalf("AddVTable: %v", err)
	}

	if err := c.EmitPropertiesChanged("/o", "com.example.I", "P", "Inv"); err != nil {
		t.Fatalf("EmitPropertiesChanged: %v", err)
	}
	// RO lacks emits-change.
	if err := c.EmitPropertiesChanged("/o", "com.example.I", "RO"); err == nil {
		t.Error("EmitPropertiesChanged on a non-emitting property succeeded")
	}
	// Unknown property.
	if err := c.EmitPropertiesChanged("/o", "com.example.I", "Nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("EmitPropertiesChanged on a missing property = %v, want ErrNotFound", err)
	}

	sent := ft.sentMessages(t)
	if len(sent) != 1 {
		t.Fatalf("got %d signals, want 1", len(sent))
	}
	sig := sent[0]
	if sig.Type != TypeSignal || sig.Interface != ifaceProperties || sig.Member != "PropertiesChanged" {
		t.Fatalf("emitted %v, want a PropertiesChanged signal", sig)
	}
	wantBody := []any{
		"com.example.I",
		map[string]Variant{"P": {Value: "hi"}},
		[]string{"Inv"},
	}
	if diff := cmp.Diff(wantBody, sig.Body); diff != "" {
		t.Errorf("signal body (-want +got):\n%s", diff)
	}
}

func TestObjectManagerEnumeration(t *testing.T) {
	c, ft := fakeConn(t)
	if err := c.AddObjectManager("/o"); err != nil {
		t.Fatalf("AddObjectManager: %v", err)
	}
	val := "hi"
	if err := c.AddVTable("/o/a", "com.example.I", propVTable(&val)); err != nil {
		t.Fatalf("AddVTable: %v", err)
	}
	if err := c.AddNodeEnumerator("/o", func(c *Conn, prefix ObjectPath) ([]ObjectPath, error) {
		return []ObjectPath{"/o/b"}, nil
	}); err != nil {
		t.Fatalf("AddNodeEnumerator: %v", err)
	}

	ft.inject(t, callHeader("/o", ifaceObjectManager, "GetManagedObjects", 1))
	drain(t, c)

	sent := ft.sentMessages(t)
	if len(sent) != 1 || sent[0].Type != TypeMethodReturn {
		t.Fatalf("GetManagedObjects reply = %+v", sent)
	}
	got, ok := sent[0].Body[0].(map[ObjectPath]map[string]map[string]Variant)
	if !ok {
		t.Fatalf("reply body has type %T", sent[0].Body[0])
	}
	if _, ok := got["/o/a"]; !ok {
		t.Error("managed objects missing /o/a")
	}
	if _, ok := got["/o/b"]; !ok {
		t.Error("managed objects missing enumerated /o/b")
	}
	if props := got["/o/a"]["com.example.I"]; props["P"] != (Variant{Value: "hi"}) {
		t.Errorf("property dict for /o/a = %v", got["/o/a"])
	}
}

func TestObjectManagerRequiresFlag(t *testing.T) {
	c, ft := fakeConn(t)
	val := "hi"
	if err := c.AddVTable("/o/a", "com.example.I", propVTable(&val)); err != nil {
		t.Fatalf("AddVTable: %v", err)
	}

	ft.inject(t, callHeader("/o", ifaceObjectManager, "GetManagedObjects", 1))
	drain(t, c)

	sent := ft.sentMessages(t)
	if len(sent) != 1 || sent[0].Type != TypeError {
		t.Fatalf("expected an error reply, got %+v", sent)
	}
}

func TestIntrospect(t *testing.T) {
	c, ft := fakeConn(t)
	val := "hi"
	if err := c.AddVTable("/o/a", "com.example.I", propVTable(&val)); err != nil {
		t.Fatalf("AddVTable: %v", err)
	}
	if err := c.AddNodeEnumerator("/o", func(c *Conn, prefix ObjectPath) ([]ObjectPath, error) {
		return []ObjectPath{"/o/dyn"}, nil
	}); err != nil {
		t.Fatalf("AddNodeEnumerator: %v", err)
	}

	ft.inject(t, callHeader("/o", ifaceIntrospectable, "Introspect", 1))
	drain(t, c)

	sent := ft.sentMessages(t)
	if len(sent) != 1 || sent[0].Type != TypeMethodReturn {
		t.Fatalf("Introspect reply = %+v", sent)
	}
	doc, ok := sent[0].Body[0].(string)
	if !ok {
		t.Fatalf("introspection body has type %T", sent[0].Body[0])
	}
	parsed, err := ParseObjectDescription(doc)
	if err != nil {
		t.Fatalf("parsing introspection output: %v", err)
	}

	var children []string
	for _, ch := range parsed.Children {
		children = append(children, ch.Name)
	}
	if diff := cmp.Diff([]string{"a", "dyn"}, children); diff != "" {
		t.Errorf("children (-want +got):\n%s", diff)
	}
	var names []string
	for _, iface := range parsed.Interfaces {
		names = append(names, iface.Name)
	}
	for _, want := range []string{ifacePeer, ifaceIntrospectable, ifaceProperties} {
		found := false
		for _, n := range names {
			found = found || n == want
		}
		if !found {
			t.Errorf("introspection lacks standard interface %s", want)
		}
	}
}
