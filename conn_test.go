package sdbus

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/sdbus-go/sdbus/transport"
	"github.com/sdbus-go/sdbus/wire"
)

// fakeTransport is a scriptable in-memory transport for exercising
// the queue and framing machinery without sockets.
type fakeTransport struct {
	in          bytes.Buffer
	out         bytes.Buffer
	writeLimit  int // max bytes accepted per Write, 0 = unlimited
	blockWrites bool
	blockReads  bool
	closed      bool
}

func (f *fakeTransport) InputFd() int        { return 0 }
func (f *fakeTransport) OutputFd() int       { return 0 }
func (f *fakeTransport) Connect() error      { return nil }
func (f *fakeTransport) Atomic() bool        { return false }
func (f *fakeTransport) SupportsFiles() bool { return false }
func (f *fakeTransport) Close() error        { f.closed = true; return nil }

func (f *fakeTransport) Read(bs []byte) (int, error) {
	if f.blockReads || f.in.Len() == 0 {
		return 0, transport.ErrAgain
	}
	return f.in.Read(bs)
}

func (f *fakeTransport) Write(bs []byte) (int, error) {
	if f.blockWrites {
		return 0, transport.ErrAgain
	}
	n := len(bs)
	if f.writeLimit > 0 && n > f.writeLimit {
		n = f.writeLimit
	}
	f.out.Write(bs[:n])
	return n, nil
}

func (f *fakeTransport) WriteWithFiles(bs []byte, fds []*os.File) (int, error) {
	return f.Write(bs)
}

func (f *fakeTransport) GetFiles(n int) ([]*os.File, error) {
	return nil, errors.New("no files")
}

// fakeConn returns a connection in StateRunning over a
// fakeTransport.
func fakeConn(t *testing.T) (*Conn, *fakeTransport) {
	t.Helper()
	c := mustConn(t)
	ft := &fakeTransport{}
	c.t = ft
	c.state = StateRunning
	return c, ft
}

// inject frames a message and feeds it to the connection's read
// side.
func (f *fakeTransport) inject(t *testing.T, hdr *wire.Header, body ...any) {
	t.Helper()
	if hdr.Serial == 0 {
		hdr.Serial = 99
	}
	frame, err := wire.EncodeMessage(hdr, body)
	if err != nil {
		t.Fatalf("encoding injected message: %v", err)
	}
	f.in.Write(frame)
}

func TestSetupGuards(t *testing.T) {
	c, _ := fakeConn(t)

	if err := c.SetAddress("unix:path=/tmp/x"); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("SetAddress after start = %v, want ErrNotPermitted", err)
	}
	if err := c.SetServer(true, ""); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("SetServer after start = %v, want ErrNotPermitted", err)
	}
	if err := c.SetNegotiateFDs(true); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("SetNegotiateFDs after start = %v, want ErrNotPermitted", err)
	}
	if err := c.Start(); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("second Start = %v, want ErrNotPermitted", err)
	}

	fresh := mustConn(t)
	if err := fresh.Start(); err == nil {
		t.Error("Start without configuration unexpectedly succeeded")
	}
	if _, _, err := mustConn(t).Process(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Process on unset = %v, want ErrNotConnected", err)
	}
	if _, err := mustConn(t).Send(NewSignal("/", "a.b", "S")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send on unset = %v, want ErrNotConnected", err)
	}
}

func TestSerialAssignment(t *testing.T) {
	c, _ := fakeConn(t)

	m1 := NewSignal("/", "a.b", "S")
	s1, err := c.Send(m1)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if s1 == 0 {
		t.Fatal("serial 0 was assigned")
	}
	s2, err := c.Send(NewSignal("/", "a.b", "S"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if s2 != s1+1 {
		t.Errorf("serials not monotonic: %d then %d", s1, s2)
	}
	if !m1.Sealed() {
		t.Error("sent message not sealed")
	}
	if m1.Serial() != s1 {
		t.Errorf("Serial() = %d, want %d", m1.Serial(), s1)
	}
}

func TestPartialWriteResume(t *testing.T) {
	c, ft := fakeConn(t)
	ft.blockWrites = true

	m := NewSignal("/some/path", "com.example.Iface", "Pulse", "payload")
	if _, err := c.Send(m); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if c.wqueue.Len() != 1 {
		t.Fatalf("message not queued while transport blocked")
	}

	// First attempt transmits only 10 bytes.
	ft.blockWrites = false
	ft.writeLimit = 10
	progress, err := c.writeStep()
	if err != nil || !progress {
		t.Fatalf("writeStep = (%v, %v), want (true, nil)", progress, err)
	}
	if c.windex != 10 {
		t.Fatalf("windex = %d after a 10-byte write, want 10", c.windex)
	}
	if c.wqueue.Len() != 1 {
		t.Fatal("partially-written message left the queue")
	}

	// Subsequent attempts resume from byte 10 and finish.
	ft.writeLimit = 0
	for c.wqueue.Len() > 0 {
		if _, err := c.writeStep(); err != nil {
			t.Fatalf("writeStep: %v", err)
		}
	}
	if c.windex != 0 {
		t.Errorf("windex = %d after full transmission, want 0", c.windex)
	}
	if got := ft.out.Len(); got != len(m.blob) {
		t.Errorf("transport saw %d bytes, want %d", got, len(m.blob))
	}
	if !bytes.Equal(ft.out.Bytes(), m.blob) {
		t.Error("transmitted bytes differ from the sealed message")
	}
}

func TestWriteQueueExhaustion(t *testing.T) {
	c := mustConn(t)
	if err := c.SetQueueCapacity(4, 2); err != nil {
		t.Fatalf("SetQueueCapacity: %v", err)
	}
	ft := &fakeTransport{blockWrites: true}
	c.t = ft
	c.state = StateRunning

	for i := 0; i < 2; i++ {
		if _, err := c.Send(NewSignal("/", "a.b", "S")); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if _, err := c.Send(NewSignal("/", "a.b", "S")); !errors.Is(err, ErrNoBufferSpace) {
		t.Fatalf("Send past capacity = %v, want ErrNoBufferSpace", err)
	}
	if c.wqueue.Len() != 2 {
		t.Errorf("queued messages lost: %d remain, want 2", c.wqueue.Len())
	}

	// Draining recovers.
	ft.blockWrites = false
	for c.wqueue.Len() > 0 {
		if _, err := c.writeStep(); err != nil {
			t.Fatalf("writeStep: %v", err)
		}
	}
	if _, err := c.Send(NewSignal("/", "a.b", "S")); err != nil {
		t.Errorf("Send after drain: %v", err)
	}
}

func TestProcessReadsAndDispatches(t *testing.T) {
	c, ft := fakeConn(t)

	var got *Message
	c.AddFilter(func(c *Conn, m *Message) (bool, error) {
		got = m
		return true, nil
	})

	ft.inject(t, &wire.Header{
		Type:      wire.TypeSignal,
		Path:      "/from/peer",
		Interface: "com.example.Iface",
		Member:    "Pulse",
	}, uint32(7))

	progress, _, err := c.Process()
	if err != nil || !progress {
		t.Fatalf("Process = (%v, _, %v), want progress", progress, err)
	}
	if got == nil {
		t.Fatal("message not dispatched")
	}
	if got.Path != "/from/peer" || got.Member != "Pulse" {
		t.Errorf("dispatched %v, want the injected signal", got)
	}
	if len(got.Body) != 1 || got.Body[0] != uint32(7) {
		t.Errorf("body = %v, want [7]", got.Body)
	}

	// No work left.
	progress, _, err = c.Process()
	if err != nil || progress {
		t.Errorf("idle Process = (%v, _, %v), want (false, nil)", progress, err)
	}
}

func TestProcessBusy(t *testing.T) {
	c, ft := fakeConn(t)

	var inner error
	c.AddFilter(func(c *Conn, m *Message) (bool, error) {
		_, _, inner = c.Process()
		return true, nil
	})
	ft.inject(t, &wire.Header{
		Type: wire.TypeSignal, Path: "/", Interface: "a.b", Member: "S",
	})

	if _, _, err := c.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !errors.Is(inner, ErrBusy) {
		t.Errorf("re-entrant Process = %v, want ErrBusy", inner)
	}
}

func TestHelloStateRejectsUnrelatedTraffic(t *testing.T) {
	c, ft := fakeConn(t)
	c.state = StateHello
	c.helloSerial = 1

	ft.inject(t, &wire.Header{
		Type: wire.TypeSignal, Path: "/", Interface: "a.b", Member: "S",
	})
	_, _, err := c.Process()
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Process = %v, want ErrProtocol", err)
	}
	if c.state != StateClosed {
		t.Errorf("state = %v after protocol violation, want closed", c.state)
	}
}

func TestUnknownMessageReturnedToCaller(t *testing.T) {
	c, ft := fakeConn(t)

	ft.inject(t, &wire.Header{
		Type: wire.TypeSignal, Path: "/unclaimed", Interface: "a.b", Member: "S",
	})
	progress, m, err := c.Process()
	if err != nil || !progress {
		t.Fatalf("Process = (%v, %v, %v)", progress, m, err)
	}
	if m == nil || m.Path != "/unclaimed" {
		t.Errorf("unconsumed message not handed to caller: %v", m)
	}
}

func TestCloseIdempotent(t *testing.T) {
	c, ft := fakeConn(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !ft.closed {
		t.Error("transport not closed")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, _, err := c.Process(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Process after Close = %v, want ErrNotConnected", err)
	}
}
