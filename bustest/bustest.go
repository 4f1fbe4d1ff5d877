// Package bustest provides an in-process synthetic bus peer for
// tests. The peer speaks the real wire codec over a socketpair, so
// connection-engine tests exercise authentication, framing and
// dispatch end to end without an external bus daemon.
package bustest

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"golang.org/x/sys/unix"

	"github.com/sdbus-go/sdbus"
	"github.com/sdbus-go/sdbus/wire"
)

// A Handler reacts to one message received by the peer.
type Handler func(p *Peer, hdr *wire.Header, body []any)

// Peer is a scripted bus endpoint. It owns the far end of a
// socketpair whose near end is handed to the connection under test.
type Peer struct {
	t        *testing.T
	handler  Handler
	conn     *os.File
	clientFD int

	g      *taskgroup.Group
	closed chan struct{}

	mu     sync.Mutex
	serial uint32

	// GUID is the server identity offered during authentication.
	GUID string
}

// New starts a peer whose behavior is defined by handler. The peer
// performs the server half of the auth handshake on its own;
// handler sees only sealed messages.
func New(t *testing.T, handler Handler) *Peer {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("creating socketpair: %v", err)
	}

	p := &Peer{
		t:        t,
		handler:  handler,
		conn:     os.NewFile(uintptr(fds[1]), "bustest-peer"),
		clientFD: fds[0],
		closed:   make(chan struct{}),
		GUID:     "deadbeefdeadbeefdeadbeefdeadbeef",
	}
	p.g = taskgroup.New(nil)
	p.g.Go(p.run)
	t.Cleanup(p.Close)
	return p
}

// ClientFD returns the descriptor the connection under test should
// be configured with (via Conn.SetFD).
func (p *Peer) ClientFD() int { return p.clientFD }

// ClientConn returns a started client connection wired to the peer.
func (p *Peer) ClientConn(t *testing.T) *sdbus.Conn {
	t.Helper()
	c, err := sdbus.New()
	if err != nil {
		t.Fatalf("creating connection: %v", err)
	}
	if err := c.SetFD(p.clientFD, p.clientFD); err != nil {
		t.Fatalf("configuring connection: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("starting connection: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// Close shuts the peer down and waits for its goroutine.
func (p *Peer) Close() {
	select {
	case <-p.closed:
		return
	default:
	}
	close(p.closed)
	p.conn.Close()
	p.g.Wait()
}

func (p *Peer) run() error {
	if err := p.serveAuth(); err != nil {
		return p.fail(err)
	}
	for {
		frame, err := p.readFrame()
		if err != nil {
			// The client hanging up is how most tests end.
			return nil
		}
		hdr, body, err := wire.DecodeMessage(frame)
		if err != nil {
			return p.fail(fmt.Errorf("decoding client message: %w", err))
		}
		if p.handler != nil {
			p.handler(p, hdr, body)
		}
	}
}

func (p *Peer) fail(err error) error {
	select {
	case <-p.closed:
		return nil
	default:
		p.t.Errorf("bustest peer: %v", err)
		return err
	}
}

// serveAuth answers the client's SASL handshake: any AUTH line is
// accepted with OK, fd negotiation is agreed to, BEGIN concludes.
func (p *Peer) serveAuth() error {
	var buf bytes.Buffer
	// Read one byte at a time, so that the bytes which follow BEGIN
	// (the client's first message) stay in the socket for readFrame.
	tmp := make([]byte, 1)
	for {
		for {
			i := bytes.Index(buf.Bytes(), []byte("\r\n"))
			if i < 0 {
				break
			}
			line := string(buf.Next(i))
			buf.Next(2)
			line = strings.TrimPrefix(line, "\x00")
			switch {
			case strings.HasPrefix(line, "AUTH"):
				if _, err := fmt.Fprintf(p.conn, "OK %s\r\n", p.GUID); err != nil {
					return err
				}
			case line == "NEGOTIATE_UNIX_FD":
				if _, err := fmt.Fprint(p.conn, "AGREE_UNIX_FD\r\n"); err != nil {
					return err
				}
			case line == "BEGIN":
				return nil
			default:
				if _, err := fmt.Fprint(p.conn, "ERROR\r\n"); err != nil {
					return err
				}
			}
		}
		n, err := p.conn.Read(tmp)
		if err != nil {
			return err
		}
		buf.Write(tmp[:n])
	}
}

func (p *Peer) readFrame() ([]byte, error) {
	fixed := make([]byte, wire.MinHeaderSize)
	if err := p.readFull(fixed); err != nil {
		return nil, err
	}
	total, err := wire.FrameSize(fixed)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, total)
	copy(frame, fixed)
	if err := p.readFull(frame[wire.MinHeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func (p *Peer) readFull(bs []byte) error {
	for len(bs) > 0 {
		n, err := p.conn.Read(bs)
		if err != nil {
			return err
		}
		bs = bs[n:]
	}
	return nil
}

// Send seals and transmits a message to the client.
func (p *Peer) Send(hdr *wire.Header, body ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.serial++
	hdr.Serial = p.serial
	if hdr.Sender == "" {
		hdr.Sender = "org.freedesktop.DBus"
	}
	frame, err := wire.EncodeMessage(hdr, body)
	if err != nil {
		p.t.Errorf("bustest peer: encoding message: %v", err)
		return
	}
	if _, err := p.conn.Write(frame); err != nil {
		select {
		case <-p.closed:
		default:
			p.t.Errorf("bustest peer: writing message: %v", err)
		}
	}
}

// Reply sends a method return answering call.
func (p *Peer) Reply(call *wire.Header, args ...any) {
	p.Send(&wire.Header{
		Type:        wire.TypeMethodReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}, args...)
}

// ReplyError sends a method error answering call.
func (p *Peer) ReplyError(call *wire.Header, name, message string) {
	hdr := &wire.Header{
		Type:        wire.TypeError,
		ErrName:     name,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
	if message == "" {
		p.Send(hdr)
		return
	}
	p.Send(hdr, message)
}

// Emit sends a signal to the client.
func (p *Peer) Emit(path wire.ObjectPath, iface, member string, args ...any) {
	p.Send(&wire.Header{
		Type:      wire.TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
	}, args...)
}

// Call sends a method call to the client and returns its serial.
func (p *Peer) Call(path wire.ObjectPath, iface, member string, args ...any) uint32 {
	hdr := &wire.Header{
		Type:      wire.TypeMethodCall,
		Path:      path,
		Interface: iface,
		Member:    member,
		Sender:    ":1.99",
	}
	p.Send(hdr, args...)
	return hdr.Serial
}

// Broker returns a handler that mimics the essential broker
// behavior: Hello is answered with uniqueName, match bookkeeping
// and Ping are acknowledged, and everything else is handed to next
// (which may be nil).
func Broker(uniqueName string, next Handler) Handler {
	return func(p *Peer, hdr *wire.Header, body []any) {
		if hdr.Type == wire.TypeMethodCall && hdr.Interface == "org.freedesktop.DBus" {
			switch hdr.Member {
			case "Hello":
				p.Reply(hdr, uniqueName)
				return
			case "AddMatch", "RemoveMatch":
				if hdr.Flags&wire.FlagNoReplyExpected == 0 {
					p.Reply(hdr)
				}
				return
			}
		}
		if hdr.Type == wire.TypeMethodCall && hdr.Interface == "org.freedesktop.DBus.Peer" && hdr.Member == "Ping" {
			p.Reply(hdr)
			return
		}
		if next != nil {
			next(p, hdr, body)
		}
	}
}

// DriveUntil repeatedly calls Process on c until cond is true or
// the deadline passes.
func DriveUntil(t *testing.T, c *sdbus.Conn, cond func() bool, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached within %v", within)
		}
		progress, _, err := c.Process()
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if !progress {
			c.Wait(10 * time.Millisecond)
		}
	}
}
