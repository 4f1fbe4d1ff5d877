package sdbus

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sdbus-go/sdbus/transport"
	"github.com/sdbus-go/sdbus/wire"
)

// IOEvents is a poll readiness bitmask.
type IOEvents int16

const (
	// EventReadable asks the poller to watch for readability.
	EventReadable = IOEvents(unix.POLLIN)
	// EventWritable asks the poller to watch for writability.
	EventWritable = IOEvents(unix.POLLOUT)
)

// Fd returns the descriptor an external loop should poll for this
// connection. It fails with [ErrNotPermitted] when the connection
// uses separate input and output descriptors.
func (c *Conn) Fd() (int, error) {
	if err := c.entry(); err != nil {
		return -1, err
	}
	if c.t == nil {
		return -1, ErrNotConnected
	}
	in, out := c.t.InputFd(), c.t.OutputFd()
	if in != out {
		return -1, ErrNotPermitted
	}
	return in, nil
}

// Events returns the readiness bitmask an external loop should poll
// for, given the connection's current state.
func (c *Conn) Events() (IOEvents, error) {
	if err := c.entry(); err != nil {
		return 0, err
	}
	switch c.state {
	case StateOpening:
		return EventWritable, nil
	case StateAuthenticating:
		ev := EventReadable
		if c.auth != nil && c.auth.SendPending() {
			ev |= EventWritable
		}
		return ev, nil
	case StateHello, StateRunning:
		var ev IOEvents
		if c.rqueue.Len() == 0 {
			ev |= EventReadable
		}
		if c.wqueue.Len() > 0 {
			ev |= EventWritable
		}
		return ev, nil
	default:
		return 0, ErrNotConnected
	}
}

// Timeout returns the absolute deadline by which the external loop
// should call [Conn.Process] again, if there is one.
func (c *Conn) Timeout() (time.Time, bool, error) {
	if err := c.entry(); err != nil {
		return time.Time{}, false, err
	}
	switch c.state {
	case StateAuthenticating:
		return c.authDeadline, true, nil
	case StateHello, StateRunning:
		dl, ok := c.replies.nextDeadline()
		return dl, ok, nil
	case StateOpening:
		return time.Time{}, false, nil
	default:
		return time.Time{}, false, ErrNotConnected
	}
}

// Process advances the connection by one step: a connect or auth
// step while handshaking, otherwise one expired timeout, one queue
// write, one message read, or one message dispatched.
//
// It reports whether work was done; false means the caller should
// block on readiness (see [Conn.Events] and [Conn.Timeout]) before
// calling again. When an inbound message finished dispatch without
// being consumed by any handler, it is returned for the caller to
// inspect.
//
// Process must not be re-entered from a dispatch callback; doing so
// fails with [ErrBusy].
func (c *Conn) Process() (bool, *Message, error) {
	if err := c.entry(); err != nil {
		return false, nil, err
	}
	if c.processing {
		return false, nil, ErrBusy
	}

	switch c.state {
	case StateUnset, StateClosed:
		return false, nil, ErrNotConnected
	case StateOpening:
		progress, err := c.processConnect()
		return progress, nil, err
	case StateAuthenticating:
		progress, err := c.processAuth()
		return progress, nil, err
	default:
		return c.processRunning()
	}
}

func (c *Conn) processConnect() (bool, error) {
	err := c.t.Connect()
	switch {
	case err == nil:
		c.beginAuth()
		return true, nil
	case errors.Is(err, transport.ErrInProgress):
		return false, nil
	default:
		if rerr := c.retryNextEndpoint(err); rerr != nil {
			c.enterClosed(rerr)
			return false, rerr
		}
		return true, nil
	}
}

// beginAuth transitions out of StateOpening once the transport is
// established. Kernel transports authenticate in the kernel and
// skip the handshake entirely.
func (c *Conn) beginAuth() {
	if c.kernel {
		c.enterReady()
		return
	}
	c.state = StateAuthenticating
	if c.server {
		c.auth = transport.NewServerAuth(c.serverGUID, c.anonymous)
	} else {
		c.auth = transport.NewClientAuth(c.negotiateFDs && c.t.SupportsFiles(), c.anonymous)
	}
	c.authDeadline = c.clk.Now().Add(c.authTimeout)
	c.log.Debug("authenticating", zap.Bool("server", c.server))
}

func (c *Conn) processAuth() (bool, error) {
	if c.clk.Now().After(c.authDeadline) {
		err := fmt.Errorf("authentication: %w", ErrTimedOut)
		c.enterClosed(err)
		return false, err
	}
	done, err := c.auth.Step(c.t)
	if err != nil {
		c.enterClosed(err)
		return false, err
	}
	if !done {
		return false, nil
	}

	c.canFDs = c.auth.CanSendFDs() && c.t.SupportsFiles()
	if !c.server {
		guid := c.auth.GUID()
		if c.expectGUID != "" && guid != c.expectGUID {
			err := fmt.Errorf("%w: server identity %q does not match expected %q", ErrProtocol, guid, c.expectGUID)
			c.enterClosed(err)
			return false, err
		}
		if guid != "" {
			c.serverGUID = guid
		}
	}
	c.auth = nil
	c.enterReady()
	return true, nil
}

// enterReady leaves the handshake: broker clients go through the
// Hello exchange, everyone else is immediately running.
func (c *Conn) enterReady() {
	if c.busClient && !c.kernel {
		c.state = StateHello
		if err := c.sendHello(); err != nil {
			c.enterClosed(err)
		}
		return
	}
	c.state = StateRunning
	c.log.Debug("connection running")
}

func (c *Conn) sendHello() error {
	hello := NewMethodCall(ifaceBroker, "/org/freedesktop/DBus", ifaceBroker, "Hello")
	serial, err := c.CallAsync(hello, c.handleHelloReply, 0)
	if err != nil {
		return err
	}
	c.helloSerial = serial
	return nil
}

// handleHelloReply finishes the hello handshake. The broker must
// answer with a single string: our unique name, beginning with ":".
func (c *Conn) handleHelloReply(_ *Conn, reply *Message) (bool, error) {
	if reply.Type == TypeError {
		return true, fmt.Errorf("%w: broker rejected hello: %v", ErrProtocol, reply.Err())
	}
	if len(reply.Body) != 1 {
		return true, fmt.Errorf("%w: hello reply carries %d values", ErrProtocol, len(reply.Body))
	}
	name, ok := reply.Body[0].(string)
	if !ok || !wire.UniqueBusName(name) {
		return true, fmt.Errorf("%w: hello reply %v is not a unique name", ErrProtocol, reply.Body[0])
	}
	c.uniqueName = name
	c.state = StateRunning
	c.log.Debug("hello complete", zap.String("unique_name", name))
	return true, nil
}

func (c *Conn) processRunning() (bool, *Message, error) {
	if progress, err := c.replies.tick(c); err != nil {
		return true, nil, c.checkDispatchErr(err)
	} else if progress {
		return true, nil, nil
	}

	if progress, err := c.writeStep(); err != nil {
		return false, nil, err
	} else if progress {
		return true, nil, nil
	}

	// Only pull more traffic off the wire when the read queue has
	// room; a full queue drains through dispatch below.
	if c.rqueue.Len() < c.rqueueMax {
		if err := c.readStep(); err != nil {
			return false, nil, err
		}
	}

	m, ok := c.rqueue.Pop()
	if !ok {
		return false, nil, nil
	}
	c.processing = true
	handled, err := c.dispatchMessage(m)
	c.processing = false
	if err != nil {
		return true, nil, c.checkDispatchErr(err)
	}
	if handled {
		return true, nil, nil
	}
	return true, m, nil
}

// checkDispatchErr closes the connection on protocol violations;
// other callback errors are reported but leave the connection open.
func (c *Conn) checkDispatchErr(err error) error {
	if errors.Is(err, ErrProtocol) {
		c.enterClosed(err)
	}
	return err
}

// writeStep makes one attempt to transmit the head of the write
// queue. Partial writes are remembered in windex and resumed on the
// next attempt; on atomic transports the message is delivered whole
// or not at all.
func (c *Conn) writeStep() (bool, error) {
	head, ok := c.wqueue.Peek(0)
	if !ok {
		return false, nil
	}

	var (
		n   int
		err error
	)
	if c.t.Atomic() {
		n, err = c.t.WriteWithFiles(head.blob, head.Files)
		if errors.Is(err, transport.ErrAgain) {
			return false, nil
		}
		if err != nil {
			c.enterClosed(err)
			return false, err
		}
		c.wqueue.Pop()
		return true, nil
	}

	if c.windex == 0 && len(head.Files) > 0 {
		n, err = c.t.WriteWithFiles(head.blob, head.Files)
	} else {
		n, err = c.t.Write(head.blob[c.windex:])
	}
	if errors.Is(err, transport.ErrAgain) {
		return false, nil
	}
	if err != nil {
		c.enterClosed(err)
		return false, err
	}
	c.windex += n
	if c.windex >= len(head.blob) {
		c.wqueue.Pop()
		c.windex = 0
	}
	return true, nil
}

// readStep assembles at most one inbound message and appends it to
// the read queue.
func (c *Conn) readStep() error {
	m, err := c.readMessage()
	if err != nil || m == nil {
		return err
	}
	return c.enqueueRead(m)
}

func (c *Conn) enqueueRead(m *Message) error {
	if c.rqueue.Len() >= c.rqueueMax {
		m.closeFiles()
		return fmt.Errorf("read queue full: %w", ErrNoBufferSpace)
	}
	c.rqueue.Add(m)
	return nil
}

// readMessage reads transport bytes until a whole message is
// assembled, or returns nil when the transport would block
// mid-frame. Fatal read errors close the connection.
func (c *Conn) readMessage() (*Message, error) {
	if c.t.Atomic() {
		return c.readAtomic()
	}

	if c.rwant == 0 {
		c.rwant = wire.MinHeaderSize
	}
	var buf [4096]byte
	for len(c.rbuf) < c.rwant {
		want := c.rwant - len(c.rbuf)
		if want > len(buf) {
			want = len(buf)
		}
		n, err := c.t.Read(buf[:want])
		if errors.Is(err, transport.ErrAgain) {
			return nil, nil
		}
		if err != nil {
			c.enterClosed(err)
			return nil, err
		}
		c.rbuf = append(c.rbuf, buf[:n]...)
		if len(c.rbuf) == wire.MinHeaderSize && c.rwant == wire.MinHeaderSize {
			total, err := wire.FrameSize(c.rbuf)
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrProtocol, err)
				c.enterClosed(err)
				return nil, err
			}
			c.rwant = total
		}
	}
	frame := c.rbuf
	c.rbuf = nil
	c.rwant = 0
	return c.finishRead(frame)
}

// readAtomic reads one whole message from an atomic transport.
func (c *Conn) readAtomic() (*Message, error) {
	buf := make([]byte, 1<<20)
	n, err := c.t.Read(buf)
	if errors.Is(err, transport.ErrAgain) {
		return nil, nil
	}
	if err != nil {
		c.enterClosed(err)
		return nil, err
	}
	return c.finishRead(buf[:n])
}

func (c *Conn) finishRead(frame []byte) (*Message, error) {
	hdr, body, err := wire.DecodeMessage(frame)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrProtocol, err)
		c.enterClosed(err)
		return nil, err
	}
	if err := hdr.Valid(); err != nil {
		err = fmt.Errorf("%w: %v", ErrProtocol, err)
		c.enterClosed(err)
		return nil, err
	}
	var files []*os.File
	if hdr.NumFDs > 0 {
		files, err = c.t.GetFiles(int(hdr.NumFDs))
		if err != nil {
			c.enterClosed(err)
			return nil, err
		}
	}
	return fromWire(hdr, body, files, c.clk.Now()), nil
}

// Send seals m (assigning its serial) and transmits it: directly if
// the write queue is empty and the connection is ready, otherwise
// via the queue. It returns the assigned serial.
func (c *Conn) Send(m *Message) (uint32, error) {
	if err := c.entry(); err != nil {
		return 0, err
	}
	switch c.state {
	case StateUnset, StateClosed:
		return 0, ErrNotConnected
	}
	if !m.sealed {
		if err := m.seal(c.nextSerial()); err != nil {
			return 0, err
		}
	}
	if len(m.Files) > 0 && !c.canFDs {
		return 0, fmt.Errorf("%w: fd passing not negotiated", ErrNotSupported)
	}

	if c.wqueue.Len() >= c.wqueueMax {
		return 0, fmt.Errorf("write queue full: %w", ErrNoBufferSpace)
	}
	c.wqueue.Add(m)

	// Opportunistically drain if the connection is past the
	// handshake; a partial write leaves windex for later attempts.
	if c.state == StateRunning || c.state == StateHello {
		for {
			progress, err := c.writeStep()
			if err != nil {
				return 0, err
			}
			if !progress || c.wqueue.Len() == 0 {
				break
			}
		}
	}
	return m.serial, nil
}

// CallAsync sends a method call and registers fn to receive the
// reply. A zero timeout applies the connection default; a negative
// timeout means the call never expires. The returned serial can
// cancel the call with [Conn.CancelCall].
//
// fn always receives a message: the reply, the error reply, or a
// synthesized timeout error.
func (c *Conn) CallAsync(m *Message, fn MessageHandler, timeout time.Duration) (uint32, error) {
	if err := c.entry(); err != nil {
		return 0, err
	}
	if m.Type != TypeMethodCall {
		return 0, fmt.Errorf("%w: CallAsync requires a method call", errInvalid)
	}
	if !m.WantReply() {
		return 0, fmt.Errorf("%w: call has no-reply-expected set", errInvalid)
	}

	var deadline time.Time
	switch {
	case timeout == 0:
		deadline = c.clk.Now().Add(c.callTimeout)
	case timeout > 0:
		deadline = c.clk.Now().Add(timeout)
	}

	serial, err := c.Send(m)
	if err != nil {
		return 0, err
	}
	c.replies.register(serial, fn, deadline)
	return serial, nil
}

// CancelCall abandons the pending call with the given serial. It
// reports whether such a call was pending. A reply that arrives
// later is not passed to the call's handler; it goes through the
// rest of the dispatch chain like any other inbound message.
func (c *Conn) CancelCall(serial uint32) bool {
	if c.entry() != nil {
		return false
	}
	return c.replies.cancel(serial)
}

// Call sends a method call and blocks until its reply arrives,
// reading the transport directly. Messages other than the awaited
// reply are queued for later dispatch; the queued traffic is not
// reordered. A zero timeout applies the connection default; a
// negative timeout blocks indefinitely.
func (c *Conn) Call(m *Message, timeout time.Duration) (*Message, error) {
	if err := c.entry(); err != nil {
		return nil, err
	}
	if c.processing {
		return nil, ErrBusy
	}
	if m.Type != TypeMethodCall {
		return nil, fmt.Errorf("%w: Call requires a method call", errInvalid)
	}

	var deadline time.Time
	switch {
	case timeout == 0:
		deadline = c.clk.Now().Add(c.callTimeout)
	case timeout > 0:
		deadline = c.clk.Now().Add(timeout)
	}

	if err := c.driveToRunning(deadline); err != nil {
		return nil, err
	}

	serial, err := c.Send(m)
	if err != nil {
		return nil, err
	}
	if !m.WantReply() {
		return nil, nil
	}

	for {
		// Finish transmitting before waiting on the reply.
		for c.wqueue.Len() > 0 {
			progress, err := c.writeStep()
			if err != nil {
				return nil, err
			}
			if !progress {
				break
			}
		}

		reply, err := c.readMessage()
		if err != nil {
			return nil, err
		}
		if reply != nil {
			if reply.IsReply() && reply.ReplySerial == serial {
				if e := reply.Err(); e != nil {
					return nil, e
				}
				return reply, nil
			}
			if err := c.enqueueRead(reply); err != nil {
				return nil, err
			}
			continue
		}

		// Wait for the reply regardless of how full the read queue
		// already is.
		events := EventReadable
		if c.wqueue.Len() > 0 {
			events |= EventWritable
		}
		if err := c.pollIO(events, deadline); err != nil {
			if errors.Is(err, ErrTimedOut) {
				c.replies.cancel(serial)
			}
			return nil, err
		}
	}
}

// driveToRunning advances the handshake until the connection is
// running, blocking on readiness as needed.
func (c *Conn) driveToRunning(deadline time.Time) error {
	for {
		switch c.state {
		case StateRunning:
			return nil
		case StateUnset, StateClosed:
			return ErrNotConnected
		}
		progress, _, err := c.Process()
		if err != nil {
			return err
		}
		if progress {
			continue
		}
		if err := c.pollStep(deadline); err != nil {
			return err
		}
	}
}

// pollStep blocks on the connection's readiness events until
// something happens or the earlier of deadline and the connection's
// own timeout passes.
func (c *Conn) pollStep(deadline time.Time) error {
	if dl, ok, err := c.Timeout(); err != nil {
		return err
	} else if ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	events, err := c.Events()
	if err != nil {
		return err
	}
	return c.pollIO(events, deadline)
}

// pollIO blocks on readiness up to deadline, without consulting the
// connection's own timers. The blocking call path uses it directly
// so that an unrelated pending call's deadline cannot cut a wait
// short.
func (c *Conn) pollIO(events IOEvents, deadline time.Time) error {
	timeoutMS := -1
	if !deadline.IsZero() {
		d := deadline.Sub(c.clk.Now())
		if d <= 0 {
			return ErrTimedOut
		}
		timeoutMS = int(d / time.Millisecond)
		if timeoutMS == 0 {
			timeoutMS = 1
		}
	}

	fds := []unix.PollFd{{Fd: int32(c.t.InputFd()), Events: int16(events)}}
	if c.t.OutputFd() != c.t.InputFd() {
		fds = append(fds, unix.PollFd{Fd: int32(c.t.OutputFd()), Events: int16(events & EventWritable)})
	}
	for {
		_, err := unix.Poll(fds, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Wait blocks until the connection has work for [Conn.Process], or
// timeout elapses. It returns immediately when inbound messages are
// already queued. A negative timeout waits indefinitely.
func (c *Conn) Wait(timeout time.Duration) error {
	if err := c.entry(); err != nil {
		return err
	}
	switch c.state {
	case StateUnset, StateClosed:
		return ErrNotConnected
	}
	if c.rqueue.Len() > 0 {
		return nil
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = c.clk.Now().Add(timeout)
	}
	err := c.pollStep(deadline)
	if errors.Is(err, ErrTimedOut) {
		return nil
	}
	return err
}

// Flush drives the connection through any remaining handshake steps
// and then blocks until the write queue has fully drained.
func (c *Conn) Flush() error {
	if err := c.entry(); err != nil {
		return err
	}
	if c.processing {
		return ErrBusy
	}
	switch c.state {
	case StateUnset, StateClosed:
		return ErrNotConnected
	}
	if err := c.driveToRunning(time.Time{}); err != nil {
		return err
	}
	for c.wqueue.Len() > 0 {
		progress, err := c.writeStep()
		if err != nil {
			return err
		}
		if progress {
			continue
		}
		if err := c.pollStep(time.Time{}); err != nil {
			return err
		}
	}
	return nil
}
