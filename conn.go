package sdbus

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/mds/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sdbus-go/sdbus/transport"
)

// ConnState is the lifecycle state of a connection.
type ConnState int

const (
	// StateUnset is a freshly created connection. Only setup
	// operations are permitted.
	StateUnset ConnState = iota
	// StateOpening means the transport connection is in progress.
	StateOpening
	// StateAuthenticating means the auth handshake is underway.
	StateAuthenticating
	// StateHello means the connection is established and waiting
	// for the broker to assign a unique name.
	StateHello
	// StateRunning is a fully usable connection.
	StateRunning
	// StateClosed is terminal.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnset:
		return "unset"
	case StateOpening:
		return "opening"
	case StateAuthenticating:
		return "authenticating"
	case StateHello:
		return "hello"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// A MessageHandler reacts to a message. It returns true if it
// consumed the message, false to let the rest of the dispatch chain
// see it. A non-nil error aborts the current dispatch step and is
// reported by Process.
type MessageHandler func(c *Conn, m *Message) (bool, error)

const (
	defaultQueueCapacity = 1024
	defaultCallTimeout   = 25 * time.Second
	defaultAuthTimeout   = 25 * time.Second
)

// Conn is a bus connection.
//
// A Conn is a single-owner object: the caller must serialize all
// operations on it. The library integrates with an external
// readiness loop via [Conn.Fd], [Conn.Events], [Conn.Timeout] and
// [Conn.Process] rather than running its own.
type Conn struct {
	state    ConnState
	ownerPID int
	clk      clock.Clock
	log      *zap.Logger

	// setup, frozen at Start
	address      string
	cursor       addressCursor
	inFd, outFd  int
	execPath     string
	execArgv     []string
	negotiateFDs bool
	server       bool
	anonymous    bool
	busClient    bool
	serverGUID   string
	expectGUID   string
	rqueueMax    int
	wqueueMax    int
	callTimeout  time.Duration
	authTimeout  time.Duration

	t            transport.Transport
	kernel       bool
	auth         *transport.Auth
	authDeadline time.Time
	canFDs       bool
	lastDialErr  error

	serial      uint32
	uniqueName  string
	helloSerial uint32

	rqueue *queue.Queue[*Message]
	wqueue *queue.Queue[*Message]
	windex int

	rbuf  []byte
	rwant int

	replies *replyTracker

	filters         []*Filter
	filtersModified bool

	matches         []*Match
	matchesModified bool

	nodes         map[ObjectPath]*node
	vtableMethods map[nodeKey]*vtableMethod
	vtableProps   map[nodeKey]*vtableProperty
	nodesModified bool

	iteration  uint64
	processing bool

	closeErr error
}

// New returns a fresh, unconfigured connection in [StateUnset].
func New() (*Conn, error) {
	c := &Conn{
		ownerPID:    os.Getpid(),
		clk:         clock.New(),
		log:         zap.NewNop(),
		inFd:        -1,
		outFd:       -1,
		busClient:   true,
		rqueueMax:   defaultQueueCapacity,
		wqueueMax:   defaultQueueCapacity,
		callTimeout: defaultCallTimeout,
		authTimeout: defaultAuthTimeout,
		rqueue:      queue.New[*Message](),
		wqueue:      queue.New[*Message](),
		replies:     newReplyTracker(),
		nodes:       map[ObjectPath]*node{},
	}
	c.vtableMethods = map[nodeKey]*vtableMethod{}
	c.vtableProps = map[nodeKey]*vtableProperty{}
	c.replies.clk = c.clk
	return c, nil
}

// Dial returns a started client connection to the bus at address.
func Dial(address string) (*Conn, error) {
	c, err := New()
	if err != nil {
		return nil, err
	}
	if err := c.SetAddress(address); err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultSystem returns a started connection to the system bus.
func DefaultSystem() (*Conn, error) {
	addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if addr == "" {
		addr = "unix:path=/run/dbus/system_bus_socket"
	}
	return Dial(addr)
}

// DefaultUser returns a started connection to the current user's
// bus.
func DefaultUser() (*Conn, error) {
	if addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); addr != "" {
		return Dial(addr)
	}
	run := os.Getenv("XDG_RUNTIME_DIR")
	if run == "" {
		return nil, fmt.Errorf("user bus: %w", os.ErrNotExist)
	}
	return Dial("unix:path=" + run + "/bus")
}

// NewServer returns a started server-to-peer connection over fd,
// typically one end of a socketpair. guid is the server identity
// offered during authentication; if empty, one is minted.
func NewServer(fd int, guid string) (*Conn, error) {
	c, err := New()
	if err != nil {
		return nil, err
	}
	if err := c.SetFD(fd, fd); err != nil {
		return nil, err
	}
	if err := c.SetServer(true, guid); err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	return c, nil
}

// entry performs the checks shared by every entry point.
func (c *Conn) entry() error {
	if c == nil {
		return errors.New("nil connection")
	}
	if c.ownerPID != os.Getpid() {
		return ErrChildProcess
	}
	return nil
}

func (c *Conn) setupEntry() error {
	if err := c.entry(); err != nil {
		return err
	}
	if c.state != StateUnset {
		return ErrNotPermitted
	}
	return nil
}

// State returns the connection's lifecycle state.
func (c *Conn) State() ConnState { return c.state }

// SetLogger installs a logger for connection debug tracing.
func (c *Conn) SetLogger(log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	c.log = log
}

// SetClock replaces the connection's time source. Setup only.
func (c *Conn) SetClock(clk clock.Clock) error {
	if err := c.setupEntry(); err != nil {
		return err
	}
	c.clk = clk
	c.replies.clk = clk
	return nil
}

// SetAddress configures the bus address list to connect to. Setup
// only.
func (c *Conn) SetAddress(address string) error {
	if err := c.setupEntry(); err != nil {
		return err
	}
	if address == "" {
		return fmt.Errorf("%w: empty address", errInvalid)
	}
	c.address = address
	c.cursor = addressCursor{addr: address}
	return nil
}

// SetFD configures the connection to run over the given input and
// output descriptors instead of dialing an address. Setup only.
func (c *Conn) SetFD(in, out int) error {
	if err := c.setupEntry(); err != nil {
		return err
	}
	if in < 0 || out < 0 {
		return fmt.Errorf("%w: negative file descriptor", errInvalid)
	}
	c.inFd, c.outFd = in, out
	return nil
}

// SetExec configures the connection to spawn path as the remote
// peer, connected over a socketpair. argv may be nil to run path
// with no arguments. Setup only.
func (c *Conn) SetExec(path string, argv []string) error {
	if err := c.setupEntry(); err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("%w: empty exec path", errInvalid)
	}
	c.execPath = path
	c.execArgv = argv
	return nil
}

// SetNegotiateFDs configures whether to negotiate file descriptor
// passing during authentication. Setup only.
func (c *Conn) SetNegotiateFDs(b bool) error {
	if err := c.setupEntry(); err != nil {
		return err
	}
	c.negotiateFDs = b
	return nil
}

// SetServer configures the connection as the server side of a
// peer-to-peer link. guid is the identity to offer clients; if
// empty, one is minted at Start. Setup only.
func (c *Conn) SetServer(b bool, guid string) error {
	if err := c.setupEntry(); err != nil {
		return err
	}
	c.server = b
	c.serverGUID = guid
	if b {
		c.busClient = false
	}
	return nil
}

// SetAnonymous configures the client to authenticate anonymously.
// Setup only.
func (c *Conn) SetAnonymous(b bool) error {
	if err := c.setupEntry(); err != nil {
		return err
	}
	c.anonymous = b
	return nil
}

// SetBusClient configures whether the connection talks to a message
// broker (and must perform the Hello handshake) rather than a direct
// peer. Connections are bus clients by default. Setup only.
func (c *Conn) SetBusClient(b bool) error {
	if err := c.setupEntry(); err != nil {
		return err
	}
	c.busClient = b
	return nil
}

// SetQueueCapacity bounds the inbound and outbound message queues.
// Setup only.
func (c *Conn) SetQueueCapacity(rqueue, wqueue int) error {
	if err := c.setupEntry(); err != nil {
		return err
	}
	if rqueue < 1 || wqueue < 1 {
		return fmt.Errorf("%w: queue capacity must be at least 1", errInvalid)
	}
	c.rqueueMax, c.wqueueMax = rqueue, wqueue
	return nil
}

// SetCallTimeout sets the default timeout applied to method calls
// that do not specify one. Setup only.
func (c *Conn) SetCallTimeout(d time.Duration) error {
	if err := c.setupEntry(); err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("%w: non-positive timeout", errInvalid)
	}
	c.callTimeout = d
	return nil
}

// UniqueName returns the name the broker assigned in the Hello
// reply.
func (c *Conn) UniqueName() (string, error) {
	if err := c.entry(); err != nil {
		return "", err
	}
	if c.uniqueName == "" {
		return "", ErrNotConnected
	}
	return c.uniqueName, nil
}

// ServerGUID returns the server identity, once known: the configured
// or minted one for servers, the peer's for clients after
// authentication.
func (c *Conn) ServerGUID() string { return c.serverGUID }

// Start begins connecting. The connection leaves [StateUnset]; call
// [Conn.Process] (or [Conn.Flush]) to drive the handshake to
// completion.
func (c *Conn) Start() error {
	if err := c.entry(); err != nil {
		return err
	}
	if c.state != StateUnset {
		return ErrNotPermitted
	}
	if c.address == "" && c.inFd < 0 && c.execPath == "" {
		return fmt.Errorf("%w: no address, descriptors or exec path configured", errInvalid)
	}
	if c.server && c.serverGUID == "" {
		c.serverGUID = uuid.NewString()
	}

	c.state = StateOpening
	if err := c.openNextTransport(); err != nil {
		c.enterClosed(err)
		return err
	}
	c.log.Debug("connection starting", zap.String("state", c.state.String()))
	return nil
}

// openNextTransport establishes c.t from the configured descriptors,
// exec path, or the next endpoint of the address list.
func (c *Conn) openNextTransport() error {
	if c.inFd >= 0 {
		t, err := transport.FromFDs(c.inFd, c.outFd)
		if err != nil {
			return err
		}
		c.t = t
		return nil
	}
	if c.execPath != "" && c.address == "" {
		t, err := transport.Exec(c.execPath, c.execArgv)
		if err != nil {
			return err
		}
		c.t = t
		return nil
	}
	for c.cursor.more() {
		ep, err := c.cursor.parseNext()
		if err != nil {
			return err
		}
		if ep.guid != "" && c.expectGUID == "" {
			c.expectGUID = ep.guid
		}
		var t transport.Transport
		switch ep.kind {
		case endpointUnix:
			t, err = transport.DialUnix(ep.path, false)
		case endpointAbstract:
			t, err = transport.DialUnix(ep.path, true)
		case endpointTCP:
			t, err = transport.DialTCP(ep.host, ep.port, ep.family)
		case endpointExec:
			t, err = transport.Exec(ep.path, ep.argv)
		case endpointKernel:
			t, err = transport.OpenKernel(ep.path)
		}
		if err != nil {
			c.lastDialErr = err
			c.log.Debug("endpoint failed", zap.String("endpoint", ep.String()), zap.Error(err))
			continue
		}
		c.t = t
		c.kernel = ep.kind == endpointKernel
		return nil
	}
	if c.lastDialErr != nil {
		return c.lastDialErr
	}
	return errConnectionRefused
}

// retryNextEndpoint tears down the current transport attempt and
// moves the address cursor forward.
func (c *Conn) retryNextEndpoint(cause error) error {
	c.lastDialErr = cause
	if c.t != nil {
		c.t.Close()
		c.t = nil
	}
	if c.inFd >= 0 || c.execPath != "" || !c.cursor.more() {
		return cause
	}
	return c.openNextTransport()
}

// Close closes the connection. It is idempotent.
func (c *Conn) Close() error {
	if err := c.entry(); err != nil {
		return err
	}
	if c.state == StateClosed {
		return nil
	}
	c.enterClosed(nil)
	return nil
}

// enterClosed transitions to StateClosed, releasing queued messages
// and the transport.
func (c *Conn) enterClosed(cause error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.closeErr = cause
	if c.t != nil {
		c.t.Close()
		c.t = nil
	}
	c.rqueue.Each(func(m *Message) bool {
		m.closeFiles()
		return true
	})
	c.rqueue.Clear()
	c.wqueue.Clear()
	c.windex = 0
	c.replies.clear()
	if cause != nil {
		c.log.Warn("connection closed", zap.Error(cause))
	} else {
		c.log.Debug("connection closed")
	}
}

// nextSerial assigns the next outgoing serial. Serial 0 is reserved.
func (c *Conn) nextSerial() uint32 {
	c.serial++
	if c.serial == 0 {
		c.serial = 1
	}
	return c.serial
}

var (
	errInvalid           = errors.New("invalid argument")
	errConnectionRefused = errors.New("connection refused")
)
