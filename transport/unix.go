package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// sockTransport is a Transport over one or two stream descriptors.
// It covers unix sockets (with fd passing), TCP sockets, spawned
// peers and caller-supplied descriptor pairs.
type sockTransport struct {
	in, out    int
	connecting bool
	isUnix     bool
	oob        [512]byte
	fds        *queue.Queue[*os.File]
}

func newSockTransport(in, out int, isUnix, connecting bool) *sockTransport {
	return &sockTransport{
		in:         in,
		out:        out,
		connecting: connecting,
		isUnix:     isUnix,
		fds:        queue.New[*os.File](),
	}
}

// DialUnix starts a non-blocking connection to a unix stream socket.
// If abstract is true, path names an abstract-namespace socket.
func DialUnix(path string, abstract bool) (Transport, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	name := path
	if abstract {
		name = "@" + path
	}
	sa := &unix.SockaddrUnix{Name: name}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, err
	} else if err == nil {
		return newSockTransport(fd, fd, true, false), nil
	}
	return newSockTransport(fd, fd, true, true), nil
}

// DialTCP starts a non-blocking connection to host:port. family may
// be "", "ipv4" or "ipv6".
func DialTCP(host, port, family string) (Transport, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	pnum, err := strconv.Atoi(port)
	if err != nil || pnum <= 0 || pnum > 0xffff {
		return nil, fmt.Errorf("invalid port %q", port)
	}

	var lastErr error
	for _, ip := range ips {
		v4 := ip.To4()
		if family == "ipv4" && v4 == nil || family == "ipv6" && v4 != nil {
			continue
		}
		var (
			fd  int
			sa  unix.Sockaddr
			dom int
		)
		if v4 != nil {
			dom = unix.AF_INET
			a := &unix.SockaddrInet4{Port: pnum}
			copy(a.Addr[:], v4)
			sa = a
		} else {
			dom = unix.AF_INET6
			a := &unix.SockaddrInet6{Port: pnum}
			copy(a.Addr[:], ip.To16())
			sa = a
		}
		fd, err = unix.Socket(dom, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			lastErr = err
			continue
		}
		err = unix.Connect(fd, sa)
		if err == nil {
			return newSockTransport(fd, fd, false, false), nil
		}
		if err == unix.EINPROGRESS {
			return newSockTransport(fd, fd, false, true), nil
		}
		unix.Close(fd)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable address for host %q", host)
	}
	return nil, lastErr
}

// FromFDs wraps caller-supplied input and output descriptors. The
// descriptors are placed in non-blocking mode. Fd passing is
// available only when both descriptors are the same unix socket.
func FromFDs(in, out int) (Transport, error) {
	if err := unix.SetNonblock(in, true); err != nil {
		return nil, err
	}
	if out != in {
		if err := unix.SetNonblock(out, true); err != nil {
			return nil, err
		}
	}
	isUnix := false
	if in == out {
		if dom, err := unix.GetsockoptInt(in, unix.SOL_SOCKET, unix.SO_DOMAIN); err == nil && dom == unix.AF_UNIX {
			isUnix = true
		}
	}
	return newSockTransport(in, out, isUnix, false), nil
}

func (t *sockTransport) InputFd() int  { return t.in }
func (t *sockTransport) OutputFd() int { return t.out }
func (t *sockTransport) Atomic() bool  { return false }

func (t *sockTransport) SupportsFiles() bool { return t.isUnix }

func (t *sockTransport) Connect() error {
	if !t.connecting {
		return nil
	}
	soErr, err := unix.GetsockoptInt(t.out, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	switch unix.Errno(soErr) {
	case 0:
		t.connecting = false
		return nil
	case unix.EINPROGRESS, unix.EALREADY:
		return ErrInProgress
	default:
		return unix.Errno(soErr)
	}
}

func (t *sockTransport) Read(bs []byte) (int, error) {
	if !t.isUnix {
		n, err := unix.Read(t.in, bs)
		return readResult(n, err)
	}
	n, oobn, flags, _, err := unix.Recvmsg(t.in, bs, t.oob[:], unix.MSG_CMSG_CLOEXEC)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrAgain
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return 0, errors.New("control message truncated")
	}
	if oobn > 0 {
		if oobErr := t.parseFDs(t.oob[:oobn]); oobErr != nil {
			return 0, oobErr
		}
	}
	if err != nil {
		return 0, err
	}
	if n == 0 && len(bs) > 0 {
		return 0, errors.New("transport closed by peer")
	}
	return n, nil
}

func (t *sockTransport) Write(bs []byte) (int, error) {
	n, err := unix.Write(t.out, bs)
	return readResult(n, err)
}

func (t *sockTransport) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	if len(fs) == 0 {
		return t.Write(bs)
	}
	if !t.isUnix {
		return 0, errors.New("transport cannot carry file descriptors")
	}
	fds := make([]int, 0, len(fs))
	for _, f := range fs {
		fds = append(fds, int(f.Fd()))
	}
	scm := unix.UnixRights(fds...)
	n, err := unix.SendmsgN(t.out, bs, scm, nil, 0)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrAgain
	}
	if err != nil {
		return n, err
	}
	return n, nil
}

func (t *sockTransport) GetFiles(n int) ([]*os.File, error) {
	ret := make([]*os.File, 0, n)
	for range n {
		f, ok := t.fds.Pop()
		if !ok {
			for _, f := range ret {
				f.Close()
			}
			return nil, errors.New("requested file not available")
		}
		ret = append(ret, f)
	}
	return ret, nil
}

func (t *sockTransport) Close() error {
	t.fds.Each(func(f *os.File) bool {
		f.Close()
		return true
	})
	t.fds.Clear()
	err := unix.Close(t.in)
	if t.out != t.in {
		if err2 := unix.Close(t.out); err == nil {
			err = err2
		}
	}
	return err
}

func (t *sockTransport) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	// Keep parsing past errors: every received descriptor must be
	// accounted for, or the process leaks fds on a malformed
	// message.
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on bus socket", fd))
			} else {
				t.fds.Add(f)
			}
		}
	}
	return errors.Join(errs...)
}

func readResult(n int, err error) (int, error) {
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrAgain
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("transport closed by peer")
	}
	return n, nil
}
