// Package transport provides the raw byte transports a bus
// connection runs over: unix stream sockets (filesystem and
// abstract), TCP, a spawned peer process, and a kernel message
// device.
//
// All transports are non-blocking. Operations that cannot make
// progress return [ErrAgain]; the caller is expected to poll the
// descriptors reported by InputFd/OutputFd and retry.
package transport

import (
	"errors"
	"io"
	"os"
)

// ErrAgain is returned when an operation cannot make progress
// without blocking.
var ErrAgain = errors.New("operation would block")

// ErrInProgress is returned by Connect while the connection attempt
// has not yet concluded.
var ErrInProgress = errors.New("connection attempt in progress")

// Transport is a raw bus connection.
type Transport interface {
	io.ReadWriteCloser

	// InputFd and OutputFd return the descriptors to poll for
	// readability and writability. They are usually the same.
	InputFd() int
	OutputFd() int

	// Connect advances a pending connection attempt by one step.
	// It returns nil once the transport is established and
	// ErrInProgress while the attempt is still underway.
	Connect() error

	// Atomic reports whether writes deliver a whole message or
	// nothing, as on kernel transports. Non-atomic transports may
	// perform partial writes.
	Atomic() bool

	// SupportsFiles reports whether the transport can carry file
	// descriptors.
	SupportsFiles() bool

	// GetFiles returns n received files that were attached to
	// previously read bytes as ancillary data.
	GetFiles(n int) ([]*os.File, error)

	// WriteWithFiles is like Write, but additionally sends the given
	// files as ancillary data attached to the first byte.
	WriteWithFiles(bs []byte, fds []*os.File) (int, error)
}
