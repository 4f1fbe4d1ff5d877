package sdbus

import (
	"errors"
	"fmt"
)

// Kind errors returned by connection operations. Operations wrap
// these with context; test with [errors.Is].
var (
	// ErrNotConnected is returned when I/O is requested on a
	// connection that is not open.
	ErrNotConnected = errors.New("not connected")
	// ErrChildProcess is returned when a connection is used after a
	// fork separated it from its owning process.
	ErrChildProcess = errors.New("connection belongs to parent process")
	// ErrNoBufferSpace is returned when a message queue is full.
	ErrNoBufferSpace = errors.New("no buffer space available")
	// ErrNotPermitted is returned for lifecycle violations, such as
	// setup calls after Start or Fd on a split-descriptor
	// connection.
	ErrNotPermitted = errors.New("operation not permitted in this connection state")
	// ErrBusy is returned when Process is re-entered from a
	// callback.
	ErrBusy = errors.New("connection is busy")
	// ErrTimedOut is returned when a call or tracker deadline
	// elapses.
	ErrTimedOut = errors.New("timed out")
	// ErrProtocol is returned for wire protocol violations. They
	// are fatal to the connection.
	ErrProtocol = errors.New("protocol violation")
	// ErrExists is returned when a registration collides with an
	// existing one.
	ErrExists = errors.New("already exists")
	// ErrNotFound is returned when a named entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotSupported is returned for operations the connection or
	// transport cannot perform.
	ErrNotSupported = errors.New("not supported")
)

// Standard error names used on the wire.
const (
	ErrNameFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrNameNoMemory         = "org.freedesktop.DBus.Error.NoMemory"
	ErrNameTimeout          = "org.freedesktop.DBus.Error.Timeout"
	ErrNameUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrNameUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrNamePropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrNameInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameNotSupported     = "org.freedesktop.DBus.Error.NotSupported"
	ErrNameNoReply          = "org.freedesktop.DBus.Error.NoReply"
)

// Error is a named bus error, as carried in method-error messages.
type Error struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Message is the human-readable explanation of what went wrong.
	Message string
}

func (e Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Message)
}

// errorFor converts a handler error into a named bus error. Errors
// that are already an [Error] keep their name; anything else maps to
// the generic Failed name.
func errorFor(err error) Error {
	var be Error
	if errors.As(err, &be) {
		return be
	}
	return Error{Name: ErrNameFailed, Message: err.Error()}
}
