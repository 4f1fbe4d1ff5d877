package transport

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// kernelTransport is a whole-message transport over a kernel bus
// device. Each write delivers one complete message atomically, or
// nothing; each read returns one complete message.
type kernelTransport struct {
	fd int
}

// OpenKernel opens the kernel bus device at path.
func OpenKernel(path string) (Transport, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &kernelTransport{fd: fd}, nil
}

func (t *kernelTransport) InputFd() int  { return t.fd }
func (t *kernelTransport) OutputFd() int { return t.fd }
func (t *kernelTransport) Atomic() bool  { return true }
func (t *kernelTransport) Connect() error {
	return nil
}

func (t *kernelTransport) SupportsFiles() bool { return false }

func (t *kernelTransport) Read(bs []byte) (int, error) {
	n, err := unix.Read(t.fd, bs)
	return readResult(n, err)
}

func (t *kernelTransport) Write(bs []byte) (int, error) {
	n, err := unix.Write(t.fd, bs)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrAgain
	}
	if err != nil {
		return 0, err
	}
	if n != len(bs) {
		// The device contract is all-or-nothing.
		return n, errors.New("kernel transport performed a partial write")
	}
	return n, nil
}

func (t *kernelTransport) WriteWithFiles(bs []byte, fds []*os.File) (int, error) {
	if len(fds) > 0 {
		return 0, errors.New("kernel transport fd attachment not supported")
	}
	return t.Write(bs)
}

func (t *kernelTransport) GetFiles(n int) ([]*os.File, error) {
	if n > 0 {
		return nil, errors.New("kernel transport fd attachment not supported")
	}
	return nil, nil
}

func (t *kernelTransport) Close() error {
	return unix.Close(t.fd)
}
