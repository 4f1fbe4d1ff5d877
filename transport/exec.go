package transport

import (
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// execTransport runs the bus peer as a child process with a unix
// socketpair as its stdin and stdout.
type execTransport struct {
	*sockTransport
	cmd *exec.Cmd
}

// Exec spawns path with argv as the remote peer and returns a
// transport connected to it.
func Exec(path string, argv []string) (Transport, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	parentEnd, childEnd := fds[0], fds[1]

	if err := unix.SetNonblock(childEnd, false); err != nil {
		unix.Close(parentEnd)
		unix.Close(childEnd)
		return nil, err
	}

	childFile := os.NewFile(uintptr(childEnd), "bus-peer")
	cmd := exec.Command(path)
	if len(argv) > 0 {
		cmd.Args = argv
	}
	cmd.Stdin = childFile
	cmd.Stdout = childFile
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		unix.Close(parentEnd)
		childFile.Close()
		return nil, err
	}
	childFile.Close()

	return &execTransport{
		sockTransport: newSockTransport(parentEnd, parentEnd, true, false),
		cmd:           cmd,
	}, nil
}

func (t *execTransport) Close() error {
	err := t.sockTransport.Close()
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
		t.cmd.Wait()
	}
	return err
}
