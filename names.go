package sdbus

import (
	"errors"
	"fmt"
)

// NameRequestFlags modify how a RequestName claim behaves.
type NameRequestFlags uint32

const (
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	NameRequestReplace
	NameRequestNoQueue
)

// busCall performs a synchronous call to the broker and returns the
// reply body.
func (c *Conn) busCall(method string, args ...any) ([]any, error) {
	reply, err := c.Call(NewMethodCall(ifaceBroker, "/org/freedesktop/DBus", ifaceBroker, method, args...), 0)
	if err != nil {
		return nil, err
	}
	return reply.Body, nil
}

// RequestName claims a well-known name on the bus. It reports
// whether this connection became the name's primary owner.
func (c *Conn) RequestName(name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	body, err := c.busCall("RequestName", name, uint32(flags))
	if err != nil {
		return false, err
	}
	resp, ok := firstArg[uint32](body)
	if !ok {
		return false, fmt.Errorf("%w: unexpected RequestName reply", ErrProtocol)
	}
	switch resp {
	case 1:
		// Became primary owner.
		return true, nil
	case 2:
		// Placed in queue, but not primary.
		return false, nil
	case 3:
		// Couldn't become primary owner, and request flags asked to
		// not queue.
		return false, errors.New("requested name not available")
	case 4:
		// Already the primary owner.
		return true, nil
	default:
		return false, fmt.Errorf("unknown response code %d to RequestName", resp)
	}
}

// ReleaseName relinquishes a claimed name.
func (c *Conn) ReleaseName(name string) error {
	_, err := c.busCall("ReleaseName", name)
	return err
}

// NameHasOwner reports whether name currently has an owner.
func (c *Conn) NameHasOwner(name string) (bool, error) {
	body, err := c.busCall("NameHasOwner", name)
	if err != nil {
		return false, err
	}
	ret, ok := firstArg[bool](body)
	if !ok {
		return false, fmt.Errorf("%w: unexpected NameHasOwner reply", ErrProtocol)
	}
	return ret, nil
}

// GetNameOwner returns the unique name owning name.
func (c *Conn) GetNameOwner(name string) (string, error) {
	body, err := c.busCall("GetNameOwner", name)
	if err != nil {
		return "", err
	}
	ret, ok := firstArg[string](body)
	if !ok {
		return "", fmt.Errorf("%w: unexpected GetNameOwner reply", ErrProtocol)
	}
	return ret, nil
}

// ListNames returns the names currently present on the bus.
func (c *Conn) ListNames() ([]string, error) {
	body, err := c.busCall("ListNames")
	if err != nil {
		return nil, err
	}
	ret, ok := firstArg[[]string](body)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected ListNames reply", ErrProtocol)
	}
	return ret, nil
}

func firstArg[T any](body []any) (T, bool) {
	var zero T
	if len(body) == 0 {
		return zero, false
	}
	v, ok := body[0].(T)
	return v, ok
}
