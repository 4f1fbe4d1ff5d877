package sdbus

import (
	"fmt"
)

// Well-known interface names the engine serves natively.
const (
	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceProperties     = "org.freedesktop.DBus.Properties"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"
	ifaceBroker         = "org.freedesktop.DBus"
)

// dispatchMessage runs one inbound message through the dispatch
// chain: hello guard, reply tracker, filters, matches, built-in
// services, object tree.
func (c *Conn) dispatchMessage(m *Message) (bool, error) {
	c.iteration++

	// While waiting for the Hello reply, the only legal traffic is
	// the broker's answer to that call.
	if c.state == StateHello {
		if !m.IsReply() || m.ReplySerial != c.helloSerial {
			return false, fmt.Errorf("%w: unexpected %s during hello handshake", ErrProtocol, m.Type)
		}
	}

	if m.IsReply() {
		handled, err := c.replies.onReply(c, m)
		if err != nil || handled {
			return handled, err
		}
	}

	if handled, err := c.runFilters(m); err != nil || handled {
		return handled, err
	}
	if handled, err := c.runMatches(m); err != nil || handled {
		return handled, err
	}
	if handled, err := c.dispatchBuiltin(m); err != nil || handled {
		return handled, err
	}
	return c.dispatchObject(m)
}

// dispatchBuiltin serves the Peer interface, which every connection
// answers on every path.
func (c *Conn) dispatchBuiltin(m *Message) (bool, error) {
	if m.Type != TypeMethodCall || m.Interface != ifacePeer {
		return false, nil
	}
	switch m.Member {
	case "Ping":
		return true, c.replyTo(m)
	case "GetMachineId":
		id, err := machineID()
		if err != nil {
			return true, c.replyError(m, errorFor(err))
		}
		return true, c.replyTo(m, id)
	default:
		return true, c.replyError(m, Error{Name: ErrNameUnknownMethod,
			Message: fmt.Sprintf("no method %s on %s", m.Member, ifacePeer)})
	}
}

// dispatchObject routes a method call through the object tree: the
// exact node with non-fallback registrations first, then fallback
// registrations while stripping trailing path segments. Handlers may
// mutate the tree; the traversal then restarts, with per-slot
// iteration stamps preventing double invocation.
func (c *Conn) dispatchObject(m *Message) (bool, error) {
	if m.Type != TypeMethodCall || m.Path == "" {
		return false, nil
	}

	sawObject := false
restart:
	c.nodesModified = false
	fallback := false
	for prefix := m.Path; ; {
		if n, ok := c.nodes[prefix]; ok {
			if !fallback {
				sawObject = true
			}
			handled, restartWalk, err := c.runNode(n, m, fallback, &sawObject)
			if err != nil || handled {
				return handled, err
			}
			if restartWalk {
				goto restart
			}
		}
		if prefix == "/" {
			break
		}
		prefix = prefix.Parent()
		fallback = true
	}

	if !m.WantReply() {
		return false, nil
	}
	if !sawObject {
		return true, c.replyError(m, Error{Name: ErrNameUnknownObject,
			Message: fmt.Sprintf("no object at %s", m.Path)})
	}
	if m.Interface == ifaceProperties && (m.Member == "Get" || m.Member == "Set") {
		return true, c.replyError(m, Error{Name: ErrNameUnknownProperty,
			Message: "no such property"})
	}
	return true, c.replyError(m, Error{Name: ErrNameUnknownMethod,
		Message: fmt.Sprintf("no method %s.%s at %s", m.Interface, m.Member, m.Path)})
}

// runNode tries the registrations at one node, in the given
// fallback mode. It reports (handled, restart-walk, error).
func (c *Conn) runNode(n *node, m *Message, fallback bool, sawObject *bool) (bool, bool, error) {
	// Plain callbacks first: they see every message for the path.
	for _, cb := range n.callbacks {
		if cb.fallback != fallback || cb.lastIteration == c.iteration {
			continue
		}
		*sawObject = true
		cb.lastIteration = c.iteration
		handled, err := cb.handler(c, m)
		if err != nil || handled {
			return handled, false, err
		}
		if c.nodesModified {
			return false, true, nil
		}
	}

	// Method lookup through the member index.
	if vm, ok := c.vtableMethods[nodeKey{n.path, m.Interface, m.Member}]; ok && vm.slot.fallback == fallback {
		if vm.slot.lastIteration != c.iteration {
			vm.slot.lastIteration = c.iteration
			*sawObject = true
			handled, err := c.invokeMethod(vm, m)
			if err != nil || handled {
				return handled, false, err
			}
			if c.nodesModified {
				return false, true, nil
			}
		}
	}

	// The standard interfaces are answered per node.
	switch m.Interface {
	case ifaceProperties:
		handled, err := c.handleProperties(n, m, fallback)
		if err != nil || handled {
			return handled, false, err
		}
	case ifaceIntrospectable:
		if m.Member == "Introspect" && (!fallback || nodeHasFallbackVTable(n)) {
			return true, false, c.handleIntrospect(m)
		}
	case ifaceObjectManager:
		if !fallback {
			handled, err := c.handleObjectManager(n, m)
			if err != nil || handled {
				return handled, false, err
			}
		}
	}
	if c.nodesModified {
		return false, true, nil
	}
	return false, false, nil
}

// invokeMethod checks the call signature against the declared one
// and runs the handler.
func (c *Conn) invokeMethod(vm *vtableMethod, m *Message) (bool, error) {
	if m.Signature() != vm.method.In {
		return true, c.replyError(m, Error{
			Name: ErrNameInvalidArgs,
			Message: fmt.Sprintf("call to %s.%s has signature %q, expected %q",
				m.Interface, m.Member, m.Signature(), vm.method.In),
		})
	}
	if err := vm.method.Handler(c, m); err != nil {
		return true, c.replyError(m, errorFor(err))
	}
	return true, nil
}

// replyTo sends an empty or valued method return for m, unless m
// asked for no reply.
func (c *Conn) replyTo(m *Message, args ...any) error {
	if !m.WantReply() {
		return nil
	}
	_, err := c.Send(NewMethodReturn(m, args...))
	return err
}

// replyError sends a method error for m, unless m asked for no
// reply.
func (c *Conn) replyError(m *Message, e Error) error {
	if !m.WantReply() {
		return nil
	}
	_, err := c.Send(NewMethodError(m, e))
	return err
}
