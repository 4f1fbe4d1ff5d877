package sdbus

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
)

var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

// collectVTables gathers the interface vtables that apply at path:
// non-fallback registrations at the exact node, plus fallback
// registrations at every ancestor.
func (c *Conn) collectVTables(path ObjectPath) []*vtableSlot {
	var ret []*vtableSlot
	if n, ok := c.nodes[path]; ok {
		for _, s := range n.vtables {
			if !s.fallback {
				ret = append(ret, s)
			}
		}
	}
	for prefix := path; prefix != "/"; {
		prefix = prefix.Parent()
		if n, ok := c.nodes[prefix]; ok {
			for _, s := range n.vtables {
				if s.fallback {
					ret = append(ret, s)
				}
			}
		}
	}
	return ret
}

// handleProperties serves Get, Set and GetAll on the Properties
// interface for one node of the dispatch walk.
func (c *Conn) handleProperties(n *node, m *Message, fallback bool) (bool, error) {
	switch m.Member {
	case "Get":
		if m.Signature() != "ss" {
			return true, c.replyError(m, Error{Name: ErrNameInvalidArgs,
				Message: fmt.Sprintf("Get has signature %q, expected \"ss\"", m.Signature())})
		}
		iface, prop := m.Body[0].(string), m.Body[1].(string)
		vp, ok := c.vtableProps[nodeKey{n.path, iface, prop}]
		if !ok || vp.slot.fallback != fallback {
			return false, nil
		}
		val, err := vp.prop.Get(c, m.Path, iface, prop)
		if err != nil {
			return true, c.replyError(m, errorFor(err))
		}
		return true, c.replyTo(m, Variant{Value: val})

	case "Set":
		if m.Signature() != "ssv" {
			return true, c.replyError(m, Error{Name: ErrNameInvalidArgs,
				Message: fmt.Sprintf("Set has signature %q, expected \"ssv\"", m.Signature())})
		}
		iface, prop := m.Body[0].(string), m.Body[1].(string)
		vp, ok := c.vtableProps[nodeKey{n.path, iface, prop}]
		if !ok || vp.slot.fallback != fallback {
			return false, nil
		}
		if !vp.prop.Writable() {
			return true, c.replyError(m, Error{Name: ErrNamePropertyReadOnly,
				Message: fmt.Sprintf("property %s.%s is read-only", iface, prop)})
		}
		val := m.Body[2].(Variant)
		if err := vp.prop.Set(c, m.Path, iface, prop, val.Value); err != nil {
			return true, c.replyError(m, errorFor(err))
		}
		return true, c.replyTo(m)

	case "GetAll":
		if m.Signature() != "s" {
			return true, c.replyError(m, Error{Name: ErrNameInvalidArgs,
				Message: fmt.Sprintf("GetAll has signature %q, expected \"s\"", m.Signature())})
		}
		iface := m.Body[0].(string)
		slots := c.collectVTables(m.Path)
		if len(slots) == 0 {
			return false, nil
		}
		props := map[string]Variant{}
		for _, s := range slots {
			if iface != "" && s.iface != iface {
				continue
			}
			for i := range s.vt.Properties {
				p := &s.vt.Properties[i]
				val, err := p.Get(c, m.Path, s.iface, p.Name)
				if err != nil {
					return true, c.replyError(m, errorFor(err))
				}
				props[p.Name] = Variant{Value: val}
			}
		}
		return true, c.replyTo(m, props)
	}
	return false, nil
}

// handleObjectManager serves GetManagedObjects, valid only when the
// addressed node or an ancestor carries the object-manager flag.
func (c *Conn) handleObjectManager(n *node, m *Message) (bool, error) {
	if m.Member != "GetManagedObjects" {
		return false, nil
	}
	if m.Signature() != "" {
		return true, c.replyError(m, Error{Name: ErrNameInvalidArgs,
			Message: "GetManagedObjects takes no arguments"})
	}
	managed := false
	for anc := n; anc != nil; anc = anc.parent {
		if anc.objectManager {
			managed = true
			break
		}
	}
	if !managed {
		return false, nil
	}

	paths, err := c.subtreePaths(n)
	if err != nil {
		return true, c.replyError(m, errorFor(err))
	}
	ret := map[ObjectPath]map[string]map[string]Variant{}
	for _, p := range paths {
		ifaces := map[string]map[string]Variant{}
		for _, s := range c.collectVTables(p) {
			props := map[string]Variant{}
			for i := range s.vt.Properties {
				pr := &s.vt.Properties[i]
				val, err := pr.Get(c, p, s.iface, pr.Name)
				if err != nil {
					return true, c.replyError(m, errorFor(err))
				}
				props[pr.Name] = Variant{Value: val}
			}
			ifaces[s.iface] = props
		}
		ret[p] = ifaces
	}
	return true, c.replyTo(m, ret)
}

// EmitSignal seals and sends a signal message.
func (c *Conn) EmitSignal(m *Message) error {
	if err := c.entry(); err != nil {
		return err
	}
	if m.Type != TypeSignal {
		return fmt.Errorf("%w: EmitSignal requires a signal message", errInvalid)
	}
	_, err := c.Send(m)
	return err
}

// EmitPropertiesChanged announces changes to the named properties
// of iface at path. Every named property must be registered there
// with [PropertyEmitsChange]; invalidate-only properties are
// announced by name, the others with their current values.
func (c *Conn) EmitPropertiesChanged(path ObjectPath, iface string, names ...string) error {
	if err := c.entry(); err != nil {
		return err
	}
	if len(names) == 0 {
		return errInvalid
	}

	changed := map[string]Variant{}
	invalidated := []string{}
	for _, name := range names {
		vp, ok := c.vtableProps[nodeKey{path, iface, name}]
		if !ok {
			vp, ok = c.findFallbackProperty(path, iface, name)
		}
		if !ok {
			return fmt.Errorf("%w: property %s.%s at %s", ErrNotFound, iface, name, path)
		}
		if vp.prop.Flags&PropertyEmitsChange == 0 {
			return fmt.Errorf("%w: property %s.%s does not emit changes", errInvalid, iface, name)
		}
		if vp.prop.Flags&PropertyEmitsInvalidation != 0 {
			invalidated = append(invalidated, name)
			continue
		}
		val, err := vp.prop.Get(c, path, iface, name)
		if err != nil {
			return err
		}
		changed[name] = Variant{Value: val}
	}

	sig := NewSignal(path, ifaceProperties, "PropertiesChanged", iface, changed, invalidated)
	_, err := c.Send(sig)
	return err
}

// findFallbackProperty resolves a property through ancestor
// fallback registrations.
func (c *Conn) findFallbackProperty(path ObjectPath, iface, name string) (*vtableProperty, bool) {
	for prefix := path; prefix != "/"; {
		prefix = prefix.Parent()
		if vp, ok := c.vtableProps[nodeKey{prefix, iface, name}]; ok && vp.slot.fallback {
			return vp, true
		}
	}
	return nil, false
}

// EmitInterfacesAdded is reserved and not implemented.
func (c *Conn) EmitInterfacesAdded(path ObjectPath, ifaces ...string) error {
	return ErrNotSupported
}

// EmitInterfacesRemoved is reserved and not implemented.
func (c *Conn) EmitInterfacesRemoved(path ObjectPath, ifaces ...string) error {
	return ErrNotSupported
}
