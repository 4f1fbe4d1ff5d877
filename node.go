package sdbus

import (
	"fmt"
	"sort"

	"github.com/creachadair/mds/mapset"

	"github.com/sdbus-go/sdbus/wire"
)

// nodeKey indexes a vtable member for dispatch.
type nodeKey struct {
	path   ObjectPath
	iface  string
	member string
}

// node is one entry of the object path tree. A node persists while
// it has at least one child, callback, vtable, enumerator or the
// object-manager flag; bare ancestors created for deeper
// registrations are structural placeholders and are collected when
// their last descendant goes away.
type node struct {
	path     ObjectPath
	parent   *node
	children map[string]*node

	callbacks     []*objectCallback
	vtables       []*vtableSlot
	enumerators   []*enumeratorSlot
	objectManager bool
}

type objectCallback struct {
	handler       MessageHandler
	fallback      bool
	lastIteration uint64
}

type vtableSlot struct {
	iface         string
	vt            *VTable
	fallback      bool
	lastIteration uint64
}

type enumeratorSlot struct {
	fn NodeEnumerator
}

// vtableMethod is an entry of the (path, interface, member) method
// index.
type vtableMethod struct {
	slot   *vtableSlot
	method *Method
}

// vtableProperty is an entry of the (path, interface, member)
// property index.
type vtableProperty struct {
	slot *vtableSlot
	prop *Property
}

// lastSegment returns the final path element of p.
func lastSegment(p ObjectPath) string {
	parent := p.Parent()
	if parent == "/" {
		return string(p[1:])
	}
	return string(p[len(parent)+1:])
}

// getNode returns the tree node for path, creating it and any
// missing ancestors when create is set.
func (c *Conn) getNode(path ObjectPath, create bool) (*node, error) {
	if !wire.ValidObjectPath(path) {
		return nil, fmt.Errorf("%w: invalid object path %q", errInvalid, path)
	}
	if n, ok := c.nodes[path]; ok {
		return n, nil
	}
	if !create {
		return nil, nil
	}

	n := &node{path: path, children: map[string]*node{}}
	if path != "/" {
		parent, err := c.getNode(path.Parent(), true)
		if err != nil {
			return nil, err
		}
		n.parent = parent
		parent.children[lastSegment(path)] = n
	}
	c.nodes[path] = n
	return n, nil
}

// gcNode unlinks n if nothing is attached to it, then re-inspects
// the parent chain.
func (c *Conn) gcNode(n *node) {
	for n != nil {
		if len(n.children) > 0 || len(n.callbacks) > 0 || len(n.vtables) > 0 ||
			len(n.enumerators) > 0 || n.objectManager {
			return
		}
		delete(c.nodes, n.path)
		if n.parent != nil {
			delete(n.parent.children, lastSegment(n.path))
		}
		n = n.parent
	}
}

// AddObject registers a plain callback receiving every message
// addressed to path.
func (c *Conn) AddObject(path ObjectPath, fn MessageHandler) error {
	return c.addObject(path, fn, false)
}

// AddFallbackObject registers a callback receiving every message
// addressed to any descendant of prefix that has no more specific
// registration.
func (c *Conn) AddFallbackObject(prefix ObjectPath, fn MessageHandler) error {
	return c.addObject(prefix, fn, true)
}

func (c *Conn) addObject(path ObjectPath, fn MessageHandler, fallback bool) error {
	if err := c.entry(); err != nil {
		return err
	}
	if fn == nil {
		return errInvalid
	}
	n, err := c.getNode(path, true)
	if err != nil {
		return err
	}
	n.callbacks = append(n.callbacks, &objectCallback{
		handler:       fn,
		fallback:      fallback,
		lastIteration: c.iteration,
	})
	c.nodesModified = true
	return nil
}

// RemoveObject removes the first callback registered at path with
// the given fallback mode. It reports whether one was removed.
func (c *Conn) RemoveObject(path ObjectPath, fallback bool) bool {
	if c.entry() != nil {
		return false
	}
	n, _ := c.getNode(path, false)
	if n == nil {
		return false
	}
	for i, cb := range n.callbacks {
		if cb.fallback == fallback {
			n.callbacks = append(n.callbacks[:i], n.callbacks[i+1:]...)
			c.nodesModified = true
			c.gcNode(n)
			return true
		}
	}
	return false
}

// AddVTable exposes an interface at path.
func (c *Conn) AddVTable(path ObjectPath, iface string, vt *VTable) error {
	return c.addVTable(path, iface, vt, false)
}

// AddFallbackVTable exposes an interface at every descendant of
// prefix that has no more specific registration.
func (c *Conn) AddFallbackVTable(prefix ObjectPath, iface string, vt *VTable) error {
	return c.addVTable(prefix, iface, vt, true)
}

func (c *Conn) addVTable(path ObjectPath, iface string, vt *VTable, fallback bool) error {
	if err := c.entry(); err != nil {
		return err
	}
	if vt == nil {
		return errInvalid
	}
	if !wire.ValidInterfaceName(iface) {
		return fmt.Errorf("%w: invalid interface name %q", errInvalid, iface)
	}
	if err := vt.validate(); err != nil {
		return fmt.Errorf("vtable for %s: %w", iface, err)
	}

	n, err := c.getNode(path, true)
	if err != nil {
		return err
	}
	for _, s := range n.vtables {
		if s.iface != iface {
			continue
		}
		if s.fallback != fallback {
			// The two registration modes answer different path
			// sets; mixing them on one interface at one node would
			// make dispatch ambiguous.
			c.gcNode(n)
			return fmt.Errorf("%w: interface %s registered at %s in a different mode", ErrProtocol, iface, path)
		}
		c.gcNode(n)
		return fmt.Errorf("%w: interface %s at %s", ErrExists, iface, path)
	}

	slot := &vtableSlot{
		iface:         iface,
		vt:            vt,
		fallback:      fallback,
		lastIteration: c.iteration,
	}
	n.vtables = append(n.vtables, slot)
	for i := range vt.Methods {
		m := &vt.Methods[i]
		c.vtableMethods[nodeKey{path, iface, m.Name}] = &vtableMethod{slot: slot, method: m}
	}
	for i := range vt.Properties {
		p := &vt.Properties[i]
		c.vtableProps[nodeKey{path, iface, p.Name}] = &vtableProperty{slot: slot, prop: p}
	}
	c.nodesModified = true
	return nil
}

// RemoveVTable removes the interface registered at path. The first
// removal reports true; removing an absent interface reports false
// with no other effect.
func (c *Conn) RemoveVTable(path ObjectPath, iface string) bool {
	if c.entry() != nil {
		return false
	}
	n, _ := c.getNode(path, false)
	if n == nil {
		return false
	}
	for i, s := range n.vtables {
		if s.iface != iface {
			continue
		}
		// Walk the vtable's own member lists and drop the index
		// entries keyed by this node's path.
		for j := range s.vt.Methods {
			delete(c.vtableMethods, nodeKey{n.path, iface, s.vt.Methods[j].Name})
		}
		for j := range s.vt.Properties {
			delete(c.vtableProps, nodeKey{n.path, iface, s.vt.Properties[j].Name})
		}
		n.vtables = append(n.vtables[:i], n.vtables[i+1:]...)
		c.nodesModified = true
		c.gcNode(n)
		return true
	}
	return false
}

// AddNodeEnumerator registers a dynamic child enumerator at prefix.
func (c *Conn) AddNodeEnumerator(prefix ObjectPath, fn NodeEnumerator) error {
	if err := c.entry(); err != nil {
		return err
	}
	if fn == nil {
		return errInvalid
	}
	n, err := c.getNode(prefix, true)
	if err != nil {
		return err
	}
	n.enumerators = append(n.enumerators, &enumeratorSlot{fn: fn})
	c.nodesModified = true
	return nil
}

// RemoveNodeEnumerator removes the first enumerator registered at
// prefix. It reports whether one was removed.
func (c *Conn) RemoveNodeEnumerator(prefix ObjectPath) bool {
	if c.entry() != nil {
		return false
	}
	n, _ := c.getNode(prefix, false)
	if n == nil || len(n.enumerators) == 0 {
		return false
	}
	n.enumerators = n.enumerators[1:]
	c.nodesModified = true
	c.gcNode(n)
	return true
}

// AddObjectManager marks path as an object manager root, enabling
// GetManagedObjects for the subtree.
func (c *Conn) AddObjectManager(path ObjectPath) error {
	if err := c.entry(); err != nil {
		return err
	}
	n, err := c.getNode(path, true)
	if err != nil {
		return err
	}
	if n.objectManager {
		return fmt.Errorf("%w: object manager at %s", ErrExists, path)
	}
	n.objectManager = true
	c.nodesModified = true
	return nil
}

// RemoveObjectManager clears the object-manager flag at path. It
// reports whether the flag was set.
func (c *Conn) RemoveObjectManager(path ObjectPath) bool {
	if c.entry() != nil {
		return false
	}
	n, _ := c.getNode(path, false)
	if n == nil || !n.objectManager {
		return false
	}
	n.objectManager = false
	c.nodesModified = true
	c.gcNode(n)
	return true
}

// enumerateChildren gathers the immediate child names under n's
// path: explicitly registered children plus names produced by
// enumerators registered at n or at its ancestors. Enumerator
// results that are not valid paths under the prefix are dropped and
// reported.
func (c *Conn) enumerateChildren(n *node) ([]string, error) {
	set := mapset.New[string]()
	for name := range n.children {
		set.Add(name)
	}

	var bad []ObjectPath
	for anc := n; anc != nil; anc = anc.parent {
		for _, e := range anc.enumerators {
			paths, err := e.fn(c, n.path)
			if err != nil {
				return nil, err
			}
			for _, p := range paths {
				if !wire.ValidObjectPath(p) || (p != n.path && !p.IsChildOf(n.path)) {
					bad = append(bad, p)
					continue
				}
				if p == n.path {
					continue
				}
				rel := p[len(n.path):]
				if n.path == "/" {
					rel = p
				}
				// keep only the first segment below the prefix
				seg := rel[1:]
				for i := 0; i < len(seg); i++ {
					if seg[i] == '/' {
						seg = seg[:i]
						break
					}
				}
				set.Add(string(seg))
			}
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(bad) > 0 {
		return names, fmt.Errorf("%w: enumerator produced invalid paths %v", errInvalid, bad)
	}
	return names, nil
}

// subtreePaths gathers every registered or enumerated path at or
// below root, for object-manager enumeration.
func (c *Conn) subtreePaths(root *node) ([]ObjectPath, error) {
	set := mapset.New[ObjectPath]()
	for p := range c.nodes {
		if p == root.path || p.IsChildOf(root.path) {
			set.Add(p)
		}
	}
	for anc := root; anc != nil; anc = anc.parent {
		for _, e := range anc.enumerators {
			paths, err := e.fn(c, root.path)
			if err != nil {
				return nil, err
			}
			for _, p := range paths {
				if wire.ValidObjectPath(p) && (p == root.path || p.IsChildOf(root.path)) {
					set.Add(p)
				}
			}
		}
	}
	out := make([]ObjectPath, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
