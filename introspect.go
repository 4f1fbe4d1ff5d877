package sdbus

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// introspectHeader is the doctype the bus specification prescribes
// for introspection documents.
const introspectHeader = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

// ObjectDescription is the introspection document for one object:
// the interfaces it implements and the relative paths of its
// children.
type ObjectDescription struct {
	XMLName    xml.Name                `xml:"node"`
	Interfaces []*InterfaceDescription `xml:"interface"`
	Children   []ChildDescription      `xml:"node"`
}

// ChildDescription names one child node in an introspection
// document.
type ChildDescription struct {
	Name string `xml:"name,attr"`
}

// InterfaceDescription describes a bus interface.
type InterfaceDescription struct {
	Name       string                 `xml:"name,attr"`
	Methods    []*MethodDescription   `xml:"method"`
	Signals    []*SignalDescription   `xml:"signal"`
	Properties []*PropertyDescription `xml:"property"`
}

// MethodDescription describes a bus method.
type MethodDescription struct {
	Name string                `xml:"name,attr"`
	Args []ArgumentDescription `xml:"arg"`
}

// SignalDescription describes a bus signal.
type SignalDescription struct {
	Name string                `xml:"name,attr"`
	Args []ArgumentDescription `xml:"arg"`
}

// PropertyDescription describes a bus property.
type PropertyDescription struct {
	Name   string `xml:"name,attr"`
	Type   string `xml:"type,attr"`
	Access string `xml:"access,attr"`
}

// ArgumentDescription describes one argument of a method or signal.
type ArgumentDescription struct {
	Name      string `xml:"name,attr,omitempty"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr,omitempty"`
}

// XML renders the description as an introspection document.
func (o *ObjectDescription) XML() (string, error) {
	bs, err := xml.MarshalIndent(o, "", " ")
	if err != nil {
		return "", err
	}
	return introspectHeader + string(bs) + "\n", nil
}

// describeObject builds the introspection document for path:
// explicit and enumerated children, the standard interfaces, and
// every vtable that applies at the path, fallback registrations
// included.
func (c *Conn) describeObject(path ObjectPath) (*ObjectDescription, error) {
	doc := &ObjectDescription{}

	if n, ok := c.nodes[path]; ok {
		names, err := c.enumerateChildren(n)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			doc.Children = append(doc.Children, ChildDescription{Name: name})
		}
	}

	doc.Interfaces = append(doc.Interfaces, standardInterfaces()...)
	if c.pathIsManaged(path) {
		doc.Interfaces = append(doc.Interfaces, objectManagerInterface())
	}

	for _, s := range c.collectVTables(path) {
		desc, err := describeVTable(s.iface, s.vt)
		if err != nil {
			return nil, err
		}
		doc.Interfaces = append(doc.Interfaces, desc)
	}
	return doc, nil
}

func (c *Conn) pathIsManaged(path ObjectPath) bool {
	for {
		if n, ok := c.nodes[path]; ok && n.objectManager {
			return true
		}
		if path == "/" {
			return false
		}
		path = path.Parent()
	}
}

// handleIntrospect answers Introspectable.Introspect for m's path.
func (c *Conn) handleIntrospect(m *Message) error {
	if m.Signature() != "" {
		return c.replyError(m, Error{Name: ErrNameInvalidArgs,
			Message: "Introspect takes no arguments"})
	}
	doc, err := c.describeObject(m.Path)
	if err != nil {
		return c.replyError(m, errorFor(err))
	}
	out, err := doc.XML()
	if err != nil {
		return c.replyError(m, errorFor(err))
	}
	return c.replyTo(m, out)
}

func describeVTable(iface string, vt *VTable) (*InterfaceDescription, error) {
	desc := &InterfaceDescription{Name: iface}
	for i := range vt.Methods {
		m := &vt.Methods[i]
		md := &MethodDescription{Name: m.Name}
		in, err := signatureArgs(m.In, "in")
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", m.Name, err)
		}
		out, err := signatureArgs(m.Out, "out")
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", m.Name, err)
		}
		md.Args = append(in, out...)
		desc.Methods = append(desc.Methods, md)
	}
	for i := range vt.Signals {
		s := &vt.Signals[i]
		args, err := signatureArgs(s.Signature, "")
		if err != nil {
			return nil, fmt.Errorf("signal %s: %w", s.Name, err)
		}
		desc.Signals = append(desc.Signals, &SignalDescription{Name: s.Name, Args: args})
	}
	for i := range vt.Properties {
		p := &vt.Properties[i]
		access := "read"
		if p.Writable() {
			access = "readwrite"
		}
		desc.Properties = append(desc.Properties, &PropertyDescription{
			Name:   p.Name,
			Type:   string(p.Signature),
			Access: access,
		})
	}
	return desc, nil
}

func signatureArgs(sig Signature, direction string) ([]ArgumentDescription, error) {
	singles, err := sig.Singles()
	if err != nil {
		return nil, err
	}
	var ret []ArgumentDescription
	for _, s := range singles {
		ret = append(ret, ArgumentDescription{Type: string(s), Direction: direction})
	}
	return ret, nil
}

func standardInterfaces() []*InterfaceDescription {
	str := func(dir string) []ArgumentDescription {
		return []ArgumentDescription{{Type: "s", Direction: dir}}
	}
	return []*InterfaceDescription{
		{
			Name: ifacePeer,
			Methods: []*MethodDescription{
				{Name: "Ping"},
				{Name: "GetMachineId", Args: str("out")},
			},
		},
		{
			Name: ifaceIntrospectable,
			Methods: []*MethodDescription{
				{Name: "Introspect", Args: str("out")},
			},
		},
		{
			Name: ifaceProperties,
			Methods: []*MethodDescription{
				{Name: "Get", Args: []ArgumentDescription{
					{Type: "s", Direction: "in"}, {Type: "s", Direction: "in"}, {Type: "v", Direction: "out"},
				}},
				{Name: "Set", Args: []ArgumentDescription{
					{Type: "s", Direction: "in"}, {Type: "s", Direction: "in"}, {Type: "v", Direction: "in"},
				}},
				{Name: "GetAll", Args: []ArgumentDescription{
					{Type: "s", Direction: "in"}, {Type: "a{sv}", Direction: "out"},
				}},
			},
			Signals: []*SignalDescription{
				{Name: "PropertiesChanged", Args: []ArgumentDescription{
					{Type: "s"}, {Type: "a{sv}"}, {Type: "as"},
				}},
			},
		},
	}
}

func objectManagerInterface() *InterfaceDescription {
	return &InterfaceDescription{
		Name: ifaceObjectManager,
		Methods: []*MethodDescription{
			{Name: "GetManagedObjects", Args: []ArgumentDescription{
				{Type: "a{oa{sa{sv}}}", Direction: "out"},
			}},
		},
	}
}

// ParseObjectDescription parses an introspection document, for
// clients examining remote objects.
func ParseObjectDescription(doc string) (*ObjectDescription, error) {
	var ret ObjectDescription
	dec := xml.NewDecoder(strings.NewReader(doc))
	if err := dec.Decode(&ret); err != nil {
		return nil, fmt.Errorf("parsing introspection document: %w", err)
	}
	return &ret, nil
}

// nodeHasFallbackVTable reports whether n carries any fallback
// vtable registration.
func nodeHasFallbackVTable(n *node) bool {
	for _, s := range n.vtables {
		if s.fallback {
			return true
		}
	}
	return false
}
