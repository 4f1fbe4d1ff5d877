package sdbus

import (
	"fmt"

	"github.com/sdbus-go/sdbus/wire"
)

// A MethodHandler implements one interface method. It must reply to
// the call itself (with [Conn.Send] and [NewMethodReturn]) unless
// the call asked for no reply. Returning a non-nil error makes the
// connection send an error reply instead; return an [Error] to
// control the error name.
type MethodHandler func(c *Conn, call *Message) error

// A PropertyGetter produces the current value of a property.
type PropertyGetter func(c *Conn, path ObjectPath, iface, property string) (any, error)

// A PropertySetter stores a new property value.
type PropertySetter func(c *Conn, path ObjectPath, iface, property string, value any) error

// A NodeEnumerator reports dynamic child paths beneath prefix, for
// introspection and object-manager enumeration.
type NodeEnumerator func(c *Conn, prefix ObjectPath) ([]ObjectPath, error)

// PropertyFlags describe a property's change-notification behavior.
type PropertyFlags byte

const (
	// PropertyEmitsChange marks a property whose changes are
	// announced with PropertiesChanged carrying the new value.
	PropertyEmitsChange PropertyFlags = 1 << iota
	// PropertyEmitsInvalidation marks a property announced by name
	// only; readers must fetch the new value themselves. Requires
	// PropertyEmitsChange.
	PropertyEmitsInvalidation
	// PropertyConst marks a property that never changes.
	PropertyConst
)

// Method describes one method of an interface vtable.
type Method struct {
	// Name is the member name.
	Name string
	// In and Out are the argument signatures. An inbound call whose
	// body signature differs from In is rejected with InvalidArgs
	// before the handler runs.
	In, Out Signature
	// Handler implements the method.
	Handler MethodHandler
	// NoReply marks a method whose callers are expected to set the
	// no-reply-expected flag.
	NoReply bool
	// Deprecated marks the method as deprecated. It does not appear
	// in introspection output.
	Deprecated bool
}

// Property describes one property of an interface vtable.
type Property struct {
	// Name is the member name.
	Name string
	// Signature is the property's type. It must be a single
	// complete type.
	Signature Signature
	// Get produces the value.
	Get PropertyGetter
	// Set stores a new value. A nil Set makes the property
	// read-only: writes fail with PropertyReadOnly.
	Set PropertySetter
	// Flags describe change notification.
	Flags PropertyFlags
}

// Writable reports whether the property accepts Set.
func (p Property) Writable() bool { return p.Set != nil }

// Signal describes one signal of an interface vtable, for
// introspection.
type Signal struct {
	Name       string
	Signature  Signature
	Deprecated bool
}

// A VTable describes an interface implemented by an object:
// its methods, properties and signals.
type VTable struct {
	Methods    []Method
	Properties []Property
	Signals    []Signal
}

// validate checks the vtable's member names, signatures, handler
// presence and flag combinations.
func (v *VTable) validate() error {
	seen := map[string]bool{}
	member := func(name string) error {
		if !wire.ValidMemberName(name) {
			return fmt.Errorf("%w: invalid member name %q", errInvalid, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate member %q", ErrExists, name)
		}
		seen[name] = true
		return nil
	}

	for _, m := range v.Methods {
		if err := member(m.Name); err != nil {
			return err
		}
		if !m.In.Valid() || !m.Out.Valid() {
			return fmt.Errorf("%w: method %s has an invalid signature", errInvalid, m.Name)
		}
		if m.Handler == nil {
			return fmt.Errorf("%w: method %s has no handler", errInvalid, m.Name)
		}
	}
	for _, p := range v.Properties {
		if err := member(p.Name); err != nil {
			return err
		}
		if !p.Signature.Single() {
			return fmt.Errorf("%w: property %s signature %q is not a single type", errInvalid, p.Name, p.Signature)
		}
		if p.Get == nil {
			return fmt.Errorf("%w: property %s has no getter", errInvalid, p.Name)
		}
		if p.Flags&PropertyEmitsInvalidation != 0 && p.Flags&PropertyEmitsChange == 0 {
			return fmt.Errorf("%w: property %s is invalidate-only without emits-change", errInvalid, p.Name)
		}
		if p.Flags&PropertyConst != 0 && (p.Flags&(PropertyEmitsChange|PropertyEmitsInvalidation) != 0 || p.Set != nil) {
			return fmt.Errorf("%w: property %s is const but mutable", errInvalid, p.Name)
		}
	}
	for _, s := range v.Signals {
		if err := member(s.Name); err != nil {
			return err
		}
		if !s.Signature.Valid() {
			return fmt.Errorf("%w: signal %s has an invalid signature", errInvalid, s.Name)
		}
	}
	return nil
}

// method returns the named method, if present.
func (v *VTable) method(name string) (*Method, bool) {
	for i := range v.Methods {
		if v.Methods[i].Name == name {
			return &v.Methods[i], true
		}
	}
	return nil, false
}

// property returns the named property, if present.
func (v *VTable) property(name string) (*Property, bool) {
	for i := range v.Properties {
		if v.Properties[i].Name == name {
			return &v.Properties[i], true
		}
	}
	return nil, false
}
