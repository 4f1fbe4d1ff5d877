package sdbus

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sdbus-go/sdbus/wire"
)

// Convenient aliases for the wire-level value types that appear in
// message bodies.
type (
	ObjectPath = wire.ObjectPath
	Signature  = wire.Signature
	Variant    = wire.Variant
	UnixFD     = wire.UnixFD
)

// MessageType aliases the wire message types.
type MessageType = wire.MessageType

const (
	TypeMethodCall   = wire.TypeMethodCall
	TypeMethodReturn = wire.TypeMethodReturn
	TypeError        = wire.TypeError
	TypeSignal       = wire.TypeSignal
)

// Message flags, re-exported from the wire package.
const (
	FlagNoReplyExpected               = wire.FlagNoReplyExpected
	FlagNoAutoStart                   = wire.FlagNoAutoStart
	FlagAllowInteractiveAuthorization = wire.FlagAllowInteractiveAuthorization
)

// A Message is one unit of bus traffic: a method call, a reply, an
// error, or a signal.
//
// A message starts out mutable. Sending it seals it: the connection
// assigns a serial, encodes the wire form, and from then on the
// message must not be modified.
type Message struct {
	// Type is the message type.
	Type MessageType
	// Flags is the message flag byte. The engine honors
	// [wire.FlagNoReplyExpected].
	Flags byte
	// Path is the target object for a call, or the emitting object
	// for a signal.
	Path ObjectPath
	// Interface is the target interface for a call, or the emitting
	// interface for a signal.
	Interface string
	// Member is the method or signal name.
	Member string
	// ErrName is the error name. Required for TypeError.
	ErrName string
	// ReplySerial is the serial of the message this one answers.
	ReplySerial uint32
	// Destination is the intended recipient, usually a bus name.
	Destination string
	// Sender is the sending connection. The broker fills this in;
	// locally set values are advisory.
	Sender string
	// Body is the argument list.
	Body []any
	// Files are descriptors attached to the message. Inbound, they
	// are owned by the message until the consumer takes them.
	Files []*os.File

	serial    uint32
	signature Signature
	sealed    bool
	blob      []byte
	monotonic time.Time
}

// NewMethodCall returns an unsealed method call message.
func NewMethodCall(destination string, path ObjectPath, iface, member string, args ...any) *Message {
	return &Message{
		Type:        TypeMethodCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Body:        args,
	}
}

// NewMethodReturn returns an unsealed reply to call.
func NewMethodReturn(call *Message, args ...any) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		Destination: call.Sender,
		ReplySerial: call.serial,
		Body:        args,
	}
}

// NewMethodError returns an unsealed error reply to call.
func NewMethodError(call *Message, e Error) *Message {
	ret := &Message{
		Type:        TypeError,
		Destination: call.Sender,
		ReplySerial: call.serial,
		ErrName:     e.Name,
	}
	if e.Message != "" {
		ret.Body = []any{e.Message}
	}
	return ret
}

// NewSignal returns an unsealed signal message.
func NewSignal(path ObjectPath, iface, member string, args ...any) *Message {
	return &Message{
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      args,
	}
}

// Serial returns the serial assigned at sealing time, or zero if the
// message is unsealed.
func (m *Message) Serial() uint32 { return m.serial }

// Sealed reports whether the message has been sealed.
func (m *Message) Sealed() bool { return m.sealed }

// Signature returns the body signature. It is computed at sealing
// time for outgoing messages.
func (m *Message) Signature() Signature { return m.signature }

// Timestamp returns the monotonic receive time of an inbound
// message, or the zero time.
func (m *Message) Timestamp() time.Time { return m.monotonic }

// IsReply reports whether the message is a method return or error.
func (m *Message) IsReply() bool {
	return m.Type == TypeMethodReturn || m.Type == TypeError
}

// WantReply reports whether the message is a call that expects a
// reply.
func (m *Message) WantReply() bool {
	return m.Type == TypeMethodCall && m.Flags&wire.FlagNoReplyExpected == 0
}

// IsMethodCall reports whether the message calls iface.member.
func (m *Message) IsMethodCall(iface, member string) bool {
	return m.Type == TypeMethodCall && m.Interface == iface && m.Member == member
}

// Err converts a TypeError message into a Go error.
func (m *Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	e := Error{Name: m.ErrName}
	if len(m.Body) > 0 {
		if s, ok := m.Body[0].(string); ok {
			e.Message = s
		}
	}
	return e
}

func (m *Message) String() string {
	switch m.Type {
	case TypeMethodCall:
		return fmt.Sprintf("call %s %s.%s @%s", m.Destination, m.Interface, m.Member, m.Path)
	case TypeMethodReturn:
		return fmt.Sprintf("reply to %d", m.ReplySerial)
	case TypeError:
		return fmt.Sprintf("error %s to %d", m.ErrName, m.ReplySerial)
	case TypeSignal:
		return fmt.Sprintf("signal %s.%s @%s", m.Interface, m.Member, m.Path)
	default:
		return fmt.Sprintf("message type %d", m.Type)
	}
}

// seal assigns serial, encodes the wire frame, and freezes the
// message. Sealing twice is an error.
func (m *Message) seal(serial uint32) error {
	if m.sealed {
		return errors.New("message is already sealed")
	}
	if serial == 0 {
		return errors.New("serial 0 is reserved")
	}
	hdr := wire.Header{
		Order:       wire.NativeEndian,
		Type:        m.Type,
		Flags:       m.Flags,
		Version:     wire.ProtocolVersion,
		Serial:      serial,
		Path:        m.Path,
		Interface:   m.Interface,
		Member:      m.Member,
		ErrName:     m.ErrName,
		ReplySerial: m.ReplySerial,
		Destination: m.Destination,
		Sender:      m.Sender,
		NumFDs:      uint32(len(m.Files)),
	}
	blob, err := wire.EncodeMessage(&hdr, m.Body)
	if err != nil {
		return err
	}
	if err := hdr.Valid(); err != nil {
		return err
	}
	m.serial = serial
	m.signature = hdr.Signature
	m.blob = blob
	m.sealed = true
	return nil
}

// fromWire builds a sealed inbound Message from a decoded frame.
func fromWire(hdr *wire.Header, body []any, files []*os.File, now time.Time) *Message {
	return &Message{
		Type:        hdr.Type,
		Flags:       hdr.Flags,
		Path:        hdr.Path,
		Interface:   hdr.Interface,
		Member:      hdr.Member,
		ErrName:     hdr.ErrName,
		ReplySerial: hdr.ReplySerial,
		Destination: hdr.Destination,
		Sender:      hdr.Sender,
		Body:        body,
		Files:       files,
		serial:      hdr.Serial,
		signature:   hdr.Signature,
		sealed:      true,
		monotonic:   now,
	}
}

// closeFiles releases any descriptors still owned by the message.
func (m *Message) closeFiles() {
	for _, f := range m.Files {
		f.Close()
	}
	m.Files = nil
}
