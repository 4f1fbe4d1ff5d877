package wire

import (
	"fmt"
)

// MessageType is the type of a bus message.
type MessageType byte

const (
	TypeMethodCall MessageType = iota + 1
	TypeMethodReturn
	TypeError
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Message flag bits.
const (
	FlagNoReplyExpected byte = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

// ProtocolVersion is the only wire protocol version this package
// speaks.
const ProtocolVersion = 1

// MinHeaderSize is the size of the fixed portion of a message
// header. A frame's total length can be computed once this many
// bytes have been read.
const MinHeaderSize = 16

// MaxMessageSize bounds the size of a single message, per the bus
// specification.
const MaxMessageSize = 128 * 1024 * 1024

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

// Header is the decoded form of a message header.
type Header struct {
	Order   ByteOrder
	Type    MessageType
	Flags   byte
	Version byte
	BodyLen uint32
	Serial  uint32

	Path        ObjectPath
	Interface   string
	Member      string
	ErrName     string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   Signature
	NumFDs      uint32
}

// Valid checks that the header carries the fields its message type
// requires.
func (h *Header) Valid() error {
	if h.Serial == 0 {
		return fmt.Errorf("message with zero serial")
	}
	if h.Version != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d", h.Version)
	}
	switch h.Type {
	case TypeMethodCall:
		if h.Path == "" {
			return fmt.Errorf("method call without Path")
		}
		if h.Member == "" {
			return fmt.Errorf("method call without Member")
		}
	case TypeMethodReturn:
		if h.ReplySerial == 0 {
			return fmt.Errorf("method return without ReplySerial")
		}
	case TypeError:
		if h.ReplySerial == 0 {
			return fmt.Errorf("error without ReplySerial")
		}
		if h.ErrName == "" {
			return fmt.Errorf("error without ErrName")
		}
	case TypeSignal:
		if h.Path == "" {
			return fmt.Errorf("signal without Path")
		}
		if h.Interface == "" {
			return fmt.Errorf("signal without Interface")
		}
		if h.Member == "" {
			return fmt.Errorf("signal without Member")
		}
	default:
		return fmt.Errorf("unknown message type %d", h.Type)
	}
	return nil
}

// EncodeMessage seals hdr and body into a single wire frame. The
// header's BodyLen and Signature fields are filled in from body.
func EncodeMessage(hdr *Header, body []any) ([]byte, error) {
	order := hdr.Order
	if order == nil {
		order = NativeEndian
	}

	var benc Encoder
	benc.Order = order
	for i, arg := range body {
		if err := benc.Value(arg); err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
	}
	sig, err := SignatureOfArgs(body)
	if err != nil {
		return nil, err
	}
	hdr.Signature = sig
	hdr.BodyLen = uint32(len(benc.Out))

	var e Encoder
	e.Order = order
	e.ByteOrderFlag()
	e.Uint8(byte(hdr.Type))
	e.Uint8(hdr.Flags)
	e.Uint8(ProtocolVersion)
	e.Uint32(hdr.BodyLen)
	e.Uint32(hdr.Serial)

	err = e.Array(true, func() error {
		field := func(code byte, v any) error {
			return e.Struct(func() error {
				e.Uint8(code)
				return e.Value(Variant{v})
			})
		}
		if hdr.Path != "" {
			if err := field(fieldPath, hdr.Path); err != nil {
				return err
			}
		}
		if hdr.Interface != "" {
			if err := field(fieldInterface, hdr.Interface); err != nil {
				return err
			}
		}
		if hdr.Member != "" {
			if err := field(fieldMember, hdr.Member); err != nil {
				return err
			}
		}
		if hdr.ErrName != "" {
			if err := field(fieldErrorName, hdr.ErrName); err != nil {
				return err
			}
		}
		if hdr.ReplySerial != 0 {
			if err := field(fieldReplySerial, hdr.ReplySerial); err != nil {
				return err
			}
		}
		if hdr.Destination != "" {
			if err := field(fieldDestination, hdr.Destination); err != nil {
				return err
			}
		}
		if hdr.Sender != "" {
			if err := field(fieldSender, hdr.Sender); err != nil {
				return err
			}
		}
		if !hdr.Signature.IsZero() {
			if err := field(fieldSignature, hdr.Signature); err != nil {
				return err
			}
		}
		if hdr.NumFDs != 0 {
			if err := field(fieldNumFDs, hdr.NumFDs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.Pad(8)

	return append(e.Out, benc.Out...), nil
}

// FrameSize computes the total frame length from the first
// MinHeaderSize bytes of a message.
func FrameSize(fixed []byte) (int, error) {
	if len(fixed) < MinHeaderSize {
		return 0, fmt.Errorf("need %d bytes to size a frame, have %d", MinHeaderSize, len(fixed))
	}
	order := orderForFlag(fixed[0])
	if order == nil {
		return 0, fmt.Errorf("invalid byte order flag %#02x", fixed[0])
	}
	bodyLen := order.Uint32(fixed[4:8])
	fieldsLen := order.Uint32(fixed[12:16])
	unpadded := MinHeaderSize + int(fieldsLen)
	padded := (unpadded + 7) &^ 7
	total := padded + int(bodyLen)
	if total > MaxMessageSize {
		return 0, fmt.Errorf("message of %d bytes exceeds maximum of %d", total, MaxMessageSize)
	}
	return total, nil
}

// DecodeMessage parses a complete wire frame into a header and a
// decoded argument list.
func DecodeMessage(frame []byte) (*Header, []any, error) {
	if len(frame) < MinHeaderSize {
		return nil, nil, fmt.Errorf("truncated message header")
	}
	order := orderForFlag(frame[0])
	if order == nil {
		return nil, nil, fmt.Errorf("invalid byte order flag %#02x", frame[0])
	}

	hdr := &Header{
		Order:   order,
		Type:    MessageType(frame[1]),
		Flags:   frame[2],
		Version: frame[3],
		BodyLen: order.Uint32(frame[4:8]),
		Serial:  order.Uint32(frame[8:12]),
	}

	d := Decoder{Order: order, In: frame, pos: 12}
	fields, err := d.value("a{yv}")
	if err != nil {
		return nil, nil, fmt.Errorf("decoding header fields: %w", err)
	}
	if err := d.Pad(8); err != nil {
		return nil, nil, err
	}

	for code, v := range fields.(map[byte]Variant) {
		ok := true
		switch code {
		case fieldPath:
			hdr.Path, ok = v.Value.(ObjectPath)
		case fieldInterface:
			hdr.Interface, ok = v.Value.(string)
		case fieldMember:
			hdr.Member, ok = v.Value.(string)
		case fieldErrorName:
			hdr.ErrName, ok = v.Value.(string)
		case fieldReplySerial:
			hdr.ReplySerial, ok = v.Value.(uint32)
		case fieldDestination:
			hdr.Destination, ok = v.Value.(string)
		case fieldSender:
			hdr.Sender, ok = v.Value.(string)
		case fieldSignature:
			hdr.Signature, ok = v.Value.(Signature)
		case fieldNumFDs:
			hdr.NumFDs, ok = v.Value.(uint32)
		default:
			// Unknown header fields must be ignored.
		}
		if !ok {
			return nil, nil, fmt.Errorf("header field %d has wrong type %T", code, v.Value)
		}
	}

	if int(hdr.BodyLen) != len(d.Rest()) {
		return nil, nil, fmt.Errorf("body length %d does not match frame remainder %d", hdr.BodyLen, len(d.Rest()))
	}
	var body []any
	if !hdr.Signature.IsZero() {
		bd := Decoder{Order: order, In: d.Rest()}
		body, err = bd.Values(hdr.Signature)
		if err != nil {
			return nil, nil, fmt.Errorf("decoding body: %w", err)
		}
	}
	return hdr, body, nil
}
