package wire

import (
	"fmt"
	"io"
	"math"
	"reflect"
)

// A Decoder reads values back out of a wire-format byte stream,
// consuming padding as needed to conform to the bus alignment rules.
//
// Decoding is directed by type signatures: the stream itself does
// not delimit values.
type Decoder struct {
	// Order is the byte order to read multi-byte values with.
	Order ByteOrder
	// Base is the stream offset of the first byte of In.
	Base int
	// In is the input.
	In []byte

	pos int
}

// Pad consumes padding up to a multiple of align. Non-zero padding
// bytes are a protocol violation.
func (d *Decoder) Pad(align int) error {
	extra := (d.Base + d.pos) % align
	if extra == 0 {
		return nil
	}
	n := align - extra
	if d.pos+n > len(d.In) {
		return io.ErrUnexpectedEOF
	}
	for _, b := range d.In[d.pos : d.pos+n] {
		if b != 0 {
			return fmt.Errorf("non-zero padding byte %#02x", b)
		}
	}
	d.pos += n
	return nil
}

// Rest returns the unconsumed remainder of the input.
func (d *Decoder) Rest() []byte { return d.In[d.pos:] }

func (d *Decoder) take(n int) ([]byte, error) {
	if d.pos+n > len(d.In) {
		return nil, io.ErrUnexpectedEOF
	}
	bs := d.In[d.pos : d.pos+n]
	d.pos += n
	return bs, nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Bool reads a bus boolean. Values other than 0 and 1 are a protocol
// violation.
func (d *Decoder) Bool() (bool, error) {
	u, err := d.Uint32()
	if err != nil {
		return false, err
	}
	if u > 1 {
		return false, fmt.Errorf("invalid boolean value %d", u)
	}
	return u == 1, nil
}

// String reads a string.
func (d *Decoder) String() (string, error) {
	n, err := d.Uint32()
	if err != nil {
		return "", err
	}
	bs, err := d.take(int(n) + 1)
	if err != nil {
		return "", err
	}
	if bs[n] != 0 {
		return "", fmt.Errorf("string lacks NUL terminator")
	}
	return string(bs[:n]), nil
}

// SignatureString reads a signature.
func (d *Decoder) SignatureString() (Signature, error) {
	n, err := d.Uint8()
	if err != nil {
		return "", err
	}
	bs, err := d.take(int(n) + 1)
	if err != nil {
		return "", err
	}
	if bs[n] != 0 {
		return "", fmt.Errorf("signature lacks NUL terminator")
	}
	sig := Signature(bs[:n])
	if !sig.Valid() {
		return "", fmt.Errorf("invalid signature %q", string(sig))
	}
	return sig, nil
}

// Value decodes one complete type described by sig.
//
// Basic types decode to their Go counterparts, variants to
// [Variant], dictionaries to maps, and structs to []any. Arrays
// decode to typed slices, except arrays whose elements are structs
// (or arrays of structs, at any depth), which decode to []any.
func (d *Decoder) Value(sig Signature) (any, error) {
	one, rest, err := nextSingleType(string(sig), 0, 0)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("signature %q is not a single type", string(sig))
	}
	return d.value(one)
}

// Values decodes the argument list described by sig.
func (d *Decoder) Values(sig Signature) ([]any, error) {
	var ret []any
	rest := string(sig)
	for rest != "" {
		var one string
		var err error
		one, rest, err = nextSingleType(rest, 0, 0)
		if err != nil {
			return nil, err
		}
		v, err := d.value(one)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}

func (d *Decoder) value(sig string) (any, error) {
	switch sig[0] {
	case 'y':
		return d.Uint8()
	case 'b':
		return d.Bool()
	case 'n':
		u, err := d.Uint16()
		return int16(u), err
	case 'q':
		return d.Uint16()
	case 'i':
		u, err := d.Uint32()
		return int32(u), err
	case 'u':
		return d.Uint32()
	case 'x':
		u, err := d.Uint64()
		return int64(u), err
	case 't':
		return d.Uint64()
	case 'd':
		u, err := d.Uint64()
		return math.Float64frombits(u), err
	case 's':
		return d.String()
	case 'o':
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		p := ObjectPath(s)
		if !ValidObjectPath(p) {
			return nil, fmt.Errorf("invalid object path %q", s)
		}
		return p, nil
	case 'g':
		return d.SignatureString()
	case 'h':
		u, err := d.Uint32()
		return UnixFD(u), err
	case 'v':
		vsig, err := d.SignatureString()
		if err != nil {
			return nil, err
		}
		if !vsig.Single() {
			return nil, fmt.Errorf("variant signature %q is not a single type", string(vsig))
		}
		v, err := d.value(string(vsig))
		if err != nil {
			return nil, err
		}
		return Variant{v}, nil
	case 'a':
		if sig[1] == '{' {
			return d.dict(sig)
		}
		return d.array(sig[1:])
	case '(':
		return d.structValue(sig[1 : len(sig)-1])
	}
	return nil, fmt.Errorf("invalid type code %q", sig[0])
}

func (d *Decoder) arrayExtent(elemAlign int) (end int, err error) {
	n, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if elemAlign == 8 {
		if err := d.Pad(8); err != nil {
			return 0, err
		}
	}
	if d.pos+int(n) > len(d.In) {
		return 0, io.ErrUnexpectedEOF
	}
	return d.pos + int(n), nil
}

func (d *Decoder) array(elemSig string) (any, error) {
	end, err := d.arrayExtent(alignOf(elemSig[0]))
	if err != nil {
		return nil, err
	}

	slice, typed := typedSliceFor(elemSig)
	var out []any
	for d.pos < end {
		v, err := d.value(elemSig)
		if err != nil {
			return nil, err
		}
		if typed {
			slice = reflect.Append(slice, reflect.ValueOf(v))
		} else {
			out = append(out, v)
		}
	}
	if d.pos != end {
		return nil, fmt.Errorf("array elements overran the declared length")
	}
	if typed {
		return slice.Interface(), nil
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func (d *Decoder) dict(sig string) (any, error) {
	keySig, valSig := sig[2:3], sig[3:len(sig)-1]
	end, err := d.arrayExtent(8)
	if err != nil {
		return nil, err
	}

	m := reflect.MakeMap(mapTypeFor(keySig, valSig))
	for d.pos < end {
		if err := d.Pad(8); err != nil {
			return nil, err
		}
		k, err := d.value(keySig)
		if err != nil {
			return nil, err
		}
		v, err := d.value(valSig)
		if err != nil {
			return nil, err
		}
		m.SetMapIndex(reflect.ValueOf(k), reflect.ValueOf(v))
	}
	if d.pos != end {
		return nil, fmt.Errorf("dict entries overran the declared length")
	}
	return m.Interface(), nil
}

func (d *Decoder) structValue(fieldSigs string) ([]any, error) {
	if err := d.Pad(8); err != nil {
		return nil, err
	}
	var ret []any
	rest := fieldSigs
	for rest != "" {
		var one string
		var err error
		one, rest, err = nextSingleType(rest, 0, 0)
		if err != nil {
			return nil, err
		}
		v, err := d.value(one)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}

// typedSliceFor returns an empty slice of the Go type matching
// elemSig, if the element type has a fixed Go representation.
func typedSliceFor(elemSig string) (reflect.Value, bool) {
	t, ok := goTypeFor(elemSig)
	if !ok {
		return reflect.Value{}, false
	}
	return reflect.MakeSlice(reflect.SliceOf(t), 0, 0), true
}

func mapTypeFor(keySig, valSig string) reflect.Type {
	kt, ok := goTypeFor(keySig)
	if !ok {
		kt = reflect.TypeFor[string]()
	}
	vt, ok := goTypeFor(valSig)
	if !ok {
		vt = reflect.TypeFor[any]()
	}
	return reflect.MapOf(kt, vt)
}

// goTypeFor maps a type signature to a fixed Go representation,
// recursing through arrays and dictionaries. Struct types have no
// fixed representation (they decode to []any) and report false.
func goTypeFor(sig string) (reflect.Type, bool) {
	if sig == "" {
		return nil, false
	}
	if sig[0] == 'a' {
		if len(sig) > 2 && sig[1] == '{' {
			return mapTypeFor(sig[2:3], sig[3:len(sig)-1]), true
		}
		et, ok := goTypeFor(sig[1:])
		if !ok {
			return nil, false
		}
		return reflect.SliceOf(et), true
	}
	if len(sig) != 1 {
		return nil, false
	}
	switch sig[0] {
	case 'y':
		return reflect.TypeFor[byte](), true
	case 'b':
		return reflect.TypeFor[bool](), true
	case 'n':
		return reflect.TypeFor[int16](), true
	case 'q':
		return reflect.TypeFor[uint16](), true
	case 'i':
		return reflect.TypeFor[int32](), true
	case 'u':
		return reflect.TypeFor[uint32](), true
	case 'x':
		return reflect.TypeFor[int64](), true
	case 't':
		return reflect.TypeFor[uint64](), true
	case 'd':
		return reflect.TypeFor[float64](), true
	case 's':
		return reflect.TypeFor[string](), true
	case 'o':
		return reflect.TypeFor[ObjectPath](), true
	case 'g':
		return reflect.TypeFor[Signature](), true
	case 'h':
		return reflect.TypeFor[UnixFD](), true
	case 'v':
		return reflect.TypeFor[Variant](), true
	}
	return nil, false
}
