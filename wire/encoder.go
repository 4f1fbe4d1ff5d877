package wire

import (
	"fmt"
	"math"
	"reflect"
	"sort"
)

// An Encoder builds the wire form of a sequence of values, inserting
// padding as needed to conform to the bus alignment rules.
//
// Methods that write multi-byte values pad relative to Base, the
// stream offset at which Out begins. Only Base modulo 8 matters; a
// message body starts at an 8-aligned offset, so its encoder can
// leave Base at zero.
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte
	// values.
	Order ByteOrder
	// Base is the stream offset of the first byte of Out.
	Base int
	// Out is the encoded output.
	Out []byte
}

// Pad inserts padding bytes as needed to make the stream offset a
// multiple of align.
func (e *Encoder) Pad(align int) {
	extra := (e.Base + len(e.Out)) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Write writes bs as-is to the output. It is the caller's
// responsibility to ensure correct padding and encoding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// String writes s to the output.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// SignatureString writes a signature, which carries a single-byte
// length rather than the four bytes of an ordinary string.
func (e *Encoder) SignatureString(s Signature) {
	e.Uint8(uint8(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes a uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes a uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes a uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// Bool writes a bus boolean, a uint32 restricted to 0 or 1.
func (e *Encoder) Bool(b bool) {
	if b {
		e.Uint32(1)
	} else {
		e.Uint32(0)
	}
}

// ByteOrderFlag writes the byte order flag byte that matches
// [Encoder.Order].
func (e *Encoder) ByteOrderFlag() {
	e.Write([]byte{e.Order.flag()})
}

// Value writes v to the output. The accepted values are those of
// [SignatureOf].
func (e *Encoder) Value(v any) error {
	switch val := v.(type) {
	case byte:
		e.Uint8(val)
		return nil
	case bool:
		e.Bool(val)
		return nil
	case int16:
		e.Uint16(uint16(val))
		return nil
	case uint16:
		e.Uint16(val)
		return nil
	case int32:
		e.Uint32(uint32(val))
		return nil
	case uint32:
		e.Uint32(val)
		return nil
	case int64:
		e.Uint64(uint64(val))
		return nil
	case uint64:
		e.Uint64(val)
		return nil
	case float64:
		e.Pad(8)
		e.Out = e.Order.AppendUint64(e.Out, math.Float64bits(val))
		return nil
	case string:
		e.String(val)
		return nil
	case ObjectPath:
		e.String(string(val))
		return nil
	case Signature:
		e.SignatureString(val)
		return nil
	case UnixFD:
		e.Uint32(uint32(val))
		return nil
	case Variant:
		return e.variant(val)
	}
	return e.reflectValue(reflect.ValueOf(v))
}

func (e *Encoder) variant(v Variant) error {
	sig, err := SignatureOf(v.Value)
	if err != nil {
		return err
	}
	e.SignatureString(sig)
	return e.Value(v.Value)
}

// Array writes an array to the output. The elements function must
// write each element, padded to the element alignment.
// containsAggregates indicates that the element type is 8-aligned,
// so that the first element's padding falls outside the counted
// array length.
func (e *Encoder) Array(containsAggregates bool, elements func() error) error {
	e.Pad(4)
	offset := len(e.Out)
	e.Uint32(0)
	if containsAggregates {
		e.Pad(8)
	}

	start := len(e.Out)
	err := elements()
	e.Order.PutUint32(e.Out[offset:], uint32(len(e.Out)-start))
	return err
}

// Struct writes a struct to the output. The elements function must
// write each field in order.
func (e *Encoder) Struct(elements func() error) error {
	e.Pad(8)
	return elements()
}

func (e *Encoder) reflectValue(v reflect.Value) error {
	if !v.IsValid() {
		return fmt.Errorf("cannot encode invalid value")
	}
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return e.reflectValue(reflect.New(v.Type().Elem()).Elem())
		}
		return e.reflectValue(v.Elem())
	case reflect.Interface:
		return e.variant(Variant{v.Interface()})
	case reflect.Uint8:
		e.Uint8(uint8(v.Uint()))
		return nil
	case reflect.Bool:
		e.Bool(v.Bool())
		return nil
	case reflect.Int16, reflect.Uint16:
		e.Uint16(uint16(intBits(v)))
		return nil
	case reflect.Int32, reflect.Uint32:
		e.Uint32(uint32(intBits(v)))
		return nil
	case reflect.Int64, reflect.Uint64:
		e.Uint64(intBits(v))
		return nil
	case reflect.Float64:
		e.Pad(8)
		e.Out = e.Order.AppendUint64(e.Out, math.Float64bits(v.Float()))
		return nil
	case reflect.String:
		e.String(v.String())
		return nil
	case reflect.Slice, reflect.Array:
		elemSig, err := signatureOfType(v.Type().Elem())
		if err != nil {
			return err
		}
		return e.Array(alignOf(elemSig[0]) == 8, func() error {
			for i := 0; i < v.Len(); i++ {
				if err := e.reflectElem(v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		})
	case reflect.Map:
		return e.Array(true, func() error {
			keys := v.MapKeys()
			sort.Slice(keys, func(i, j int) bool {
				return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j])
			})
			for _, k := range keys {
				err := e.Struct(func() error {
					if err := e.reflectElem(k); err != nil {
						return err
					}
					return e.reflectElem(v.MapIndex(k))
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	case reflect.Struct:
		return e.Struct(func() error {
			t := v.Type()
			for i := 0; i < t.NumField(); i++ {
				if !t.Field(i).IsExported() {
					continue
				}
				if err := e.reflectElem(v.Field(i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return fmt.Errorf("type %s cannot be encoded", v.Type())
}

// reflectElem encodes a slice element, map key/value or struct
// field, routing named types back through Value so that ObjectPath,
// Signature, Variant and friends keep their wire form.
func (e *Encoder) reflectElem(v reflect.Value) error {
	if v.Kind() == reflect.Interface {
		return e.variant(Variant{v.Interface()})
	}
	if v.CanInterface() {
		return e.Value(v.Interface())
	}
	return e.reflectValue(v)
}

func intBits(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(v.Int())
	default:
		return v.Uint()
	}
}
