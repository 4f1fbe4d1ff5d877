package wire

import (
	"fmt"
	"reflect"
)

// A Signature is the string encoding of a sequence of D-Bus types,
// as described in the bus specification, e.g. "a{sv}" or "su".
type Signature string

const (
	maxSignatureLen = 255
	maxArrayDepth   = 32
	maxStructDepth  = 32
)

func (s Signature) String() string { return string(s) }

// IsZero reports whether the signature describes a void value.
func (s Signature) IsZero() bool { return s == "" }

// Valid reports whether s is a well-formed sequence of complete
// types.
func (s Signature) Valid() bool {
	if len(s) > maxSignatureLen {
		return false
	}
	rest := string(s)
	for rest != "" {
		var err error
		if _, rest, err = nextSingleType(rest, 0, 0); err != nil {
			return false
		}
	}
	return true
}

// Singles splits s into its sequence of complete types.
func (s Signature) Singles() ([]Signature, error) {
	var ret []Signature
	rest := string(s)
	for rest != "" {
		one, r, err := nextSingleType(rest, 0, 0)
		if err != nil {
			return nil, err
		}
		ret = append(ret, Signature(one))
		rest = r
	}
	return ret, nil
}

// Single reports whether s is exactly one complete type.
func (s Signature) Single() bool {
	if s == "" {
		return false
	}
	one, rest, err := nextSingleType(string(s), 0, 0)
	return err == nil && rest == "" && one == string(s)
}

// nextSingleType splits one complete type off the front of sig.
func nextSingleType(sig string, arrayDepth, structDepth int) (one, rest string, err error) {
	if sig == "" {
		return "", "", fmt.Errorf("missing type")
	}
	switch c := sig[0]; c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'v', 'h':
		return sig[:1], sig[1:], nil
	case 'a':
		if arrayDepth+1 > maxArrayDepth {
			return "", "", fmt.Errorf("array nesting exceeds %d", maxArrayDepth)
		}
		if len(sig) > 1 && sig[1] == '{' {
			end, err := dictEnd(sig)
			if err != nil {
				return "", "", err
			}
			if err := validDictBody(sig[2:end], arrayDepth+1, structDepth); err != nil {
				return "", "", err
			}
			return sig[:end+1], sig[end+1:], nil
		}
		elem, rest, err := nextSingleType(sig[1:], arrayDepth+1, structDepth)
		if err != nil {
			return "", "", err
		}
		return "a" + elem, rest, nil
	case '(':
		if structDepth+1 > maxStructDepth {
			return "", "", fmt.Errorf("struct nesting exceeds %d", maxStructDepth)
		}
		rest := sig[1:]
		var fields string
		for {
			if rest == "" {
				return "", "", fmt.Errorf("unterminated struct in %q", sig)
			}
			if rest[0] == ')' {
				if fields == "" {
					return "", "", fmt.Errorf("empty struct in %q", sig)
				}
				n := len(fields) + 2
				return sig[:n], sig[n:], nil
			}
			var one string
			var err error
			one, rest, err = nextSingleType(rest, arrayDepth, structDepth+1)
			if err != nil {
				return "", "", err
			}
			fields += one
		}
	default:
		return "", "", fmt.Errorf("invalid type code %q", c)
	}
}

// dictEnd returns the index of the '}' closing the dict entry opened
// at sig[1] (sig starts with "a{").
func dictEnd(sig string) (int, error) {
	depth := 0
	for i := 1; i < len(sig); i++ {
		switch sig[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unterminated dict entry in %q", sig)
}

func validDictBody(body string, arrayDepth, structDepth int) error {
	key, rest, err := nextSingleType(body, arrayDepth, structDepth)
	if err != nil {
		return err
	}
	if len(key) != 1 || !basicTypeCode(key[0]) {
		return fmt.Errorf("dict key type %q is not basic", key)
	}
	val, rest, err := nextSingleType(rest, arrayDepth, structDepth)
	if err != nil {
		return err
	}
	_ = val
	if rest != "" {
		return fmt.Errorf("dict entry has more than two types")
	}
	return nil
}

func basicTypeCode(c byte) bool {
	switch c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h':
		return true
	}
	return false
}

// alignOf returns the wire alignment of the type starting at code c.
func alignOf(c byte) int {
	switch c {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'a', 'h':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	}
	return 1
}

// SignatureOf returns the signature of the value v.
//
// Supported values are the basic Go types matching the bus type
// system (byte, bool, int16/uint16, int32/uint32, int64/uint64,
// float64, string), [ObjectPath], [Signature], [UnixFD], [Variant],
// slices and arrays of supported values, maps with basic keys, and
// structs whose exported fields are supported values.
func SignatureOf(v any) (Signature, error) {
	switch v.(type) {
	case byte:
		return "y", nil
	case bool:
		return "b", nil
	case int16:
		return "n", nil
	case uint16:
		return "q", nil
	case int32:
		return "i", nil
	case uint32:
		return "u", nil
	case int64:
		return "x", nil
	case uint64:
		return "t", nil
	case float64:
		return "d", nil
	case string:
		return "s", nil
	case ObjectPath:
		return "o", nil
	case Signature:
		return "g", nil
	case UnixFD:
		return "h", nil
	case Variant:
		return "v", nil
	}
	return signatureOfType(reflect.TypeOf(v))
}

// SignatureOfArgs returns the concatenated signature of a message
// body's argument list.
func SignatureOfArgs(args []any) (Signature, error) {
	var ret Signature
	for i, a := range args {
		s, err := SignatureOf(a)
		if err != nil {
			return "", fmt.Errorf("argument %d: %w", i, err)
		}
		ret += s
	}
	if len(ret) > maxSignatureLen {
		return "", fmt.Errorf("signature exceeds %d bytes", maxSignatureLen)
	}
	return ret, nil
}

func signatureOfType(t reflect.Type) (Signature, error) {
	if t == nil {
		return "", fmt.Errorf("cannot determine signature of nil value")
	}
	switch t {
	case reflect.TypeFor[ObjectPath]():
		return "o", nil
	case reflect.TypeFor[Signature]():
		return "g", nil
	case reflect.TypeFor[UnixFD]():
		return "h", nil
	case reflect.TypeFor[Variant]():
		return "v", nil
	}
	switch t.Kind() {
	case reflect.Uint8:
		return "y", nil
	case reflect.Bool:
		return "b", nil
	case reflect.Int16:
		return "n", nil
	case reflect.Uint16:
		return "q", nil
	case reflect.Int32:
		return "i", nil
	case reflect.Uint32:
		return "u", nil
	case reflect.Int64:
		return "x", nil
	case reflect.Uint64:
		return "t", nil
	case reflect.Float64:
		return "d", nil
	case reflect.String:
		return "s", nil
	case reflect.Slice, reflect.Array:
		elem, err := signatureOfType(t.Elem())
		if err != nil {
			return "", err
		}
		return "a" + elem, nil
	case reflect.Map:
		key, err := signatureOfType(t.Key())
		if err != nil {
			return "", err
		}
		if len(key) != 1 || !basicTypeCode(key[0]) {
			return "", fmt.Errorf("map key type %s is not a basic bus type", t.Key())
		}
		val, err := signatureOfType(t.Elem())
		if err != nil {
			return "", err
		}
		return "a{" + key + val + "}", nil
	case reflect.Struct:
		ret := Signature("(")
		n := 0
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			s, err := signatureOfType(f.Type)
			if err != nil {
				return "", err
			}
			ret += s
			n++
		}
		if n == 0 {
			return "", fmt.Errorf("struct %s has no exported fields", t)
		}
		return ret + ")", nil
	case reflect.Interface:
		return "v", nil
	case reflect.Pointer:
		return signatureOfType(t.Elem())
	}
	return "", fmt.Errorf("type %s cannot be represented on the bus", t)
}
