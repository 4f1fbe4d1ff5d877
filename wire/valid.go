package wire

import "strings"

// Maximum name length imposed by the bus protocol, for object paths,
// interface names, bus names and member names alike.
const maxNameLen = 255

// ValidObjectPath reports whether s is a syntactically valid object
// path: absolute, '/'-separated, elements of [A-Za-z0-9_]+, no
// trailing slash except for the root path itself.
func ValidObjectPath(s ObjectPath) bool {
	if s == "/" {
		return true
	}
	if len(s) == 0 || s[0] != '/' || s[len(s)-1] == '/' {
		return false
	}
	elem := 0
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '/':
			if elem == 0 {
				return false
			}
			elem = 0
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			elem++
		default:
			return false
		}
	}
	return elem > 0
}

// ValidInterfaceName reports whether s is a valid interface name:
// two or more dot-separated elements, each starting with a letter or
// underscore.
func ValidInterfaceName(s string) bool {
	if len(s) == 0 || len(s) > maxNameLen {
		return false
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if !validNameElement(e, false) {
			return false
		}
	}
	return true
}

// ValidMemberName reports whether s is a valid method or signal
// name.
func ValidMemberName(s string) bool {
	if len(s) == 0 || len(s) > maxNameLen {
		return false
	}
	return validNameElement(s, false)
}

// ValidBusName reports whether s is a valid bus name, either unique
// (":1.42") or well-known ("org.example.Foo").
func ValidBusName(s string) bool {
	if len(s) == 0 || len(s) > maxNameLen {
		return false
	}
	unique := s[0] == ':'
	if unique {
		s = s[1:]
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if !validNameElement(e, unique) {
			return false
		}
	}
	return true
}

// ValidErrorName reports whether s is a valid error name. Error
// names share the interface name grammar.
func ValidErrorName(s string) bool { return ValidInterfaceName(s) }

func validNameElement(s string, digitsLead bool) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c == '-' && digitsLead:
			// unique name elements may contain dashes
		case c >= '0' && c <= '9':
			if i == 0 && !digitsLead {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// UniqueBusName reports whether s has the shape of a broker-assigned
// unique name.
func UniqueBusName(s string) bool {
	return strings.HasPrefix(s, ":") && ValidBusName(s)
}
