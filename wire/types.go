package wire

import (
	"strings"
)

// ObjectPath is a bus object path, such as "/org/freedesktop/DBus".
type ObjectPath string

// Clean returns the path with redundant slashes removed. An empty
// path cleans to "/".
func (p ObjectPath) Clean() ObjectPath {
	if p == "" || p == "/" {
		return "/"
	}
	elems := strings.Split(string(p), "/")
	out := make([]string, 0, len(elems))
	for _, e := range elems {
		if e != "" {
			out = append(out, e)
		}
	}
	return ObjectPath("/" + strings.Join(out, "/"))
}

// Parent returns the parent of p, or "/" if p is the root or a
// top-level path.
func (p ObjectPath) Parent() ObjectPath {
	i := strings.LastIndexByte(string(p), '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// IsChildOf reports whether p is a strict descendant of prefix.
func (p ObjectPath) IsChildOf(prefix ObjectPath) bool {
	if prefix == "/" {
		return p != "/" && strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(prefix)+"/")
}

func (p ObjectPath) String() string { return string(p) }

// Variant is a value tagged with its own type signature on the wire.
type Variant struct {
	Value any
}

// UnixFD is a file descriptor reference in a message body. Its value
// is an index into the descriptors attached to the message.
type UnixFD uint32
