package sdbus

import (
	"fmt"
	"strconv"
	"strings"
)

// endpointKind discriminates parsed bus endpoints.
type endpointKind int

const (
	endpointUnix endpointKind = iota
	endpointAbstract
	endpointTCP
	endpointExec
	endpointKernel
)

// endpoint is one parsed entry of a bus address list.
type endpoint struct {
	kind endpointKind

	// path is the socket path (unix), abstract name (abstract),
	// executable path (exec) or device path (kernel).
	path string

	// tcp fields
	host   string
	port   string
	family string // "", "ipv4" or "ipv6"

	// exec argv; argv[0] defaults to path
	argv []string

	// guid is the expected server identity, if the endpoint carried
	// one.
	guid string
}

func (e endpoint) String() string {
	switch e.kind {
	case endpointUnix:
		return "unix:path=" + e.path
	case endpointAbstract:
		return "unix:abstract=" + e.path
	case endpointTCP:
		return fmt.Sprintf("tcp:host=%s,port=%s", e.host, e.port)
	case endpointExec:
		return "unixexec:path=" + e.path
	case endpointKernel:
		return "kernel:path=" + e.path
	}
	return "<invalid endpoint>"
}

// addressCursor iterates the endpoints of a semicolon-separated
// address list, advancing on connect failure.
type addressCursor struct {
	addr string
	next int
}

// more reports whether un-attempted endpoints remain.
func (c *addressCursor) more() bool { return c.next < len(c.addr) }

// parseNext parses and consumes the next endpoint of the list.
// Empty entries are skipped.
func (c *addressCursor) parseNext() (endpoint, error) {
	for c.more() {
		end := strings.IndexByte(c.addr[c.next:], ';')
		var raw string
		if end < 0 {
			raw = c.addr[c.next:]
			c.next = len(c.addr)
		} else {
			raw = c.addr[c.next : c.next+end]
			c.next += end + 1
		}
		if raw == "" {
			continue
		}
		return parseEndpoint(raw)
	}
	return endpoint{}, fmt.Errorf("no more addresses to try")
}

func (c *addressCursor) reset() { c.next = 0 }

const maxExecArgs = 256

func parseEndpoint(raw string) (endpoint, error) {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return endpoint{}, fmt.Errorf("bus address %q has no transport prefix", raw)
	}

	kv := map[string]string{}
	argv := map[int]string{}
	if rest != "" {
		for _, pair := range strings.Split(rest, ",") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return endpoint{}, fmt.Errorf("bus address entry %q is not key=value", pair)
			}
			uv, err := unescapeValue(v)
			if err != nil {
				return endpoint{}, fmt.Errorf("bus address value %q: %w", v, err)
			}
			if n, isArg := strings.CutPrefix(k, "argv"); isArg && scheme == "unixexec" {
				i, err := strconv.Atoi(n)
				if err != nil || i < 0 || i > maxExecArgs {
					return endpoint{}, fmt.Errorf("invalid argv index %q", k)
				}
				argv[i] = uv
				continue
			}
			if _, dup := kv[k]; dup {
				return endpoint{}, fmt.Errorf("duplicate key %q in bus address", k)
			}
			kv[k] = uv
		}
	}

	var ret endpoint
	ret.guid = kv["guid"]

	switch scheme {
	case "unix":
		path, hasPath := kv["path"]
		abstract, hasAbstract := kv["abstract"]
		if hasPath == hasAbstract {
			return endpoint{}, fmt.Errorf("unix address needs exactly one of path= or abstract=")
		}
		if hasPath {
			ret.kind = endpointUnix
			ret.path = path
		} else {
			ret.kind = endpointAbstract
			ret.path = abstract
		}
	case "tcp":
		host, port := kv["host"], kv["port"]
		if host == "" || port == "" {
			return endpoint{}, fmt.Errorf("tcp address needs host= and port=")
		}
		switch f := kv["family"]; f {
		case "", "ipv4", "ipv6":
			ret.family = f
		default:
			return endpoint{}, fmt.Errorf("unknown address family %q", f)
		}
		ret.kind = endpointTCP
		ret.host = host
		ret.port = port
	case "unixexec":
		path := kv["path"]
		if path == "" {
			return endpoint{}, fmt.Errorf("unixexec address needs path=")
		}
		ret.kind = endpointExec
		ret.path = path
		if _, ok := argv[0]; !ok {
			argv[0] = path
		}
		ret.argv = make([]string, 0, len(argv))
		for i := 0; ; i++ {
			a, ok := argv[i]
			if !ok {
				break
			}
			ret.argv = append(ret.argv, a)
		}
		if len(ret.argv) != len(argv) {
			return endpoint{}, fmt.Errorf("unixexec argv has holes")
		}
	case "kernel":
		path := kv["path"]
		if path == "" {
			return endpoint{}, fmt.Errorf("kernel address needs path=")
		}
		ret.kind = endpointKernel
		ret.path = path
	default:
		return endpoint{}, fmt.Errorf("unknown bus address scheme %q", scheme)
	}
	return ret, nil
}

// unescapeValue reverses the %XX escaping of reserved bytes in
// address values.
func unescapeValue(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var out strings.Builder
	out.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			out.WriteByte(s[i])
			continue
		}
		if i+3 > len(s) {
			return "", fmt.Errorf("truncated %%XX escape")
		}
		b, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad %%XX escape %q", s[i:i+3])
		}
		out.WriteByte(byte(b))
		i += 2
	}
	return out.String(), nil
}
