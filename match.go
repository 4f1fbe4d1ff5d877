package sdbus

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/creachadair/mds/value"
)

// A Match is a registered match rule with its callback. Matches see
// inbound messages after filters and before object dispatch.
type Match struct {
	rule    string
	handler MessageHandler

	msgType      value.Maybe[MessageType]
	sender       value.Maybe[string]
	destination  value.Maybe[string]
	object       value.Maybe[ObjectPath]
	objectPrefix value.Maybe[ObjectPath]
	iface        value.Maybe[string]
	member       value.Maybe[string]
	argStr       map[int]string
	argPath      map[int]ObjectPath
	arg0NS       value.Maybe[string]

	lastIteration uint64
}

// Rule returns the match rule in bus string form.
func (m *Match) Rule() string { return m.rule }

// AddMatch registers a match rule and its callback. On a broker
// connection the rule is also forwarded to the broker with an
// AddMatch call, so that matching signals are routed here.
func (c *Conn) AddMatch(rule string, fn MessageHandler) (*Match, error) {
	if err := c.entry(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errInvalid
	}
	m, err := parseMatchRule(rule)
	if err != nil {
		return nil, err
	}
	m.handler = fn
	m.lastIteration = c.iteration
	c.matches = append(c.matches, m)
	c.matchesModified = true

	if err := c.forwardMatch("AddMatch", rule); err != nil {
		c.matches = c.matches[:len(c.matches)-1]
		return nil, err
	}
	return m, nil
}

// RemoveMatch unregisters m and, on a broker connection, forwards
// the removal.
func (c *Conn) RemoveMatch(m *Match) error {
	if err := c.entry(); err != nil {
		return err
	}
	for i, g := range c.matches {
		if g == m {
			c.matches = append(c.matches[:i], c.matches[i+1:]...)
			c.matchesModified = true
			return c.forwardMatch("RemoveMatch", m.rule)
		}
	}
	return ErrNotFound
}

// forwardMatch tells the broker about a match change. The call asks
// for no reply: match bookkeeping must not stall dispatch.
func (c *Conn) forwardMatch(method, rule string) error {
	if !c.busClient {
		return nil
	}
	switch c.state {
	case StateHello, StateRunning:
	default:
		return nil
	}
	msg := NewMethodCall("org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus", method, rule)
	msg.Flags |= FlagNoReplyExpected
	_, err := c.Send(msg)
	return err
}

// runMatches offers m to every registered match whose rule it
// satisfies, with the same reentrancy discipline as filters.
func (c *Conn) runMatches(msg *Message) (bool, error) {
restart:
	c.matchesModified = false
	for _, m := range c.matches {
		if m.lastIteration == c.iteration {
			continue
		}
		m.lastIteration = c.iteration
		if !m.matches(msg) {
			continue
		}
		handled, err := m.handler(c, msg)
		if err != nil || handled {
			return handled, err
		}
		if c.matchesModified {
			goto restart
		}
	}
	return false, nil
}

// matches reports whether msg satisfies the rule.
func (m *Match) matches(msg *Message) bool {
	if t, ok := m.msgType.GetOK(); ok && msg.Type != t {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	if s, ok := m.destination.GetOK(); ok && msg.Destination != s {
		return false
	}
	if o, ok := m.object.GetOK(); ok && msg.Path != o {
		return false
	}
	if p, ok := m.objectPrefix.GetOK(); ok && msg.Path != p && !msg.Path.IsChildOf(p) {
		return false
	}
	if s, ok := m.iface.GetOK(); ok && msg.Interface != s {
		return false
	}
	if s, ok := m.member.GetOK(); ok && msg.Member != s {
		return false
	}
	for i, want := range m.argStr {
		got, ok := msg.stringArg(i)
		if !ok || got != want {
			return false
		}
	}
	for i, want := range m.argPath {
		got, ok := msg.stringArg(i)
		if !ok {
			return false
		}
		gp := ObjectPath(got)
		if gp != want && !gp.IsChildOf(want) && !want.IsChildOf(gp) {
			return false
		}
	}
	if ns, ok := m.arg0NS.GetOK(); ok {
		got, okArg := msg.stringArg(0)
		if !okArg || (got != ns && !strings.HasPrefix(got, ns+".")) {
			return false
		}
	}
	return true
}

// stringArg returns body argument i if it is a string or object
// path.
func (m *Message) stringArg(i int) (string, bool) {
	if i < 0 || i >= len(m.Body) {
		return "", false
	}
	switch v := m.Body[i].(type) {
	case string:
		return v, true
	case ObjectPath:
		return string(v), true
	default:
		return "", false
	}
}

// parseMatchRule parses the bus match rule grammar: comma-separated
// key='value' pairs, with '\'' escaping inside values.
func parseMatchRule(rule string) (*Match, error) {
	m := &Match{rule: rule}
	rest := rule
	for rest != "" {
		var pair string
		pair, rest = nextMatchPair(rest)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("match entry %q is not key=value", pair)
		}
		v = unquoteMatchArg(v)
		if err := m.apply(k, v); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// nextMatchPair splits one key='value' pair off the front of rule,
// honoring quoted commas.
func nextMatchPair(rule string) (pair, rest string) {
	inQuote := false
	for i := 0; i < len(rule); i++ {
		switch rule[i] {
		case '\'':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				return rule[:i], rule[i+1:]
			}
		}
	}
	return rule, ""
}

func unquoteMatchArg(v string) string {
	v = strings.ReplaceAll(v, "'\\''", "'")
	return strings.Trim(v, "'")
}

func (m *Match) apply(k, v string) error {
	switch k {
	case "type":
		switch v {
		case "signal":
			m.msgType = value.Just(TypeSignal)
		case "method_call":
			m.msgType = value.Just(TypeMethodCall)
		case "method_return":
			m.msgType = value.Just(TypeMethodReturn)
		case "error":
			m.msgType = value.Just(TypeError)
		default:
			return fmt.Errorf("unknown match type %q", v)
		}
	case "sender":
		m.sender = value.Just(v)
	case "destination":
		m.destination = value.Just(v)
	case "path":
		m.object = value.Just(ObjectPath(v).Clean())
	case "path_namespace":
		m.objectPrefix = value.Just(ObjectPath(v).Clean())
	case "interface":
		m.iface = value.Just(v)
	case "member":
		m.member = value.Just(v)
	case "arg0namespace":
		m.arg0NS = value.Just(v)
	case "eavesdrop":
		// accepted and ignored, as brokers do for clients
	default:
		if n, ok := strings.CutPrefix(k, "arg"); ok {
			if path, isPath := strings.CutSuffix(n, "path"); isPath {
				i, err := strconv.Atoi(path)
				if err != nil || i < 0 || i > 63 {
					return fmt.Errorf("invalid match key %q", k)
				}
				if m.argPath == nil {
					m.argPath = map[int]ObjectPath{}
				}
				m.argPath[i] = ObjectPath(v)
				return nil
			}
			i, err := strconv.Atoi(n)
			if err != nil || i < 0 || i > 63 {
				return fmt.Errorf("invalid match key %q", k)
			}
			if m.argStr == nil {
				m.argStr = map[int]string{}
			}
			m.argStr[i] = v
			return nil
		}
		return fmt.Errorf("unknown match key %q", k)
	}
	return nil
}

// FormatMatchRule builds a match rule string from key/value pairs,
// quoting values the way the bus expects.
func FormatMatchRule(pairs map[string]string) string {
	ks := make([]string, 0, len(pairs))
	for k := range pairs {
		ks = append(ks, k)
	}
	// deterministic rule strings make AddMatch/RemoveMatch pairs
	// cancel out broker-side
	sort.Strings(ks)
	var out []string
	for _, k := range ks {
		out = append(out, fmt.Sprintf("%s=%s", k, escapeMatchArg(pairs[k])))
	}
	return strings.Join(out, ",")
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
