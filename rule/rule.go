// Package rule parses and evaluates DBus match rules: the filter
// strings a peer sends to AddMatch/RemoveMatch to subscribe to
// broadcast signals (or, for a monitor, to mirrored traffic of any
// message type).
//
// The teacher's own match.go builds match-rule strings from a
// structured client-side API (Match.Signal(...).ObjectPrefix(...)) for
// a caller to hand to AddMatch. A bus driver needs the opposite
// direction: parse the string a peer sends, and evaluate the parsed
// rule against outgoing messages. The field set and the use of
// value.Maybe for optional fields are carried over from that file;
// everything else is inverted.
package rule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/creachadair/mds/value"
)

// Metadata is the subset of a message's header and body a Rule can be
// evaluated against. The driver package constructs one of these from
// an outgoing message before testing it against each candidate
// receiver's rules.
type Metadata struct {
	// Type is one of "signal", "method_call", "method_return", "error".
	Type string

	Sender      string
	Path        string
	Interface   string
	Member      string
	Destination string
	// Args holds the message body's string-typed and object-path-typed
	// arguments, in order, stringified. Non-string/path arguments leave
	// a "" hole at their index so later indices still line up.
	Args []string
}

// Rule is a parsed match rule.
type Rule struct {
	typ           value.Maybe[string]
	sender        value.Maybe[string]
	path          value.Maybe[string]
	pathNamespace value.Maybe[string]
	iface         value.Maybe[string]
	member        value.Maybe[string]
	destination   value.Maybe[string]
	arg           map[int]string
	argPath       map[int]string
	arg0Namespace value.Maybe[string]
	eavesdrop     bool
}

// String reconstructs the canonical filter string for r. It round-trips
// through Parse, and exists chiefly so the driver can log the rule a
// peer registered.
func (r *Rule) String() string {
	var parts []string
	kv := func(k, v string) {
		parts = append(parts, k+"="+quote(v))
	}
	if v, ok := r.typ.GetOK(); ok {
		kv("type", v)
	}
	if v, ok := r.sender.GetOK(); ok {
		kv("sender", v)
	}
	if v, ok := r.path.GetOK(); ok {
		kv("path", v)
	}
	if v, ok := r.pathNamespace.GetOK(); ok {
		kv("path_namespace", v)
	}
	if v, ok := r.iface.GetOK(); ok {
		kv("interface", v)
	}
	if v, ok := r.member.GetOK(); ok {
		kv("member", v)
	}
	if v, ok := r.destination.GetOK(); ok {
		kv("destination", v)
	}
	idxs := make([]int, 0, len(r.arg))
	for i := range r.arg {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		kv(fmt.Sprintf("arg%d", i), r.arg[i])
	}
	idxs = idxs[:0]
	for i := range r.argPath {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		kv(fmt.Sprintf("arg%dpath", i), r.argPath[i])
	}
	if v, ok := r.arg0Namespace.GetOK(); ok {
		kv("arg0namespace", v)
	}
	if r.eavesdrop {
		kv("eavesdrop", "true")
	}
	return strings.Join(parts, ",")
}

// Parse parses a DBus match rule string as sent to AddMatch.
//
// An empty string parses to a rule matching everything, which is what
// AddMatch([""])'s single empty-string entry means, and what
// BecomeMonitor's empty rule array collapses to (SPEC_FULL.md §4.5).
func Parse(s string) (*Rule, error) {
	r := &Rule{}
	s = strings.TrimSpace(s)
	if s == "" {
		return r, nil
	}
	for _, field := range splitFields(s) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("match rule field %q has no value", field)
		}
		val, err := unquote(val)
		if err != nil {
			return nil, fmt.Errorf("match rule field %q: %w", key, err)
		}
		switch {
		case key == "type":
			switch val {
			case "signal", "method_call", "method_return", "error":
			default:
				return nil, fmt.Errorf("invalid match type %q", val)
			}
			r.typ = value.Just(val)
		case key == "sender":
			r.sender = value.Just(val)
		case key == "path":
			r.path = value.Just(val)
		case key == "path_namespace":
			r.pathNamespace = value.Just(val)
		case key == "interface":
			r.iface = value.Just(val)
		case key == "member":
			r.member = value.Just(val)
		case key == "destination":
			r.destination = value.Just(val)
		case key == "arg0namespace":
			r.arg0Namespace = value.Just(val)
		case key == "eavesdrop":
			r.eavesdrop = val == "true"
		case strings.HasPrefix(key, "arg"):
			idxStr, isPath := strings.CutSuffix(key[len("arg"):], "path")
			idx, err := strconv.Atoi(idxStr)
			if err != nil || idx < 0 || idx > 63 {
				return nil, fmt.Errorf("invalid match key %q", key)
			}
			if isPath {
				if r.argPath == nil {
					r.argPath = map[int]string{}
				}
				r.argPath[idx] = val
			} else {
				if r.arg == nil {
					r.arg = map[int]string{}
				}
				r.arg[idx] = val
			}
		default:
			return nil, fmt.Errorf("unknown match key %q", key)
		}
	}
	return r, nil
}

// Matches reports whether m satisfies r.
func (r *Rule) Matches(m Metadata) bool {
	if v, ok := r.typ.GetOK(); ok && v != m.Type {
		return false
	}
	if v, ok := r.sender.GetOK(); ok && v != m.Sender {
		return false
	}
	if v, ok := r.path.GetOK(); ok && v != m.Path {
		return false
	}
	if v, ok := r.pathNamespace.GetOK(); ok && v != m.Path && !isChildPath(m.Path, v) {
		return false
	}
	if v, ok := r.iface.GetOK(); ok && v != m.Interface {
		return false
	}
	if v, ok := r.member.GetOK(); ok && v != m.Member {
		return false
	}
	if v, ok := r.destination.GetOK(); ok && v != m.Destination {
		return false
	}
	for i, want := range r.arg {
		if i >= len(m.Args) || m.Args[i] != want {
			return false
		}
	}
	for i, want := range r.argPath {
		if i >= len(m.Args) {
			return false
		}
		got := m.Args[i]
		if got != want && !isChildPath(got, want) && !(strings.HasSuffix(want, "/") && got == strings.TrimSuffix(want, "/")) {
			return false
		}
	}
	if v, ok := r.arg0Namespace.GetOK(); ok {
		if len(m.Args) == 0 || (m.Args[0] != v && !strings.HasPrefix(m.Args[0], v+".")) {
			return false
		}
	}
	return true
}

// Eavesdrop reports whether r requested eavesdrop semantics (only
// meaningful for a monitor's rules).
func (r *Rule) Eavesdrop() bool { return r.eavesdrop }

func isChildPath(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	return strings.HasPrefix(path, prefix+"/")
}

// splitFields splits a comma-separated match rule into its key=value
// fields, respecting single-quoted values that may themselves contain
// escaped quotes (the same quoting driver-side peers use:
// ' -> '\'').
func splitFields(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == ',' && !inQuote:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// unquote reverses the single-quote escaping scheme libdbus and the
// teacher's escapeMatchArg use: a value is wrapped in single quotes,
// and any literal single quote inside is escaped as '\''.
func unquote(s string) (string, error) {
	if !strings.HasPrefix(s, "'") {
		// Some senders omit quoting for simple values; accept as-is.
		return s, nil
	}
	if !strings.HasSuffix(s, "'") || len(s) < 2 {
		return "", fmt.Errorf("unterminated quoted value %q", s)
	}
	inner := s[1 : len(s)-1]
	if strings.Contains(strings.ReplaceAll(inner, `'\''`, ""), "'") {
		return "", fmt.Errorf("unescaped quote in value %q", s)
	}
	return strings.ReplaceAll(inner, `'\''`, "'"), nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
