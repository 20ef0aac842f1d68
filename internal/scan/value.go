package scan

import (
	"strings"

	"github.com/zhangyunhao116/taskjail/internal/pathutil"
)

// valueState says how much of a string computed by the program is known
// before it runs.
type valueState int

const (
	valueUnknown valueState = iota
	valueKnown              // exactly one of strs
	valuePrefix             // starts with one of strs
	valueText               // a number, a boolean or None; never a path
)

// maxAlts bounds the alternatives one value carries.
const maxAlts = 16

// value is what a scan knows about one expression. strs holds the possible
// values, or their possible static prefixes. The zero value is unknown.
type value struct {
	state valueState
	strs  []string
}

func known(strs ...string) value { return value{state: valueKnown, strs: strs} }

func prefixed(strs ...string) value { return value{state: valuePrefix, strs: strs} }

// single returns the value when it is known and unambiguous.
func (v value) single() (string, bool) {
	if v.state == valueKnown && len(v.strs) == 1 {
		return v.strs[0], true
	}
	return "", false
}

// isString reports whether anything of v is known as a string.
func (v value) isString() bool {
	return v.state == valueKnown || v.state == valuePrefix
}

// cross applies f to every pair of alternatives.
func cross(a, b []string, f func(x, y string) string) ([]string, bool) {
	if len(a)*len(b) > maxAlts {
		return nil, false
	}
	out := make([]string, 0, len(a)*len(b))
	for _, x := range a {
		for _, y := range b {
			out = append(out, f(x, y))
		}
	}
	return out, true
}

// mapStrs applies f to every alternative, keeping the state.
func mapStrs(v value, f func(string) string) value {
	out := make([]string, len(v.strs))
	for i, s := range v.strs {
		out[i] = f(s)
	}
	return value{state: v.state, strs: out}
}

// concat is string concatenation. Once a part is unknown only the prefix
// before it survives.
func concat(a, b value) value {
	switch a.state {
	case valueKnown:
	case valuePrefix, valueText:
		return a
	default:
		return value{}
	}
	if !b.isString() {
		return prefixed(a.strs...)
	}
	strs, ok := cross(a.strs, b.strs, func(x, y string) string { return x + y })
	if !ok {
		return value{}
	}
	return value{state: b.state, strs: strs}
}

// joinPath joins like os.path.join and pathlib: an absolute element
// discards everything before it. A tail whose start is unknown could be
// absolute, so joining it gives an unknown path.
func joinPath(a, b value) value {
	if !a.isString() || !b.isString() {
		return value{}
	}
	abs := 0
	for _, y := range b.strs {
		if b.state == valuePrefix && y == "" {
			return value{}
		}
		if strings.HasPrefix(y, "/") {
			abs++
		}
	}
	if a.state == valuePrefix {
		switch abs {
		case 0:
			return a
		case len(b.strs):
			return b
		}
		return value{}
	}
	strs, ok := cross(a.strs, b.strs, joinOne)
	if !ok {
		return value{}
	}
	return value{state: b.state, strs: strs}
}

func joinOne(x, y string) string {
	switch {
	case strings.HasPrefix(y, "/"), x == "":
		return y
	case strings.HasSuffix(x, "/"):
		return x + y
	}
	return x + "/" + y
}

// either is a value that may be any of vs, as the variable of a loop over a
// literal list is.
func either(vs ...value) value {
	if len(vs) == 0 {
		return value{}
	}
	text := 0
	out := value{state: valueKnown}
	for _, v := range vs {
		switch v.state {
		case valueUnknown:
			return value{}
		case valueText:
			text++
			continue
		case valuePrefix:
			out.state = valuePrefix
		}
		out.strs = append(out.strs, v.strs...)
	}
	switch {
	case text == len(vs):
		return value{state: valueText}
	case text > 0, len(out.strs) > maxAlts:
		return value{}
	}
	return out
}

// cutAt keeps what comes before the first sep, where a substitution such
// as "%s" or "{}" starts.
func cutAt(v value, sep string) value {
	if !v.isString() {
		return value{}
	}
	out := value{state: v.state, strs: make([]string, len(v.strs))}
	for i, s := range v.strs {
		if j := strings.Index(s, sep); j >= 0 {
			s = s[:j]
			out.state = valuePrefix
		}
		out.strs[i] = s
	}
	return out
}

// dirPrefix is any path inside the directory v.
func dirPrefix(v value) value {
	if !v.isString() {
		return value{}
	}
	return prefixed(mapStrs(v, func(s string) string { return joinOne(s, "") }).strs...)
}

// globbed is any path the pattern v can match. A wildcard followed by ".."
// can climb anywhere.
func globbed(v value) value {
	if !v.isString() {
		return value{}
	}
	out := make([]string, 0, len(v.strs))
	for _, s := range v.strs {
		if !pathutil.IsGlobPattern(s) {
			out = append(out, s)
			continue
		}
		pre := pathutil.StaticPrefix(s)
		rest := s
		if strings.HasPrefix(s, pre) {
			rest = s[len(pre):]
		}
		if strings.Contains(rest, "..") {
			return value{}
		}
		out = append(out, strings.TrimSuffix(pre, "/")+"/")
	}
	return prefixed(out...)
}
