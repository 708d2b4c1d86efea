// Package selector parses and evaluates SQL-92 style message selectors.
//
// Evaluation follows three-valued logic: a comparison involving a missing
// property or a type mismatch is unknown, and an unknown result at the top
// level does not match.
package selector

import (
	"regexp"
	"strings"
)

// Lookup resolves an identifier to a property or header value. It reports
// false when the identifier is not set.
type Lookup func(name string) (any, bool)

// Selector is a compiled selector expression. The zero value is not usable;
// use Parse.
type Selector struct {
	src  string
	root node
}

// Parse compiles src. An empty or all-blank selector matches every message
// and yields a nil Selector with no error.
func Parse(src string) (*Selector, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &SyntaxError{Pos: t.pos, Msg: "unexpected trailing input " + quote(t.text)}
	}
	return &Selector{src: src, root: root}, nil
}

func quote(s string) string { return "\"" + s + "\"" }

// Validate reports whether src is a well formed selector.
func Validate(src string) error {
	_, err := Parse(src)
	return err
}

func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.src
}

// Matches evaluates the selector. A nil Selector matches everything.
func (s *Selector) Matches(lookup Lookup) bool {
	if s == nil {
		return true
	}
	v := s.root.eval(lookup)
	b, ok := v.(bool)
	return ok && b
}

// MapLookup adapts a property map to a Lookup.
func MapLookup(m map[string]any) Lookup {
	return func(name string) (any, bool) {
		v, ok := m[name]
		return v, ok
	}
}

type node interface {
	eval(Lookup) any
}

type literalNode struct{ v any }

func (n literalNode) eval(Lookup) any { return n.v }

type identNode struct{ name string }

func (n identNode) eval(l Lookup) any {
	if l == nil {
		return nil
	}
	v, ok := l(n.name)
	if !ok {
		return nil
	}
	return normalize(v)
}

type orNode struct{ left, right node }

func (n orNode) eval(l Lookup) any {
	a, b := truth(n.left.eval(l)), truth(n.right.eval(l))
	switch {
	case a == tTrue || b == tTrue:
		return true
	case a == tFalse && b == tFalse:
		return false
	}
	return nil
}

type andNode struct{ left, right node }

func (n andNode) eval(l Lookup) any {
	a, b := truth(n.left.eval(l)), truth(n.right.eval(l))
	switch {
	case a == tFalse || b == tFalse:
		return false
	case a == tTrue && b == tTrue:
		return true
	}
	return nil
}

type notNode struct{ inner node }

func (n notNode) eval(l Lookup) any {
	switch truth(n.inner.eval(l)) {
	case tTrue:
		return false
	case tFalse:
		return true
	}
	return nil
}

type compareNode struct {
	op          string
	left, right node
}

func (n compareNode) eval(l Lookup) any {
	a, b := n.left.eval(l), n.right.eval(l)
	if a == nil || b == nil {
		return nil
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return nil
		}
		switch n.op {
		case "=":
			return av == bv
		case "<>":
			return av != bv
		}
		return nil
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return nil
		}
		switch n.op {
		case "=":
			return av == bv
		case "<>":
			return av != bv
		}
		return nil
	}
	c, ok := compareNumbers(a, b)
	if !ok {
		return nil
	}
	switch n.op {
	case "=":
		return c == 0
	case "<>":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return nil
}

type betweenNode struct{ value, low, high node }

func (n betweenNode) eval(l Lookup) any {
	v, lo, hi := n.value.eval(l), n.low.eval(l), n.high.eval(l)
	if v == nil || lo == nil || hi == nil {
		return nil
	}
	c1, ok1 := compareNumbers(v, lo)
	c2, ok2 := compareNumbers(v, hi)
	if !ok1 || !ok2 {
		return nil
	}
	return c1 >= 0 && c2 <= 0
}

type likeNode struct {
	value node
	re    *regexp.Regexp
}

func (n likeNode) eval(l Lookup) any {
	s, ok := n.value.eval(l).(string)
	if !ok {
		return nil
	}
	return n.re.MatchString(s)
}

type inNode struct {
	value node
	set   []string
}

func (n inNode) eval(l Lookup) any {
	s, ok := n.value.eval(l).(string)
	if !ok {
		return nil
	}
	for _, candidate := range n.set {
		if candidate == s {
			return true
		}
	}
	return false
}

type isNullNode struct {
	value node
	not   bool
}

func (n isNullNode) eval(l Lookup) any {
	isNull := n.value.eval(l) == nil
	if n.not {
		return !isNull
	}
	return isNull
}

type negNode struct{ inner node }

func (n negNode) eval(l Lookup) any {
	switch v := n.inner.eval(l).(type) {
	case int64:
		return -v
	case float64:
		return -v
	}
	return nil
}

type arithNode struct {
	op          string
	left, right node
}

func (n arithNode) eval(l Lookup) any {
	a, b := n.left.eval(l), n.right.eval(l)
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		switch n.op {
		case "+":
			return ai + bi
		case "-":
			return ai - bi
		case "*":
			return ai * bi
		case "/":
			if bi == 0 {
				return nil
			}
			return ai / bi
		}
	}
	af, okA := toFloat(a)
	bf, okB := toFloat(b)
	if !okA || !okB {
		return nil
	}
	switch n.op {
	case "+":
		return af + bf
	case "-":
		return af - bf
	case "*":
		return af * bf
	case "/":
		if bf == 0 {
			return nil
		}
		return af / bf
	}
	return nil
}

type tristate int

const (
	tUnknown tristate = iota
	tTrue
	tFalse
)

func truth(v any) tristate {
	b, ok := v.(bool)
	switch {
	case !ok:
		return tUnknown
	case b:
		return tTrue
	default:
		return tFalse
	}
}

// normalize widens property values to the three evaluation types.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case int64, float64, string, bool:
		return x
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func compareNumbers(a, b any) (int, bool) {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		switch {
		case ai < bi:
			return -1, true
		case ai > bi:
			return 1, true
		}
		return 0, true
	}
	af, okA := toFloat(a)
	bf, okB := toFloat(b)
	if !okA || !okB {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}
