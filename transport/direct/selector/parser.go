package selector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokKeyword && t.text == word
}

func (p *parser) acceptKeyword(word string) bool {
	if p.isKeyword(word) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expectKeyword(word string) error {
	if !p.acceptKeyword(word) {
		return p.errorf("expected %s", word)
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Pos: p.peek().pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.acceptKeyword("NOT") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "=", "<>", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return compareNode{op: t.text, left: left, right: right}, nil
		}
	}
	negate := false
	if p.isKeyword("NOT") {
		p.next()
		negate = true
		if !p.isKeyword("BETWEEN") && !p.isKeyword("LIKE") && !p.isKeyword("IN") {
			return nil, p.errorf("expected BETWEEN, LIKE or IN after NOT")
		}
	}
	switch {
	case p.acceptKeyword("BETWEEN"):
		low, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		high, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return wrapNot(betweenNode{value: left, low: low, high: high}, negate), nil
	case p.acceptKeyword("LIKE"):
		pat := p.next()
		if pat.kind != tokString {
			return nil, &SyntaxError{Pos: pat.pos, Msg: "LIKE requires a string pattern"}
		}
		var escape rune
		if p.acceptKeyword("ESCAPE") {
			esc := p.next()
			if esc.kind != tokString || len([]rune(esc.text)) != 1 {
				return nil, &SyntaxError{Pos: esc.pos, Msg: "ESCAPE requires a single character"}
			}
			escape = []rune(esc.text)[0]
		}
		re, err := likePattern(pat.text, escape)
		if err != nil {
			return nil, &SyntaxError{Pos: pat.pos, Msg: err.Error()}
		}
		if _, ok := left.(identNode); !ok {
			return nil, p.errorf("LIKE requires an identifier")
		}
		return wrapNot(likeNode{value: left, re: re}, negate), nil
	case p.acceptKeyword("IN"):
		if _, ok := left.(identNode); !ok {
			return nil, p.errorf("IN requires an identifier")
		}
		if p.next().kind != tokLParen {
			return nil, p.errorf("expected ( after IN")
		}
		var set []string
		for {
			s := p.next()
			if s.kind != tokString {
				return nil, &SyntaxError{Pos: s.pos, Msg: "IN list accepts string literals only"}
			}
			set = append(set, s.text)
			sep := p.next()
			if sep.kind == tokRParen {
				break
			}
			if sep.kind != tokComma {
				return nil, &SyntaxError{Pos: sep.pos, Msg: "expected , or )"}
			}
		}
		return wrapNot(inNode{value: left, set: set}, negate), nil
	}
	if p.acceptKeyword("IS") {
		not := p.acceptKeyword("NOT")
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return isNullNode{value: left, not: not}, nil
	}
	return left, nil
}

func wrapNot(n node, negate bool) node {
	if negate {
		return notNode{n}
	}
	return n
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = arithNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = arithNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "+") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if t.text == "-" {
			return negNode{inner}, nil
		}
		return inner, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, &SyntaxError{Pos: t.pos, Msg: "unbalanced parenthesis"}
		}
		return inner, nil
	case tokString:
		return literalNode{t.text}, nil
	case tokNumber:
		v, err := parseNumber(t.text)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Msg: err.Error()}
		}
		return literalNode{v}, nil
	case tokIdent:
		return identNode{t.text}, nil
	case tokKeyword:
		switch t.text {
		case "TRUE":
			return literalNode{true}, nil
		case "FALSE":
			return literalNode{false}, nil
		case "NULL":
			return literalNode{nil}, nil
		}
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected keyword %s", t.text)}
	case tokEOF:
		return nil, &SyntaxError{Pos: t.pos, Msg: "unexpected end of selector"}
	}
	return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
}

func parseNumber(text string) (any, error) {
	trimmed := strings.TrimRight(text, "lLfFdD")
	if !strings.ContainsAny(trimmed, ".eE") && !strings.ContainsAny(text[len(trimmed):], "fFdD") {
		v, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad integer %q", text)
		}
		return v, nil
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return nil, fmt.Errorf("bad number %q", text)
	}
	return v, nil
}

func likePattern(pattern string, escape rune) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^(?s:")
	rs := []rune(pattern)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		if escape != 0 && r == escape {
			if i+1 >= len(rs) {
				return nil, fmt.Errorf("dangling escape in LIKE pattern")
			}
			i++
			b.WriteString(regexp.QuoteMeta(string(rs[i])))
			continue
		}
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(")$")
	return regexp.Compile(b.String())
}
