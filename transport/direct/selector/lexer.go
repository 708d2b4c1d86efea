package selector

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokKeyword
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]struct{}{
	"AND": {}, "OR": {}, "NOT": {}, "BETWEEN": {}, "LIKE": {}, "IN": {},
	"IS": {}, "NULL": {}, "TRUE": {}, "FALSE": {}, "ESCAPE": {},
}

// SyntaxError reports where a selector failed to parse.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("selector: syntax error at %d: %s", e.Pos, e.Msg)
}

func lex(src string) ([]token, error) {
	var out []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\'':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(rs) {
				if rs[i] == '\'' {
					if i+1 < len(rs) && rs[i+1] == '\'' {
						b.WriteRune('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				b.WriteRune(rs[i])
				i++
			}
			if !closed {
				return nil, &SyntaxError{Pos: start, Msg: "unterminated string literal"}
			}
			out = append(out, token{kind: tokString, text: b.String(), pos: start})
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.' || rs[i] == 'e' || rs[i] == 'E' ||
				((rs[i] == '+' || rs[i] == '-') && (rs[i-1] == 'e' || rs[i-1] == 'E'))) {
				i++
			}
			// trailing type suffixes accepted by SQL-92 style numerals
			if i < len(rs) && strings.ContainsRune("lLfFdD", rs[i]) {
				i++
			}
			out = append(out, token{kind: tokNumber, text: string(rs[start:i]), pos: start})
		case isIdentStart(r):
			start := i
			for i < len(rs) && isIdentPart(rs[i]) {
				i++
			}
			word := string(rs[start:i])
			if _, ok := keywords[strings.ToUpper(word)]; ok {
				out = append(out, token{kind: tokKeyword, text: strings.ToUpper(word), pos: start})
			} else {
				out = append(out, token{kind: tokIdent, text: word, pos: start})
			}
		case r == '(':
			out = append(out, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			out = append(out, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == ',':
			out = append(out, token{kind: tokComma, text: ",", pos: i})
			i++
		case r == '<':
			if i+1 < len(rs) && (rs[i+1] == '>' || rs[i+1] == '=') {
				out = append(out, token{kind: tokOp, text: string(rs[i : i+2]), pos: i})
				i += 2
			} else {
				out = append(out, token{kind: tokOp, text: "<", pos: i})
				i++
			}
		case r == '>':
			if i+1 < len(rs) && rs[i+1] == '=' {
				out = append(out, token{kind: tokOp, text: ">=", pos: i})
				i += 2
			} else {
				out = append(out, token{kind: tokOp, text: ">", pos: i})
				i++
			}
		case strings.ContainsRune("=+-*/", r):
			out = append(out, token{kind: tokOp, text: string(r), pos: i})
			i++
		default:
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	out = append(out, token{kind: tokEOF, pos: len(rs)})
	return out, nil
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_' || r == '$'
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}
