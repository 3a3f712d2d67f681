package quest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrExpression is returned for anything the script expression grammar does
// not accept, including runtime errors such as division by zero.
var ErrExpression = errors.New("invalid expression")

// maxExprDepth bounds nesting so hostile input cannot exhaust the stack.
const maxExprDepth = 64

// Value is an expression result: an integer or a string.
type Value struct {
	Str   string
	Int   int
	IsStr bool
}

func intValue(n int) Value    { return Value{Int: n} }
func strValue(s string) Value { return Value{Str: s, IsStr: true} }

// String renders the value the way it is stored in a script variable.
func (v Value) String() string {
	if v.IsStr {
		return v.Str
	}
	return strconv.Itoa(v.Int)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokInt
	tokStr
	tokIdent
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

func exprErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrExpression, fmt.Sprintf(format, args...))
}

func tokenize(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		r, size := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(r):
			i += size
		case r >= '0' && r <= '9':
			j := i
			for j < len(src) && src[j] >= '0' && src[j] <= '9' {
				j++
			}
			toks = append(toks, token{tokInt, src[i:j], i})
			i = j
		case r == '"' || r == '\'':
			end := strings.IndexByte(src[i+1:], byte(r))
			if end < 0 {
				return nil, exprErr("unterminated string at %d", i)
			}
			toks = append(toks, token{tokStr, src[i+1 : i+1+end], i})
			i += end + 2
		case r == '_' || unicode.IsLetter(r):
			j := i
			for j < len(src) {
				rr, sz := utf8.DecodeRuneInString(src[j:])
				if rr != '_' && !unicode.IsLetter(rr) && !unicode.IsDigit(rr) {
					break
				}
				j += sz
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		case strings.HasPrefix(src[i:], "//"):
			toks = append(toks, token{tokOp, "//", i})
			i += 2
		case strings.ContainsRune("+-*%", r):
			toks = append(toks, token{tokOp, string(r), i})
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		default:
			return nil, exprErr("unexpected %q at %d", r, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

// Eval evaluates a script expression. The grammar is:
//
//	expr   := term (('+' | '-') term)*
//	term   := unary (('*' | '//' | '%') unary)*
//	unary  := '-' unary | atom
//	atom   := INT | STRING | NAME | NAME '(' expr ')' | '(' expr ')'
//
// Names resolve through vars; a value that parses as an integer is one.
// The callable names are int, str, len and abs.
func Eval(src string, vars map[string]string) (Value, error) {
	toks, err := tokenize(src)
	if err != nil {
		return Value{}, err
	}
	p := &parser{toks: toks, vars: vars}
	v, err := p.expr(0)
	if err != nil {
		return Value{}, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return Value{}, exprErr("unexpected %q at %d", t.text, t.pos)
	}
	return v, nil
}

type parser struct {
	toks []token
	i    int
	vars map[string]string
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) error {
	if t := p.next(); t.kind != kind {
		return exprErr("expected %s at %d", what, t.pos)
	}
	return nil
}

func (p *parser) expr(depth int) (Value, error) {
	if depth > maxExprDepth {
		return Value{}, exprErr("nesting too deep")
	}
	left, err := p.term(depth)
	if err != nil {
		return Value{}, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.term(depth)
		if err != nil {
			return Value{}, err
		}
		if left, err = binary(t.text, left, right); err != nil {
			return Value{}, err
		}
	}
}

func (p *parser) term(depth int) (Value, error) {
	left, err := p.unary(depth)
	if err != nil {
		return Value{}, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "//" && t.text != "%") {
			return left, nil
		}
		p.next()
		right, err := p.unary(depth)
		if err != nil {
			return Value{}, err
		}
		if left, err = binary(t.text, left, right); err != nil {
			return Value{}, err
		}
	}
}

func (p *parser) unary(depth int) (Value, error) {
	if depth > maxExprDepth {
		return Value{}, exprErr("nesting too deep")
	}
	if t := p.peek(); t.kind == tokOp && t.text == "-" {
		p.next()
		v, err := p.unary(depth + 1)
		if err != nil {
			return Value{}, err
		}
		if v.IsStr {
			return Value{}, exprErr("cannot negate a string")
		}
		return intValue(-v.Int), nil
	}
	return p.atom(depth)
}

func (p *parser) atom(depth int) (Value, error) {
	t := p.next()
	switch t.kind {
	case tokInt:
		n, err := strconv.Atoi(t.text)
		if err != nil {
			return Value{}, exprErr("integer %s out of range", t.text)
		}
		return intValue(n), nil
	case tokStr:
		return strValue(t.text), nil
	case tokLParen:
		v, err := p.expr(depth + 1)
		if err != nil {
			return Value{}, err
		}
		return v, p.expect(tokRParen, "')'")
	case tokIdent:
		if p.peek().kind == tokLParen {
			p.next()
			arg, err := p.expr(depth + 1)
			if err != nil {
				return Value{}, err
			}
			if err := p.expect(tokRParen, "')'"); err != nil {
				return Value{}, err
			}
			return call(t.text, arg)
		}
		raw, ok := p.vars[t.text]
		if !ok {
			return Value{}, exprErr("undefined variable %q", t.text)
		}
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			return intValue(n), nil
		}
		return strValue(raw), nil
	}
	if t.kind == tokEOF {
		return Value{}, exprErr("unexpected end of expression")
	}
	return Value{}, exprErr("unexpected %q at %d", t.text, t.pos)
}

func call(name string, arg Value) (Value, error) {
	switch name {
	case "int":
		if !arg.IsStr {
			return arg, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(arg.Str))
		if err != nil {
			return Value{}, exprErr("int(%q)", arg.Str)
		}
		return intValue(n), nil
	case "str":
		return strValue(arg.String()), nil
	case "len":
		if !arg.IsStr {
			return Value{}, exprErr("len() of an integer")
		}
		return intValue(utf8.RuneCountInString(arg.Str)), nil
	case "abs":
		if arg.IsStr {
			return Value{}, exprErr("abs() of a string")
		}
		if arg.Int < 0 {
			return intValue(-arg.Int), nil
		}
		return arg, nil
	}
	return Value{}, exprErr("unknown function %q", name)
}

func binary(op string, a, b Value) (Value, error) {
	if a.IsStr || b.IsStr {
		if op == "+" && a.IsStr && b.IsStr {
			return strValue(a.Str + b.Str), nil
		}
		return Value{}, exprErr("unsupported operand types for %s", op)
	}
	x, y := a.Int, b.Int
	switch op {
	case "+":
		return intValue(x + y), nil
	case "-":
		return intValue(x - y), nil
	case "*":
		return intValue(x * y), nil
	case "//", "%":
		if y == 0 {
			return Value{}, exprErr("division by zero")
		}
		q, r := x/y, x%y
		// Floor semantics: the remainder takes the divisor's sign.
		if r != 0 && (r < 0) != (y < 0) {
			q--
			r += y
		}
		if op == "//" {
			return intValue(q), nil
		}
		return intValue(r), nil
	}
	return Value{}, exprErr("unknown operator %q", op)
}
