// Package expr implements the boolean validation-expression evaluator used
// to gate candidate events. Expressions are a small predicate language over
// a fixed property namespace:
//
//	is_user_answered == True && rating_score >= 1
//	rating == "good" || !has_error
//
// The evaluator parses into a tagged-variant AST once per schema and
// evaluates without any dynamic code execution, so it is sandboxable and
// testable in isolation. Python-style True/False literals are accepted
// because the published schema payloads use them.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/memkb/memkb/pkg/types"
)

// Expr is a parsed validation expression.
type Expr struct {
	root node
	src  string
}

// String returns the original expression source.
func (e *Expr) String() string { return e.src }

// Parse compiles the expression source into an AST. An empty source is an
// error; callers treat an absent ValidationExpression as "always pass"
// without calling Parse.
func Parse(src string) (*Expr, error) {
	p := &parser{toks: nil, pos: 0}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	p.toks = toks
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected token %q at end of expression", p.toks[p.pos].text)
	}
	return &Expr{root: root, src: src}, nil
}

// Eval evaluates the expression against the bound property values. It
// returns an error when the result is not boolean, a referenced property is
// unbound, or a comparison mixes incompatible types. Evaluation is pure.
func (e *Expr) Eval(props types.Properties) (bool, error) {
	v, err := e.root.eval(props)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q is not boolean", e.src)
	}
	return b, nil
}

// --- AST ---

type node interface {
	eval(props types.Properties) (interface{}, error)
}

type litNode struct{ val interface{} } // bool, float64, or string

func (n litNode) eval(types.Properties) (interface{}, error) { return n.val, nil }

type identNode struct{ name string }

func (n identNode) eval(props types.Properties) (interface{}, error) {
	v, ok := props[n.name]
	if !ok {
		return nil, fmt.Errorf("unbound property %q", n.name)
	}
	return v, nil
}

type notNode struct{ operand node }

func (n notNode) eval(props types.Properties) (interface{}, error) {
	v, err := n.operand.eval(props)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("operand of ! is not boolean")
	}
	return !b, nil
}

type boolNode struct {
	op       string // "&&" or "||"
	lhs, rhs node
}

func (n boolNode) eval(props types.Properties) (interface{}, error) {
	lv, err := n.lhs.eval(props)
	if err != nil {
		return nil, err
	}
	lb, ok := lv.(bool)
	if !ok {
		return nil, fmt.Errorf("left operand of %s is not boolean", n.op)
	}
	// Short-circuit.
	if n.op == "&&" && !lb {
		return false, nil
	}
	if n.op == "||" && lb {
		return true, nil
	}
	rv, err := n.rhs.eval(props)
	if err != nil {
		return nil, err
	}
	rb, ok := rv.(bool)
	if !ok {
		return nil, fmt.Errorf("right operand of %s is not boolean", n.op)
	}
	return rb, nil
}

type cmpNode struct {
	op       string
	lhs, rhs node
}

func (n cmpNode) eval(props types.Properties) (interface{}, error) {
	lv, err := n.lhs.eval(props)
	if err != nil {
		return nil, err
	}
	rv, err := n.rhs.eval(props)
	if err != nil {
		return nil, err
	}
	return compare(n.op, lv, rv)
}

func compare(op string, lv, rv interface{}) (bool, error) {
	// Numeric comparison covers int64/float32/float64 property values and
	// numeric literals.
	if ln, lok := types.NumericValue(lv); lok {
		rn, rok := types.NumericValue(rv)
		if !rok {
			return false, fmt.Errorf("cannot compare number with %T", rv)
		}
		switch op {
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}

	switch l := lv.(type) {
	case string:
		r, ok := rv.(string)
		if !ok {
			return false, fmt.Errorf("cannot compare string with %T", rv)
		}
		switch op {
		case "==":
			return l == r, nil
		case "!=":
			return l != r, nil
		case "<":
			return l < r, nil
		case "<=":
			return l <= r, nil
		case ">":
			return l > r, nil
		case ">=":
			return l >= r, nil
		}
	case bool:
		r, ok := rv.(bool)
		if !ok {
			return false, fmt.Errorf("cannot compare bool with %T", rv)
		}
		switch op {
		case "==":
			return l == r, nil
		case "!=":
			return l != r, nil
		}
		return false, fmt.Errorf("bool does not support %s", op)
	}
	return false, fmt.Errorf("unsupported comparison %T %s %T", lv, op, rv)
}

// --- tokenizer ---

type token struct {
	kind string // "ident", "number", "string", "op", "lparen", "rparen"
	text string
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{"lparen", "("})
			i++
		case c == ')':
			toks = append(toks, token{"rparen", ")"})
			i++
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string literal at offset %d", i)
			}
			toks = append(toks, token{"string", src[i+1 : j]})
			i = j + 1
		case strings.ContainsRune("=!<>&|", rune(c)):
			j := i + 1
			for j < len(src) && strings.ContainsRune("=!<>&|", rune(src[j])) {
				j++
			}
			op := src[i:j]
			switch op {
			case "==", "!=", "<", "<=", ">", ">=", "&&", "||", "!":
				toks = append(toks, token{"op", op})
			default:
				return nil, fmt.Errorf("unknown operator %q at offset %d", op, i)
			}
			i = j
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i + 1
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{"number", src[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i + 1
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			toks = append(toks, token{"ident", src[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return toks, nil
}

// --- parser (precedence: || < && < ! < comparison < primary) ---

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() *token {
	if p.pos >= len(p.toks) {
		return nil
	}
	return &p.toks[p.pos]
}

func (p *parser) accept(kind, text string) bool {
	t := p.peek()
	if t == nil || t.kind != kind || (text != "" && t.text != text) {
		return false
	}
	p.pos++
	return true
}

func (p *parser) parseOr() (node, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("op", "||") {
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = boolNode{op: "||", lhs: lhs, rhs: rhs}
	}
	return lhs, nil
}

func (p *parser) parseAnd() (node, error) {
	lhs, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept("op", "&&") {
		rhs, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		lhs = boolNode{op: "&&", lhs: lhs, rhs: rhs}
	}
	return lhs, nil
}

func (p *parser) parseNot() (node, error) {
	if p.accept("op", "!") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	lhs, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t != nil && t.kind == "op" {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.pos++
			rhs, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return cmpNode{op: t.text, lhs: lhs, rhs: rhs}, nil
		}
	}
	return lhs, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch t.kind {
	case "lparen":
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept("rparen", "") {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return inner, nil
	case "number":
		p.pos++
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return litNode{val: f}, nil
	case "string":
		p.pos++
		return litNode{val: t.text}, nil
	case "ident":
		p.pos++
		switch t.text {
		case "True", "true":
			return litNode{val: true}, nil
		case "False", "false":
			return litNode{val: false}, nil
		}
		return identNode{name: t.text}, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}
