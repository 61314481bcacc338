package maestro

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// EvalCondition evaluates a restricted boolean expression against a variable
// map. The language covers variable references with dotted paths, string and
// numeric literals, true/false/null, ==/!=/</<=/>/>=, &&/||/!, len(expr),
// membership via "in", and parentheses. There is no arbitrary code execution.
func EvalCondition(expr string, vars map[string]any) (bool, error) {
	v, err := EvalExpr(expr, vars)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// EvalExpr evaluates an expression and returns its value.
func EvalExpr(expr string, vars map[string]any) (any, error) {
	p := &exprParser{input: expr, vars: vars}
	p.next()
	v, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, E(CodeValidation, "expr %q: unexpected %q", expr, p.tok.text)
	}
	return v, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp // == != < <= > >= && || ! ( )
)

type token struct {
	kind tokKind
	text string
}

type exprParser struct {
	input string
	pos   int
	tok   token
	vars  map[string]any
}

func (p *exprParser) next() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
	if p.pos >= len(p.input) {
		p.tok = token{kind: tokEOF}
		return
	}
	c := p.input[p.pos]
	switch {
	case c == '\'' || c == '"':
		quote := c
		start := p.pos + 1
		end := start
		for end < len(p.input) && p.input[end] != quote {
			end++
		}
		p.tok = token{kind: tokString, text: p.input[start:end]}
		p.pos = end + 1

	case c >= '0' && c <= '9' || c == '-' && p.pos+1 < len(p.input) && p.input[p.pos+1] >= '0' && p.input[p.pos+1] <= '9':
		start := p.pos
		p.pos++
		for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
			p.pos++
		}
		p.tok = token{kind: tokNumber, text: p.input[start:p.pos]}

	case isIdentChar(rune(c)):
		start := p.pos
		for p.pos < len(p.input) && (isIdentChar(rune(p.input[p.pos])) || p.input[p.pos] == '.') {
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: p.input[start:p.pos]}

	default:
		for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "!", "(", ")"} {
			if strings.HasPrefix(p.input[p.pos:], op) {
				p.tok = token{kind: tokOp, text: op}
				p.pos += len(op)
				return
			}
		}
		p.tok = token{kind: tokOp, text: string(c)}
		p.pos++
	}
}

func isIdentChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func (p *exprParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseAnd() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "&&" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseUnary() (any, error) {
	if p.tok.kind == tokOp && p.tok.text == "!" {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (any, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp {
		switch op := p.tok.text; op {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			return compareValues(op, left, right)
		}
	}
	if p.tok.kind == tokIdent && p.tok.text == "in" {
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return contains(right, left)
	}
	return left, nil
}

func (p *exprParser) parseTerm() (any, error) {
	switch p.tok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, E(CodeValidation, "expr: bad number %q", p.tok.text)
		}
		p.next()
		return f, nil

	case tokString:
		s := p.tok.text
		p.next()
		return s, nil

	case tokIdent:
		name := p.tok.text
		p.next()
		switch name {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		case "len":
			if p.tok.kind != tokOp || p.tok.text != "(" {
				return nil, E(CodeValidation, "expr: len requires parentheses")
			}
			p.next()
			v, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokOp || p.tok.text != ")" {
				return nil, E(CodeValidation, "expr: unclosed len(")
			}
			p.next()
			return float64(lengthOf(v)), nil
		}
		v, _ := navigatePath(p.vars, name)
		return v, nil

	case tokOp:
		if p.tok.text == "(" {
			p.next()
			v, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokOp || p.tok.text != ")" {
				return nil, E(CodeValidation, "expr: unclosed parenthesis")
			}
			p.next()
			return v, nil
		}
	}
	return nil, E(CodeValidation, "expr: unexpected token %q", p.tok.text)
}

// truthy follows JSON-ish semantics: false, nil, 0, "" and empty
// slices/maps are false.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

// compareValues applies a comparison operator with numeric coercion where
// both sides are numbers, falling back to string comparison.
func compareValues(op string, left, right any) (bool, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, rs := stringify(left), stringify(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return false, E(CodeValidation, "expr: unknown operator %q", op)
}

// contains implements "x in y" for slices (membership) and strings
// (substring).
func contains(container, item any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, v := range c {
			if ok, _ := compareValues("==", v, item); ok {
				return true, nil
			}
		}
		return false, nil
	case string:
		return strings.Contains(c, stringify(item)), nil
	case map[string]any:
		_, ok := c[stringify(item)]
		return ok, nil
	case nil:
		return false, nil
	default:
		return false, E(CodeValidation, "expr: 'in' needs a list, string, or map, got %T", container)
	}
}

func lengthOf(v any) int {
	switch x := v.(type) {
	case string:
		return len([]rune(x))
	case []any:
		return len(x)
	case map[string]any:
		return len(x)
	case nil:
		return 0
	default:
		return len(stringify(x))
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// stringify renders a value the way ${x} interpolation does: strings pass
// through, integral floats drop the fraction, everything else uses fmt.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
