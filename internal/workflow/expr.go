package workflow

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Expression sandbox limits. Conditions are tiny comparisons; anything
// larger is rejected outright.
const (
	maxExprLen  = 500
	maxExponent = 64
)

// exprBuiltins is the whitelist of callable functions. There is no
// attribute access and no import mechanism; identifiers resolve only to
// these names, true/false/null, or the environment.
var exprBuiltins = map[string]func(args []any) (any, error){
	"abs":   builtinAbs,
	"min":   builtinMinMax(true),
	"max":   builtinMinMax(false),
	"len":   builtinLen,
	"int":   builtinInt,
	"float": builtinFloat,
	"str":   builtinStr,
	"bool":  builtinBool,
}

// EvalCondition evaluates a conditional-node expression and coerces the
// outcome to a boolean.
func EvalCondition(expr string, env map[string]any) (bool, error) {
	value, err := Eval(expr, env)
	if err != nil {
		return false, err
	}
	return truthy(value), nil
}

// Eval evaluates a sandboxed expression. Supported: numeric and string
// literals, identifiers from env, arithmetic with a capped power operator,
// comparisons, and/or/not, and the builtin whitelist.
func Eval(expr string, env map[string]any) (any, error) {
	if len(expr) > maxExprLen {
		return nil, fmt.Errorf("expression exceeds %d characters", maxExprLen)
	}
	p := &exprParser{input: expr, env: env}
	value, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected input at offset %d: %q", p.pos, p.input[p.pos:])
	}
	return value, nil
}

type exprParser struct {
	input string
	pos   int
	env   map[string]any
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) peekWord() string {
	p.skipSpace()
	start := p.pos
	end := start
	for end < len(p.input) && (isIdentChar(p.input[end])) {
		end++
	}
	return p.input[start:end]
}

func (p *exprParser) consume(s string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], s) {
		p.pos += len(s)
		return true
	}
	return false
}

func (p *exprParser) consumeWord(word string) bool {
	if p.peekWord() == word {
		p.pos += len(word)
		return true
	}
	return false
}

func (p *exprParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.consumeWord("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.consumeWord("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseNot() (any, error) {
	if p.consumeWord("not") {
		value, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !truthy(value), nil
	}
	return p.parseComparison()
}

var comparisonOps = []string{"<=", ">=", "==", "!=", "<", ">"}

func (p *exprParser) parseComparison() (any, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	for _, op := range comparisonOps {
		if p.consume(op) {
			right, err := p.parseAdd()
			if err != nil {
				return nil, err
			}
			return compare(op, left, right)
		}
	}
	return left, nil
}

func (p *exprParser) parseAdd() (any, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		switch {
		case p.consume("+"):
			right, err := p.parseMul()
			if err != nil {
				return nil, err
			}
			if ls, lok := left.(string); lok {
				rs, rok := right.(string)
				if !rok {
					return nil, fmt.Errorf("cannot add string and non-string")
				}
				left = ls + rs
				continue
			}
			left, err = arith("+", left, right)
			if err != nil {
				return nil, err
			}
		case p.peekOp("-"):
			p.consume("-")
			right, err := p.parseMul()
			if err != nil {
				return nil, err
			}
			left, err = arith("-", left, right)
			if err != nil {
				return nil, err
			}
		default:
			return left, nil
		}
	}
}

func (p *exprParser) peekOp(op string) bool {
	p.skipSpace()
	return strings.HasPrefix(p.input[p.pos:], op)
}

func (p *exprParser) parseMul() (any, error) {
	left, err := p.parsePow()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		switch {
		case p.consume("*"):
			right, err := p.parsePow()
			if err != nil {
				return nil, err
			}
			if left, err = arith("*", left, right); err != nil {
				return nil, err
			}
		case p.consume("/"):
			right, err := p.parsePow()
			if err != nil {
				return nil, err
			}
			if left, err = arith("/", left, right); err != nil {
				return nil, err
			}
		case p.consume("%"):
			right, err := p.parsePow()
			if err != nil {
				return nil, err
			}
			if left, err = arith("%", left, right); err != nil {
				return nil, err
			}
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parsePow() (any, error) {
	base, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.consume("**") {
		exponent, err := p.parsePow()
		if err != nil {
			return nil, err
		}
		b, ok1 := toNumber(base)
		e, ok2 := toNumber(exponent)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("power requires numbers")
		}
		if math.Abs(e) > maxExponent {
			return nil, fmt.Errorf("exponent exceeds cap of %d", maxExponent)
		}
		return math.Pow(b, e), nil
	}
	return base, nil
}

func (p *exprParser) parseUnary() (any, error) {
	p.skipSpace()
	if p.consume("-") {
		value, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		n, ok := toNumber(value)
		if !ok {
			return nil, fmt.Errorf("unary minus requires a number")
		}
		return -n, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (any, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	c := p.input[p.pos]

	switch {
	case c == '(':
		p.pos++
		value, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.consume(")") {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return value, nil
	case c == '\'' || c == '"':
		return p.parseStringLiteral(c)
	case c >= '0' && c <= '9' || c == '.':
		return p.parseNumber()
	case isIdentChar(c):
		return p.parseIdent()
	default:
		return nil, fmt.Errorf("unexpected character %q at offset %d", c, p.pos)
	}
}

func (p *exprParser) parseStringLiteral(quote byte) (any, error) {
	end := p.pos + 1
	for end < len(p.input) && p.input[end] != quote {
		end++
	}
	if end >= len(p.input) {
		return nil, fmt.Errorf("unterminated string literal")
	}
	s := p.input[p.pos+1 : end]
	p.pos = end + 1
	return s, nil
}

func (p *exprParser) parseNumber() (any, error) {
	start := p.pos
	for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
		p.pos++
	}
	n, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("bad number %q", p.input[start:p.pos])
	}
	return n, nil
}

func (p *exprParser) parseIdent() (any, error) {
	start := p.pos
	for p.pos < len(p.input) && isIdentChar(p.input[p.pos]) {
		p.pos++
	}
	name := p.input[start:p.pos]

	switch name {
	case "true", "True":
		return true, nil
	case "false", "False":
		return false, nil
	case "null", "None":
		return nil, nil
	}

	if fn, ok := exprBuiltins[name]; ok {
		p.skipSpace()
		if !p.consume("(") {
			return nil, fmt.Errorf("builtin %s must be called", name)
		}
		args, err := p.parseArgs()
		if err != nil {
			return nil, err
		}
		return fn(args)
	}

	if p.env != nil {
		if value, ok := p.env[name]; ok {
			return normalize(value), nil
		}
	}
	return nil, fmt.Errorf("unknown identifier %q", name)
}

func (p *exprParser) parseArgs() ([]any, error) {
	var args []any
	p.skipSpace()
	if p.consume(")") {
		return args, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.consume(",") {
			continue
		}
		if p.consume(")") {
			return args, nil
		}
		return nil, fmt.Errorf("malformed argument list")
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// normalize coerces environment values onto the evaluator's numeric type.
func normalize(v any) any {
	switch typed := v.(type) {
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	case float32:
		return float64(typed)
	default:
		return v
	}
}

func toNumber(v any) (float64, bool) {
	switch typed := normalize(v).(type) {
	case float64:
		return typed, true
	case bool:
		if typed {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func truthy(v any) bool {
	switch typed := normalize(v).(type) {
	case nil:
		return false
	case bool:
		return typed
	case float64:
		return typed != 0
	case string:
		return typed != ""
	case []any:
		return len(typed) > 0
	case map[string]any:
		return len(typed) > 0
	default:
		return true
	}
}

func arith(op string, left, right any) (any, error) {
	l, ok1 := toNumber(left)
	r, ok2 := toNumber(right)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("operator %q requires numbers", op)
	}
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return l / r, nil
	case "%":
		if r == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		return math.Mod(l, r), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func compare(op string, left, right any) (any, error) {
	ln, lok := toNumber(left)
	rn, rok := toNumber(right)
	if lok && rok {
		switch op {
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		}
	}
	ls, lsok := left.(string)
	rs, rsok := right.(string)
	if lsok && rsok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		}
	}
	switch op {
	case "==":
		return left == right, nil
	case "!=":
		return left != right, nil
	}
	return nil, fmt.Errorf("cannot compare %T and %T with %q", left, right, op)
}

func builtinAbs(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("abs takes one argument")
	}
	n, ok := toNumber(args[0])
	if !ok {
		return nil, fmt.Errorf("abs requires a number")
	}
	return math.Abs(n), nil
}

func builtinMinMax(isMin bool) func(args []any) (any, error) {
	return func(args []any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("min/max require at least one argument")
		}
		best, ok := toNumber(args[0])
		if !ok {
			return nil, fmt.Errorf("min/max require numbers")
		}
		for _, arg := range args[1:] {
			n, ok := toNumber(arg)
			if !ok {
				return nil, fmt.Errorf("min/max require numbers")
			}
			if isMin && n < best || !isMin && n > best {
				best = n
			}
		}
		return best, nil
	}
}

func builtinLen(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len takes one argument")
	}
	switch typed := args[0].(type) {
	case string:
		return float64(len(typed)), nil
	case []any:
		return float64(len(typed)), nil
	case map[string]any:
		return float64(len(typed)), nil
	}
	return nil, fmt.Errorf("len requires a string, list, or map")
}

func builtinInt(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("int takes one argument")
	}
	if s, ok := args[0].(string); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("int: %q is not numeric", s)
		}
		return math.Trunc(n), nil
	}
	n, ok := toNumber(args[0])
	if !ok {
		return nil, fmt.Errorf("int requires a number or numeric string")
	}
	return math.Trunc(n), nil
}

func builtinFloat(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("float takes one argument")
	}
	if s, ok := args[0].(string); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("float: %q is not numeric", s)
		}
		return n, nil
	}
	n, ok := toNumber(args[0])
	if !ok {
		return nil, fmt.Errorf("float requires a number or numeric string")
	}
	return n, nil
}

func builtinStr(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("str takes one argument")
	}
	return stringify(args[0]), nil
}

func builtinBool(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("bool takes one argument")
	}
	return truthy(args[0]), nil
}
