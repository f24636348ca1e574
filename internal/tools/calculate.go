package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

const maxExpressionLen = 1000

type calculateInput struct {
	Expression string `json:"expression" jsonschema:"description=Arithmetic expression to evaluate"`
}

// Calculate evaluates arithmetic expressions: + - * / %, parentheses,
// unary minus, decimal numbers.
func Calculate() Descriptor {
	return Descriptor{
		Name:        "calculate",
		Description: "Evaluate an arithmetic expression. Supports + - * / %, parentheses, and decimal numbers.",
		InputSchema: SchemaFor(&calculateInput{}),
		Execute: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			var in calculateInput
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
			value, err := evalExpression(in.Expression)
			if err != nil {
				return nil, err
			}
			return TextResult(formatNumber(value)), nil
		},
	}
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// exprParser is a recursive-descent evaluator over a rune stream.
//
//	expr   = term (('+' | '-') term)*
//	term   = unary (('*' | '/' | '%') unary)*
//	unary  = '-' unary | primary
//	primary = number | '(' expr ')'
type exprParser struct {
	input []rune
	pos   int
}

func evalExpression(expression string) (float64, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return 0, fmt.Errorf("empty expression")
	}
	if len(trimmed) > maxExpressionLen {
		return 0, fmt.Errorf("expression longer than %d characters", maxExpressionLen)
	}

	p := &exprParser{input: []rune(trimmed)}
	value, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected %q at position %d", string(p.input[p.pos]), p.pos)
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return 0, fmt.Errorf("expression does not evaluate to a finite number")
	}
	return value, nil
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case '%':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	p.skipSpace()
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	p.skipSpace()
	switch {
	case p.peek() == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis at position %d", p.pos)
		}
		p.pos++
		return v, nil

	case unicode.IsDigit(p.peek()) || p.peek() == '.':
		start := p.pos
		for p.pos < len(p.input) && (unicode.IsDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
			p.pos++
		}
		text := string(p.input[start:p.pos])
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed number %q at position %d", text, start)
		}
		return v, nil

	default:
		if p.pos >= len(p.input) {
			return 0, fmt.Errorf("unexpected end of expression")
		}
		return 0, fmt.Errorf("unexpected %q at position %d", string(p.input[p.pos]), p.pos)
	}
}

func (p *exprParser) peek() rune {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(p.input[p.pos]) {
		p.pos++
	}
}
