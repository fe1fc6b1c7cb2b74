// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/plugin"
)

// Builtin plugin IDs selectable through plugins.enabled.
const (
	PluginCalculator = "calculator"
	PluginEcho       = "echo"
)

// BuiltinPlugin returns one of the bundled demo sub-agents. They exist
// so a fresh install can exercise the full dispatch path without any
// external agent deployed.
func BuiltinPlugin(name string) (plugin.Plugin, error) {
	switch name {
	case PluginCalculator:
		return plugin.NewFunc(PluginCalculator, calculate,
			plugin.WithDescription("Evaluates arithmetic expressions such as '2+2' or '(3*4)-5'."),
			plugin.WithCapabilities("arithmetic", "math"),
			plugin.WithCritiqueInstructions("The output must be a single numeric value."),
		)
	case PluginEcho:
		return plugin.NewFunc(PluginEcho, echo,
			plugin.WithDescription("Returns the task input verbatim. Useful for wiring tests."),
		)
	default:
		return nil, kerrors.New(kerrors.CodeConfiguration, "unknown builtin plugin: "+name, nil)
	}
}

func echo(_ context.Context, req plugin.Request) (*plugin.Result, error) {
	out := req.Action
	if out == "" {
		out = req.Input
	}
	return &plugin.Result{Output: out}, nil
}

func calculate(_ context.Context, req plugin.Request) (*plugin.Result, error) {
	expr := extractExpression(req.Action)
	if expr == "" {
		expr = extractExpression(req.Input)
	}
	if expr == "" {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "no arithmetic expression found", nil)
	}
	value, err := evalExpression(expr)
	if err != nil {
		return nil, err
	}
	return &plugin.Result{
		Output: formatNumber(value),
		Data:   map[string]any{"expression": expr, "value": value},
	}, nil
}

// extractExpression pulls the longest run of arithmetic characters out
// of free text, so "what is 2+2?" yields "2+2".
func extractExpression(text string) string {
	isExpr := func(r rune) bool {
		return r >= '0' && r <= '9' || strings.ContainsRune("+-*/(). ", r)
	}
	best, start := "", -1
	for i, r := range text {
		if isExpr(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if cand := strings.TrimSpace(text[start:i]); len(cand) > len(best) {
				best = cand
			}
			start = -1
		}
	}
	if start >= 0 {
		if cand := strings.TrimSpace(text[start:]); len(cand) > len(best) {
			best = cand
		}
	}
	if !strings.ContainsAny(best, "0123456789") {
		return ""
	}
	return best
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// evalExpression evaluates +,-,*,/ with the usual precedence and
// parentheses. Recursive descent over a rune slice.
func evalExpression(expr string) (float64, error) {
	p := &exprParser{input: []rune(strings.ReplaceAll(expr, " ", ""))}
	value, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.input) {
		return 0, kerrors.New(kerrors.CodeInvalidInput,
			fmt.Sprintf("unexpected character %q in expression", p.input[p.pos]), nil)
	}
	return value, nil
}

type exprParser struct {
	input []rune
	pos   int
}

func (p *exprParser) parseSum() (float64, error) {
	left, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for p.pos < len(p.input) {
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			break
		}
		p.pos++
		right, err := p.parseProduct()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
	return left, nil
}

func (p *exprParser) parseProduct() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for p.pos < len(p.input) {
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			break
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			left *= right
		} else {
			if right == 0 {
				return 0, kerrors.New(kerrors.CodeInvalidInput, "division by zero", nil)
			}
			left /= right
		}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.pos < len(p.input) && p.input[p.pos] == '-' {
		p.pos++
		value, err := p.parseUnary()
		return -value, err
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (float64, error) {
	if p.pos >= len(p.input) {
		return 0, kerrors.New(kerrors.CodeInvalidInput, "unexpected end of expression", nil)
	}
	if p.input[p.pos] == '(' {
		p.pos++
		value, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, kerrors.New(kerrors.CodeInvalidInput, "missing closing parenthesis", nil)
		}
		p.pos++
		return value, nil
	}
	start := p.pos
	for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, kerrors.New(kerrors.CodeInvalidInput,
			fmt.Sprintf("expected a number at position %d", start), nil)
	}
	return strconv.ParseFloat(string(p.input[start:p.pos]), 64)
}
