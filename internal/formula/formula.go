// Package formula evaluates conversion value and commission expressions.
//
// Expressions are CEL with macros removed, so only arithmetic, comparisons,
// ternaries and field lookups are available. Three variables are declared:
//
//	value  double               the conversion value (0 when computing it)
//	data   map(string, dyn)     request data; numeric strings become doubles
//	click  map(string, string)  the attributed click
//
// CEL does not mix int and double operands: write 2.0, not 2.
package formula

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"
)

// DefaultCostLimit bounds the evaluation cost of one expression.
const DefaultCostLimit = 1000

// ErrNonNumeric is returned for expressions that cannot produce a number.
var ErrNonNumeric = errors.New("formula must evaluate to a number")

// Evaluator compiles and caches programs per expression.
type Evaluator struct {
	env       *cel.Env
	costLimit uint64
	programs  sync.Map // expression -> cel.Program
}

// New creates an Evaluator with the given cost limit. Zero uses DefaultCostLimit.
func New(costLimit uint64) (*Evaluator, error) {
	if costLimit == 0 {
		costLimit = DefaultCostLimit
	}

	env, err := cel.NewEnv(
		cel.ClearMacros(),
		cel.Variable("value", cel.DoubleType),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("click", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env, costLimit: costLimit}, nil
}

// Validate compiles expression and checks it can yield a number.
func (e *Evaluator) Validate(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate runs expression and returns its numeric result.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, value float64, data, click map[string]string) (float64, error) {
	prg, err := e.program(expression)
	if err != nil {
		return 0, err
	}

	if click == nil {
		click = map[string]string{}
	}
	vars := map[string]any{
		"value": value,
		"data":  coerce(data),
		"click": click,
	}

	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate formula: %w", err)
	}

	var result float64
	switch v := out.Value().(type) {
	case float64:
		result = v
	case int64:
		result = float64(v)
	case uint64:
		result = float64(v)
	default:
		return 0, fmt.Errorf("%w, got %T", ErrNonNumeric, v)
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, fmt.Errorf("%w, got %v", ErrNonNumeric, result)
	}
	return result, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	if cached, ok := e.programs.Load(expression); ok {
		return cached.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile formula: %w", issues.Err())
	}

	switch ast.OutputType() {
	case cel.DoubleType, cel.IntType, cel.UintType, cel.DynType:
	default:
		return nil, fmt.Errorf("%w, got %v", ErrNonNumeric, ast.OutputType())
	}

	prg, err := e.env.Program(ast, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.programs.Store(expression, prg)
	return prg, nil
}

// coerce turns numeric strings into doubles so they can take part in arithmetic.
func coerce(data map[string]string) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
			continue
		}
		out[k] = v
	}
	return out
}
