package tools

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
	"github.com/ZanzyTHEbar/breezeflow/internal/adapters"
)

// ExpressionFunctionRegistry holds the functions callable from calculator expressions.
type ExpressionFunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

var globalExprFuncRegistry = &ExpressionFunctionRegistry{functions: builtinFunctions()}

// RegisterExpressionFunction makes fn callable by name from calculator expressions.
func RegisterExpressionFunction(name string, fn govaluate.ExpressionFunction) {
	globalExprFuncRegistry.mu.Lock()
	defer globalExprFuncRegistry.mu.Unlock()
	globalExprFuncRegistry.functions[name] = fn
}

// getWhitelistedFunctions returns a snapshot of the registered functions.
func getWhitelistedFunctions() map[string]govaluate.ExpressionFunction {
	globalExprFuncRegistry.mu.RLock()
	defer globalExprFuncRegistry.mu.RUnlock()
	whitelist := make(map[string]govaluate.ExpressionFunction, len(globalExprFuncRegistry.functions))
	for k, v := range globalExprFuncRegistry.functions {
		whitelist[k] = v
	}
	return whitelist
}

// ValidateExpression checks that expr parses.
func ValidateExpression(expr string) error {
	_, err := govaluate.NewEvaluableExpressionWithFunctions(expr, getWhitelistedFunctions())
	return err
}

// Evaluate computes expr. Variables are not supported.
func Evaluate(expr string) (float64, error) {
	parsed, err := govaluate.NewEvaluableExpressionWithFunctions(expr, getWhitelistedFunctions())
	if err != nil {
		return 0, fmt.Errorf("failed to parse expression %q: %w", expr, err)
	}
	if vars := parsed.Vars(); len(vars) > 0 {
		return 0, fmt.Errorf("unknown identifiers in expression: %s", strings.Join(vars, ", "))
	}
	out, err := parsed.Evaluate(nil)
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate expression %q: %w", expr, err)
	}
	value, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("expression %q is not numeric (got %T)", expr, out)
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return 0, fmt.Errorf("expression %q has no finite result", expr)
	}
	return value, nil
}

func newCalculatorTool() *adapters.FuncTool {
	return adapters.NewFuncTool("calculator", performCalculation,
		adapters.WithDescription("Evaluates an arithmetic expression. Supports + - * / % ** and parentheses, plus sqrt, abs, pow, round, floor, ceil, min and max."),
		adapters.WithCategory("Math"),
		adapters.WithProperty("expression", "string", "Arithmetic expression, e.g. '(5+3)*9'", true),
		adapters.WithExamples([]string{`calculator {"expression":"5*9"}`, `calculator {"expression":"sqrt(2)*10"}`}),
		adapters.WithValidator(validateCalculationInput),
	)
}

func performCalculation(ctx context.Context, input map[string]any) (any, error) {
	expr := input["expression"].(string)
	value, err := Evaluate(expr)
	if err != nil {
		return nil, err
	}
	return map[string]any{"expression": expr, "result": value}, nil
}

// validateCalculationInput validates the input for the calculator tool.
func validateCalculationInput(input map[string]any) error {
	expr, ok := input["expression"]
	if !ok {
		return fmt.Errorf("missing expression (expected at key 'expression')")
	}

	exprStr, ok := expr.(string)
	if !ok {
		return fmt.Errorf("expression must be a string, got %T", expr)
	}

	if len(strings.TrimSpace(exprStr)) == 0 {
		return fmt.Errorf("expression cannot be empty")
	}

	if len(exprStr) > 200 {
		return fmt.Errorf("expression too long (max 200 characters)")
	}

	return nil
}

func builtinFunctions() map[string]govaluate.ExpressionFunction {
	unary := func(name string, fn func(float64) float64) govaluate.ExpressionFunction {
		return func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%s takes exactly one argument", name)
			}
			x, ok := args[0].(float64)
			if !ok {
				return nil, fmt.Errorf("%s: argument must be numeric", name)
			}
			return fn(x), nil
		}
	}
	binary := func(name string, fn func(float64, float64) float64) govaluate.ExpressionFunction {
		return func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("%s takes exactly two arguments", name)
			}
			x, ok1 := args[0].(float64)
			y, ok2 := args[1].(float64)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("%s: arguments must be numeric", name)
			}
			return fn(x, y), nil
		}
	}
	return map[string]govaluate.ExpressionFunction{
		"sqrt":  unary("sqrt", math.Sqrt),
		"abs":   unary("abs", math.Abs),
		"round": unary("round", math.Round),
		"floor": unary("floor", math.Floor),
		"ceil":  unary("ceil", math.Ceil),
		"pow":   binary("pow", math.Pow),
		"min":   binary("min", math.Min),
		"max":   binary("max", math.Max),
	}
}
