package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrEmptyExpression is returned when a condition has no expression.
var ErrEmptyExpression = errors.New("empty expression")

// Evaluator defines the interface for evaluating condition expressions.
type Evaluator interface {
	Evaluate(expression string, context map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
//
// Expressions are restricted to comparisons, arithmetic and the boolean
// connectives over the supplied variables: builtins are disabled and the
// result must be a boolean. Variables missing from the context evaluate to nil.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates the given expression against the provided context.
// The context is never modified. Returns false and an error if compilation
// or execution fails.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return false, ErrEmptyExpression
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, err
	}

	if context == nil {
		context = map[string]interface{}{}
	}
	result, err := expr.Run(program, context)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

func (e *ExprEvaluator) compile(expression string) (*vm.Program, error) {
	// Check cache with read lock
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	// Compile with write lock
	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}

	options := []expr.Option{
		expr.Env(map[string]interface{}{}),
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
		expr.AsBool(),
	}

	program, err := expr.Compile(expression, options...)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}
