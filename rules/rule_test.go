package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	// Initialize the evaluator
	evaluator := NewExprEvaluator()

	// Test cases
	tests := []struct {
		name       string
		expression string
		context    map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "amount > 1000",
			context:    map[string]interface{}{"amount": 2500.0},
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "amount < 1000",
			context:    map[string]interface{}{"amount": 2500},
			wantResult: false,
		},
		{
			name:       "Equality on strings",
			expression: "department == 'finance'",
			context:    map[string]interface{}{"department": "finance"},
			wantResult: true,
		},
		{
			name:       "Connectives",
			expression: "amount > 100 and (priority == 'high' or vip == true)",
			context:    map[string]interface{}{"amount": 150, "priority": "low", "vip": true},
			wantResult: true,
		},
		{
			name:       "Missing variable compares as nil",
			expression: "approved_by == nil",
			context:    map[string]interface{}{},
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "amount + 5",
			context:    map[string]interface{}{"amount": 25},
			wantErr:    true,
		},
		{
			name:       "Invalid expression",
			expression: "amount >>> 18", // Invalid syntax
			context:    map[string]interface{}{"amount": 25},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
		{
			name:       "Builtins are disabled",
			expression: "len(name) > 3",
			context:    map[string]interface{}{"name": "alpha"},
			wantErr:    true,
		},
		{
			name:       "Empty expression",
			expression: "   ",
			wantErr:    true,
			errMsg:     ErrEmptyExpression.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.context)
			if tt.wantErr {
				assert.Error(t, err, "Evaluate() should return an error")
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg, "Error message should match")
				}
				assert.False(t, result, "Evaluate() result should be false on error")
			} else {
				assert.NoError(t, err, "Evaluate() should not return an error")
				assert.Equal(t, tt.wantResult, result, "Evaluate() result should match")
			}
		})
	}

	t.Run("Caching works", func(t *testing.T) {
		expr := "score > 10"
		context := map[string]interface{}{"score": 15}

		result1, err1 := evaluator.Evaluate(expr, context)
		assert.NoError(t, err1)
		assert.True(t, result1)

		result2, err2 := evaluator.Evaluate(expr, context)
		assert.NoError(t, err2)
		assert.True(t, result2)

		// Same program, different variable types.
		result3, err3 := evaluator.Evaluate(expr, map[string]interface{}{"score": 3.5})
		assert.NoError(t, err3)
		assert.False(t, result3)
	})

	t.Run("Context is not modified", func(t *testing.T) {
		context := map[string]interface{}{"score": 15}
		_, err := evaluator.Evaluate("score > 10", context)
		assert.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"score": 15}, context)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100
		expr := "value > 0"
		context := map[string]interface{}{"value": 42}

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate(expr, context)
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})
}

// BenchmarkEvaluate benchmarks the performance of Evaluate with caching.
func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	expression := "x > 5"
	context := map[string]interface{}{"x": 10}

	// Reset timer to exclude setup time
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate(expression, context)
	}
}
