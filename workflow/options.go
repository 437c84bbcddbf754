package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/songzhibin97/taskflow/events"
	"github.com/songzhibin97/taskflow/rules"
	"go.opentelemetry.io/otel/trace"
)

// Defaults
const (
	DefaultMaxChainSteps    = 100
	DefaultConflictRetries  = 3
	DefaultConflictDelay    = 10 * time.Millisecond
	DefaultWorkflowCacheTTL = 5 * time.Minute
	DefaultAdminRole        = "admin"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracerProvider sets the tracer provider used for operation and node spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClock sets the clock used for timestamps and retry waits.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		if clk != nil {
			e.clock = clk
		}
	}
}

// WithSleep replaces how the engine waits between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithEvaluator sets the condition expression evaluator.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithGenerator sets the text generator used by ai_worker nodes.
func WithGenerator(g Generator) Option {
	return func(e *Engine) {
		e.generator = g
	}
}

// WithSender sets the sender used by webhook_action nodes.
func WithSender(s Sender) Option {
	return func(e *Engine) {
		e.sender = s
	}
}

// WithExecutor overrides or adds the executor for a node type.
func WithExecutor(nodeType string, executor NodeExecutor) Option {
	return func(e *Engine) {
		if nodeType != "" && executor != nil {
			e.custom[nodeType] = executor
		}
	}
}

// WithEventBus publishes engine events on an externally owned bus. The
// engine does not stop it.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
			e.ownsBus = false
		}
	}
}

// WithConflictRetries sets how often an operation is re-run after a
// concurrent modification, and the pause between runs.
func WithConflictRetries(retries int, delay time.Duration) Option {
	return func(e *Engine) {
		if retries >= 0 {
			e.conflictRetries = retries
		}
		if delay >= 0 {
			e.conflictDelay = delay
		}
	}
}

// WithAdminRoles sets the roles allowed to rewind, retry and reset.
func WithAdminRoles(roles ...string) Option {
	return func(e *Engine) {
		if len(roles) > 0 {
			e.adminRoles = roles
		}
	}
}

// WithOverrideRoles sets the roles that may act on any pending approval,
// including one nobody is assigned to. It defaults to the admin roles.
func WithOverrideRoles(roles ...string) Option {
	return func(e *Engine) {
		e.overrideRoles = roles
	}
}

// WithMaxChainSteps bounds how many automatic nodes one operation may run.
func WithMaxChainSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxChainSteps = n
		}
	}
}

// WithWorkflowCacheTTL sets how long workflow definitions stay cached.
func WithWorkflowCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.cacheTTL = ttl
		}
	}
}
