package workflow

import (
	"context"

	"github.com/songzhibin97/taskflow/types"
)

// Node types
const (
	NodeTypeTask          = "task"
	NodeTypeApproval      = "approval"
	NodeTypeCondition     = "condition"
	NodeTypeAIWorker      = "ai_worker"
	NodeTypeWebhookAction = "webhook_action"
)

// Outcome kinds
const (
	OutcomeAdvance       = "advance"
	OutcomeAwaitExternal = "await_external"
	OutcomeBranch        = "branch"
)

// ExecutionContext is what an executor sees of the task. Task and Metadata
// are copies; changes to them are discarded.
type ExecutionContext struct {
	Task     types.Task
	Workflow types.Workflow
	Metadata map[string]interface{}
}

// Outcome is the result of executing a node. The engine applies Variables to
// the task metadata and registers Approvals as pending approvals.
type Outcome struct {
	Kind      string
	EdgeLabel string
	Variables map[string]interface{}
	Approvals []string
}

// Advance moves on along the node's default edge.
func Advance(vars map[string]interface{}) Outcome {
	return Outcome{Kind: OutcomeAdvance, Variables: vars}
}

// AwaitExternal keeps the task at the node until a caller acts.
func AwaitExternal() Outcome {
	return Outcome{Kind: OutcomeAwaitExternal}
}

// Branch follows the edge carrying label.
func Branch(label string) Outcome {
	return Outcome{Kind: OutcomeBranch, EdgeLabel: label}
}

// NodeExecutor executes one type of node. Failures are returned as errors.
type NodeExecutor interface {
	Execute(ctx context.Context, node types.Node, ec ExecutionContext) (Outcome, error)
}

// NodeExecutorFunc is a function adapter for NodeExecutor.
type NodeExecutorFunc func(ctx context.Context, node types.Node, ec ExecutionContext) (Outcome, error)

// Execute implements the NodeExecutor interface.
func (f NodeExecutorFunc) Execute(ctx context.Context, node types.Node, ec ExecutionContext) (Outcome, error) {
	return f(ctx, node, ec)
}

// Generator produces text for ai_worker nodes.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// GeneratorFunc is a function adapter for Generator.
type GeneratorFunc func(ctx context.Context, system, user string) (string, error)

// Generate implements the Generator interface.
func (f GeneratorFunc) Generate(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// Request is an outbound webhook call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Payload string
}

// Response is the answer to an outbound webhook call.
type Response struct {
	StatusCode int
	Body       string
}

// Sender delivers webhook_action requests.
type Sender interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// SenderFunc is a function adapter for Sender.
type SenderFunc func(ctx context.Context, req Request) (Response, error)

// Send implements the Sender interface.
func (f SenderFunc) Send(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// interactive reports whether a node waits on people rather than running by itself.
func interactive(nodeType string) bool {
	return nodeType == NodeTypeTask || nodeType == NodeTypeApproval
}
