package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/songzhibin97/taskflow/rules"
	"github.com/songzhibin97/taskflow/types"
)

const (
	defaultAIOutputVariable = "ai_response"
	maxResponseBody         = 1000
)

// taskExecutor waits for a person to progress the step.
type taskExecutor struct{}

func (taskExecutor) Execute(ctx context.Context, node types.Node, ec ExecutionContext) (Outcome, error) {
	return AwaitExternal(), nil
}

// approvalExecutor names who has to approve the step.
type approvalExecutor struct{}

func (approvalExecutor) Execute(ctx context.Context, node types.Node, ec ExecutionContext) (Outcome, error) {
	outcome := AwaitExternal()
	outcome.Approvals = approvers(node, ec.Task)
	return outcome, nil
}

// approvers resolves the assignees of an approval node, most specific first.
func approvers(node types.Node, task types.Task) []string {
	if list := node.Config.Strings("approvers"); len(list) > 0 {
		return list
	}
	for _, candidate := range []string{
		node.Config.String("approver_role"),
		node.Config.String("assignee"),
		task.AssigneeID,
		task.AssigneeGroup,
	} {
		if candidate != "" {
			return []string{candidate}
		}
	}
	return nil
}

// conditionExecutor evaluates config.expression against the task metadata.
type conditionExecutor struct {
	evaluator rules.Evaluator
}

func (c conditionExecutor) Execute(ctx context.Context, node types.Node, ec ExecutionContext) (Outcome, error) {
	expression := node.Config.String("expression")
	result, err := c.evaluator.Evaluate(expression, ec.Metadata)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to evaluate condition %q: %w", expression, err)
	}
	if result {
		return Branch("true"), nil
	}
	return Branch("false"), nil
}

// aiWorkerExecutor renders the prompts and stores the generated text.
type aiWorkerExecutor struct {
	generator Generator
}

func (a aiWorkerExecutor) Execute(ctx context.Context, node types.Node, ec ExecutionContext) (Outcome, error) {
	if a.generator == nil {
		return Outcome{}, ErrNoGenerator
	}
	system := renderTemplate(node.Config.String("system_prompt"), ec.Metadata)
	user := renderTemplate(node.Config.String("user_prompt_template"), ec.Metadata)

	text, err := a.generator.Generate(ctx, system, user)
	if err != nil {
		return Outcome{}, &TransientExecutionError{NodeID: node.ID, Err: err}
	}

	output := node.Config.String("output_variable")
	if output == "" {
		output = defaultAIOutputVariable
	}
	return Advance(map[string]interface{}{output: text}), nil
}

// webhookExecutor calls an external endpoint; any non-2xx answer is a failure.
type webhookExecutor struct {
	sender Sender
}

func (w webhookExecutor) Execute(ctx context.Context, node types.Node, ec ExecutionContext) (Outcome, error) {
	if w.sender == nil {
		return Outcome{}, ErrNoSender
	}

	url := node.Config.String("url_template")
	if url == "" {
		url = node.Config.String("url")
	}
	url = renderTemplate(url, ec.Metadata)
	if url == "" {
		return Outcome{}, fmt.Errorf("node %q: webhook url is empty", node.ID)
	}

	payload, err := renderPayload(node.Config["payload_template"], ec.Metadata)
	if err != nil {
		return Outcome{}, err
	}

	method := strings.ToUpper(node.Config.String("method"))
	if method == "" {
		method = "POST"
	}

	var headers map[string]string
	if raw := node.Config.Map("headers"); len(raw) > 0 {
		headers = make(map[string]string, len(raw))
		for k, v := range raw {
			headers[k] = renderTemplate(formatValue(v), ec.Metadata)
		}
	}

	resp, err := w.sender.Send(ctx, Request{Method: method, URL: url, Headers: headers, Payload: payload})
	if err != nil {
		return Outcome{}, &TransientExecutionError{NodeID: node.ID, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Outcome{}, &TransientExecutionError{
			NodeID: node.ID,
			Err:    fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, truncate(resp.Body, maxResponseBody)),
		}
	}

	var vars map[string]interface{}
	if output := node.Config.String("output_variable"); output != "" {
		vars = map[string]interface{}{output: map[string]interface{}{
			"status_code": resp.StatusCode,
			"body":        truncate(resp.Body, maxResponseBody),
		}}
	}
	return Advance(vars), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// defaultExecutors builds the executor map for the built-in node types.
func defaultExecutors(evaluator rules.Evaluator, generator Generator, sender Sender) map[string]NodeExecutor {
	return map[string]NodeExecutor{
		NodeTypeTask:          taskExecutor{},
		NodeTypeApproval:      approvalExecutor{},
		NodeTypeCondition:     conditionExecutor{evaluator: evaluator},
		NodeTypeAIWorker:      aiWorkerExecutor{generator: generator},
		NodeTypeWebhookAction: webhookExecutor{sender: sender},
	}
}
