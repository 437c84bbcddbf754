package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/songzhibin97/taskflow/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// stepResult says what happened after an automatic node ran.
type stepResult int

const (
	stepAdvanced stepResult = iota
	stepWaiting
	stepSuspended
)

// newRetryBackOff returns the waits between attempts for a policy. With
// exponential backoff the wait after k failures is delay*multiplier^(k-1).
func newRetryBackOff(policy types.RetryPolicy, clk backoff.Clock) backoff.BackOff {
	if policy.Backoff != types.BackoffExponential {
		delay := policy.Delay
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		return backoff.NewConstantBackOff(delay)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     policy.Delay,
		RandomizationFactor: 0,
		Multiplier:          policy.Multiplier,
		MaxInterval:         policy.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clk,
	}
	b.Reset()
	return b
}

// executeAutomatic runs an automatic node under its retry policy. On success
// it returns the next node ("" when terminal). When attempts are exhausted the
// task is routed to on_error_next_node or suspended.
func (e *Engine) executeAutomatic(ctx context.Context, tx *txn, node types.Node) (string, stepResult, error) {
	state := tx.state()
	policy := node.Config.RetryPolicy()
	waits := newRetryBackOff(policy, e.clock)

	var lastErr error
	for attempt := 1; ; attempt++ {
		outcome, next, err := e.attempt(ctx, tx, node, attempt)
		if err == nil {
			for k, v := range outcome.Variables {
				tx.task.Metadata[k] = v
			}
			delete(state.RetryState, node.ID)
			tx.record(ActionNodeSuccess, map[string]interface{}{
				"node_id":   node.ID,
				"node_type": node.Type,
				"attempt":   attempt,
			})
			if outcome.Kind == OutcomeAwaitExternal {
				return "", stepWaiting, nil
			}

			now := e.now()
			state.StepHistory = append(state.StepHistory, types.StepRecord{
				StepID:      node.ID,
				StepName:    stepName(node),
				Status:      StepCompleted,
				StartedAt:   now,
				CompletedAt: &now,
				ActorID:     tx.actor.ID,
				Data:        outcome.Variables,
				Attempt:     attempt,
			})
			markCompleted(state, node.ID)
			return next, stepAdvanced, nil
		}
		if ctx.Err() != nil {
			return "", stepWaiting, ctx.Err()
		}

		lastErr = err
		now := e.now()
		state.StepHistory = append(state.StepHistory, types.StepRecord{
			StepID:    node.ID,
			StepName:  stepName(node),
			Status:    StepStarted,
			StartedAt: now,
			ActorID:   tx.actor.ID,
			Attempt:   attempt,
			Error:     err.Error(),
		})
		retry := types.RetryState{Attempts: attempt, LastError: err.Error()}
		tx.record(ActionNodeError, map[string]interface{}{
			"node_id":   node.ID,
			"node_type": node.Type,
			"attempt":   attempt,
			"error":     err.Error(),
		})
		e.logger.WarnContext(ctx, "node execution failed",
			slog.String("task_id", tx.task.ID),
			slog.String("node_id", node.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.Any("error", err))

		if attempt >= policy.MaxAttempts {
			setRetryState(state, node.ID, retry)
			break
		}

		wait := waits.NextBackOff()
		if wait == backoff.Stop {
			setRetryState(state, node.ID, retry)
			break
		}
		nextAt := now.Add(wait)
		retry.NextRetryAt = &nextAt
		setRetryState(state, node.ID, retry)

		if err := e.sleep(ctx, wait); err != nil {
			return "", stepWaiting, err
		}
	}

	if target := node.Config.String("on_error_next_node"); target != "" {
		state.StepHistory = append(state.StepHistory, types.StepRecord{
			StepID:    node.ID,
			StepName:  stepName(node),
			Status:    StepStarted,
			StartedAt: e.now(),
			ActorID:   tx.actor.ID,
			Error:     lastErr.Error(),
			RoutedTo:  target,
		})
		delete(state.RetryState, node.ID)
		tx.record(ActionNodeErrorRoute, map[string]interface{}{
			"from_node": node.ID,
			"to_node":   target,
			"error":     lastErr.Error(),
		})
		return target, stepAdvanced, nil
	}

	e.suspend(tx, node, lastErr)
	return "", stepSuspended, nil
}

// attempt runs the node once, bounded by timeout_seconds, and resolves the
// edge to follow.
func (e *Engine) attempt(ctx context.Context, tx *txn, node types.Node, attempt int) (outcome Outcome, next string, err error) {
	executor, ok := e.executors[node.Type]
	if !ok {
		return Outcome{}, "", fmt.Errorf("%w: %q", ErrUnknownNodeType, node.Type)
	}

	actx := ctx
	timeout := node.Config.Timeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	actx, span := e.tracer.Start(actx, "workflow.ExecuteNode", trace.WithAttributes(
		attribute.String("task_id", tx.task.ID),
		attribute.String("node_id", node.ID),
		attribute.String("node_type", node.Type),
		attribute.Int("attempt", attempt),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	snapshot := tx.task.Clone()
	outcome, err = executor.Execute(actx, node, ExecutionContext{
		Task:     snapshot,
		Workflow: tx.wf,
		Metadata: snapshot.Metadata,
	})
	if err == nil && outcome.Kind != OutcomeAwaitExternal {
		next, err = resolveNext(tx.wf, node, outcome)
	}

	if err != nil && timeout > 0 && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		var transient *TransientExecutionError
		if !errors.As(err, &transient) {
			err = &TransientExecutionError{NodeID: node.ID, Err: fmt.Errorf("timed out after %s: %w", timeout, err)}
		}
	}
	return outcome, next, err
}

// suspend parks the task at node until an operator intervenes.
func (e *Engine) suspend(tx *txn, node types.Node, cause error) {
	state := tx.state()
	state.StepHistory = append(state.StepHistory, types.StepRecord{
		StepID:    node.ID,
		StepName:  stepName(node),
		Status:    StepStarted,
		StartedAt: e.now(),
		ActorID:   tx.actor.ID,
		Error:     cause.Error(),
		Suspended: true,
	})
	if retry, ok := state.RetryState[node.ID]; ok {
		retry.NextRetryAt = nil
		state.RetryState[node.ID] = retry
	}
	state.Status = StateSuspended
	state.LastError = cause.Error()
	tx.task.Status = TaskStatusOnHold
	tx.record(ActionWorkflowSuspended, map[string]interface{}{
		"node_id":  node.ID,
		"reason":   cause.Error(),
		"attempts": state.RetryState[node.ID].Attempts,
	})
	tx.emit(EventSuspended, map[string]interface{}{
		"current_step": node.ID,
		"error":        cause.Error(),
	})
}

// resolveNext picks the edge to follow out of node for an outcome. An empty
// result means the node is terminal.
func resolveNext(wf types.Workflow, node types.Node, outcome Outcome) (string, error) {
	edges := wf.OutgoingEdges(node.ID)

	if outcome.Kind == OutcomeBranch {
		if edge, ok := edgeWithLabel(edges, outcome.EdgeLabel); ok {
			return edge.TargetNodeID, nil
		}
		if edge, ok := defaultEdge(edges); ok {
			return edge.TargetNodeID, nil
		}
		return "", &NoMatchingBranchError{NodeID: node.ID, Label: outcome.EdgeLabel}
	}

	if len(edges) == 0 {
		return "", nil
	}
	if outcome.EdgeLabel != "" {
		if edge, ok := edgeWithLabel(edges, outcome.EdgeLabel); ok {
			return edge.TargetNodeID, nil
		}
	}
	if edge, ok := defaultEdge(edges); ok {
		return edge.TargetNodeID, nil
	}
	return edges[0].TargetNodeID, nil
}

func edgeWithLabel(edges []types.Edge, labels ...string) (types.Edge, bool) {
	for _, edge := range edges {
		for _, label := range labels {
			if label != "" && strings.EqualFold(edge.Label, label) {
				return edge, true
			}
		}
	}
	return types.Edge{}, false
}

func defaultEdge(edges []types.Edge) (types.Edge, bool) {
	for _, edge := range edges {
		if edge.Label == "" || strings.EqualFold(edge.Label, "default") {
			return edge, true
		}
	}
	return types.Edge{}, false
}

func setRetryState(state *types.WorkflowState, nodeID string, retry types.RetryState) {
	if state.RetryState == nil {
		state.RetryState = make(map[string]types.RetryState)
	}
	state.RetryState[nodeID] = retry
}

func markCompleted(state *types.WorkflowState, stepID string) {
	for _, id := range state.CompletedSteps {
		if id == stepID {
			return
		}
	}
	state.CompletedSteps = append(state.CompletedSteps, stepID)
}

func stepName(node types.Node) string {
	if node.Label != "" {
		return node.Label
	}
	return node.ID
}
