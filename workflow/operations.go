package workflow

import (
	"context"
	"fmt"

	"github.com/songzhibin97/taskflow/types"
)

// ProgressIntent carries what a person submits when completing a step.
type ProgressIntent struct {
	Comment string                 `json:"comment,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Approval actions
const (
	ApprovalApprove = "approve"
	ApprovalReject  = "reject"
)

// StartWorkflow attaches a fresh workflow state to the task and runs it
// until a step needs a person, the graph ends or the task is suspended.
func (e *Engine) StartWorkflow(ctx context.Context, taskID string, actor types.Actor) (*types.WorkflowState, error) {
	task, err := e.mutate(ctx, "StartWorkflow", taskID, actor, func(ctx context.Context, tx *txn) error {
		if tx.task.WorkflowID == "" {
			return ErrNoWorkflow
		}
		if tx.state() != nil {
			return ErrAlreadyStarted
		}
		wf, err := tx.workflow()
		if err != nil {
			return err
		}
		if !wf.IsActive {
			return fmt.Errorf("%w: %s", ErrWorkflowInactive, wf.ID)
		}
		if err := wf.Validate(); err != nil {
			return err
		}
		entry, err := entryNode(wf)
		if err != nil {
			return err
		}

		if tx.task.Metadata == nil {
			tx.task.Metadata = make(map[string]interface{})
		}
		for k, v := range wf.Variables {
			if _, ok := tx.task.Metadata[k]; !ok {
				tx.task.Metadata[k] = v
			}
		}
		for _, field := range wf.GlobalSchema {
			if field.Required && isBlank(tx.task.Metadata[field.Key]) {
				return fmt.Errorf("%w: %s", ErrMissingField, field.Key)
			}
		}

		tx.task.WorkflowState = &types.WorkflowState{
			Status:    StateRunning,
			StartedAt: e.now(),
		}
		tx.task.Status = TaskStatusInProgress
		tx.task.CompletedAt = nil
		tx.record(ActionWorkflowStart, map[string]interface{}{
			"workflow_id": wf.ID,
			"entry_step":  entry.ID,
		})
		return e.runFrom(ctx, tx, entry.ID)
	})
	return stateOf(task, err)
}

// ProgressWorkflow completes the current manual step and moves on. An
// automatic step that was entered through a rewind is executed again.
func (e *Engine) ProgressWorkflow(ctx context.Context, taskID string, intent ProgressIntent, actor types.Actor) (*types.WorkflowState, error) {
	task, err := e.mutate(ctx, "ProgressWorkflow", taskID, actor, func(ctx context.Context, tx *txn) error {
		state, node, err := e.currentNode(tx)
		if err != nil {
			return err
		}
		switch {
		case node.Type == NodeTypeApproval:
			return ErrAwaitingApproval
		case state.Status == StateSuspended:
			return ErrSuspended
		}

		if tx.task.Metadata == nil {
			tx.task.Metadata = make(map[string]interface{})
		}
		for k, v := range intent.Data {
			tx.task.Metadata[k] = v
		}

		if !interactive(node.Type) {
			tx.record(ActionWorkflowProgress, map[string]interface{}{
				"from":    node.ID,
				"comment": intent.Comment,
			})
			return e.continueFrom(ctx, tx, node, 0)
		}

		now := e.now()
		state.StepHistory = append(state.StepHistory, types.StepRecord{
			StepID:      node.ID,
			StepName:    stepName(node),
			Status:      StepCompleted,
			StartedAt:   now,
			CompletedAt: &now,
			ActorID:     tx.actor.ID,
			Comment:     intent.Comment,
			Data:        intent.Data,
		})
		markCompleted(state, node.ID)

		next, err := resolveNext(tx.wf, node, Advance(nil))
		if err != nil {
			return err
		}
		tx.record(ActionWorkflowProgress, map[string]interface{}{
			"from":    node.ID,
			"to":      next,
			"comment": intent.Comment,
		})
		return e.runFrom(ctx, tx, next)
	})
	return stateOf(task, err)
}

// ApproveStep records an approval decision on the current approval step.
func (e *Engine) ApproveStep(ctx context.Context, taskID, stepID, action, comment string, actor types.Actor) (*types.WorkflowState, error) {
	if action != ApprovalApprove && action != ApprovalReject {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	task, err := e.mutate(ctx, "ApproveStep", taskID, actor, func(ctx context.Context, tx *txn) error {
		state, node, err := e.currentNode(tx)
		if err != nil {
			return err
		}
		if node.ID != stepID {
			return fmt.Errorf("%w: %s (current %s)", ErrStepMismatch, stepID, node.ID)
		}
		if node.Type != NodeTypeApproval {
			return fmt.Errorf("%w: %s is not an approval step", ErrStepMismatch, stepID)
		}

		idx := -1
		for i, pending := range state.PendingApprovals {
			if pending.StepID == stepID && (pending.AssignedTo == actor.ID || actor.HasRole(pending.AssignedTo)) {
				idx = i
				break
			}
		}
		override := len(e.overrideRoles) > 0 && actor.HasRole(e.overrideRoles...)
		if idx < 0 && !override {
			return e.deny(ctx, actor, action, taskID, "no pending approval assigned to actor")
		}

		now := e.now()
		record := types.StepRecord{
			StepID:      node.ID,
			StepName:    stepName(node),
			StartedAt:   now,
			CompletedAt: &now,
			ActorID:     actor.ID,
			Comment:     comment,
		}

		if action == ApprovalReject {
			state.PendingApprovals = removeApprovals(state.PendingApprovals, stepID, -1)
			record.Status = StepReject
			state.StepHistory = append(state.StepHistory, record)

			target := node.Config.String("on_reject_next_node")
			tx.record(ActionWorkflowReject, map[string]interface{}{
				"step_id":   stepID,
				"comment":   comment,
				"routed_to": target,
			})
			if target == "" {
				state.Status = StateOnHold
				tx.task.Status = TaskStatusOnHold
				tx.emit(EventStateChanged, map[string]interface{}{
					"status":       state.Status,
					"current_step": stepID,
				})
				return nil
			}
			state.Status = StateRunning
			tx.task.Status = TaskStatusInProgress
			return e.runFrom(ctx, tx, target)
		}

		if idx >= 0 {
			state.PendingApprovals = removeApprovals(state.PendingApprovals, stepID, idx)
		} else {
			state.PendingApprovals = removeApprovals(state.PendingApprovals, stepID, -1)
		}
		record.Status = StepApprove
		state.StepHistory = append(state.StepHistory, record)

		remaining := countApprovals(state.PendingApprovals, stepID)
		tx.record(ActionWorkflowApprove, map[string]interface{}{
			"step_id":   stepID,
			"comment":   comment,
			"remaining": remaining,
		})
		if remaining > 0 {
			return nil
		}

		markCompleted(state, node.ID)
		next := ""
		if edge, ok := edgeWithLabel(tx.wf.OutgoingEdges(node.ID), "approve", "approved"); ok {
			next = edge.TargetNodeID
		} else if next, err = resolveNext(tx.wf, node, Advance(nil)); err != nil {
			return err
		}
		state.Status = StateRunning
		tx.task.Status = TaskStatusInProgress
		return e.runFrom(ctx, tx, next)
	})
	return stateOf(task, err)
}

// RewindWorkflow moves the task back to a step it already visited. History
// is kept; a rewound record is appended.
func (e *Engine) RewindWorkflow(ctx context.Context, taskID, targetStepID, reason string, actor types.Actor) (*types.WorkflowState, error) {
	if !e.isAdmin(actor) {
		return nil, e.deny(ctx, actor, "rewind", taskID, "admin role required")
	}

	task, err := e.mutate(ctx, "RewindWorkflow", taskID, actor, func(ctx context.Context, tx *txn) error {
		state := tx.state()
		if state == nil {
			return ErrNotStarted
		}
		last := -1
		for i, r := range state.StepHistory {
			if r.StepID == targetStepID {
				last = i
			}
		}
		if last < 0 {
			return fmt.Errorf("%w: %s", ErrStepNotInHistory, targetStepID)
		}
		wf, err := tx.workflow()
		if err != nil {
			return err
		}
		node, ok := wf.NodeByID(targetStepID)
		if !ok {
			return fmt.Errorf("%w: step %q no longer exists", ErrInvalidGraph, targetStepID)
		}

		from := ""
		if state.CurrentStep != nil {
			from = *state.CurrentStep
		}

		superseded := map[string]bool{targetStepID: true}
		for _, r := range state.StepHistory[last:] {
			if r.Status == StepCompleted || r.Status == StepApprove {
				superseded[r.StepID] = true
			}
		}
		var completed []string
		for _, id := range state.CompletedSteps {
			if !superseded[id] {
				completed = append(completed, id)
			}
		}

		now := e.now()
		state.RewindHistory = append(state.RewindHistory, types.RewindRecord{
			At:            now,
			ActorID:       actor.ID,
			Reason:        reason,
			FromStep:      from,
			ToStep:        targetStepID,
			HistoryLength: len(state.StepHistory),
		})
		state.StepHistory = append(state.StepHistory, types.StepRecord{
			StepID:    targetStepID,
			StepName:  stepName(node),
			Status:    StepRewound,
			StartedAt: now,
			ActorID:   actor.ID,
			Reason:    reason,
		})
		state.CurrentStep = &node.ID
		state.CompletedSteps = completed
		state.PendingApprovals = nil
		state.RetryState = nil
		state.LastError = ""
		state.CompletedAt = nil
		state.Status = StateRunning
		tx.task.Status = TaskStatusInProgress
		tx.task.CompletedAt = nil

		tx.record(ActionWorkflowRewind, map[string]interface{}{
			"from":   from,
			"to":     targetStepID,
			"reason": reason,
		})
		tx.emit(EventRewound, map[string]interface{}{
			"from":   from,
			"to":     targetStepID,
			"reason": reason,
		})
		if node.Type == NodeTypeApproval {
			return e.requestApprovals(ctx, tx, node)
		}
		return nil
	})
	return stateOf(task, err)
}

// RetryStep re-runs a suspended automatic step with a fresh retry budget.
func (e *Engine) RetryStep(ctx context.Context, taskID string, actor types.Actor) (*types.WorkflowState, error) {
	if !e.isAdmin(actor) {
		return nil, e.deny(ctx, actor, "retry", taskID, "admin role required")
	}

	task, err := e.mutate(ctx, "RetryStep", taskID, actor, func(ctx context.Context, tx *txn) error {
		state, node, err := e.currentNode(tx)
		if err != nil {
			return err
		}
		if state.Status != StateSuspended {
			return ErrNotSuspended
		}

		previous := state.RetryState[node.ID].Attempts
		delete(state.RetryState, node.ID)
		state.LastError = ""
		state.Status = StateRunning
		tx.task.Status = TaskStatusInProgress
		tx.record(ActionNodeManualRetry, map[string]interface{}{
			"node_id":           node.ID,
			"previous_attempts": previous,
		})
		if interactive(node.Type) {
			return nil
		}
		return e.continueFrom(ctx, tx, node, 0)
	})
	return stateOf(task, err)
}

// ResetWorkflow archives the workflow state so the task can be started again.
func (e *Engine) ResetWorkflow(ctx context.Context, taskID string, actor types.Actor) (*types.WorkflowState, error) {
	if !e.isAdmin(actor) {
		return nil, e.deny(ctx, actor, "reset", taskID, "admin role required")
	}

	task, err := e.mutate(ctx, "ResetWorkflow", taskID, actor, func(ctx context.Context, tx *txn) error {
		state := tx.state()
		if state == nil {
			return ErrNotStarted
		}
		tx.task.ArchivedStates = append(tx.task.ArchivedStates, *state)
		tx.task.WorkflowState = nil
		tx.task.Status = TaskStatusNew
		tx.task.CompletedAt = nil
		tx.record(ActionWorkflowReset, map[string]interface{}{
			"archived_status": state.Status,
			"history_length":  len(state.StepHistory),
		})
		tx.emit(EventStateChanged, map[string]interface{}{"status": TaskStatusNew})
		return nil
	})
	return stateOf(task, err)
}

// runFrom enters nodeID and keeps executing automatic nodes until one needs
// a person, the graph ends or the task is suspended.
func (e *Engine) runFrom(ctx context.Context, tx *txn, nodeID string) error {
	return e.chain(ctx, tx, nodeID, 0)
}

// continueFrom executes node, which is already current, then follows on.
func (e *Engine) continueFrom(ctx context.Context, tx *txn, node types.Node, executed int) error {
	next, result, err := e.executeAutomatic(ctx, tx, node)
	if err != nil || result != stepAdvanced {
		return err
	}
	return e.chain(ctx, tx, next, executed+1)
}

func (e *Engine) chain(ctx context.Context, tx *txn, nodeID string, executed int) error {
	for {
		if nodeID == "" {
			e.complete(tx)
			return nil
		}
		node, ok := tx.wf.NodeByID(nodeID)
		if !ok {
			return fmt.Errorf("%w: unknown node %q", ErrInvalidGraph, nodeID)
		}
		e.enter(tx, node)

		switch node.Type {
		case NodeTypeTask:
			return nil
		case NodeTypeApproval:
			return e.requestApprovals(ctx, tx, node)
		}

		if executed >= e.maxChainSteps {
			e.suspend(tx, node, fmt.Errorf("%w: more than %d automatic steps", ErrChainTooLong, e.maxChainSteps))
			return nil
		}
		next, result, err := e.executeAutomatic(ctx, tx, node)
		if err != nil || result != stepAdvanced {
			return err
		}
		executed++
		nodeID = next
	}
}

// enter makes node the current step and appends its started record.
func (e *Engine) enter(tx *txn, node types.Node) {
	state := tx.state()
	state.CurrentStep = &node.ID
	state.Status = StateRunning
	state.StepHistory = append(state.StepHistory, types.StepRecord{
		StepID:    node.ID,
		StepName:  stepName(node),
		Status:    StepStarted,
		StartedAt: e.now(),
		ActorID:   tx.actor.ID,
	})
	tx.emit(EventStateChanged, map[string]interface{}{
		"status":       state.Status,
		"current_step": node.ID,
	})
}

// requestApprovals registers the pending approvals of an approval node.
func (e *Engine) requestApprovals(ctx context.Context, tx *txn, node types.Node) error {
	state := tx.state()
	snapshot := tx.task.Clone()
	outcome, err := e.executors[NodeTypeApproval].Execute(ctx, node, ExecutionContext{
		Task:     snapshot,
		Workflow: tx.wf,
		Metadata: snapshot.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to request approvals for %s: %w", node.ID, err)
	}

	now := e.now()
	state.PendingApprovals = removeApprovals(state.PendingApprovals, node.ID, -1)
	for _, assignee := range outcome.Approvals {
		state.PendingApprovals = append(state.PendingApprovals, types.PendingApproval{
			StepID:      node.ID,
			StepName:    stepName(node),
			AssignedTo:  assignee,
			RequestedAt: now,
		})
	}
	state.Status = StateAwaitingApproval
	tx.emit(EventPendingApproval, map[string]interface{}{
		"current_step": node.ID,
		"assigned_to":  outcome.Approvals,
	})
	return nil
}

// complete finishes the workflow.
func (e *Engine) complete(tx *txn) {
	state := tx.state()
	now := e.now()
	state.CurrentStep = nil
	state.Status = StateCompleted
	state.CompletedAt = &now
	state.PendingApprovals = nil
	tx.task.Status = TaskStatusCompleted
	tx.task.CompletedAt = &now
	tx.record(ActionWorkflowComplete, map[string]interface{}{
		"completed_steps": len(state.CompletedSteps),
	})
	tx.emit(EventCompleted, map[string]interface{}{"status": state.Status})
}

// currentNode returns the state and the node the task is at.
func (e *Engine) currentNode(tx *txn) (*types.WorkflowState, types.Node, error) {
	state := tx.state()
	if state == nil {
		return nil, types.Node{}, ErrNotStarted
	}
	if state.CurrentStep == nil {
		return nil, types.Node{}, ErrWorkflowNotActive
	}
	wf, err := tx.workflow()
	if err != nil {
		return nil, types.Node{}, err
	}
	node, ok := wf.NodeByID(*state.CurrentStep)
	if !ok {
		return nil, types.Node{}, fmt.Errorf("%w: unknown node %q", ErrInvalidGraph, *state.CurrentStep)
	}
	return state, node, nil
}

func entryNode(wf types.Workflow) (types.Node, error) {
	entries := wf.EntryNodes()
	switch len(entries) {
	case 0:
		return types.Node{}, &EmptyGraphError{WorkflowID: wf.ID}
	case 1:
		return entries[0], nil
	}
	ids := make([]string, len(entries))
	for i, n := range entries {
		ids[i] = n.ID
	}
	return types.Node{}, &AmbiguousEntryError{WorkflowID: wf.ID, Entries: ids}
}

// removeApprovals drops the entry at idx, or every entry for stepID when idx is negative.
func removeApprovals(list []types.PendingApproval, stepID string, idx int) []types.PendingApproval {
	var out []types.PendingApproval
	for i, p := range list {
		if (idx >= 0 && i == idx) || (idx < 0 && p.StepID == stepID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func countApprovals(list []types.PendingApproval, stepID string) int {
	n := 0
	for _, p := range list {
		if p.StepID == stepID {
			n++
		}
	}
	return n
}

func isBlank(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

func stateOf(task *types.Task, err error) (*types.WorkflowState, error) {
	if task == nil {
		return nil, err
	}
	return task.WorkflowState, err
}
