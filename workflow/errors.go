package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/taskflow/storage"
	"github.com/songzhibin97/taskflow/types"
)

// Standard error definitions
var (
	ErrNoWorkflow        = errors.New("task has no workflow attached")
	ErrAlreadyStarted    = errors.New("workflow already started for task")
	ErrWorkflowNotActive = errors.New("no active workflow step")
	ErrAwaitingApproval  = errors.New("current step is awaiting approval")
	ErrSuspended         = errors.New("workflow is suspended")
	ErrNotSuspended      = errors.New("workflow is not suspended")
	ErrStepMismatch      = errors.New("step is not the current step")
	ErrStepNotInHistory  = errors.New("step not found in history")
	ErrNotStarted        = errors.New("workflow not started")
	ErrInvalidGraph      = types.ErrInvalidGraph
	ErrWorkflowInactive  = errors.New("workflow is not active")
	ErrMissingField      = errors.New("required field missing")
	ErrChainTooLong      = errors.New("automatic step chain too long")
	ErrUnknownNodeType   = errors.New("unknown node type")
	ErrInvalidAction     = errors.New("invalid approval action")
	ErrNoGenerator       = errors.New("no AI generator configured")
	ErrNoSender          = errors.New("no webhook sender configured")
)

// EmptyGraphError is returned when a workflow has no entry node.
type EmptyGraphError struct {
	WorkflowID string
}

func (e *EmptyGraphError) Error() string {
	return fmt.Sprintf("workflow %q has no entry node", e.WorkflowID)
}

// AmbiguousEntryError is returned when a workflow has more than one node
// without incoming edges.
type AmbiguousEntryError struct {
	WorkflowID string
	Entries    []string
}

func (e *AmbiguousEntryError) Error() string {
	return fmt.Sprintf("workflow %q has %d entry nodes: %s", e.WorkflowID, len(e.Entries), strings.Join(e.Entries, ", "))
}

// NoMatchingBranchError is returned when a condition result matches no edge
// and the node has no default edge.
type NoMatchingBranchError struct {
	NodeID string
	Label  string
}

func (e *NoMatchingBranchError) Error() string {
	return fmt.Sprintf("node %q: no edge matches branch %q and no default edge exists", e.NodeID, e.Label)
}

// TransientExecutionError wraps a failure of an external call made by a node.
type TransientExecutionError struct {
	NodeID string
	Err    error
}

func (e *TransientExecutionError) Error() string {
	return fmt.Sprintf("node %q: %v", e.NodeID, e.Err)
}

func (e *TransientExecutionError) Unwrap() error {
	return e.Err
}

// PermissionError is returned when an actor may not perform an operation.
type PermissionError struct {
	ActorID   string
	Operation string
	Reason    string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("actor %q may not %s: %s", e.ActorID, e.Operation, e.Reason)
}

// ConflictError is returned when a task kept changing underneath an
// operation until the conflict retries ran out.
type ConflictError struct {
	TaskID   string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %q: %v after %d attempts", e.TaskID, storage.ErrConflict, e.Attempts)
}

func (e *ConflictError) Unwrap() error {
	return storage.ErrConflict
}
