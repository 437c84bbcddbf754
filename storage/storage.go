package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/songzhibin97/taskflow/types"
)

// Errors
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrTriggerNotFound  = errors.New("trigger not found")
	ErrTaskExists       = errors.New("task already exists")
	// ErrConflict is returned by UpdateTask when the stored task changed since it was read.
	ErrConflict = errors.New("concurrent modification")
)

// Storage defines the interface for persisting workflows, tasks and triggers.
type Storage interface {
	// SaveWorkflow saves a workflow definition.
	SaveWorkflow(ctx context.Context, wf types.Workflow) error

	// SaveWorkflows saves multiple workflow definitions.
	SaveWorkflows(ctx context.Context, wfs []types.Workflow) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, id string) (types.Workflow, error)

	// CreateTask stores a new task with version 1.
	CreateTask(ctx context.Context, task types.Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id string) (types.Task, error)

	// UpdateTask stores the task only if the stored version still equals
	// task.Version, then increments task.Version. Returns ErrConflict otherwise.
	UpdateTask(ctx context.Context, task *types.Task) error

	// ListTasks returns every task ordered by ID.
	ListTasks(ctx context.Context) ([]types.Task, error)

	// DeleteTask removes a task.
	DeleteTask(ctx context.Context, id string) error

	// SaveTrigger saves an inbound webhook trigger.
	SaveTrigger(ctx context.Context, trigger types.WebhookTrigger) error

	// GetTrigger retrieves an inbound webhook trigger by ID.
	GetTrigger(ctx context.Context, id string) (types.WebhookTrigger, error)

	// ListTriggers returns every webhook trigger ordered by creation time.
	ListTriggers(ctx context.Context) ([]types.WebhookTrigger, error)

	// DeleteTrigger removes an inbound webhook trigger.
	DeleteTrigger(ctx context.Context, id string) error
}

func sortTasks(tasks []types.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}

func sortTriggers(triggers []types.WebhookTrigger) {
	sort.Slice(triggers, func(i, j int) bool {
		if !triggers[i].CreatedAt.Equal(triggers[j].CreatedAt) {
			return triggers[i].CreatedAt.Before(triggers[j].CreatedAt)
		}
		return triggers[i].ID < triggers[j].ID
	})
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
