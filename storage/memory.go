package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/taskflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Tasks are copied on the way in and out so callers never share state with the store.
type MemoryStorage struct {
	workflows map[string]types.Workflow
	tasks     map[string]types.Task
	triggers  map[string]types.WebhookTrigger
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows: make(map[string]types.Workflow),
		tasks:     make(map[string]types.Task),
		triggers:  make(map[string]types.WebhookTrigger),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return item, nil
	})
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.workflows[wf.ID] = wf
		return nil
	})
}

// SaveWorkflows saves multiple workflows in a single lock.
func (s *MemoryStorage) SaveWorkflows(ctx context.Context, wfs []types.Workflow) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, wf := range wfs {
			s.workflows[wf.ID] = wf
		}
		return nil
	})
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, id string) (types.Workflow, error) {
	return getItem(ctx, &s.mu, s.workflows, id, ErrWorkflowNotFound)
}

// CreateTask stores a new task.
func (s *MemoryStorage) CreateTask(ctx context.Context, task types.Task) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.tasks[task.ID]; ok {
			return fmt.Errorf("%w: id=%s", ErrTaskExists, task.ID)
		}
		task.Version = 1
		s.tasks[task.ID] = task.Clone()
		return nil
	})
}

// GetTask retrieves a copy of a task from memory.
func (s *MemoryStorage) GetTask(ctx context.Context, id string) (types.Task, error) {
	task, err := getItem(ctx, &s.mu, s.tasks, id, ErrTaskNotFound)
	if err != nil {
		return types.Task{}, err
	}
	return task.Clone(), nil
}

// UpdateTask replaces the task if its version matches the stored one.
func (s *MemoryStorage) UpdateTask(ctx context.Context, task *types.Task) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		current, ok := s.tasks[task.ID]
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrTaskNotFound, task.ID)
		}
		if current.Version != task.Version {
			return fmt.Errorf("%w: task %s at version %d, have %d", ErrConflict, task.ID, current.Version, task.Version)
		}
		task.Version++
		s.tasks[task.ID] = task.Clone()
		return nil
	})
}

// ListTasks returns copies of all tasks.
func (s *MemoryStorage) ListTasks(ctx context.Context) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		tasks := make([]types.Task, 0, len(s.tasks))
		for _, task := range s.tasks {
			tasks = append(tasks, task.Clone())
		}
		sortTasks(tasks)
		return tasks, nil
	})
}

// DeleteTask removes a task from memory.
func (s *MemoryStorage) DeleteTask(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.tasks[id]; !ok {
			return fmt.Errorf("%w: id=%s", ErrTaskNotFound, id)
		}
		delete(s.tasks, id)
		return nil
	})
}

// SaveTrigger saves a webhook trigger to memory.
func (s *MemoryStorage) SaveTrigger(ctx context.Context, trigger types.WebhookTrigger) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.triggers[trigger.ID] = trigger
		return nil
	})
}

// GetTrigger retrieves a webhook trigger from memory.
func (s *MemoryStorage) GetTrigger(ctx context.Context, id string) (types.WebhookTrigger, error) {
	return getItem(ctx, &s.mu, s.triggers, id, ErrTriggerNotFound)
}

// ListTriggers returns all webhook triggers.
func (s *MemoryStorage) ListTriggers(ctx context.Context) ([]types.WebhookTrigger, error) {
	return withContext(ctx, func() ([]types.WebhookTrigger, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		triggers := make([]types.WebhookTrigger, 0, len(s.triggers))
		for _, trigger := range s.triggers {
			triggers = append(triggers, trigger)
		}
		sortTriggers(triggers)
		return triggers, nil
	})
}

// DeleteTrigger removes a webhook trigger from memory.
func (s *MemoryStorage) DeleteTrigger(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.triggers[id]; !ok {
			return fmt.Errorf("%w: id=%s", ErrTriggerNotFound, id)
		}
		delete(s.triggers, id)
		return nil
	})
}
