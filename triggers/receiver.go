// Package triggers turns inbound webhooks into tasks running a workflow.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/taskflow/audit"
	"github.com/songzhibin97/taskflow/storage"
	"github.com/songzhibin97/taskflow/types"
	"github.com/songzhibin97/taskflow/workflow"
)

// Audit actions
const (
	ActionTriggerCreate   = "WEBHOOK_TRIGGER_CREATE"
	ActionTriggerDelete   = "WEBHOOK_TRIGGER_DELETE"
	ActionWebhookReceived = "WEBHOOK_RECEIVED"
	ActionWebhookError    = "WEBHOOK_ERROR"
)

// SystemActor starts workflows on behalf of inbound webhooks.
var SystemActor = types.Actor{ID: "system"}

// ErrTriggerInactive is returned for a disabled trigger.
var ErrTriggerInactive = errors.New("webhook trigger is inactive")

// Engine is the part of the workflow engine a Receiver uses.
type Engine interface {
	GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error)
	CreateTask(ctx context.Context, task types.Task) (*types.Task, error)
	StartWorkflow(ctx context.Context, taskID string, actor types.Actor) (*types.WorkflowState, error)
}

// Receiver manages webhook triggers and handles their deliveries.
type Receiver struct {
	engine     Engine
	store      storage.Storage
	audit      audit.Sink
	ids        generator.Generator
	clock      clock.Clock
	logger     *slog.Logger
	adminRoles []string

	// serialises trigger statistics updates
	mu sync.Mutex
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithClock sets the clock.
func WithClock(clk clock.Clock) Option {
	return func(r *Receiver) {
		r.clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// WithAdminRoles sets the roles allowed to manage triggers.
func WithAdminRoles(roles ...string) Option {
	return func(r *Receiver) {
		r.adminRoles = roles
	}
}

// NewReceiver creates a Receiver.
func NewReceiver(engine Engine, store storage.Storage, sink audit.Sink, ids generator.Generator, opts ...Option) *Receiver {
	r := &Receiver{
		engine:     engine,
		store:      store,
		audit:      sink,
		ids:        ids,
		clock:      clock.New(),
		logger:     slog.Default(),
		adminRoles: []string{workflow.DefaultAdminRole},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateTrigger stores a new trigger for an existing workflow.
func (r *Receiver) CreateTrigger(ctx context.Context, trigger types.WebhookTrigger, actor types.Actor) (*types.WebhookTrigger, error) {
	if !actor.HasRole(r.adminRoles...) {
		return nil, &workflow.PermissionError{ActorID: actor.ID, Operation: "create_trigger", Reason: "admin role required"}
	}
	if trigger.WorkflowID == "" {
		return nil, workflow.ErrNoWorkflow
	}
	if _, err := r.engine.GetWorkflow(ctx, trigger.WorkflowID); err != nil {
		return nil, err
	}

	if trigger.ID == "" {
		trigger.ID = uuid.NewString()
	}
	trigger.TriggerCount = 0
	trigger.LastTriggered = nil
	trigger.CreatedAt = r.clock.Now().UTC()
	if err := r.store.SaveTrigger(ctx, trigger); err != nil {
		return nil, fmt.Errorf("failed to save trigger: %w", err)
	}
	if err := r.record(ctx, actor.ID, ActionTriggerCreate, trigger.ID, map[string]interface{}{
		"workflow_id": trigger.WorkflowID,
	}); err != nil {
		return nil, err
	}
	return &trigger, nil
}

// ListTriggers returns every trigger, oldest first.
func (r *Receiver) ListTriggers(ctx context.Context, actor types.Actor) ([]types.WebhookTrigger, error) {
	if !actor.HasRole(r.adminRoles...) {
		return nil, &workflow.PermissionError{ActorID: actor.ID, Operation: "list_triggers", Reason: "admin role required"}
	}
	return r.store.ListTriggers(ctx)
}

// DeleteTrigger removes a trigger. Tasks it already created are kept.
func (r *Receiver) DeleteTrigger(ctx context.Context, id string, actor types.Actor) error {
	if !actor.HasRole(r.adminRoles...) {
		return &workflow.PermissionError{ActorID: actor.ID, Operation: "delete_trigger", Reason: "admin role required"}
	}
	trigger, err := r.store.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.DeleteTrigger(ctx, id); err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	return r.record(ctx, actor.ID, ActionTriggerDelete, id, map[string]interface{}{
		"workflow_id":   trigger.WorkflowID,
		"trigger_count": trigger.TriggerCount,
	})
}

// Receive creates a task from a delivery and starts its workflow. The task
// is returned even when starting the workflow fails.
func (r *Receiver) Receive(ctx context.Context, hookID string, payload map[string]interface{}) (*types.Task, error) {
	trigger, err := r.store.GetTrigger(ctx, hookID)
	if err != nil {
		return nil, err
	}
	if !trigger.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrTriggerInactive, hookID)
	}

	now := r.clock.Now().UTC()
	metadata := MapPayload(payload, trigger.PayloadMapping)
	metadata["webhook_payload"] = payload
	metadata["webhook_source"] = trigger.Name
	metadata["webhook_timestamp"] = now.Format("2006-01-02T15:04:05Z07:00")

	task, err := r.engine.CreateTask(ctx, types.Task{
		Title:       "Webhook Trigger: " + trigger.Name,
		Description: "Triggered by webhook " + trigger.ID,
		CreatorID:   SystemActor.ID,
		WorkflowID:  trigger.WorkflowID,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, err
	}

	_, startErr := r.engine.StartWorkflow(ctx, task.ID, SystemActor)
	if startErr != nil {
		r.logger.WarnContext(ctx, "webhook workflow did not start",
			slog.String("trigger_id", trigger.ID),
			slog.String("task_id", task.ID),
			slog.Any("error", startErr))
	}

	if err := r.touch(ctx, trigger.ID, now); err != nil {
		return task, err
	}
	if err := r.record(ctx, SystemActor.ID, ActionWebhookReceived, trigger.ID, map[string]interface{}{
		"task_id": task.ID,
	}); err != nil {
		return task, err
	}
	if startErr != nil {
		if err := r.record(ctx, SystemActor.ID, ActionWebhookError, trigger.ID, map[string]interface{}{
			"task_id": task.ID,
			"error":   startErr.Error(),
		}); err != nil {
			return task, err
		}
		return task, fmt.Errorf("failed to start workflow: %w", startErr)
	}
	return task, nil
}

func (r *Receiver) touch(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	trigger, err := r.store.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	trigger.TriggerCount++
	trigger.LastTriggered = &at
	if err := r.store.SaveTrigger(ctx, trigger); err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}
	return nil
}

func (r *Receiver) record(ctx context.Context, actorID, action, triggerID string, changes map[string]interface{}) error {
	id, err := r.ids.NextID()
	if err != nil {
		return fmt.Errorf("failed to generate audit ID: %w", err)
	}
	return r.audit.Record(ctx, types.AuditLogEntry{
		ID:             id,
		ActorID:        actorID,
		Action:         action,
		TargetResource: "webhook-" + triggerID,
		Changes:        changes,
		Timestamp:      r.clock.Now().UTC(),
	})
}

// MapPayload copies payload fields into variables. mapping is keyed by
// payload field, a dotted path for nested objects; values are variable
// names. Missing fields are skipped.
func MapPayload(payload map[string]interface{}, mapping map[string]string) map[string]interface{} {
	vars := make(map[string]interface{}, len(mapping)+3)
	for path, variable := range mapping {
		if variable == "" {
			continue
		}
		var value interface{} = payload
		for _, field := range strings.Split(path, ".") {
			m, ok := value.(map[string]interface{})
			if !ok {
				value = nil
				break
			}
			value = m[field]
		}
		if value != nil {
			vars[variable] = value
		}
	}
	return vars
}
