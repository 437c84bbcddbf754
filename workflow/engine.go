package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/taskflow/audit"
	"github.com/songzhibin97/taskflow/events"
	"github.com/songzhibin97/taskflow/rules"
	"github.com/songzhibin97/taskflow/storage"
	"github.com/songzhibin97/taskflow/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/songzhibin97/taskflow/workflow"

// Task statuses
const (
	TaskStatusNew        = "new"
	TaskStatusInProgress = "in_progress"
	TaskStatusOnHold     = "on_hold"
	TaskStatusCompleted  = "completed"
)

// Workflow state statuses
const (
	StateRunning          = "running"
	StateAwaitingApproval = "awaiting_approval"
	StateSuspended        = "suspended"
	StateOnHold           = "on_hold"
	StateCompleted        = "completed"
)

// Step record statuses
const (
	StepStarted   = "started"
	StepCompleted = "completed"
	StepApprove   = "approve"
	StepReject    = "reject"
	StepRewound   = "rewound"
)

// Audit actions
const (
	ActionWorkflowStart     = "WORKFLOW_START"
	ActionWorkflowProgress  = "WORKFLOW_PROGRESS"
	ActionWorkflowApprove   = "WORKFLOW_APPROVE"
	ActionWorkflowReject    = "WORKFLOW_REJECT"
	ActionWorkflowRewind    = "WORKFLOW_REWIND"
	ActionWorkflowComplete  = "WORKFLOW_COMPLETE"
	ActionWorkflowSuspended = "WORKFLOW_SUSPENDED"
	ActionWorkflowReset     = "WORKFLOW_RESET"
	ActionNodeSuccess       = "NODE_EXECUTE_SUCCESS"
	ActionNodeError         = "NODE_EXECUTE_ERROR"
	ActionNodeErrorRoute    = "NODE_ERROR_ROUTE"
	ActionNodeManualRetry   = "NODE_MANUAL_RETRY"
	ActionTaskDelete        = "TASK_DELETE"
)

// Event types
const (
	EventStateChanged    = "state_changed"
	EventPendingApproval = "pending_approval"
	EventSuspended       = "workflow_suspended"
	EventCompleted       = "workflow_completed"
	EventRewound         = "workflow_rewound"
)

// Engine drives tasks through their workflow graphs.
type Engine struct {
	store     storage.Storage
	audit     audit.Sink
	ids       generator.Generator
	evaluator rules.Evaluator
	generator Generator
	sender    Sender
	executors map[string]NodeExecutor
	custom    map[string]NodeExecutor
	eventBus  *events.EventBus
	ownsBus   bool
	workflows *ttlcache.Cache[string, types.Workflow]
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     clock.Clock
	sleep     func(ctx context.Context, d time.Duration) error

	adminRoles      []string
	overrideRoles   []string
	conflictRetries int
	conflictDelay   time.Duration
	maxChainSteps   int
	cacheTTL        time.Duration
}

// NewEngine creates an Engine. ids generates audit entry IDs; a nil store
// falls back to memory storage and a nil sink to an in-memory audit log.
func NewEngine(ids generator.Generator, store storage.Storage, sink audit.Sink, opts ...Option) (*Engine, error) {
	if ids == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if sink == nil {
		sink = audit.NewMemorySink()
	}

	e := &Engine{
		store:           store,
		audit:           sink,
		ids:             ids,
		evaluator:       rules.NewExprEvaluator(),
		custom:          make(map[string]NodeExecutor),
		logger:          slog.Default(),
		tracer:          noop.NewTracerProvider().Tracer(tracerName),
		clock:           clock.New(),
		adminRoles:      []string{DefaultAdminRole},
		conflictRetries: DefaultConflictRetries,
		conflictDelay:   DefaultConflictDelay,
		maxChainSteps:   DefaultMaxChainSteps,
		cacheTTL:        DefaultWorkflowCacheTTL,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
		e.ownsBus = true
	}
	if e.sleep == nil {
		e.sleep = e.clockSleep
	}
	if len(e.overrideRoles) == 0 {
		e.overrideRoles = e.adminRoles
	}

	e.executors = defaultExecutors(e.evaluator, e.generator, e.sender)
	for nodeType, executor := range e.custom {
		e.executors[nodeType] = executor
	}

	e.workflows = ttlcache.New(
		ttlcache.WithTTL[string, types.Workflow](e.cacheTTL),
	)
	return e, nil
}

// SubscribeEvent subscribes an event handler to an event type, or to every
// type with events.AllEvents. The returned func removes the subscription.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) (unsubscribe func()) {
	return e.eventBus.Subscribe(eventType, handler)
}

// RegisterWorkflow validates and persists a workflow definition.
func (e *Engine) RegisterWorkflow(ctx context.Context, wf types.Workflow) error {
	if wf.ID == "" {
		return errors.New("workflow ID cannot be empty")
	}
	if err := wf.Validate(); err != nil {
		return err
	}
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	e.workflows.Set(wf.ID, wf, ttlcache.DefaultTTL)
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error) {
	wf, err := e.getWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// getWorkflow checks the cache first, then storage.
func (e *Engine) getWorkflow(ctx context.Context, workflowID string) (types.Workflow, error) {
	if item := e.workflows.Get(workflowID); item != nil {
		return item.Value(), nil
	}
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return types.Workflow{}, fmt.Errorf("failed to get workflow: %w", err)
	}
	e.workflows.Set(wf.ID, wf, ttlcache.DefaultTTL)
	return wf, nil
}

// CreateTask stores a new task. A missing ID is generated.
func (e *Engine) CreateTask(ctx context.Context, task types.Task) (*types.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskStatusNew
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]interface{})
	}
	now := e.now()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.WorkflowState = nil
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	task.Version = 1
	return &task, nil
}

// GetTask retrieves a task by ID.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// PendingApprovalItem is an approval waiting on the caller.
type PendingApprovalItem struct {
	Task     types.Task            `json:"task"`
	Approval types.PendingApproval `json:"approval"`
	StepName string                `json:"step_name"`
}

// PendingApprovals lists the approvals assigned to the actor, either by ID or
// through one of its roles, ordered by task ID.
func (e *Engine) PendingApprovals(ctx context.Context, actor types.Actor) ([]PendingApprovalItem, error) {
	tasks, err := e.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	items := make([]PendingApprovalItem, 0)
	for _, task := range tasks {
		if task.WorkflowState == nil {
			continue
		}
		for _, pending := range task.WorkflowState.PendingApprovals {
			if pending.AssignedTo != actor.ID && !actor.HasRole(pending.AssignedTo) {
				continue
			}
			name := pending.StepName
			if name == "" {
				name = pending.StepID
			}
			items = append(items, PendingApprovalItem{Task: task, Approval: pending, StepName: name})
		}
	}
	return items, nil
}

// DeleteTask removes a task and its workflow state. Only admins may delete.
func (e *Engine) DeleteTask(ctx context.Context, taskID string, actor types.Actor) error {
	if !e.isAdmin(actor) {
		return e.deny(ctx, actor, "DeleteTask", taskID, "admin role required")
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	changes := map[string]interface{}{"title": task.Title, "status": task.Status}
	if task.WorkflowState != nil {
		changes["workflow_status"] = task.WorkflowState.Status
	}
	id, err := e.ids.NextID()
	if err != nil {
		return fmt.Errorf("failed to generate audit ID: %w", err)
	}
	if err := e.audit.Record(ctx, types.AuditLogEntry{
		ID:             id,
		ActorID:        actor.ID,
		Action:         ActionTaskDelete,
		TargetResource: "task-" + taskID,
		Changes:        changes,
		Metadata:       map[string]interface{}{"workflow_id": task.WorkflowID},
		Timestamp:      e.now(),
	}); err != nil {
		return fmt.Errorf("failed to record audit entry %s: %w", ActionTaskDelete, err)
	}
	e.logger.InfoContext(ctx, "task deleted", slog.String("task_id", taskID), slog.String("actor_id", actor.ID))
	return nil
}

// RewindHistory returns the rewinds applied to a task, oldest first.
func (e *Engine) RewindHistory(ctx context.Context, taskID string) ([]types.RewindRecord, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.WorkflowState == nil {
		return nil, ErrNotStarted
	}
	return task.WorkflowState.RewindHistory, nil
}

// Stop gracefully stops the engine.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if e.ownsBus {
			e.eventBus.Stop()
		}
		return nil
	}
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

func (e *Engine) clockSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := e.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) isAdmin(actor types.Actor) bool {
	return actor.HasRole(e.adminRoles...)
}

func (e *Engine) deny(ctx context.Context, actor types.Actor, operation, taskID, reason string) error {
	e.logger.WarnContext(ctx, "permission denied",
		slog.String("actor_id", actor.ID),
		slog.String("operation", operation),
		slog.String("task_id", taskID),
		slog.String("reason", reason))
	return &PermissionError{ActorID: actor.ID, Operation: operation, Reason: reason}
}

// txn is one attempt at an operation. Audit entries and events are held
// until the task has been saved.
type txn struct {
	task   *types.Task
	wf     types.Workflow
	wfErr  error
	actor  types.Actor
	audits []pendingAudit
	events []events.Event
}

type pendingAudit struct {
	action  string
	changes map[string]interface{}
}

func (tx *txn) workflow() (types.Workflow, error) {
	if tx.task.WorkflowID == "" {
		return types.Workflow{}, ErrNoWorkflow
	}
	return tx.wf, tx.wfErr
}

func (tx *txn) state() *types.WorkflowState {
	return tx.task.WorkflowState
}

func (tx *txn) record(action string, changes map[string]interface{}) {
	tx.audits = append(tx.audits, pendingAudit{action: action, changes: changes})
}

func (tx *txn) emit(eventType string, data map[string]interface{}) {
	tx.events = append(tx.events, events.Event{Type: eventType, TaskID: tx.task.ID, Data: data})
}

// mutate loads the task, applies fn to a working copy and saves it
// conditionally. A concurrent modification re-runs the whole operation.
func (e *Engine) mutate(ctx context.Context, operation, taskID string, actor types.Actor, fn func(ctx context.Context, tx *txn) error) (task *types.Task, err error) {
	ctx, span := e.tracer.Start(ctx, "workflow."+operation, trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("actor_id", actor.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	attempts := 0
	op := func() error {
		attempts++
		current, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return backoff.Permanent(err)
		}

		tx := &txn{task: &current, actor: actor}
		if current.WorkflowID != "" {
			tx.wf, tx.wfErr = e.getWorkflow(ctx, current.WorkflowID)
		}
		if err := fn(ctx, tx); err != nil {
			return backoff.Permanent(err)
		}

		tx.task.UpdatedAt = e.now()
		if err := e.store.UpdateTask(ctx, tx.task); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				e.logger.DebugContext(ctx, "concurrent modification, retrying",
					slog.String("task_id", taskID),
					slog.String("operation", operation),
					slog.Int("attempt", attempts))
				return err
			}
			return backoff.Permanent(fmt.Errorf("failed to save task: %w", err))
		}

		task = tx.task
		if err := e.flush(ctx, tx); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.conflictDelay), uint64(e.conflictRetries)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, &ConflictError{TaskID: taskID, Attempts: attempts}
		}
		return task, err
	}

	e.logger.DebugContext(ctx, "operation applied",
		slog.String("task_id", taskID),
		slog.String("operation", operation),
		slog.String("status", task.Status))
	return task, nil
}

// flush writes the buffered audit entries and publishes the buffered events.
func (e *Engine) flush(ctx context.Context, tx *txn) error {
	target := "task-" + tx.task.ID
	for _, a := range tx.audits {
		id, err := e.ids.NextID()
		if err != nil {
			return fmt.Errorf("failed to generate audit ID: %w", err)
		}
		entry := types.AuditLogEntry{
			ID:             id,
			ActorID:        tx.actor.ID,
			Action:         a.action,
			TargetResource: target,
			Changes:        a.changes,
			Metadata:       map[string]interface{}{"workflow_id": tx.task.WorkflowID},
			Timestamp:      e.now(),
		}
		if err := e.audit.Record(ctx, entry); err != nil {
			return fmt.Errorf("failed to record audit entry %s: %w", a.action, err)
		}
	}

	for _, event := range tx.events {
		e.publishEvent(ctx, event)
	}
	return nil
}

// publishEvent publishes without blocking; events nobody listens to are dropped.
func (e *Engine) publishEvent(ctx context.Context, event events.Event) {
	err := e.eventBus.Publish(ctx, event)
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.DebugContext(ctx, "event not published",
			slog.String("event", event.Type),
			slog.String("task_id", event.TaskID),
			slog.Any("error", err))
	}
}
