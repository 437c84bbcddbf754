package triggers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/songzhibin97/taskflow/audit"
	"github.com/songzhibin97/taskflow/storage"
	"github.com/songzhibin97/taskflow/types"
	"github.com/songzhibin97/taskflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

var admin = types.Actor{ID: "root", Roles: []string{"admin"}}

func setup(t *testing.T) (*Receiver, *workflow.Engine, *storage.MemoryStorage, *audit.MemorySink, *clock.Mock) {
	t.Helper()
	store := storage.NewMemoryStorage()
	sink := audit.NewMemorySink()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))

	engine, err := workflow.NewEngine(&MockGenerator{}, store, sink, workflow.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	require.NoError(t, engine.RegisterWorkflow(context.Background(), types.Workflow{
		ID:       "intake",
		IsActive: true,
		Nodes: []types.Node{
			{ID: "triage", Type: workflow.NodeTypeCondition, Config: types.NodeConfig{"expression": `severity == "high"`}},
			{ID: "page", Type: workflow.NodeTypeTask},
			{ID: "queue", Type: workflow.NodeTypeTask},
		},
		Edges: []types.Edge{
			{ID: "e1", SourceNodeID: "triage", TargetNodeID: "page", Label: "true"},
			{ID: "e2", SourceNodeID: "triage", TargetNodeID: "queue", Label: "false"},
		},
	}))

	return NewReceiver(engine, store, sink, &MockGenerator{}, WithClock(clk)), engine, store, sink, clk
}

func TestCreateTrigger(t *testing.T) {
	receiver, _, store, sink, _ := setup(t)
	ctx := context.Background()

	_, err := receiver.CreateTrigger(ctx, types.WebhookTrigger{WorkflowID: "intake"}, types.Actor{ID: "bob"})
	assert.ErrorAs(t, err, new(*workflow.PermissionError))

	_, err = receiver.CreateTrigger(ctx, types.WebhookTrigger{WorkflowID: "ghost"}, admin)
	assert.ErrorIs(t, err, storage.ErrWorkflowNotFound)

	_, err = receiver.CreateTrigger(ctx, types.WebhookTrigger{}, admin)
	assert.ErrorIs(t, err, workflow.ErrNoWorkflow)

	trigger, err := receiver.CreateTrigger(ctx, types.WebhookTrigger{Name: "alerts", WorkflowID: "intake", IsActive: true, TriggerCount: 9}, admin)
	require.NoError(t, err)
	assert.NotEmpty(t, trigger.ID)
	assert.Zero(t, trigger.TriggerCount)

	stored, err := store.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, "alerts", stored.Name)

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionTriggerCreate, entries[0].Action)
	assert.Equal(t, "webhook-"+trigger.ID, entries[0].TargetResource)
}

func TestReceive(t *testing.T) {
	receiver, engine, store, sink, clk := setup(t)
	ctx := context.Background()

	trigger, err := receiver.CreateTrigger(ctx, types.WebhookTrigger{
		ID:         "hook-1",
		Name:       "alerts",
		WorkflowID: "intake",
		IsActive:   true,
		PayloadMapping: map[string]string{
			"alert.severity":    "severity",
			"alert.labels.host": "host",
			"alert.nope":        "missing",
		},
	}, admin)
	require.NoError(t, err)

	payload := map[string]interface{}{
		"alert": map[string]interface{}{
			"severity": "high",
			"labels":   map[string]interface{}{"host": "db-1"},
		},
	}
	task, err := receiver.Receive(ctx, trigger.ID, payload)
	require.NoError(t, err)
	assert.Equal(t, "Webhook Trigger: alerts", task.Title)
	assert.Equal(t, "system", task.CreatorID)

	stored, err := engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "high", stored.Metadata["severity"])
	assert.Equal(t, "db-1", stored.Metadata["host"])
	assert.NotContains(t, stored.Metadata, "missing")
	assert.Equal(t, "alerts", stored.Metadata["webhook_source"])
	assert.Equal(t, payload, stored.Metadata["webhook_payload"])
	require.NotNil(t, stored.WorkflowState)
	assert.Equal(t, "page", *stored.WorkflowState.CurrentStep)

	clk.Add(time.Minute)
	_, err = receiver.Receive(ctx, trigger.ID, map[string]interface{}{})
	require.NoError(t, err)

	updated, err := store.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.TriggerCount)
	require.NotNil(t, updated.LastTriggered)
	assert.Equal(t, clk.Now().UTC(), *updated.LastTriggered)

	received, err := sink.Query(ctx, audit.Filter{Action: ActionWebhookReceived})
	require.NoError(t, err)
	assert.Len(t, received, 2)
	failed, err := sink.Query(ctx, audit.Filter{Action: ActionWebhookError})
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestReceiveStartFailure(t *testing.T) {
	receiver, engine, store, sink, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, engine.RegisterWorkflow(ctx, types.Workflow{
		ID:    "retired",
		Nodes: []types.Node{{ID: "only", Type: workflow.NodeTypeTask}},
	}))
	trigger, err := receiver.CreateTrigger(ctx, types.WebhookTrigger{ID: "hook-old", Name: "legacy", WorkflowID: "retired", IsActive: true}, admin)
	require.NoError(t, err)

	task, err := receiver.Receive(ctx, trigger.ID, map[string]interface{}{"id": 7})
	assert.ErrorIs(t, err, workflow.ErrWorkflowInactive)
	require.NotNil(t, task)

	stored, err := engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.WorkflowState)

	updated, err := store.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.TriggerCount)

	failed, err := sink.Query(ctx, audit.Filter{Action: ActionWebhookError})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "system", failed[0].ActorID)
	assert.Equal(t, "webhook-hook-old", failed[0].TargetResource)
	assert.Equal(t, task.ID, failed[0].Changes["task_id"])
	assert.Contains(t, failed[0].Changes["error"], "inactive")

	received, err := sink.Query(ctx, audit.Filter{Action: ActionWebhookReceived})
	require.NoError(t, err)
	assert.Len(t, received, 1)
}

func TestListAndDeleteTriggers(t *testing.T) {
	receiver, _, store, sink, clk := setup(t)
	ctx := context.Background()
	bob := types.Actor{ID: "bob", Roles: []string{"employee"}}

	_, err := receiver.ListTriggers(ctx, bob)
	assert.ErrorAs(t, err, new(*workflow.PermissionError))

	triggers, err := receiver.ListTriggers(ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, triggers)

	for _, name := range []string{"first", "second"} {
		_, err := receiver.CreateTrigger(ctx, types.WebhookTrigger{ID: "hook-" + name, Name: name, WorkflowID: "intake", IsActive: true}, admin)
		require.NoError(t, err)
		clk.Add(time.Second)
	}

	triggers, err = receiver.ListTriggers(ctx, admin)
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	assert.Equal(t, "first", triggers[0].Name)
	assert.Equal(t, "second", triggers[1].Name)

	t.Run("Forbidden", func(t *testing.T) {
		err := receiver.DeleteTrigger(ctx, "hook-first", bob)
		assert.ErrorAs(t, err, new(*workflow.PermissionError))
		_, err = store.GetTrigger(ctx, "hook-first")
		assert.NoError(t, err)
	})

	t.Run("Missing", func(t *testing.T) {
		assert.ErrorIs(t, receiver.DeleteTrigger(ctx, "hook-ghost", admin), storage.ErrTriggerNotFound)
	})

	t.Run("Deleted", func(t *testing.T) {
		require.NoError(t, receiver.DeleteTrigger(ctx, "hook-first", admin))

		_, err := receiver.Receive(ctx, "hook-first", nil)
		assert.ErrorIs(t, err, storage.ErrTriggerNotFound)

		triggers, err := receiver.ListTriggers(ctx, admin)
		require.NoError(t, err)
		require.Len(t, triggers, 1)
		assert.Equal(t, "hook-second", triggers[0].ID)

		deleted, err := sink.Query(ctx, audit.Filter{Action: ActionTriggerDelete})
		require.NoError(t, err)
		require.Len(t, deleted, 1)
		assert.Equal(t, "root", deleted[0].ActorID)
		assert.Equal(t, "webhook-hook-first", deleted[0].TargetResource)
		assert.Equal(t, "intake", deleted[0].Changes["workflow_id"])
	})
}

func TestReceiveRejected(t *testing.T) {
	receiver, _, store, _, _ := setup(t)
	ctx := context.Background()

	_, err := receiver.Receive(ctx, "nope", nil)
	assert.ErrorIs(t, err, storage.ErrTriggerNotFound)

	require.NoError(t, store.SaveTrigger(ctx, types.WebhookTrigger{ID: "off", WorkflowID: "intake"}))
	_, err = receiver.Receive(ctx, "off", nil)
	assert.ErrorIs(t, err, ErrTriggerInactive)
}

func TestMapPayload(t *testing.T) {
	payload := map[string]interface{}{"a": map[string]interface{}{"b": 1}, "c": "x"}
	assert.Equal(t, map[string]interface{}{"deep": 1, "flat": "x"}, MapPayload(payload, map[string]string{
		"a.b": "deep",
		"c":   "flat",
		"c.d": "under",
		"a":   "",
	}))
	assert.Empty(t, MapPayload(nil, map[string]string{"x": "y"}))
}
