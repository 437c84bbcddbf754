package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/songzhibin97/taskflow/audit"
	"github.com/songzhibin97/taskflow/storage"
	"github.com/songzhibin97/taskflow/triggers"
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

const reviewJSON = `{
	"id": "review",
	"name": "Review",
	"is_active": true,
	"nodes": [
		{"id": "A", "type": "task", "label": "Draft"},
		{"id": "B", "type": "approval", "label": "Sign-off", "config": {"approver_role": "manager"}}
	],
	"edges": [{"id": "e1", "source_node_id": "A", "target_node_id": "B"}]
}`

type client struct {
	t    *testing.T
	echo *echo.Echo
}

func newClient(t *testing.T) *client {
	t.Helper()
	store := storage.NewMemoryStorage()
	sink := audit.NewMemorySink()
	ids := &MockGenerator{}
	engine, err := workflow.NewEngine(ids, store, sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	receiver := triggers.NewReceiver(engine, store, sink, ids)
	return &client{t: t, echo: NewServer(engine, receiver, sink).Echo("taskflow-test")}
}

func (c *client) do(method, path, actor, roles, body string) (int, map[string]interface{}) {
	c.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if actor != "" {
		req.Header.Set(HeaderActorID, actor)
		req.Header.Set(HeaderActorRoles, roles)
	}
	rec := httptest.NewRecorder()
	c.echo.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func currentStep(body map[string]interface{}) interface{} {
	state, _ := body["workflow_state"].(map[string]interface{})
	return state["current_step"]
}

func TestWorkflowLifecycle(t *testing.T) {
	c := newClient(t)

	code, _ := c.do(http.MethodPost, "/api/v1/workflows", "alice", "employee", reviewJSON)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = c.do(http.MethodPost, "/api/v1/workflows", "root", "admin", reviewJSON)
	require.Equal(t, http.StatusCreated, code)

	code, wf := c.do(http.MethodGet, "/api/v1/workflows/review", "alice", "employee", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Review", wf["name"])

	code, task := c.do(http.MethodPost, "/api/v1/tasks", "alice", "employee", `{"title":"Laptop","workflow_id":"review","metadata":{"amount":900}}`)
	require.Equal(t, http.StatusCreated, code)
	id := task["id"].(string)
	assert.Equal(t, "alice", task["creator_id"])
	assert.Equal(t, "new", task["status"])

	base := "/api/v1/tasks/" + id + "/workflow/"
	code, body := c.do(http.MethodPost, base+"start", "alice", "employee", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "A", currentStep(body))

	code, _ = c.do(http.MethodPost, base+"start", "alice", "employee", "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = c.do(http.MethodPost, base+"progress", "alice", "employee", `{"comment":"drafted"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "B", currentStep(body))

	code, _ = c.do(http.MethodPost, base+"progress", "alice", "employee", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = c.do(http.MethodPost, base+"approve", "alice", "employee", `{"step_id":"B","action":"approve"}`)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Contains(t, body["error"], "alice")

	code, _ = c.do(http.MethodPost, base+"approve", "mike", "manager", `{"step_id":"A","action":"approve"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, body = c.do(http.MethodPost, base+"approve", "mike", "manager", `{"step_id":"B","action":"approve","comment":"fine"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, currentStep(body))

	code, _ = c.do(http.MethodPost, base+"rewind", "alice", "employee", `{"target_step_id":"A","reason":"x"}`)
	assert.Equal(t, http.StatusForbidden, code)
	code, body = c.do(http.MethodPost, base+"rewind", "root", "admin", `{"target_step_id":"A","reason":"wrong laptop"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "A", currentStep(body))

	code, body = c.do(http.MethodGet, base+"rewind-history", "alice", "employee", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["rewind_history"], 1)

	code, _ = c.do(http.MethodPost, base+"retry", "root", "admin", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = c.do(http.MethodPost, base+"reset", "root", "admin", "")
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, body["workflow_state"])

	code, body = c.do(http.MethodGet, "/api/v1/audit-logs?action=WORKFLOW_APPROVE", "root", "admin", "")
	require.Equal(t, http.StatusOK, code)
	logs := body["logs"].([]interface{})
	require.Len(t, logs, 1)
	assert.Equal(t, "mike", logs[0].(map[string]interface{})["actor_id"])

	code, _ = c.do(http.MethodGet, "/api/v1/audit-logs", "alice", "employee", "")
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = c.do(http.MethodGet, "/api/v1/audit-logs?limit=-1", "root", "admin", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRequestErrors(t *testing.T) {
	c := newClient(t)

	code, _ := c.do(http.MethodGet, "/api/v1/tasks/nope", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = c.do(http.MethodGet, "/api/v1/tasks/nope", "alice", "", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = c.do(http.MethodPost, "/api/v1/tasks", "alice", "", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = c.do(http.MethodPost, "/api/v1/workflows", "root", "admin",
		`{"id":"bad","nodes":[{"id":"a","type":"task"}],"edges":[{"id":"e","source_node_id":"a","target_node_id":"z"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = c.do(http.MethodPost, "/api/v1/webhooks/missing", "", "", `{}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestInboundWebhook(t *testing.T) {
	c := newClient(t)
	code, _ := c.do(http.MethodPost, "/api/v1/workflows", "root", "admin", reviewJSON)
	require.Equal(t, http.StatusCreated, code)

	code, trigger := c.do(http.MethodPost, "/api/v1/webhooks", "root", "admin",
		`{"name":"intake","workflow_id":"review","is_active":true,"payload_mapping":{"user.name":"requester"}}`)
	require.Equal(t, http.StatusCreated, code)
	hookID := trigger["id"].(string)

	code, body := c.do(http.MethodPost, "/api/v1/webhooks/"+hookID, "", "", `{"user":{"name":"Grace"}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, true, body["workflow_started"])

	code, task := c.do(http.MethodGet, "/api/v1/tasks/"+body["task_id"].(string), "root", "admin", "")
	require.Equal(t, http.StatusOK, code)
	metadata := task["metadata"].(map[string]interface{})
	assert.Equal(t, "Grace", metadata["requester"])
	assert.Equal(t, "intake", metadata["webhook_source"])

	// a body that is not JSON still creates a task
	code, body = c.do(http.MethodPost, "/api/v1/webhooks/"+hookID, "", "", `not json`)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["task_id"])
}

func TestWebhookManagement(t *testing.T) {
	c := newClient(t)
	code, _ := c.do(http.MethodPost, "/api/v1/workflows", "root", "admin", reviewJSON)
	require.Equal(t, http.StatusCreated, code)
	for _, name := range []string{"crm", "erp"} {
		code, _ := c.do(http.MethodPost, "/api/v1/webhooks", "root", "admin",
			`{"id":"hook-`+name+`","name":"`+name+`","workflow_id":"review","is_active":true}`)
		require.Equal(t, http.StatusCreated, code)
	}

	code, _ = c.do(http.MethodGet, "/api/v1/webhooks", "alice", "employee", "")
	assert.Equal(t, http.StatusForbidden, code)
	code, body := c.do(http.MethodGet, "/api/v1/webhooks", "root", "admin", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["webhooks"], 2)

	code, _ = c.do(http.MethodDelete, "/api/v1/webhooks/hook-crm", "alice", "employee", "")
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = c.do(http.MethodDelete, "/api/v1/webhooks/hook-crm", "root", "admin", "")
	require.Equal(t, http.StatusNoContent, code)
	code, _ = c.do(http.MethodDelete, "/api/v1/webhooks/hook-crm", "root", "admin", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = c.do(http.MethodPost, "/api/v1/webhooks/hook-crm", "", "", `{}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = c.do(http.MethodGet, "/api/v1/webhooks", "root", "admin", "")
	require.Equal(t, http.StatusOK, code)
	hooks := body["webhooks"].([]interface{})
	require.Len(t, hooks, 1)
	assert.Equal(t, "erp", hooks[0].(map[string]interface{})["name"])

	code, body = c.do(http.MethodGet, "/api/v1/audit-logs?action=WEBHOOK_TRIGGER_DELETE", "root", "admin", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["logs"], 1)
}

func TestPendingApprovalsEndpoint(t *testing.T) {
	c := newClient(t)
	code, _ := c.do(http.MethodPost, "/api/v1/workflows", "root", "admin", reviewJSON)
	require.Equal(t, http.StatusCreated, code)
	code, task := c.do(http.MethodPost, "/api/v1/tasks", "alice", "employee", `{"title":"Laptop","workflow_id":"review"}`)
	require.Equal(t, http.StatusCreated, code)
	id := task["id"].(string)

	code, body := c.do(http.MethodGet, "/api/v1/workflows/pending-approvals", "mike", "manager", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["pending_approvals"])

	base := "/api/v1/tasks/" + id + "/workflow/"
	code, _ = c.do(http.MethodPost, base+"start", "alice", "employee", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = c.do(http.MethodPost, base+"progress", "alice", "employee", "")
	require.Equal(t, http.StatusOK, code)

	code, body = c.do(http.MethodGet, "/api/v1/workflows/pending-approvals", "mike", "manager", "")
	require.Equal(t, http.StatusOK, code)
	items := body["pending_approvals"].([]interface{})
	require.Len(t, items, 1)
	item := items[0].(map[string]interface{})
	assert.Equal(t, "Sign-off", item["step_name"])
	assert.Equal(t, id, item["task"].(map[string]interface{})["id"])
	assert.Equal(t, "manager", item["approval"].(map[string]interface{})["assigned_to"])

	code, body = c.do(http.MethodGet, "/api/v1/workflows/pending-approvals", "alice", "employee", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["pending_approvals"])

	code, _ = c.do(http.MethodGet, "/api/v1/workflows/pending-approvals", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestDeleteTaskEndpoint(t *testing.T) {
	c := newClient(t)
	code, task := c.do(http.MethodPost, "/api/v1/tasks", "alice", "employee", `{"title":"Old"}`)
	require.Equal(t, http.StatusCreated, code)
	path := "/api/v1/tasks/" + task["id"].(string)

	code, _ = c.do(http.MethodDelete, path, "alice", "employee", "")
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = c.do(http.MethodDelete, path, "root", "admin", "")
	require.Equal(t, http.StatusNoContent, code)
	code, _ = c.do(http.MethodGet, path, "alice", "employee", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = c.do(http.MethodDelete, path, "root", "admin", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body := c.do(http.MethodGet, "/api/v1/audit-logs?action=TASK_DELETE", "root", "admin", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["logs"], 1)
}

func TestAuditLogDateRange(t *testing.T) {
	c := newClient(t)
	code, _ := c.do(http.MethodPost, "/api/v1/workflows", "root", "admin", reviewJSON)
	require.Equal(t, http.StatusCreated, code)
	code, _ = c.do(http.MethodPost, "/api/v1/webhooks", "root", "admin", `{"name":"crm","workflow_id":"review","is_active":true}`)
	require.Equal(t, http.StatusCreated, code)

	tests := []struct {
		name  string
		query string
		code  int
		count int
	}{
		{name: "OpenRange", query: "", code: http.StatusOK, count: 1},
		{name: "SinceDate", query: "start_date=2000-01-01", code: http.StatusOK, count: 1},
		{name: "UntilDate", query: "end_date=2000-01-01", code: http.StatusOK, count: 0},
		{name: "RFC3339", query: "start_date=2000-01-01T00:00:00Z&end_date=2999-01-01T00:00:00Z", code: http.StatusOK, count: 1},
		{name: "FutureStart", query: "start_date=2999-01-01", code: http.StatusOK, count: 0},
		{name: "Invalid", query: "start_date=yesterday", code: http.StatusBadRequest},
		{name: "Reversed", query: "start_date=2020-01-02&end_date=2020-01-01", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := c.do(http.MethodGet, "/api/v1/audit-logs?"+tt.query, "root", "admin", "")
			require.Equal(t, tt.code, code)
			if tt.code == http.StatusOK {
				assert.Len(t, body["logs"], tt.count)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	start, err := parseDate("2026-03-01", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), start)

	end, err := parseDate("2026-03-01", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 23, 59, 59, 999999999, time.UTC), end)

	exact, err := parseDate("2026-03-01T10:00:00+02:00", true)
	require.NoError(t, err)
	assert.True(t, exact.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)))

	_, err = parseDate("03/01/2026", false)
	assert.Error(t, err)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("load: %w", storage.ErrTaskNotFound), http.StatusNotFound},
		{&workflow.PermissionError{ActorID: "x"}, http.StatusForbidden},
		{&workflow.ConflictError{TaskID: "t", Attempts: 4}, http.StatusConflict},
		{&workflow.AmbiguousEntryError{WorkflowID: "w"}, http.StatusUnprocessableEntity},
		{&workflow.EmptyGraphError{WorkflowID: "w"}, http.StatusUnprocessableEntity},
		{workflow.ErrMissingField, http.StatusUnprocessableEntity},
		{workflow.ErrSuspended, http.StatusBadRequest},
		{triggers.ErrTriggerInactive, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), tt.err.Error())
	}
}
