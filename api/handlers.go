package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/songzhibin97/taskflow/audit"
	"github.com/songzhibin97/taskflow/types"
	"github.com/songzhibin97/taskflow/workflow"
)

// ApproveRequest is the body of the approve endpoint.
type ApproveRequest struct {
	StepID  string `json:"step_id"`
	Action  string `json:"action"`
	Comment string `json:"comment"`
}

// RewindRequest is the body of the rewind endpoint.
type RewindRequest struct {
	TargetStepID string `json:"target_step_id"`
	Reason       string `json:"reason"`
}

// WebhookResponse answers an inbound webhook delivery.
type WebhookResponse struct {
	Status          string `json:"status"`
	TaskID          string `json:"task_id"`
	WorkflowStarted bool   `json:"workflow_started"`
	Error           string `json:"error,omitempty"`
}

func (s *Server) requireAdmin(c echo.Context) error {
	actor := actorOf(c)
	if !actor.HasRole(s.adminRoles...) {
		return &workflow.PermissionError{ActorID: actor.ID, Operation: c.Path(), Reason: "admin role required"}
	}
	return nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}

// RegisterWorkflow validates and stores a workflow definition
// (POST /api/v1/workflows)
func (s *Server) RegisterWorkflow(c echo.Context) error {
	if err := s.requireAdmin(c); err != nil {
		return err
	}
	var wf types.Workflow
	if err := bind(c, &wf); err != nil {
		return err
	}
	if err := s.engine.RegisterWorkflow(c.Request().Context(), wf); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

// GetWorkflow returns a workflow definition
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	wf, err := s.engine.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// CreateTask stores a new task
// (POST /api/v1/tasks)
func (s *Server) CreateTask(c echo.Context) error {
	var task types.Task
	if err := bind(c, &task); err != nil {
		return err
	}
	task.CreatorID = actorOf(c).ID
	task.Status = ""
	task.ArchivedStates = nil
	created, err := s.engine.CreateTask(c.Request().Context(), task)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// GetTask returns a task with its workflow state
// (GET /api/v1/tasks/:id)
func (s *Server) GetTask(c echo.Context) error {
	task, err := s.engine.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

// DeleteTask removes a task, admins only
// (DELETE /api/v1/tasks/:id)
func (s *Server) DeleteTask(c echo.Context) error {
	if err := s.engine.DeleteTask(c.Request().Context(), c.Param("id"), actorOf(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// PendingApprovals lists the approvals waiting on the caller
// (GET /api/v1/workflows/pending-approvals)
func (s *Server) PendingApprovals(c echo.Context) error {
	items, err := s.engine.PendingApprovals(c.Request().Context(), actorOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"pending_approvals": items})
}

func stateResponse(c echo.Context, state *types.WorkflowState, err error) error {
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"workflow_state": state})
}

// StartWorkflow (POST /api/v1/tasks/:id/workflow/start)
func (s *Server) StartWorkflow(c echo.Context) error {
	state, err := s.engine.StartWorkflow(c.Request().Context(), c.Param("id"), actorOf(c))
	return stateResponse(c, state, err)
}

// ProgressWorkflow (POST /api/v1/tasks/:id/workflow/progress)
func (s *Server) ProgressWorkflow(c echo.Context) error {
	var intent workflow.ProgressIntent
	if c.Request().ContentLength != 0 {
		if err := bind(c, &intent); err != nil {
			return err
		}
	}
	state, err := s.engine.ProgressWorkflow(c.Request().Context(), c.Param("id"), intent, actorOf(c))
	return stateResponse(c, state, err)
}

// ApproveStep (POST /api/v1/tasks/:id/workflow/approve)
func (s *Server) ApproveStep(c echo.Context) error {
	var req ApproveRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	state, err := s.engine.ApproveStep(c.Request().Context(), c.Param("id"), req.StepID, req.Action, req.Comment, actorOf(c))
	return stateResponse(c, state, err)
}

// RewindWorkflow (POST /api/v1/tasks/:id/workflow/rewind)
func (s *Server) RewindWorkflow(c echo.Context) error {
	var req RewindRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	state, err := s.engine.RewindWorkflow(c.Request().Context(), c.Param("id"), req.TargetStepID, req.Reason, actorOf(c))
	return stateResponse(c, state, err)
}

// RetryStep (POST /api/v1/tasks/:id/workflow/retry)
func (s *Server) RetryStep(c echo.Context) error {
	state, err := s.engine.RetryStep(c.Request().Context(), c.Param("id"), actorOf(c))
	return stateResponse(c, state, err)
}

// ResetWorkflow (POST /api/v1/tasks/:id/workflow/reset)
func (s *Server) ResetWorkflow(c echo.Context) error {
	state, err := s.engine.ResetWorkflow(c.Request().Context(), c.Param("id"), actorOf(c))
	return stateResponse(c, state, err)
}

// RewindHistory (GET /api/v1/tasks/:id/workflow/rewind-history)
func (s *Server) RewindHistory(c echo.Context) error {
	history, err := s.engine.RewindHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if history == nil {
		history = []types.RewindRecord{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"rewind_history": history})
}

// CreateTrigger registers an inbound webhook
// (POST /api/v1/webhooks)
func (s *Server) CreateTrigger(c echo.Context) error {
	var trigger types.WebhookTrigger
	if err := bind(c, &trigger); err != nil {
		return err
	}
	created, err := s.receiver.CreateTrigger(c.Request().Context(), trigger, actorOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// ListTriggers (GET /api/v1/webhooks)
func (s *Server) ListTriggers(c echo.Context) error {
	list, err := s.receiver.ListTriggers(c.Request().Context(), actorOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"webhooks": list})
}

// DeleteTrigger (DELETE /api/v1/webhooks/:hook_id)
func (s *Server) DeleteTrigger(c echo.Context) error {
	if err := s.receiver.DeleteTrigger(c.Request().Context(), c.Param("hook_id"), actorOf(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ReceiveWebhook handles an inbound delivery. A body that is not a JSON
// object is treated as empty.
// (POST /api/v1/webhooks/:hook_id)
func (s *Server) ReceiveWebhook(c echo.Context) error {
	payload := map[string]interface{}{}
	if data, err := io.ReadAll(c.Request().Body); err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			payload = map[string]interface{}{}
		}
	}

	task, err := s.receiver.Receive(c.Request().Context(), c.Param("hook_id"), payload)
	if task == nil {
		return err
	}
	resp := WebhookResponse{Status: "success", TaskID: task.ID, WorkflowStarted: err == nil}
	if err != nil {
		resp.Status = "created"
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// AuditLogs queries the audit trail
// (GET /api/v1/audit-logs?actor_id=&action=&target=&start_date=&end_date=&limit=&offset=)
func (s *Server) AuditLogs(c echo.Context) error {
	if err := s.requireAdmin(c); err != nil {
		return err
	}
	filter := audit.Filter{
		ActorID:        c.QueryParam("actor_id"),
		Action:         c.QueryParam("action"),
		TargetResource: c.QueryParam("target"),
		Limit:          100,
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if raw := c.QueryParam(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
			}
			*dst = n
		}
	}
	for name, dst := range map[string]*time.Time{"start_date": &filter.Since, "end_date": &filter.Until} {
		if raw := c.QueryParam(name); raw != "" {
			t, err := parseDate(raw, name == "end_date")
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
			}
			*dst = t
		}
	}
	if !filter.Since.IsZero() && !filter.Until.IsZero() && filter.Since.After(filter.Until) {
		return echo.NewHTTPError(http.StatusBadRequest, "start_date is after end_date")
	}

	entries, err := s.audit.Query(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []types.AuditLogEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"logs": entries})
}

// parseDate accepts RFC 3339 or a plain date. A plain end date covers the
// whole day.
func parseDate(raw string, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
