// Package api exposes the workflow engine over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/songzhibin97/taskflow/audit"
	"github.com/songzhibin97/taskflow/storage"
	"github.com/songzhibin97/taskflow/triggers"
	"github.com/songzhibin97/taskflow/types"
	"github.com/songzhibin97/taskflow/workflow"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// Headers carrying the caller identity. Authentication happens in front of
// this service.
const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorRoles = "X-Actor-Roles"
)

const actorKey = "actor"

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	engine     *workflow.Engine
	receiver   *triggers.Receiver
	audit      audit.Querier
	logger     *slog.Logger
	adminRoles []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAdminRoles sets the roles allowed to manage definitions and read the audit log.
func WithAdminRoles(roles ...string) Option {
	return func(s *Server) {
		s.adminRoles = roles
	}
}

// NewServer creates a Server.
func NewServer(engine *workflow.Engine, receiver *triggers.Receiver, querier audit.Querier, opts ...Option) *Server {
	s := &Server{
		engine:     engine,
		receiver:   receiver,
		audit:      querier,
		logger:     slog.Default(),
		adminRoles: []string{workflow.DefaultAdminRole},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Echo builds the HTTP handler with middleware and routes.
func (s *Server) Echo(service string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(service))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.Any("error", v.Error))
			}
			s.logger.LogAttrs(c.Request().Context(), slog.LevelInfo, "request", attrs...)
			return nil
		},
	}))

	s.Register(e.Group("/api/v1"))
	return e
}

// Register mounts the routes on g.
func (s *Server) Register(g *echo.Group) {
	g.POST("/webhooks/:hook_id", s.ReceiveWebhook)

	authed := g.Group("", s.requireActor)
	authed.POST("/workflows", s.RegisterWorkflow)
	authed.GET("/workflows/pending-approvals", s.PendingApprovals)
	authed.GET("/workflows/:id", s.GetWorkflow)
	authed.POST("/tasks", s.CreateTask)
	authed.GET("/tasks/:id", s.GetTask)
	authed.DELETE("/tasks/:id", s.DeleteTask)
	authed.POST("/tasks/:id/workflow/start", s.StartWorkflow)
	authed.POST("/tasks/:id/workflow/progress", s.ProgressWorkflow)
	authed.POST("/tasks/:id/workflow/approve", s.ApproveStep)
	authed.POST("/tasks/:id/workflow/rewind", s.RewindWorkflow)
	authed.POST("/tasks/:id/workflow/retry", s.RetryStep)
	authed.POST("/tasks/:id/workflow/reset", s.ResetWorkflow)
	authed.GET("/tasks/:id/workflow/rewind-history", s.RewindHistory)
	authed.POST("/webhooks", s.CreateTrigger)
	authed.GET("/webhooks", s.ListTriggers)
	authed.DELETE("/webhooks/:hook_id", s.DeleteTrigger)
	authed.GET("/audit-logs", s.AuditLogs)
}

// requireActor reads the caller identity from the request headers.
func (s *Server) requireActor(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Request().Header.Get(HeaderActorID))
		if id == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing "+HeaderActorID+" header")
		}
		actor := types.Actor{ID: id}
		for _, role := range strings.Split(c.Request().Header.Get(HeaderActorRoles), ",") {
			if role = strings.TrimSpace(role); role != "" {
				actor.Roles = append(actor.Roles, role)
			}
		}
		c.Set(actorKey, actor)
		return next(c)
	}
}

func actorOf(c echo.Context) types.Actor {
	actor, _ := c.Get(actorKey).(types.Actor)
	return actor
}

// handleError maps engine errors onto HTTP status codes.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		he = &echo.HTTPError{Code: StatusCode(err), Message: err.Error()}
	}
	if he.Code >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request().Context(), "request failed",
			slog.String("path", c.Path()),
			slog.Any("error", err))
	}

	msg := he.Message
	if m, ok := msg.(string); ok {
		msg = map[string]string{"error": m}
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(he.Code)
	} else {
		err = c.JSON(he.Code, msg)
	}
	if err != nil {
		s.logger.ErrorContext(c.Request().Context(), "failed to write error response", slog.Any("error", err))
	}
}

// StatusCode returns the HTTP status for an engine error.
func StatusCode(err error) int {
	var (
		permission *workflow.PermissionError
		conflict   *workflow.ConflictError
		empty      *workflow.EmptyGraphError
		ambiguous  *workflow.AmbiguousEntryError
	)
	switch {
	case errors.Is(err, storage.ErrTaskNotFound),
		errors.Is(err, storage.ErrWorkflowNotFound),
		errors.Is(err, storage.ErrTriggerNotFound),
		errors.Is(err, triggers.ErrTriggerInactive):
		return http.StatusNotFound
	case errors.As(err, &permission):
		return http.StatusForbidden
	case errors.As(err, &conflict),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrTaskExists),
		errors.Is(err, workflow.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.As(err, &empty),
		errors.As(err, &ambiguous),
		errors.Is(err, workflow.ErrInvalidGraph),
		errors.Is(err, workflow.ErrMissingField),
		errors.Is(err, workflow.ErrInvalidAction),
		errors.Is(err, workflow.ErrStepMismatch),
		errors.Is(err, workflow.ErrStepNotInHistory):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrNoWorkflow),
		errors.Is(err, workflow.ErrNotStarted),
		errors.Is(err, workflow.ErrWorkflowNotActive),
		errors.Is(err, workflow.ErrWorkflowInactive),
		errors.Is(err, workflow.ErrAwaitingApproval),
		errors.Is(err, workflow.ErrSuspended),
		errors.Is(err, workflow.ErrNotSuspended):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
