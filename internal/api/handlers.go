// Package api contains the HTTP handlers for the workflow service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/atelier-ai/atelier/internal/engine"
	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/internal/services"
	"github.com/atelier-ai/atelier/internal/substitute"
	"github.com/atelier-ai/atelier/pkg/models"
)

// WorkflowAPI is the workflow surface the handlers call.
type WorkflowAPI interface {
	Create(ctx context.Context, user *models.User, in services.WorkflowInput) (*models.Workflow, error)
	List(ctx context.Context, user *models.User) ([]*models.Workflow, error)
	Get(ctx context.Context, user *models.User, id int64) (*models.Workflow, error)
	Update(ctx context.Context, user *models.User, id int64, in services.WorkflowInput) (*models.Workflow, error)
	Delete(ctx context.Context, user *models.User, id int64) error
	SetStatus(ctx context.Context, user *models.User, id int64, status models.WorkflowStatus) (*models.Workflow, error)
	GetInputForm(ctx context.Context, user *models.User, id int64) (*services.InputForm, error)
}

// ExecutionAPI is the execution surface the handlers call.
type ExecutionAPI interface {
	Execute(ctx context.Context, user *models.User, req services.ExecuteRequest) (*services.ExecuteResult, error)
	ReceiveCompletion(ctx context.Context, executionID int64, urls []string) (*services.CallbackSummary, error)
	QueueStatus(ctx context.Context) *services.QueueStatusResult
	ListMine(ctx context.Context, user *models.User) ([]*models.Execution, error)
	ListAll(ctx context.Context, user *models.User, limit, offset int) ([]*models.Execution, error)
	Get(ctx context.Context, user *models.User, id int64) (*models.Execution, error)
	Delete(ctx context.Context, user *models.User, id int64) error
}

// Pinger reports backing-store liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the API server.
type Server struct {
	workflows  WorkflowAPI
	executions ExecutionAPI
	db         Pinger
	logger     *logging.Logger
}

// NewServer creates a new Server.
func NewServer(workflows WorkflowAPI, executions ExecutionAPI, db Pinger, logger *logging.Logger) *Server {
	return &Server{
		workflows:  workflows,
		executions: executions,
		db:         db,
		logger:     logger,
	}
}

// Register mounts the authenticated API routes on g and the public callback
// route on public.
func (s *Server) Register(g *echo.Group, public *echo.Group) {
	g.POST("/workflows", s.CreateWorkflow)
	g.GET("/workflows", s.ListWorkflows)
	g.POST("/workflows/execute", s.ExecuteWorkflow)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.PUT("/workflows/:id", s.UpdateWorkflow)
	g.DELETE("/workflows/:id", s.DeleteWorkflow)
	g.PUT("/workflows/:id/status", s.SetWorkflowStatus)
	g.GET("/workflows/:id/input-form", s.GetInputForm)

	g.GET("/executions/my", s.ListMyExecutions)
	g.GET("/executions", s.ListExecutions)
	g.GET("/executions/queue/status", s.QueueStatus)
	g.GET("/executions/:id", s.GetExecution)
	g.DELETE("/executions/:id", s.DeleteExecution)

	// The engine cannot authenticate; completion delivery is keyed by the
	// execution id alone.
	public.POST("/callback/:execution_id", s.Callback)
}

// HealthStatus is the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Database  string    `json:"database"`
}

// HandleHealth reports service and database liveness.
func (s *Server) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "atelier",
		Database:  "ok",
	}
	code := http.StatusOK
	if err := s.db.Ping(c.Request().Context()); err != nil {
		status.Status = "degraded"
		status.Database = err.Error()
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// ProblemDetails is an RFC 7807 Problem Details response body.
type ProblemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// ErrorHandler renders every handler error as a Problem Details body.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		detail := "internal server error"
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				detail = msg
			}
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", "method", c.Request().Method,
				"path", c.Path(), "error", err)
		}

		problem := ProblemDetails{
			Type:   "about:blank",
			Title:  http.StatusText(code),
			Status: code,
			Detail: detail,
		}
		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if werr := c.JSON(code, problem); werr != nil {
			logger.Error("failed to write error response", "error", werr)
		}
	}
}

// httpError translates service-layer errors into HTTP status codes.
func httpError(err error) error {
	var (
		ve *services.ValidationError
		me *substitute.MalformedTemplateError
		de *engine.DispatchError
	)
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Detail)
	case errors.As(err, &me):
		return echo.NewHTTPError(http.StatusBadRequest, me.Error())
	case errors.Is(err, services.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.As(err, &de):
		return echo.NewHTTPError(http.StatusInternalServerError, de.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
