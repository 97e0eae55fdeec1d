package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/atelier-ai/atelier/internal/auth"
	"github.com/atelier-ai/atelier/internal/services"
	"github.com/atelier-ai/atelier/pkg/models"
)

func currentUser(c echo.Context) (*models.User, error) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return user, nil
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// CreateWorkflow creates a new workflow template owned by the requester.
// (POST /api/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	var in services.WorkflowInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	w, err := s.workflows.Create(c.Request().Context(), user, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, w)
}

// ListWorkflows returns the templates visible to the requester: every
// template for admins, published summaries for everyone else.
// (GET /api/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	workflows, err := s.workflows.List(c.Request().Context(), user)
	if err != nil {
		return httpError(err)
	}
	if user.IsAdmin() {
		return c.JSON(http.StatusOK, workflows)
	}

	summaries := make([]*models.WorkflowSummary, 0, len(workflows))
	for _, w := range workflows {
		summaries = append(summaries, w.Summary())
	}
	return c.JSON(http.StatusOK, summaries)
}

// GetWorkflow returns a full template. Owner or admin.
// (GET /api/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	w, err := s.workflows.Get(c.Request().Context(), user, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

// UpdateWorkflow rewrites a template's content. Owner or admin.
// (PUT /api/workflows/:id)
func (s *Server) UpdateWorkflow(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	var in services.WorkflowInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	w, err := s.workflows.Update(c.Request().Context(), user, id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

// DeleteWorkflow removes a template. Owner or admin.
// (DELETE /api/workflows/:id)
func (s *Server) DeleteWorkflow(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	if err := s.workflows.Delete(c.Request().Context(), user, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type statusRequest struct {
	Status models.WorkflowStatus `json:"status"`
}

// SetWorkflowStatus flips a template between DRAFT and PUBLISHED. Admin only.
// (PUT /api/workflows/:id/status)
func (s *Server) SetWorkflowStatus(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	w, err := s.workflows.SetStatus(c.Request().Context(), user, id, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

// GetInputForm returns the fields a client must render to execute a
// template. (GET /api/workflows/:id/input-form)
func (s *Server) GetInputForm(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	form, err := s.workflows.GetInputForm(c.Request().Context(), user, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, form)
}

// ExecuteWorkflow substitutes caller values into a template and dispatches
// it to the engine. (POST /api/workflows/execute)
func (s *Server) ExecuteWorkflow(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	var req services.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	res, err := s.executions.Execute(c.Request().Context(), user, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}
