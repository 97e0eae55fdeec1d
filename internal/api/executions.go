package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// ListMyExecutions returns the requester's executions, newest first.
// (GET /api/executions/my)
func (s *Server) ListMyExecutions(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	execs, err := s.executions.ListMine(c.Request().Context(), user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, execs)
}

// ListExecutions returns a page of every execution. Admin only.
// (GET /api/executions?limit=&offset=)
func (s *Server) ListExecutions(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	execs, err := s.executions.ListAll(c.Request().Context(), user, limit, offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, execs)
}

// GetExecution returns one execution with its assets. Owner or admin.
// (GET /api/executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	exec, err := s.executions.Get(c.Request().Context(), user, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, exec)
}

// DeleteExecution removes an execution record and its assets. Owner or
// admin; refused while running. (DELETE /api/executions/:id)
func (s *Server) DeleteExecution(c echo.Context) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	if err := s.executions.Delete(c.Request().Context(), user, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// QueueStatus reports the engine's queue occupancy.
// (GET /api/executions/queue/status)
func (s *Server) QueueStatus(c echo.Context) error {
	if _, err := currentUser(c); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.executions.QueueStatus(c.Request().Context()))
}

type callbackImage struct {
	Image string `json:"image"`
}

type callbackRequest struct {
	Images []callbackImage `json:"images"`
}

// Callback receives a completion notification from the engine: the record
// goes terminal and one asset row is stored per reported URL.
// (POST /api/callback/:execution_id)
func (s *Server) Callback(c echo.Context) error {
	id, err := pathID(c, "execution_id")
	if err != nil {
		return err
	}

	var req callbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	urls := make([]string, 0, len(req.Images))
	for _, img := range req.Images {
		if img.Image != "" {
			urls = append(urls, img.Image)
		}
	}

	summary, err := s.executions.ReceiveCompletion(c.Request().Context(), id, urls)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summary)
}
