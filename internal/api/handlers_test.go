package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/internal/auth"
	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/internal/services"
	"github.com/atelier-ai/atelier/pkg/models"
)

type mockWorkflowAPI struct {
	mock.Mock
}

func (m *mockWorkflowAPI) Create(ctx context.Context, user *models.User, in services.WorkflowInput) (*models.Workflow, error) {
	args := m.Called(ctx, user, in)
	if w := args.Get(0); w != nil {
		return w.(*models.Workflow), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkflowAPI) List(ctx context.Context, user *models.User) ([]*models.Workflow, error) {
	args := m.Called(ctx, user)
	if w := args.Get(0); w != nil {
		return w.([]*models.Workflow), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkflowAPI) Get(ctx context.Context, user *models.User, id int64) (*models.Workflow, error) {
	args := m.Called(ctx, user, id)
	if w := args.Get(0); w != nil {
		return w.(*models.Workflow), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkflowAPI) Update(ctx context.Context, user *models.User, id int64, in services.WorkflowInput) (*models.Workflow, error) {
	args := m.Called(ctx, user, id, in)
	if w := args.Get(0); w != nil {
		return w.(*models.Workflow), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkflowAPI) Delete(ctx context.Context, user *models.User, id int64) error {
	return m.Called(ctx, user, id).Error(0)
}

func (m *mockWorkflowAPI) SetStatus(ctx context.Context, user *models.User, id int64, status models.WorkflowStatus) (*models.Workflow, error) {
	args := m.Called(ctx, user, id, status)
	if w := args.Get(0); w != nil {
		return w.(*models.Workflow), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkflowAPI) GetInputForm(ctx context.Context, user *models.User, id int64) (*services.InputForm, error) {
	args := m.Called(ctx, user, id)
	if f := args.Get(0); f != nil {
		return f.(*services.InputForm), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockExecutionAPI struct {
	mock.Mock
}

func (m *mockExecutionAPI) Execute(ctx context.Context, user *models.User, req services.ExecuteRequest) (*services.ExecuteResult, error) {
	args := m.Called(ctx, user, req)
	if r := args.Get(0); r != nil {
		return r.(*services.ExecuteResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutionAPI) ReceiveCompletion(ctx context.Context, executionID int64, urls []string) (*services.CallbackSummary, error) {
	args := m.Called(ctx, executionID, urls)
	if s := args.Get(0); s != nil {
		return s.(*services.CallbackSummary), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutionAPI) QueueStatus(ctx context.Context) *services.QueueStatusResult {
	return m.Called(ctx).Get(0).(*services.QueueStatusResult)
}

func (m *mockExecutionAPI) ListMine(ctx context.Context, user *models.User) ([]*models.Execution, error) {
	args := m.Called(ctx, user)
	if e := args.Get(0); e != nil {
		return e.([]*models.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutionAPI) ListAll(ctx context.Context, user *models.User, limit, offset int) ([]*models.Execution, error) {
	args := m.Called(ctx, user, limit, offset)
	if e := args.Get(0); e != nil {
		return e.([]*models.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutionAPI) Get(ctx context.Context, user *models.User, id int64) (*models.Execution, error) {
	args := m.Called(ctx, user, id)
	if e := args.Get(0); e != nil {
		return e.(*models.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutionAPI) Delete(ctx context.Context, user *models.User, id int64) error {
	return m.Called(ctx, user, id).Error(0)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

// newTestEcho mounts the full route map with a middleware that injects user
// in place of the OIDC layer.
func newTestEcho(s *Server, user *models.User) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logging.NewNop())

	api := e.Group("/api", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if user != nil {
				auth.WithUser(c, user)
			}
			return next(c)
		}
	})
	public := e.Group("/api")
	s.Register(api, public)
	e.GET("/healthz", s.HandleHealth)
	return e
}

func testUser() *models.User {
	return &models.User{ID: "user-1", Subject: "sub-1", Role: models.RoleUser}
}

func TestExecuteWorkflowEndpoint(t *testing.T) {
	executions := new(mockExecutionAPI)
	s := NewServer(new(mockWorkflowAPI), executions, stubPinger{}, logging.NewNop())
	e := newTestEcho(s, testUser())

	executions.On("Execute", mock.Anything, mock.Anything, services.ExecuteRequest{
		WorkflowID:  7,
		InputValues: map[string]any{"prompt": "a lighthouse"},
	}).Return(&services.ExecuteResult{
		ExecutionID: 42,
		Status:      models.ExecPending,
		PromptID:    "p-1",
	}, nil)

	body := `{"workflow_id":7,"input_values":{"prompt":"a lighthouse"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/execute", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res services.ExecuteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(42), res.ExecutionID)
	assert.Equal(t, models.ExecPending, res.Status)
}

func TestCallbackEndpointIsUnauthenticated(t *testing.T) {
	executions := new(mockExecutionAPI)
	s := NewServer(new(mockWorkflowAPI), executions, stubPinger{}, logging.NewNop())
	e := newTestEcho(s, nil) // no user on the request

	executions.On("ReceiveCompletion", mock.Anything, int64(42),
		[]string{"http://engine/view?f=a.png"}).
		Return(&services.CallbackSummary{ExecutionID: 42, ImagesCount: 1, AssetsAdded: 1}, nil)

	body := `{"images":[{"image":"http://engine/view?f=a.png"},{"image":""}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/callback/42", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	executions.AssertExpectations(t)
}

func TestCallbackUnknownExecutionIs404(t *testing.T) {
	executions := new(mockExecutionAPI)
	s := NewServer(new(mockWorkflowAPI), executions, stubPinger{}, logging.NewNop())
	e := newTestEcho(s, nil)

	executions.On("ReceiveCompletion", mock.Anything, int64(404), mock.Anything).
		Return(nil, services.ErrNotFound)

	body := `{"images":[{"image":"http://engine/view?f=a.png"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/callback/404", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json",
		rec.Header().Get(echo.HeaderContentType))
}

func TestErrorMapping(t *testing.T) {
	workflows := new(mockWorkflowAPI)
	s := NewServer(workflows, new(mockExecutionAPI), stubPinger{}, logging.NewNop())
	e := newTestEcho(s, testUser())

	workflows.On("Get", mock.Anything, mock.Anything, int64(1)).Return(nil, services.ErrNotFound)
	workflows.On("Get", mock.Anything, mock.Anything, int64(2)).Return(nil, services.ErrForbidden)
	workflows.On("Get", mock.Anything, mock.Anything, int64(3)).
		Return(nil, &services.ValidationError{Detail: "bad input"})

	cases := []struct {
		path string
		code int
	}{
		{"/api/workflows/1", http.StatusNotFound},
		{"/api/workflows/2", http.StatusForbidden},
		{"/api/workflows/3", http.StatusBadRequest},
		{"/api/workflows/abc", http.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, tc.code, rec.Code, tc.path)
	}
}

func TestListWorkflowsReturnsSummariesForRegularUsers(t *testing.T) {
	workflows := new(mockWorkflowAPI)
	s := NewServer(workflows, new(mockExecutionAPI), stubPinger{}, logging.NewNop())
	e := newTestEcho(s, testUser())

	workflows.On("List", mock.Anything, mock.Anything).Return([]*models.Workflow{
		{
			ID:      7,
			Name:    "portrait",
			Status:  models.WorkflowPublished,
			OwnerID: "owner-1",
			Graph:   map[string]any{"3": map[string]any{"class_type": "KSampler"}},
		},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/workflows", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	// The graph must not leak through the listing.
	assert.NotContains(t, rec.Body.String(), "KSampler")
	assert.Contains(t, rec.Body.String(), "portrait")
}

func TestHealthDegradedOnDBFailure(t *testing.T) {
	s := NewServer(new(mockWorkflowAPI), new(mockExecutionAPI),
		stubPinger{err: context.DeadlineExceeded}, logging.NewNop())
	e := newTestEcho(s, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status.Status)
}
