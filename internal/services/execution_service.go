package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/internal/metrics"
	"github.com/atelier-ai/atelier/internal/repository"
	"github.com/atelier-ai/atelier/internal/substitute"
	"github.com/atelier-ai/atelier/pkg/models"
)

// ExecutionConfig tunes the execution pipeline.
type ExecutionConfig struct {
	// MonitorEnabled spawns a websocket completion watch per successful
	// dispatch, alongside the HTTP callback path.
	MonitorEnabled bool
	// LegacySubstitution keeps the historical textual placeholder
	// replacement; when false, tokens match only at string-leaf positions.
	LegacySubstitution bool
}

// ExecutionService owns the execution record lifecycle: it accepts execute
// requests, runs substitution and dispatch, and reconciles asynchronous
// completion events from the callback endpoint and the optional stream
// monitor.
type ExecutionService struct {
	store   repository.Store
	engine  EngineClient
	logger  *logging.Logger
	metrics *metrics.Collector
	cfg     ExecutionConfig
}

// NewExecutionService creates a new ExecutionService.
func NewExecutionService(store repository.Store, eng EngineClient, logger *logging.Logger, collector *metrics.Collector, cfg ExecutionConfig) *ExecutionService {
	return &ExecutionService{
		store:   store,
		engine:  eng,
		logger:  logger,
		metrics: collector,
		cfg:     cfg,
	}
}

// ExecuteRequest is the caller's execute payload.
type ExecuteRequest struct {
	WorkflowID  int64          `json:"workflow_id"`
	InputValues map[string]any `json:"input_values"`
}

// ExecuteResult is returned to the caller after a successful dispatch. The
// record is still pending at this point; the engine reports completion
// asynchronously.
type ExecuteResult struct {
	Message       string            `json:"message"`
	ExecutionID   int64             `json:"execution_id"`
	Status        models.ExecStatus `json:"status"`
	PromptID      string            `json:"prompt_id"`
	Graph         map[string]any    `json:"processed_workflow_data"`
	Placeholders  []string          `json:"original_placeholders"`
	AppliedValues map[string]any    `json:"applied_values"`
}

// Execute validates visibility, creates the execution record, substitutes
// placeholders, and dispatches the job graph. Substitution and dispatch
// failures are written onto the record and also returned to the caller.
func (s *ExecutionService) Execute(ctx context.Context, user *models.User, req ExecuteRequest) (*ExecuteResult, error) {
	if req.WorkflowID == 0 {
		return nil, &ValidationError{Detail: "workflow_id is required"}
	}

	workflow, err := s.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("workflow %d: %w", req.WorkflowID, ErrNotFound)
		}
		return nil, fmt.Errorf("get workflow %d: %w", req.WorkflowID, err)
	}

	// Draft templates are executable only by their owner (and admins); the
	// ownership check happens before any record is created.
	if workflow.Status != models.WorkflowPublished && workflow.OwnerID != user.ID && !user.IsAdmin() {
		return nil, ErrForbidden
	}

	now := time.Now()
	exec := &models.Execution{
		WorkflowID: workflow.ID,
		UserID:     user.ID,
		Status:     models.ExecPending,
		Input:      req.InputValues,
		StartedAt:  &now,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	graph, err := s.substituteGraph(workflow, req.InputValues)
	if err != nil {
		s.failExecution(ctx, exec.ID, err.Error())
		return nil, err
	}

	dispatched, err := s.engine.Dispatch(ctx, exec.ID, graph)
	if err != nil {
		s.metrics.ObserveDispatch("failed")
		s.failExecution(ctx, exec.ID, err.Error())
		return nil, err
	}
	s.metrics.ObserveDispatch("ok")

	if err := s.store.RecordDispatch(ctx, exec.ID, dispatched.PromptID); err != nil {
		return nil, fmt.Errorf("record dispatch for execution %d: %w", exec.ID, err)
	}

	s.logger.Info("execution dispatched",
		"execution_id", exec.ID,
		"workflow_id", workflow.ID,
		"prompt_id", dispatched.PromptID)

	if s.cfg.MonitorEnabled {
		// The bounded stream wait must never block the request cycle.
		go s.watch(context.WithoutCancel(ctx), exec.ID, dispatched.ClientID, dispatched.PromptID)
	}

	placeholders := make([]string, 0, len(workflow.InputFields))
	for token := range workflow.InputFields {
		placeholders = append(placeholders, token)
	}

	return &ExecuteResult{
		Message:       "workflow execution started",
		ExecutionID:   exec.ID,
		Status:        models.ExecPending,
		PromptID:      dispatched.PromptID,
		Graph:         graph,
		Placeholders:  placeholders,
		AppliedValues: req.InputValues,
	}, nil
}

func (s *ExecutionService) substituteGraph(workflow *models.Workflow, inputs map[string]any) (map[string]any, error) {
	if s.cfg.LegacySubstitution {
		return substitute.Apply(workflow.Graph, workflow.InputFields, inputs)
	}
	return substitute.ApplyTree(workflow.Graph, workflow.InputFields, inputs)
}

// failExecution records a dispatch-path failure on the record. Best effort:
// the caller is about to receive the original error either way.
func (s *ExecutionService) failExecution(ctx context.Context, id int64, detail string) {
	if err := s.store.MarkFailed(ctx, id, detail); err != nil {
		s.logger.Error("failed to mark execution failed", "execution_id", id, "error", err)
	}
}

// watch waits on the engine stream and finalizes the record if nothing
// else has. The conditional update means a callback that already landed
// wins; the late monitor outcome is dropped with a log line.
func (s *ExecutionService) watch(ctx context.Context, executionID int64, clientID, promptID string) {
	res := s.engine.Monitor(ctx, clientID, promptID)

	var output map[string]any
	if res.Status == models.ExecCompleted {
		output = map[string]any{"type": string(res.Kind), "output": res.Output}
	}

	applied, err := s.store.FinalizeIfActive(ctx, executionID, res.Status, res.Detail, output)
	if err != nil {
		s.logger.Error("failed to finalize execution from stream monitor",
			"execution_id", executionID, "error", err)
		return
	}
	if !applied {
		s.logger.Debug("stream monitor outcome ignored, record already terminal",
			"execution_id", executionID, "outcome", res.Status)
		return
	}
	s.logger.Info("execution finalized from stream monitor",
		"execution_id", executionID, "status", res.Status)
}

// CallbackSummary reports what a completion callback changed.
type CallbackSummary struct {
	Status      string `json:"status"`
	ExecutionID int64  `json:"execution_id"`
	ImagesCount int    `json:"images_count"`
	AssetsAdded int    `json:"assets_added"`
}

// ReceiveCompletion reconciles an engine completion callback: the record
// becomes completed and one asset row is inserted per URL, atomically. An
// unknown execution id is an error, never a silent no-op. The completion is
// re-applied even on terminal records, so repeated delivery duplicates
// assets.
func (s *ExecutionService) ReceiveCompletion(ctx context.Context, executionID int64, urls []string) (*CallbackSummary, error) {
	added, err := s.store.CompleteWithAssets(ctx, executionID, urls)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.ObserveCallback("not_found")
			return nil, fmt.Errorf("execution %d: %w", executionID, ErrNotFound)
		}
		s.metrics.ObserveCallback("error")
		return nil, fmt.Errorf("complete execution %d: %w", executionID, err)
	}
	s.metrics.ObserveCallback("ok")

	s.logger.Info("callback processed",
		"execution_id", executionID, "assets_added", added)
	return &CallbackSummary{
		Status:      "success",
		ExecutionID: executionID,
		ImagesCount: len(urls),
		AssetsAdded: added,
	}, nil
}

// QueueStatusResult mirrors the engine queue occupancy. Engine errors are
// reported in-band as zero counts plus detail, keeping the status endpoint
// usable while the engine is down.
type QueueStatusResult struct {
	Running   int            `json:"running"`
	Pending   int            `json:"pending"`
	Total     int            `json:"total"`
	QueueData map[string]any `json:"queue_data"`
	Error     string         `json:"error,omitempty"`
}

// QueueStatus reads through to the engine's queue.
func (s *ExecutionService) QueueStatus(ctx context.Context) *QueueStatusResult {
	qs, err := s.engine.QueueStatus(ctx)
	if err != nil {
		s.logger.Warn("queue status unavailable", "error", err)
		return &QueueStatusResult{Error: err.Error()}
	}
	return &QueueStatusResult{
		Running:   qs.Running,
		Pending:   qs.Pending,
		Total:     qs.Total,
		QueueData: qs.QueueData,
	}
}

// ListMine returns the requester's executions, newest first.
func (s *ExecutionService) ListMine(ctx context.Context, user *models.User) ([]*models.Execution, error) {
	return s.store.ListExecutionsByUser(ctx, user.ID)
}

// ListAll returns a page of every execution. Admin only.
func (s *ExecutionService) ListAll(ctx context.Context, user *models.User, limit, offset int) ([]*models.Execution, error) {
	if !user.IsAdmin() {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListExecutions(ctx, limit, offset)
}

// Get returns one execution. Owner or admin.
func (s *ExecutionService) Get(ctx context.Context, user *models.User, id int64) (*models.Execution, error) {
	exec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.UserID != user.ID && !user.IsAdmin() {
		return nil, ErrForbidden
	}
	return exec, nil
}

// Delete removes an execution and its assets. Owner or admin; refused
// while the record is running.
func (s *ExecutionService) Delete(ctx context.Context, user *models.User, id int64) error {
	exec, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if exec.UserID != user.ID && !user.IsAdmin() {
		return ErrForbidden
	}
	if exec.Status == models.ExecRunning {
		return &ValidationError{Detail: "a running execution cannot be deleted"}
	}

	if err := s.store.DeleteExecution(ctx, id); err != nil {
		return fmt.Errorf("delete execution %d: %w", id, err)
	}
	s.logger.Info("execution deleted", "execution_id", id, "user_id", user.ID)
	return nil
}

func (s *ExecutionService) get(ctx context.Context, id int64) (*models.Execution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("execution %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get execution %d: %w", id, err)
	}
	return exec, nil
}
