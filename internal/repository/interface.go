// Package repository is the record store for workflows, executions,
// produced assets, and users.
package repository

import (
	"context"
	"errors"

	"github.com/atelier-ai/atelier/pkg/models"
)

// ErrNotFound is returned when no row matches the requested identifier.
var ErrNotFound = errors.New("repository: not found")

// WorkflowStore manages workflow templates.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w *models.Workflow) error
	GetWorkflow(ctx context.Context, id int64) (*models.Workflow, error)
	// ListWorkflows returns every template, newest first.
	ListWorkflows(ctx context.Context) ([]*models.Workflow, error)
	// ListWorkflowsByStatus returns templates in the given status, newest first.
	ListWorkflowsByStatus(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error)
	UpdateWorkflow(ctx context.Context, w *models.Workflow) error
	UpdateWorkflowStatus(ctx context.Context, id int64, status models.WorkflowStatus) error
	DeleteWorkflow(ctx context.Context, id int64) error
}

// ExecutionStore manages execution records and their assets. Each write
// method runs in its own transaction; no locks are held across calls.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *models.Execution) error
	GetExecution(ctx context.Context, id int64) (*models.Execution, error)
	ListExecutionsByUser(ctx context.Context, userID string) ([]*models.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*models.Execution, error)

	// RecordDispatch stores the engine-assigned prompt id. The id is set
	// at most once; a second call is a no-op.
	RecordDispatch(ctx context.Context, id int64, promptID string) error

	// MarkFailed moves the record to failed with the given detail.
	MarkFailed(ctx context.Context, id int64, detail string) error

	// CompleteWithAssets sets the record completed and inserts one asset
	// row per URL, atomically. It is applied even when the record is
	// already terminal. Returns the number of assets added, or ErrNotFound
	// when the record does not exist.
	CompleteWithAssets(ctx context.Context, id int64, urls []string) (int, error)

	// FinalizeIfActive applies a terminal status only when the record is
	// still non-terminal, and reports whether the update was applied.
	FinalizeIfActive(ctx context.Context, id int64, status models.ExecStatus, detail string, output map[string]any) (bool, error)

	// DeleteExecution removes a record; its assets cascade.
	DeleteExecution(ctx context.Context, id int64) error
}

// UserStore manages service accounts.
type UserStore interface {
	GetUserBySubject(ctx context.Context, subject string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
}

// Store is the full record store surface.
type Store interface {
	WorkflowStore
	ExecutionStore
	UserStore
	Ping(ctx context.Context) error
}
