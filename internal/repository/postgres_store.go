package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-ai/atelier/pkg/models"
)

// PostgresStore is the PostgreSQL implementation of Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore over the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping verifies the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const workflowCols = `id, name, description, graph, input_fields, status, owner_id, created_at, updated_at`

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var w models.Workflow
	err := row.Scan(&w.ID, &w.Name, &w.Description, &w.Graph, &w.InputFields,
		&w.Status, &w.OwnerID, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWorkflow inserts a workflow and fills in its generated fields.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, w *models.Workflow) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO workflows (name, description, graph, input_fields, status, owner_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		w.Name, w.Description, w.Graph, w.InputFields, w.Status, w.OwnerID,
	).Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
}

// GetWorkflow retrieves a workflow by id.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id int64) (*models.Workflow, error) {
	return scanWorkflow(s.db.QueryRow(ctx,
		`SELECT `+workflowCols+` FROM workflows WHERE id = $1`, id))
}

// ListWorkflows returns every workflow, newest first.
func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workflowCols+` FROM workflows ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// ListWorkflowsByStatus returns workflows in the given status, newest first.
func (s *PostgresStore) ListWorkflowsByStatus(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workflowCols+` FROM workflows WHERE status = $1 ORDER BY created_at DESC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

func collectWorkflows(rows pgx.Rows) ([]*models.Workflow, error) {
	var workflows []*models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// UpdateWorkflow rewrites a workflow's mutable fields. The status flag is
// not touched here; see UpdateWorkflowStatus.
func (s *PostgresStore) UpdateWorkflow(ctx context.Context, w *models.Workflow) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET name = $1, description = $2, graph = $3, input_fields = $4, updated_at = now()
		 WHERE id = $5`,
		w.Name, w.Description, w.Graph, w.InputFields, w.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWorkflowStatus flips the workflow visibility flag.
func (s *PostgresStore) UpdateWorkflowStatus(ctx context.Context, id int64, status models.WorkflowStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorkflow removes a workflow; executions and assets cascade.
func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const executionCols = `e.id, e.workflow_id, e.user_id, e.status, e.prompt_id,
	COALESCE(e.input, 'null'::jsonb), COALESCE(e.output, 'null'::jsonb),
	e.error_message, e.started_at, e.completed_at, e.created_at,
	w.id, w.name, w.description`

func scanExecution(row pgx.Row) (*models.Execution, error) {
	var e models.Execution
	var wf models.WorkflowSummary
	err := row.Scan(&e.ID, &e.WorkflowID, &e.UserID, &e.Status, &e.PromptID,
		&e.Input, &e.Output, &e.ErrorMessage, &e.StartedAt, &e.CompletedAt, &e.CreatedAt,
		&wf.ID, &wf.Name, &wf.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Workflow = &wf
	return &e, nil
}

// CreateExecution inserts an execution record and fills in its generated
// fields.
func (s *PostgresStore) CreateExecution(ctx context.Context, e *models.Execution) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO executions (workflow_id, user_id, status, input, started_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		e.WorkflowID, e.UserID, e.Status, e.Input, e.StartedAt,
	).Scan(&e.ID, &e.CreatedAt)
}

// GetExecution retrieves an execution with its workflow summary and assets.
func (s *PostgresStore) GetExecution(ctx context.Context, id int64) (*models.Execution, error) {
	e, err := scanExecution(s.db.QueryRow(ctx,
		`SELECT `+executionCols+` FROM executions e
		 JOIN workflows w ON w.id = e.workflow_id
		 WHERE e.id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := s.attachAssets(ctx, []*models.Execution{e}); err != nil {
		return nil, err
	}
	return e, nil
}

// ListExecutionsByUser returns the user's executions, newest first.
func (s *PostgresStore) ListExecutionsByUser(ctx context.Context, userID string) ([]*models.Execution, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+executionCols+` FROM executions e
		 JOIN workflows w ON w.id = e.workflow_id
		 WHERE e.user_id = $1
		 ORDER BY e.started_at DESC NULLS LAST`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectExecutions(ctx, rows)
}

// ListExecutions returns a page of all executions, newest first.
func (s *PostgresStore) ListExecutions(ctx context.Context, limit, offset int) ([]*models.Execution, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+executionCols+` FROM executions e
		 JOIN workflows w ON w.id = e.workflow_id
		 ORDER BY e.started_at DESC NULLS LAST
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectExecutions(ctx, rows)
}

func (s *PostgresStore) collectExecutions(ctx context.Context, rows pgx.Rows) ([]*models.Execution, error) {
	var executions []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachAssets(ctx, executions); err != nil {
		return nil, err
	}
	return executions, nil
}

func (s *PostgresStore) attachAssets(ctx context.Context, executions []*models.Execution) error {
	if len(executions) == 0 {
		return nil
	}
	byID := make(map[int64]*models.Execution, len(executions))
	ids := make([]int64, 0, len(executions))
	for _, e := range executions {
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, execution_id, image_url, created_at FROM assets
		 WHERE execution_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Asset
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.URL, &a.CreatedAt); err != nil {
			return err
		}
		if e, ok := byID[a.ExecutionID]; ok {
			e.Assets = append(e.Assets, a)
		}
	}
	return rows.Err()
}

// RecordDispatch stores the engine prompt id. The WHERE clause keeps the id
// write-once.
func (s *PostgresStore) RecordDispatch(ctx context.Context, id int64, promptID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE executions SET prompt_id = $1 WHERE id = $2 AND prompt_id IS NULL`,
		promptID, id)
	return err
}

// MarkFailed moves an execution to failed with the given detail.
func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, detail string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET status = $1, error_message = $2, completed_at = now() WHERE id = $3`,
		models.ExecFailed, detail, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteWithAssets finalizes an execution and records its produced
// artifact URLs in a single transaction. The completion is re-applied even
// on a terminal record; repeated delivery therefore duplicates assets.
func (s *PostgresStore) CompleteWithAssets(ctx context.Context, id int64, urls []string) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE executions SET status = $1, completed_at = now() WHERE id = $2`,
		models.ExecCompleted, id)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}

	added := 0
	for _, url := range urls {
		if _, err := tx.Exec(ctx,
			`INSERT INTO assets (execution_id, image_url) VALUES ($1, $2)`, id, url); err != nil {
			return 0, fmt.Errorf("insert asset %q: %w", url, err)
		}
		added++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return added, nil
}

// FinalizeIfActive applies a terminal status only to a non-terminal record
// and reports whether the write landed. This is the compare-and-swap the
// streaming monitor uses so it can never clobber a state the callback
// already finalized.
func (s *PostgresStore) FinalizeIfActive(ctx context.Context, id int64, status models.ExecStatus, detail string, output map[string]any) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET status = $1, error_message = NULLIF($2, ''), output = $3, completed_at = now()
		 WHERE id = $4 AND status NOT IN ($5, $6, $7)`,
		status, detail, output, id,
		models.ExecCompleted, models.ExecFailed, models.ExecTimeout)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteExecution removes an execution; its assets cascade.
func (s *PostgresStore) DeleteExecution(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM executions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUserBySubject retrieves a user by identity-provider subject.
func (s *PostgresStore) GetUserBySubject(ctx context.Context, subject string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx,
		`SELECT id, subject, email, role, created_at FROM users WHERE subject = $1`, subject,
	).Scan(&u.ID, &u.Subject, &u.Email, &u.Role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user and fills in its generated fields.
func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO users (subject, email, role) VALUES ($1, $2, $3) RETURNING id, created_at`,
		u.Subject, u.Email, u.Role,
	).Scan(&u.ID, &u.CreatedAt)
}
