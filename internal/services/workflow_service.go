package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/internal/repository"
	"github.com/atelier-ai/atelier/pkg/models"
)

// WorkflowService manages workflow templates and their visibility.
type WorkflowService struct {
	store  repository.Store
	logger *logging.Logger
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(store repository.Store, logger *logging.Logger) *WorkflowService {
	return &WorkflowService{store: store, logger: logger}
}

// WorkflowInput is the caller-supplied shape for create and update.
type WorkflowInput struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description"`
	Graph       map[string]any              `json:"workflow_data"`
	InputFields map[string]models.FieldSpec `json:"input_fields"`
}

func (in *WorkflowInput) validate() error {
	if in.Name == "" {
		return &ValidationError{Detail: "workflow name is required"}
	}
	if in.Graph == nil {
		return &ValidationError{Detail: "workflow_data is required"}
	}
	for token, spec := range in.InputFields {
		switch spec.Kind {
		case models.FieldText, models.FieldNumber, models.FieldFloat, models.FieldSelect, models.FieldTextarea:
		default:
			return &ValidationError{Detail: fmt.Sprintf("field %q has unknown type %q", token, spec.Kind)}
		}
	}
	return nil
}

// Create stores a new template owned by the requester. New templates start
// as drafts; publication is a separate, admin-only step.
func (s *WorkflowService) Create(ctx context.Context, user *models.User, in WorkflowInput) (*models.Workflow, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	fields := in.InputFields
	if fields == nil {
		fields = map[string]models.FieldSpec{}
	}
	w := &models.Workflow{
		Name:        in.Name,
		Description: in.Description,
		Graph:       in.Graph,
		InputFields: fields,
		Status:      models.WorkflowDraft,
		OwnerID:     user.ID,
	}
	if err := s.store.CreateWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	s.logger.Info("workflow created", "workflow_id", w.ID, "owner_id", user.ID)
	return w, nil
}

// List returns the templates visible to the requester: everything for
// admins, published templates only for everyone else.
func (s *WorkflowService) List(ctx context.Context, user *models.User) ([]*models.Workflow, error) {
	if user.IsAdmin() {
		return s.store.ListWorkflows(ctx)
	}
	return s.store.ListWorkflowsByStatus(ctx, models.WorkflowPublished)
}

// Get returns a single template. Only the owner and admins may read the
// full template, since the graph may embed private prompt material.
func (s *WorkflowService) Get(ctx context.Context, user *models.User, id int64) (*models.Workflow, error) {
	w, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.OwnerID != user.ID && !user.IsAdmin() {
		return nil, ErrForbidden
	}
	return w, nil
}

// Update rewrites a template's content. Owner only.
func (s *WorkflowService) Update(ctx context.Context, user *models.User, id int64, in WorkflowInput) (*models.Workflow, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	w, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.OwnerID != user.ID && !user.IsAdmin() {
		return nil, ErrForbidden
	}

	w.Name = in.Name
	w.Description = in.Description
	w.Graph = in.Graph
	w.InputFields = in.InputFields
	if w.InputFields == nil {
		w.InputFields = map[string]models.FieldSpec{}
	}
	if err := s.store.UpdateWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("update workflow %d: %w", id, err)
	}
	return s.get(ctx, id)
}

// Delete removes a template. Owner only.
func (s *WorkflowService) Delete(ctx context.Context, user *models.User, id int64) error {
	w, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if w.OwnerID != user.ID && !user.IsAdmin() {
		return ErrForbidden
	}
	if err := s.store.DeleteWorkflow(ctx, id); err != nil {
		return fmt.Errorf("delete workflow %d: %w", id, err)
	}
	s.logger.Info("workflow deleted", "workflow_id", id, "user_id", user.ID)
	return nil
}

// SetStatus flips a template between DRAFT and PUBLISHED. Admin only.
func (s *WorkflowService) SetStatus(ctx context.Context, user *models.User, id int64, status models.WorkflowStatus) (*models.Workflow, error) {
	if !user.IsAdmin() {
		return nil, ErrForbidden
	}
	if !status.Valid() {
		return nil, &ValidationError{Detail: fmt.Sprintf("status must be %q or %q", models.WorkflowDraft, models.WorkflowPublished)}
	}

	if err := s.store.UpdateWorkflowStatus(ctx, id, status); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("workflow %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("update workflow %d status: %w", id, err)
	}
	s.logger.Info("workflow status changed", "workflow_id", id, "status", status)
	return s.get(ctx, id)
}

// InputForm describes the fields a client must render to execute a
// template.
type InputForm struct {
	WorkflowID    int64                       `json:"workflow_id"`
	WorkflowName  string                      `json:"workflow_name"`
	InputFields   map[string]models.FieldSpec `json:"input_fields"`
	HasInputField bool                        `json:"has_input_fields"`
}

// GetInputForm returns the input form for a template. Owner only.
func (s *WorkflowService) GetInputForm(ctx context.Context, user *models.User, id int64) (*InputForm, error) {
	w, err := s.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	return &InputForm{
		WorkflowID:    w.ID,
		WorkflowName:  w.Name,
		InputFields:   w.InputFields,
		HasInputField: len(w.InputFields) > 0,
	}, nil
}

func (s *WorkflowService) get(ctx context.Context, id int64) (*models.Workflow, error) {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("workflow %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get workflow %d: %w", id, err)
	}
	return w, nil
}
