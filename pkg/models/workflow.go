// Package models defines the domain models for the workflow service.
package models

import (
	"time"
)

// WorkflowStatus gates who may see and execute a workflow template.
type WorkflowStatus string

const (
	// WorkflowDraft templates are visible only to their owner (and admins).
	WorkflowDraft WorkflowStatus = "DRAFT"
	// WorkflowPublished templates can be listed and executed by any user.
	WorkflowPublished WorkflowStatus = "PUBLISHED"
)

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	return s == WorkflowDraft || s == WorkflowPublished
}

// FieldKind describes how a placeholder value is coerced before it is
// inserted into the job graph.
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldNumber   FieldKind = "number"
	FieldFloat    FieldKind = "float"
	FieldSelect   FieldKind = "select"
	FieldTextarea FieldKind = "textarea"
)

// FieldSpec describes one placeholder of a workflow template: the expected
// value kind and the default used when the caller supplies no input. The
// JSON keys match the per-field configuration stored verbatim in the
// workflows table.
type FieldSpec struct {
	Kind    FieldKind `json:"type"`
	Label   string    `json:"label,omitempty"`
	Default any       `json:"defaultValue,omitempty"`
	Options []string  `json:"options,omitempty"`
}

// Workflow is a parameterized job-graph template. Graph holds the engine
// job graph verbatim; InputFields maps placeholder tokens to their specs.
// Placeholders referenced by the graph without a matching FieldSpec pass
// through substitution unchanged.
type Workflow struct {
	ID          int64                `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Graph       map[string]any       `json:"workflow_data"`
	InputFields map[string]FieldSpec `json:"input_fields"`
	Status      WorkflowStatus       `json:"status"`
	OwnerID     string               `json:"user_id"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// WorkflowSummary is the reduced shape embedded in execution listings.
type WorkflowSummary struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Summary returns the reduced listing shape of w.
func (w *Workflow) Summary() *WorkflowSummary {
	return &WorkflowSummary{ID: w.ID, Name: w.Name, Description: w.Description}
}
