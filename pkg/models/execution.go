package models

import (
	"time"
)

// ExecStatus is the lifecycle state of an execution record. Transitions run
// pending → running → {completed, failed, timeout}; the three terminal
// states admit no further transition.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecTimeout   ExecStatus = "timeout"
)

// Terminal reports whether no further status transition is permitted.
func (s ExecStatus) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecTimeout
}

// Execution is one invocation of a workflow template. PromptID is the
// engine-assigned job identifier; it is set at most once, when dispatch
// succeeds, and never changes afterwards.
type Execution struct {
	ID           int64            `json:"id"`
	WorkflowID   int64            `json:"workflow_id"`
	UserID       string           `json:"user_id"`
	Status       ExecStatus       `json:"status"`
	PromptID     *string          `json:"prompt_id,omitempty"`
	Input        map[string]any   `json:"input_data,omitempty"`
	Output       map[string]any   `json:"output_data,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	Workflow     *WorkflowSummary `json:"workflow,omitempty"`
	Assets       []Asset          `json:"assets,omitempty"`
}

// Asset is one produced output (an image URL) tied to exactly one
// execution. Assets never outlive their execution; deleting the execution
// cascades to its assets.
type Asset struct {
	ID          int64     `json:"id"`
	ExecutionID int64     `json:"execution_id"`
	URL         string    `json:"image_url"`
	CreatedAt   time.Time `json:"created_at"`
}
