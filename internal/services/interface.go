package services

import (
	"context"

	"github.com/atelier-ai/atelier/internal/engine"
)

// EngineClient is the surface of the external generation engine the
// services depend on.
type EngineClient interface {
	// Dispatch submits a job graph and returns the engine-assigned prompt
	// id plus the per-dispatch correlation id.
	Dispatch(ctx context.Context, executionID int64, graph map[string]any) (*engine.DispatchResult, error)
	// QueueStatus reads the engine's queue occupancy.
	QueueStatus(ctx context.Context) (*engine.QueueStatus, error)
	// Monitor blocks on the engine's websocket stream until the prompt
	// completes or the bounded wait elapses.
	Monitor(ctx context.Context, clientID, promptID string) *engine.MonitorResult
}
