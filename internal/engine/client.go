// Package engine is the client for the external image-generation engine.
// The engine accepts a job graph and returns an opaque job identifier
// (prompt id); completion is reported asynchronously, either through the
// HTTP callback the job graph embeds or through the engine's websocket
// stream (see monitor.go).
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-ai/atelier/internal/substitute"
)

// Reserved tokens substituted into every job graph before submission.
const (
	tokenClientID    = "[uuid]"
	tokenExecutionID = "[execution_id]"
)

// DispatchError reports that the engine was unreachable or rejected a job
// submission.
type DispatchError struct {
	Detail string
	Err    error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return "engine: dispatch failed: " + e.Detail + ": " + e.Err.Error()
	}
	return "engine: dispatch failed: " + e.Detail
}

func (e *DispatchError) Unwrap() error { return e.Err }

// DispatchResult carries the identifiers produced by a successful job
// submission. ClientID is the correlation id generated per dispatch; the
// websocket monitor scopes its stream by it.
type DispatchResult struct {
	PromptID string
	ClientID string
}

// QueueStatus is the engine's queue occupancy.
type QueueStatus struct {
	Running   int            `json:"running"`
	Pending   int            `json:"pending"`
	Total     int            `json:"total"`
	QueueData map[string]any `json:"queue_data"`
}

// Config holds the engine endpoints and timeouts.
type Config struct {
	// APIURL is the engine's HTTP base URL, without a path.
	APIURL string
	// WSURL is the engine's websocket base URL, without a path.
	WSURL string
	// RequestTimeout bounds each synchronous HTTP call.
	RequestTimeout time.Duration
	// MonitorTimeout bounds the websocket completion wait.
	MonitorTimeout time.Duration
}

// Client talks to one engine instance.
type Client struct {
	apiURL         string
	wsURL          string
	httpClient     *http.Client
	monitorTimeout time.Duration
}

// New creates a Client from cfg, filling in default timeouts.
func New(cfg Config) *Client {
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	monitorTimeout := cfg.MonitorTimeout
	if monitorTimeout <= 0 {
		monitorTimeout = 300 * time.Second
	}
	return &Client{
		apiURL:         cfg.APIURL,
		wsURL:          cfg.WSURL,
		httpClient:     &http.Client{Timeout: requestTimeout},
		monitorTimeout: monitorTimeout,
	}
}

// Dispatch submits a job graph and returns the engine-assigned prompt id.
// A fresh client correlation id is generated per call; both reserved tokens
// are substituted into the graph before submission. Persisting the prompt
// id is the caller's responsibility.
func (c *Client) Dispatch(ctx context.Context, executionID int64, graph map[string]any) (*DispatchResult, error) {
	clientID := uuid.New().String()

	graph, err := substitute.ReplaceTokens(graph, map[string]string{
		tokenClientID:    clientID,
		tokenExecutionID: strconv.FormatInt(executionID, 10),
	})
	if err != nil {
		return nil, &DispatchError{Detail: "reserved token substitution", Err: err}
	}

	requestBody, err := json.Marshal(map[string]any{
		"prompt":    graph,
		"client_id": clientID,
	})
	if err != nil {
		return nil, &DispatchError{Detail: "marshal request body", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/prompt", bytes.NewReader(requestBody))
	if err != nil {
		return nil, &DispatchError{Detail: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &DispatchError{Detail: "engine unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DispatchError{Detail: fmt.Sprintf("engine returned status %d", resp.StatusCode)}
	}

	var body struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &DispatchError{Detail: "decode response body", Err: err}
	}
	if body.PromptID == "" {
		return nil, &DispatchError{Detail: "engine response missing prompt_id"}
	}

	return &DispatchResult{PromptID: body.PromptID, ClientID: clientID}, nil
}

// QueueStatus reads the engine's queue and counts running and pending
// entries.
func (c *Client) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/queue", nil)
	if err != nil {
		return nil, fmt.Errorf("engine: create queue request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine: queue status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine: queue status: status code %d", resp.StatusCode)
	}

	var queueData map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&queueData); err != nil {
		return nil, fmt.Errorf("engine: decode queue response: %w", err)
	}

	running := sliceLen(queueData["queue_running"])
	pending := sliceLen(queueData["queue_pending"])
	return &QueueStatus{
		Running:   running,
		Pending:   pending,
		Total:     running + pending,
		QueueData: queueData,
	}, nil
}

func sliceLen(v any) int {
	if s, ok := v.([]any); ok {
		return len(s)
	}
	return 0
}
