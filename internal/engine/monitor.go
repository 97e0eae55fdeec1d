package engine

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/atelier-ai/atelier/pkg/models"
)

// OutputKind tags which key the engine's completion payload carried.
type OutputKind string

const (
	OutputImage OutputKind = "image"
	OutputText  OutputKind = "text"
	OutputOther OutputKind = "other"
)

// MonitorResult is the outcome of a bounded websocket wait. Status is
// completed, failed, or timeout; it never carries a non-terminal state.
type MonitorResult struct {
	Status models.ExecStatus
	Kind   OutputKind
	Images []any
	Text   any
	Output map[string]any
	Detail string
}

type wsMessage struct {
	Type string `json:"type"`
	Data struct {
		PromptID string         `json:"prompt_id"`
		Output   map[string]any `json:"output"`
	} `json:"data"`
}

// Monitor opens a websocket stream scoped by the dispatch correlation id
// and waits for the "executed" message matching promptID. The wait is
// bounded by the configured monitor timeout; an abandoned wait reports a
// timeout outcome without any guarantee the engine stopped processing.
// Monitor blocks and must be run off the request-handling goroutine.
func (c *Client) Monitor(ctx context.Context, clientID, promptID string) *MonitorResult {
	ctx, cancel := context.WithTimeout(ctx, c.monitorTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL+"/ws?clientId="+clientID, nil)
	if err != nil {
		return &MonitorResult{Status: models.ExecFailed, Detail: "websocket dial: " + err.Error()}
	}
	defer conn.Close()

	done := make(chan *MonitorResult, 1)
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				done <- &MonitorResult{Status: models.ExecFailed, Detail: "websocket read: " + err.Error()}
				return
			}

			var msg wsMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				// The stream interleaves non-JSON preview frames; skip them.
				continue
			}
			if msg.Type != "executed" || msg.Data.PromptID != promptID {
				continue
			}

			done <- classifyOutput(msg.Data.Output)
			return
		}
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		// Unblock the reader; the deferred close would do it too, but the
		// goroutine may be mid-read.
		conn.Close()
		return &MonitorResult{Status: models.ExecTimeout, Detail: "no completion message received from engine stream"}
	}
}

func classifyOutput(output map[string]any) *MonitorResult {
	res := &MonitorResult{Status: models.ExecCompleted, Output: output}
	if images, ok := output["images"].([]any); ok {
		res.Kind = OutputImage
		res.Images = images
	} else if text, ok := output["text"]; ok {
		res.Kind = OutputText
		res.Text = text
	} else {
		res.Kind = OutputOther
	}
	return res
}
