package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/pkg/models"
)

var upgrader = websocket.Upgrader{}

// wsTestServer upgrades one connection and hands it to fn.
func wsTestServer(t *testing.T, fn func(conn *websocket.Conn, clientID string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ws", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		fn(conn, r.URL.Query().Get("clientId"))
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestMonitorCompletion(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn, clientID string) {
		assert.Equal(t, "client-1", clientID)

		// Unrelated traffic first: progress frame, then an executed message
		// for a different prompt.
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"progress","data":{"value":1}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"executed","data":{"prompt_id":"other"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"executed","data":{"prompt_id":"prompt-1","output":{"images":[{"filename":"out.png","type":"output"}]}}}`))

		// Hold the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := New(Config{WSURL: wsURL(srv), MonitorTimeout: 5 * time.Second})
	res := c.Monitor(context.Background(), "client-1", "prompt-1")

	assert.Equal(t, models.ExecCompleted, res.Status)
	assert.Equal(t, OutputImage, res.Kind)
	require.Len(t, res.Images, 1)
}

func TestMonitorTextOutput(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn, clientID string) {
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"executed","data":{"prompt_id":"prompt-2","output":{"text":["a caption"]}}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := New(Config{WSURL: wsURL(srv), MonitorTimeout: 5 * time.Second})
	res := c.Monitor(context.Background(), "client-2", "prompt-2")

	assert.Equal(t, models.ExecCompleted, res.Status)
	assert.Equal(t, OutputText, res.Kind)
}

func TestMonitorTimeout(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn, clientID string) {
		// Never send the completion message.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := New(Config{WSURL: wsURL(srv), MonitorTimeout: 100 * time.Millisecond})
	res := c.Monitor(context.Background(), "client-3", "prompt-3")

	assert.Equal(t, models.ExecTimeout, res.Status)
	assert.NotEmpty(t, res.Detail)
}

func TestMonitorDialFailure(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn, clientID string) {})
	srv.Close()

	c := New(Config{WSURL: wsURL(srv), MonitorTimeout: time.Second})
	res := c.Monitor(context.Background(), "client-4", "prompt-4")

	assert.Equal(t, models.ExecFailed, res.Status)
}
