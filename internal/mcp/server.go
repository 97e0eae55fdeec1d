// Package mcp exposes the workflow service as MCP tools so agent clients
// can list templates, launch executions, and poll their status.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/atelier-ai/atelier/internal/services"
	"github.com/atelier-ai/atelier/pkg/models"
)

type Server struct {
	mcpServer  *server.MCPServer
	workflows  *services.WorkflowService
	executions *services.ExecutionService
	// identity is the provisioned service account all tool calls run as.
	identity *models.User
}

func NewServer(workflows *services.WorkflowService, executions *services.ExecutionService, identity *models.User) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Atelier Workflows",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		workflows:  workflows,
		executions: executions,
		identity:   identity,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflows",
			mcp.WithDescription("List the available workflow templates"),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"execute_workflow",
			mcp.WithDescription("Substitute input values into a workflow template and dispatch it to the image engine"),
			mcp.WithNumber("workflow_id", mcp.Required(), mcp.Description("The ID of the workflow template")),
			mcp.WithObject("input_values", mcp.Description("Values for the template's input fields, keyed by field name")),
		),
		s.handleExecuteWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"execution_status",
			mcp.WithDescription("Get the status and produced assets of an execution"),
			mcp.WithNumber("execution_id", mcp.Required(), mcp.Description("The ID of the execution record")),
		),
		s.handleExecutionStatus,
	)
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflows, err := s.workflows.List(ctx, s.identity)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}

	summaries := make([]*models.WorkflowSummary, 0, len(workflows))
	for _, w := range workflows {
		summaries = append(summaries, w.Summary())
	}
	jsonBytes, _ := json.Marshal(summaries)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleExecuteWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	workflowID, ok := args["workflow_id"].(float64)
	if !ok || workflowID <= 0 {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}
	inputValues, _ := args["input_values"].(map[string]interface{})

	res, err := s.executions.Execute(ctx, s.identity, services.ExecuteRequest{
		WorkflowID:  int64(workflowID),
		InputValues: inputValues,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to execute workflow: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(res)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleExecutionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	executionID, ok := args["execution_id"].(float64)
	if !ok || executionID <= 0 {
		return mcp.NewToolResultError("Missing required parameter: execution_id"), nil
	}

	exec, err := s.executions.Get(ctx, s.identity, int64(executionID))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get execution: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(exec)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers wires the MCP SSE endpoints onto a mux.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
