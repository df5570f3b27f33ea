package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/ruleflow/internal/store"
	"github.com/rendis/ruleflow/pkg/schema"
)

// Dispatcher is the engine surface exposed as tools. *engine.Engine satisfies it.
type Dispatcher interface {
	Execute(ctx context.Context, trigger schema.Trigger, data map[string]any, opts schema.ExecuteOptions) *schema.ExecutionResult
	Test(ctx context.Context, workflowID string, data map[string]any) *schema.ExecutionResult
	ValidateLogic(ctx context.Context, tree any) schema.LogicValidation
}

// Validator checks workflows before they are saved and sample payloads
// before they are evaluated. *validation.Validator satisfies it.
type Validator interface {
	ValidateWorkflow(ctx context.Context, wf *schema.Workflow) *schema.ValidationResult
	ValidateContext(trigger schema.Trigger, data map[string]any) error
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine Dispatcher
	// Store backs the save and listing tools. Optional.
	Store     store.Store
	Validator Validator
	Logger    *slog.Logger
}

// Server wraps an MCP server with ruleflow tool handlers.
type Server struct {
	engine    Dispatcher
	store     store.Store
	validator Validator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:    deps.Engine,
		store:     deps.Store,
		validator: deps.Validator,
		logger:    logger.With("component", "mcp"),
	}

	mcpSrv := server.NewMCPServer(
		"ruleflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Ruleflow evaluates admin-authored workflow rules against business triggers. Use ruleflow.validate to check a rule tree before saving it, ruleflow.test to dry-run one workflow against a sample payload, ruleflow.execute to dispatch a trigger, ruleflow.save to store a new workflow, and ruleflow.workflows / ruleflow.executions to inspect stored workflows and their audit trail."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: testTool(), Handler: s.handleTest},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: saveTool(), Handler: s.handleSave},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
		{Tool: executionsTool(), Handler: s.handleExecutions},
	}
}
