package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/process"
	"github.com/isdmx/runbox/sandbox"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	env       sandbox.Environment
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, env sandbox.Environment) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		env:    env,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("execution.backend", cfg.Execution.Backend),
		zap.Bool("execution.isolated", cfg.Execution.Isolated),
		zap.Duration("execution.timeout", cfg.Execution.Timeout),
		zap.String("execution.language", cfg.Execution.Language),
		zap.Int("execution.memory_mb", cfg.Execution.MemoryMB),
		zap.Bool("execution.network_enabled", cfg.Execution.NetworkEnabled),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("runbox-executor", "A uniform code and command execution server")

	s.registerExecutionTools()
	s.registerProcessTools()

	return s, nil
}

// registerExecutionTools registers the execute_code and execute_command tools
func (s *MCPServer) registerExecutionTools() {
	executeCode := mcp.Tool{
		Name:        "execute_code",
		Description: "Execute code and return a structured result",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
			},
			Required: []string{"code"},
		},
	}
	s.mcpServer.AddTool(executeCode, s.handleExecuteCode)

	executeCommand := mcp.Tool{
		Name:        "execute_command",
		Description: "Execute a shell command and return a structured result",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Command line to execute",
				},
			},
			Required: []string{"command"},
		},
	}
	s.mcpServer.AddTool(executeCommand, s.handleExecuteCommand)
}

// registerProcessTools registers the background process management tools
func (s *MCPServer) registerProcessTools() {
	startProcess := mcp.Tool{
		Name:        "start_process",
		Description: "Start a long-running background process and return its id",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Executable to launch",
				},
				"args": map[string]any{
					"type":        "array",
					"description": "Arguments for the executable",
					"items":       map[string]any{"type": "string"},
				},
				"cwd": map[string]any{
					"type":        "string",
					"description": "Working directory (optional)",
				},
			},
			Required: []string{"command"},
		},
	}
	s.mcpServer.AddTool(startProcess, s.handleStartProcess)

	getOutput := mcp.Tool{
		Name:        "get_process_output",
		Description: "Get a snapshot of a background process's accumulated output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"process_id": map[string]any{
					"type":        "string",
					"description": "Process id returned by start_process",
				},
			},
			Required: []string{"process_id"},
		},
	}
	s.mcpServer.AddTool(getOutput, s.handleGetProcessOutput)

	killProcess := mcp.Tool{
		Name:        "kill_process",
		Description: "Interrupt a background process",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"process_id": map[string]any{
					"type":        "string",
					"description": "Process id returned by start_process",
				},
			},
			Required: []string{"process_id"},
		},
	}
	s.mcpServer.AddTool(killProcess, s.handleKillProcess)

	listProcesses := mcp.Tool{
		Name:        "list_processes",
		Description: "List the ids of all registered background processes",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}
	s.mcpServer.AddTool(listProcesses, s.handleListProcesses)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(text string) *mcp.CallToolResult {
	res := textResult(text)
	res.IsError = true
	return res
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return textResult(string(data)), nil
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	s.logger.Info("code execution requested", zap.Int("code_len", len(code)))

	result, err := s.env.Execute(ctx, code)
	if err != nil {
		s.logger.Error("code execution failed", zap.Error(err))
		return errorResult(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	s.logger.Info("code execution completed",
		zap.Bool("success", result.Success),
		zap.String("error_type", result.ErrorType),
		zap.Duration("duration", result.Duration))

	return jsonResult(result)
}

// handleExecuteCommand handles the execute_command tool
func (s *MCPServer) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}

	s.logger.Info("command execution requested", zap.String("command", command))

	result, err := s.env.ExecuteCommand(ctx, command)
	if err != nil {
		s.logger.Error("command execution failed", zap.Error(err))
		return errorResult(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	s.logger.Info("command execution completed",
		zap.Bool("success", result.Success),
		zap.String("error_type", result.ErrorType),
		zap.Duration("duration", result.Duration))

	return jsonResult(result)
}

// handleStartProcess handles the start_process tool
func (s *MCPServer) handleStartProcess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}

	args := request.GetStringSlice("args", nil)
	cwd := request.GetString("cwd", "")

	id, err := s.env.ProcessManager().StartProcess(ctx, command, process.StartOptions{
		Args: args,
		Cwd:  cwd,
	})
	if err != nil {
		s.logger.Error("process launch failed", zap.String("command", command), zap.Error(err))
		return errorResult(fmt.Sprintf("Launch failed: %v", err)), nil
	}

	s.logger.Info("process started", zap.String("process_id", id), zap.String("command", command))
	return jsonResult(map[string]string{"process_id": id})
}

// handleGetProcessOutput handles the get_process_output tool
func (s *MCPServer) handleGetProcessOutput(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("process_id")
	if err != nil {
		return nil, fmt.Errorf("process_id parameter is required: %w", err)
	}

	out, err := s.env.ProcessManager().GetOutput(id)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	payload := map[string]any{
		"stdout": out.Stdout,
		"stderr": out.Stderr,
	}
	if out.ExitCode != nil {
		payload["exit_code"] = *out.ExitCode
	}
	return jsonResult(payload)
}

// handleKillProcess handles the kill_process tool
func (s *MCPServer) handleKillProcess(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("process_id")
	if err != nil {
		return nil, fmt.Errorf("process_id parameter is required: %w", err)
	}

	if err := s.env.ProcessManager().KillProcess(id); err != nil {
		return errorResult(err.Error()), nil
	}

	s.logger.Info("process killed", zap.String("process_id", id))
	return jsonResult(map[string]bool{"killed": true})
}

// handleListProcesses handles the list_processes tool
func (s *MCPServer) handleListProcesses(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids := s.env.ProcessManager().ListProcesses()
	return jsonResult(map[string]any{"process_ids": ids})
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
