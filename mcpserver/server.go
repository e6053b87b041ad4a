package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/language"
	"github.com/isdmx/coderun/sandbox"
)

// Version is reported to MCP clients during initialization.
const Version = "1.0.0"

// Assistant writes and optimizes code. Replies starting with "Error:" are
// failures.
type Assistant interface {
	Generate(ctx context.Context, prompt, lang, apiKey string) string
	Optimize(ctx context.Context, code, lang, apiKey string) string
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	runner    sandbox.Runner
	assistant Assistant
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, runner sandbox.Runner, assistant Assistant) (*MCPServer, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}

	s := &MCPServer{
		config:    cfg,
		logger:    logger,
		runner:    runner,
		assistant: assistant,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.String("sandbox.memory_limit", cfg.Sandbox.MemoryLimit),
		zap.Float64("sandbox.cpu_limit", cfg.Sandbox.CPULimit),
		zap.String("sandbox.workspace_dir", cfg.Sandbox.WorkspaceDir),
		zap.String("languages.python.image", cfg.Languages.Python.Image),
		zap.String("languages.cpp.image", cfg.Languages.CPP.Image),
		zap.Bool("assist.enabled", assistant != nil && cfg.Assist.APIKey != ""),
	)

	s.mcpServer = server.NewMCPServer("coderun", Version)

	s.registerExecuteCodeTool()
	if assistant != nil {
		s.registerAssistTools()
	}

	return s, nil
}

func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        "execute_code",
		Description: "Run code in a disposable, network-less container and return its output, errors and resource usage",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to run",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Source language",
					"enum":        language.Names(),
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

func (s *MCPServer) registerAssistTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "generate_code",
		Description: "Write code in the given language for a task described in plain words",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "What the code should do",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Target language",
				},
			},
			Required: []string{"prompt", "language"},
		},
	}, s.handleGenerateCode)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "optimize_code",
		Description: "Rewrite code to run faster without changing its output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Code to optimize",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Source language",
				},
			},
			Required: []string{"code", "language"},
		},
	}, s.handleOptimizeCode)
}

func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	lang, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}

	s.logger.Info("code execution requested", zap.String("language", lang), zap.Int("code_len", len(code)))

	result := s.runner.Execute(ctx, code, lang)

	s.logger.Info("code execution completed",
		zap.String("run_id", result.RunID.String()),
		zap.Int64("runtime_ms", result.Metrics.RuntimeMs),
		zap.Int("output_len", len(result.Output)),
		zap.Bool("has_error", result.Error != ""))

	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(body),
			},
		},
	}, nil
}

func (s *MCPServer) handleGenerateCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt := request.GetString("prompt", "")
	lang := request.GetString("language", "")

	s.logger.Info("code generation requested", zap.String("language", lang))
	return textResult(s.assistant.Generate(ctx, prompt, lang, s.config.Assist.APIKey)), nil
}

func (s *MCPServer) handleOptimizeCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code := request.GetString("code", "")
	lang := request.GetString("language", "")

	s.logger.Info("code optimization requested", zap.String("language", lang))
	return textResult(s.assistant.Optimize(ctx, code, lang, s.config.Assist.APIKey)), nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: strings.HasPrefix(text, "Error:"),
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// Handler returns the streamable HTTP transport for mounting on a router.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
