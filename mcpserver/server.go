package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/saferun/config"
	"github.com/isdmx/saferun/policy"
	"github.com/isdmx/saferun/runner"
	"github.com/isdmx/saferun/sandbox"
)

// Tool names.
const (
	ToolRunCode           = "run_code"
	ToolListContainers    = "list_managed_containers"
	ToolCleanupContainers = "cleanup_managed_containers"
)

// CodeRunner executes code under a policy.
type CodeRunner interface {
	Run(ctx context.Context, code string, opts ...runner.RunOption) (runner.Result, error)
}

// ContainerManager lists and cleans up the resources of a container backend.
type ContainerManager interface {
	ListContainers(ctx context.Context, all bool) ([]sandbox.ContainerInfo, error)
	ListImages(ctx context.Context) ([]sandbox.ImageInfo, error)
	CleanupStale(ctx context.Context) (sandbox.CleanupSummary, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	runner    CodeRunner
	manager   ContainerManager
	defaults  policy.Policy
	mcpServer *server.MCPServer
}

// New creates a new MCPServer. The management tools are registered only
// when manager is non-nil.
func New(cfg *config.Config, logger *zap.Logger, codeRunner CodeRunner, manager ContainerManager) (*MCPServer, error) {
	defaults, err := cfg.DefaultPolicy()
	if err != nil {
		return nil, fmt.Errorf("failed to load default policy: %w", err)
	}

	s := &MCPServer{
		config:   cfg,
		logger:   logger.Named("mcp"),
		runner:   codeRunner,
		manager:  manager,
		defaults: defaults,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("server.metrics_port", cfg.Server.MetricsPort),
		zap.String("runner.backend", cfg.Runner.Backend),
		zap.String("runner.policy_file", cfg.Runner.PolicyFile),
		zap.Bool("runner.lock_policy", cfg.Runner.LockPolicy),
		zap.String("container.image", cfg.Container.Image),
		zap.String("container.namespace", cfg.Container.Namespace),
		zap.Strings("container.packages", cfg.Container.Packages),
		zap.Int("container.pool_size", cfg.Container.PoolSize),
	)

	s.mcpServer = server.NewMCPServer("saferun", "Policy-enforced Lua code execution")

	s.registerRunCodeTool()
	if manager != nil {
		s.registerManagementTools()
	}

	return s, nil
}

func (s *MCPServer) registerRunCodeTool() {
	tool := mcp.Tool{
		Name:        ToolRunCode,
		Description: "Execute untrusted Lua code under the configured policy and return the normalized result",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Lua source; assign the value to return to the global 'result'",
				},
				"input_data": map[string]any{
					"type":        "object",
					"description": "Values bound as globals before the code runs (optional)",
				},
				"policy": map[string]any{
					"type":        "object",
					"description": "Policy fields overriding the server default for this call; absent fields keep the default (optional)",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunCode)
}

func (s *MCPServer) registerManagementTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolListContainers,
		Description: "List containers and images created by saferun",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"all": map[string]any{
					"type":        "boolean",
					"description": "Include stopped containers",
				},
			},
		},
	}, s.handleListContainers)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolCleanupContainers,
		Description: "Remove stopped saferun containers and unused saferun images",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleCleanup)
}

// handleRunCode handles the run_code tool
func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	args := request.GetArguments()
	var opts []runner.RunOption
	if raw, ok := args["input_data"]; ok && raw != nil {
		input, ok := raw.(map[string]any)
		if !ok {
			return errorResult("input_data must be an object"), nil
		}
		opts = append(opts, runner.WithInput(input))
	}
	if raw, ok := args["policy"]; ok && raw != nil {
		if s.config.Runner.LockPolicy {
			return errorResult("policy overrides are disabled on this server"), nil
		}
		table, ok := raw.(map[string]any)
		if !ok {
			return errorResult("policy must be an object"), nil
		}
		p, err := policy.FromMapOver(s.defaults, table)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		opts = append(opts, runner.WithPolicy(p))
	}

	s.logger.Info("code execution requested", zap.Int("code_len", len(code)), zap.Int("options", len(opts)))

	result, err := s.runner.Run(ctx, code, opts...)
	if err != nil {
		s.logger.Warn("run rejected", zap.Error(err))
		return errorResult(fmt.Sprintf("Execution rejected: %v", err)), nil
	}

	s.logger.Info("code execution completed",
		zap.Bool("ok", result.OK),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Bool("resource_exceeded", result.ResourceExceeded),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	return jsonResult(result, !result.OK)
}

type listing struct {
	Containers []sandbox.ContainerInfo `json:"containers"`
	Images     []sandbox.ImageInfo     `json:"images"`
}

func (s *MCPServer) handleListContainers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	containers, err := s.manager.ListContainers(ctx, request.GetBool("all", true))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	images, err := s.manager.ListImages(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(listing{Containers: containers, Images: images}, false)
}

func (s *MCPServer) handleCleanup(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := s.manager.CleanupStale(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	s.logger.Info("cleaned up managed resources",
		zap.Int("containers", summary.RemovedContainers),
		zap.Int("images", summary.RemovedImages))
	return jsonResult(summary, false)
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
		IsError: isError,
	}, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
		IsError: true,
	}
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
