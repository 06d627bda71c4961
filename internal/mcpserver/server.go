// Package mcpserver exposes code execution as a Model Context Protocol tool.
// Unlike the WebSocket surface, MCP callers get one buffered result per call:
// the event stream is collected and folded into a single JSON payload.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/executor"
	"github.com/michaelbrown/runbox/internal/registry"
)

// Runner starts executions. *executor.Orchestrator satisfies it.
type Runner interface {
	Execute(ctx context.Context, req executor.Request) <-chan executor.Event
}

// Server wraps an MCP server exposing the run_code tool.
type Server struct {
	runner Runner
	reg    *registry.Registry
	log    *zap.Logger
	mcp    *server.MCPServer
}

// New creates the MCP server and registers its tools.
func New(runner Runner, reg *registry.Registry, log *zap.Logger) *Server {
	s := &Server{
		runner: runner,
		reg:    reg,
		log:    log,
		mcp:    server.NewMCPServer("runbox", "Sandboxed code execution"),
	}
	s.registerRunCodeTool()
	return s
}

func (s *Server) registerRunCodeTool() {
	tool := mcp.Tool{
		Name:        "run_code",
		Description: "Execute code in an isolated, resource-limited sandbox and return its output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Language to run",
					"enum":        s.reg.IDs(),
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input fed to the program (optional)",
				},
				"preinstall_packages": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Packages to install before running (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}
	s.mcp.AddTool(tool, s.handleRunCode)
}

// runResult is the buffered outcome of one execution.
type runResult struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Preview    string `json:"preview,omitempty"`
	Tag        string `json:"tag,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms"`
	Status     string `json:"status,omitempty"`
	Missing    string `json:"missing_package,omitempty"`
	InstallCmd string `json:"suggested_install,omitempty"`
}

func (s *Server) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	req := executor.Request{
		Language:           language,
		Code:               code,
		Stdin:              request.GetString("stdin", ""),
		PreinstallPackages: request.GetStringSlice("preinstall_packages", nil),
	}

	s.log.Info("mcp execution requested", zap.String("language", language))

	res := collect(s.runner.Execute(ctx, req))

	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(payload)},
		},
		IsError: !res.Success,
	}, nil
}

// collect drains an event stream into a single result. The channel always
// closes after the terminal complete event.
func collect(events <-chan executor.Event) runResult {
	var res runResult
	var stdout, stderr strings.Builder
	for e := range events {
		switch e.Kind {
		case executor.KindStdout:
			stdout.WriteString(e.Content)
		case executor.KindStderr:
			stderr.WriteString(e.Content)
		case executor.KindPreview:
			res.Preview = e.Content
		case executor.KindStatus:
			res.Status = e.Content
		case executor.KindDependencyMissing:
			res.Missing = e.PackageName
			res.InstallCmd = e.InstallCommand
		case executor.KindComplete:
			if e.Success != nil {
				res.Success = *e.Success
			}
			res.Tag = e.Tag
			res.ElapsedMS = e.ElapsedMS
		}
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res
}

// ServeStdio runs the MCP server over stdin/stdout.
func (s *Server) ServeStdio() error {
	s.log.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcp)
}
