// Package mcp exposes browser sessions as Model Context Protocol tools, so an
// agent can open a page, list what it can interact with and act on it by
// stable key.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/internal/browser"
	"github.com/xkilldash9x/wayfinder/internal/browser/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultChangeWait = time.Second
	maxChangeWait     = 30 * time.Second
	defaultMaxChanges = 20
)

// Server hosts the browser tools.
type Server struct {
	manager *browser.Manager
	logger  *zap.Logger
	srv     *mcp.Server
}

// NewServer registers every tool against manager.
func NewServer(manager *browser.Manager, logger *zap.Logger, version string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager: manager,
		logger:  logger.Named("mcp"),
		srv:     mcp.NewServer(&mcp.Implementation{Name: "wayfinder", Version: version}, nil),
	}
	s.registerTools()
	return s
}

// Run serves over transport until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	s.logger.Info("MCP server starting.")
	err := s.srv.Run(ctx, transport)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("MCP server stopped with error.", zap.Error(err))
		return err
	}
	s.logger.Info("MCP server stopped.")
	return nil
}

// -- Tool plumbing --

func schema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

// addTool registers fn under tool. Arguments decode into A; a returned
// *mcp.CallToolResult is sent as is, anything else as JSON text. Errors are
// reported to the client as tool errors.
func addTool[A any](s *Server, tool *mcp.Tool, fn func(ctx context.Context, args A) (any, error)) {
	s.srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args A
		if raw := req.Params.Arguments; len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}

		start := time.Now()
		out, err := fn(ctx, args)
		if err != nil {
			s.logger.Debug("Tool failed.", zap.String("tool", tool.Name), zap.Error(err))
			return toolError(err), nil
		}
		s.logger.Debug("Tool completed.", zap.String("tool", tool.Name), zap.Duration("elapsed", time.Since(start)))

		if res, ok := out.(*mcp.CallToolResult); ok {
			return res, nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}

func (s *Server) session(id string) (*session.Session, error) {
	if id == "" {
		return nil, errors.New("session_id is required")
	}
	sess, ok := s.manager.Session(id)
	if !ok {
		return nil, fmt.Errorf("unknown session %q", id)
	}
	return sess, nil
}
