// Package mcpstdio serves the session tools over the MCP JSON-RPC protocol.
package mcpstdio

import (
	"context"
	"errors"
	"log/slog"

	mcp "github.com/fredcamaral/gomcp-sdk"
	"github.com/fredcamaral/gomcp-sdk/server"
	"github.com/fredcamaral/gomcp-sdk/transport"

	"stateful-mcp/internal/usecase"
)

const (
	ServerName    = "stateful-mcp-dynamodb"
	ServerVersion = "0.1.0"
)

// ToolCaller is the tool layer exposed over MCP.
type ToolCaller interface {
	Tools() []usecase.ToolSpec
	Call(ctx context.Context, name string, args map[string]any) (any, error)
}

// NewServer registers every tool of tools on a fresh MCP server. Tool errors
// surface as isError results; unknown tool names are rejected by the SDK.
func NewServer(tools ToolCaller) (*server.Server, error) {
	if tools == nil {
		return nil, errors.New("mcpstdio: tool caller must not be nil")
	}
	srv := mcp.NewServer(ServerName, ServerVersion)
	for _, spec := range tools.Tools() {
		name := spec.Name
		srv.AddTool(mcp.NewTool(name, spec.Description, spec.InputSchema),
			mcp.ToolHandlerFunc(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				result, err := tools.Call(ctx, name, params)
				if err != nil {
					slog.WarnContext(ctx, "mcp tool call failed", "tool", name, "err", err)
					return nil, publicError(err)
				}
				slog.DebugContext(ctx, "mcp tool call succeeded", "tool", name)
				return result, nil
			}))
	}
	return srv, nil
}

// Serve runs srv over stdin/stdout until ctx is cancelled.
func Serve(ctx context.Context, srv *server.Server) error {
	srv.SetTransport(transport.NewStdioTransport())
	slog.InfoContext(ctx, "mcp stdio server starting", "name", ServerName)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// publicError strips wrapped store details from usecase errors.
func publicError(err error) error {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		return errors.New(ucErr.Public())
	}
	return err
}
