package toolchan

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/devbot/internal/tools"
)

// ServeRegistry exposes every enabled tool of the registry over MCP stdio.
// Blocks until stdin closes or the process is signalled.
func ServeRegistry(registry *tools.Registry, version string) error {
	srv := server.NewMCPServer("devbot-tools", version)

	for _, t := range registry.GetAll() {
		def := tools.ToProviderDef(t)
		mcpTool := mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
		}
		if props, ok := def.InputSchema["properties"].(map[string]any); ok {
			mcpTool.InputSchema.Type = "object"
			mcpTool.InputSchema.Properties = props
		}
		if req, ok := def.InputSchema["required"].([]string); ok {
			mcpTool.InputSchema.Required = req
		}

		name := t.Name()
		srv.AddTool(mcpTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, _ := req.Params.Arguments.(map[string]any)
			result := registry.Execute(ctx, name, args)
			if result.IsError {
				return mcp.NewToolResultError(result.Content), nil
			}
			return mcp.NewToolResultText(result.Content), nil
		})
	}

	slog.Info("toolserver.started", "tools", len(registry.GetAll()))
	return server.ServeStdio(srv)
}
