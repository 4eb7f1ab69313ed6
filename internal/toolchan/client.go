package toolchan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/devbot/internal/providers"
)

// Separator between endpoint name and tool name in namespaced tool names.
const Separator = "__"

// Pool holds client connections to every configured tool endpoint for one
// Executor session. Tools from endpoint E are exposed to the model as
// E__<tool> and routed back on dispatch.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*mcpclient.Client
	defs    []providers.ToolDefinition
}

// Connect spawns and initializes every endpoint, listing its tools.
// An endpoint that fails to connect fails the whole session; a task run
// with a partial tool set produces confusing half-results.
func Connect(ctx context.Context, cfg *EndpointsFile, version string) (*Pool, error) {
	p := &Pool{clients: make(map[string]*mcpclient.Client)}

	for name, ep := range cfg.Endpoints {
		client, err := mcpclient.NewStdioMCPClient(ep.Command, envSlice(ep.Env), ep.Args...)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("spawn endpoint %s: %w", name, err)
		}

		initReq := mcpgo.InitializeRequest{}
		initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
		initReq.Params.ClientInfo = mcpgo.Implementation{Name: "devbot", Version: version}
		if _, err := client.Initialize(ctx, initReq); err != nil {
			_ = client.Close()
			p.Close()
			return nil, fmt.Errorf("initialize endpoint %s: %w", name, err)
		}

		listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
		if err != nil {
			_ = client.Close()
			p.Close()
			return nil, fmt.Errorf("list tools on endpoint %s: %w", name, err)
		}

		p.clients[name] = client
		for _, t := range listed.Tools {
			p.defs = append(p.defs, providers.ToolDefinition{
				Name:        name + Separator + t.Name,
				Description: t.Description,
				InputSchema: map[string]any{
					"type":       "object",
					"properties": t.InputSchema.Properties,
					"required":   t.InputSchema.Required,
				},
			})
		}
		slog.Info("toolchan.endpoint.connected", "endpoint", name, "tools", len(listed.Tools))
	}

	return p, nil
}

// Tools returns the namespaced definitions of every connected endpoint.
func (p *Pool) Tools() []providers.ToolDefinition {
	return p.defs
}

// Execute routes a namespaced tool call to its endpoint and returns the
// concatenated text content. The bool reports whether the endpoint flagged
// the result as an error.
func (p *Pool) Execute(ctx context.Context, namespaced string, args map[string]any) (string, bool, error) {
	endpoint, tool, ok := strings.Cut(namespaced, Separator)
	if !ok {
		return "", false, fmt.Errorf("tool name %q has no endpoint prefix", namespaced)
	}

	p.mu.Lock()
	client, exists := p.clients[endpoint]
	p.mu.Unlock()
	if !exists {
		return "", false, fmt.Errorf("unknown tool endpoint %q", endpoint)
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	result, err := client.CallTool(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("call %s on %s: %w", tool, endpoint, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), result.IsError, nil
}

// Close shuts down every endpoint connection. Safe to call twice.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, client := range p.clients {
		if err := client.Close(); err != nil {
			slog.Warn("toolchan.endpoint.close_failed", "endpoint", name, "error", err)
		}
	}
	p.clients = make(map[string]*mcpclient.Client)
}

func envSlice(env map[string]string) []string {
	var out []string
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
