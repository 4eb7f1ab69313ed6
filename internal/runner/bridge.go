package runner

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/devbot/internal/providers"
	"github.com/nextlevelbuilder/devbot/internal/toolchan"
	"github.com/nextlevelbuilder/devbot/internal/tools"
)

// toolBridge presents built-in tools and MCP endpoint tools to the
// Executor as one channel. MCP tools carry their endpoint namespace in
// the name; everything else routes to the local registry.
type toolBridge struct {
	registry *tools.Registry
	pool     *toolchan.Pool
	policy   tools.Policy
}

func newToolBridge(registry *tools.Registry, pool *toolchan.Pool, policy tools.Policy) *toolBridge {
	return &toolBridge{registry: registry, pool: pool, policy: policy}
}

func (b *toolBridge) Tools() []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	for _, t := range b.registry.GetFiltered(b.policy) {
		defs = append(defs, tools.ToProviderDef(t))
	}
	if b.pool != nil {
		defs = append(defs, b.pool.Tools()...)
	}
	return defs
}

func (b *toolBridge) Execute(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	if b.pool != nil && strings.Contains(name, toolchan.Separator) {
		return b.pool.Execute(ctx, name, args)
	}
	if !b.policy.Allows(name) {
		return "tool " + name + " is not allowed by the active policy", true, nil
	}
	result := b.registry.Execute(ctx, name, args)
	return result.Content, result.IsError, nil
}
