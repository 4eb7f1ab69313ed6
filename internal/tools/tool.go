// Package tools provides the tool registry, access policy, and builtin tools
// the agents use to read, search, and modify the project.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/devbot/internal/providers"
)

// Tool categories used for grouping and policy expansion.
const (
	CategoryFileRead  = "file-read"
	CategoryFileWrite = "file-write"
	CategorySearch    = "search"
	CategoryShell     = "shell"
	CategoryGit       = "git"
	CategorySkill     = "skill"
)

// ParamSpec describes one field of a tool's input schema.
type ParamSpec struct {
	Type        string // "string", "number", "boolean", "array", "object"
	Required    bool
	Description string
}

// Tool is the interface every registered tool implements.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]ParamSpec
	Category() string
	Execute(ctx context.Context, args map[string]any) *Result
}

// ToProviderDef converts a tool's semantic schema into the JSON-schema form
// providers expect.
func ToProviderDef(t Tool) providers.ToolDefinition {
	properties := make(map[string]any)
	var required []string
	for field, spec := range t.Schema() {
		properties[field] = map[string]any{
			"type":        spec.Type,
			"description": spec.Description,
		}
		if spec.Required {
			required = append(required, field)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return providers.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: schema,
	}
}

// ValidateArgs checks args against the tool's schema. Missing required
// fields are a hard error; type mismatches and extra fields are logged and
// passed through, since models routinely add extras.
func ValidateArgs(t Tool, args map[string]any) error {
	schema := t.Schema()
	for field, spec := range schema {
		v, ok := args[field]
		if !ok {
			if spec.Required {
				return fmt.Errorf("tool %s: missing required argument %q", t.Name(), field)
			}
			continue
		}
		if !typeMatches(spec.Type, v) {
			slog.Warn("tool argument type mismatch, passing through",
				"tool", t.Name(), "field", field, "expected", spec.Type)
		}
	}
	for field := range args {
		if _, ok := schema[field]; !ok {
			slog.Debug("tool argument not in schema, passing through",
				"tool", t.Name(), "field", field)
		}
	}
	return nil
}

func typeMatches(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}
