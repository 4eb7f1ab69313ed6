package tools

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Metrics tracks per-tool call statistics.
type Metrics struct {
	Calls           int64 `json:"calls"`
	Errors          int64 `json:"errors"`
	TotalDurationMs int64 `json:"total_duration_ms"`
}

type registration struct {
	tool    Tool
	enabled bool
}

// Registry maps tool names to registered tools and records per-tool metrics.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registration
	metrics map[string]*Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*registration),
		metrics: make(map[string]*Metrics),
	}
}

// Register adds a tool, enabled. Registering the same name twice replaces
// the earlier tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = &registration{tool: t, enabled: true}
}

// SetEnabled toggles a tool without unregistering it.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.tools[name]; ok {
		reg.enabled = enabled
	}
}

// Get returns the named tool if registered and enabled.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok || !reg.enabled {
		return nil, false
	}
	return reg.tool, true
}

// GetAll returns all enabled tools sorted by name.
func (r *Registry) GetAll() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, reg := range r.tools {
		if reg.enabled {
			out = append(out, reg.tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// GetByCategory returns enabled tools in the given category, sorted by name.
func (r *Registry) GetByCategory(category string) []Tool {
	var out []Tool
	for _, t := range r.GetAll() {
		if t.Category() == category {
			out = append(out, t)
		}
	}
	return out
}

// GetFiltered returns the enabled tools the policy allows.
func (r *Registry) GetFiltered(policy Policy) []Tool {
	var out []Tool
	for _, t := range r.GetAll() {
		if policy.Allows(t.Name()) {
			out = append(out, t)
		}
	}
	return out
}

// Execute validates args, runs the tool, and records metrics. Unknown or
// disabled tools return an error result rather than panicking.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult("unknown tool: " + name)
	}
	if err := ValidateArgs(t, args); err != nil {
		r.record(name, 0, true)
		return ErrorResult(err.Error())
	}

	start := time.Now()
	result := t.Execute(ctx, args)
	if result == nil {
		result = ErrorResult("tool returned no result")
	}
	r.record(name, time.Since(start), result.IsError)
	return result
}

func (r *Registry) record(name string, d time.Duration, isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metrics[name]
	if !ok {
		m = &Metrics{}
		r.metrics[name] = m
	}
	m.Calls++
	m.TotalDurationMs += d.Milliseconds()
	if isError {
		m.Errors++
	}
}

// MetricsSnapshot returns a copy of the per-tool metrics.
func (r *Registry) MetricsSnapshot() map[string]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Metrics, len(r.metrics))
	for name, m := range r.metrics {
		out[name] = *m
	}
	return out
}
