// Package toolchan carries tool definitions and invocations between the
// Executor and tool endpoints over MCP stdio. The registry side is exposed
// by the toolserver command; the Executor side connects as a client to
// every configured endpoint and namespaces tools as <endpoint>__<tool>.
package toolchan

import (
	"encoding/json"
	"fmt"
	"os"
)

// EndpointConfig describes one MCP stdio endpoint to spawn and connect to.
type EndpointConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// EndpointsFile is the on-disk format enumerating tool endpoints.
type EndpointsFile struct {
	Endpoints map[string]EndpointConfig `json:"endpoints"`
}

// LoadEndpoints reads an endpoints config file.
func LoadEndpoints(path string) (*EndpointsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoints file: %w", err)
	}
	var f EndpointsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse endpoints file %s: %w", path, err)
	}
	if len(f.Endpoints) == 0 {
		return nil, fmt.Errorf("endpoints file %s lists no endpoints", path)
	}
	for name := range f.Endpoints {
		if f.Endpoints[name].Command == "" {
			return nil, fmt.Errorf("endpoint %q has no command", name)
		}
	}
	return &f, nil
}

// WriteEndpoints writes an endpoints config file, used when the runner
// provisions a per-task tool server.
func WriteEndpoints(path string, f *EndpointsFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
