package tools

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

const (
	defaultExecTimeout = 60 * time.Second
	maxExecTimeout     = 5 * time.Minute
)

// ExecTool runs a shell command in the workspace.
type ExecTool struct {
	workspace string
}

func NewExecTool(workspace string) *ExecTool {
	return &ExecTool{workspace: workspace}
}

func (t *ExecTool) Name() string     { return "exec" }
func (t *ExecTool) Category() string { return CategoryShell }
func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace. Default timeout 60s, up to 300s for builds."
}
func (t *ExecTool) Schema() map[string]ParamSpec {
	return map[string]ParamSpec{
		"command":         {Type: "string", Required: true, Description: "Shell command to run"},
		"timeout_seconds": {Type: "number", Required: false, Description: "Timeout in seconds, max 300"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	timeout := defaultExecTimeout
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > maxExecTimeout {
			timeout = maxExecTimeout
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = t.workspace
	output, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, output))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, output))
	}
	if len(output) == 0 {
		return NewResult("(no output)")
	}
	return NewResult(string(output))
}
