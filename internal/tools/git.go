package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultExecTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %v\n%s", strings.Join(args, " "), err, output)
	}
	return string(output), nil
}

// GitStatusTool shows the working tree status.
type GitStatusTool struct {
	workspace string
}

func NewGitStatusTool(workspace string) *GitStatusTool {
	return &GitStatusTool{workspace: workspace}
}

func (t *GitStatusTool) Name() string        { return "git_status" }
func (t *GitStatusTool) Category() string    { return CategoryGit }
func (t *GitStatusTool) Description() string { return "Show git status of the workspace" }
func (t *GitStatusTool) Schema() map[string]ParamSpec {
	return map[string]ParamSpec{}
}

func (t *GitStatusTool) Execute(ctx context.Context, args map[string]any) *Result {
	out, err := runGit(ctx, t.workspace, "status", "--short", "--branch")
	if err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(out)
}

// GitDiffTool shows uncommitted changes.
type GitDiffTool struct {
	workspace string
}

func NewGitDiffTool(workspace string) *GitDiffTool {
	return &GitDiffTool{workspace: workspace}
}

func (t *GitDiffTool) Name() string        { return "git_diff" }
func (t *GitDiffTool) Category() string    { return CategoryGit }
func (t *GitDiffTool) Description() string { return "Show uncommitted changes, optionally for one path" }
func (t *GitDiffTool) Schema() map[string]ParamSpec {
	return map[string]ParamSpec{
		"path":   {Type: "string", Required: false, Description: "Limit diff to this path"},
		"staged": {Type: "boolean", Required: false, Description: "Show staged changes instead"},
	}
}

func (t *GitDiffTool) Execute(ctx context.Context, args map[string]any) *Result {
	gitArgs := []string{"diff"}
	if staged, _ := args["staged"].(bool); staged {
		gitArgs = append(gitArgs, "--cached")
	}
	if path, _ := args["path"].(string); path != "" {
		gitArgs = append(gitArgs, "--", path)
	}
	out, err := runGit(ctx, t.workspace, gitArgs...)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if strings.TrimSpace(out) == "" {
		return NewResult("(no changes)")
	}
	return NewResult(out)
}

// GitCommitTool stages everything and commits.
type GitCommitTool struct {
	workspace string
}

func NewGitCommitTool(workspace string) *GitCommitTool {
	return &GitCommitTool{workspace: workspace}
}

func (t *GitCommitTool) Name() string        { return "git_commit" }
func (t *GitCommitTool) Category() string    { return CategoryGit }
func (t *GitCommitTool) Description() string { return "Stage all changes and create a commit" }
func (t *GitCommitTool) Schema() map[string]ParamSpec {
	return map[string]ParamSpec{
		"message": {Type: "string", Required: true, Description: "Commit message"},
	}
}

func (t *GitCommitTool) Execute(ctx context.Context, args map[string]any) *Result {
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		return ErrorResult("message is required")
	}

	if _, err := runGit(ctx, t.workspace, "add", "-A"); err != nil {
		return ErrorResult(err.Error())
	}

	status, err := runGit(ctx, t.workspace, "status", "--porcelain")
	if err != nil {
		return ErrorResult(err.Error())
	}
	if strings.TrimSpace(status) == "" {
		return NewResult("nothing to commit")
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	out, err := runGit(ctx, t.workspace, "commit", "-m", message)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(out)
}
