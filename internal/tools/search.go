package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Directories never descended into during search or glob.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	".venv":        true,
	"__pycache__":  true,
}

const maxSearchMatches = 200

// SearchFilesTool searches file contents for a regular expression.
type SearchFilesTool struct {
	workspace string
}

func NewSearchFilesTool(workspace string) *SearchFilesTool {
	return &SearchFilesTool{workspace: workspace}
}

func (t *SearchFilesTool) Name() string     { return "search_files" }
func (t *SearchFilesTool) Category() string { return CategorySearch }
func (t *SearchFilesTool) Description() string {
	return "Search file contents with a regular expression, returning path:line matches"
}
func (t *SearchFilesTool) Schema() map[string]ParamSpec {
	return map[string]ParamSpec{
		"pattern": {Type: "string", Required: true, Description: "Regular expression to search for"},
		"path":    {Type: "string", Required: false, Description: "Directory to search, defaults to the workspace root"},
	}
}

func (t *SearchFilesTool) Execute(ctx context.Context, args map[string]any) *Result {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid pattern: %v", err))
	}

	root := t.workspace
	if sub, _ := args["path"].(string); sub != "" {
		resolved, err := resolvePath(sub, t.workspace, true)
		if err != nil {
			return ErrorResult(err.Error())
		}
		root = resolved
	}

	var matches []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= maxSearchMatches {
			return filepath.SkipAll
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		data, err := os.ReadFile(path)
		if err != nil || !isText(data) {
			return nil
		}
		rel, _ := filepath.Rel(t.workspace, path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(matches) >= maxSearchMatches {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("search failed: %v", err))
	}

	if len(matches) == 0 {
		return NewResult("no matches found")
	}
	out := strings.Join(matches, "\n")
	if len(matches) >= maxSearchMatches {
		out += fmt.Sprintf("\n(stopped at %d matches)", maxSearchMatches)
	}
	return NewResult(out)
}

// isText reports whether data looks like text (no NUL in the first 1 KB).
func isText(data []byte) bool {
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	for _, b := range data[:n] {
		if b == 0 {
			return false
		}
	}
	return true
}

// GlobTool matches file paths against a glob pattern. A "**/" prefix
// matches at any depth.
type GlobTool struct {
	workspace string
}

func NewGlobTool(workspace string) *GlobTool {
	return &GlobTool{workspace: workspace}
}

func (t *GlobTool) Name() string     { return "glob" }
func (t *GlobTool) Category() string { return CategorySearch }
func (t *GlobTool) Description() string {
	return "Find files by glob pattern, e.g. **/*.go or cmd/*.go"
}
func (t *GlobTool) Schema() map[string]ParamSpec {
	return map[string]ParamSpec{
		"pattern": {Type: "string", Required: true, Description: "Glob pattern relative to the workspace"},
	}
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]any) *Result {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}

	var matches []string
	recursive := strings.HasPrefix(pattern, "**/")
	basePattern := strings.TrimPrefix(pattern, "**/")

	err := filepath.WalkDir(t.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= maxSearchMatches {
			return filepath.SkipAll
		}

		rel, _ := filepath.Rel(t.workspace, path)
		var ok bool
		if recursive {
			ok, _ = filepath.Match(basePattern, filepath.Base(rel))
		} else {
			ok, _ = filepath.Match(pattern, rel)
		}
		if ok {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("glob failed: %v", err))
	}

	if len(matches) == 0 {
		return NewResult("no files matched")
	}
	return NewResult(strings.Join(matches, "\n"))
}
