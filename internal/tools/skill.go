package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SkillTool reads skill documents from the project's skills directory.
// Skills are markdown playbooks describing how to perform recurring work
// (release steps, deployment runbooks, review checklists).
type SkillTool struct {
	skillsDir string
}

func NewSkillTool(skillsDir string) *SkillTool {
	return &SkillTool{skillsDir: skillsDir}
}

func (t *SkillTool) Name() string     { return "skill" }
func (t *SkillTool) Category() string { return CategorySkill }
func (t *SkillTool) Description() string {
	return "List or read skill documents. Call without a name to list available skills."
}
func (t *SkillTool) Schema() map[string]ParamSpec {
	return map[string]ParamSpec{
		"name": {Type: "string", Required: false, Description: "Skill name to read; omit to list all skills"},
	}
}

func (t *SkillTool) Execute(ctx context.Context, args map[string]any) *Result {
	name, _ := args["name"].(string)
	if name == "" {
		return t.list()
	}

	// Reject path traversal; skill names are flat.
	if strings.ContainsAny(name, "/\\") {
		return ErrorResult("skill name must not contain path separators")
	}
	path := filepath.Join(t.skillsDir, name+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("skill %q not found", name))
	}
	return NewResult(string(data))
}

func (t *SkillTool) list() *Result {
	entries, err := os.ReadDir(t.skillsDir)
	if err != nil {
		return NewResult("no skills directory configured")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".md"))
	}
	if len(names) == 0 {
		return NewResult("no skills available")
	}
	sort.Strings(names)
	return NewResult("available skills:\n" + strings.Join(names, "\n"))
}

// RegisterBuiltins registers the full builtin tool set against workspace.
// restrict keeps file tools inside the workspace; skillsDir may be empty.
func RegisterBuiltins(r *Registry, workspace, skillsDir string, restrict bool) {
	r.Register(NewReadFileTool(workspace, restrict))
	r.Register(NewWriteFileTool(workspace, restrict))
	r.Register(NewEditFileTool(workspace, restrict))
	r.Register(NewListFilesTool(workspace, restrict))
	r.Register(NewSearchFilesTool(workspace))
	r.Register(NewGlobTool(workspace))
	r.Register(NewExecTool(workspace))
	r.Register(NewGitStatusTool(workspace))
	r.Register(NewGitDiffTool(workspace))
	r.Register(NewGitCommitTool(workspace))
	if skillsDir != "" {
		r.Register(NewSkillTool(skillsDir))
	}
}
