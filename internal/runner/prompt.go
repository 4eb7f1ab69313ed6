package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/devbot/internal/providers"
)

// buildSystemPrompt assembles the Executor system prompt for one task:
// identity, safety rules, the available tools, skills, the expected
// workflow, sandbox constraints, project rules, and the date.
func buildSystemPrompt(sb sandboxInfo, defs []providers.ToolDefinition, skillsDir, projectRules string) string {
	var b strings.Builder

	b.WriteString(`You are an autonomous DevOps engineer. You receive a task description and implement it directly in the repository checked out in your workspace.

Safety rules:
- Never run destructive commands (rm -rf outside the workspace, force pushes, dropping databases).
- Never touch files outside the workspace.
- Never push branches or open pull requests yourself; that happens after you finish.
- Commit your work with the git_commit tool when the change is complete.

`)

	b.WriteString("Available tools:\n")
	for _, d := range defs {
		desc := d.Description
		if i := strings.IndexByte(desc, '\n'); i > 0 {
			desc = desc[:i]
		}
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, desc)
	}

	if skills := listSkills(skillsDir); len(skills) > 0 {
		b.WriteString("\nSkills (load with the skill tool when relevant):\n")
		for _, s := range skills {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	b.WriteString(`
Workflow:
1. Read the task and inspect the relevant files before changing anything.
2. Make focused edits; keep unrelated code untouched.
3. Verify your change (run the build or tests if the project has them).
4. Commit with a clear message describing the change.

`)
	fmt.Fprintf(&b, "Workspace: %s (branch %s, based on %s). All paths resolve inside it.\n", sb.Path, sb.Branch, sb.BaseBranch)

	if projectRules != "" {
		b.WriteString("\nProject rules:\n" + projectRules + "\n")
	}

	fmt.Fprintf(&b, "\nToday is %s.\n", time.Now().Format("2006-01-02"))
	return b.String()
}

type sandboxInfo struct {
	Path       string
	Branch     string
	BaseBranch string
}

func listSkills(dir string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".md" {
			names = append(names, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	return names
}
