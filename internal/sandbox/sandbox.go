// Package sandbox isolates each task in its own git worktree and branch,
// and turns the result into a pull or merge request.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

const (
	branchPrefix     = "devops-bot/task-"
	slugMaxWidth     = 30
	installTimeout   = 5 * time.Minute
	finalizeTimeout  = 2 * time.Minute
	defaultGitTimout = 60 * time.Second
)

// CommandRunner executes a command in dir and returns combined output.
// Injected so tests can fake git.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) (string, error)

func execRunner(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Sandbox is one task's isolated workspace.
type Sandbox struct {
	TaskID     string
	Branch     string
	Path       string
	BaseBranch string
}

// Manager creates, finalizes, and removes sandboxes for one project repo.
type Manager struct {
	projectPath string
	baseDir     string
	setupCmd    string
	autoPR      bool
	draft       bool
	run         CommandRunner
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner replaces the command runner, for tests.
func WithRunner(r CommandRunner) Option {
	return func(m *Manager) { m.run = r }
}

// WithSetupCommand replaces installer detection with a fixed shell command
// run in every fresh sandbox.
func WithSetupCommand(cmd string) Option {
	return func(m *Manager) { m.setupCmd = cmd }
}

// WithAutoCreatePR controls whether Finalize opens a PR or MR after the
// push. When disabled the branch is pushed plain.
func WithAutoCreatePR(enabled bool) Option {
	return func(m *Manager) { m.autoPR = enabled }
}

// WithDraft marks created pull and merge requests as drafts.
func WithDraft(draft bool) Option {
	return func(m *Manager) { m.draft = draft }
}

// NewManager builds a Manager rooted at the project repository. Sandboxes
// live under baseDir, one directory per task.
func NewManager(projectPath, baseDir string, opts ...Option) *Manager {
	m := &Manager{projectPath: projectPath, baseDir: baseDir, autoPR: true, run: execRunner}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create makes a fresh worktree and branch for the task, initializes
// submodules, and installs dependencies when a known manifest is present.
// Install failures are logged but never fail creation.
func (m *Manager) Create(ctx context.Context, taskID, title string) (*Sandbox, error) {
	base, err := m.baseBranch(ctx)
	if err != nil {
		return nil, err
	}

	shortID := taskID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	branch := branchPrefix + shortID
	if slug := Slugify(title); slug != "" {
		branch += "-" + slug
	}

	path := filepath.Join(m.baseDir, taskID)
	if _, err := os.Stat(path); err == nil {
		// A stale worktree from a crashed run. Remove and start over.
		if _, err := m.git(ctx, m.projectPath, "worktree", "remove", "--force", path); err != nil {
			os.RemoveAll(path)
			m.git(ctx, m.projectPath, "worktree", "prune")
		}
	}
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}

	if _, err := m.git(ctx, m.projectPath, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		return nil, fmt.Errorf("add worktree: %w", err)
	}

	sb := &Sandbox{TaskID: taskID, Branch: branch, Path: path, BaseBranch: base}

	if _, err := m.git(ctx, path, "submodule", "update", "--init", "--recursive"); err != nil {
		slog.Warn("sandbox.submodule_init_failed", "task", taskID, "error", err)
	}
	m.installDeps(ctx, path)

	slog.Info("sandbox.created", "task", taskID, "branch", branch, "path", path)
	return sb, nil
}

// Finalize pushes the branch and opens a PR or MR depending on the remote
// host. With no commits on the branch it is a no-op and returns "".
func (m *Manager) Finalize(ctx context.Context, sb *Sandbox, title, body string) (string, error) {
	count, err := m.git(ctx, sb.Path, "rev-list", "--count", sb.BaseBranch+"..HEAD")
	if err != nil {
		return "", fmt.Errorf("count commits: %w", err)
	}
	if strings.TrimSpace(count) == "0" {
		slog.Info("sandbox.no_commits", "task", sb.TaskID)
		return "", nil
	}

	remote, err := m.git(ctx, sb.Path, "remote", "get-url", "origin")
	if err != nil {
		return "", fmt.Errorf("resolve remote: %w", err)
	}
	remote = strings.TrimSpace(remote)

	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()

	if !m.autoPR {
		if _, err := m.git(ctx, sb.Path, "push", "-u", "origin", sb.Branch); err != nil {
			return "", err
		}
		slog.Info("sandbox.pushed", "task", sb.TaskID, "branch", sb.Branch)
		return "", nil
	}

	switch {
	case strings.Contains(remote, "gitlab"):
		return m.finalizeGitLab(ctx, sb, title, body, remote)
	case strings.Contains(remote, "github"):
		return m.finalizeGitHub(ctx, sb, title, body, remote)
	default:
		if _, err := m.git(ctx, sb.Path, "push", "-u", "origin", sb.Branch); err != nil {
			return "", err
		}
		slog.Warn("sandbox.unknown_host", "remote", remote)
		return "", nil
	}
}

var mrURLPattern = regexp.MustCompile(`https?://[^\s]+/-/merge_requests/\d+`)

// finalizeGitLab pushes with MR push options, which makes GitLab open the
// merge request server-side and print its URL in the push output. When the
// URL is not in the output, fall back to the glab CLI.
func (m *Manager) finalizeGitLab(ctx context.Context, sb *Sandbox, title, body, remote string) (string, error) {
	args := []string{"push", "-u", "origin", sb.Branch,
		"-o", "merge_request.create",
		"-o", "merge_request.target=" + sb.BaseBranch,
		"-o", "merge_request.title=" + title,
		"-o", "merge_request.remove_source_branch",
	}
	if m.draft {
		args = append(args, "-o", "merge_request.draft")
	}
	// Push options have a server-side length limit.
	if body != "" && len(body) <= 1024 {
		args = append(args, "-o", "merge_request.description="+body)
	}
	out, err := m.git(ctx, sb.Path, args...)
	if err != nil {
		// Some servers reject push options outright. Land the branch with a
		// plain push and open the MR through the API or CLI instead.
		slog.Warn("sandbox.push_options_failed", "task", sb.TaskID, "error", err)
		if _, perr := m.git(ctx, sb.Path, "push", "-u", "origin", sb.Branch); perr != nil {
			return "", fmt.Errorf("push branch: %w", perr)
		}
		out = ""
	}
	if url := mrURLPattern.FindString(out); url != "" {
		return url, nil
	}

	if url, err := createGitLabMR(ctx, remote, sb, title, body, m.draft); err != nil {
		slog.Warn("sandbox.gitlab_api_failed", "error", err)
	} else if url != "" {
		return url, nil
	}

	glabArgs := []string{"mr", "create",
		"--source-branch", sb.Branch, "--target-branch", sb.BaseBranch,
		"--title", title, "--description", body, "--yes"}
	if m.draft {
		glabArgs = append(glabArgs, "--draft")
	}
	out, err = m.run(ctx, sb.Path, "glab", glabArgs...)
	if err != nil {
		slog.Warn("sandbox.glab_fallback_failed", "error", err)
		return "", nil
	}
	return mrURLPattern.FindString(out), nil
}

var prURLPattern = regexp.MustCompile(`https?://[^\s]+/pull/\d+`)

func (m *Manager) finalizeGitHub(ctx context.Context, sb *Sandbox, title, body, remote string) (string, error) {
	if _, err := m.git(ctx, sb.Path, "push", "-u", "origin", sb.Branch); err != nil {
		return "", fmt.Errorf("push branch: %w", err)
	}

	if url, err := createGitHubPR(ctx, remote, sb, title, body, m.draft); err != nil {
		slog.Warn("sandbox.github_api_failed", "error", err)
	} else if url != "" {
		return url, nil
	}

	ghArgs := []string{"pr", "create",
		"--base", sb.BaseBranch, "--head", sb.Branch,
		"--title", title, "--body", body}
	if m.draft {
		ghArgs = append(ghArgs, "--draft")
	}
	out, err := m.run(ctx, sb.Path, "gh", ghArgs...)
	if err != nil {
		slog.Warn("sandbox.gh_fallback_failed", "error", err)
		return "", nil
	}
	if url := prURLPattern.FindString(out); url != "" {
		return url, nil
	}
	return strings.TrimSpace(out), nil
}

// ChangedFiles lists the paths the task touched relative to the base
// branch.
func (m *Manager) ChangedFiles(ctx context.Context, sb *Sandbox) ([]string, error) {
	out, err := m.git(ctx, sb.Path, "diff", "--name-only", sb.BaseBranch+"..HEAD")
	if err != nil {
		return nil, fmt.Errorf("list changed files: %w", err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Cleanup removes the worktree. Idempotent; every failure path degrades to
// the next removal strategy.
func (m *Manager) Cleanup(ctx context.Context, sb *Sandbox) {
	if sb == nil {
		return
	}
	if _, err := m.git(ctx, m.projectPath, "worktree", "remove", "--force", sb.Path); err != nil {
		os.RemoveAll(sb.Path)
		m.git(ctx, m.projectPath, "worktree", "prune")
	}
	slog.Info("sandbox.cleaned", "task", sb.TaskID)
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultGitTimout)
		defer cancel()
	}
	return m.run(ctx, dir, "git", args...)
}

// baseBranch resolves the branch new work targets: the branch currently
// checked out in the project repo. A detached HEAD falls back to
// origin/HEAD, then main, then master.
func (m *Manager) baseBranch(ctx context.Context) (string, error) {
	out, err := m.git(ctx, m.projectPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil {
		if name := strings.TrimSpace(out); name != "" && name != "HEAD" {
			return name, nil
		}
	}
	out, err = m.git(ctx, m.projectPath, "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err == nil {
		ref := strings.TrimSpace(out)
		if name, ok := strings.CutPrefix(ref, "origin/"); ok && name != "" {
			return name, nil
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if _, err := m.git(ctx, m.projectPath, "rev-parse", "--verify", candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("cannot determine base branch of %s", m.projectPath)
}

// installers maps a marker file to the install command to run when present.
// First match wins, ordered by lockfile specificity.
var installers = []struct {
	marker string
	cmd    []string
}{
	{"pnpm-lock.yaml", []string{"pnpm", "install"}},
	{"bun.lockb", []string{"bun", "install"}},
	{"yarn.lock", []string{"yarn", "install"}},
	{"package-lock.json", []string{"npm", "install"}},
	{"package.json", []string{"npm", "install"}},
	{"poetry.lock", []string{"poetry", "install"}},
	{"uv.lock", []string{"uv", "sync"}},
	{"requirements.txt", []string{"pip", "install", "-r", "requirements.txt"}},
	{"Gemfile.lock", []string{"bundle", "install"}},
	{"composer.json", []string{"composer", "install"}},
	{"Podfile", []string{"pod", "install"}},
}

func (m *Manager) installDeps(ctx context.Context, path string) {
	if m.setupCmd != "" {
		ctx, cancel := context.WithTimeout(ctx, installTimeout)
		defer cancel()
		slog.Info("sandbox.setup_command", "cmd", m.setupCmd)
		if _, err := m.run(ctx, path, "bash", "-c", m.setupCmd); err != nil {
			slog.Warn("sandbox.setup_command_failed", "error", err)
		}
		return
	}
	for _, inst := range installers {
		if _, err := os.Stat(filepath.Join(path, inst.marker)); err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(ctx, installTimeout)
		defer cancel()
		slog.Info("sandbox.install", "marker", inst.marker, "cmd", strings.Join(inst.cmd, " "))
		if _, err := m.run(ctx, path, inst.cmd[0], inst.cmd[1:]...); err != nil {
			slog.Warn("sandbox.install_failed", "marker", inst.marker, "error", err)
		}
		return
	}
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9\p{Han}]+`)

// Slugify turns a task title into a branch-safe kebab slug, capped at 30
// display cells so wide CJK titles do not blow up branch names.
func Slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = nonSlugChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	s = runewidth.Truncate(s, slugMaxWidth, "")
	return strings.Trim(s, "-")
}
