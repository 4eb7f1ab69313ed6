package dispatcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/devbot/internal/trunc"
)

// Files whose changes invalidate the cached project context.
var contextFiles = []string{"package.json", "go.mod", "pyproject.toml", "README.md", "readme.md"}

// RulesFile holds project-specific instructions for the agents, kept next
// to the repo and hot-reloaded.
const RulesFile = ".devbot/rules.md"

// ProjectContext builds and caches the project overview section of the
// dispatcher prompt. A filesystem watcher invalidates the cache when
// manifest files or the rules file change.
type ProjectContext struct {
	path   string
	budget int

	mu      sync.Mutex
	cached  string
	watcher *fsnotify.Watcher
}

// NewProjectContext creates the cache and starts watching the project root.
// Watch failures degrade to cache-forever.
func NewProjectContext(path string, budget int) *ProjectContext {
	pc := &ProjectContext{path: path, budget: budget}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("projctx.watch_unavailable", "error", err)
		return pc
	}
	if err := watcher.Add(path); err != nil {
		slog.Warn("projctx.watch_failed", "path", path, "error", err)
		watcher.Close()
		return pc
	}
	if err := watcher.Add(filepath.Join(path, filepath.Dir(RulesFile))); err == nil {
		slog.Debug("projctx.watching_rules")
	}
	pc.watcher = watcher
	go pc.watchLoop()
	return pc
}

func (pc *ProjectContext) watchLoop() {
	for {
		select {
		case event, ok := <-pc.watcher.Events:
			if !ok {
				return
			}
			base := filepath.Base(event.Name)
			for _, f := range contextFiles {
				if base == f || base == filepath.Base(RulesFile) {
					pc.mu.Lock()
					pc.cached = ""
					pc.mu.Unlock()
					slog.Debug("projctx.invalidated", "file", base)
					break
				}
			}
		case err, ok := <-pc.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("projctx.watch_error", "error", err)
		}
	}
}

// Close stops the watcher.
func (pc *ProjectContext) Close() {
	if pc.watcher != nil {
		pc.watcher.Close()
	}
}

// Get returns the project context section, rebuilding when invalidated.
func (pc *ProjectContext) Get() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.cached == "" {
		pc.cached = trunc.Head(pc.build(), pc.budget)
	}
	return pc.cached
}

// Rules returns the current rules file content, never cached (it is small
// and operators edit it live).
func (pc *ProjectContext) Rules() string {
	data, err := os.ReadFile(filepath.Join(pc.path, RulesFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (pc *ProjectContext) build() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project root: %s\n", pc.path)

	for _, manifest := range contextFiles {
		data, err := os.ReadFile(filepath.Join(pc.path, manifest))
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", manifest, trunc.Head(string(data), 1500))
	}

	sb.WriteString("\n--- directory tree ---\n")
	sb.WriteString(pc.tree())
	return sb.String()
}

// tree renders the top two directory levels, skipping hidden and vendored
// directories.
func (pc *ProjectContext) tree() string {
	var sb strings.Builder
	top, err := os.ReadDir(pc.path)
	if err != nil {
		return "(unreadable)"
	}
	sortEntries(top)
	for _, e := range top {
		name := e.Name()
		if skipTreeEntry(name) {
			continue
		}
		if !e.IsDir() {
			sb.WriteString(name + "\n")
			continue
		}
		sb.WriteString(name + "/\n")
		sub, err := os.ReadDir(filepath.Join(pc.path, name))
		if err != nil {
			continue
		}
		sortEntries(sub)
		for _, s := range sub {
			if skipTreeEntry(s.Name()) {
				continue
			}
			suffix := ""
			if s.IsDir() {
				suffix = "/"
			}
			sb.WriteString("  " + s.Name() + suffix + "\n")
		}
	}
	return sb.String()
}

func skipTreeEntry(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch name {
	case "node_modules", "vendor", "dist", "build", "__pycache__":
		return true
	}
	return false
}

func sortEntries(entries []os.DirEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
}
