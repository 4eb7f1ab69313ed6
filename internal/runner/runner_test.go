package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/devbot/internal/bus"
	"github.com/nextlevelbuilder/devbot/internal/providers"
	"github.com/nextlevelbuilder/devbot/internal/sandbox"
	"github.com/nextlevelbuilder/devbot/internal/tools"
)

type endTurnProvider struct{}

func (endTurnProvider) Name() string         { return "fake" }
func (endTurnProvider) DefaultModel() string { return "fake-1" }

func (endTurnProvider) CreateMessage(_ context.Context, _ providers.Request) (*providers.Response, error) {
	return &providers.Response{
		Content:    []providers.Block{providers.TextBlock("change committed")},
		StopReason: providers.StopEndTurn,
	}, nil
}

type cardRecorder struct {
	mu    sync.Mutex
	cards map[string][]string
}

func (c *cardRecorder) UpdateCard(_ context.Context, id string, card bus.Card) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cards == nil {
		c.cards = map[string][]string{}
	}
	c.cards[id] = append(c.cards[id], card.Markdown)
	return nil
}

func (c *cardRecorder) last(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cards[id]) == 0 {
		return ""
	}
	return c.cards[id][len(c.cards[id])-1]
}

func fakeGit(_ context.Context, _ string, name string, args ...string) (string, error) {
	joined := name + " " + strings.Join(args, " ")
	switch {
	case strings.HasPrefix(joined, "git rev-parse --abbrev-ref"):
		return "main\n", nil
	case strings.HasPrefix(joined, "git symbolic-ref"):
		return "origin/main\n", nil
	case strings.HasPrefix(joined, "git diff --name-only"):
		return "package.json\nDockerfile\n", nil
	case strings.HasPrefix(joined, "git rev-list"):
		return "1\n", nil
	case strings.HasPrefix(joined, "git remote get-url"):
		return "git@gitlab.example.com:team/app.git\n", nil
	case strings.HasPrefix(joined, "git push"):
		return "remote: https://gitlab.example.com/team/app/-/merge_requests/9\n", nil
	}
	return "", nil
}

func newTestRunner(t *testing.T) (*Runner, *Store, *cardRecorder, *bus.EventBus) {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cards := &cardRecorder{}
	eb := bus.NewEventBus()
	r := New(Options{
		Provider: endTurnProvider{},
		Model:    "fake-1",
		Store:    store,
		Sandbox:  sandbox.NewManager("/repo", t.TempDir(), sandbox.WithRunner(fakeGit)),
		Bus:      eb,
		Channel:  cards,
		Policy:   tools.PolicySafe,
	})
	return r, store, cards, eb
}

func waitForStatus(t *testing.T, store *Store, id string, want Status) *Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.Get(id)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.Get(id)
	t.Fatalf("task never reached %s: %+v", want, task)
	return nil
}

func TestRunTaskEndToEnd(t *testing.T) {
	r, store, cards, eb := newTestRunner(t)

	var events []string
	var mu sync.Mutex
	eb.Subscribe("test", func(ev bus.Event) {
		mu.Lock()
		events = append(events, ev.Name)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	task, err := r.CreateTask(ctx, "Bump node", "update to node 20", "alice", "oc_1", "card-9")
	if err != nil {
		t.Fatal(err)
	}

	done := waitForStatus(t, store, task.ID, StatusCompleted)
	if done.PRURL != "https://gitlab.example.com/team/app/-/merge_requests/9" {
		t.Errorf("pr url = %q", done.PRURL)
	}
	if done.Branch == "" || !strings.HasPrefix(done.Branch, "devops-bot/task-") {
		t.Errorf("branch = %q", done.Branch)
	}
	if !strings.Contains(cards.last("card-9"), "merge_requests/9") {
		t.Errorf("final card = %q", cards.last("card-9"))
	}
	if done.Summary == nil {
		t.Fatal("completed task has no summary")
	}
	if len(done.Summary.ModifiedFiles) != 2 || done.Summary.ModifiedFiles[0] != "package.json" {
		t.Errorf("modified files = %v", done.Summary.ModifiedFiles)
	}
	if !strings.Contains(done.Summary.Thinking, "change committed") {
		t.Errorf("thinking = %q", done.Summary.Thinking)
	}

	mu.Lock()
	defer mu.Unlock()
	var created, completed bool
	for _, name := range events {
		if name == bus.EventTaskCreated {
			created = true
		}
		if name == bus.EventTaskCompleted {
			completed = true
		}
	}
	if !created || !completed {
		t.Errorf("events = %v", events)
	}
}

func TestTasksRunSerially(t *testing.T) {
	r, store, _, _ := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	a, err := r.CreateTask(ctx, "first", "d", "", "oc_1", "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.CreateTask(ctx, "second", "d", "", "oc_1", "")
	if err != nil {
		t.Fatal(err)
	}

	ta := waitForStatus(t, store, a.ID, StatusCompleted)
	tb := waitForStatus(t, store, b.ID, StatusCompleted)
	if tb.CompletedAt.Before(*ta.CompletedAt) {
		t.Error("second task finished before the first")
	}
}

func TestStopPendingTask(t *testing.T) {
	r, store, _, _ := newTestRunner(t)
	// Worker not started, so the task stays pending.
	task, err := r.CreateTask(context.Background(), "t", "d", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(task.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(task.ID)
	if got.Status != StatusFailed || got.Error != "stopped by user" {
		t.Errorf("stopped task = %+v", got)
	}
}

func TestRetryRequeuesFailedTask(t *testing.T) {
	r, store, _, _ := newTestRunner(t)

	task, err := r.CreateTask(context.Background(), "t", "d", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	r.Stop(task.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	if _, err := r.Retry(task.ID); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, store, task.ID, StatusCompleted)
}

func TestContinueAppendsInstructions(t *testing.T) {
	r, store, _, _ := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	task, err := r.CreateTask(ctx, "t", "base work", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, store, task.ID, StatusCompleted)

	if _, err := r.Continue(task.ID, "also update the README"); err != nil {
		t.Fatal(err)
	}
	done := waitForStatus(t, store, task.ID, StatusCompleted)
	if !strings.Contains(done.Description, "also update the README") {
		t.Errorf("description = %q", done.Description)
	}
}

func TestStreamOutputAccumulatesDespiteThrottle(t *testing.T) {
	r, store, _, eb := newTestRunner(t)

	var broadcasts int
	var mu sync.Mutex
	eb.Subscribe("test", func(ev bus.Event) {
		if ev.Name == bus.EventTaskUpdated {
			mu.Lock()
			broadcasts++
			mu.Unlock()
		}
	})

	task := NewTask("t", "d", "", "", "")
	store.Save(task)

	// Two chunks back to back: the limiter allows only one broadcast, but
	// both must land on the record.
	r.streamOutput(task, "first chunk\n")
	r.streamOutput(task, "second chunk\n")

	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.Output, "first chunk") || !strings.Contains(got.Output, "second chunk") {
		t.Errorf("output = %q", got.Output)
	}

	mu.Lock()
	defer mu.Unlock()
	if broadcasts != 1 {
		t.Errorf("broadcasts = %d", broadcasts)
	}
}

func TestBuildSystemPromptSections(t *testing.T) {
	defs := []providers.ToolDefinition{
		{Name: "read_file", Description: "Read a file from the workspace."},
		{Name: "exec", Description: "Run a shell command."},
	}
	got := buildSystemPrompt(sandboxInfo{Path: "/wt/t1", Branch: "b", BaseBranch: "main"}, defs, "", "Never force push.")

	for _, want := range []string{"read_file", "exec", "/wt/t1", "branch b", "Never force push."} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestToolBridgeRoutesAndFilters(t *testing.T) {
	reg := tools.NewRegistry()
	tools.RegisterBuiltins(reg, t.TempDir(), "", true)
	b := newToolBridge(reg, nil, tools.PolicySafe)

	if _, isErr, err := b.Execute(context.Background(), "exec", map[string]any{"command": "ls"}); err != nil || !isErr {
		t.Errorf("safe policy should refuse exec: isErr=%v err=%v", isErr, err)
	}
	content, isErr, err := b.Execute(context.Background(), "list_files", map[string]any{})
	if err != nil || isErr {
		t.Errorf("list_files failed: %q %v %v", content, isErr, err)
	}
}
