package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/devbot/internal/bus"
	"github.com/nextlevelbuilder/devbot/internal/executor"
	"github.com/nextlevelbuilder/devbot/internal/memory"
	"github.com/nextlevelbuilder/devbot/internal/providers"
	"github.com/nextlevelbuilder/devbot/internal/sandbox"
	"github.com/nextlevelbuilder/devbot/internal/toolchan"
	"github.com/nextlevelbuilder/devbot/internal/tools"
	"github.com/nextlevelbuilder/devbot/internal/trunc"
)

const (
	queueDepth    = 64
	outputTailMax = 4000
	memoryHeadMax = 500
	rulesFileRel  = ".devbot/rules.md"
)

// Channel is the runner's view of the chat platform: progress lands on the
// task's card.
type Channel interface {
	UpdateCard(ctx context.Context, messageID string, card bus.Card) error
}

// Options configures a Runner.
type Options struct {
	Provider      providers.Provider
	Model         string
	ExecConfig    executor.Config
	Store         *Store
	Sandbox       *sandbox.Manager
	Bus           *bus.EventBus
	Engine        *memory.Engine
	Extractor     *memory.Extractor
	Channel       Channel
	Policy        tools.Policy
	ProjectPath   string
	SkillsDir     string
	EndpointsPath string
	Version       string
}

// Runner executes tasks strictly one at a time. Each run gets a fresh
// sandbox worktree, a fresh tool registry scoped to it, and its own MCP
// endpoint pool.
type Runner struct {
	opts    Options
	queue   chan string
	limiter *rate.Limiter

	mu        sync.Mutex
	currentID string
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Runner. Call Start to begin draining the queue.
func New(opts Options) *Runner {
	return &Runner{
		opts:    opts,
		queue:   make(chan string, queueDepth),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Start launches the worker goroutine. It drains until ctx is canceled.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-r.queue:
				r.runTask(ctx, id)
			}
		}
	}()
}

// Wait blocks until the worker has exited.
func (r *Runner) Wait() { r.wg.Wait() }

// CreateTask persists a new pending task, records it as memory input, and
// queues it for execution.
func (r *Runner) CreateTask(ctx context.Context, title, description, createdBy, chatID, cardMessageID string) (*Task, error) {
	t := NewTask(title, description, createdBy, chatID, cardMessageID)
	r.opts.Store.Save(t)
	r.broadcast(bus.EventTaskCreated, t)

	if r.opts.Engine != nil {
		if _, err := r.opts.Engine.AddItem(ctx, memory.AddRequest{
			Type:      memory.TypeTaskInput,
			Content:   title + ": " + trunc.Head(description, memoryHeadMax),
			Source:    memory.SourceTask,
			SourceID:  t.ID,
			CreatedBy: createdBy,
		}); err != nil {
			slog.Warn("runner.memory_task_input_failed", "task", t.ID, "error", err)
		}
	}

	select {
	case r.queue <- t.ID:
	default:
		_, _ = r.opts.Store.Transition(t.ID, StatusFailed, func(t *Task) { t.Error = "queue full" })
		return nil, errors.New("task queue is full")
	}
	slog.Info("runner.task_queued", "task", t.ID, "title", title)
	return t, nil
}

// Retry requeues a finished task unchanged.
func (r *Runner) Retry(id string) (*Task, error) {
	t, err := r.opts.Store.Requeue(id, nil)
	if err != nil {
		return nil, err
	}
	r.enqueue(t)
	return t, nil
}

// Continue requeues a finished task with follow-up instructions appended.
func (r *Runner) Continue(id, instructions string) (*Task, error) {
	t, err := r.opts.Store.Requeue(id, func(t *Task) {
		t.Description += "\n\nFollow-up instructions:\n" + instructions
	})
	if err != nil {
		return nil, err
	}
	r.enqueue(t)
	return t, nil
}

func (r *Runner) enqueue(t *Task) {
	select {
	case r.queue <- t.ID:
		r.broadcast(bus.EventTaskUpdated, t)
	default:
		_, _ = r.opts.Store.Transition(t.ID, StatusFailed, func(t *Task) { t.Error = "queue full" })
	}
}

// Stop cancels the task if it is running, or fails it while still pending.
func (r *Runner) Stop(id string) error {
	r.mu.Lock()
	if r.currentID == id && r.cancel != nil {
		r.cancel()
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	t, err := r.opts.Store.Transition(id, StatusFailed, func(t *Task) { t.Error = "stopped by user" })
	if err != nil {
		return err
	}
	r.broadcast(bus.EventTaskFailed, t)
	return nil
}

func (r *Runner) runTask(ctx context.Context, id string) {
	t, err := r.opts.Store.Get(id)
	if err != nil || t.Status != StatusPending {
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.currentID, r.cancel = id, cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.currentID, r.cancel = "", nil
		r.mu.Unlock()
	}()

	t, err = r.opts.Store.Transition(id, StatusRunning, nil)
	if err != nil {
		slog.Error("runner.start_failed", "task", id, "error", err)
		return
	}
	r.broadcast(bus.EventTaskUpdated, t)
	r.updateCard(ctx, t, "🚀 任务开始执行: "+t.Title)

	prURL, transcript, summary, runErr := r.execute(taskCtx, t)

	if runErr != nil {
		msg := runErr.Error()
		if errors.Is(runErr, context.Canceled) {
			msg = "stopped by user"
		}
		t, _ = r.opts.Store.Transition(id, StatusFailed, func(t *Task) {
			t.Error = msg
			t.Output = trunc.Tail(transcript, outputTailMax)
		})
		r.broadcast(bus.EventTaskFailed, t)
		r.updateCard(ctx, t, "❌ 任务失败: "+msg)
		r.recordFailure(t, msg)
		return
	}

	t, _ = r.opts.Store.Transition(id, StatusCompleted, func(t *Task) {
		t.PRURL = prURL
		t.Output = trunc.Tail(transcript, outputTailMax)
		t.Summary = summary
	})
	r.broadcast(bus.EventTaskCompleted, t)

	card := "✅ 任务完成: " + t.Title
	if prURL != "" {
		card += "\n" + prURL
	} else {
		card += "\n(没有产生代码变更)"
	}
	r.updateCard(ctx, t, card)
	r.recordSuccess(ctx, t)
}

// execute provisions the sandbox and tools and runs the Executor session.
// The sandbox and the MCP pool are released on every path.
func (r *Runner) execute(ctx context.Context, t *Task) (prURL, transcript string, summary *TaskSummary, err error) {
	sb, err := r.opts.Sandbox.Create(ctx, t.ID, t.Title)
	if err != nil {
		return "", "", nil, fmt.Errorf("create sandbox: %w", err)
	}
	defer r.opts.Sandbox.Cleanup(context.WithoutCancel(ctx), sb)

	r.opts.Store.Save(withBranch(t, sb.Branch))

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, sb.Path, r.opts.SkillsDir, true)

	var pool *toolchan.Pool
	if r.opts.EndpointsPath != "" {
		if eps, lerr := toolchan.LoadEndpoints(r.opts.EndpointsPath); lerr == nil {
			pool, err = toolchan.Connect(ctx, eps, r.opts.Version)
			if err != nil {
				return "", "", nil, fmt.Errorf("connect tool endpoints: %w", err)
			}
			defer pool.Close()
		} else if !errors.Is(lerr, os.ErrNotExist) {
			slog.Warn("runner.endpoints_unreadable", "error", lerr)
		}
	}

	bridge := newToolBridge(registry, pool, r.opts.Policy)
	system := buildSystemPrompt(
		sandboxInfo{Path: sb.Path, Branch: sb.Branch, BaseBranch: sb.BaseBranch},
		bridge.Tools(), r.opts.SkillsDir, r.projectRules())

	exec := executor.New(r.opts.Provider, bridge, r.opts.ExecConfig,
		executor.WithModel(r.opts.Model),
		executor.WithOutput(func(chunk string) { r.streamOutput(t, chunk) }))

	transcript, err = exec.Execute(ctx, system, t.Description)
	if err != nil {
		return "", transcript, nil, err
	}

	summary = &TaskSummary{Thinking: trunc.Tail(transcript, outputTailMax)}
	if files, ferr := r.opts.Sandbox.ChangedFiles(ctx, sb); ferr != nil {
		slog.Warn("runner.changed_files_failed", "task", t.ID, "error", ferr)
	} else {
		summary.ModifiedFiles = files
	}

	prURL, err = r.opts.Sandbox.Finalize(ctx, sb, t.Title, finalizeBody(t))
	if err != nil {
		return "", transcript, summary, fmt.Errorf("finalize: %w", err)
	}
	return prURL, transcript, summary, nil
}

func withBranch(t *Task, branch string) *Task {
	copied := *t
	copied.Branch = branch
	return &copied
}

func finalizeBody(t *Task) string {
	return fmt.Sprintf("%s\n\n---\nTask `%s`, requested via chat by %s.", t.Description, t.ID, t.CreatedBy)
}

// streamOutput appends Executor output to the task record and forwards it
// to SSE listeners. Only the broadcast is rate limited, to one event per
// second; the record always accumulates.
func (r *Runner) streamOutput(t *Task, chunk string) {
	r.opts.Store.AppendOutput(t.ID, chunk, outputTailMax)
	if r.opts.Bus == nil || !r.limiter.Allow() {
		return
	}
	r.opts.Bus.Broadcast(bus.Event{
		Name: bus.EventTaskUpdated,
		Payload: map[string]any{
			"id":     t.ID,
			"status": string(StatusRunning),
			"output": trunc.Tail(chunk, outputTailMax),
		},
	})
}

func (r *Runner) broadcast(name string, t *Task) {
	if r.opts.Bus == nil || t == nil {
		return
	}
	r.opts.Bus.Broadcast(bus.Event{Name: name, Payload: t})
}

func (r *Runner) updateCard(ctx context.Context, t *Task, markdown string) {
	if r.opts.Channel == nil || t.CardMessageID == "" {
		return
	}
	if err := r.opts.Channel.UpdateCard(ctx, t.CardMessageID, bus.Card{Markdown: markdown}); err != nil {
		slog.Warn("runner.card_update_failed", "task", t.ID, "error", err)
	}
}

func (r *Runner) projectRules() string {
	data, err := os.ReadFile(filepath.Join(r.opts.ProjectPath, rulesFileRel))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// recordSuccess stores the session summary as a task_result memory and
// mines the final reasoning for decisions and issues worth remembering.
func (r *Runner) recordSuccess(ctx context.Context, t *Task) {
	if r.opts.Engine == nil || t.Summary == nil {
		return
	}
	content := "Completed: " + t.Title
	if t.PRURL != "" {
		content += " (" + t.PRURL + ")"
	}
	if len(t.Summary.ModifiedFiles) > 0 {
		content += "\nModified files: " + strings.Join(t.Summary.ModifiedFiles, ", ")
	}
	if t.Summary.Thinking != "" {
		content += "\n" + trunc.Head(t.Summary.Thinking, memoryHeadMax)
	}
	if _, err := r.opts.Engine.AddItem(ctx, memory.AddRequest{
		Type:     memory.TypeTaskResult,
		Content:  content,
		Source:   memory.SourceTask,
		SourceID: t.ID,
	}); err != nil {
		slog.Warn("runner.memory_task_result_failed", "task", t.ID, "error", err)
	}

	if r.opts.Extractor != nil && t.Summary.Thinking != "" {
		thinking := t.Summary.Thinking
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := r.opts.Extractor.ExtractFromText(ctx, thinking, memory.SourceTask, t.ID, t.CreatedBy); err != nil {
				slog.Warn("runner.thinking_extract_failed", "task", t.ID, "error", err)
			}
		}()
	}
}

func (r *Runner) recordFailure(t *Task, msg string) {
	if r.opts.Engine == nil || msg == "stopped by user" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.opts.Engine.AddItem(ctx, memory.AddRequest{
		Type:     memory.TypeIssue,
		Content:  fmt.Sprintf("Task failed: %s (error: %s)", trunc.Head(t.Description, memoryHeadMax), msg),
		Source:   memory.SourceTask,
		SourceID: t.ID,
	}); err != nil {
		slog.Warn("runner.memory_issue_failed", "task", t.ID, "error", err)
	}
}
