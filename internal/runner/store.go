package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const storeFlushDebounce = 2 * time.Second

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

// Store keeps all tasks in memory and persists them to tasks.json with a
// debounced write-through. Loads existing state on startup; tasks found in
// running state are marked failed (the process died mid-run).
type Store struct {
	path string

	mu     sync.Mutex
	tasks  map[string]*Task
	timer  *time.Timer
	closed bool
}

// NewStore loads tasks.json from dir, creating it lazily.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	s := &Store{
		path:  filepath.Join(dir, "tasks.json"),
		tasks: make(map[string]*Task),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tasks: %w", err)
	}
	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("parse tasks: %w", err)
	}
	dirty := false
	for _, t := range tasks {
		if t.Status == StatusRunning {
			t.Status = StatusFailed
			t.Error = "interrupted by restart"
			t.UpdatedAt = time.Now()
			dirty = true
		}
		s.tasks[t.ID] = t
	}
	if dirty {
		return s.flushLocked()
	}
	return nil
}

// Save upserts the task and schedules a flush.
func (s *Store) Save(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *t
	s.tasks[t.ID] = &copied
	s.scheduleFlushLocked()
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *t
	return &copied, nil
}

// List returns all tasks newest-first.
func (s *Store) List() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		copied := *t
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Transition moves the task to a new status, enforcing monotonicity, and
// applies mutate to the stored copy under the lock.
func (s *Store) Transition(id string, to Status, mutate func(*Task)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !canTransition(t.Status, to) {
		return nil, fmt.Errorf("illegal transition %s -> %s for task %s", t.Status, to, id)
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	if to.terminal() {
		now := time.Now()
		t.CompletedAt = &now
	}
	if mutate != nil {
		mutate(t)
	}
	s.scheduleFlushLocked()
	copied := *t
	return &copied, nil
}

// Requeue resets a terminal task back to pending for retry or continue.
func (s *Store) Requeue(id string, mutate func(*Task)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.Status.terminal() {
		return nil, fmt.Errorf("task %s is %s, only finished tasks can be requeued", id, t.Status)
	}
	t.Status = StatusPending
	t.Error = ""
	t.CompletedAt = nil
	t.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(t)
	}
	s.scheduleFlushLocked()
	copied := *t
	return &copied, nil
}

// AppendOutput adds streamed executor output to the task record, keeping
// at most max trailing bytes. Unknown ids are ignored.
func (s *Store) AppendOutput(id, chunk string, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	t.Output += chunk
	if len(t.Output) > max {
		t.Output = t.Output[len(t.Output)-max:]
	}
	t.UpdatedAt = time.Now()
	s.scheduleFlushLocked()
}

// Update rewrites the task's title and description. Empty values leave the
// field unchanged. Running tasks cannot be edited.
func (s *Store) Update(id, title, description string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status == StatusRunning {
		return nil, fmt.Errorf("task %s is running and cannot be edited", id)
	}
	if title != "" {
		t.Title = title
	}
	if description != "" {
		t.Description = description
	}
	t.UpdatedAt = time.Now()
	s.scheduleFlushLocked()
	copied := *t
	return &copied, nil
}

// Delete removes the task record. Running tasks must be stopped first.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status == StatusRunning {
		return fmt.Errorf("task %s is running, stop it before deleting", id)
	}
	delete(s.tasks, id)
	s.scheduleFlushLocked()
	return nil
}

func (s *Store) scheduleFlushLocked() {
	if s.closed {
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(storeFlushDebounce, func() { s.Flush() })
		return
	}
	s.timer.Reset(storeFlushDebounce)
}

// Flush writes tasks.json atomically.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tasks: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Close flushes and stops the debounce timer.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	return s.Flush()
}
