package runner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreTransitionsAreMonotonic(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	task := NewTask("t", "d", "alice", "oc_1", "")
	s.Save(task)

	if _, err := s.Transition(task.ID, StatusCompleted, nil); err == nil {
		t.Error("pending -> completed must be rejected")
	}
	if _, err := s.Transition(task.ID, StatusRunning, nil); err != nil {
		t.Fatal(err)
	}
	got, err := s.Transition(task.ID, StatusCompleted, func(t *Task) { t.PRURL = "http://x" })
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil || got.PRURL != "http://x" {
		t.Errorf("terminal task = %+v", got)
	}
	if _, err := s.Transition(task.ID, StatusRunning, nil); err == nil {
		t.Error("completed tasks must not restart via Transition")
	}
}

func TestStoreRequeueOnlyTerminal(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	task := NewTask("t", "d", "", "", "")
	s.Save(task)

	if _, err := s.Requeue(task.ID, nil); err == nil {
		t.Error("pending tasks cannot be requeued")
	}
	s.Transition(task.ID, StatusRunning, nil)
	s.Transition(task.ID, StatusFailed, func(t *Task) { t.Error = "boom" })

	got, err := s.Requeue(task.ID, func(t *Task) { t.Description += " more" })
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending || got.Error != "" || got.CompletedAt != nil {
		t.Errorf("requeued = %+v", got)
	}
	if !strings.HasSuffix(got.Description, " more") {
		t.Errorf("mutate not applied: %q", got.Description)
	}
}

func TestStorePersistsAndFailsInterruptedTasks(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	done := NewTask("finished", "d", "", "", "")
	s.Save(done)
	s.Transition(done.ID, StatusRunning, nil)
	s.Transition(done.ID, StatusCompleted, nil)

	stuck := NewTask("stuck", "d", "", "", "")
	s.Save(stuck)
	s.Transition(stuck.ID, StatusRunning, nil)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "tasks.json")); err != nil {
		t.Fatal("tasks.json not written")
	}

	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reloaded.Close()

	got, err := reloaded.Get(stuck.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || !strings.Contains(got.Error, "restart") {
		t.Errorf("interrupted task = %+v", got)
	}
	if d, _ := reloaded.Get(done.ID); d.Status != StatusCompleted {
		t.Errorf("completed task should survive reload: %+v", d)
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	a := NewTask("a", "", "", "", "")
	b := NewTask("b", "", "", "", "")
	b.CreatedAt = b.CreatedAt.Add(1)
	s.Save(a)
	s.Save(b)

	list := s.List()
	if len(list) != 2 || list[0].Title != "b" {
		t.Errorf("list = %+v", list)
	}
}

func TestStoreGetUnknown(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Get("nope"); err != ErrNotFound {
		t.Errorf("err = %v", err)
	}
}

func TestStoreUpdateAndDelete(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	task := NewTask("old", "desc", "alice", "", "")
	s.Save(task)

	updated, err := s.Update(task.ID, "new", "")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Title != "new" || updated.Description != "desc" {
		t.Errorf("updated = %q %q", updated.Title, updated.Description)
	}

	if _, err := s.Transition(task.ID, StatusRunning, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(task.ID, "nope", ""); err == nil {
		t.Error("running task should not be editable")
	}
	if err := s.Delete(task.ID); err == nil {
		t.Error("running task should not be deletable")
	}

	if _, err := s.Transition(task.ID, StatusCompleted, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(task.ID); err != ErrNotFound {
		t.Errorf("err after delete = %v", err)
	}
}
