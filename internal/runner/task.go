// Package runner owns the task lifecycle: a persistent task store, a
// strictly serial execution queue, and the wiring that gives the Executor
// a sandbox, tools, and a system prompt for each task.
package runner

import (
	"time"

	"github.com/google/uuid"
)

// Status of a task. Transitions are monotonic:
// pending -> running -> completed | failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canTransition enforces the monotonic lifecycle.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Task is one unit of work delivered as a branch plus PR or MR.
type Task struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Status        Status       `json:"status"`
	CreatedBy     string       `json:"createdBy,omitempty"`
	ChatID        string       `json:"chatId,omitempty"`
	CardMessageID string       `json:"cardMessageId,omitempty"`
	Branch        string       `json:"branch,omitempty"`
	PRURL         string       `json:"prUrl,omitempty"`
	Error         string       `json:"error,omitempty"`
	Output        string       `json:"output,omitempty"`
	Summary       *TaskSummary `json:"summary,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
}

// TaskSummary captures what the executor session produced: the files it
// changed relative to the base branch and its final reasoning.
type TaskSummary struct {
	ModifiedFiles []string `json:"modifiedFiles,omitempty"`
	Thinking      string   `json:"thinking,omitempty"`
}

// NewTask builds a pending task with a fresh id.
func NewTask(title, description, createdBy, chatID, cardMessageID string) *Task {
	now := time.Now()
	return &Task{
		ID:            uuid.NewString(),
		Title:         title,
		Description:   description,
		Status:        StatusPending,
		CreatedBy:     createdBy,
		ChatID:        chatID,
		CardMessageID: cardMessageID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
