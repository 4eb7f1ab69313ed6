// Package bus defines the shared message and event types that connect the
// chat channels, the dispatcher, the task runner, and the HTTP event stream.
package bus

// IMMessage is an inbound chat message normalized across platforms.
type IMMessage struct {
	ChatID      string       `json:"chat_id"`
	MessageID   string       `json:"message_id"`
	SenderID    string       `json:"sender_id"`
	SenderName  string       `json:"sender_name"`
	Text        string       `json:"text"`
	Mentions    []string     `json:"mentions,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Links       []string     `json:"links,omitempty"`
}

// Attachment is a file or image carried by a chat message, downloaded to a
// local path so tools can reference it.
type Attachment struct {
	Kind      string `json:"kind"` // "image", "file", "media"
	Name      string `json:"name,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
}

// Card is a rich message rendered by the chat platform. Markdown is adapted
// per platform before sending (Feishu cards do not render code fences).
type Card struct {
	Header   string `json:"header,omitempty"`
	Markdown string `json:"markdown"`
}

// SendOptions carries optional delivery parameters.
type SendOptions struct {
	ReplyTo string `json:"reply_to,omitempty"`
}

// Event names broadcast over the event bus and the SSE stream.
const (
	EventTaskCreated   = "task_created"
	EventTaskUpdated   = "task_updated"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
)

// Event is a broadcast notification with an arbitrary payload.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)
