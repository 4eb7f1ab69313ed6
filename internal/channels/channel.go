// Package channels contains the chat platform adapters. Each adapter
// normalizes inbound events into bus.IMMessage, debounces rapid-fire
// messages, and renders outbound cards in the platform's dialect.
package channels

import (
	"context"

	"github.com/nextlevelbuilder/devbot/internal/bus"
)

// Handler receives normalized messages from an adapter. Mentioned messages
// are dispatched; everything else is logged passively for context.
type Handler interface {
	OnMention(ctx context.Context, msg bus.IMMessage)
	OnPassive(msg bus.IMMessage)
}

// Channel is a chat platform adapter.
type Channel interface {
	// Name identifies the platform ("feishu", "slack").
	Name() string

	// Start connects and blocks until ctx is canceled or the connection
	// fails permanently.
	Start(ctx context.Context) error

	// SendCard posts a card and returns the platform message id.
	SendCard(ctx context.Context, chatID string, card bus.Card, opts bus.SendOptions) (string, error)

	// UpdateCard replaces the content of an existing card in place.
	UpdateCard(ctx context.Context, messageID string, card bus.Card) error

	// SendText posts a plain text message.
	SendText(ctx context.Context, chatID, text string) error
}
