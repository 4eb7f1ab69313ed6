package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/devbot/internal/providers"
)

// DefaultExtractThreshold is how many unextracted messages accumulate
// before the extractor runs.
const DefaultExtractThreshold = 5

const extractSystemPrompt = `You extract durable project memory from conversation fragments.

Return ONLY a JSON array. Each element: {"type": "<decision|context|preference|issue>", "content": "<one self-contained fact>"}.
Rules:
- Record decisions made, durable project context, user preferences, and known issues.
- Skip greetings, small talk, and anything transient.
- Write each content as a standalone sentence understandable without the conversation.
- Return [] when nothing is worth remembering.`

// Extractor turns conversation fragments and task summaries into memory
// items using a memory-dedicated model.
type Extractor struct {
	provider      providers.Provider
	model         string
	engine        *Engine
	conversations *ConversationStore
	threshold     int
}

// NewExtractor wires an extractor. threshold ≤ 0 uses the default.
func NewExtractor(provider providers.Provider, model string, engine *Engine, conversations *ConversationStore, threshold int) *Extractor {
	if threshold <= 0 {
		threshold = DefaultExtractThreshold
	}
	return &Extractor{
		provider:      provider,
		model:         model,
		engine:        engine,
		conversations: conversations,
		threshold:     threshold,
	}
}

// MaybeExtract runs extraction when the chat's current shard has at least
// threshold unextracted messages. The high-water mark advances even when
// the model's response does not parse, so a bad batch is never retried.
func (x *Extractor) MaybeExtract(ctx context.Context, chatID string) error {
	key, msgs, upTo := x.conversations.PendingExtraction(chatID)
	if len(msgs) < x.threshold {
		return nil
	}

	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.Role, m.Sender, m.Content)
	}

	inserted, err := x.ExtractFromText(ctx, sb.String(), SourceConversation, chatID, "")
	if advErr := x.conversations.AdvanceExtracted(key, upTo); advErr != nil {
		slog.Warn("memory.extract.advance_failed", "shard", key, "error", advErr)
	}
	if err != nil {
		return err
	}
	slog.Info("memory.extract.conversation", "chat", chatID, "messages", len(msgs), "items", inserted)
	return nil
}

// ExtractFromText runs the extractor over arbitrary text (conversation
// batches, task thinking summaries) and inserts the resulting items.
// Returns how many items were added or reinforced.
func (x *Extractor) ExtractFromText(ctx context.Context, text, source, sourceID, createdBy string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}

	resp, err := x.provider.CreateMessage(ctx, providers.Request{
		Model:     x.model,
		System:    extractSystemPrompt,
		Messages:  []providers.Message{providers.UserText(text)},
		MaxTokens: 2048,
	})
	if err != nil {
		return 0, fmt.Errorf("extraction model call: %w", err)
	}

	candidates, ok := parseExtraction(resp.Text())
	if !ok {
		slog.Warn("memory.extract.unparseable", "source", source, "response_head", head(resp.Text(), 120))
		return 0, nil
	}

	inserted := 0
	for _, c := range candidates {
		if !ValidType(c.Type) || strings.TrimSpace(c.Content) == "" {
			continue
		}
		if _, err := x.engine.AddItem(ctx, AddRequest{
			Type:      c.Type,
			Content:   c.Content,
			Source:    source,
			SourceID:  sourceID,
			CreatedBy: createdBy,
		}); err != nil {
			slog.Warn("memory.extract.insert_failed", "error", err)
			continue
		}
		inserted++
	}
	return inserted, nil
}

type extractedItem struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// parseExtraction parses a strict JSON array, tolerating a markdown code
// fence around it. Anything else fails.
func parseExtraction(text string) ([]extractedItem, bool) {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	var items []extractedItem
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, false
	}
	return items, true
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
