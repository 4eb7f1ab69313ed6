package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/devbot/internal/bus"
	"github.com/nextlevelbuilder/devbot/internal/memory"
	"github.com/nextlevelbuilder/devbot/internal/trunc"
)

// Memory index inclusion modes.
const (
	IndexAlways = "always"
	IndexAuto   = "auto"
	IndexNever  = "never"
)

// memoryIntentPatterns detect questions about past decisions or events,
// in Chinese and English.
var memoryIntentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`之前`),
	regexp.MustCompile(`上次`),
	regexp.MustCompile(`还记得`),
	regexp.MustCompile(`(?i)previous(ly)?`),
	regexp.MustCompile(`(?i)did we`),
	regexp.MustCompile(`(?i)do you remember`),
	regexp.MustCompile(`(?i)last time`),
	regexp.MustCompile(`(?i)what did (i|we|you)`),
}

// hasMemoryIntent reports whether the message looks like a question about
// remembered context.
func hasMemoryIntent(text string) bool {
	for _, re := range memoryIntentPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// maxSummaryPerItem bounds one memory hit inside the summary stage.
const maxSummaryPerItem = 200

// buildPrompt assembles the dispatcher user prompt: project context,
// memory index, two-stage memory context, recent conversation, then the
// new message with attachments and links. Each section has its own budget;
// the total is capped at MaxPromptChars.
func (d *Dispatcher) buildPrompt(ctx context.Context, msg bus.IMMessage) string {
	var sections []string
	memIntent := hasMemoryIntent(msg.Text)

	if pctx := d.projctx.Get(); pctx != "" {
		sections = append(sections, "# Project\n"+pctx)
	}
	if rules := d.projctx.Rules(); rules != "" {
		sections = append(sections, "# Project rules\n"+rules)
	}

	if d.includeIndex(memIntent) {
		entries, err := d.engine.Index(ctx)
		if err != nil {
			slog.Warn("dispatcher.memory_index_failed", "error", err)
		} else if len(entries) > 0 {
			sections = append(sections, "# Memory index\n"+memory.FormatIndex(entries))
		}
	}

	if memCtx := d.memoryContext(ctx, msg.Text, memIntent); memCtx != "" {
		sections = append(sections, "# Relevant memory\n"+memCtx)
	}

	if recent := d.recentConversation(msg.ChatID); recent != "" {
		sections = append(sections, "# Recent conversation\n"+recent)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# New message\nFrom %s: %s\n", msg.SenderName, msg.Text)
	for _, att := range msg.Attachments {
		if att.Kind != "image" && att.LocalPath != "" {
			fmt.Fprintf(&sb, "Attached file: %s\n", att.LocalPath)
		}
	}
	for _, link := range msg.Links {
		fmt.Fprintf(&sb, "Referenced link: %s\n", link)
	}
	sections = append(sections, sb.String())

	return trunc.Head(strings.Join(sections, "\n\n"), d.cfg.MaxPromptChars)
}

func (d *Dispatcher) includeIndex(memIntent bool) bool {
	switch d.cfg.MemoryIndexMode {
	case IndexAlways:
		return true
	case IndexNever:
		return false
	default:
		return memIntent
	}
}

// memoryContext renders the two-stage memory section: compact summaries of
// the top hits, then full detail blocks when the top score clears the
// detail threshold or the user is explicitly asking about memory.
func (d *Dispatcher) memoryContext(ctx context.Context, query string, memIntent bool) string {
	results, err := d.engine.Search(ctx, query, memory.SearchOptions{
		Limit:    d.cfg.MemoryTopK,
		MinScore: d.cfg.MemoryMinScore,
	})
	if err != nil {
		slog.Warn("dispatcher.memory_search_failed", "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Summary:\n")
	for _, r := range results {
		fmt.Fprintf(&sb, "- [%s] %s\n", r.Item.Type, trunc.Head(r.Item.Content, maxSummaryPerItem))
	}

	if results[0].Score >= d.cfg.MemoryDetailMinScore || memIntent {
		sb.WriteString("\nDetail:\n")
		for _, r := range results {
			fmt.Fprintf(&sb, "--- %s (%s, score %.2f) ---\n%s\n", r.Item.Type, r.Item.CreatedAt.Format("2006-01-02"), r.Score, r.Item.Content)
			if sb.Len() >= d.cfg.MemorySectionBudget {
				break
			}
		}
	}
	return trunc.Head(sb.String(), d.cfg.MemorySectionBudget)
}

// recentConversation renders recent messages newest-first against the
// budget, then flips them back to chronological order.
func (d *Dispatcher) recentConversation(chatID string) string {
	msgs := d.conversations.GetRecent(chatID, 50)
	if len(msgs) == 0 {
		return ""
	}

	var lines []string
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		line := fmt.Sprintf("%s (%s): %s", msgs[i].Role, msgs[i].Sender, msgs[i].Content)
		if used+len(line) > d.cfg.RecentChatBudget {
			break
		}
		lines = append(lines, line)
		used += len(line)
	}

	// lines were collected newest-first; reverse for reading order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}
