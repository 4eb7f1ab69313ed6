package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Preview length in the memory index.
const previewMaxChars = 80

// IndexEntry summarizes one memory type for the Dispatcher prompt.
type IndexEntry struct {
	Type   string         `json:"type"`
	Count  int            `json:"count"`
	Recent []IndexPreview `json:"recent,omitempty"`
}

// IndexPreview is a truncated view of one recent item.
type IndexPreview struct {
	ID        string    `json:"id"`
	Preview   string    `json:"preview"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

// Index returns per-type counts with up to 3 most recent previews. Types
// with no items are omitted.
func (e *Engine) Index(ctx context.Context) ([]IndexEntry, error) {
	var entries []IndexEntry
	for _, memType := range AllTypes {
		var count int
		err := e.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM memory_items WHERE type = ? AND project_path = ?`,
			memType, e.projectPath).Scan(&count)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}

		recent, err := e.ListByType(ctx, memType, 3)
		if err != nil {
			return nil, err
		}
		entry := IndexEntry{Type: memType, Count: count}
		for _, item := range recent {
			entry.Recent = append(entry.Recent, IndexPreview{
				ID:        item.ID,
				Preview:   truncateRunes(item.Content, previewMaxChars),
				CreatedAt: item.CreatedAt,
				CreatedBy: item.CreatedBy,
			})
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// FormatIndex renders the index as a compact text block for prompts.
func FormatIndex(entries []IndexEntry) string {
	if len(entries) == 0 {
		return "(no memories yet)"
	}
	var sb strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&sb, "%s (%d):\n", entry.Type, entry.Count)
		for _, p := range entry.Recent {
			fmt.Fprintf(&sb, "  - %s\n", p.Preview)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// truncateRunes cuts on rune boundaries so CJK content never splits
// mid-character.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
