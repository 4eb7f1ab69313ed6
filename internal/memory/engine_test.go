package memory

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(t.TempDir(), "/srv/projects/app", opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestContentHashNormalization(t *testing.T) {
	a := ContentHash("Adopted  Redis as cache layer.")
	b := ContentHash("  adopted redis AS cache layer.  ")
	c := ContentHash("adopted\tredis\nas cache layer.")
	if a != b || b != c {
		t.Error("hash should be case- and whitespace-insensitive")
	}
	if a == ContentHash("adopted redis as cache layers.") {
		t.Error("different content must hash differently")
	}
}

func TestAddItemDuplicateReinforces(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var lastID string
	for i := 0; i < 5; i++ {
		res, err := e.AddItem(ctx, AddRequest{
			Type:      TypeDecision,
			Content:   "Adopted Redis as cache layer.",
			CreatedBy: "alice",
		})
		if err != nil {
			t.Fatal(err)
		}
		wantAction := ActionReinforced
		if i == 0 {
			wantAction = ActionInserted
		}
		if res.Action != wantAction {
			t.Errorf("add %d: action = %s, want %s", i+1, res.Action, wantAction)
		}
		if lastID != "" && res.Item.ID != lastID {
			t.Errorf("add %d: id changed from %s to %s", i+1, lastID, res.Item.ID)
		}
		lastID = res.Item.ID
	}

	item, err := e.GetByID(ctx, lastID)
	if err != nil {
		t.Fatal(err)
	}
	if item.ReinforcementCount != 5 {
		t.Errorf("reinforcement_count = %d, want 5", item.ReinforcementCount)
	}
	if item.LastReinforcedAt == nil {
		t.Error("last_reinforced_at should be set after reinforcement")
	}

	items, err := e.ListByType(ctx, TypeDecision, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Errorf("want exactly one row, got %d", len(items))
	}
}

func TestAddItemRejectsInvalid(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.AddItem(ctx, AddRequest{Type: "nonsense", Content: "x"}); err == nil {
		t.Error("invalid type should be rejected")
	}
	if _, err := e.AddItem(ctx, AddRequest{Type: TypeContext, Content: ""}); err == nil {
		t.Error("empty content should be rejected")
	}
}

func TestSearchSalienceRanking(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	seed := func(content string, count int, age time.Duration) string {
		res, err := e.AddItem(ctx, AddRequest{Type: TypeDecision, Content: content})
		if err != nil {
			t.Fatal(err)
		}
		ref := time.Now().UTC().Add(-age)
		if _, err := e.db.ExecContext(ctx,
			`UPDATE memory_items SET reinforcement_count = ?, created_at = ?, last_reinforced_at = ? WHERE id = ?`,
			count, ref, ref, res.Item.ID); err != nil {
			t.Fatal(err)
		}
		return res.Item.ID
	}

	idA := seed("Adopted Redis as cache layer.", 5, 24*time.Hour)
	seed("Considered memcached for the cache layer.", 1, 60*24*time.Hour)
	seed("Postgres chosen as primary database.", 1, 0)

	results, err := e.Search(ctx, "what cache layer did we adopt", SearchOptions{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected keyword matches")
	}
	if results[0].Item.ID != idA {
		t.Errorf("top result = %q, want the reinforced Redis decision", results[0].Item.Content)
	}
	for _, r := range results {
		if r.MatchSource != MatchKeyword {
			t.Errorf("without an embedder, match source = %s, want keyword", r.MatchSource)
		}
	}
}

func TestSearchMinScoreFilters(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.AddItem(ctx, AddRequest{Type: TypeContext, Content: "The deploy pipeline uses ArgoCD."})

	results, err := e.Search(ctx, "deploy pipeline", SearchOptions{Limit: 5, MinScore: 1e9})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("minScore filter should drop everything, got %d", len(results))
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	got := sanitizeFTSQuery(`what's the "cache" layer? 缓存策略`)
	for _, want := range []string{`"what"`, `"cache"`, `"缓存策略"`, " OR "} {
		if !strings.Contains(got, want) {
			t.Errorf("query %q missing %q", got, want)
		}
	}
	if sanitizeFTSQuery("!!! ???") != "" {
		t.Error("punctuation-only query should sanitize to empty")
	}
}

func TestSalienceMath(t *testing.T) {
	now := time.Now().UTC()
	fresh := &Item{CreatedAt: now, ReinforcementCount: 1}
	reinforced := &Item{CreatedAt: now, ReinforcementCount: 5}
	if salience(reinforced, now) <= salience(fresh, now) {
		t.Error("reinforcement should boost salience")
	}

	old := now.Add(-30 * 24 * time.Hour)
	stale := &Item{CreatedAt: old, ReinforcementCount: 1}
	ratio := salience(stale, now) / salience(fresh, now)
	if ratio < 0.45 || ratio > 0.55 {
		t.Errorf("30-day-old item should score ~half of a fresh one, got ratio %.3f", ratio)
	}
}

func TestIndexPreviews(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	long := ""
	for i := 0; i < 30; i++ {
		long += "verylongword "
	}
	e.AddItem(ctx, AddRequest{Type: TypeDecision, Content: long, CreatedBy: "bob"})
	for i := 0; i < 4; i++ {
		e.AddItem(ctx, AddRequest{Type: TypePreference, Content: "Preference number " + string(rune('A'+i))})
	}

	entries, err := e.Index(ctx)
	if err != nil {
		t.Fatal(err)
	}
	byType := make(map[string]IndexEntry)
	for _, entry := range entries {
		byType[entry.Type] = entry
	}

	if byType[TypeDecision].Count != 1 {
		t.Errorf("decision count = %d", byType[TypeDecision].Count)
	}
	if got := byType[TypePreference]; got.Count != 4 || len(got.Recent) != 3 {
		t.Errorf("preference count = %d, recent = %d, want 4 and 3", got.Count, len(got.Recent))
	}
	preview := byType[TypeDecision].Recent[0].Preview
	if len([]rune(preview)) > previewMaxChars {
		t.Errorf("preview length %d exceeds %d", len([]rune(preview)), previewMaxChars)
	}
}

func TestNewEngineCreatesIndexFile(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(dir, "/srv/projects/app")
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if _, err := os.Stat(dir + "/index.sqlite"); err != nil {
		t.Errorf("index.sqlite missing: %v", err)
	}
}

func TestExportWritesPerTypeFiles(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(dir, "/srv/projects/app")
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	ctx := context.Background()

	e.AddItem(ctx, AddRequest{Type: TypeIssue, Content: "Flaky test in payments suite."})
	if err := e.Export(ctx); err != nil {
		t.Fatal(err)
	}

	for _, memType := range AllTypes {
		if _, err := os.Stat(dir + "/" + memType + ".jsonl"); err != nil {
			t.Errorf("export file for %s missing: %v", memType, err)
		}
	}
}

func TestParseExtraction(t *testing.T) {
	items, ok := parseExtraction(`[{"type":"decision","content":"Use Go 1.25."}]`)
	if !ok || len(items) != 1 || items[0].Type != "decision" {
		t.Errorf("plain array parse failed: %v %v", items, ok)
	}

	fenced := "```json\n[{\"type\":\"issue\",\"content\":\"CI is red.\"}]\n```"
	items, ok = parseExtraction(fenced)
	if !ok || len(items) != 1 {
		t.Errorf("fenced array parse failed: %v %v", items, ok)
	}

	if _, ok := parseExtraction("I could not find anything."); ok {
		t.Error("prose should not parse")
	}
}
