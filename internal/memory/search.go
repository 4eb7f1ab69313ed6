package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Match sources reported on search results.
const (
	MatchVector  = "vector"
	MatchKeyword = "keyword"
	MatchHybrid  = "hybrid"
)

// Default hybrid merge weights.
const (
	DefaultVectorWeight  = 0.7
	DefaultKeywordWeight = 0.3
)

// Reinforced memories decay with a 30-day half-life.
const salienceHalfLifeDays = 30.0

// SearchOptions controls a hybrid search.
type SearchOptions struct {
	Limit         int
	MinScore      float64
	VectorWeight  float64
	KeywordWeight float64
}

// SearchResult is one scored match.
type SearchResult struct {
	Item        *Item   `json:"item"`
	Score       float64 `json:"score"`
	MatchSource string  `json:"match_source"`
}

var wordRun = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Search runs hybrid vector + keyword retrieval with salience boosting.
// Works without an embedder (keyword only) and without FTS hits (vector
// only).
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}
	wv := opts.VectorWeight
	wk := opts.KeywordWeight
	if wv == 0 && wk == 0 {
		wv, wk = DefaultVectorWeight, DefaultKeywordWeight
	}
	pool := limit * 3

	vecScores, err := e.vectorPhase(ctx, query, pool)
	if err != nil {
		slog.Warn("memory.search.vector_failed", "error", err)
		vecScores = nil
	}
	kwScores, err := e.keywordPhase(ctx, query, pool)
	if err != nil {
		slog.Warn("memory.search.keyword_failed", "error", err)
		kwScores = nil
	}

	// Merge the two phases by item id.
	type merged struct {
		vec, kw float64
		hasVec  bool
		hasKw   bool
	}
	byID := make(map[string]*merged)
	for id, s := range vecScores {
		byID[id] = &merged{vec: s, hasVec: true}
	}
	for id, s := range kwScores {
		if m, ok := byID[id]; ok {
			m.kw = s
			m.hasKw = true
		} else {
			byID[id] = &merged{kw: s, hasKw: true}
		}
	}
	if len(byID) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	var results []SearchResult
	for id, m := range byID {
		item, err := e.GetByID(ctx, id)
		if err != nil || item == nil {
			continue
		}
		score := wv*m.vec + wk*m.kw
		score *= salience(item, now)
		if score < opts.MinScore {
			continue
		}
		source := MatchHybrid
		switch {
		case m.hasVec && !m.hasKw:
			source = MatchVector
		case m.hasKw && !m.hasVec:
			source = MatchKeyword
		}
		results = append(results, SearchResult{Item: item, Score: score, MatchSource: source})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// salience boosts frequently reinforced, recently touched memories:
// log(1+count) · exp(−ln2 · daysSince / halfLife).
func salience(item *Item, now time.Time) float64 {
	ref := item.CreatedAt
	if item.LastReinforcedAt != nil {
		ref = *item.LastReinforcedAt
	}
	daysSince := now.Sub(ref).Hours() / 24
	if daysSince < 0 {
		daysSince = 0
	}
	recency := math.Exp(-math.Ln2 * daysSince / salienceHalfLifeDays)
	return math.Log(1+float64(item.ReinforcementCount)) * recency
}

// vectorPhase brute-forces cosine distance over cached embeddings for the
// project and returns min-max normalized similarity per item id.
func (e *Engine) vectorPhase(ctx context.Context, query string, pool int) (map[string]float64, error) {
	if e.embedder == nil {
		return nil, nil
	}

	queryHash := ContentHash(query)
	queryVec, err := e.loadEmbedding(ctx, queryHash)
	if err != nil {
		return nil, err
	}
	if queryVec == nil {
		vectors, err := e.embedder.Embed(ctx, []string{query})
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		queryVec = vectors[0]
		if err := e.storeEmbedding(ctx, queryHash, queryVec); err != nil {
			slog.Debug("memory.search.query_cache_failed", "error", err)
		}
	}

	rows, err := e.db.QueryContext(ctx,
		`SELECT m.id, c.embedding FROM memory_items m
		 JOIN embedding_cache c ON c.content_hash = m.content_hash
		 WHERE m.project_path = ?`, e.projectPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type scored struct {
		id  string
		sim float64
	}
	var candidates []scored
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			continue
		}
		// cosine distance d = 1 − cos; similarity s = 1 − d/2.
		d := 1 - cosineSimilarity(queryVec, vec)
		candidates = append(candidates, scored{id: id, sim: 1 - d/2})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if len(candidates) > pool {
		candidates = candidates[:pool]
	}

	lo, hi := candidates[len(candidates)-1].sim, candidates[0].sim
	out := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		out[c.id] = minMax(c.sim, lo, hi)
	}
	return out, nil
}

// keywordPhase runs FTS5 BM25 search and returns min-max normalized
// scores. A missing FTS table or an empty sanitized query yields nothing;
// vector search still works alone.
func (e *Engine) keywordPhase(ctx context.Context, query string, pool int) (map[string]float64, error) {
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := e.db.QueryContext(ctx,
		`SELECT f.id, f.rank FROM memory_fts f
		 JOIN memory_items m ON m.id = f.id
		 WHERE memory_fts MATCH ? AND m.project_path = ?
		 ORDER BY f.rank LIMIT ?`,
		ftsQuery, e.projectPath, pool)
	if err != nil {
		// FTS unavailable on this build; keyword search degrades to empty.
		return nil, nil
	}
	defer rows.Close()

	type scored struct {
		id   string
		rank float64
	}
	var candidates []scored
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		candidates = append(candidates, scored{id: id, rank: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// FTS5 rank is more negative for better matches; negate so higher is
	// better, then min-max normalize.
	lo, hi := -candidates[0].rank, -candidates[0].rank
	for _, c := range candidates {
		s := -c.rank
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		out[c.id] = minMax(-c.rank, lo, hi)
	}
	return out, nil
}

// sanitizeFTSQuery reduces free text to quoted word runs joined with OR,
// so user punctuation can never break FTS5 query syntax.
func sanitizeFTSQuery(query string) string {
	words := wordRun.FindAllString(query, -1)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " OR ")
}

// minMax normalizes v into [0,1]; a degenerate range maps everything to 1.
func minMax(v, lo, hi float64) float64 {
	if hi <= lo {
		return 1
	}
	return (v - lo) / (hi - lo)
}

func decodeVector(blob []byte) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(blob, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}
