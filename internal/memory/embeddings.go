package memory

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// maxEmbedBatch bounds one embedding request to a remote provider.
const maxEmbedBatch = 256

// Embedder computes embedding vectors for texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint. Local
// inference servers (Ollama and friends) expose the same shape, so one
// adapter covers both local and remote providers.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewHTTPEmbedder(baseURL, apiKey, model string) *HTTPEmbedder {
	return &HTTPEmbedder{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *HTTPEmbedder) Model() string { return e.model }

func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	for start := 0; start < len(texts); start += maxEmbedBatch {
		end := start + maxEmbedBatch
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (e *HTTPEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{"model": e.model, "input": texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings request: status %d", resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings: index %d out of range", d.Index)
		}
		out[d.Index] = l2Normalize(d.Embedding)
	}
	return out, nil
}

// l2Normalize scales v to unit length. Zero vectors pass through unchanged.
func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// cosineSimilarity of two vectors. Both are unit-normalized at storage
// time, so this reduces to a dot product with a safety net for zero norms.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ensureEmbedding computes and caches the embedding for one content hash.
// Already-cached hashes are skipped.
func (e *Engine) ensureEmbedding(ctx context.Context, hash, content string) {
	if e.embedder == nil {
		return
	}
	var exists int
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embedding_cache WHERE content_hash = ?`, hash).Scan(&exists)
	if err != nil || exists > 0 {
		return
	}

	vectors, err := e.embedder.Embed(ctx, []string{content})
	if err != nil {
		slog.Warn("memory.embedding.failed", "hash", hash[:12], "error", err)
		return
	}
	if err := e.storeEmbedding(ctx, hash, vectors[0]); err != nil {
		slog.Warn("memory.embedding.store_failed", "hash", hash[:12], "error", err)
	}
}

func (e *Engine) storeEmbedding(ctx context.Context, hash string, vector []float32) error {
	blob, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, model, created_at) VALUES (?, ?, ?, ?)`,
		hash, blob, e.embedder.Model(), time.Now().UTC())
	return err
}

func (e *Engine) loadEmbedding(ctx context.Context, hash string) ([]float32, error) {
	var blob []byte
	err := e.db.QueryRowContext(ctx,
		`SELECT embedding FROM embedding_cache WHERE content_hash = ?`, hash).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var vector []float32
	if err := json.Unmarshal(blob, &vector); err != nil {
		return nil, fmt.Errorf("corrupt embedding for %s: %w", hash[:12], err)
	}
	return vector, nil
}

// Backfill computes embeddings for items missing vectors. Run once after
// startup; batches through the provider to stay under the request bound.
func (e *Engine) Backfill(ctx context.Context) error {
	if e.embedder == nil {
		return nil
	}

	rows, err := e.db.QueryContext(ctx,
		`SELECT DISTINCT m.content_hash, m.content FROM memory_items m
		 LEFT JOIN embedding_cache c ON c.content_hash = m.content_hash
		 WHERE c.content_hash IS NULL AND m.project_path = ?`, e.projectPath)
	if err != nil {
		return err
	}
	defer rows.Close()

	var hashes []string
	var contents []string
	for rows.Next() {
		var h, c string
		if err := rows.Scan(&h, &c); err != nil {
			return err
		}
		hashes = append(hashes, h)
		contents = append(contents, c)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(hashes) == 0 {
		return nil
	}

	vectors, err := e.embedder.Embed(ctx, contents)
	if err != nil {
		return fmt.Errorf("backfill embeddings: %w", err)
	}
	for i, hash := range hashes {
		if err := e.storeEmbedding(ctx, hash, vectors[i]); err != nil {
			return err
		}
	}
	slog.Info("memory.embedding.backfilled", "items", len(hashes))
	return nil
}
