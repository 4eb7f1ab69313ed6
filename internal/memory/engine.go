package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Actions reported by AddItem.
const (
	ActionInserted   = "inserted"
	ActionReinforced = "reinforced"
)

// AddRequest is the input to AddItem.
type AddRequest struct {
	Type      string
	Content   string
	Source    string
	SourceID  string
	CreatedBy string
}

// AddResult reports what AddItem did.
type AddResult struct {
	Item   *Item
	Action string
}

// Engine is the memory store for one project. Safe for concurrent use.
type Engine struct {
	db          *sql.DB
	dir         string
	projectPath string
	embedder    Embedder
	exporter    *exporter
}

// Option configures the Engine.
type Option func(*Engine)

// WithEmbedder enables vector search backed by the given provider.
func WithEmbedder(e Embedder) Option {
	return func(eng *Engine) { eng.embedder = e }
}

// NewEngine opens (or creates) the memory store under dir, scoped to
// projectPath.
func NewEngine(dir, projectPath string, opts ...Option) (*Engine, error) {
	db, err := openDB(dir + "/index.sqlite")
	if err != nil {
		return nil, err
	}
	e := &Engine{
		db:          db,
		dir:         dir,
		projectPath: projectPath,
	}
	for _, o := range opts {
		o(e)
	}
	e.exporter = newExporter(e)
	return e, nil
}

// Close flushes pending exports and closes the database.
func (e *Engine) Close() error {
	e.exporter.close()
	return e.db.Close()
}

// AddItem inserts a memory item, or reinforces an existing one with the
// same content hash within the project. Runs in one transaction; the
// embedding is computed off the hot path for new items only.
func (e *Engine) AddItem(ctx context.Context, req AddRequest) (*AddResult, error) {
	if !ValidType(req.Type) {
		return nil, fmt.Errorf("invalid memory type %q", req.Type)
	}
	if req.Content == "" {
		return nil, fmt.Errorf("memory content is empty")
	}
	source := req.Source
	if source == "" {
		source = SourceConversation
	}

	hash := ContentHash(req.Content)
	now := time.Now().UTC()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanItem(tx.QueryRowContext(ctx,
		selectItemSQL+` WHERE content_hash = ? AND project_path = ?`,
		hash, e.projectPath))
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup by hash: %w", err)
	}

	if existing != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memory_items SET reinforcement_count = reinforcement_count + 1, last_reinforced_at = ? WHERE id = ?`,
			now, existing.ID); err != nil {
			return nil, fmt.Errorf("reinforce item: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		existing.ReinforcementCount++
		existing.LastReinforcedAt = &now
		slog.Debug("memory.item.reinforced", "id", existing.ID, "count", existing.ReinforcementCount)
		e.exporter.schedule()
		return &AddResult{Item: existing, Action: ActionReinforced}, nil
	}

	item := &Item{
		ID:                 uuid.NewString(),
		Type:               req.Type,
		Content:            req.Content,
		ContentHash:        hash,
		Source:             source,
		SourceID:           req.SourceID,
		ProjectPath:        e.projectPath,
		CreatedBy:          req.CreatedBy,
		CreatedAt:          now,
		ReinforcementCount: 1,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_items (id, type, content, content_hash, source, source_id, project_path, created_by, created_at, reinforcement_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		item.ID, item.Type, item.Content, item.ContentHash, item.Source,
		nullable(item.SourceID), item.ProjectPath, nullable(item.CreatedBy), item.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_fts (id, content, type, created_by) VALUES (?, ?, ?, ?)`,
		item.ID, item.Content, item.Type, item.CreatedBy); err != nil {
		return nil, fmt.Errorf("index item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	slog.Debug("memory.item.inserted", "id", item.ID, "type", item.Type)
	if e.embedder != nil {
		go e.ensureEmbedding(context.Background(), hash, item.Content)
	}
	e.exporter.schedule()
	return &AddResult{Item: item, Action: ActionInserted}, nil
}

// GetByID returns an item by id, or nil when missing.
func (e *Engine) GetByID(ctx context.Context, id string) (*Item, error) {
	item, err := scanItem(e.db.QueryRowContext(ctx, selectItemSQL+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// ListByType returns up to limit items of one type, newest first.
func (e *Engine) ListByType(ctx context.Context, memType string, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := e.db.QueryContext(ctx,
		selectItemSQL+` WHERE type = ? AND project_path = ? ORDER BY created_at DESC LIMIT ?`,
		memType, e.projectPath, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// ListAll returns every item for the project, ascending by created_at.
func (e *Engine) ListAll(ctx context.Context) ([]*Item, error) {
	rows, err := e.db.QueryContext(ctx,
		selectItemSQL+` WHERE project_path = ? ORDER BY created_at ASC`, e.projectPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

const selectItemSQL = `SELECT id, type, content, content_hash, source, source_id, project_path, created_by, created_at, reinforcement_count, last_reinforced_at FROM memory_items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var sourceID, createdBy sql.NullString
	var lastReinforced sql.NullTime
	err := row.Scan(&item.ID, &item.Type, &item.Content, &item.ContentHash,
		&item.Source, &sourceID, &item.ProjectPath, &createdBy,
		&item.CreatedAt, &item.ReinforcementCount, &lastReinforced)
	if err != nil {
		return nil, err
	}
	item.SourceID = sourceID.String
	item.CreatedBy = createdBy.String
	if lastReinforced.Valid {
		t := lastReinforced.Time
		item.LastReinforcedAt = &t
	}
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
