package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// exportDebounce batches export regeneration after mutations.
const exportDebounce = 5 * time.Second

// exporter regenerates one JSONL file per memory type after mutations,
// debounced. The files are read-only views the Executor browses with
// read_file.
type exporter struct {
	engine *Engine

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

func newExporter(e *Engine) *exporter {
	return &exporter{engine: e}
}

// schedule arms (or re-arms) the debounce timer.
func (x *exporter) schedule() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return
	}
	if x.timer == nil {
		x.timer = time.AfterFunc(exportDebounce, x.run)
	} else {
		x.timer.Reset(exportDebounce)
	}
}

// close stops the timer and runs one final export.
func (x *exporter) close() {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.closed = true
	if x.timer != nil {
		x.timer.Stop()
	}
	x.mu.Unlock()
	x.run()
}

func (x *exporter) run() {
	if err := x.engine.Export(context.Background()); err != nil {
		slog.Warn("memory.export.failed", "error", err)
	}
}

// Export writes every memory type's items to <dir>/<type>.jsonl sorted
// ascending by created_at. Types with no items still get an empty file so
// the Executor sees a stable directory listing.
func (e *Engine) Export(ctx context.Context) error {
	items, err := e.ListAll(ctx)
	if err != nil {
		return err
	}

	byType := make(map[string][]*Item)
	for _, item := range items {
		byType[item.Type] = append(byType[item.Type], item)
	}

	for _, memType := range AllTypes {
		if err := e.writeExport(memType, byType[memType]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) writeExport(memType string, items []*Item) error {
	path := filepath.Join(e.dir, memType+".jsonl")
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
