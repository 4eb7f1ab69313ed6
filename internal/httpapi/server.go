// Package httpapi exposes the local control surface: task CRUD, the SSE
// event stream, uploads, tool metrics, and inbound webhooks.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/devbot/internal/bus"
	"github.com/nextlevelbuilder/devbot/internal/runner"
	"github.com/nextlevelbuilder/devbot/internal/tools"
)

const maxUploadBytes = 50 << 20

// Tasks abstracts the runner for testability.
type Tasks interface {
	CreateTask(title, description, createdBy string) (*runner.Task, error)
	Retry(id string) (*runner.Task, error)
	Continue(id, instructions string) (*runner.Task, error)
	Stop(id string) error
}

// Store abstracts task lookup and record maintenance.
type Store interface {
	List() []*runner.Task
	Get(id string) (*runner.Task, error)
	Update(id, title, description string) (*runner.Task, error)
	Delete(id string) error
}

// Config for the API server.
type Config struct {
	Secret    string
	UploadDir string
}

// Server wires the HTTP handlers.
type Server struct {
	cfg      Config
	tasks    Tasks
	store    Store
	bus      *bus.EventBus
	registry *tools.Registry

	mu      sync.Mutex
	watched map[string]string // task id -> watching client id
}

// New builds the Server. registry may be nil when no tool metrics exist.
func New(cfg Config, tasks Tasks, store Store, eventBus *bus.EventBus, registry *tools.Registry) *Server {
	return &Server{
		cfg:      cfg,
		tasks:    tasks,
		store:    store,
		bus:      eventBus,
		registry: registry,
		watched:  make(map[string]string),
	}
}

// Handler returns the routed handler with auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /task", s.handleListTasks)
	mux.HandleFunc("POST /task", s.handleCreateTask)
	mux.HandleFunc("POST /events", s.handlePostEvent)
	mux.HandleFunc("GET /task/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /task/{id}", s.handlePatchTask)
	mux.HandleFunc("DELETE /task/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /task/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /task/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /task/{id}/continue", s.handleContinue)
	mux.HandleFunc("POST /watch", s.handleWatch)
	mux.HandleFunc("POST /webhook/todo", s.handleTodoWebhook)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /tools", s.handleToolMetrics)
	return s.auth(mux)
}

// auth enforces the shared secret header on everything except /health.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Secret != "" && r.URL.Path != "/health" {
			if r.Header.Get("X-Auth-Token") != s.cfg.Secret {
				writeError(w, http.StatusUnauthorized, errors.New("missing or invalid auth token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.store.List()})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		CreatedBy   string `json:"createdBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}
	task, err := s.tasks.CreateTask(req.Title, req.Description, req.CreatedBy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.store.Update(r.PathValue("id"), req.Title, req.Description)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handlePostEvent broadcasts a custom event to every SSE subscriber.
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	s.bus.Broadcast(bus.Event{Name: req.Name, Payload: req.Payload})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "broadcast"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Retry(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Stop(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instructions string `json:"instructions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Instructions) == "" {
		writeError(w, http.StatusBadRequest, errors.New("instructions are required"))
		return
	}
	task, err := s.tasks.Continue(r.PathValue("id"), req.Instructions)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleWatch registers one client's interest in a task's streamed output.
// Output chunks only reach the event stream of that client; a later watch
// for the same task takes the slot over.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
		TaskID   string `json:"taskId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, errors.New("clientId and taskId are required"))
		return
	}
	s.mu.Lock()
	s.watched[req.TaskID] = req.ClientID
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"watching": req.TaskID, "clientId": req.ClientID})
}

// handleTodoWebhook accepts external todo systems pushing work items.
func (s *Server) handleTodoWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Source      string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}
	createdBy := req.Source
	if createdBy == "" {
		createdBy = "todo-webhook"
	}
	task, err := s.tasks.CreateTask(req.Title, req.Description, createdBy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.UploadDir == "" {
		writeError(w, http.StatusServiceUnavailable, errors.New("uploads are not configured"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	name := filepath.Base(header.Filename)
	path := filepath.Join(s.cfg.UploadDir, name)
	dst, err := os.Create(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(path)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (s *Server) handleToolMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tools": map[string]any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.MetricsSnapshot()})
}

func statusFor(err error) int {
	if errors.Is(err, runner.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusConflict
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi.encode_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprint(err)})
}
