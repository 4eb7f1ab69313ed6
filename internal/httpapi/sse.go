package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/devbot/internal/bus"
)

const (
	sseBufferDepth = 64
	sseHeartbeat   = 15 * time.Second
)

// handleEvents streams task lifecycle events as SSE. The stream opens with
// a connected event and an init snapshot of all tasks. Output chunks in
// task_updated events only reach the client that registered for the task
// through POST /watch; the client names itself with the clientId query
// parameter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	clientID := r.URL.Query().Get("clientId")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeSSE(w, "connected", map[string]string{"time": time.Now().Format(time.RFC3339)})
	writeSSE(w, "init", map[string]any{"tasks": s.store.List()})
	flusher.Flush()

	events := make(chan bus.Event, sseBufferDepth)
	subID := "sse-" + uuid.NewString()
	s.bus.Subscribe(subID, func(ev bus.Event) {
		select {
		case events <- ev:
		default:
			// Slow consumer; drop rather than block the broadcaster.
		}
	})
	defer s.bus.Unsubscribe(subID)

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev := <-events:
			writeSSE(w, ev.Name, s.filterPayload(ev, clientID))
			flusher.Flush()
		}
	}
}

// filterPayload strips streamed output from task_updated events unless
// clientID is the one watching the task.
func (s *Server) filterPayload(ev bus.Event, clientID string) any {
	if ev.Name != bus.EventTaskUpdated {
		return ev.Payload
	}
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return ev.Payload
	}
	id, _ := payload["id"].(string)
	s.mu.Lock()
	watcher := s.watched[id]
	s.mu.Unlock()
	if clientID != "" && watcher == clientID {
		return payload
	}
	filtered := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "output" {
			continue
		}
		filtered[k] = v
	}
	return filtered
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
