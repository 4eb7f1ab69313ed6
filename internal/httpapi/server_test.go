package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/devbot/internal/bus"
	"github.com/nextlevelbuilder/devbot/internal/runner"
)

type fakeTasks struct {
	created []string
	stopped []string
}

func (f *fakeTasks) CreateTask(title, description, createdBy string) (*runner.Task, error) {
	f.created = append(f.created, title)
	return runner.NewTask(title, description, createdBy, "", ""), nil
}

func (f *fakeTasks) Retry(id string) (*runner.Task, error) {
	if id == "missing" {
		return nil, runner.ErrNotFound
	}
	t := runner.NewTask("retried", "", "", "", "")
	t.ID = id
	return t, nil
}

func (f *fakeTasks) Continue(id, instructions string) (*runner.Task, error) {
	t := runner.NewTask("continued", instructions, "", "", "")
	t.ID = id
	return t, nil
}

func (f *fakeTasks) Stop(id string) error {
	f.stopped = append(f.stopped, id)
	return nil
}

type fakeStore struct {
	tasks []*runner.Task
}

func (f *fakeStore) List() []*runner.Task { return f.tasks }

func (f *fakeStore) Get(id string) (*runner.Task, error) {
	for _, t := range f.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, runner.ErrNotFound
}

func (f *fakeStore) Update(id, title, description string) (*runner.Task, error) {
	t, err := f.Get(id)
	if err != nil {
		return nil, err
	}
	if title != "" {
		t.Title = title
	}
	if description != "" {
		t.Description = description
	}
	return t, nil
}

func (f *fakeStore) Delete(id string) error {
	for i, t := range f.tasks {
		if t.ID == id {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return nil
		}
	}
	return runner.ErrNotFound
}

func newTestServer(t *testing.T, secret string) (*Server, *fakeTasks, *fakeStore, *bus.EventBus) {
	t.Helper()
	tasks := &fakeTasks{}
	store := &fakeStore{}
	eb := bus.NewEventBus()
	s := New(Config{Secret: secret, UploadDir: t.TempDir()}, tasks, store, eb, nil)
	return s, tasks, store, eb
}

func TestAuthMiddleware(t *testing.T) {
	s, _, _, _ := newTestServer(t, "s3cret")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, _ := http.Get(srv.URL + "/task")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Get(srv.URL + "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health must not require auth, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/task", nil)
	req.Header.Set("X-Auth-Token", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateAndGetTask(t *testing.T) {
	s, tasks, store, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/task", "application/json",
		strings.NewReader(`{"title":"Bump node","description":"to 20","createdBy":"api"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var created runner.Task
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if len(tasks.created) != 1 || tasks.created[0] != "Bump node" {
		t.Errorf("created = %v", tasks.created)
	}

	store.tasks = append(store.tasks, &created)
	resp, _ = http.Get(srv.URL + "/task/" + created.ID)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Get(srv.URL + "/task/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing task status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPatchAndDeleteTask(t *testing.T) {
	s, _, store, _ := newTestServer(t, "")
	seed := runner.NewTask("old title", "old desc", "", "", "")
	store.tasks = []*runner.Task{seed}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/task/"+seed.ID,
		strings.NewReader(`{"title":"new title"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("patch status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if seed.Title != "new title" || seed.Description != "old desc" {
		t.Errorf("task after patch: %q %q", seed.Title, seed.Description)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/task/"+seed.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if len(store.tasks) != 0 {
		t.Errorf("store still has %d tasks", len(store.tasks))
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/task/nope", nil)
	resp, _ = http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete missing status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPostEventBroadcasts(t *testing.T) {
	s, _, _, eb := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	var got bus.Event
	eb.Subscribe("test", func(e bus.Event) { got = e })

	resp, err := http.Post(srv.URL+"/events", "application/json",
		strings.NewReader(`{"name":"deploy_hint","payload":{"env":"staging"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if got.Name != "deploy_hint" {
		t.Errorf("broadcast name = %q", got.Name)
	}

	resp, _ = http.Post(srv.URL+"/events", "application/json", strings.NewReader(`{}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("nameless event status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	s, _, _, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, _ := http.Post(srv.URL+"/task", "application/json", strings.NewReader(`{"description":"x"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTodoWebhookCreatesTask(t *testing.T) {
	s, tasks, _, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, _ := http.Post(srv.URL+"/webhook/todo", "application/json",
		strings.NewReader(`{"title":"from todo","description":"d"}`))
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if len(tasks.created) != 1 {
		t.Errorf("created = %v", tasks.created)
	}
}

func TestRetryStopContinue(t *testing.T) {
	s, tasks, _, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, _ := http.Post(srv.URL+"/task/t1/retry", "application/json", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("retry status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Post(srv.URL+"/task/missing/retry", "application/json", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("retry missing status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Post(srv.URL+"/task/t1/stop", "application/json", nil)
	if resp.StatusCode != http.StatusOK || len(tasks.stopped) != 1 {
		t.Errorf("stop status = %d stopped = %v", resp.StatusCode, tasks.stopped)
	}
	resp.Body.Close()

	resp, _ = http.Post(srv.URL+"/task/t1/continue", "application/json",
		strings.NewReader(`{"instructions":"also docs"}`))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("continue status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Post(srv.URL+"/task/t1/continue", "application/json", strings.NewReader(`{}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("continue without instructions = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEventsStream(t *testing.T) {
	s, _, store, eb := newTestServer(t, "")
	store.tasks = []*runner.Task{runner.NewTask("seed", "", "", "", "")}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reader := openStream(t, ctx, srv.URL, "cli-1")

	if ev, _ := reader.next(); ev != "connected" {
		t.Fatalf("first event = %q", ev)
	}
	if ev, data := reader.next(); ev != "init" || !strings.Contains(data, "seed") {
		t.Fatalf("init = %q %q", ev, data)
	}

	// Unwatched task output must be elided.
	eb.Broadcast(bus.Event{Name: bus.EventTaskUpdated, Payload: map[string]any{
		"id": "t9", "status": "running", "output": "secret chunk",
	}})
	if ev, data := reader.next(); ev != bus.EventTaskUpdated || strings.Contains(data, "secret chunk") {
		t.Fatalf("unwatched output leaked: %q %q", ev, data)
	}

	// After watching, output flows to this client.
	watchResp, err := http.Post(srv.URL+"/watch", "application/json",
		strings.NewReader(`{"clientId":"cli-1","taskId":"t9"}`))
	if err != nil {
		t.Fatal(err)
	}
	watchResp.Body.Close()
	eb.Broadcast(bus.Event{Name: bus.EventTaskUpdated, Payload: map[string]any{
		"id": "t9", "status": "running", "output": "visible chunk",
	}})
	if _, data := reader.next(); !strings.Contains(data, "visible chunk") {
		t.Fatalf("watched output missing: %q", data)
	}
}

func TestWatchRequiresClientID(t *testing.T) {
	s, _, _, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/watch", "application/json", strings.NewReader(`{"taskId":"t9"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestWatchedOutputOnlyReachesWatcher(t *testing.T) {
	s, _, _, eb := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	watcher := openStream(t, ctx, srv.URL, "cli-a")
	other := openStream(t, ctx, srv.URL, "cli-b")
	for _, r := range []*sseReader{watcher, other} {
		r.next() // connected
		r.next() // init
	}

	resp, err := http.Post(srv.URL+"/watch", "application/json",
		strings.NewReader(`{"clientId":"cli-a","taskId":"t9"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	eb.Broadcast(bus.Event{Name: bus.EventTaskUpdated, Payload: map[string]any{
		"id": "t9", "status": "running", "output": "stream line",
	}})

	if _, data := watcher.next(); !strings.Contains(data, "stream line") {
		t.Errorf("watcher missed output: %q", data)
	}
	if _, data := other.next(); strings.Contains(data, "stream line") {
		t.Errorf("output leaked to non-watcher: %q", data)
	}
}

type sseReader struct {
	t *testing.T
	r *bufio.Reader
}

func openStream(t *testing.T, ctx context.Context, baseURL, clientID string) *sseReader {
	t.Helper()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/events?clientId="+clientID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return &sseReader{t: t, r: bufio.NewReader(resp.Body)}
}

func (s *sseReader) next() (string, string) {
	var event, data string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			s.t.Fatalf("stream ended: %v (event=%q)", err, event)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" && event != "" {
			return event, data
		}
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
		}
	}
}

func TestUpload(t *testing.T) {
	s, _, _, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	var body strings.Builder
	boundary := "testboundary"
	fmt.Fprintf(&body, "--%s\r\n", boundary)
	body.WriteString("Content-Disposition: form-data; name=\"file\"; filename=\"notes.txt\"\r\n\r\n")
	body.WriteString("hello upload")
	fmt.Fprintf(&body, "\r\n--%s--\r\n", boundary)

	resp, err := http.Post(srv.URL+"/upload", "multipart/form-data; boundary="+boundary,
		strings.NewReader(body.String()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	if !strings.HasSuffix(out["path"], "notes.txt") {
		t.Errorf("path = %q", out["path"])
	}
}
