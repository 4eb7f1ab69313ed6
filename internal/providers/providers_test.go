package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"not-a-number-or-date", 0},
		{"-3", 0},
	}
	for _, c := range cases {
		if got := ParseRetryAfter(c.header); got != c.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", c.header, got, c.want)
		}
	}

	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(future); got <= 0 || got > 10*time.Second {
		t.Errorf("ParseRetryAfter(http-date) = %v, want in (0, 10s]", got)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: true}
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(cfg, attempt)
		if d < 0 {
			t.Fatalf("attempt %d: negative delay %v", attempt, d)
		}
		// Jitter is ±25%, so the ceiling is 1.25 * MaxDelay.
		if d > time.Duration(float64(cfg.MaxDelay)*1.25) {
			t.Fatalf("attempt %d: delay %v exceeds jittered max", attempt, d)
		}
	}

	cfg.Jitter = false
	if got := backoffDelay(cfg, 1); got != time.Second {
		t.Errorf("attempt 1 = %v, want 1s", got)
	}
	if got := backoffDelay(cfg, 3); got != 4*time.Second {
		t.Errorf("attempt 3 = %v, want 4s", got)
	}
	if got := backoffDelay(cfg, 10); got != 30*time.Second {
		t.Errorf("attempt 10 = %v, want clamp at 30s", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&HTTPError{Status: 429}) {
		t.Error("429 should be retryable")
	}
	if !IsRetryable(&HTTPError{Status: 503}) {
		t.Error("503 should be retryable")
	}
	if IsRetryable(&HTTPError{Status: 401}) {
		t.Error("401 should not be retryable")
	}
	if IsRetryable(&HTTPError{Status: 400, Body: "invalid request"}) {
		t.Error("400 should not be retryable")
	}
}

func TestRetryDoHonorsRetryAfter(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
	start := time.Now()
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &HTTPError{Status: 429, RetryAfter: 20 * time.Millisecond}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("elapsed %v, want at least 2x Retry-After", elapsed)
	}
}

func TestRetryDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	cfg := DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		return "", &HTTPError{Status: 401, Body: "bad key"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for permanent error", attempts)
	}
}

func TestRetryDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	_, err := RetryDo(ctx, cfg, func() (string, error) {
		return "", &HTTPError{Status: 500}
	})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestParseAnthropicResponse(t *testing.T) {
	raw := `{
		"content": [
			{"type": "text", "text": "Let me check."},
			{"type": "tool_use", "id": "tu_1", "name": "read_file", "input": {"path": "main.go"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 120, "output_tokens": 30}
	}`
	var resp anthropicResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}
	got := parseAnthropicResponse(&resp)

	if got.StopReason != StopToolUse {
		t.Errorf("StopReason = %q, want tool_use", got.StopReason)
	}
	uses := got.ToolUses()
	if len(uses) != 1 || uses[0].Name != "read_file" {
		t.Fatalf("ToolUses = %+v, want one read_file call", uses)
	}
	if uses[0].Input["path"] != "main.go" {
		t.Errorf("input path = %v", uses[0].Input["path"])
	}
	if got.Text() != "Let me check." {
		t.Errorf("Text = %q", got.Text())
	}
	if got.Usage.TotalTokens != 150 {
		t.Errorf("TotalTokens = %d, want 150", got.Usage.TotalTokens)
	}
}

func TestParseOpenAIResponse(t *testing.T) {
	raw := `{
		"choices": [{
			"message": {
				"content": "",
				"tool_calls": [{"id": "call_1", "function": {"name": "exec", "arguments": "{\"command\":\"ls\"}"}}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52}
	}`
	var resp openAIResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}
	got, err := parseOpenAIResponse(&resp)
	if err != nil {
		t.Fatal(err)
	}
	if got.StopReason != StopToolUse {
		t.Errorf("StopReason = %q, want tool_use", got.StopReason)
	}
	uses := got.ToolUses()
	if len(uses) != 1 || uses[0].Name != "exec" {
		t.Fatalf("ToolUses = %+v", uses)
	}
	if uses[0].Input["command"] != "ls" {
		t.Errorf("arguments not decoded: %+v", uses[0].Input)
	}
	if got.Usage.TotalTokens != 52 {
		t.Errorf("TotalTokens = %d", got.Usage.TotalTokens)
	}
}

func TestParseOpenAIResponseLength(t *testing.T) {
	var resp openAIResponse
	raw := `{"choices":[{"message":{"content":"partial"},"finish_reason":"length"}],"usage":{}}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}
	got, err := parseOpenAIResponse(&resp)
	if err != nil {
		t.Fatal(err)
	}
	if got.StopReason != StopMaxTokens {
		t.Errorf("StopReason = %q, want max_tokens", got.StopReason)
	}
}

func TestOpenAIToolResultMapping(t *testing.T) {
	p := NewOpenAIProvider("key")
	req := Request{
		Messages: []Message{
			UserText("run ls"),
			{Role: "assistant", Content: []Block{{Type: BlockToolUse, ID: "call_1", Name: "exec", Input: map[string]any{"command": "ls"}}}},
			{Role: "user", Content: []Block{ToolResultBlock("call_1", "main.go\ngo.mod", false)}},
		},
	}
	body := p.buildRequestBody(req)
	messages := body["messages"].([]map[string]any)
	if len(messages) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(messages))
	}
	last := messages[2]
	if last["role"] != "tool" {
		t.Errorf("role = %v, want tool", last["role"])
	}
	if last["tool_call_id"] != "call_1" {
		t.Errorf("tool_call_id = %v", last["tool_call_id"])
	}
	asst := messages[1]
	calls, ok := asst["tool_calls"].([]map[string]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("assistant tool_calls missing: %+v", asst)
	}
}

func TestAnthropicCreateMessageEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing version header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":1}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	resp, err := p.CreateMessage(context.Background(), Request{Messages: []Message{UserText("hello")}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text() != "hi" {
		t.Errorf("Text = %q", resp.Text())
	}
	if resp.StopReason != StopEndTurn {
		t.Errorf("StopReason = %q", resp.StopReason)
	}
}

func TestAnthropicRetriesOn529(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(529)
			w.Write([]byte(`{"error":{"type":"overloaded_error"}}`))
			return
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL))
	p.retryConfig.BaseDelay = time.Millisecond
	resp, err := p.CreateMessage(context.Background(), Request{Messages: []Message{UserText("x")}})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if resp.Text() != "ok" {
		t.Errorf("Text = %q", resp.Text())
	}
}
