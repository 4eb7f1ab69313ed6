// Package feishu implements the Feishu (Lark) chat adapter: event intake
// over a websocket long connection or a webhook, and card-based replies
// through the open platform REST API.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/devbot/internal/bus"
	"github.com/nextlevelbuilder/devbot/internal/channels"
)

const (
	defaultBaseURL = "https://open.feishu.cn"
	tokenSafety    = 5 * time.Minute
	dedupeWindow   = 200
)

// Config for the Feishu adapter.
type Config struct {
	AppID             string
	AppSecret         string
	BaseURL           string
	VerificationToken string
	BotOpenID         string
	UploadDir         string
	// Mode is "websocket" (default) or "webhook".
	Mode string
}

// Adapter is the Feishu channel.
type Adapter struct {
	cfg       Config
	handler   channels.Handler
	debouncer *channels.Debouncer
	client    *http.Client
	startedAt time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	seen        []string
	seenSet     map[string]bool
}

// New builds the adapter. Inbound messages are debounced before they reach
// the handler.
func New(cfg Config, handler channels.Handler) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	a := &Adapter{
		cfg:       cfg,
		handler:   handler,
		client:    &http.Client{Timeout: 30 * time.Second},
		startedAt: time.Now(),
		seenSet:   make(map[string]bool),
	}
	a.debouncer = channels.NewDebouncer(func(msg bus.IMMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		handler.OnMention(ctx, msg)
	})
	return a
}

func (a *Adapter) Name() string { return "feishu" }

// Start runs the websocket long connection. In webhook mode there is
// nothing to run; events arrive through WebhookHandler.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.Mode == "webhook" {
		<-ctx.Done()
		return ctx.Err()
	}
	return a.runWebsocket(ctx)
}

// tenantToken returns a cached tenant access token, refreshing when it is
// within the safety margin of expiry.
func (a *Adapter) tenantToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.token != "" && time.Now().Before(a.tokenExpiry) {
		token := a.token
		a.mu.Unlock()
		return token, nil
	}
	a.mu.Unlock()

	body, _ := json.Marshal(map[string]string{
		"app_id":     a.cfg.AppID,
		"app_secret": a.cfg.AppSecret,
	})
	var out struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := a.postJSON(ctx, "/open-apis/auth/v3/tenant_access_token/internal", "", body, &out); err != nil {
		return "", fmt.Errorf("fetch tenant token: %w", err)
	}
	if out.Code != 0 {
		return "", fmt.Errorf("fetch tenant token: code %d: %s", out.Code, out.Msg)
	}

	a.mu.Lock()
	a.token = out.TenantAccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(out.Expire)*time.Second - tokenSafety)
	a.mu.Unlock()
	return out.TenantAccessToken, nil
}

// SendCard posts an interactive card, optionally as a threaded reply.
func (a *Adapter) SendCard(ctx context.Context, chatID string, card bus.Card, opts bus.SendOptions) (string, error) {
	content, err := json.Marshal(renderCard(card))
	if err != nil {
		return "", err
	}
	payload := map[string]string{
		"msg_type": "interactive",
		"content":  string(content),
	}

	path := "/open-apis/im/v1/messages?receive_id_type=chat_id"
	if opts.ReplyTo != "" {
		path = "/open-apis/im/v1/messages/" + opts.ReplyTo + "/reply"
	} else {
		payload["receive_id"] = chatID
	}

	token, err := a.tenantToken(ctx)
	if err != nil {
		return "", err
	}
	body, _ := json.Marshal(payload)
	var out struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			MessageID string `json:"message_id"`
		} `json:"data"`
	}
	if err := a.postJSON(ctx, path, token, body, &out); err != nil {
		return "", fmt.Errorf("send card: %w", err)
	}
	if out.Code != 0 {
		return "", fmt.Errorf("send card: code %d: %s", out.Code, out.Msg)
	}
	return out.Data.MessageID, nil
}

// UpdateCard replaces an interactive card's content in place.
func (a *Adapter) UpdateCard(ctx context.Context, messageID string, card bus.Card) error {
	content, err := json.Marshal(renderCard(card))
	if err != nil {
		return err
	}
	token, err := a.tenantToken(ctx)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"content": string(content)})

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		a.cfg.BaseURL+"/open-apis/im/v1/messages/"+messageID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := a.doJSON(req, &out); err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	if out.Code != 0 {
		return fmt.Errorf("update card: code %d: %s", out.Code, out.Msg)
	}
	return nil
}

// SendText posts a plain text message.
func (a *Adapter) SendText(ctx context.Context, chatID, text string) error {
	token, err := a.tenantToken(ctx)
	if err != nil {
		return err
	}
	content, _ := json.Marshal(map[string]string{"text": text})
	body, _ := json.Marshal(map[string]string{
		"receive_id": chatID,
		"msg_type":   "text",
		"content":    string(content),
	})
	var out struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := a.postJSON(ctx, "/open-apis/im/v1/messages?receive_id_type=chat_id", token, body, &out); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if out.Code != 0 {
		return fmt.Errorf("send text: code %d: %s", out.Code, out.Msg)
	}
	return nil
}

func (a *Adapter) postJSON(ctx context.Context, path, token string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.doJSON(req, out)
}

func (a *Adapter) doJSON(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}

// seenBefore records the message id and reports whether it was already
// seen, keeping a rolling window so memory stays bounded.
func (a *Adapter) seenBefore(messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seenSet[messageID] {
		return true
	}
	a.seen = append(a.seen, messageID)
	a.seenSet[messageID] = true
	if len(a.seen) > dedupeWindow {
		delete(a.seenSet, a.seen[0])
		a.seen = a.seen[1:]
	}
	return false
}

// renderCard converts a bus.Card to Feishu's interactive card JSON, adapting
// the markdown dialect on the way.
func renderCard(card bus.Card) map[string]any {
	out := map[string]any{
		"config": map[string]any{"wide_screen_mode": true},
		"elements": []any{
			map[string]any{"tag": "markdown", "content": AdaptMarkdown(card.Markdown)},
		},
	}
	if card.Header != "" {
		out["header"] = map[string]any{
			"title": map[string]any{"tag": "plain_text", "content": card.Header},
		}
	}
	return out
}

// AdaptMarkdown rewrites standard markdown into the subset Feishu cards
// render: fenced code blocks become 4-space indented blocks and inline
// code becomes bold.
func AdaptMarkdown(md string) string {
	var out []string
	inFence := false
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			out = append(out, "    "+line)
			continue
		}
		out = append(out, adaptInlineCode(line))
	}
	return strings.Join(out, "\n")
}

// adaptInlineCode turns `code` spans into **code**. Unbalanced backticks
// are left alone.
func adaptInlineCode(line string) string {
	if strings.Count(line, "`")%2 != 0 {
		return line
	}
	return strings.ReplaceAll(line, "`", "**")
}
