// Package slack implements the Slack chat adapter using Socket Mode for
// inbound events and the Web API for messages and card updates.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/devbot/internal/bus"
	"github.com/nextlevelbuilder/devbot/internal/channels"
)

const (
	defaultAPIBase = "https://slack.com/api"
	dedupeWindow   = 200
)

// Config for the Slack adapter.
type Config struct {
	BotToken string // xoxb-
	AppToken string // xapp-, Socket Mode
	BotUser  string // bot user id, e.g. U0123
	APIBase  string
}

// Adapter is the Slack channel.
type Adapter struct {
	cfg       Config
	handler   channels.Handler
	debouncer *channels.Debouncer
	client    *http.Client
	startedAt time.Time

	mu      sync.Mutex
	seen    []string
	seenSet map[string]bool
}

// New builds the adapter.
func New(cfg Config, handler channels.Handler) *Adapter {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
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

func (a *Adapter) Name() string { return "slack" }

// Start runs the Socket Mode loop, reconnecting with backoff.
func (a *Adapter) Start(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := a.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("slack.socket_disconnected", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

func (a *Adapter) connectOnce(ctx context.Context) error {
	wsURL, err := a.openConnection(ctx)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial socket mode: %w", err)
	}
	defer conn.Close()
	slog.Info("slack.socket_connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read envelope: %w", err)
		}
		var env socketEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("slack.bad_envelope", "error", err)
			continue
		}

		switch env.Type {
		case "hello":
		case "disconnect":
			return fmt.Errorf("server requested disconnect: %s", env.Reason)
		case "events_api":
			if env.EnvelopeID != "" {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				conn.WriteJSON(map[string]string{"envelope_id": env.EnvelopeID})
			}
			a.handleEvent(&env)
		default:
			slog.Debug("slack.envelope_ignored", "type", env.Type)
		}
	}
}

type socketEnvelope struct {
	Type       string `json:"type"`
	EnvelopeID string `json:"envelope_id"`
	Reason     string `json:"reason"`
	Payload    struct {
		Event innerEvent `json:"event"`
	} `json:"payload"`
}

type innerEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ClientID string `json:"client_msg_id"`
	Text     string `json:"text"`
}

func (a *Adapter) handleEvent(env *socketEnvelope) {
	ev := env.Payload.Event
	if ev.BotID != "" || ev.Subtype != "" {
		return
	}
	if ev.Type != "message" && ev.Type != "app_mention" {
		return
	}
	if a.seenBefore(ev.Channel + "|" + ev.TS) {
		return
	}

	msg := bus.IMMessage{
		ChatID:    ev.Channel,
		MessageID: ev.TS,
		SenderID:  ev.User,
		Text:      normalizeText(ev.Text),
		Links:     extractLinks(ev.Text),
	}

	mentioned := ev.Type == "app_mention" ||
		(a.cfg.BotUser != "" && strings.Contains(ev.Text, "<@"+a.cfg.BotUser+">"))
	if mentioned {
		a.debouncer.Add(msg)
		return
	}
	// Follow-ups inside an open mention window merge into the pending
	// dispatch and are still recorded as passive history.
	a.debouncer.Append(msg)
	a.handler.OnPassive(msg)
}

func (a *Adapter) seenBefore(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seenSet[id] {
		return true
	}
	a.seen = append(a.seen, id)
	a.seenSet[id] = true
	if len(a.seen) > dedupeWindow {
		delete(a.seenSet, a.seen[0])
		a.seen = a.seen[1:]
	}
	return false
}

var (
	userTag = regexp.MustCompile(`<@[A-Z0-9]+>\s?`)
	linkTag = regexp.MustCompile(`<(https?://[^|>]+)(?:\|[^>]*)?>`)
)

// normalizeText strips user tags and unwraps Slack's <url|label> links.
func normalizeText(text string) string {
	text = userTag.ReplaceAllString(text, "")
	text = linkTag.ReplaceAllString(text, "$1")
	return strings.TrimSpace(text)
}

func extractLinks(text string) []string {
	var links []string
	for _, m := range linkTag.FindAllStringSubmatch(text, -1) {
		links = append(links, m[1])
	}
	return links
}

// openConnection requests a Socket Mode websocket URL.
func (a *Adapter) openConnection(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBase+"/apps.connections.open", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AppToken)

	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		URL   string `json:"url"`
	}
	if err := a.doJSON(req, &out); err != nil {
		return "", fmt.Errorf("open socket connection: %w", err)
	}
	if !out.OK {
		return "", fmt.Errorf("open socket connection: %s", out.Error)
	}
	return out.URL, nil
}

// SendCard posts a mrkdwn section block. The returned message id carries
// the channel so UpdateCard can address chat.update.
func (a *Adapter) SendCard(ctx context.Context, chatID string, card bus.Card, opts bus.SendOptions) (string, error) {
	payload := map[string]any{
		"channel": chatID,
		"text":    card.Markdown,
		"blocks":  renderBlocks(card),
	}
	if opts.ReplyTo != "" {
		payload["thread_ts"] = opts.ReplyTo
	}
	var out struct {
		OK      bool   `json:"ok"`
		Error   string `json:"error"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	}
	if err := a.api(ctx, "chat.postMessage", payload, &out); err != nil {
		return "", err
	}
	if !out.OK {
		return "", fmt.Errorf("chat.postMessage: %s", out.Error)
	}
	return out.Channel + "|" + out.TS, nil
}

// UpdateCard rewrites a previously posted message.
func (a *Adapter) UpdateCard(ctx context.Context, messageID string, card bus.Card) error {
	channel, ts, ok := strings.Cut(messageID, "|")
	if !ok {
		return fmt.Errorf("malformed slack message id %q", messageID)
	}
	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := a.api(ctx, "chat.update", map[string]any{
		"channel": channel,
		"ts":      ts,
		"text":    card.Markdown,
		"blocks":  renderBlocks(card),
	}, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("chat.update: %s", out.Error)
	}
	return nil
}

// SendText posts plain text.
func (a *Adapter) SendText(ctx context.Context, chatID, text string) error {
	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := a.api(ctx, "chat.postMessage", map[string]any{"channel": chatID, "text": text}, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("chat.postMessage: %s", out.Error)
	}
	return nil
}

func (a *Adapter) api(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.BotToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
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

// renderBlocks converts a card to Slack blocks, translating **bold** to
// Slack's *bold* mrkdwn.
func renderBlocks(card bus.Card) []map[string]any {
	var blocks []map[string]any
	if card.Header != "" {
		blocks = append(blocks, map[string]any{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": card.Header},
		})
	}
	blocks = append(blocks, map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": AdaptMarkdown(card.Markdown)},
	})
	return blocks
}

var boldPattern = regexp.MustCompile(`\*\*([^*]+)\*\*`)

// AdaptMarkdown rewrites standard markdown bold into mrkdwn.
func AdaptMarkdown(md string) string {
	return boldPattern.ReplaceAllString(md, "*$1*")
}
