package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/devbot/internal/bus"
)

// eventEnvelope is the v2 event schema shared by webhook and websocket
// delivery.
type eventEnvelope struct {
	Schema    string          `json:"schema"`
	Challenge string          `json:"challenge"`
	Type      string          `json:"type"`
	Token     string          `json:"token"`
	Header    eventHeader     `json:"header"`
	Event     json.RawMessage `json:"event"`
}

type eventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"` // epoch millis as string
	Token      string `json:"token"`
}

type messageEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		ChatID      string `json:"chat_id"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
		Mentions    []struct {
			Key string `json:"key"`
			ID  struct {
				OpenID string `json:"open_id"`
			} `json:"id"`
			Name string `json:"name"`
		} `json:"mentions"`
	} `json:"message"`
}

// WebhookHandler serves the event subscription endpoint for webhook mode.
// It answers url_verification challenges and feeds message events into the
// normal pipeline.
func (a *Adapter) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		var env eventEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		if env.Type == "url_verification" {
			json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
			return
		}
		if a.cfg.VerificationToken != "" && env.Header.Token != a.cfg.VerificationToken {
			http.Error(w, "bad token", http.StatusForbidden)
			return
		}

		a.handleEnvelope(&env)
		w.WriteHeader(http.StatusOK)
	}
}

// handleEnvelope routes one event. Old events (sent before this process
// started) and duplicates are dropped; Feishu redelivers on slow acks.
func (a *Adapter) handleEnvelope(env *eventEnvelope) {
	if env.Header.EventType != "im.message.receive_v1" {
		slog.Debug("feishu.event_ignored", "type", env.Header.EventType)
		return
	}
	if ms, err := strconv.ParseInt(env.Header.CreateTime, 10, 64); err == nil {
		if time.UnixMilli(ms).Before(a.startedAt) {
			slog.Debug("feishu.event_stale", "event", env.Header.EventID)
			return
		}
	}

	var ev messageEvent
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		slog.Warn("feishu.event_unparseable", "error", err)
		return
	}
	if a.seenBefore(ev.Message.MessageID) {
		return
	}

	msg, mentioned := a.normalize(&ev)
	if mentioned {
		a.debouncer.Add(msg)
		return
	}
	// A non-mention from a sender with an open mention window is a
	// follow-up: merge it into the pending dispatch and still record it
	// as passive chat history.
	a.debouncer.Append(msg)
	a.handler.OnPassive(msg)
}

var mentionKeyPattern = regexp.MustCompile(`@_user_\d+\s?`)

// normalize converts a Feishu message event into the platform-neutral
// shape, downloading attachments and reporting whether the bot was
// mentioned.
func (a *Adapter) normalize(ev *messageEvent) (bus.IMMessage, bool) {
	msg := bus.IMMessage{
		ChatID:    ev.Message.ChatID,
		MessageID: ev.Message.MessageID,
		SenderID:  ev.Sender.SenderID.OpenID,
	}

	mentioned := false
	for _, m := range ev.Message.Mentions {
		msg.Mentions = append(msg.Mentions, m.ID.OpenID)
		if a.cfg.BotOpenID != "" && m.ID.OpenID == a.cfg.BotOpenID {
			mentioned = true
		}
	}
	// Without a configured bot id, any mention counts. Direct chats always
	// address the bot, but we cannot distinguish them here.
	if a.cfg.BotOpenID == "" && len(ev.Message.Mentions) > 0 {
		mentioned = true
	}

	switch ev.Message.MessageType {
	case "text":
		var content struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(ev.Message.Content), &content); err == nil {
			msg.Text = strings.TrimSpace(mentionKeyPattern.ReplaceAllString(content.Text, ""))
		}
		msg.Links = extractLinks(msg.Text)

	case "image":
		var content struct {
			ImageKey string `json:"image_key"`
		}
		json.Unmarshal([]byte(ev.Message.Content), &content)
		msg.Text = "[Image]"
		if path := a.downloadResource(ev.Message.MessageID, content.ImageKey, "image", content.ImageKey+".png"); path != "" {
			msg.Attachments = append(msg.Attachments, bus.Attachment{Kind: "image", LocalPath: path})
		}

	case "file":
		var content struct {
			FileKey  string `json:"file_key"`
			FileName string `json:"file_name"`
		}
		json.Unmarshal([]byte(ev.Message.Content), &content)
		msg.Text = fmt.Sprintf("[File: %s]", content.FileName)
		if path := a.downloadResource(ev.Message.MessageID, content.FileKey, "file", content.FileName); path != "" {
			msg.Attachments = append(msg.Attachments, bus.Attachment{Kind: "file", Name: content.FileName, LocalPath: path})
		}

	default:
		msg.Text = "[media]"
	}

	return msg, mentioned
}

var linkPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

func extractLinks(text string) []string {
	return linkPattern.FindAllString(text, -1)
}

// downloadResource fetches a message attachment into the upload dir.
// Failures degrade to no attachment; the placeholder text still flows.
func (a *Adapter) downloadResource(messageID, key, typ, filename string) string {
	if key == "" || a.cfg.UploadDir == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := a.tenantToken(ctx)
	if err != nil {
		slog.Warn("feishu.download_token_failed", "error", err)
		return ""
	}
	url := fmt.Sprintf("%s/open-apis/im/v1/messages/%s/resources/%s?type=%s", a.cfg.BaseURL, messageID, key, typ)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		slog.Warn("feishu.download_failed", "key", key, "error", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Warn("feishu.download_failed", "key", key, "status", resp.StatusCode)
		return ""
	}

	if err := os.MkdirAll(a.cfg.UploadDir, 0o755); err != nil {
		return ""
	}
	path := filepath.Join(a.cfg.UploadDir, filepath.Base(filename))
	f, err := os.Create(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return ""
	}
	return path
}
