package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReconnectMin  = time.Second
	wsReconnectMax  = time.Minute
	wsWriteDeadline = 10 * time.Second
	wsPingInterval  = 30 * time.Second
)

// wsFrame is one message on the long connection: events from the platform,
// acks back from us.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// runWebsocket maintains the event long connection, reconnecting with
// exponential backoff until ctx is canceled.
func (a *Adapter) runWebsocket(ctx context.Context) error {
	backoff := wsReconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := a.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("feishu.ws_disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsReconnectMax {
			backoff = wsReconnectMax
		}
	}
}

func (a *Adapter) connectOnce(ctx context.Context) error {
	endpoint, err := a.wsEndpoint(ctx)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()
	slog.Info("feishu.ws_connected")

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go a.pingLoop(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("feishu.ws_bad_frame", "error", err)
			continue
		}

		switch frame.Type {
		case "event":
			a.ack(conn, frame.ID)
			var env eventEnvelope
			if err := json.Unmarshal(frame.Payload, &env); err != nil {
				slog.Warn("feishu.ws_bad_event", "error", err)
				continue
			}
			a.handleEnvelope(&env)
		case "pong":
		default:
			slog.Debug("feishu.ws_frame_ignored", "type", frame.Type)
		}
	}
}

func (a *Adapter) ack(conn *websocket.Conn, id string) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	if err := conn.WriteJSON(wsFrame{Type: "ack", ID: id}); err != nil {
		slog.Warn("feishu.ws_ack_failed", "error", err)
	}
}

func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteJSON(wsFrame{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

// wsEndpoint asks the platform for this app's websocket gateway URL.
func (a *Adapter) wsEndpoint(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"AppID":     a.cfg.AppID,
		"AppSecret": a.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.BaseURL+"/callback/ws/endpoint", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			URL string `json:"URL"`
		} `json:"data"`
	}
	if err := a.doJSON(req, &out); err != nil {
		return "", fmt.Errorf("resolve ws endpoint: %w", err)
	}
	if out.Code != 0 {
		return "", fmt.Errorf("resolve ws endpoint: code %d: %s", out.Code, out.Msg)
	}
	if out.Data.URL == "" {
		return "", fmt.Errorf("resolve ws endpoint: empty URL")
	}
	return out.Data.URL, nil
}
