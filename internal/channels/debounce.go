package channels

import (
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/devbot/internal/bus"
)

const (
	debounceWindow  = 3 * time.Second
	debounceCeiling = 15 * time.Second
)

// attachment placeholders arrive as standalone messages right after the
// text they belong to; they extend the window and contribute attachments
// but never their placeholder text.
var placeholderTexts = map[string]bool{
	"[Image]": true,
	"[media]": true,
}

func isPlaceholder(text string) bool {
	t := strings.TrimSpace(text)
	if placeholderTexts[t] {
		return true
	}
	return strings.HasPrefix(t, "[File:") && strings.HasSuffix(t, "]")
}

// Debouncer merges rapid consecutive messages from the same sender in the
// same chat into one. The window extends with each follow-up but never
// beyond the ceiling from the first message, so a steady stream still
// flushes.
type Debouncer struct {
	flush func(bus.IMMessage)

	mu      sync.Mutex
	pending map[string]*pendingGroup
}

type pendingGroup struct {
	first    time.Time
	merged   bus.IMMessage
	texts    []string
	timer    *time.Timer
	deadline *time.Timer
}

// NewDebouncer builds a Debouncer that calls flush with each merged message.
func NewDebouncer(flush func(bus.IMMessage)) *Debouncer {
	return &Debouncer{flush: flush, pending: make(map[string]*pendingGroup)}
}

// Add buffers a message. The group flushes debounceWindow after the last
// message, or debounceCeiling after the first, whichever comes sooner.
func (d *Debouncer) Add(msg bus.IMMessage) {
	key := msg.ChatID + "|" + msg.SenderID

	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.pending[key]
	if !ok {
		g = &pendingGroup{first: time.Now(), merged: msg}
		if !isPlaceholder(msg.Text) && msg.Text != "" {
			g.texts = []string{msg.Text}
		}
		g.timer = time.AfterFunc(debounceWindow, func() { d.fire(key) })
		g.deadline = time.AfterFunc(debounceCeiling, func() { d.fire(key) })
		d.pending[key] = g
		return
	}

	g.absorb(msg)
	// Extend, capped by the ceiling timer which keeps its original deadline.
	g.timer.Reset(debounceWindow)
}

// Append merges msg into an already-pending group for the same chat and
// sender, extending its window. It reports whether such a group existed;
// without one nothing is buffered. This is how follow-up messages that do
// not themselves mention the bot join an open mention.
func (d *Debouncer) Append(msg bus.IMMessage) bool {
	key := msg.ChatID + "|" + msg.SenderID

	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.pending[key]
	if !ok {
		return false
	}
	g.absorb(msg)
	g.timer.Reset(debounceWindow)
	return true
}

func (g *pendingGroup) absorb(msg bus.IMMessage) {
	if !isPlaceholder(msg.Text) && msg.Text != "" {
		g.texts = append(g.texts, msg.Text)
	}
	g.merged.Attachments = append(g.merged.Attachments, msg.Attachments...)
	g.merged.Links = append(g.merged.Links, msg.Links...)
	g.merged.Mentions = mergeUnique(g.merged.Mentions, msg.Mentions)
}

// Flush forces all pending groups out immediately.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for k := range d.pending {
		keys = append(keys, k)
	}
	d.mu.Unlock()
	for _, k := range keys {
		d.fire(k)
	}
}

func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	g, ok := d.pending[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	g.timer.Stop()
	g.deadline.Stop()
	merged := g.merged
	merged.Text = strings.Join(g.texts, "\n")
	d.mu.Unlock()

	d.flush(merged)
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			a = append(a, s)
		}
	}
	return a
}
