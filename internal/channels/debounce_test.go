package channels

import (
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/devbot/internal/bus"
)

type flushRecorder struct {
	mu   sync.Mutex
	msgs []bus.IMMessage
}

func (f *flushRecorder) flush(m bus.IMMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
}

func (f *flushRecorder) all() []bus.IMMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.IMMessage(nil), f.msgs...)
}

func TestDebouncerMergesFollowUps(t *testing.T) {
	rec := &flushRecorder{}
	d := NewDebouncer(rec.flush)

	d.Add(bus.IMMessage{ChatID: "oc_1", SenderID: "u1", MessageID: "m1", Text: "bump node"})
	d.Add(bus.IMMessage{ChatID: "oc_1", SenderID: "u1", MessageID: "m2", Text: "to version 20"})
	d.Add(bus.IMMessage{ChatID: "oc_1", SenderID: "u1", MessageID: "m3", Text: "and update CI"})
	d.Flush()

	msgs := rec.all()
	if len(msgs) != 1 {
		t.Fatalf("flushed %d messages, want 1", len(msgs))
	}
	if msgs[0].Text != "bump node\nto version 20\nand update CI" {
		t.Errorf("merged text = %q", msgs[0].Text)
	}
	if msgs[0].MessageID != "m1" {
		t.Errorf("merged message should keep the first id, got %q", msgs[0].MessageID)
	}
}

func TestDebouncerPlaceholdersExtendWithoutText(t *testing.T) {
	rec := &flushRecorder{}
	d := NewDebouncer(rec.flush)

	d.Add(bus.IMMessage{ChatID: "oc_1", SenderID: "u1", Text: "here is the error screenshot"})
	d.Add(bus.IMMessage{
		ChatID: "oc_1", SenderID: "u1", Text: "[Image]",
		Attachments: []bus.Attachment{{Kind: "image", LocalPath: "/tmp/a.png"}},
	})
	d.Add(bus.IMMessage{
		ChatID: "oc_1", SenderID: "u1", Text: "[File: error.log]",
		Attachments: []bus.Attachment{{Kind: "file", Name: "error.log", LocalPath: "/tmp/error.log"}},
	})
	d.Flush()

	msgs := rec.all()
	if len(msgs) != 1 {
		t.Fatalf("flushed %d", len(msgs))
	}
	if msgs[0].Text != "here is the error screenshot" {
		t.Errorf("placeholder text leaked into merge: %q", msgs[0].Text)
	}
	if len(msgs[0].Attachments) != 2 {
		t.Errorf("attachments = %+v", msgs[0].Attachments)
	}
}

func TestDebouncerSeparateSendersDoNotMerge(t *testing.T) {
	rec := &flushRecorder{}
	d := NewDebouncer(rec.flush)

	d.Add(bus.IMMessage{ChatID: "oc_1", SenderID: "u1", Text: "a"})
	d.Add(bus.IMMessage{ChatID: "oc_1", SenderID: "u2", Text: "b"})
	d.Flush()

	if len(rec.all()) != 2 {
		t.Errorf("messages from different senders merged: %+v", rec.all())
	}
}

func TestDebouncerFlushesOnQuiet(t *testing.T) {
	rec := &flushRecorder{}
	d := NewDebouncer(rec.flush)
	d.Add(bus.IMMessage{ChatID: "oc_1", SenderID: "u1", Text: "solo"})

	deadline := time.Now().Add(debounceWindow + 2*time.Second)
	for time.Now().Before(deadline) {
		if len(rec.all()) == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("message never flushed after the quiet window")
}

func TestIsPlaceholder(t *testing.T) {
	for _, s := range []string{"[Image]", "[media]", "[File: build.log]"} {
		if !isPlaceholder(s) {
			t.Errorf("%q should be a placeholder", s)
		}
	}
	for _, s := range []string{"[Important] read this", "plain text", ""} {
		if isPlaceholder(s) {
			t.Errorf("%q should not be a placeholder", s)
		}
	}
}

func TestDebouncerAppendOnlyJoinsPendingGroups(t *testing.T) {
	rec := &flushRecorder{}
	d := NewDebouncer(rec.flush)

	if d.Append(bus.IMMessage{ChatID: "oc_1", SenderID: "u1", Text: "orphan"}) {
		t.Error("append without a pending group should report false")
	}
	if len(rec.all()) != 0 {
		t.Fatal("orphan append must not flush anything")
	}

	d.Add(bus.IMMessage{ChatID: "oc_1", SenderID: "u1", MessageID: "m1", Text: "first"})
	if !d.Append(bus.IMMessage{ChatID: "oc_1", SenderID: "u1", MessageID: "m2", Text: "second"}) {
		t.Error("append with a pending group should report true")
	}
	d.Flush()

	msgs := rec.all()
	if len(msgs) != 1 {
		t.Fatalf("flushed %d messages, want 1", len(msgs))
	}
	if msgs[0].Text != "first\nsecond" || msgs[0].MessageID != "m1" {
		t.Errorf("merged = %+v", msgs[0])
	}
}
