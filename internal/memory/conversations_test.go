package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConversationAppendAndRecent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewConversationStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i, text := range []string{"first", "second", "third", "fourth"} {
		s.Append("oc_chat_1", ConversationMessage{
			Role:      "user",
			Sender:    "alice",
			Content:   text,
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
	}

	recent := s.GetRecent("oc_chat_1", 2)
	if len(recent) != 2 {
		t.Fatalf("len = %d, want 2", len(recent))
	}
	if recent[0].Content != "third" || recent[1].Content != "fourth" {
		t.Errorf("recent = %q, %q; want chronological tail", recent[0].Content, recent[1].Content)
	}
}

func TestConversationFlushAndReload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewConversationStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.Append("chat-a", ConversationMessage{Role: "user", Content: "remember this"})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "conversations"))
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "chat-a_") && strings.HasSuffix(e.Name(), ".jsonl") {
			found = true
		}
	}
	if !found {
		t.Fatal("shard file not written on close")
	}

	// Fresh store reads the shard back from disk.
	s2, err := NewConversationStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	recent := s2.GetRecent("chat-a", 5)
	if len(recent) != 1 || recent[0].Content != "remember this" {
		t.Errorf("reloaded = %+v", recent)
	}
}

func TestConversationShardIsolation(t *testing.T) {
	dir := t.TempDir()
	s, err := NewConversationStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Append("chat-a", ConversationMessage{Role: "user", Content: "for a"})
	s.Append("chat-b", ConversationMessage{Role: "user", Content: "for b"})

	if got := s.GetRecent("chat-a", 10); len(got) != 1 || got[0].Content != "for a" {
		t.Errorf("chat-a sees %+v", got)
	}
	if got := s.GetRecent("chat-b", 10); len(got) != 1 || got[0].Content != "for b" {
		t.Errorf("chat-b sees %+v", got)
	}
}

func TestPendingExtractionAdvances(t *testing.T) {
	dir := t.TempDir()
	s, err := NewConversationStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 6; i++ {
		s.Append("chat-x", ConversationMessage{Role: "user", Content: "msg"})
	}

	key, msgs, upTo := s.PendingExtraction("chat-x")
	if len(msgs) != 6 || upTo != 6 {
		t.Fatalf("pending = %d, upTo = %d", len(msgs), upTo)
	}
	if err := s.AdvanceExtracted(key, upTo); err != nil {
		t.Fatal(err)
	}

	_, msgs, _ = s.PendingExtraction("chat-x")
	if len(msgs) != 0 {
		t.Errorf("after advance, pending = %d, want 0", len(msgs))
	}

	// The mark survives a restart via the state file.
	s.Close()
	s2, err := NewConversationStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	_, msgs, _ = s2.PendingExtraction("chat-x")
	if len(msgs) != 0 {
		t.Errorf("after reload, pending = %d, want 0", len(msgs))
	}
}

func TestShardKeyIsChatScoped(t *testing.T) {
	ts := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	a := shardKey("oc_chat/1", ts)
	b := shardKey("oc_chat/2", ts)
	if a == b {
		t.Error("different chats must not share a shard")
	}
	if !strings.HasSuffix(a, "_2026-08") {
		t.Errorf("shard key %q missing month suffix", a)
	}
	if strings.ContainsAny(a, "/\\") {
		t.Errorf("shard key %q contains path separators", a)
	}
}
