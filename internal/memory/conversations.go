package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// flushDebounce batches conversation appends before hitting disk.
const flushDebounce = 2 * time.Second

// ConversationMessage is one logged chat turn.
type ConversationMessage struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Sender    string    `json:"sender,omitempty"`
	Content   string    `json:"content"`
	Passive   bool      `json:"passive,omitempty"` // merged follow-up, not directly addressed
	Timestamp time.Time `json:"timestamp"`
}

// ConversationStore persists chat history as append-only JSONL shards keyed
// by (chatId, YYYY-MM). Appends are debounced; the state file tracks how far
// extraction has consumed each shard.
type ConversationStore struct {
	dir string

	mu      sync.Mutex
	shards  map[string][]ConversationMessage // full in-memory view per shard
	pending map[string][]ConversationMessage // not yet flushed to disk
	state   map[string]int                   // extractedUpTo per shard
	timer   *time.Timer
	closed  bool
}

// NewConversationStore opens (or creates) the conversation log under dir.
func NewConversationStore(dir string) (*ConversationStore, error) {
	convDir := filepath.Join(dir, "conversations")
	if err := os.MkdirAll(convDir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}
	s := &ConversationStore{
		dir:     convDir,
		shards:  make(map[string][]ConversationMessage),
		pending: make(map[string][]ConversationMessage),
		state:   make(map[string]int),
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

// shardKey is the composite (chatId, month) key. The month-only variant
// cannot serve more than one chat.
func shardKey(chatID string, t time.Time) string {
	return sanitizeShard(chatID) + "_" + t.UTC().Format("2006-01")
}

var unsafeShardChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func sanitizeShard(chatID string) string {
	return unsafeShardChars.ReplaceAllString(chatID, "-")
}

// Append records a message for the chat and schedules a debounced flush.
func (s *ConversationStore) Append(chatID string, msg ConversationMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	key := shardKey(chatID, msg.Timestamp)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(key)
	s.shards[key] = append(s.shards[key], msg)
	s.pending[key] = append(s.pending[key], msg)

	if s.timer == nil {
		s.timer = time.AfterFunc(flushDebounce, func() { _ = s.Flush() })
	} else {
		s.timer.Reset(flushDebounce)
	}
}

// GetRecent returns the last n messages for a chat in chronological order,
// walking shards newest-first.
func (s *ConversationStore) GetRecent(chatID string, n int) []ConversationMessage {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.shardKeysLocked(chatID)
	var collected []ConversationMessage
	for i := len(keys) - 1; i >= 0 && len(collected) < n; i-- {
		s.ensureLoadedLocked(keys[i])
		msgs := s.shards[keys[i]]
		take := n - len(collected)
		if take > len(msgs) {
			take = len(msgs)
		}
		// Prepend so earlier shards land before later ones.
		collected = append(append([]ConversationMessage{}, msgs[len(msgs)-take:]...), collected...)
	}
	return collected
}

// PendingExtraction returns the messages past extractedUpTo for the chat's
// current shard, along with the shard key and the new high-water mark.
func (s *ConversationStore) PendingExtraction(chatID string) (key string, msgs []ConversationMessage, upTo int) {
	key = shardKey(chatID, time.Now().UTC())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(key)
	all := s.shards[key]
	from := s.state[key]
	if from > len(all) {
		from = len(all)
	}
	return key, all[from:], len(all)
}

// AdvanceExtracted moves the extraction high-water mark for a shard and
// persists it. Advances even when extraction failed so broken batches are
// not retried forever.
func (s *ConversationStore) AdvanceExtracted(key string, upTo int) error {
	s.mu.Lock()
	s.state[key] = upTo
	s.mu.Unlock()
	return s.saveState()
}

// Flush writes pending appends to their shard files.
func (s *ConversationStore) Flush() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string][]ConversationMessage)
	s.mu.Unlock()

	for key, msgs := range pending {
		if err := s.appendToFile(key, msgs); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and stops the debounce timer.
func (s *ConversationStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	return s.Flush()
}

func (s *ConversationStore) appendToFile(key string, msgs []ConversationMessage) error {
	f, err := os.OpenFile(s.shardPath(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open shard %s: %w", key, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, msg := range msgs {
		if err := enc.Encode(msg); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (s *ConversationStore) shardPath(key string) string {
	return filepath.Join(s.dir, key+".jsonl")
}

func (s *ConversationStore) statePath() string {
	return filepath.Join(s.dir, "_state.json")
}

// ensureLoadedLocked reads a shard file into memory once. Caller holds mu.
func (s *ConversationStore) ensureLoadedLocked(key string) {
	if _, ok := s.shards[key]; ok {
		return
	}
	var msgs []ConversationMessage
	f, err := os.Open(s.shardPath(key))
	if err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var msg ConversationMessage
			if json.Unmarshal(scanner.Bytes(), &msg) == nil {
				msgs = append(msgs, msg)
			}
		}
		f.Close()
	}
	s.shards[key] = msgs
}

// shardKeysLocked returns the chat's shard keys sorted ascending by month.
// Month keys sort lexicographically. Caller holds mu.
func (s *ConversationStore) shardKeysLocked(chatID string) []string {
	prefix := sanitizeShard(chatID) + "_"
	seen := make(map[string]bool)
	for key := range s.shards {
		if strings.HasPrefix(key, prefix) {
			seen[key] = true
		}
	}
	entries, err := os.ReadDir(s.dir)
	if err == nil {
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".jsonl") {
				seen[strings.TrimSuffix(name, ".jsonl")] = true
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *ConversationStore) loadState() error {
	data, err := os.ReadFile(s.statePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &s.state)
}

func (s *ConversationStore) saveState() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath(), data, 0o644)
}
