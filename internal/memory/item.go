// Package memory implements the persistent project memory: a SQLite-backed
// item store with dedup-or-reinforce semantics, hybrid vector + keyword
// search, sharded conversation logs, AI-driven extraction, and JSONL
// exports browsable by the Executor.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Memory item types.
const (
	TypeDecision   = "decision"
	TypeContext    = "context"
	TypePreference = "preference"
	TypeIssue      = "issue"
	TypeTaskInput  = "task_input"
	TypeTaskResult = "task_result"
)

// AllTypes lists every memory type, in export order.
var AllTypes = []string{TypeDecision, TypeContext, TypePreference, TypeIssue, TypeTaskInput, TypeTaskResult}

// Memory item sources.
const (
	SourceConversation = "conversation"
	SourceTask         = "task"
	SourceManual       = "manual"
)

// Item is one stored memory. Items are never deleted; duplicates reinforce
// the existing row instead.
type Item struct {
	ID                 string     `json:"id"`
	Type               string     `json:"type"`
	Content            string     `json:"content"`
	ContentHash        string     `json:"content_hash"`
	Source             string     `json:"source"`
	SourceID           string     `json:"source_id,omitempty"`
	ProjectPath        string     `json:"project_path"`
	CreatedBy          string     `json:"created_by,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ReinforcementCount int        `json:"reinforcement_count"`
	LastReinforcedAt   *time.Time `json:"last_reinforced_at,omitempty"`
}

// ValidType reports whether t is a known memory type.
func ValidType(t string) bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ContentHash computes the dedup key: sha256 of the lowercased content with
// whitespace runs collapsed to single spaces.
func ContentHash(content string) string {
	normalized := strings.ToLower(strings.TrimSpace(content))
	normalized = strings.Join(strings.Fields(normalized), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
