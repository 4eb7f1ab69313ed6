// Package executor runs long tool-using model sessions under hard
// iteration and context budgets, recovering from truncated tool calls,
// context overflow, and repeated tool failures without operator help.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/nextlevelbuilder/devbot/internal/providers"
	"github.com/nextlevelbuilder/devbot/internal/trunc"
)

// Defaults for the session budgets.
const (
	DefaultMaxIterations       = 50
	DefaultMaxExtensions       = 3
	DefaultMaxContextTokens    = 160000
	DefaultMaxToolResultLength = 30000
)

// Thresholds for the consecutive tool error escalation.
const (
	toolErrorHintAfter     = 3
	toolErrorReassessAfter = 5
)

// oversizedToolResult is the per-result ceiling applied during context
// trimming, with the head/tail sizes used for the rewrite.
const (
	oversizedToolResult = 10000
	trimKeepHead        = 5000
	trimKeepTail        = 2000
)

const truncatedToolCallMsg = "your previous response was truncated before the tool call completed; retry with smaller content"

const reassessMsg = "Multiple consecutive tool calls have failed. Stop, re-read the recent errors, and reassess your approach before trying again."

// ToolChannel is the executor's view of the tool transport.
type ToolChannel interface {
	Tools() []providers.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any) (content string, isError bool, err error)
}

// Config bounds one session.
type Config struct {
	MaxIterations       int
	MaxExtensions       int
	MaxContextTokens    int
	MaxToolResultLength int
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxExtensions <= 0 {
		c.MaxExtensions = DefaultMaxExtensions
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = DefaultMaxContextTokens
	}
	if c.MaxToolResultLength <= 0 {
		c.MaxToolResultLength = DefaultMaxToolResultLength
	}
}

// Executor runs sessions. One Executor may be reused; each Execute call is
// an independent session.
type Executor struct {
	provider providers.Provider
	model    string
	tools    ToolChannel
	cfg      Config
	onOutput func(chunk string)
	usage    providers.Usage
}

// Option configures an Executor.
type Option func(*Executor)

// WithOutput replaces the default stdout sink. Exactly one sink is active.
func WithOutput(fn func(chunk string)) Option {
	return func(e *Executor) { e.onOutput = fn }
}

// WithModel overrides the provider default model.
func WithModel(model string) Option {
	return func(e *Executor) { e.model = model }
}

// New creates an Executor.
func New(provider providers.Provider, tools ToolChannel, cfg Config, opts ...Option) *Executor {
	cfg.applyDefaults()
	e := &Executor{
		provider: provider,
		tools:    tools,
		cfg:      cfg,
		onOutput: func(chunk string) { fmt.Fprint(os.Stdout, chunk) },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Usage returns accumulated token usage across all Execute calls.
func (e *Executor) Usage() providers.Usage { return e.usage }

// session is the mutable state of one Execute call.
type session struct {
	messages              []providers.Message
	transcript            strings.Builder
	consecutiveToolErrors int
}

// Execute runs the session to completion and returns the accumulated
// assistant text. systemPrompt frames the whole session; prompt is the task.
func (e *Executor) Execute(ctx context.Context, systemPrompt, prompt string) (string, error) {
	s := &session{messages: []providers.Message{providers.UserText(prompt)}}

	done, err := e.runIterations(ctx, s, systemPrompt, e.cfg.MaxIterations)
	if err != nil {
		return s.transcript.String(), err
	}

	for ext := 1; !done && ext <= e.cfg.MaxExtensions; ext++ {
		keep := 10 - 2*ext
		if keep < 4 {
			keep = 4
		}
		e.trimKeepFirstAndLast(s, keep)
		slog.Info("executor.extension", "extension", ext, "kept_messages", len(s.messages))
		done, err = e.runIterations(ctx, s, systemPrompt, e.cfg.MaxIterations/2)
		if err != nil {
			return s.transcript.String(), err
		}
	}

	if !done {
		warning := "\n\n[session stopped: iteration budget exhausted after all extensions]"
		s.transcript.WriteString(warning)
		e.onOutput(warning)
	}
	return s.transcript.String(), nil
}

// runIterations runs up to budget iterations. Context-overflow provider
// errors trim aggressively and retry without consuming the slot.
func (e *Executor) runIterations(ctx context.Context, s *session, systemPrompt string, budget int) (bool, error) {
	for i := 0; i < budget; i++ {
		done, overflowed, err := e.runIteration(ctx, s, systemPrompt)
		if err != nil {
			return false, err
		}
		if overflowed {
			i--
			continue
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}

func (e *Executor) runIteration(ctx context.Context, s *session, systemPrompt string) (done, overflowed bool, err error) {
	e.trimContext(s)

	resp, err := e.provider.CreateMessage(ctx, providers.Request{
		Model:    e.model,
		System:   systemPrompt,
		Messages: s.messages,
		Tools:    e.tools.Tools(),
	})
	if err != nil {
		if providers.IsContextOverflow(err) {
			slog.Warn("executor.context_overflow", "error", err)
			e.trimKeepFirstAndLast(s, 4)
			return false, true, nil
		}
		return false, false, fmt.Errorf("provider call: %w", err)
	}
	if resp.Usage != nil {
		e.usage.Add(resp.Usage)
	}

	for _, block := range resp.Content {
		if block.Type == providers.BlockText && block.Text != "" {
			s.transcript.WriteString(block.Text)
			e.onOutput(block.Text)
		}
	}
	toolUses := resp.ToolUses()

	// A response cut off at max_tokens may carry incomplete tool inputs.
	// Never execute those; tell the model to retry smaller.
	if resp.StopReason == providers.StopMaxTokens && len(toolUses) > 0 {
		s.messages = append(s.messages, providers.Message{Role: "assistant", Content: resp.Content})
		var results []providers.Block
		for _, tu := range toolUses {
			results = append(results, providers.ToolResultBlock(tu.ID, truncatedToolCallMsg, true))
		}
		s.messages = append(s.messages, providers.Message{Role: "user", Content: results})
		e.onOutput("\n[truncated tool call detected, asking model to retry]\n")
		return false, false, nil
	}

	s.messages = append(s.messages, providers.Message{Role: "assistant", Content: resp.Content})
	if len(toolUses) == 0 || resp.StopReason == providers.StopEndTurn {
		return true, false, nil
	}

	var results []providers.Block
	for _, tu := range toolUses {
		results = append(results, e.executeTool(ctx, s, tu))
	}
	s.messages = append(s.messages, providers.Message{Role: "user", Content: results})

	if s.consecutiveToolErrors >= toolErrorReassessAfter {
		s.messages = append(s.messages, providers.UserText(reassessMsg))
		s.consecutiveToolErrors = 0
		e.onOutput("\n[too many consecutive tool errors, forcing reassessment]\n")
	}
	return false, false, nil
}

func (e *Executor) executeTool(ctx context.Context, s *session, tu providers.Block) providers.Block {
	e.onOutput(fmt.Sprintf("\n[tool: %s]\n", tu.Name))

	content, isError, err := e.tools.Execute(ctx, tu.Name, tu.Input)
	if err != nil {
		isError = true
		content = err.Error()
	}

	if isError {
		s.consecutiveToolErrors++
		argsJSON, _ := json.Marshal(tu.Input)
		msg := fmt.Sprintf("tool %s failed with arguments %s: %s", tu.Name, argsJSON, content)
		if s.consecutiveToolErrors >= toolErrorHintAfter {
			msg += "\nHint: check whether the path, arguments, and working directory are what you expect before retrying."
		}
		slog.Warn("executor.tool.failed", "tool", tu.Name, "consecutive", s.consecutiveToolErrors)
		return providers.ToolResultBlock(tu.ID, msg, true)
	}

	s.consecutiveToolErrors = 0
	return providers.ToolResultBlock(tu.ID, trunc.ToolResult(content, e.cfg.MaxToolResultLength, tu.Name), false)
}

// trimContext keeps the estimated token count under the budget: first keep
// the task prompt plus the last 10 messages, then rewrite oversized tool
// results.
func (e *Executor) trimContext(s *session) {
	estimate := estimateTokens(s.messages)
	if estimate <= e.cfg.MaxContextTokens {
		return
	}

	e.trimKeepFirstAndLast(s, 10)
	estimate = estimateTokens(s.messages)
	if estimate > e.cfg.MaxContextTokens {
		for mi := range s.messages {
			for bi := range s.messages[mi].Content {
				b := &s.messages[mi].Content[bi]
				if b.Type == providers.BlockToolResult && len(b.Content) > oversizedToolResult {
					b.Content = trunc.HeadTail(b.Content, trimKeepHead, trimKeepTail, "tool result")
				}
			}
		}
		estimate = estimateTokens(s.messages)
	}
	slog.Info("executor.context_trimmed", "estimated_tokens", estimate, "messages", len(s.messages))
}

// trimKeepFirstAndLast drops everything between the task prompt and the
// last n messages.
func (e *Executor) trimKeepFirstAndLast(s *session, n int) {
	if len(s.messages) <= n+1 {
		return
	}
	kept := make([]providers.Message, 0, n+1)
	kept = append(kept, s.messages[0])
	kept = append(kept, s.messages[len(s.messages)-n:]...)
	s.messages = kept
}

// estimateTokens approximates 4 chars per token over stringified blocks,
// minimum 1 per block.
func estimateTokens(messages []providers.Message) int {
	total := 0
	for _, msg := range messages {
		for _, b := range msg.Content {
			var chars int
			switch b.Type {
			case providers.BlockText:
				chars = len(b.Text)
			case providers.BlockToolResult:
				chars = len(b.Content)
			default:
				data, _ := json.Marshal(b)
				chars = len(data)
			}
			tokens := int(math.Ceil(float64(chars) / 4))
			if tokens < 1 {
				tokens = 1
			}
			total += tokens
		}
	}
	return total
}
