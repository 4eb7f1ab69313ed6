// Package dispatcher is the cheap first layer of the bot: it classifies
// each inbound chat message as chat, memory query, or task creation, using
// a small model with read-only tools, and routes the outcome.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/devbot/internal/bus"
	"github.com/nextlevelbuilder/devbot/internal/memory"
	"github.com/nextlevelbuilder/devbot/internal/providers"
	"github.com/nextlevelbuilder/devbot/internal/tools"
	"github.com/nextlevelbuilder/devbot/internal/trunc"
)

// Tool results beyond this size are tail-truncated before being fed back.
const dispatcherToolResultMax = 8192

const reformatInstruction = "Return ONLY the JSON object, no code fences, and keep taskDescription under 500 characters."

const systemPrompt = `You are a DevOps assistant living in a team chat, attached to one project repository.

Classify the user's message into exactly one intent and answer as a single JSON object:
{"intent": "chat" | "query_memory" | "create_task", "reply": "...", "taskTitle": "...", "taskDescription": "..."}

- "chat": questions, discussion, anything answerable from context. Put your answer in "reply".
- "query_memory": the user asks what was decided or done before. Answer from the memory sections in "reply".
- "create_task": the user asks for a code or configuration change. Provide a short imperative "taskTitle" and a concrete "taskDescription" for the engineer who will implement it. Do not write code yourself.

You may call the provided read-only tools to inspect the repository before answering.
Respond with the JSON object only.`

// Config bounds the dispatcher's prompt sections and tool loop.
type Config struct {
	MaxPromptChars       int
	ProjectContextBudget int
	MemorySectionBudget  int
	RecentChatBudget     int
	MemoryTopK           int
	MemoryMinScore       float64
	MemoryDetailMinScore float64
	MemoryIndexMode      string // always | auto | never
	MaxToolRounds        int
}

// Channel is the dispatcher's view of the chat platform.
type Channel interface {
	SendCard(ctx context.Context, chatID string, card bus.Card, opts bus.SendOptions) (string, error)
	UpdateCard(ctx context.Context, messageID string, card bus.Card) error
}

// TaskRequest describes a task handed to the runner.
type TaskRequest struct {
	Title         string
	Description   string
	CreatedBy     string
	ChatID        string
	CardMessageID string
}

// TaskQueue enqueues tasks for serial execution.
type TaskQueue interface {
	Enqueue(ctx context.Context, req TaskRequest) (taskID string, err error)
}

// Dispatcher classifies messages and routes them.
type Dispatcher struct {
	provider      providers.Provider
	model         string
	cfg           Config
	registry      *tools.Registry
	projctx       *ProjectContext
	engine        *memory.Engine
	conversations *memory.ConversationStore
	extractor     *memory.Extractor
	channel       Channel
	queue         TaskQueue
}

// New wires a Dispatcher.
func New(provider providers.Provider, model string, cfg Config, registry *tools.Registry,
	projctx *ProjectContext, engine *memory.Engine, conversations *memory.ConversationStore,
	extractor *memory.Extractor, channel Channel, queue TaskQueue) *Dispatcher {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 1
	}
	return &Dispatcher{
		provider:      provider,
		model:         model,
		cfg:           cfg,
		registry:      registry,
		projctx:       projctx,
		engine:        engine,
		conversations: conversations,
		extractor:     extractor,
		channel:       channel,
		queue:         queue,
	}
}

// RecordMessage logs a passive (non-mentioned) message to the conversation
// history without dispatching.
func (d *Dispatcher) RecordMessage(msg bus.IMMessage) {
	d.conversations.Append(msg.ChatID, memory.ConversationMessage{
		Role:    "user",
		Sender:  msg.SenderName,
		Content: msg.Text,
		Passive: true,
	})
}

// Dispatch handles one mentioned message end to end: logs it, shows a
// thinking card, classifies, and routes. Errors surface on the card.
func (d *Dispatcher) Dispatch(ctx context.Context, msg bus.IMMessage) {
	d.conversations.Append(msg.ChatID, memory.ConversationMessage{
		Role:    "user",
		Sender:  msg.SenderName,
		Content: msg.Text,
	})

	cardID, err := d.channel.SendCard(ctx, msg.ChatID, bus.Card{Markdown: "🤔 思考中..."}, bus.SendOptions{ReplyTo: msg.MessageID})
	if err != nil {
		slog.Warn("dispatcher.card_send_failed", "chat", msg.ChatID, "error", err)
	}

	decision, err := d.classify(ctx, msg)
	if err != nil {
		slog.Error("dispatcher.classify_failed", "chat", msg.ChatID, "error", err)
		d.updateCard(ctx, cardID, "❌ 处理失败: "+err.Error())
		return
	}

	d.route(ctx, msg, decision, cardID)
}

// classify runs the model with read-only tools and parses the decision,
// with one reformat re-prompt before degrading to a plain chat reply.
func (d *Dispatcher) classify(ctx context.Context, msg bus.IMMessage) (Decision, error) {
	prompt := d.buildPrompt(ctx, msg)
	messages := []providers.Message{providers.UserText(prompt)}

	readOnly := d.registry.GetFiltered(tools.PolicyReadOnly)
	defs := make([]providers.ToolDefinition, 0, len(readOnly))
	for _, t := range readOnly {
		defs = append(defs, tools.ToProviderDef(t))
	}

	var resp *providers.Response
	var err error
	for round := 0; ; round++ {
		resp, err = d.provider.CreateMessage(ctx, providers.Request{
			Model:    d.model,
			System:   systemPrompt,
			Messages: messages,
			Tools:    defs,
			MaxTokens: 2048,
		})
		if err != nil {
			return Decision{}, fmt.Errorf("dispatcher model call: %w", err)
		}

		uses := resp.ToolUses()
		if len(uses) == 0 || resp.StopReason == providers.StopEndTurn {
			break
		}
		if round >= d.cfg.MaxToolRounds+2 {
			// Cut off runaway tool usage.
			break
		}

		messages = append(messages, providers.Message{Role: "assistant", Content: resp.Content})
		var results []providers.Block
		for _, tu := range uses {
			result := d.registry.Execute(ctx, tu.Name, tu.Input)
			results = append(results, providers.ToolResultBlock(tu.ID,
				trunc.Head(result.Content, dispatcherToolResultMax), result.IsError))
		}
		messages = append(messages, providers.Message{Role: "user", Content: results})
	}

	text := resp.Text()
	decision, ok := ParseDecision(text)
	if ok && resp.StopReason != providers.StopMaxTokens {
		return decision, nil
	}

	// Truncated or unparseable: re-prompt once asking for clean JSON.
	slog.Warn("dispatcher.reprompt", "chat", msg.ChatID, "stop_reason", resp.StopReason)
	messages = append(messages,
		providers.AssistantText(text),
		providers.UserText(reformatInstruction))
	resp, err = d.provider.CreateMessage(ctx, providers.Request{
		Model:     d.model,
		System:    systemPrompt,
		Messages:  messages,
		MaxTokens: 2048,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("dispatcher reprompt: %w", err)
	}
	if decision, ok := ParseDecision(resp.Text()); ok {
		return decision, nil
	}

	// Second failure degrades to a plain chat reply.
	return Decision{Intent: IntentChat, Reply: trunc.Head(resp.Text(), 500)}, nil
}

func (d *Dispatcher) route(ctx context.Context, msg bus.IMMessage, decision Decision, cardID string) {
	switch decision.Intent {
	case IntentChat, IntentQueryMemory:
		reply := decision.Reply
		if reply == "" {
			reply = "我不确定该如何回应，请再说明一下。"
		}
		d.updateCard(ctx, cardID, reply)
		d.conversations.Append(msg.ChatID, memory.ConversationMessage{Role: "assistant", Content: reply})
		if decision.Intent == IntentChat && d.extractor != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if err := d.extractor.MaybeExtract(ctx, msg.ChatID); err != nil {
					slog.Warn("dispatcher.extract_failed", "chat", msg.ChatID, "error", err)
				}
			}()
		}

	case IntentCreateTask:
		if strings.TrimSpace(decision.TaskTitle) == "" {
			clarify := "我需要一个明确的任务标题才能开始，请补充你想要做的修改。"
			d.updateCard(ctx, cardID, clarify)
			d.conversations.Append(msg.ChatID, memory.ConversationMessage{Role: "assistant", Content: clarify})
			return
		}

		description := d.enrichDescription(msg, decision)
		taskID, err := d.queue.Enqueue(ctx, TaskRequest{
			Title:         decision.TaskTitle,
			Description:   description,
			CreatedBy:     msg.SenderName,
			ChatID:        msg.ChatID,
			CardMessageID: cardID,
		})
		if err != nil {
			slog.Error("dispatcher.enqueue_failed", "error", err)
			d.updateCard(ctx, cardID, "❌ 任务创建失败: "+err.Error())
			return
		}

		ack := fmt.Sprintf("✅ 任务已创建: %s (`%s`)", decision.TaskTitle, taskID)
		d.updateCard(ctx, cardID, ack)
		d.conversations.Append(msg.ChatID, memory.ConversationMessage{Role: "assistant", Content: ack})

	default:
		slog.Warn("dispatcher.unknown_intent", "intent", decision.Intent)
		d.updateCard(ctx, cardID, "❌ 无法识别的意图")
	}
}

// enrichDescription builds the task description handed to the Executor:
// requester, the model's description, then reference links and attachment
// paths.
func (d *Dispatcher) enrichDescription(msg bus.IMMessage, decision Decision) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Requested by: %s\n\n", msg.SenderName)
	if decision.TaskDescription != "" {
		sb.WriteString(decision.TaskDescription)
	} else {
		sb.WriteString(msg.Text)
	}
	if len(msg.Links) > 0 {
		sb.WriteString("\n\nReference links:\n")
		for _, link := range msg.Links {
			fmt.Fprintf(&sb, "- %s\n", link)
		}
	}
	var files []string
	for _, att := range msg.Attachments {
		if att.LocalPath != "" {
			files = append(files, att.LocalPath)
		}
	}
	if len(files) > 0 {
		sb.WriteString("\nAttachments:\n")
		for _, f := range files {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}
	return sb.String()
}

func (d *Dispatcher) updateCard(ctx context.Context, cardID, markdown string) {
	if cardID == "" {
		return
	}
	if err := d.channel.UpdateCard(ctx, cardID, bus.Card{Markdown: markdown}); err != nil {
		slog.Warn("dispatcher.card_update_failed", "card", cardID, "error", err)
	}
}
