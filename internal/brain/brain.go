// Package brain runs the agent loop. Every trigger (a chat message, a
// scheduler tick, anything else that carries a chat) becomes one turn: the
// model sees the transcript tail and a live picture of the fleet, calls
// tools until it has an answer, and the answer goes back out through the
// frontend. Tool failures feed back into the loop as error results; the
// only errors that end a turn early are the model's own.
package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/chatqueue"
	"github.com/0xcha05/alfred/internal/patterns"
	"github.com/0xcha05/alfred/internal/registry"
	"github.com/0xcha05/alfred/internal/transcript"
)

const (
	// defaultMaxRounds bounds model rounds per turn. Each round is one model
	// call plus the tool batch it requests.
	defaultMaxRounds = 10
	minMaxRounds     = 8

	// chatHistoryWindow is the transcript tail shown for operator messages;
	// scheduled tasks get a shorter one since they carry their own context.
	chatHistoryWindow     = 30
	scheduleHistoryWindow = 10
)

// modelFailureNotice is what the operator sees when the model itself fails.
// The underlying error goes to the log, never to chat.
const modelFailureNotice = "Something went wrong while I was thinking. Please try again."

// Auditor records structured audit entries. *audit.Sink satisfies it.
type Auditor interface {
	Record(kind, actor, action string, detail map[string]any)
}

type nopAuditor struct{}

func (nopAuditor) Record(string, string, string, map[string]any) {}

// Brain drives turns. It owns no connections and no files; everything it
// touches is injected.
type Brain struct {
	provider   alfred.Provider
	tools      *alfred.ToolRegistry
	registry   *registry.Registry
	transcript *transcript.Store
	frontend   alfred.Frontend

	queue        *chatqueue.Queue
	patterns     *patterns.Store
	audit        Auditor
	logger       *slog.Logger
	maxRounds    int
	operatorChat string
	now          func() time.Time
}

// Option configures a Brain.
type Option func(*Brain)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Brain) { b.logger = l }
}

// WithQueue enables per-chat turn serialization and mid-turn absorption.
func WithQueue(q *chatqueue.Queue) Option {
	return func(b *Brain) { b.queue = q }
}

// WithPatterns enables the learned-pattern fast path.
func WithPatterns(p *patterns.Store) Option {
	return func(b *Brain) { b.patterns = p }
}

// WithAuditor records tool executions and daemon events.
func WithAuditor(a Auditor) Option {
	return func(b *Brain) { b.audit = a }
}

// WithMaxRounds overrides the per-turn round budget. Values below the
// minimum are clamped up; too few rounds strands multi-step work.
func WithMaxRounds(n int) Option {
	return func(b *Brain) {
		if n < minMaxRounds {
			n = minMaxRounds
		}
		b.maxRounds = n
	}
}

// WithOperatorChat sets the fallback chat for alerts that arrive without one.
func WithOperatorChat(chatID string) Option {
	return func(b *Brain) { b.operatorChat = chatID }
}

// New creates a Brain. Provider, tools, registry, transcript, and frontend
// are required; everything else is optional.
func New(provider alfred.Provider, tools *alfred.ToolRegistry, reg *registry.Registry, ts *transcript.Store, fe alfred.Frontend, opts ...Option) *Brain {
	b := &Brain{
		provider:   provider,
		tools:      tools,
		registry:   reg,
		transcript: ts,
		frontend:   fe,
		queue:      chatqueue.New(),
		audit:      nopAuditor{},
		logger:     alfred.NopLogger,
		maxRounds:  defaultMaxRounds,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// TurnResult is what one turn produced.
type TurnResult struct {
	// Response is the final assistant text. Empty means the model finished
	// without saying anything; the caller decides the fallback.
	Response string
	// ToolsRun counts tool executions in this turn, fast path included.
	ToolsRun int
	// AskedUser is set when ask_user ran: the question is already in the
	// chat and the caller must not send Response on top of it.
	AskedUser bool
	// Question carries the ask_user question text for the transcript.
	Question string
	// Absorbed lists messages drained from the chat queue mid-turn. They
	// were fed to the model inside this turn and will not get turns of
	// their own; the caller owes them transcript rows.
	Absorbed []alfred.IncomingMessage
	// Failed is set when the model itself errored and Response is the
	// generic failure notice.
	Failed bool
}

// Turn runs one complete agent turn: fast path, then up to maxRounds model
// rounds with tool dispatch and mid-turn absorption between rounds.
func (b *Brain) Turn(ctx context.Context, chatID, text string, window int) TurnResult {
	ctx = alfred.WithChatID(ctx, chatID)

	if res, ok := b.fastPath(ctx, text); ok {
		return res
	}

	messages := []alfred.ChatMessage{alfred.SystemMessage(b.SystemPrompt())}
	messages = append(messages, b.recentHistory(chatID, window)...)
	messages = append(messages, alfred.UserMessage(text))

	var res TurnResult
	var lastText string

	for round := 0; round < b.maxRounds; round++ {
		resp, err := b.provider.ChatWithTools(ctx, alfred.ChatRequest{Messages: messages}, b.tools.AllDefinitions())
		if err != nil {
			b.logger.Error("model call failed",
				"chat_id", chatID, "round", round, "provider", b.provider.Name(), "error", err)
			res.Response = modelFailureNotice
			res.Failed = true
			return res
		}
		if resp.Content != "" {
			lastText = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			res.Response = strings.TrimSpace(resp.Content)
			return res
		}

		messages = append(messages, alfred.ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		asked := false
		for _, tc := range resp.ToolCalls {
			messages = append(messages, b.dispatch(ctx, tc))
			res.ToolsRun++
			if tc.Name == "ask_user" {
				asked = true
				var q struct {
					Question string `json:"question"`
				}
				if json.Unmarshal(tc.Args, &q) == nil {
					res.Question = q.Question
				}
			}
		}

		// Messages that arrived mid-turn ride along with this tool batch;
		// they never extend the round budget or start turns of their own.
		if absorbed := b.drainQueued(chatID); len(absorbed) > 0 {
			res.Absorbed = append(res.Absorbed, absorbed...)
			messages = append(messages, alfred.UserMessage(absorbedBlock(absorbed)))
		}

		if asked {
			// The question is already in the chat and the answer will
			// arrive as a fresh message; another round would talk past it.
			res.AskedUser = true
			return res
		}
	}

	b.logger.Warn("round budget exhausted", "chat_id", chatID, "rounds", b.maxRounds)
	res.Response = budgetNotice(lastText)
	return res
}

// dispatch executes one tool call and shapes the outcome as a tool message.
// Failures of any kind (unknown tool, tool error, dispatcher error, panic)
// become error results the model can react to.
func (b *Brain) dispatch(ctx context.Context, tc alfred.ToolCall) (msg alfred.ChatMessage) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("tool panicked", "tool", tc.Name, "panic", p)
			msg = alfred.ToolErrorMessage(tc.ID, fmt.Sprintf("error: tool %q panic: %v", tc.Name, p))
		}
	}()

	b.auditToolCall(tc)

	result, err := b.tools.Execute(ctx, tc.Name, tc.Args)
	if err != nil {
		b.logger.Error("tool failed", "tool", tc.Name, "error", err)
		return alfred.ToolErrorMessage(tc.ID, "error: "+err.Error())
	}
	if result.Error != "" {
		b.logger.Warn("tool returned error", "tool", tc.Name, "error", result.Error)
		return alfred.ToolErrorMessage(tc.ID, "error: "+result.Error)
	}

	content := result.Content
	if content == "" {
		content = "(no output)"
	}
	return alfred.ToolResultMessage(tc.ID, content)
}

func (b *Brain) auditToolCall(tc alfred.ToolCall) {
	detail := map[string]any{}
	if len(tc.Args) > 0 {
		_ = json.Unmarshal(tc.Args, &detail)
	}
	b.audit.Record("tool", "brain", tc.Name, detail)
}

// fastPath answers a message from a learned pattern without a model round.
// Dangerous commands never qualify, even from old pattern files that
// predate the check; they fall through to the model like everything else.
func (b *Brain) fastPath(ctx context.Context, text string) (TurnResult, bool) {
	if b.patterns == nil {
		return TurnResult{}, false
	}
	p, ok := b.patterns.Match(text)
	if !ok {
		return TurnResult{}, false
	}
	if patterns.IsDangerous(p.Command) {
		b.logger.Warn("pattern skipped, dangerous command", "pattern", p.ID, "command", p.Command)
		return TurnResult{}, false
	}

	machine := p.Machine
	if machine == "" {
		machine = "prime"
	}
	args, err := json.Marshal(map[string]any{"machine": machine, "command": p.Command})
	if err != nil {
		return TurnResult{}, false
	}

	result, err := b.tools.Execute(ctx, "execute_shell", args)
	if err != nil || result.Error != "" {
		// A broken fast path degrades to a normal model turn.
		b.logger.Warn("fast path failed, falling back to model",
			"pattern", p.ID, "error", err, "tool_error", result.Error)
		return TurnResult{}, false
	}

	if err := b.patterns.RecordUse(p.ID); err != nil {
		b.logger.Warn("pattern usage not recorded", "pattern", p.ID, "error", err)
	}
	b.audit.Record("tool", "brain", "execute_shell", map[string]any{
		"fast_path": true,
		"pattern":   p.ID,
		"machine":   machine,
		"command":   p.Command,
	})
	b.logger.Info("fast path", "pattern", p.ID, "trigger", p.Trigger, "machine", machine)

	return TurnResult{Response: shellOutput(result.Content), ToolsRun: 1}, true
}

// shellOutput pulls the human-facing output out of an execute_shell result.
func shellOutput(content string) string {
	var out struct {
		Output string `json:"output"`
	}
	if json.Unmarshal([]byte(content), &out) == nil && strings.TrimSpace(out.Output) != "" {
		return strings.TrimSpace(out.Output)
	}
	if s := strings.TrimSpace(content); s != "" {
		return s
	}
	return "Done."
}

// recentHistory maps the transcript tail onto chat messages. Scheduled-task
// rows were written with role "system"; read back they become user context.
func (b *Brain) recentHistory(chatID string, n int) []alfred.ChatMessage {
	if b.transcript == nil || n <= 0 {
		return nil
	}
	entries, err := b.transcript.Recent(chatID, n)
	if err != nil {
		b.logger.Warn("transcript read failed", "chat_id", chatID, "error", err)
		return nil
	}
	msgs := make([]alfred.ChatMessage, 0, len(entries))
	for _, e := range entries {
		if e.Role == "assistant" {
			msgs = append(msgs, alfred.AssistantMessage(e.Content))
			continue
		}
		msgs = append(msgs, alfred.UserMessage(e.Content))
	}
	return msgs
}

func (b *Brain) drainQueued(chatID string) []alfred.IncomingMessage {
	if b.queue == nil {
		return nil
	}
	return b.queue.Drain(chatID)
}

// absorbedBlock renders drained messages as one text block for the model.
func absorbedBlock(msgs []alfred.IncomingMessage) string {
	var sb strings.Builder
	sb.WriteString("[New message from the user while you were working]")
	for _, m := range msgs {
		sb.WriteString("\n")
		sb.WriteString(m.Text)
	}
	return sb.String()
}

// budgetNotice is the reply when the round budget runs out mid-task.
func budgetNotice(lastText string) string {
	const notice = "I hit the limit of tool calls for a single request before finishing. Tell me to continue if you need more."
	lastText = strings.TrimSpace(lastText)
	if lastText == "" {
		return notice
	}
	return lastText + "\n\n" + notice
}
