package brain

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/chatqueue"
	"github.com/0xcha05/alfred/internal/patterns"
	"github.com/0xcha05/alfred/internal/registry"
	"github.com/0xcha05/alfred/internal/transcript"
	"github.com/0xcha05/alfred/internal/wire"
)

// scriptProvider replays a fixed sequence of responses and records every
// request. An exhausted script answers with plain text so loops terminate.
type scriptProvider struct {
	mu       sync.Mutex
	script   []alfred.ChatResponse
	err      error
	requests []alfred.ChatRequest
}

func (p *scriptProvider) Chat(ctx context.Context, req alfred.ChatRequest) (alfred.ChatResponse, error) {
	return p.ChatWithTools(ctx, req, nil)
}

func (p *scriptProvider) ChatWithTools(ctx context.Context, req alfred.ChatRequest, _ []alfred.ToolDefinition) (alfred.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return alfred.ChatResponse{}, p.err
	}
	if len(p.script) == 0 {
		return alfred.ChatResponse{Content: "out of script", StopReason: "end_turn"}, nil
	}
	resp := p.script[0]
	p.script = p.script[1:]
	return resp, nil
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptProvider) request(i int) alfred.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// fakeFrontend records outbound traffic.
type fakeFrontend struct {
	mu     sync.Mutex
	sent   []string // "chatID|text"
	typing int
}

func (f *fakeFrontend) Send(ctx context.Context, chatID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+"|"+text)
	return "msg-1", nil
}

func (f *fakeFrontend) SendFile(ctx context.Context, chatID, path, caption string) error { return nil }

func (f *fakeFrontend) SendConfirmation(ctx context.Context, chatID, text, yesData, noData string) (string, error) {
	return "msg-1", nil
}

func (f *fakeFrontend) Edit(ctx context.Context, chatID, msgID, text string) error { return nil }

func (f *fakeFrontend) SendTyping(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeFrontend) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	return nil, "", errors.New("not implemented")
}

func (f *fakeFrontend) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeTool is a scriptable Tool.
type fakeTool struct {
	mu       sync.Mutex
	name     string
	result   alfred.ToolResult
	err      error
	panicMsg string
	calls    []json.RawMessage
}

func (t *fakeTool) Definitions() []alfred.ToolDefinition {
	return []alfred.ToolDefinition{{
		Name:        t.name,
		Description: "test tool",
		Parameters:  json.RawMessage(`{"type":"object"}`),
	}}
}

func (t *fakeTool) Execute(ctx context.Context, name string, args json.RawMessage) (alfred.ToolResult, error) {
	t.mu.Lock()
	t.calls = append(t.calls, args)
	t.mu.Unlock()
	if t.panicMsg != "" {
		panic(t.panicMsg)
	}
	return t.result, t.err
}

func (t *fakeTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func newTestBrain(t *testing.T, p alfred.Provider, tools *alfred.ToolRegistry, opts ...Option) (*Brain, *fakeFrontend) {
	t.Helper()
	reg := registry.New("test-key", registry.WithHostname("prime-host"))
	ts, err := transcript.New(t.TempDir())
	if err != nil {
		t.Fatalf("transcript store: %v", err)
	}
	fe := &fakeFrontend{}
	return New(p, tools, reg, ts, fe, opts...), fe
}

func toolCall(id, name, args string) alfred.ToolCall {
	return alfred.ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

func TestTurnPlainResponse(t *testing.T) {
	p := &scriptProvider{script: []alfred.ChatResponse{{Content: "hello there", StopReason: "end_turn"}}}
	b, _ := newTestBrain(t, p, alfred.NewToolRegistry())

	res := b.Turn(context.Background(), "42", "hi", chatHistoryWindow)

	if res.Response != "hello there" {
		t.Fatalf("expected plain response, got %q", res.Response)
	}
	if res.ToolsRun != 0 || res.AskedUser || res.Failed {
		t.Errorf("expected clean zero-tool turn, got %+v", res)
	}
	if p.calls() != 1 {
		t.Errorf("expected 1 model call, got %d", p.calls())
	}
}

func TestTurnDispatchesTools(t *testing.T) {
	tool := &fakeTool{name: "execute_shell", result: alfred.ToolResult{Content: `{"output":"total 0","success":true}`}}
	tools := alfred.NewToolRegistry()
	tools.Add(tool)

	p := &scriptProvider{script: []alfred.ChatResponse{
		{StopReason: "tool_use", ToolCalls: []alfred.ToolCall{toolCall("t1", "execute_shell", `{"command":"ls"}`)}},
		{Content: "the directory is empty", StopReason: "end_turn"},
	}}
	b, _ := newTestBrain(t, p, tools)

	res := b.Turn(context.Background(), "42", "list files", chatHistoryWindow)

	if res.Response != "the directory is empty" {
		t.Fatalf("expected final text, got %q", res.Response)
	}
	if res.ToolsRun != 1 {
		t.Errorf("expected 1 tool run, got %d", res.ToolsRun)
	}
	if tool.callCount() != 1 {
		t.Errorf("expected tool executed once, got %d", tool.callCount())
	}

	// The second round must carry the tool result back to the model.
	second := p.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "t1" {
		t.Fatalf("expected trailing tool result for t1, got %+v", last)
	}
	if !strings.Contains(last.Content, "total 0") {
		t.Errorf("expected tool output in result, got %q", last.Content)
	}
}

func TestTurnUnknownToolContinues(t *testing.T) {
	p := &scriptProvider{script: []alfred.ChatResponse{
		{StopReason: "tool_use", ToolCalls: []alfred.ToolCall{toolCall("t1", "frobnicate", `{}`)}},
		{Content: "recovered", StopReason: "end_turn"},
	}}
	b, _ := newTestBrain(t, p, alfred.NewToolRegistry())

	res := b.Turn(context.Background(), "42", "do the thing", chatHistoryWindow)

	if res.Response != "recovered" {
		t.Fatalf("expected the loop to continue past the unknown tool, got %q", res.Response)
	}
	second := p.request(1)
	last := second.Messages[len(second.Messages)-1]
	if !last.IsError {
		t.Error("expected unknown tool to produce an error result")
	}
	if !strings.Contains(last.Content, "unknown tool: frobnicate") {
		t.Errorf("expected unknown-tool message, got %q", last.Content)
	}
}

func TestTurnToolErrorNeverEndsTurn(t *testing.T) {
	tool := &fakeTool{name: "web_search", err: errors.New("network down")}
	tools := alfred.NewToolRegistry()
	tools.Add(tool)

	p := &scriptProvider{script: []alfred.ChatResponse{
		{StopReason: "tool_use", ToolCalls: []alfred.ToolCall{toolCall("t1", "web_search", `{"query":"x"}`)}},
		{Content: "search is unavailable right now", StopReason: "end_turn"},
	}}
	b, _ := newTestBrain(t, p, tools)

	res := b.Turn(context.Background(), "42", "search x", chatHistoryWindow)
	if res.Failed {
		t.Fatal("tool failure must not fail the turn")
	}
	if res.Response != "search is unavailable right now" {
		t.Fatalf("expected model to see the error and answer, got %q", res.Response)
	}
	last := p.request(1).Messages[len(p.request(1).Messages)-1]
	if !last.IsError || !strings.Contains(last.Content, "network down") {
		t.Errorf("expected error result carrying the failure, got %+v", last)
	}
}

func TestTurnToolPanicIsContained(t *testing.T) {
	tool := &fakeTool{name: "execute_shell", panicMsg: "nil deref"}
	tools := alfred.NewToolRegistry()
	tools.Add(tool)

	p := &scriptProvider{script: []alfred.ChatResponse{
		{StopReason: "tool_use", ToolCalls: []alfred.ToolCall{toolCall("t1", "execute_shell", `{"command":"ls"}`)}},
		{Content: "that tool crashed", StopReason: "end_turn"},
	}}
	b, _ := newTestBrain(t, p, tools)

	res := b.Turn(context.Background(), "42", "ls", chatHistoryWindow)
	if res.Response != "that tool crashed" {
		t.Fatalf("expected turn to survive the panic, got %q", res.Response)
	}
	last := p.request(1).Messages[len(p.request(1).Messages)-1]
	if !last.IsError || !strings.Contains(last.Content, "panic") {
		t.Errorf("expected panic error result, got %+v", last)
	}
}

func TestTurnBudgetExhausted(t *testing.T) {
	tool := &fakeTool{name: "execute_shell", result: alfred.ToolResult{Content: "ok"}}
	tools := alfred.NewToolRegistry()
	tools.Add(tool)

	var script []alfred.ChatResponse
	for i := 0; i < 12; i++ {
		script = append(script, alfred.ChatResponse{
			Content:    "working on it",
			StopReason: "tool_use",
			ToolCalls:  []alfred.ToolCall{toolCall("t1", "execute_shell", `{"command":"step"}`)},
		})
	}
	p := &scriptProvider{script: script}
	b, _ := newTestBrain(t, p, tools, WithMaxRounds(8))

	res := b.Turn(context.Background(), "42", "never finish", chatHistoryWindow)

	if p.calls() != 8 {
		t.Fatalf("expected exactly 8 model rounds, got %d", p.calls())
	}
	if !strings.Contains(res.Response, "limit of tool calls") {
		t.Errorf("expected budget notice, got %q", res.Response)
	}
	if !strings.Contains(res.Response, "working on it") {
		t.Errorf("expected last assistant text preserved, got %q", res.Response)
	}
	if res.ToolsRun != 8 {
		t.Errorf("expected 8 tool runs, got %d", res.ToolsRun)
	}
}

func TestTurnAskUserStopsLoop(t *testing.T) {
	tool := &fakeTool{name: "ask_user", result: alfred.ToolResult{Content: "question sent"}}
	tools := alfred.NewToolRegistry()
	tools.Add(tool)

	p := &scriptProvider{script: []alfred.ChatResponse{
		{StopReason: "tool_use", ToolCalls: []alfred.ToolCall{
			toolCall("t1", "ask_user", `{"question":"Which database?"}`),
		}},
	}}
	b, _ := newTestBrain(t, p, tools)

	res := b.Turn(context.Background(), "42", "migrate the db", chatHistoryWindow)

	if !res.AskedUser {
		t.Fatal("expected AskedUser to be set")
	}
	if res.Question != "Which database?" {
		t.Errorf("expected question captured, got %q", res.Question)
	}
	if p.calls() != 1 {
		t.Errorf("expected no model round after ask_user, got %d calls", p.calls())
	}
}

func TestTurnProviderFailure(t *testing.T) {
	p := &scriptProvider{err: &alfred.ErrLLM{Provider: "anthropic", Message: "overloaded"}}
	b, _ := newTestBrain(t, p, alfred.NewToolRegistry())

	res := b.Turn(context.Background(), "42", "hi", chatHistoryWindow)

	if !res.Failed {
		t.Fatal("expected Failed on provider error")
	}
	if res.Response != modelFailureNotice {
		t.Errorf("expected generic failure notice, got %q", res.Response)
	}
	if strings.Contains(res.Response, "overloaded") {
		t.Error("provider detail must not leak into the user-visible notice")
	}
}

func TestTurnAbsorbsQueuedMessages(t *testing.T) {
	tool := &fakeTool{name: "execute_shell", result: alfred.ToolResult{Content: "ok"}}
	tools := alfred.NewToolRegistry()
	tools.Add(tool)

	q := chatqueue.New()
	if !q.Begin("42", alfred.IncomingMessage{ChatID: "42", Text: "deploy it"}) {
		t.Fatal("expected to claim the turn")
	}
	// Arrives mid-turn, before the first tool batch completes.
	q.Begin("42", alfred.IncomingMessage{ChatID: "42", Text: "use the staging config"})

	p := &scriptProvider{script: []alfred.ChatResponse{
		{StopReason: "tool_use", ToolCalls: []alfred.ToolCall{toolCall("t1", "execute_shell", `{"command":"deploy"}`)}},
		{Content: "deployed with staging config", StopReason: "end_turn"},
	}}
	b, _ := newTestBrain(t, p, tools, WithQueue(q))

	res := b.Turn(context.Background(), "42", "deploy it", chatHistoryWindow)

	if len(res.Absorbed) != 1 || res.Absorbed[0].Text != "use the staging config" {
		t.Fatalf("expected one absorbed message, got %+v", res.Absorbed)
	}

	// The absorbed text must ride along with the tool-result batch.
	second := p.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "use the staging config") {
		t.Fatalf("expected absorbed text after tool results, got %+v", last)
	}

	// Absorbed, not queued: nothing left for the next turn.
	if leftover := q.Finish("42"); leftover != nil {
		t.Errorf("expected empty queue after absorption, got %v", leftover)
	}
}

func TestFastPathSkipsModel(t *testing.T) {
	ps, err := patterns.New(filepath.Join(t.TempDir(), "patterns.json"))
	if err != nil {
		t.Fatalf("patterns store: %v", err)
	}
	if _, err := ps.Add("disk space", "df -h", "prime"); err != nil {
		t.Fatalf("add pattern: %v", err)
	}

	tool := &fakeTool{name: "execute_shell", result: alfred.ToolResult{Content: `{"output":"/dev/sda1 40% used","success":true}`}}
	tools := alfred.NewToolRegistry()
	tools.Add(tool)

	p := &scriptProvider{}
	b, _ := newTestBrain(t, p, tools, WithPatterns(ps))

	res := b.Turn(context.Background(), "42", "show me the disk space please", chatHistoryWindow)

	if p.calls() != 0 {
		t.Fatalf("expected fast path to skip the model, got %d calls", p.calls())
	}
	if res.Response != "/dev/sda1 40% used" {
		t.Errorf("expected shell output as response, got %q", res.Response)
	}
	if res.ToolsRun != 1 {
		t.Errorf("expected one tool run, got %d", res.ToolsRun)
	}
	if tool.callCount() != 1 {
		t.Errorf("expected execute_shell called once, got %d", tool.callCount())
	}
}

func TestFastPathNeverRunsDangerousCommands(t *testing.T) {
	// Add refuses dangerous commands, so plant one in the file directly:
	// stores written before the check existed must not bypass it.
	path := filepath.Join(t.TempDir(), "patterns.json")
	raw := `{"patterns":[{"id":"pat-old","trigger":"clean tmp","command":"sudo rm -rf /tmp/scratch","usage_count":9}]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("seed pattern file: %v", err)
	}
	ps, err := patterns.New(path)
	if err != nil {
		t.Fatalf("patterns store: %v", err)
	}

	tool := &fakeTool{name: "execute_shell", result: alfred.ToolResult{Content: "ok"}}
	tools := alfred.NewToolRegistry()
	tools.Add(tool)

	p := &scriptProvider{script: []alfred.ChatResponse{{Content: "I need to confirm that first", StopReason: "end_turn"}}}
	b, _ := newTestBrain(t, p, tools, WithPatterns(ps))

	res := b.Turn(context.Background(), "42", "clean tmp", chatHistoryWindow)

	if tool.callCount() != 0 {
		t.Fatal("dangerous pattern must not execute via fast path")
	}
	if p.calls() != 1 {
		t.Fatalf("expected fallthrough to the model, got %d calls", p.calls())
	}
	if res.Response != "I need to confirm that first" {
		t.Errorf("expected model response, got %q", res.Response)
	}
}

func TestSystemPromptListsMachines(t *testing.T) {
	reg := registry.New("k", registry.WithHostname("prime-host"))
	h, _, err := reg.Register(wire.Registration{
		RegistrationKey: "k",
		Name:            "web-01",
		Hostname:        "web.internal",
		Capabilities:    []string{"shell", "docker"},
		IsSoulDaemon:    true,
	}, "10.0.0.5:4242")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.UpdateHeartbeat(h.DaemonID, wire.Heartbeat{CPUPercent: 12.5, MemoryPercent: 40.2, DiskPercent: 61.0})

	ts, err := transcript.New(t.TempDir())
	if err != nil {
		t.Fatalf("transcript store: %v", err)
	}
	b := New(&scriptProvider{}, alfred.NewToolRegistry(), reg, ts, &fakeFrontend{})
	b.now = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }

	prompt := b.SystemPrompt()

	for _, want := range []string{
		"prime (this server, prime-host)",
		"web-01 (web.internal)",
		"CPU 12.5%",
		"soul daemon",
		"docker",
		"2026-03-14 09:30",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("expected prompt to contain %q\nprompt:\n%s", want, prompt)
		}
	}
}
