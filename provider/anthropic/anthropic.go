// Package anthropic implements the alfred.Provider interface on top of the
// Claude Messages API via github.com/anthropics/anthropic-sdk-go.
//
// The adapter turns alfred's flat message list into Anthropic's block
// shape: consecutive tool-result messages coalesce into a single user
// message, and a plain user message arriving right behind tool results
// (text absorbed mid-turn) joins that same message as a text block.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	alfred "github.com/0xcha05/alfred"
)

const defaultMaxTokens = 4096

// MessagesClient is the slice of the SDK the adapter calls. It is
// satisfied by *sdk.MessageService; tests pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Provider talks to the Claude Messages API.
type Provider struct {
	messages    MessagesClient
	model       sdk.Model
	maxTokens   int64
	temperature *float64
	logger      *slog.Logger
}

var _ alfred.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithMaxTokens overrides the completion token cap.
func WithMaxTokens(n int64) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature. Unset means API default.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = &t }
}

// New creates a Provider for the given API key and model identifier.
func New(apiKey, model string, opts ...Option) *Provider {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	p := &Provider{
		messages:  &client.Messages,
		model:     sdk.Model(model),
		maxTokens: defaultMaxTokens,
		logger:    alfred.NopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements alfred.Provider.
func (p *Provider) Name() string {
	return "anthropic/" + string(p.model)
}

// Chat implements alfred.Provider.
func (p *Provider) Chat(ctx context.Context, req alfred.ChatRequest) (alfred.ChatResponse, error) {
	return p.ChatWithTools(ctx, req, nil)
}

// ChatWithTools implements alfred.Provider.
func (p *Provider) ChatWithTools(ctx context.Context, req alfred.ChatRequest, tools []alfred.ToolDefinition) (alfred.ChatResponse, error) {
	params, err := p.buildParams(req, tools)
	if err != nil {
		return alfred.ChatResponse{}, err
	}

	p.logger.Debug("calling anthropic",
		"model", string(p.model), "messages", len(params.Messages), "tools", len(params.Tools))
	msg, err := p.messages.New(ctx, params)
	if err != nil {
		return alfred.ChatResponse{}, p.mapError(err)
	}
	if msg == nil {
		return alfred.ChatResponse{}, &alfred.ErrLLM{Provider: "anthropic", Message: "empty response"}
	}

	resp := translateMessage(msg)
	p.logger.Debug("anthropic response",
		"stop_reason", resp.StopReason, "tool_calls", len(resp.ToolCalls),
		"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
	return resp, nil
}

func (p *Provider) buildParams(req alfred.ChatRequest, tools []alfred.ToolDefinition) (sdk.MessageNewParams, error) {
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	params := sdk.MessageNewParams{
		MaxTokens: p.maxTokens,
		Messages:  messages,
		Model:     p.model,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		encoded, err := encodeTools(tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = encoded
	}
	if p.temperature != nil {
		params.Temperature = sdk.Float(*p.temperature)
	}
	return params, nil
}

// encodeMessages flattens alfred's message list into Anthropic turns.
// System messages become top-level system blocks. Runs of tool-role
// messages buffer up and flush as one user message; a user text message
// landing while the buffer is open merges into it instead of opening a
// new turn, which is the wire shape for text absorbed mid-turn.
func encodeMessages(msgs []alfred.ChatMessage) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var (
		conversation []sdk.MessageParam
		system       []sdk.TextBlockParam
		pending      []sdk.ContentBlockParamUnion
	)
	flush := func() {
		if len(pending) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case "system":
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}

		case "user":
			if len(pending) > 0 {
				pending = append(pending, sdk.NewTextBlock(m.Content))
				flush()
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))

		case "assistant":
			flush()
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))

		case "tool":
			pending = append(pending, sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))

		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	flush()

	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []alfred.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateMessage(msg *sdk.Message) alfred.ChatResponse {
	resp := alfred.ChatResponse{
		StopReason: string(msg.StopReason),
		Usage: alfred.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, alfred.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: block.Input,
			})
		}
	}
	resp.Content = text.String()
	return resp
}

// mapError translates SDK failures into alfred's error kinds so the retry
// layer can see HTTP status and Retry-After. Context cancellation passes
// through untouched.
func (p *Provider) mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		httpErr := &alfred.ErrHTTP{Status: apiErr.StatusCode, Body: http.StatusText(apiErr.StatusCode)}
		if apiErr.Response != nil {
			httpErr.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return httpErr
	}
	return &alfred.ErrLLM{Provider: "anthropic", Message: err.Error()}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
