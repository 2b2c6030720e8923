// Package chat implements the model's outbound messaging tools. ask_user is
// special-cased by the agent loop, which stops requesting tools after the
// batch that called it; here it only delivers the question.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	alfred "github.com/0xcha05/alfred"
)

// Tool implements send_message, send_file, send_progress, and ask_user.
type Tool struct {
	frontend alfred.Frontend
	client   *http.Client

	mu       sync.Mutex
	progress map[string]string // chatID -> message ID being edited
}

var _ alfred.Tool = (*Tool)(nil)

// New creates the chat tool.
func New(fe alfred.Frontend) *Tool {
	return &Tool{
		frontend: fe,
		client:   &http.Client{Timeout: 10 * time.Second},
		progress: make(map[string]string),
	}
}

const chatIDDesc = "Chat to send to (defaults to the current conversation). An http(s):// URL posts the message to that webhook instead."

func (t *Tool) Definitions() []alfred.ToolDefinition {
	return []alfred.ToolDefinition{
		{
			Name:        "send_message",
			Description: "Send a message to the operator immediately, before the turn is over. Useful for long jobs: report what you found so far, then keep working.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"message":{"type":"string","description":"Text to send"},
				"chat_id":{"type":"string","description":"` + chatIDDesc + `"}
			},"required":["message"]}`),
		},
		{
			Name:        "send_file",
			Description: "Send a local file to the operator. Photos, videos, and audio are classified by extension; everything else goes as a document.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"path":{"type":"string","description":"Path to the file on this server"},
				"caption":{"type":"string","description":"Optional caption"},
				"chat_id":{"type":"string","description":"Chat to send to (defaults to the current conversation)"}
			},"required":["path"]}`),
		},
		{
			Name:        "send_progress",
			Description: "Show or update a progress line in the chat. The first call sends a message; later calls edit that same message, so the chat is not flooded.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"message":{"type":"string","description":"Current progress text"},
				"chat_id":{"type":"string","description":"Chat to send to (defaults to the current conversation)"}
			},"required":["message"]}`),
		},
		{
			Name:        "ask_user",
			Description: "Ask the operator a question and stop working until they reply. Use when you genuinely cannot proceed without their input.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"question":{"type":"string","description":"The question to ask"},
				"chat_id":{"type":"string","description":"Chat to ask in (defaults to the current conversation)"}
			},"required":["question"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (alfred.ToolResult, error) {
	var p struct {
		Message  string `json:"message"`
		Question string `json:"question"`
		Path     string `json:"path"`
		Caption  string `json:"caption"`
		ChatID   string `json:"chat_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return alfred.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	target := p.ChatID
	if target == "" {
		target = alfred.ChatIDFrom(ctx)
	}
	if target == "" {
		return alfred.ToolResult{Error: "no chat to send to"}, nil
	}

	var result string
	var err error
	switch name {
	case "send_message":
		result, err = t.handleSend(ctx, target, p.Message)
	case "send_file":
		result, err = t.handleFile(ctx, target, p.Path, p.Caption)
	case "send_progress":
		result, err = t.handleProgress(ctx, target, p.Message)
	case "ask_user":
		result, err = t.handleAsk(ctx, target, p.Question)
	default:
		return alfred.ToolResult{Error: "unknown chat tool: " + name}, nil
	}

	if err != nil {
		return alfred.ToolResult{Error: err.Error()}, nil
	}
	return alfred.ToolResult{Content: result}, nil
}

func (t *Tool) handleSend(ctx context.Context, target, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("message is empty")
	}
	if isWebhook(target) {
		if err := t.postWebhook(ctx, target, message); err != nil {
			return "", err
		}
		return "posted to webhook", nil
	}
	if _, err := t.frontend.Send(ctx, target, message); err != nil {
		return "", err
	}
	return "message sent", nil
}

func (t *Tool) handleFile(ctx context.Context, target, path, caption string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if err := t.frontend.SendFile(ctx, target, path, caption); err != nil {
		return "", err
	}
	return "sent " + path, nil
}

func (t *Tool) handleProgress(ctx context.Context, target, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("message is empty")
	}

	t.mu.Lock()
	msgID := t.progress[target]
	t.mu.Unlock()

	if msgID != "" {
		if err := t.frontend.Edit(ctx, target, msgID, message); err == nil {
			return "progress updated", nil
		}
		// The old message may have been deleted; fall through to a fresh one.
	}

	id, err := t.frontend.Send(ctx, target, message)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.progress[target] = id
	t.mu.Unlock()
	return "progress shown", nil
}

func (t *Tool) handleAsk(ctx context.Context, target, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("question is empty")
	}
	if _, err := t.frontend.Send(ctx, target, question); err != nil {
		return "", err
	}
	return "question sent, waiting for reply", nil
}

// postWebhook delivers the message as JSON to an arbitrary HTTP endpoint.
func (t *Tool) postWebhook(ctx context.Context, url, message string) error {
	body, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &alfred.ErrHTTP{Status: resp.StatusCode, Body: "webhook rejected message"}
	}
	return nil
}

func isWebhook(target string) bool {
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}
