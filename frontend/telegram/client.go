// Package telegram is a hand-rolled Telegram Bot API adapter: an outbound
// client implementing the root Frontend interface, a long-poller and a
// webhook handler feeding inbound updates onto the event bus, and a
// markdown-to-HTML converter for Telegram's restricted tag set.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	alfred "github.com/0xcha05/alfred"
)

const (
	defaultAPIBase   = "https://api.telegram.org"
	maxMessageLength = 4096

	// Bot API allows ~30 messages per second across all chats; stay one
	// under the ceiling.
	globalSendRate = 29
)

// Client covers the handful of Bot API methods the assistant needs.
// It implements [alfred.Frontend].
type Client struct {
	token   string
	apiURL  string // <base>/bot<token>
	fileURL string // <base>/file/bot<token>
	hc      *http.Client
	logger  *slog.Logger

	global   *alfred.SlidingWindow
	chatMu   sync.Mutex
	chats    map[string]*alfred.SlidingWindow
	chatRate int
	chatPer  time.Duration
}

var _ alfred.Frontend = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithBaseURL points the client at a different API host. Tests use this to
// target an httptest server.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		base = strings.TrimRight(base, "/")
		c.apiURL = base + "/bot" + c.token
		c.fileURL = base + "/file/bot" + c.token
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSendRate overrides the outbound throttle: global messages per second
// and messages per second per chat. Zero disables that limit.
func WithSendRate(global, perChat int) ClientOption {
	return func(c *Client) {
		c.global = nil
		if global > 0 {
			c.global = alfred.NewSlidingWindow(global, time.Second)
		}
		c.chatRate = perChat
	}
}

// NewClient creates a client for the given bot token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:    token,
		apiURL:   defaultAPIBase + "/bot" + token,
		fileURL:  defaultAPIBase + "/file/bot" + token,
		hc:       &http.Client{Timeout: 60 * time.Second},
		logger:   alfred.NopLogger,
		global:   alfred.NewSlidingWindow(globalSendRate, time.Second),
		chats:    make(map[string]*alfred.SlidingWindow),
		chatRate: 1,
		chatPer:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send renders markdown to Telegram HTML and sends it, splitting anything
// over the 4096-char limit on the last newline. Returns the ID of the last
// message sent.
func (c *Client) Send(ctx context.Context, chatID string, text string) (string, error) {
	var lastID string
	for _, chunk := range splitMessage(text) {
		if err := c.throttle(ctx, chatID); err != nil {
			return "", err
		}
		msg, err := c.sendMessage(ctx, chatID, chunk, nil)
		if err != nil {
			return "", err
		}
		lastID = strconv.FormatInt(msg.MessageID, 10)
	}
	return lastID, nil
}

// SendConfirmation sends text with a "✓ Yes" / "✗ No" inline keyboard. The
// pressed button comes back as a callback_query update carrying yesData or
// noData.
func (c *Client) SendConfirmation(ctx context.Context, chatID string, text, yesData, noData string) (string, error) {
	if err := c.throttle(ctx, chatID); err != nil {
		return "", err
	}
	keyboard := inlineKeyboardMarkup{InlineKeyboard: [][]inlineKeyboardButton{{
		{Text: "✓ Yes", CallbackData: yesData},
		{Text: "✗ No", CallbackData: noData},
	}}}
	msg, err := c.sendMessage(ctx, chatID, text, map[string]any{"reply_markup": keyboard})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// sendMessage tries the formatted send first. A 4xx means Telegram rejected
// the entities, so the same text goes out once more as plain text rather
// than losing the reply.
func (c *Client) sendMessage(ctx context.Context, chatID, text string, extra map[string]any) (Message, error) {
	body := map[string]any{
		"chat_id":    chatID,
		"text":       MarkdownToHTML(text),
		"parse_mode": "HTML",
	}
	for k, v := range extra {
		body[k] = v
	}
	var msg Message
	err := c.callAPI(ctx, "sendMessage", body, &msg)
	if err == nil {
		return msg, nil
	}

	var aerr *apiError
	if !errors.As(err, &aerr) || aerr.Code < 400 || aerr.Code >= 500 {
		return Message{}, err
	}
	c.logger.Warn("formatted send rejected, retrying as plain text",
		"chat_id", chatID, "code", aerr.Code, "description", aerr.Description)

	body = map[string]any{"chat_id": chatID, "text": text}
	for k, v := range extra {
		body[k] = v
	}
	err = c.callAPI(ctx, "sendMessage", body, &msg)
	return msg, err
}

// Edit replaces a message's text: formatted first, plain on a 4xx, and
// "message is not modified" swallowed in both passes.
func (c *Client) Edit(ctx context.Context, chatID string, msgID string, text string) error {
	id, err := strconv.ParseInt(msgID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid message ID %q: %w", msgID, err)
	}
	if err := c.throttle(ctx, chatID); err != nil {
		return err
	}
	err = c.callAPI(ctx, "editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": id,
		"text":       MarkdownToHTML(text),
		"parse_mode": "HTML",
	}, nil)
	if err == nil || isNotModified(err) {
		return nil
	}
	var aerr *apiError
	if !errors.As(err, &aerr) || aerr.Code < 400 || aerr.Code >= 500 {
		return err
	}
	err = c.callAPI(ctx, "editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": id,
		"text":       text,
	}, nil)
	if isNotModified(err) {
		return nil
	}
	return err
}

// SendTyping shows the typing indicator. Expires on its own after a few
// seconds or when a message arrives.
func (c *Client) SendTyping(ctx context.Context, chatID string) error {
	return c.callAPI(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	}, nil)
}

// SendFile uploads a local file, picking the Bot API method from the
// extension so photos and videos render inline instead of as attachments.
func (c *Client) SendFile(ctx context.Context, chatID string, filePath string, caption string) error {
	method, field := classifyUpload(filePath)

	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("telegram: open upload: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("chat_id", chatID)
	if caption != "" {
		_ = mw.WriteField("caption", caption)
	}
	part, err := mw.CreateFormFile(field, filepath.Base(filePath))
	if err != nil {
		return fmt.Errorf("telegram: build upload: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("telegram: read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("telegram: build upload: %w", err)
	}

	if err := c.throttle(ctx, chatID); err != nil {
		return err
	}
	return c.post(ctx, method, mw.FormDataContentType(), &buf, nil)
}

// classifyUpload maps a file extension to the upload method and its form
// field name.
func classifyUpload(p string) (method, field string) {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return "sendPhoto", "photo"
	case ".mp4", ".mov", ".avi", ".mkv", ".webm":
		return "sendVideo", "video"
	case ".mp3", ".m4a", ".flac", ".wav", ".ogg", ".oga":
		return "sendAudio", "audio"
	default:
		return "sendDocument", "document"
	}
}

// DownloadFile fetches a file by ID. Two-step: getFile for the server-side
// path, then a GET against the file endpoint. Returns data and filename.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	var f File
	if err := c.callAPI(ctx, "getFile", map[string]any{"file_id": fileID}, &f); err != nil {
		return nil, "", err
	}
	if f.FilePath == "" {
		return nil, "", fmt.Errorf("telegram: empty file_path for file_id %s", fileID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL+"/"+f.FilePath, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: build download request: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("telegram: download file HTTP %d: %s", resp.StatusCode, body)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: read file body: %w", err)
	}
	return data, path.Base(f.FilePath), nil
}

// GetUpdates long-polls for updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	var updates []Update
	err := c.callAPI(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         30,
		"allowed_updates": []string{"message", "callback_query"},
	}, &updates)
	return updates, err
}

// AnswerCallback acknowledges a callback query so the client's button
// spinner stops.
func (c *Client) AnswerCallback(ctx context.Context, callbackID string) error {
	return c.callAPI(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
	}, nil)
}

// SetWebhook registers url for update delivery. secret becomes the
// X-Telegram-Bot-Api-Secret-Token header on every delivery.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	body := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "callback_query"},
	}
	if secret != "" {
		body["secret_token"] = secret
	}
	return c.callAPI(ctx, "setWebhook", body, nil)
}

// DeleteWebhook removes any registered webhook. Telegram refuses getUpdates
// while one is set, so the poller calls this first.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.callAPI(ctx, "deleteWebhook", map[string]any{}, nil)
}

// GetWebhookInfo reports the current webhook registration.
func (c *Client) GetWebhookInfo(ctx context.Context) (WebhookInfo, error) {
	var info WebhookInfo
	err := c.callAPI(ctx, "getWebhookInfo", map[string]any{}, &info)
	return info, err
}

// throttle blocks until both the global and the per-chat window have room.
func (c *Client) throttle(ctx context.Context, chatID string) error {
	if c.global != nil {
		if err := c.global.Wait(ctx); err != nil {
			return err
		}
	}
	if c.chatRate <= 0 {
		return nil
	}
	c.chatMu.Lock()
	w, ok := c.chats[chatID]
	if !ok {
		w = alfred.NewSlidingWindow(c.chatRate, c.chatPer)
		c.chats[chatID] = w
	}
	c.chatMu.Unlock()
	return w.Wait(ctx)
}

// callAPI posts a JSON body to a Bot API method and decodes the result
// into out.
func (c *Client) callAPI(ctx context.Context, method string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s request: %w", method, err)
	}
	return c.post(ctx, method, "application/json", bytes.NewReader(encoded), out)
}

// post sends one API request and unwraps the {ok, result, description,
// error_code} envelope. The envelope is authoritative; the HTTP status is
// ignored.
func (c *Client) post(ctx context.Context, method, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/"+method, body)
	if err != nil {
		return fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read %s response: %w", method, err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("telegram: decode %s response: %w (body: %s)", method, err, raw)
	}
	if !envelope.OK {
		return &apiError{Code: envelope.ErrorCode, Description: envelope.Description}
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}

// apiError is a non-ok Bot API envelope.
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

// splitMessage splits text into chunks within Telegram's 4096-char limit,
// preferring the last newline so formatting blocks survive.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLength {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= maxMessageLength {
			chunks = append(chunks, remaining)
			break
		}
		cut := strings.LastIndex(remaining[:maxMessageLength], "\n")
		if cut == -1 {
			cut = maxMessageLength
		} else {
			cut++ // newline stays with the current chunk
		}
		chunks = append(chunks, remaining[:cut])
		remaining = remaining[cut:]
	}
	return chunks
}
