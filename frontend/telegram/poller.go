package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	alfred "github.com/0xcha05/alfred"
)

// offsetFile remembers the last confirmed update so a restart never replays
// old messages.
const offsetFile = "telegram_offset.json"

// pdfPreviewLimit bounds the extracted text attached to PDF uploads.
const pdfPreviewLimit = 500

// Auditor records security-relevant adapter decisions. Satisfied by the
// audit sink.
type Auditor interface {
	Record(kind, actor, action string, detail map[string]any)
}

type nopAuditor struct{}

func (nopAuditor) Record(string, string, string, map[string]any) {}

// Poller turns Telegram updates into chat events on the bus. In polling
// mode Run drives it; in webhook mode the HTTP handler feeds HandleUpdate
// directly and Run is never called.
type Poller struct {
	client   *Client
	bus      *alfred.Bus
	audit    Auditor
	allowed  map[int64]bool
	stateDir string
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// AllowUsers admits the given Telegram user IDs. Updates from anyone else
// are dropped without a reply; with no users configured everything is
// dropped.
func AllowUsers(ids ...int64) PollerOption {
	return func(p *Poller) {
		for _, id := range ids {
			p.allowed[id] = true
		}
	}
}

// WithStateDir sets where the poll cursor and downloaded media live
// (default "state").
func WithStateDir(dir string) PollerOption {
	return func(p *Poller) {
		if dir != "" {
			p.stateDir = dir
		}
	}
}

// WithAuditor wires the audit sink for unauthorized-sender records.
func WithAuditor(a Auditor) PollerOption {
	return func(p *Poller) {
		if a != nil {
			p.audit = a
		}
	}
}

// NewPoller creates a poller publishing to bus through client.
func NewPoller(client *Client, bus *alfred.Bus, opts ...PollerOption) *Poller {
	p := &Poller{
		client:   client,
		bus:      bus,
		audit:    nopAuditor{},
		allowed:  make(map[int64]bool),
		stateDir: "state",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run long-polls getUpdates until ctx is cancelled. Any registered webhook
// is deleted first since Telegram refuses getUpdates while one is set.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.client.DeleteWebhook(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf(" [telegram] delete webhook: %v", err)
	}

	last := p.loadCursor()
	log.Printf(" [telegram] polling from update %d", last)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var offset int64
		if last > 0 {
			offset = last + 1
		}
		updates, err := p.client.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf(" [telegram] poll error: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID > last {
				last = u.UpdateID
			}
			p.HandleUpdate(ctx, u)
		}
		if len(updates) > 0 {
			p.saveCursor(last)
		}
	}
}

// HandleUpdate screens one update and publishes it as a chat event. Exported
// so the webhook handler can feed updates through the same path.
func (p *Poller) HandleUpdate(ctx context.Context, u Update) {
	switch {
	case u.CallbackQuery != nil:
		p.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		p.handleMessage(ctx, u.Message)
	}
}

func (p *Poller) handleCallback(ctx context.Context, cb *CallbackQuery) {
	if cb.From == nil || !p.allowed[cb.From.ID] {
		p.recordUnauthorized(cb.From, map[string]any{"callback_data": cb.Data})
		return
	}
	if err := p.client.AnswerCallback(ctx, cb.ID); err != nil {
		log.Printf(" [telegram] answer callback: %v", err)
	}
	if cb.Message == nil || cb.Data == "" {
		return
	}
	p.bus.Publish(alfred.NewEvent("chat", "message",
		map[string]any{"text": cb.Data},
		map[string]any{
			"chat_id":    strconv.FormatInt(cb.Message.Chat.ID, 10),
			"user_id":    strconv.FormatInt(cb.From.ID, 10),
			"message_id": strconv.FormatInt(cb.Message.MessageID, 10),
		}))
}

func (p *Poller) handleMessage(ctx context.Context, m *Message) {
	if m.From == nil || !p.allowed[m.From.ID] {
		p.recordUnauthorized(m.From, map[string]any{
			"chat_id": strconv.FormatInt(m.Chat.ID, 10),
			"text":    m.Text,
		})
		return
	}

	text := p.composeText(ctx, m)
	if strings.TrimSpace(text) == "" {
		return
	}

	evCtx := map[string]any{
		"chat_id":    strconv.FormatInt(m.Chat.ID, 10),
		"user_id":    strconv.FormatInt(m.From.ID, 10),
		"message_id": strconv.FormatInt(m.MessageID, 10),
	}
	if m.From.Username != "" {
		evCtx["username"] = m.From.Username
	}
	p.bus.Publish(alfred.NewEvent("chat", "message", map[string]any{"text": text}, evCtx))
}

// recordUnauthorized drops an update from outside the allow-list: no reply,
// just an audit trail.
func (p *Poller) recordUnauthorized(from *User, detail map[string]any) {
	actor := "unknown"
	if from != nil {
		actor = strconv.FormatInt(from.ID, 10)
		if from.Username != "" {
			detail["username"] = from.Username
		}
	}
	log.Printf(" [telegram] dropping update from unauthorized sender %s", actor)
	p.audit.Record("security", "telegram:"+actor, "unauthorized", detail)
}

type attachment struct {
	kind   string
	fileID string
	name   string
}

// composeText flattens a message into prompt text. Attachments are
// downloaded into the state dir and described inline so the model can reach
// them through file tools.
func (p *Poller) composeText(ctx context.Context, m *Message) string {
	var parts []string
	if m.Text != "" {
		parts = append(parts, m.Text)
	}

	var atts []attachment
	if len(m.Photo) > 0 {
		best := m.Photo[len(m.Photo)-1]
		atts = append(atts, attachment{"photo", best.FileID, ""})
	}
	if m.Video != nil {
		atts = append(atts, attachment{"video", m.Video.FileID, m.Video.FileName})
	}
	if m.Audio != nil {
		atts = append(atts, attachment{"audio", m.Audio.FileID, m.Audio.FileName})
	}
	if m.Voice != nil {
		atts = append(atts, attachment{"voice", m.Voice.FileID, ""})
	}
	if m.Document != nil {
		atts = append(atts, attachment{"document", m.Document.FileID, m.Document.FileName})
	}

	for _, att := range atts {
		data, remoteName, err := p.client.DownloadFile(ctx, att.fileID)
		if err != nil {
			log.Printf(" [telegram] download %s: %v", att.kind, err)
			parts = append(parts, fmt.Sprintf("[User sent a %s that could not be downloaded: %v]", att.kind, err))
			continue
		}
		name := att.name
		if name == "" {
			name = remoteName
		}
		path, err := p.saveDownload(name, data)
		if err != nil {
			log.Printf(" [telegram] save %s: %v", att.kind, err)
			continue
		}
		parts = append(parts, fmt.Sprintf("[User sent a %s(%s, %d bytes). Downloaded to: %s]",
			att.kind, name, len(data), path))
		if strings.EqualFold(filepath.Ext(name), ".pdf") {
			if preview := pdfPreview(data); preview != "" {
				parts = append(parts, "PDF preview:\n"+preview)
			}
		}
	}

	if m.Caption != "" {
		parts = append(parts, m.Caption)
	}
	return strings.Join(parts, "\n")
}

// saveDownload writes an attachment under <stateDir>/downloads. Name
// collisions get a time prefix instead of clobbering the earlier file.
func (p *Poller) saveDownload(name string, data []byte) (string, error) {
	dir := filepath.Join(p.stateDir, "downloads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name = filepath.Base(name)
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(dir, time.Now().Format("150405_")+name)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// pdfPreview extracts the opening text of a PDF, bounded so the prompt
// stays short. Returns "" when nothing is extractable.
func pdfPreview(data []byte) string {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}
	var b strings.Builder
	for i := 1; i <= r.NumPage() && b.Len() < pdfPreviewLimit; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(text)
	}
	out := strings.TrimSpace(b.String())
	if runes := []rune(out); len(runes) > pdfPreviewLimit {
		out = string(runes[:pdfPreviewLimit]) + "…"
	}
	return out
}

type pollCursor struct {
	LastUpdateID int64     `json:"last_update_id"`
	SavedAt      time.Time `json:"saved_at"`
}

func (p *Poller) cursorPath() string { return filepath.Join(p.stateDir, offsetFile) }

func (p *Poller) loadCursor() int64 {
	raw, err := os.ReadFile(p.cursorPath())
	if err != nil {
		return 0
	}
	var cur pollCursor
	if err := json.Unmarshal(raw, &cur); err != nil {
		log.Printf(" [telegram] unreadable poll cursor, starting fresh: %v", err)
		return 0
	}
	return cur.LastUpdateID
}

// saveCursor persists via temp file and rename so a crash mid-write never
// leaves a torn cursor.
func (p *Poller) saveCursor(lastID int64) {
	raw, err := json.MarshalIndent(pollCursor{LastUpdateID: lastID, SavedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(p.stateDir, 0o755); err != nil {
		log.Printf(" [telegram] save poll cursor: %v", err)
		return
	}
	tmp := p.cursorPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		log.Printf(" [telegram] save poll cursor: %v", err)
		return
	}
	if err := os.Rename(tmp, p.cursorPath()); err != nil {
		log.Printf(" [telegram] save poll cursor: %v", err)
	}
}
