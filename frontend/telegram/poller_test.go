package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	alfred "github.com/0xcha05/alfred"
)

type eventCollector struct {
	mu     sync.Mutex
	events []alfred.Event
}

func (c *eventCollector) handle(_ context.Context, ev alfred.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *eventCollector) snapshot() []alfred.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alfred.Event(nil), c.events...)
}

func (c *eventCollector) waitFor(t *testing.T, n int) []alfred.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(c.snapshot()))
	return nil
}

type auditRecord struct {
	kind, actor, action string
	detail              map[string]any
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *recordingAuditor) Record(kind, actor, action string, detail map[string]any) {
	a.mu.Lock()
	a.records = append(a.records, auditRecord{kind, actor, action, detail})
	a.mu.Unlock()
}

func (a *recordingAuditor) snapshot() []auditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]auditRecord(nil), a.records...)
}

// newPollerEnv wires a poller to a started bus with user 7 allowed. Extra
// options are applied after the defaults so tests can override them.
func newPollerEnv(t *testing.T, baseURL string, opts ...PollerOption) (*Poller, *eventCollector, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bus := alfred.NewBus()
	bus.Start(ctx)
	col := &eventCollector{}
	bus.Subscribe("chat", "message", col.handle)

	client := NewClient("TESTTOKEN", WithBaseURL(baseURL), WithSendRate(0, 0))
	base := []PollerOption{AllowUsers(7), WithStateDir(t.TempDir())}
	p := NewPoller(client, bus, append(base, opts...)...)

	return p, col, func() {
		cancel()
		bus.Close()
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHandleMessagePublishesChatEvent(t *testing.T) {
	p, col, cleanup := newPollerEnv(t, "http://127.0.0.1:0")
	defer cleanup()

	p.HandleUpdate(context.Background(), Update{
		UpdateID: 100,
		Message: &Message{
			MessageID: 5,
			From:      &User{ID: 7, Username: "prime_user"},
			Chat:      Chat{ID: 7},
			Text:      "hello there",
		},
	})

	ev := col.waitFor(t, 1)[0]
	if ev.Source != "chat" || ev.Type != "message" {
		t.Errorf("unexpected event identity: %s:%s", ev.Source, ev.Type)
	}
	if ev.Payload["text"] != "hello there" {
		t.Errorf("expected text payload, got %v", ev.Payload)
	}
	if ev.Context["chat_id"] != "7" || ev.Context["user_id"] != "7" || ev.Context["message_id"] != "5" {
		t.Errorf("unexpected context: %v", ev.Context)
	}
	if ev.Context["username"] != "prime_user" {
		t.Errorf("expected username in context, got %v", ev.Context)
	}
}

func TestUnauthorizedSenderDropped(t *testing.T) {
	aud := &recordingAuditor{}
	p, col, cleanup := newPollerEnv(t, "http://127.0.0.1:0", WithAuditor(aud))
	defer cleanup()

	p.HandleUpdate(context.Background(), Update{
		UpdateID: 101,
		Message: &Message{
			MessageID: 6,
			From:      &User{ID: 999},
			Chat:      Chat{ID: 999},
			Text:      "let me in",
		},
	})

	time.Sleep(100 * time.Millisecond)
	if evs := col.snapshot(); len(evs) != 0 {
		t.Fatalf("unauthorized message must not publish, got %v", evs)
	}
	recs := aud.snapshot()
	if len(recs) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(recs))
	}
	if recs[0].kind != "security" || recs[0].actor != "telegram:999" || recs[0].action != "unauthorized" {
		t.Errorf("unexpected audit record: %+v", recs[0])
	}
}

func TestEmptyMessageIgnored(t *testing.T) {
	p, col, cleanup := newPollerEnv(t, "http://127.0.0.1:0")
	defer cleanup()

	p.HandleUpdate(context.Background(), Update{
		UpdateID: 102,
		Message:  &Message{MessageID: 2, From: &User{ID: 7}, Chat: Chat{ID: 7}},
	})

	time.Sleep(100 * time.Millisecond)
	if evs := col.snapshot(); len(evs) != 0 {
		t.Fatalf("expected no event for contentless message, got %v", evs)
	}
}

func TestCallbackPublishesChoice(t *testing.T) {
	var mu sync.Mutex
	answered := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/answerCallbackQuery") {
			body := decodeBody(t, r)
			mu.Lock()
			answered, _ = body["callback_query_id"].(string)
			mu.Unlock()
		}
		writeResult(w, `true`)
	}))
	defer srv.Close()

	p, col, cleanup := newPollerEnv(t, srv.URL)
	defer cleanup()

	p.HandleUpdate(context.Background(), Update{
		UpdateID: 103,
		CallbackQuery: &CallbackQuery{
			ID:      "cb-1",
			From:    &User{ID: 7},
			Data:    "confirm_yes",
			Message: &Message{MessageID: 9, Chat: Chat{ID: 7}},
		},
	})

	ev := col.waitFor(t, 1)[0]
	if ev.Payload["text"] != "confirm_yes" {
		t.Errorf("expected button data as text, got %v", ev.Payload)
	}
	if ev.Context["chat_id"] != "7" || ev.Context["message_id"] != "9" {
		t.Errorf("unexpected context: %v", ev.Context)
	}
	mu.Lock()
	defer mu.Unlock()
	if answered != "cb-1" {
		t.Errorf("expected answerCallbackQuery for cb-1, got %q", answered)
	}
}

func TestUnauthorizedCallbackDropped(t *testing.T) {
	aud := &recordingAuditor{}
	p, col, cleanup := newPollerEnv(t, "http://127.0.0.1:0", WithAuditor(aud))
	defer cleanup()

	p.HandleUpdate(context.Background(), Update{
		UpdateID: 104,
		CallbackQuery: &CallbackQuery{
			ID:      "cb-2",
			From:    &User{ID: 31337},
			Data:    "confirm_yes",
			Message: &Message{MessageID: 9, Chat: Chat{ID: 31337}},
		},
	})

	time.Sleep(100 * time.Millisecond)
	if evs := col.snapshot(); len(evs) != 0 {
		t.Fatalf("unauthorized callback must not publish, got %v", evs)
	}
	if recs := aud.snapshot(); len(recs) != 1 || recs[0].actor != "telegram:31337" {
		t.Errorf("expected audit record for 31337, got %+v", recs)
	}
}

func TestDocumentDownloadAnnotatesText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getFile"):
			writeResult(w, `{"file_id":"doc1","file_path":"documents/abc.bin"}`)
		case strings.HasPrefix(r.URL.Path, "/file/botTESTTOKEN/"):
			_, _ = w.Write([]byte("hello world"))
		default:
			writeResult(w, `true`)
		}
	}))
	defer srv.Close()

	stateDir := t.TempDir()
	p, col, cleanup := newPollerEnv(t, srv.URL, WithStateDir(stateDir))
	defer cleanup()

	p.HandleUpdate(context.Background(), Update{
		UpdateID: 105,
		Message: &Message{
			MessageID: 10,
			From:      &User{ID: 7},
			Chat:      Chat{ID: 7},
			Caption:   "please summarize",
			Document:  &Document{FileID: "doc1", FileName: "notes.txt", FileSize: 11},
		},
	})

	text, _ := col.waitFor(t, 1)[0].Payload["text"].(string)
	if !strings.Contains(text, "[User sent a document(notes.txt, 11 bytes). Downloaded to: ") {
		t.Errorf("expected attachment annotation, got %q", text)
	}
	if !strings.Contains(text, "please summarize") {
		t.Errorf("expected caption in text, got %q", text)
	}

	data, err := os.ReadFile(filepath.Join(stateDir, "downloads", "notes.txt"))
	if err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("unexpected file content: %q", data)
	}
}

func TestPhotoPicksLargestSize(t *testing.T) {
	var mu sync.Mutex
	requested := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getFile"):
			body := decodeBody(t, r)
			mu.Lock()
			requested, _ = body["file_id"].(string)
			mu.Unlock()
			writeResult(w, `{"file_id":"big","file_path":"photos/p.jpg"}`)
		case strings.HasPrefix(r.URL.Path, "/file/botTESTTOKEN/"):
			_, _ = w.Write([]byte("jpegdata"))
		default:
			writeResult(w, `true`)
		}
	}))
	defer srv.Close()

	p, col, cleanup := newPollerEnv(t, srv.URL)
	defer cleanup()

	p.HandleUpdate(context.Background(), Update{
		UpdateID: 106,
		Message: &Message{
			MessageID: 11,
			From:      &User{ID: 7},
			Chat:      Chat{ID: 7},
			Photo: []PhotoSize{
				{FileID: "small", Width: 90, Height: 60},
				{FileID: "big", Width: 1280, Height: 853},
			},
		},
	})

	text, _ := col.waitFor(t, 1)[0].Payload["text"].(string)
	if !strings.Contains(text, "[User sent a photo(p.jpg, 8 bytes). Downloaded to: ") {
		t.Errorf("expected photo annotation, got %q", text)
	}
	mu.Lock()
	defer mu.Unlock()
	if requested != "big" {
		t.Errorf("expected download of the largest size, got %q", requested)
	}
}

func TestPollerRunFlow(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var offsets []float64

	updates := `[{"update_id":42,"message":{"message_id":1,"from":{"id":7},"chat":{"id":7},"text":"hi"}}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/deleteWebhook"):
			writeResult(w, `true`)
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			body := decodeBody(t, r)
			mu.Lock()
			offsets = append(offsets, body["offset"].(float64))
			n := len(offsets)
			mu.Unlock()
			if n == 1 {
				writeResult(w, updates)
				return
			}
			// Later polls hang until the client disconnects, like a real
			// long poll with no traffic.
			<-r.Context().Done()
		default:
			writeResult(w, `true`)
		}
	}))
	defer srv.Close()

	stateDir := t.TempDir()
	seed := `{"last_update_id":41,"saved_at":"2026-01-02T03:04:05Z"}`
	if err := os.WriteFile(filepath.Join(stateDir, offsetFile), []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	p, col, cleanup := newPollerEnv(t, srv.URL, WithStateDir(stateDir))
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	if got := col.waitFor(t, 1)[0].Payload["text"]; got != "hi" {
		t.Errorf("unexpected payload text: %v", got)
	}

	waitForCondition(t, func() bool {
		raw, err := os.ReadFile(filepath.Join(stateDir, offsetFile))
		if err != nil {
			return false
		}
		var cur pollCursor
		if json.Unmarshal(raw, &cur) != nil {
			return false
		}
		return cur.LastUpdateID == 42
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(paths) == 0 || !strings.HasSuffix(paths[0], "/deleteWebhook") {
		t.Errorf("first call must be deleteWebhook, got %v", paths)
	}
	if len(offsets) == 0 || offsets[0] != 42 {
		t.Errorf("expected first poll at offset 42 from the seeded cursor, got %v", offsets)
	}
}

func TestPdfPreviewToleratesGarbage(t *testing.T) {
	if got := pdfPreview([]byte("definitely not a pdf")); got != "" {
		t.Errorf("expected empty preview for garbage input, got %q", got)
	}
}
