package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// newTestClient disables throttling so tests run at full speed.
func newTestClient(baseURL string) *Client {
	return NewClient("TESTTOKEN", WithBaseURL(baseURL), WithSendRate(0, 0))
}

func writeResult(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ok":true,"result":%s}`, result)
}

func writeAPIError(w http.ResponseWriter, code int, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"ok":false,"error_code":%d,"description":%q}`, code, description)
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Errorf("decode request body: %v", err)
		return map[string]any{}
	}
	return m
}

func TestSendRendersMarkdownAsHTML(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		mu.Lock()
		bodies = append(bodies, decodeBody(t, r))
		mu.Unlock()
		writeResult(w, `{"message_id":42,"chat":{"id":99}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	id, err := c.Send(context.Background(), "99", "this is **bold**")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "42" {
		t.Errorf("expected message ID 42, got %q", id)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("expected 1 sendMessage call, got %d", len(bodies))
	}
	if bodies[0]["parse_mode"] != "HTML" {
		t.Errorf("expected parse_mode HTML, got %v", bodies[0]["parse_mode"])
	}
	if text, _ := bodies[0]["text"].(string); !strings.Contains(text, "<b>bold</b>") {
		t.Errorf("expected rendered HTML, got %q", text)
	}
	if bodies[0]["chat_id"] != "99" {
		t.Errorf("expected chat_id 99, got %v", bodies[0]["chat_id"])
	}
}

func TestSendRetriesPlainOnBadEntities(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		bodies = append(bodies, decodeBody(t, r))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			writeAPIError(w, 400, "Bad Request: can't parse entities")
			return
		}
		writeResult(w, `{"message_id":7,"chat":{"id":99}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	id, err := c.Send(context.Background(), "99", "tricky __markup")
	if err != nil {
		t.Fatalf("Send should succeed on the plain retry: %v", err)
	}
	if id != "7" {
		t.Errorf("expected message ID 7, got %q", id)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected 2 sendMessage calls, got %d", len(bodies))
	}
	if _, ok := bodies[1]["parse_mode"]; ok {
		t.Errorf("retry must drop parse_mode, got %v", bodies[1]["parse_mode"])
	}
	if bodies[1]["text"] != "tricky __markup" {
		t.Errorf("retry must send the raw text, got %q", bodies[1]["text"])
	}
}

func TestSendDoesNotRetryServerErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		writeAPIError(w, 502, "Bad Gateway")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if _, err := c.Send(context.Background(), "99", "hello"); err == nil {
		t.Fatal("expected error for 5xx response")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("5xx must not be retried as plain text, got %d calls", calls)
	}
}

func TestSendSplitsLongMessages(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		mu.Lock()
		texts = append(texts, body["text"].(string))
		mu.Unlock()
		writeResult(w, `{"message_id":1,"chat":{"id":5}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	long := strings.Repeat("a", 4000) + "\n" + strings.Repeat("b", 200)
	if _, err := c.Send(context.Background(), "5", long); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(texts))
	}
	if !strings.HasPrefix(texts[0], "aaa") || strings.Contains(texts[0], "b") {
		t.Errorf("first chunk should hold only the a-run, got %d chars", len(texts[0]))
	}
	if !strings.HasPrefix(texts[1], "bbb") {
		t.Errorf("second chunk should start with the b-run, got %q", texts[1][:10])
	}
}

func TestSplitMessage(t *testing.T) {
	// Short message: no split.
	chunks := splitMessage("hello")
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("expected single chunk, got: %v", chunks)
	}

	// Long message without newlines: hard split at the limit.
	long := strings.Repeat("a", 5000)
	chunks = splitMessage(long)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got: %d", len(chunks))
	}
	if len(chunks[0]) != 4096 {
		t.Errorf("first chunk should be 4096, got: %d", len(chunks[0]))
	}

	// Split lands on the last newline before the limit.
	msg := strings.Repeat("x", 4000) + "\n" + strings.Repeat("y", 200)
	chunks = splitMessage(msg)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks for %d chars, got: %d", len(msg), len(chunks))
	}
	if len(chunks) == 2 && len(chunks[0]) != 4001 {
		t.Errorf("first chunk should split after the newline (4001 chars), got: %d", len(chunks[0]))
	}
}

func TestEditSwallowsNotModified(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		writeAPIError(w, 400, "Bad Request: message is not modified: text and reply markup are exactly the same")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.Edit(context.Background(), "99", "12", "same text"); err != nil {
		t.Fatalf("not-modified must be swallowed, got: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("not-modified must short-circuit before the plain retry, got %d calls", calls)
	}
}

func TestEditFallsBackToPlain(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/editMessageText") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		mu.Lock()
		bodies = append(bodies, decodeBody(t, r))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			writeAPIError(w, 400, "Bad Request: can't parse entities")
			return
		}
		writeResult(w, `true`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.Edit(context.Background(), "99", "12", "updated"); err != nil {
		t.Fatalf("Edit should succeed on the plain retry: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected 2 edit calls, got %d", len(bodies))
	}
	if _, ok := bodies[1]["parse_mode"]; ok {
		t.Errorf("plain retry must drop parse_mode")
	}
	if bodies[1]["message_id"].(float64) != 12 {
		t.Errorf("expected message_id 12, got %v", bodies[1]["message_id"])
	}
}

func TestEditRejectsBadMessageID(t *testing.T) {
	c := newTestClient("http://127.0.0.1:0")
	if err := c.Edit(context.Background(), "99", "not-a-number", "text"); err == nil {
		t.Fatal("expected error for non-numeric message ID")
	}
}

func TestSendConfirmationKeyboard(t *testing.T) {
	var mu sync.Mutex
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body = decodeBody(t, r)
		mu.Unlock()
		writeResult(w, `{"message_id":9,"chat":{"id":77}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	id, err := c.SendConfirmation(context.Background(), "77", "Run it?", "confirm_yes", "confirm_no")
	if err != nil {
		t.Fatalf("SendConfirmation: %v", err)
	}
	if id != "9" {
		t.Errorf("expected message ID 9, got %q", id)
	}

	mu.Lock()
	defer mu.Unlock()
	raw, _ := json.Marshal(body["reply_markup"])
	var kb struct {
		InlineKeyboard [][]struct {
			Text         string `json:"text"`
			CallbackData string `json:"callback_data"`
		} `json:"inline_keyboard"`
	}
	if err := json.Unmarshal(raw, &kb); err != nil {
		t.Fatalf("decode keyboard: %v", err)
	}
	if len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 2 {
		t.Fatalf("expected one row of two buttons, got %v", kb.InlineKeyboard)
	}
	yes, no := kb.InlineKeyboard[0][0], kb.InlineKeyboard[0][1]
	if yes.Text != "✓ Yes" || yes.CallbackData != "confirm_yes" {
		t.Errorf("unexpected yes button: %+v", yes)
	}
	if no.Text != "✗ No" || no.CallbackData != "confirm_no" {
		t.Errorf("unexpected no button: %+v", no)
	}
}

func TestSendTyping(t *testing.T) {
	var mu sync.Mutex
	var gotPath string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		body = decodeBody(t, r)
		mu.Unlock()
		writeResult(w, `true`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.SendTyping(context.Background(), "55"); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !strings.HasSuffix(gotPath, "/sendChatAction") {
		t.Errorf("expected sendChatAction, got %s", gotPath)
	}
	if body["action"] != "typing" {
		t.Errorf("expected typing action, got %v", body["action"])
	}
}

func TestSendFileClassifiesByExtension(t *testing.T) {
	cases := []struct {
		name       string
		wantMethod string
		wantField  string
	}{
		{"chart.png", "sendPhoto", "photo"},
		{"clip.mp4", "sendVideo", "video"},
		{"track.mp3", "sendAudio", "audio"},
		{"notes.txt", "sendDocument", "document"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, tc.name)
			if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
				t.Fatal(err)
			}

			var mu sync.Mutex
			var gotMethod, gotName, gotChat string
			var gotData []byte
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := r.ParseMultipartForm(1 << 20); err != nil {
					t.Errorf("parse multipart: %v", err)
					writeAPIError(w, 400, "bad form")
					return
				}
				f, hdr, err := r.FormFile(tc.wantField)
				if err != nil {
					t.Errorf("missing %s field: %v", tc.wantField, err)
					writeAPIError(w, 400, "missing field")
					return
				}
				defer f.Close()
				data, _ := io.ReadAll(f)
				mu.Lock()
				gotMethod = r.URL.Path
				gotName = hdr.Filename
				gotChat = r.FormValue("chat_id")
				gotData = data
				mu.Unlock()
				writeResult(w, `{"message_id":3,"chat":{"id":55}}`)
			}))
			defer srv.Close()

			c := newTestClient(srv.URL)
			if err := c.SendFile(context.Background(), "55", path, "here you go"); err != nil {
				t.Fatalf("SendFile: %v", err)
			}

			mu.Lock()
			defer mu.Unlock()
			if !strings.HasSuffix(gotMethod, "/"+tc.wantMethod) {
				t.Errorf("expected method %s, got %s", tc.wantMethod, gotMethod)
			}
			if gotName != tc.name {
				t.Errorf("expected filename %s, got %s", tc.name, gotName)
			}
			if gotChat != "55" {
				t.Errorf("expected chat_id 55, got %s", gotChat)
			}
			if string(gotData) != "payload" {
				t.Errorf("expected file payload, got %q", gotData)
			}
		})
	}
}

func TestDownloadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getFile"):
			writeResult(w, `{"file_id":"doc1","file_path":"documents/report.pdf"}`)
		case r.URL.Path == "/file/botTESTTOKEN/documents/report.pdf":
			_, _ = w.Write([]byte("%PDF-payload"))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	data, name, err := c.DownloadFile(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if string(data) != "%PDF-payload" {
		t.Errorf("unexpected data: %q", data)
	}
	if name != "report.pdf" {
		t.Errorf("expected filename report.pdf, got %q", name)
	}
}

func TestDownloadFileEmptyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, `{"file_id":"doc1"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if _, _, err := c.DownloadFile(context.Background(), "doc1"); err == nil {
		t.Fatal("expected error for empty file_path")
	}
}
