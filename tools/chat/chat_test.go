package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	alfred "github.com/0xcha05/alfred"
)

// mockFrontend records outbound calls.
type mockFrontend struct {
	sent    []string // "chatID|text"
	edits   []string // "chatID|msgID|text"
	files   []string // "chatID|path|caption"
	nextID  int
	editErr error
}

func (m *mockFrontend) Send(_ context.Context, chatID, text string) (string, error) {
	m.sent = append(m.sent, chatID+"|"+text)
	m.nextID++
	return fmt.Sprintf("msg-%d", m.nextID), nil
}

func (m *mockFrontend) SendFile(_ context.Context, chatID, path, caption string) error {
	m.files = append(m.files, chatID+"|"+path+"|"+caption)
	return nil
}

func (m *mockFrontend) SendConfirmation(_ context.Context, chatID, text, yesData, noData string) (string, error) {
	return "", errors.New("not used")
}

func (m *mockFrontend) Edit(_ context.Context, chatID, msgID, text string) error {
	if m.editErr != nil {
		return m.editErr
	}
	m.edits = append(m.edits, chatID+"|"+msgID+"|"+text)
	return nil
}

func (m *mockFrontend) SendTyping(context.Context, string) error { return nil }
func (m *mockFrontend) DownloadFile(context.Context, string) ([]byte, string, error) {
	return nil, "", errors.New("not used")
}

func execute(t *testing.T, tool *Tool, ctx context.Context, name string, args map[string]string) (string, string) {
	t.Helper()
	raw, _ := json.Marshal(args)
	result, err := tool.Execute(ctx, name, raw)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return result.Content, result.Error
}

func TestSendMessageUsesTurnChat(t *testing.T) {
	fe := &mockFrontend{}
	tool := New(fe)
	ctx := alfredCtx("42")

	content, toolErr := execute(t, tool, ctx, "send_message", map[string]string{"message": "halfway done"})
	if toolErr != "" {
		t.Fatalf("unexpected error: %s", toolErr)
	}
	if content != "message sent" {
		t.Errorf("got %q", content)
	}
	if len(fe.sent) != 1 || fe.sent[0] != "42|halfway done" {
		t.Errorf("unexpected sends: %v", fe.sent)
	}
}

func TestSendMessageExplicitChatWins(t *testing.T) {
	fe := &mockFrontend{}
	tool := New(fe)

	_, toolErr := execute(t, tool, alfredCtx("42"), "send_message", map[string]string{"message": "hi", "chat_id": "99"})
	if toolErr != "" {
		t.Fatalf("unexpected error: %s", toolErr)
	}
	if fe.sent[0] != "99|hi" {
		t.Errorf("expected explicit chat, got %v", fe.sent)
	}
}

func TestSendMessageWithoutChatFails(t *testing.T) {
	tool := New(&mockFrontend{})
	_, toolErr := execute(t, tool, context.Background(), "send_message", map[string]string{"message": "hi"})
	if !strings.Contains(toolErr, "no chat") {
		t.Errorf("expected no-chat error, got %q", toolErr)
	}
}

func TestSendMessageToWebhook(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
	}))
	defer srv.Close()

	fe := &mockFrontend{}
	tool := New(fe)

	content, toolErr := execute(t, tool, context.Background(), "send_message",
		map[string]string{"message": "deploy finished", "chat_id": srv.URL})
	if toolErr != "" {
		t.Fatalf("unexpected error: %s", toolErr)
	}
	if content != "posted to webhook" {
		t.Errorf("got %q", content)
	}
	if !strings.Contains(got, "deploy finished") {
		t.Errorf("webhook body missing message: %q", got)
	}
	if len(fe.sent) != 0 {
		t.Errorf("webhook target must not hit the frontend, got %v", fe.sent)
	}
}

func TestSendMessageWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	tool := New(&mockFrontend{})
	_, toolErr := execute(t, tool, context.Background(), "send_message",
		map[string]string{"message": "x", "chat_id": srv.URL})
	if toolErr == "" {
		t.Error("expected error for webhook 500")
	}
}

func TestSendFile(t *testing.T) {
	fe := &mockFrontend{}
	tool := New(fe)

	content, toolErr := execute(t, tool, alfredCtx("42"), "send_file",
		map[string]string{"path": "/tmp/report.pdf", "caption": "Q3 numbers"})
	if toolErr != "" {
		t.Fatalf("unexpected error: %s", toolErr)
	}
	if !strings.Contains(content, "/tmp/report.pdf") {
		t.Errorf("got %q", content)
	}
	if len(fe.files) != 1 || fe.files[0] != "42|/tmp/report.pdf|Q3 numbers" {
		t.Errorf("unexpected file sends: %v", fe.files)
	}
}

func TestSendProgressEditsInPlace(t *testing.T) {
	fe := &mockFrontend{}
	tool := New(fe)
	ctx := alfredCtx("42")

	execute(t, tool, ctx, "send_progress", map[string]string{"message": "step 1/3"})
	execute(t, tool, ctx, "send_progress", map[string]string{"message": "step 2/3"})
	execute(t, tool, ctx, "send_progress", map[string]string{"message": "step 3/3"})

	if len(fe.sent) != 1 {
		t.Fatalf("expected a single progress message, got %v", fe.sent)
	}
	if len(fe.edits) != 2 {
		t.Fatalf("expected two edits, got %v", fe.edits)
	}
	if fe.edits[1] != "42|msg-1|step 3/3" {
		t.Errorf("expected last edit on the original message, got %v", fe.edits)
	}
}

func TestSendProgressRecoversFromLostMessage(t *testing.T) {
	fe := &mockFrontend{}
	tool := New(fe)
	ctx := alfredCtx("42")

	execute(t, tool, ctx, "send_progress", map[string]string{"message": "step 1"})
	fe.editErr = errors.New("message to edit not found")
	execute(t, tool, ctx, "send_progress", map[string]string{"message": "step 2"})

	if len(fe.sent) != 2 {
		t.Fatalf("expected a fresh message after a failed edit, got %v", fe.sent)
	}

	// Later progress edits the replacement, not the dead message.
	fe.editErr = nil
	execute(t, tool, ctx, "send_progress", map[string]string{"message": "step 3"})
	if len(fe.edits) != 1 || fe.edits[0] != "42|msg-2|step 3" {
		t.Errorf("expected edit on replacement message, got %v", fe.edits)
	}
}

func TestAskUserDeliversQuestion(t *testing.T) {
	fe := &mockFrontend{}
	tool := New(fe)

	content, toolErr := execute(t, tool, alfredCtx("42"), "ask_user",
		map[string]string{"question": "Proceed with the restart?"})
	if toolErr != "" {
		t.Fatalf("unexpected error: %s", toolErr)
	}
	if !strings.Contains(content, "waiting for reply") {
		t.Errorf("got %q", content)
	}
	if len(fe.sent) != 1 || fe.sent[0] != "42|Proceed with the restart?" {
		t.Errorf("unexpected sends: %v", fe.sent)
	}
}

func TestChatToolValidation(t *testing.T) {
	tool := New(&mockFrontend{})
	ctx := alfredCtx("42")

	cases := []struct {
		name string
		tool string
		args map[string]string
	}{
		{"empty message", "send_message", map[string]string{"message": "  "}},
		{"empty question", "ask_user", map[string]string{}},
		{"missing path", "send_file", map[string]string{}},
		{"empty progress", "send_progress", map[string]string{"message": ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, toolErr := execute(t, tool, ctx, tc.tool, tc.args)
			if toolErr == "" {
				t.Error("expected error result")
			}
		})
	}
}

func alfredCtx(chatID string) context.Context {
	return alfred.WithChatID(context.Background(), chatID)
}
