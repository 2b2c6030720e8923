package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestRecordRedactsSensitiveKeys(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("creating sink: %v", err)
	}

	s.Record("shell_command", "brain", "execute", map[string]any{
		"command": "deploy --env staging",
		"api_key": "ABC123",
		"nested":  map[string]any{"password": "hunter2", "host": "db.local"},
		"items":   []any{map[string]any{"token": "tok-1"}, "plain"},
	})

	entries := s.Recent(1)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	detail := entries[0].Detail
	if detail["api_key"] != "[REDACTED]" {
		t.Errorf("expected api_key redacted, got %v", detail["api_key"])
	}
	if detail["command"] != "deploy --env staging" {
		t.Errorf("expected command untouched, got %v", detail["command"])
	}
	nested := detail["nested"].(map[string]any)
	if nested["password"] != "[REDACTED]" {
		t.Errorf("expected nested password redacted, got %v", nested["password"])
	}
	if nested["host"] != "db.local" {
		t.Errorf("expected nested host untouched, got %v", nested["host"])
	}
	item := detail["items"].([]any)[0].(map[string]any)
	if item["token"] != "[REDACTED]" {
		t.Errorf("expected token in list redacted, got %v", item["token"])
	}

	// Neither memory nor disk may hold the secret anywhere.
	encoded, _ := json.Marshal(entries[0])
	for _, secret := range []string{"ABC123", "hunter2", "tok-1"} {
		if strings.Contains(string(encoded), secret) {
			t.Errorf("secret %q leaked into encoded entry", secret)
		}
	}
	files, _ := filepath.Glob(filepath.Join(s.dir, "audit-*.jsonl"))
	if len(files) != 1 {
		t.Fatalf("expected one audit file, got %d", len(files))
	}
	onDisk, _ := os.ReadFile(files[0])
	for _, secret := range []string{"ABC123", "hunter2", "tok-1"} {
		if strings.Contains(string(onDisk), secret) {
			t.Errorf("secret %q leaked to disk", secret)
		}
	}
}

func TestRecordTruncatesLongStrings(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("creating sink: %v", err)
	}

	long := strings.Repeat("x", 5000)
	s.Record("shell_command", "brain", "execute", map[string]any{"output": long})

	got := s.Recent(1)[0].Detail["output"].(string)
	if !strings.HasSuffix(got, "… (truncated)") {
		t.Errorf("expected truncation marker, got tail %q", got[len(got)-30:])
	}
	if len(got) > maxDetailString+len("… (truncated)") {
		t.Errorf("expected output capped near %d bytes, got %d", maxDetailString, len(got))
	}
}

func TestIDFormat(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("creating sink: %v", err)
	}
	s.Record("test", "", "", nil)
	id := s.Recent(1)[0].ID
	if ok, _ := regexp.MatchString(`^audit-\d{14}-\d{6}$`, id); !ok {
		t.Errorf("expected audit-YYYYMMDDHHMMSS-NNNNNN, got %q", id)
	}
}

func TestRecentNewestFirstAndBounded(t *testing.T) {
	s, err := New(t.TempDir(), WithRingSize(3))
	if err != nil {
		t.Fatalf("creating sink: %v", err)
	}
	for _, kind := range []string{"a", "b", "c", "d", "e"} {
		s.Record(kind, "", "", nil)
	}

	got := s.Recent(10)
	if len(got) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(got))
	}
	if got[0].Kind != "e" || got[1].Kind != "d" || got[2].Kind != "c" {
		t.Errorf("expected newest first [e d c], got [%s %s %s]", got[0].Kind, got[1].Kind, got[2].Kind)
	}
}

func TestQueryReadsAcrossDays(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("creating sink: %v", err)
	}

	day1 := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return day1 }
	s.Record("shell_command", "brain", "execute", nil)
	s.now = func() time.Time { return day2 }
	s.Record("file_write", "brain", "write", nil)
	s.Record("shell_command", "scheduler", "execute", nil)

	files, _ := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	if len(files) != 2 {
		t.Fatalf("expected one file per day, got %d", len(files))
	}

	// A fresh sink sees history written by the previous run.
	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopening sink: %v", err)
	}

	got, err := reopened.Query(QueryOptions{Kind: "shell_command"})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 shell_command entries, got %d", len(got))
	}
	if !got[0].Timestamp.After(got[1].Timestamp) {
		t.Error("expected newest first ordering")
	}

	got, err = reopened.Query(QueryOptions{Actor: "scheduler"})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(got) != 1 || got[0].Actor != "scheduler" {
		t.Errorf("expected the scheduler entry, got %v", got)
	}

	got, err = reopened.Query(QueryOptions{Since: day2})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 entries since day2, got %d", len(got))
	}

	got, err = reopened.Query(QueryOptions{Limit: 1})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected limit to cap results, got %d", len(got))
	}
}

func TestSummaryCountsByKind(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("creating sink: %v", err)
	}
	s.Record("shell_command", "", "", nil)
	s.Record("shell_command", "", "", nil)
	s.Record("file_write", "", "", nil)

	summary, err := s.Summary(time.Time{})
	if err != nil {
		t.Fatalf("summarizing: %v", err)
	}
	if summary["shell_command"] != 2 || summary["file_write"] != 1 {
		t.Errorf("expected {shell_command:2 file_write:1}, got %v", summary)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "audit-2020-01-01.jsonl")
	if err := os.WriteFile(old, []byte(`{"id":"audit-x","kind":"old"}`+"\n"), 0o644); err != nil {
		t.Fatalf("seeding old file: %v", err)
	}

	s, err := New(dir)
	if err != nil {
		t.Fatalf("creating sink: %v", err)
	}
	s.Record("fresh", "", "", nil)

	removed, err := s.CleanupOlderThan(30)
	if err != nil {
		t.Fatalf("cleaning up: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed file, got %d", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expected old file to be deleted")
	}
	files, _ := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	if len(files) != 1 {
		t.Errorf("expected today's file to survive, got %d files", len(files))
	}
}
