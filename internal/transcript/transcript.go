// Package transcript persists conversation history as one JSONL file per
// chat. A small in-memory window serves the common "last N messages" read;
// anything older comes off disk.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	alfred "github.com/0xcha05/alfred"
)

const defaultWindow = 30

// Entry is one message in a chat's history.
type Entry struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Store reads and writes per-chat history files under a single directory.
type Store struct {
	mu     sync.Mutex
	dir    string
	window int
	recent map[string][]Entry
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithWindow overrides how many entries per chat stay cached in memory.
func WithWindow(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.window = n
		}
	}
}

// New creates the store, making dir if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating transcript dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		window: defaultWindow,
		recent: make(map[string][]Entry),
		logger: alfred.NopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append records one message. Whitespace-only content is rejected so the
// model never sees blank turns. meta may be nil.
func (s *Store) Append(chatID, role, content string, meta map[string]any) error {
	if strings.TrimSpace(content) == "" {
		return alfred.ErrEmptyMessage
	}
	entry := Entry{Role: role, Content: content, Timestamp: time.Now().UTC(), Metadata: meta}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(chatID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening transcript: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("writing transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing transcript: %w", err)
	}

	cached := append(s.recent[chatID], entry)
	if len(cached) > s.window {
		cached = cached[len(cached)-s.window:]
	}
	s.recent[chatID] = cached
	return nil
}

// Recent returns the last n entries, oldest first. The in-memory window
// answers when it can; otherwise the file is read and the window warmed.
func (s *Store) Recent(chatID string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cached := s.recent[chatID]
	if len(cached) >= n {
		out := make([]Entry, n)
		copy(out, cached[len(cached)-n:])
		return out, nil
	}

	all, err := s.loadAll(chatID)
	if err != nil {
		return nil, err
	}
	if len(all) > 0 {
		warm := all
		if len(warm) > s.window {
			warm = warm[len(warm)-s.window:]
		}
		s.recent[chatID] = append([]Entry(nil), warm...)
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// Search returns up to limit entries whose content contains query, using
// Unicode case folding so "grüße" matches "GRÜSSE". limit <= 0 means all.
func (s *Store) Search(chatID, query string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadAll(chatID)
	if err != nil {
		return nil, err
	}
	fold := cases.Fold()
	needle := fold.String(query)
	var out []Entry
	for _, e := range all {
		if strings.Contains(fold.String(e.Content), needle) {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Clean rewrites a chat's file keeping only well-formed entries and reports
// how many lines were dropped. Useful after a crash mid-write.
func (s *Store) Clean(chatID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(chatID)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("opening transcript: %w", err)
	}

	var kept []Entry
	removed := 0
	scanner := newLineScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil || e.Role == "" || strings.TrimSpace(e.Content) == "" {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scanning transcript: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("creating temp transcript: %w", err)
	}
	w := bufio.NewWriter(out)
	for _, e := range kept {
		line, err := json.Marshal(e)
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("encoding entry: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("flushing transcript: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("closing temp transcript: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("replacing transcript: %w", err)
	}

	warm := kept
	if len(warm) > s.window {
		warm = warm[len(warm)-s.window:]
	}
	s.recent[chatID] = append([]Entry(nil), warm...)
	s.logger.Info("cleaned transcript", "chat_id", chatID, "removed", removed)
	return removed, nil
}

// Clear deletes a chat's history entirely.
func (s *Store) Clear(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recent, chatID)
	err := os.Remove(s.path(chatID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing transcript: %w", err)
	}
	return nil
}

// Chats lists the chat IDs that have history on disk, sorted.
func (s *Store) Chats() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing transcripts: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "chat_") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(name, "chat_"), ".jsonl"))
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) path(chatID string) string {
	return filepath.Join(s.dir, "chat_"+sanitize(chatID)+".jsonl")
}

func (s *Store) loadAll(chatID string) ([]Entry, error) {
	f, err := os.Open(s.path(chatID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	var out []Entry
	scanner := newLineScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			s.logger.Warn("skipping malformed transcript line", "chat_id", chatID, "error", err)
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning transcript: %w", err)
	}
	return out, nil
}

// newLineScanner allows lines well past the default 64KB since a single
// message can carry a large tool output.
func newLineScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return scanner
}

func sanitize(chatID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, chatID)
}
