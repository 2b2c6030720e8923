// Package audit records every consequential action the system takes: shell
// commands, file writes, daemon lifecycle changes, scheduled runs. Entries
// land in one JSONL file per day and in a bounded in-memory ring for cheap
// "what just happened" queries.
//
// Secrets never reach disk. Detail values under keys that look sensitive
// are replaced before the entry is encoded.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	alfred "github.com/0xcha05/alfred"
)

const (
	defaultRingSize = 1000

	// maxDetailString bounds any single string inside an entry's detail.
	maxDetailString = 1024

	filePrefix = "audit-"
	fileSuffix = ".jsonl"
)

// Entry is one audit record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Actor     string         `json:"actor,omitempty"`
	Action    string         `json:"action,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Sink writes audit entries.
type Sink struct {
	mu      sync.Mutex
	dir     string
	ring    []Entry
	ringCap int
	seq     int
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithRingSize overrides how many entries stay in memory.
func WithRingSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.ringCap = n
		}
	}
}

// New creates the sink, making dir if needed.
func New(dir string, opts ...Option) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	s := &Sink{
		dir:     dir,
		ringCap: defaultRingSize,
		logger:  alfred.NopLogger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Record writes one entry. Persistence is best-effort: a disk failure is
// logged, never surfaced, so auditing can't take down the action itself.
func (s *Sink) Record(kind, actor, action string, detail map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	s.seq++
	entry := Entry{
		ID:        fmt.Sprintf("audit-%s-%06d", now.Format("20060102150405"), s.seq%1000000),
		Timestamp: now,
		Kind:      kind,
		Actor:     actor,
		Action:    action,
	}
	if detail != nil {
		entry.Detail = redactMap(detail)
	}

	s.ring = append(s.ring, entry)
	if len(s.ring) > s.ringCap {
		s.ring = s.ring[len(s.ring)-s.ringCap:]
	}

	line, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("encoding audit entry", "error", err)
		return
	}
	path := filepath.Join(s.dir, filePrefix+now.Format("2006-01-02")+fileSuffix)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Error("opening audit file", "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.logger.Error("writing audit entry", "error", err)
	}
	f.Close()
}

// Recent returns up to n entries from the in-memory ring, newest first.
func (s *Sink) Recent(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || len(s.ring) == 0 {
		return nil
	}
	if n > len(s.ring) {
		n = len(s.ring)
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = s.ring[len(s.ring)-1-i]
	}
	return out
}

// QueryOptions filter a Query. Zero values match everything.
type QueryOptions struct {
	Kind  string
	Actor string
	Since time.Time
	Limit int
}

// Query scans the audit files on disk, newest first. Unlike Recent it sees
// entries written by earlier runs of the process.
func (s *Sink) Query(opts QueryOptions) ([]Entry, error) {
	files, err := s.auditFiles()
	if err != nil {
		return nil, err
	}
	var matched []Entry
	for _, path := range files {
		entries, err := readEntries(path)
		if err != nil {
			s.logger.Warn("skipping unreadable audit file", "path", path, "error", err)
			continue
		}
		for _, e := range entries {
			if opts.Kind != "" && e.Kind != opts.Kind {
				continue
			}
			if opts.Actor != "" && e.Actor != opts.Actor {
				continue
			}
			if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
				continue
			}
			matched = append(matched, e)
		}
	}
	// Files are chronological; flip to newest first.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Summary counts entries per kind since the given time.
func (s *Sink) Summary(since time.Time) (map[string]int, error) {
	entries, err := s.Query(QueryOptions{Since: since})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, e := range entries {
		out[e.Kind]++
	}
	return out, nil
}

// CleanupOlderThan deletes audit files more than the given number of days
// old and reports how many were removed.
func (s *Sink) CleanupOlderThan(days int) (int, error) {
	if days <= 0 {
		return 0, nil
	}
	files, err := s.auditFiles()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().UTC().AddDate(0, 0, -days)
	removed := 0
	for _, path := range files {
		name := filepath.Base(path)
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		day, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("removing old audit file", "path", path, "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("cleaned up audit files", "removed", removed, "older_than_days", days)
	}
	return removed, nil
}

// auditFiles returns the day files sorted ascending, which is chronological
// because the date sits in the name.
func (s *Sink) auditFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing audit dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			out = append(out, filepath.Join(s.dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

func readEntries(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

var sensitiveKeyParts = []string{"password", "secret", "token", "key"}

func isSensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

func redactMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if isSensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	case string:
		return truncateString(t)
	default:
		return v
	}
}

// truncateString cuts at a rune boundary so the output stays valid UTF-8.
func truncateString(s string) string {
	if len(s) <= maxDetailString {
		return s
	}
	cut := maxDetailString
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "… (truncated)"
}
