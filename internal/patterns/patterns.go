// Package patterns remembers which chat phrasings map straight to shell
// commands, so routine requests skip the model round-trip. Patterns come
// from explicit teaching, from repeated corrections, or are surfaced as
// suggestions once a phrasing shows up often enough in history.
package patterns

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	alfred "github.com/0xcha05/alfred"
)

const (
	historySize = 100

	// correctionThreshold is how many identical corrections create a
	// pattern; suggestionThreshold is how many identical history entries
	// surface a suggestion.
	correctionThreshold = 2
	suggestionThreshold = 3
)

// Pattern maps a chat phrasing to a shell command on a machine.
type Pattern struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	Command    string    `json:"command"`
	Machine    string    `json:"machine,omitempty"`
	UsageCount int       `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsed   time.Time `json:"last_used"`
}

// Suggestion is a history cluster frequent enough to become a pattern.
type Suggestion struct {
	Trigger string `json:"trigger"`
	Command string `json:"command"`
	Machine string `json:"machine,omitempty"`
	Count   int    `json:"count"`
}

type record struct {
	Text    string    `json:"text"`
	Command string    `json:"command"`
	Machine string    `json:"machine,omitempty"`
	At      time.Time `json:"at"`
}

type fileFormat struct {
	Patterns    []*Pattern `json:"patterns"`
	History     []record   `json:"history,omitempty"`
	Corrections []record   `json:"corrections,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Store owns the pattern file.
type Store struct {
	mu          sync.Mutex
	path        string
	patterns    map[string]*Pattern
	history     []record
	corrections []record
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New loads the pattern file (if any) and returns the store.
func New(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:     path,
		patterns: make(map[string]*Pattern),
		logger:   alfred.NopLogger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Add creates a pattern. Dangerous commands are refused outright; routine
// requests may skip the model, destructive ones never do.
func (s *Store) Add(trigger, command, machine string) (Pattern, error) {
	trigger = strings.TrimSpace(trigger)
	command = strings.TrimSpace(command)
	if trigger == "" || command == "" {
		return Pattern{}, fmt.Errorf("trigger and command are required")
	}
	if IsDangerous(command) {
		return Pattern{}, fmt.Errorf("refusing to create a fast path for %q", command)
	}
	if _, err := triggerRegexp(trigger); err != nil {
		return Pattern{}, fmt.Errorf("unusable trigger %q: %w", trigger, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patterns {
		if strings.EqualFold(p.Trigger, trigger) {
			return Pattern{}, fmt.Errorf("pattern for %q already exists", trigger)
		}
	}
	p := &Pattern{
		ID:        "pat-" + alfred.NewShortID(),
		Trigger:   trigger,
		Command:   command,
		Machine:   machine,
		CreatedAt: s.now().UTC(),
	}
	s.patterns[p.ID] = p
	if err := s.save(); err != nil {
		delete(s.patterns, p.ID)
		return Pattern{}, err
	}
	s.logger.Info("pattern added", "trigger", trigger, "machine", machine)
	return *p, nil
}

// Match finds the pattern whose trigger occurs in text. Longer triggers
// win over shorter ones; usage count breaks ties.
func (s *Store) Match(text string) (Pattern, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Pattern
	for _, p := range s.patterns {
		re, err := triggerRegexp(p.Trigger)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return Pattern{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i].Trigger) != len(candidates[j].Trigger) {
			return len(candidates[i].Trigger) > len(candidates[j].Trigger)
		}
		if candidates[i].UsageCount != candidates[j].UsageCount {
			return candidates[i].UsageCount > candidates[j].UsageCount
		}
		return candidates[i].ID < candidates[j].ID
	})
	return *candidates[0], true
}

// RecordUse bumps a pattern's usage counter.
func (s *Store) RecordUse(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	if !ok {
		return fmt.Errorf("pattern %s not found", id)
	}
	p.UsageCount++
	p.LastUsed = s.now().UTC()
	return s.save()
}

// Remove deletes a pattern.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[id]; !ok {
		return fmt.Errorf("pattern %s not found", id)
	}
	delete(s.patterns, id)
	return s.save()
}

// List returns all patterns, most used first.
func (s *Store) List() []Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount > out[j].UsageCount
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RecordCommand logs that text led to command on machine. History feeds
// Suggestions and is capped at the last hundred entries.
func (s *Store) RecordCommand(text, command, machine string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, record{
		Text: text, Command: command, Machine: machine, At: s.now().UTC(),
	})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	if err := s.save(); err != nil {
		s.logger.Warn("saving command history", "error", err)
	}
}

// LearnFromCorrection records that the user corrected the system: text
// should have run command. The second identical correction creates the
// pattern and returns it; until then the return is nil.
func (s *Store) LearnFromCorrection(text, command, machine string) (*Pattern, error) {
	text = strings.TrimSpace(text)
	command = strings.TrimSpace(command)
	if text == "" || command == "" {
		return nil, fmt.Errorf("text and command are required")
	}

	s.mu.Lock()
	s.corrections = append(s.corrections, record{
		Text: text, Command: command, Machine: machine, At: s.now().UTC(),
	})
	if len(s.corrections) > historySize {
		s.corrections = s.corrections[len(s.corrections)-historySize:]
	}
	key := groupKey(text, command, machine)
	count := 0
	for _, r := range s.corrections {
		if groupKey(r.Text, r.Command, r.Machine) == key {
			count++
		}
	}
	exists := false
	for _, p := range s.patterns {
		if strings.EqualFold(p.Trigger, text) {
			exists = true
			break
		}
	}
	if err := s.save(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	if count < correctionThreshold || exists || IsDangerous(command) {
		return nil, nil
	}
	p, err := s.Add(text, command, machine)
	if err != nil {
		return nil, err
	}
	s.logger.Info("pattern learned from corrections", "trigger", text)
	return &p, nil
}

// Suggestions returns history clusters seen at least three times that are
// not yet patterns. Dangerous commands never appear.
func (s *Store) Suggestions() []Suggestion {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]*Suggestion)
	for _, r := range s.history {
		key := groupKey(r.Text, r.Command, r.Machine)
		if sg, ok := counts[key]; ok {
			sg.Count++
			continue
		}
		counts[key] = &Suggestion{
			Trigger: strings.ToLower(strings.TrimSpace(r.Text)),
			Command: r.Command,
			Machine: r.Machine,
			Count:   1,
		}
	}

	var out []Suggestion
	for _, sg := range counts {
		if sg.Count < suggestionThreshold || IsDangerous(sg.Command) {
			continue
		}
		exists := false
		for _, p := range s.patterns {
			if strings.EqualFold(p.Trigger, sg.Trigger) {
				exists = true
				break
			}
		}
		if !exists {
			out = append(out, *sg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Trigger < out[j].Trigger
	})
	return out
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading pattern file: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return fmt.Errorf("parsing pattern file: %w", err)
	}
	for _, p := range ff.Patterns {
		s.patterns[p.ID] = p
	}
	s.history = ff.History
	s.corrections = ff.Corrections
	return nil
}

// save writes the file atomically. Callers hold s.mu.
func (s *Store) save() error {
	ff := fileFormat{
		History:     s.history,
		Corrections: s.corrections,
		UpdatedAt:   s.now().UTC(),
	}
	for _, p := range s.patterns {
		ff.Patterns = append(ff.Patterns, p)
	}
	sort.Slice(ff.Patterns, func(i, j int) bool { return ff.Patterns[i].ID < ff.Patterns[j].ID })

	raw, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pattern file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing pattern file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing pattern file: %w", err)
	}
	return nil
}

// triggerRegexp turns a trigger phrase into a word-bounded, whitespace
// tolerant, case-insensitive expression.
func triggerRegexp(trigger string) (*regexp.Regexp, error) {
	parts := strings.Fields(trigger)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty trigger")
	}
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile(`(?i)\b` + strings.Join(parts, `\s+`) + `\b`)
}

func groupKey(text, command, machine string) string {
	return strings.ToLower(strings.TrimSpace(text)) + "\x00" + command + "\x00" + machine
}

// dangerousFragments is a conservative substring check: anything that can
// wipe data or take a machine down stays on the slow path where the model
// and the operator see it.
var dangerousFragments = []string{
	"sudo", "rm -rf", "rm -fr", "mkfs", "dd if=", "shutdown", "reboot", "> /dev/",
}

// IsDangerous reports whether a command is too destructive for a fast path.
func IsDangerous(command string) bool {
	lower := strings.ToLower(command)
	for _, frag := range dangerousFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
