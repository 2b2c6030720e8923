// Package workspace gives multi-step tasks a working directory with a
// fixed shape: input/ for immutable source material, steps/ for
// intermediate products, output/ for final artifacts. state.json inside
// the workspace is the authority on what happened; the directory tree is
// just storage.
package workspace

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

	alfred "github.com/0xcha05/alfred"
)

// Workspace statuses.
const (
	StatusActive   = "active"
	StatusComplete = "complete"
	StatusCleaned  = "cleaned"
)

// SourceFile describes one immutable input.
type SourceFile struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	AddedAt time.Time `json:"added_at"`
}

// Step records one unit of work inside a workspace: what was done, the
// command that did it, and the files it produced.
type Step struct {
	Seq         int       `json:"seq"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Command     string    `json:"command,omitempty"`
	Outputs     []string  `json:"outputs,omitempty"`
	Dir         string    `json:"dir"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Workspace is the persisted state of one task directory.
type Workspace struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Path      string       `json:"path"`
	Status    string       `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Sources   []SourceFile `json:"sources,omitempty"`
	Steps     []Step       `json:"steps,omitempty"`
}

// InputDir returns the directory holding source files.
func (w *Workspace) InputDir() string { return filepath.Join(w.Path, "input") }

// OutputDir returns the directory for final artifacts.
func (w *Workspace) OutputDir() string { return filepath.Join(w.Path, "output") }

// Manager creates and tracks workspaces under one root directory.
type Manager struct {
	mu     sync.Mutex
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates the manager, making root if needed.
func New(root string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	m := &Manager{
		root:   root,
		logger: alfred.NopLogger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create builds a fresh workspace named after the task plus a timestamp.
func (m *Manager) Create(taskName string) (*Workspace, error) {
	if strings.TrimSpace(taskName) == "" {
		return nil, fmt.Errorf("task name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	base := sanitizeName(taskName) + "_" + now.Format("20060102_150405")
	id := base
	var dir string
	for i := 2; ; i++ {
		dir = filepath.Join(m.root, id)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating workspace dir: %w", err)
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
	for _, sub := range []string{"input", "steps", "output"} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s dir: %w", sub, err)
		}
	}

	ws := &Workspace{
		ID:        id,
		Name:      taskName,
		Path:      dir,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.saveState(ws); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	m.logger.Info("workspace created", "id", id, "task", taskName)
	return ws, nil
}

// AddSource copies content into input/ under the given filename. Sources
// are write-once: re-adding an existing name is an error, and the file
// lands read-only.
func (m *Manager) AddSource(id, filename string, content []byte) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.loadState(id)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(filename)
	if name == "." || name == "/" || name == "" {
		return nil, fmt.Errorf("invalid source filename %q", filename)
	}
	for _, src := range ws.Sources {
		if src.Name == name {
			return nil, fmt.Errorf("source %q already exists in workspace %s", name, id)
		}
	}

	path := filepath.Join(ws.InputDir(), name)
	if err := os.WriteFile(path, content, 0o444); err != nil {
		return nil, fmt.Errorf("writing source: %w", err)
	}

	ws.Sources = append(ws.Sources, SourceFile{
		Name:    name,
		Size:    int64(len(content)),
		AddedAt: m.now().UTC(),
	})
	ws.UpdatedAt = m.now().UTC()
	if err := m.saveState(ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// RecordStep creates the next steps/step_NN_<name> directory and appends a
// step row carrying the command that ran and the files it produced; the
// new step is the last element of Steps.
func (m *Manager) RecordStep(id, name, description, command string, outputs []string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.loadState(id)
	if err != nil {
		return nil, err
	}
	seq := len(ws.Steps) + 1
	dirName := fmt.Sprintf("step_%02d_%s", seq, sanitizeName(name))
	dir := filepath.Join(ws.Path, "steps", dirName)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating step dir: %w", err)
	}

	ws.Steps = append(ws.Steps, Step{
		Seq:         seq,
		Name:        name,
		Description: description,
		Command:     command,
		Outputs:     append([]string(nil), outputs...),
		Dir:         dir,
		RecordedAt:  m.now().UTC(),
	})
	ws.UpdatedAt = m.now().UTC()
	if err := m.saveState(ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// Finalize copies the named artifacts into output/ and marks the workspace
// complete. Paths outside the workspace are allowed; the copies keep only
// the base name.
func (m *Manager) Finalize(id string, artifacts ...string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.loadState(id)
	if err != nil {
		return nil, err
	}
	for _, src := range artifacts {
		content, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("reading artifact: %w", err)
		}
		dst := filepath.Join(ws.OutputDir(), filepath.Base(src))
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return nil, fmt.Errorf("writing artifact: %w", err)
		}
	}
	ws.Status = StatusComplete
	ws.UpdatedAt = m.now().UTC()
	if err := m.saveState(ws); err != nil {
		return nil, err
	}
	m.logger.Info("workspace finalized", "id", id, "artifacts", len(artifacts))
	return ws, nil
}

// Get loads a workspace's state.
func (m *Manager) Get(id string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadState(id)
}

// List returns all workspaces under the root, newest first.
func (m *Manager) List() ([]*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	var out []*Workspace
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ws, err := m.loadState(e.Name())
		if err != nil {
			m.logger.Warn("skipping unreadable workspace", "dir", e.Name(), "error", err)
			continue
		}
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Cleanup removes a workspace. With keepOutput the input and step
// directories go but output/ and state.json survive, status "cleaned";
// without it the whole directory is deleted.
func (m *Manager) Cleanup(id string, keepOutput bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.loadState(id)
	if err != nil {
		return err
	}
	if !keepOutput {
		if err := os.RemoveAll(ws.Path); err != nil {
			return fmt.Errorf("removing workspace: %w", err)
		}
		m.logger.Info("workspace removed", "id", id)
		return nil
	}
	for _, sub := range []string{"input", "steps"} {
		if err := os.RemoveAll(filepath.Join(ws.Path, sub)); err != nil {
			return fmt.Errorf("removing %s: %w", sub, err)
		}
	}
	ws.Status = StatusCleaned
	ws.UpdatedAt = m.now().UTC()
	if err := m.saveState(ws); err != nil {
		return err
	}
	m.logger.Info("workspace cleaned", "id", id, "kept", "output")
	return nil
}

// CleanupOlderThan fully removes non-active workspaces whose last update
// is older than age. Active workspaces are never touched.
func (m *Manager) CleanupOlderThan(age time.Duration) (int, error) {
	workspaces, err := m.List()
	if err != nil {
		return 0, err
	}
	cutoff := m.now().UTC().Add(-age)
	removed := 0
	for _, ws := range workspaces {
		if ws.Status == StatusActive || ws.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.Cleanup(ws.ID, false); err != nil {
			m.logger.Warn("cleanup failed", "id", ws.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) loadState(id string) (*Workspace, error) {
	raw, err := os.ReadFile(filepath.Join(m.root, id, "state.json"))
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", id, err)
	}
	var ws Workspace
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("workspace %s: parsing state: %w", id, err)
	}
	return &ws, nil
}

func (m *Manager) saveState(ws *Workspace) error {
	raw, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	path := filepath.Join(ws.Path, "state.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing state: %w", err)
	}
	return nil
}

// sanitizeName lowercases and squashes anything unsafe for a directory
// name into underscores.
func sanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "task"
	}
	return out
}
