// Package scheduler runs the task clock: a single JSON file of scheduled
// tasks, a 30-second wake loop, and a bus event per due task. The brain
// owns what a task means; this package only decides when it fires.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	alfred "github.com/0xcha05/alfred"
)

// Schedule kinds.
const (
	TypeInterval = "interval"
	TypeCron     = "cron"
	TypeOnce     = "once"
)

const defaultWakeInterval = 30 * time.Second

// Standard five-field cron, minutes through day-of-week.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Task is one scheduled action. Action is the instruction handed to the
// brain when the task fires; the scheduler never interprets it.
type Task struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Action          string    `json:"action"`
	ChatID          string    `json:"chat_id,omitempty"`
	Type            string    `json:"type"`
	IntervalSeconds int       `json:"interval_seconds,omitempty"`
	CronExpr        string    `json:"cron_expr,omitempty"`
	RunAt           time.Time `json:"run_at"`
	NextRun         time.Time `json:"next_run"`
	LastRun         time.Time `json:"last_run"`
	RunCount        int       `json:"run_count"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
}

type fileFormat struct {
	Tasks     []*Task   `json:"tasks"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scheduler owns the task file and the wake loop.
type Scheduler struct {
	mu    sync.Mutex
	path  string
	tasks map[string]*Task
	bus   *alfred.Bus
	wake  time.Duration
	now   func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWakeInterval overrides how often the scheduler checks for due tasks.
func WithWakeInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.wake = d
		}
	}
}

// New loads the task file (if any) and returns the scheduler.
func New(path string, bus *alfred.Bus, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		path:  path,
		tasks: make(map[string]*Task),
		bus:   bus,
		wake:  defaultWakeInterval,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Add validates the task, computes its first run, assigns an ID if needed,
// and persists. The stored task is returned.
func (s *Scheduler) Add(t Task) (Task, error) {
	if strings.TrimSpace(t.Name) == "" {
		return Task{}, fmt.Errorf("task name is required")
	}
	if strings.TrimSpace(t.Action) == "" {
		return Task{}, fmt.Errorf("task action is required")
	}

	now := s.now().UTC()
	switch t.Type {
	case TypeInterval:
		if t.IntervalSeconds <= 0 {
			return Task{}, fmt.Errorf("interval must be positive, got %d", t.IntervalSeconds)
		}
		t.NextRun = now.Add(time.Duration(t.IntervalSeconds) * time.Second)
	case TypeCron:
		sched, err := cronParser.Parse(t.CronExpr)
		if err != nil {
			return Task{}, fmt.Errorf("invalid cron expression %q: %w", t.CronExpr, err)
		}
		t.NextRun = sched.Next(now)
	case TypeOnce:
		if t.RunAt.IsZero() {
			return Task{}, fmt.Errorf("one-shot task needs run_at")
		}
		t.NextRun = t.RunAt
	default:
		return Task{}, fmt.Errorf("unknown schedule type %q", t.Type)
	}

	if t.ID == "" {
		t.ID = "task-" + alfred.NewShortID()
	}
	t.CreatedAt = now
	t.Enabled = true

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = &t
	if err := s.save(); err != nil {
		delete(s.tasks, t.ID)
		return Task{}, err
	}
	log.Printf(" [sched] added %s (%s): next run %s", t.Name, t.ID, t.NextRun.Format(time.RFC3339))
	return t, nil
}

// Remove deletes a task by ID.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s not found", id)
	}
	delete(s.tasks, id)
	return s.save()
}

// Get returns a task by ID.
func (s *Scheduler) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns all tasks ordered by next run time.
func (s *Scheduler) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextRun.Before(out[j].NextRun)
	})
	return out
}

// Run wakes periodically and fires due tasks. Blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf(" [sched] scheduler started, wake every %s", s.wake)
	ticker := time.NewTicker(s.wake)
	defer ticker.Stop()

	s.checkDue(s.now().UTC())
	for {
		select {
		case <-ctx.Done():
			log.Println(" [sched] scheduler stopped")
			return
		case <-ticker.C:
			s.checkDue(s.now().UTC())
		}
	}
}

// checkDue fires every enabled task whose time has come. A task that was
// missed while the process was down fires exactly once now; the next run
// is always computed from the current wake, never replayed per missed
// occurrence.
func (s *Scheduler) checkDue(now time.Time) {
	s.mu.Lock()
	var fired []Task
	for _, t := range s.tasks {
		if !t.Enabled || t.NextRun.IsZero() || t.NextRun.After(now) {
			continue
		}
		t.LastRun = now
		t.RunCount++
		switch t.Type {
		case TypeOnce:
			t.Enabled = false
		case TypeInterval:
			t.NextRun = now.Add(time.Duration(t.IntervalSeconds) * time.Second)
		case TypeCron:
			if sched, err := cronParser.Parse(t.CronExpr); err == nil {
				t.NextRun = sched.Next(now)
			} else {
				// Unparseable after an edit by hand; disable rather than spin.
				t.Enabled = false
				log.Printf(" [sched] disabling %s: bad cron %q", t.ID, t.CronExpr)
			}
		}
		fired = append(fired, *t)
	}
	if len(fired) > 0 {
		if err := s.save(); err != nil {
			log.Printf(" [sched] save failed: %v", err)
		}
	}
	s.mu.Unlock()

	for _, t := range fired {
		log.Printf(" [sched] firing %s (%s)", t.Name, t.ID)
		s.bus.Publish(alfred.NewEvent("schedule", "tick", map[string]any{
			"task_id":     t.ID,
			"task_name":   t.Name,
			"action":      t.Action,
			"description": t.Description,
		}, map[string]any{
			"chat_id": t.ChatID,
		}))
	}
}

// load reads the task file. A missing file is an empty schedule.
func (s *Scheduler) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading task file: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return fmt.Errorf("parsing task file: %w", err)
	}
	for _, t := range ff.Tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

// save writes the whole schedule atomically. Callers hold s.mu.
func (s *Scheduler) save() error {
	ff := fileFormat{
		Tasks:     make([]*Task, 0, len(s.tasks)),
		UpdatedAt: s.now().UTC(),
	}
	for _, t := range s.tasks {
		ff.Tasks = append(ff.Tasks, t)
	}
	sort.Slice(ff.Tasks, func(i, j int) bool { return ff.Tasks[i].ID < ff.Tasks[j].ID })

	raw, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding task file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing task file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing task file: %w", err)
	}
	return nil
}
