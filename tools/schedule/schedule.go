// Package schedule exposes the task scheduler to the model: create, list,
// and cancel scheduled work. A task's action is a plain instruction run as
// a fresh turn when the task fires, so anything the model can do in chat
// can be scheduled.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/scheduler"
)

// Tool manages scheduled tasks.
type Tool struct {
	sched *scheduler.Scheduler
	now   func() time.Time
}

var _ alfred.Tool = (*Tool)(nil)

// New creates the schedule tool.
func New(s *scheduler.Scheduler) *Tool {
	return &Tool{sched: s, now: time.Now}
}

func (t *Tool) Definitions() []alfred.ToolDefinition {
	return []alfred.ToolDefinition{
		{
			Name:        "schedule_task",
			Description: "Schedule a task to run later or repeatedly. The action is a plain instruction executed when the task fires, e.g. 'check disk usage on web-01 and report anything over 90%'. Reports go to the chat that created the task. Give exactly one of every_minutes, cron, or run_once_in_minutes.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"name":{"type":"string","description":"Short task name, shown in reports"},
				"action":{"type":"string","description":"What to do when the task fires"},
				"description":{"type":"string","description":"Optional longer description"},
				"every_minutes":{"type":"integer","description":"Repeat every N minutes"},
				"cron":{"type":"string","description":"Five-field cron expression, e.g. '0 9 * * 1-5'"},
				"run_once_in_minutes":{"type":"integer","description":"Run a single time, N minutes from now"}
			},"required":["name","action"]}`),
		},
		{
			Name:        "list_scheduled_tasks",
			Description: "List all scheduled tasks with their schedules and next run times.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "cancel_scheduled_task",
			Description: "Cancel a scheduled task by its ID, as shown by list_scheduled_tasks.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"task_id":{"type":"string","description":"ID of the task to cancel"}
			},"required":["task_id"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (alfred.ToolResult, error) {
	var result string
	var err error

	switch name {
	case "schedule_task":
		result, err = t.handleCreate(ctx, args)
	case "list_scheduled_tasks":
		result, err = t.handleList()
	case "cancel_scheduled_task":
		result, err = t.handleCancel(args)
	default:
		return alfred.ToolResult{Error: "unknown schedule tool: " + name}, nil
	}

	if err != nil {
		return alfred.ToolResult{Error: err.Error()}, nil
	}
	return alfred.ToolResult{Content: result}, nil
}

func (t *Tool) handleCreate(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Name             string `json:"name"`
		Action           string `json:"action"`
		Description      string `json:"description"`
		EveryMinutes     int    `json:"every_minutes"`
		Cron             string `json:"cron"`
		RunOnceInMinutes int    `json:"run_once_in_minutes"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}

	task := scheduler.Task{
		Name:        p.Name,
		Description: p.Description,
		Action:      p.Action,
		ChatID:      alfred.ChatIDFrom(ctx),
	}

	given := 0
	if p.EveryMinutes != 0 {
		given++
		if p.EveryMinutes < 1 {
			return "", fmt.Errorf("every_minutes must be at least 1, got %d", p.EveryMinutes)
		}
		task.Type = scheduler.TypeInterval
		task.IntervalSeconds = p.EveryMinutes * 60
	}
	if p.Cron != "" {
		given++
		task.Type = scheduler.TypeCron
		task.CronExpr = p.Cron
	}
	if p.RunOnceInMinutes != 0 {
		given++
		if p.RunOnceInMinutes < 1 {
			return "", fmt.Errorf("run_once_in_minutes must be at least 1, got %d", p.RunOnceInMinutes)
		}
		task.Type = scheduler.TypeOnce
		task.RunAt = t.now().UTC().Add(time.Duration(p.RunOnceInMinutes) * time.Minute)
	}
	if given != 1 {
		return "", fmt.Errorf("give exactly one of every_minutes, cron, or run_once_in_minutes")
	}

	created, err := t.sched.Add(task)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Scheduled %q (%s).\nNext run: %s",
		created.Name, created.ID, formatRun(created.NextRun)), nil
}

func (t *Tool) handleList() (string, error) {
	tasks := t.sched.List()
	if len(tasks) == 0 {
		return "No scheduled tasks.", nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%d scheduled task(s):\n\n", len(tasks))
	for i, task := range tasks {
		fmt.Fprintf(&out, "%d. %s (%s)\n   %s | next run %s | ran %d time(s)\n",
			i+1, task.Name, task.ID, describeSchedule(task),
			formatRun(task.NextRun), task.RunCount)
	}
	return out.String(), nil
}

func (t *Tool) handleCancel(args json.RawMessage) (string, error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}

	task, ok := t.sched.Get(p.TaskID)
	if !ok {
		return fmt.Sprintf("No task with ID %s.", p.TaskID), nil
	}
	if err := t.sched.Remove(p.TaskID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Cancelled %q (%s).", task.Name, task.ID), nil
}

func describeSchedule(task scheduler.Task) string {
	switch task.Type {
	case scheduler.TypeInterval:
		return "every " + (time.Duration(task.IntervalSeconds) * time.Second).String()
	case scheduler.TypeCron:
		return "cron " + task.CronExpr
	case scheduler.TypeOnce:
		return "once"
	default:
		return task.Type
	}
}

func formatRun(at time.Time) string {
	return at.UTC().Format("2006-01-02 15:04 UTC")
}
