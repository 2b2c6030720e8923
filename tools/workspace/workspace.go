// Package workspace exposes task workspaces to the model. A workspace is a
// scratch directory with a fixed shape (input/, steps/, output/) that keeps
// multi-step jobs from scattering files across the host.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/workspace"
)

// Tool implements create_workspace, workspace_add_source, and
// workspace_get_path.
type Tool struct {
	manager *workspace.Manager
}

var _ alfred.Tool = (*Tool)(nil)

// New creates the workspace tool.
func New(m *workspace.Manager) *Tool {
	return &Tool{manager: m}
}

func (t *Tool) Definitions() []alfred.ToolDefinition {
	return []alfred.ToolDefinition{
		{
			Name:        "create_workspace",
			Description: "Create a workspace for a multi-step task: a directory with input/ for source material, steps/ for intermediate products, and output/ for final artifacts. Use one workspace per task and keep all files inside it.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"task_name":{"type":"string","description":"Short name for the task, used in the directory name"}
			},"required":["task_name"]}`),
		},
		{
			Name:        "workspace_add_source",
			Description: "Copy a file from this server into a workspace's input/ directory. Sources are write-once and read-only.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"workspace_id":{"type":"string","description":"Workspace ID from create_workspace"},
				"path":{"type":"string","description":"Path of the file to copy in"}
			},"required":["workspace_id","path"]}`),
		},
		{
			Name:        "workspace_get_path",
			Description: "Get the absolute path of a workspace or one of its directories, for use with shell and file tools.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"workspace_id":{"type":"string","description":"Workspace ID"},
				"dir":{"type":"string","enum":["root","input","steps","output"],"description":"Which directory (default root)"}
			},"required":["workspace_id"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (alfred.ToolResult, error) {
	var result string
	var err error

	switch name {
	case "create_workspace":
		result, err = t.handleCreate(args)
	case "workspace_add_source":
		result, err = t.handleAddSource(args)
	case "workspace_get_path":
		result, err = t.handleGetPath(args)
	default:
		return alfred.ToolResult{Error: "unknown workspace tool: " + name}, nil
	}

	if err != nil {
		return alfred.ToolResult{Error: err.Error()}, nil
	}
	return alfred.ToolResult{Content: result}, nil
}

func (t *Tool) handleCreate(args json.RawMessage) (string, error) {
	var p struct {
		TaskName string `json:"task_name"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}

	ws, err := t.manager.Create(p.TaskName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Created workspace %s\nPath: %s\nPut source files in input/, intermediate work in steps/, final artifacts in output/.",
		ws.ID, ws.Path), nil
}

func (t *Tool) handleAddSource(args json.RawMessage) (string, error) {
	var p struct {
		WorkspaceID string `json:"workspace_id"`
		Path        string `json:"path"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.Path == "" {
		return "", fmt.Errorf("path is required")
	}

	content, err := os.ReadFile(p.Path)
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	ws, err := t.manager.AddSource(p.WorkspaceID, filepath.Base(p.Path), content)
	if err != nil {
		return "", err
	}
	added := ws.Sources[len(ws.Sources)-1]
	return fmt.Sprintf("Added %s (%d bytes) to %s", added.Name, added.Size,
		filepath.Join(ws.InputDir(), added.Name)), nil
}

func (t *Tool) handleGetPath(args json.RawMessage) (string, error) {
	var p struct {
		WorkspaceID string `json:"workspace_id"`
		Dir         string `json:"dir"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}

	ws, err := t.manager.Get(p.WorkspaceID)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(p.Dir) {
	case "", "root":
		return ws.Path, nil
	case "input":
		return ws.InputDir(), nil
	case "steps":
		return filepath.Join(ws.Path, "steps"), nil
	case "output":
		return ws.OutputDir(), nil
	default:
		return "", fmt.Errorf("unknown dir %q: want root, input, steps, or output", p.Dir)
	}
}
