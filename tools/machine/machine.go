// Package machine implements the machine-routed tools: shell execution
// and file access on Prime itself or on any connected daemon. The target
// is named per call; "prime" (and its aliases) runs locally, anything
// else goes through the command mux.
package machine

import (
	"context"
	"encoding/json"
	"time"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/localexec"
	"github.com/0xcha05/alfred/internal/registry"
	"github.com/0xcha05/alfred/internal/wire"
)

// muxGrace is added to the command's own timeout so a slow daemon gets to
// report its own failure instead of the mux cutting it off first.
const muxGrace = 10 * time.Second

// Commander sends one command to a connected daemon and waits for its
// result. *server.Server satisfies it.
type Commander interface {
	Send(ctx context.Context, daemonID, cmdType string, params map[string]any, timeout time.Duration) (map[string]any, error)
}

// Tool routes execute_shell, read_file, write_file, and list_files.
type Tool struct {
	registry *registry.Registry
	remote   Commander
	local    *localexec.Executor
}

var _ alfred.Tool = (*Tool)(nil)

// New creates the machine tool.
func New(reg *registry.Registry, remote Commander, local *localexec.Executor) *Tool {
	return &Tool{registry: reg, remote: remote, local: local}
}

// wireCommands maps tool names to daemon command types.
var wireCommands = map[string]string{
	"execute_shell": wire.CmdShell,
	"read_file":     wire.CmdReadFile,
	"write_file":    wire.CmdWriteFile,
	"list_files":    wire.CmdListFiles,
}

// Definitions rebuilds the schemas on every call so the machine option
// list names whichever daemons are connected right now.
func (t *Tool) Definitions() []alfred.ToolDefinition {
	machines := t.machineList()
	machineProp := map[string]any{
		"type":        "string",
		"description": "Which machine to run on. Options: " + machines + ". Default: prime",
	}

	return []alfred.ToolDefinition{
		{
			Name:        "execute_shell",
			Description: "Execute a shell command on a machine. Available: " + machines + ". Use 'prime' for this server.",
			Parameters: schema(map[string]any{
				"command":           prop("string", "The shell command to execute"),
				"machine":           machineProp,
				"working_directory": prop("string", "Directory to run in (default: process working directory)"),
				"timeout":           prop("integer", "Seconds before the command is killed (default 60)"),
				"use_sudo":          prop("boolean", "Run the command with sudo"),
			}, "command"),
		},
		{
			Name:        "read_file",
			Description: "Read a file from a machine. Available: " + machines,
			Parameters: schema(map[string]any{
				"path":    prop("string", "Path to the file"),
				"machine": machineProp,
				"offset":  prop("integer", "First line to return, 0-based"),
				"limit":   prop("integer", "Maximum number of lines to return"),
			}, "path"),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file on a machine. Available: " + machines,
			Parameters: schema(map[string]any{
				"path":    prop("string", "Path to the file"),
				"content": prop("string", "Content to write"),
				"machine": machineProp,
				"append":  prop("boolean", "Append instead of overwrite"),
				"mode":    prop("string", "Octal permission bits for new files, e.g. 0644"),
			}, "path", "content"),
		},
		{
			Name:        "list_files",
			Description: "List files in a directory on a machine. Available: " + machines,
			Parameters: schema(map[string]any{
				"path":      prop("string", "Directory path"),
				"machine":   machineProp,
				"recursive": prop("boolean", "Descend into subdirectories"),
				"pattern":   prop("string", "Glob filter on file names, e.g. *.log"),
			}, "path"),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (alfred.ToolResult, error) {
	cmdType, ok := wireCommands[name]
	if !ok {
		return alfred.ToolResult{Error: "unknown machine tool: " + name}, nil
	}

	var params map[string]any
	if err := json.Unmarshal(args, &params); err != nil {
		return alfred.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params == nil {
		params = map[string]any{}
	}

	target, _ := params["machine"].(string)
	if target == "" {
		target = "prime"
	}
	delete(params, "machine")

	h, isLocal, err := t.registry.Resolve(target)
	if err != nil {
		return alfred.ToolResult{Error: err.Error()}, nil
	}

	var out map[string]any
	if isLocal {
		out = t.local.Handle(ctx, cmdType, params)
	} else {
		out, err = t.remote.Send(ctx, h.DaemonID, cmdType, params, commandTimeout(params))
		if err != nil {
			return alfred.ToolResult{Error: err.Error()}, nil
		}
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return alfred.ToolResult{Error: "encoding result: " + err.Error()}, nil
	}
	return alfred.ToolResult{Content: string(raw)}, nil
}

func (t *Tool) machineList() string {
	names := "prime"
	for _, h := range t.registry.Snapshot() {
		names += ", " + h.Name
	}
	return names
}

// commandTimeout derives the mux deadline from the command's own timeout.
func commandTimeout(params map[string]any) time.Duration {
	secs := 60
	if v, ok := params["timeout"].(float64); ok && v > 0 {
		secs = int(v)
	}
	return time.Duration(secs)*time.Second + muxGrace
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func schema(props map[string]any, required ...string) json.RawMessage {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	raw, err := json.Marshal(s)
	if err != nil {
		panic(err) // static schemas only; unreachable with JSON-safe maps
	}
	return raw
}
