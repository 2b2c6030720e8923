// Package browser forwards browser_* tool calls to a daemon verbatim. The
// control plane never interprets these: the command type on the wire is the
// tool name and the params are the tool input minus the routing key, so
// daemons can grow new browser actions without a Prime deploy.
package browser

import (
	"context"
	"encoding/json"
	"time"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/registry"
)

// muxGrace is added to the command's own timeout so a slow page load gets
// reported by the daemon instead of the mux cutting it off first.
const muxGrace = 10 * time.Second

// defaultTimeout covers navigation and screenshots, which routinely take
// longer than shell commands.
const defaultTimeout = 60 * time.Second

// Commander sends one command to a connected daemon and waits for its
// result. *server.Server satisfies it.
type Commander interface {
	Send(ctx context.Context, daemonID, cmdType string, params map[string]any, timeout time.Duration) (map[string]any, error)
}

// Tool routes the browser_* family.
type Tool struct {
	registry *registry.Registry
	remote   Commander
}

var _ alfred.Tool = (*Tool)(nil)

// New creates the browser tool.
func New(reg *registry.Registry, remote Commander) *Tool {
	return &Tool{registry: reg, remote: remote}
}

// forwarded lists the tool names this package owns. Anything else is
// rejected locally instead of being sent to a daemon.
var forwarded = map[string]bool{
	"browser_navigate":   true,
	"browser_click":      true,
	"browser_type":       true,
	"browser_screenshot": true,
	"browser_get_text":   true,
	"browser_execute":    true,
}

// Definitions rebuilds the schemas per call so the machine descriptions
// name whichever daemons are connected right now.
func (t *Tool) Definitions() []alfred.ToolDefinition {
	machines := t.daemonList()
	machineProp := map[string]any{
		"type":        "string",
		"description": "Which daemon's browser to drive. Connected: " + machines,
	}

	return []alfred.ToolDefinition{
		{
			Name:        "browser_navigate",
			Description: "Open a URL in the browser on a daemon machine.",
			Parameters: schema(map[string]any{
				"machine": machineProp,
				"url":     prop("string", "URL to open"),
			}, "machine", "url"),
		},
		{
			Name:        "browser_click",
			Description: "Click an element in the daemon's browser.",
			Parameters: schema(map[string]any{
				"machine":  machineProp,
				"selector": prop("string", "CSS selector of the element to click"),
			}, "machine", "selector"),
		},
		{
			Name:        "browser_type",
			Description: "Type text into an input in the daemon's browser.",
			Parameters: schema(map[string]any{
				"machine":  machineProp,
				"selector": prop("string", "CSS selector of the input"),
				"text":     prop("string", "Text to type"),
			}, "machine", "selector", "text"),
		},
		{
			Name:        "browser_screenshot",
			Description: "Take a screenshot of the daemon's browser window.",
			Parameters: schema(map[string]any{
				"machine": machineProp,
				"path":    prop("string", "Where to save the image on the daemon (optional)"),
			}, "machine"),
		},
		{
			Name:        "browser_get_text",
			Description: "Read the text content of an element, or the whole page when no selector is given.",
			Parameters: schema(map[string]any{
				"machine":  machineProp,
				"selector": prop("string", "CSS selector to read (optional)"),
			}, "machine"),
		},
		{
			Name:        "browser_execute",
			Description: "Run JavaScript in the daemon's browser and return the result.",
			Parameters: schema(map[string]any{
				"machine": machineProp,
				"script":  prop("string", "JavaScript to evaluate"),
			}, "machine", "script"),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (alfred.ToolResult, error) {
	if !forwarded[name] {
		return alfred.ToolResult{Error: "unknown browser tool: " + name}, nil
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
		return alfred.ToolResult{Error: "browser tools need a machine: connected daemons are " + t.daemonList()}, nil
	}
	delete(params, "machine")

	h, isLocal, err := t.registry.Resolve(target)
	if err != nil {
		return alfred.ToolResult{Error: err.Error()}, nil
	}
	if isLocal {
		return alfred.ToolResult{Error: "browser tools run on daemons, not on prime: connected daemons are " + t.daemonList()}, nil
	}

	out, err := t.remote.Send(ctx, h.DaemonID, name, params, commandTimeout(params))
	if err != nil {
		return alfred.ToolResult{Error: err.Error()}, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return alfred.ToolResult{Error: "encoding result: " + err.Error()}, nil
	}
	return alfred.ToolResult{Content: string(raw)}, nil
}

func (t *Tool) daemonList() string {
	names := ""
	for _, h := range t.registry.Snapshot() {
		if names != "" {
			names += ", "
		}
		names += h.Name
	}
	if names == "" {
		return "(none)"
	}
	return names
}

func commandTimeout(params map[string]any) time.Duration {
	d := defaultTimeout
	if v, ok := params["timeout"].(float64); ok && v > 0 {
		d = time.Duration(v) * time.Second
	}
	return d + muxGrace
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
