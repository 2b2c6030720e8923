package alfred

import (
	"context"
	"encoding/json"
	"sync"
)

// Tool defines an agent capability with one or more tool functions.
//
// Definitions may vary between calls: machine-routed tools rebuild their
// schemas from the live daemon registry so the model always sees the
// currently connected fleet.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry holds the registered tools and dispatches execution by name.
// The catalog is data: dispatch is a name lookup, nothing more.
//
// Dispatch goes through an index that is refreshed whenever the catalog is
// rebuilt, so a tool whose schemas change between rounds (the machine tools
// re-enumerate the fleet) is still found by a stable lookup instead of
// re-asking every tool for its definitions on each call.
type ToolRegistry struct {
	mu    sync.Mutex
	tools []Tool
	index map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{index: make(map[string]Tool)}
}

// Add registers a tool and indexes its current names.
func (r *ToolRegistry) Add(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = append(r.tools, t)
	for _, d := range t.Definitions() {
		r.index[d.Name] = t
	}
}

// AllDefinitions returns the definitions of every registered tool and
// refreshes the dispatch index. Called once per turn, not cached, so
// live-registry schemas stay fresh.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()

	var defs []ToolDefinition
	index := make(map[string]Tool, len(r.index))
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			defs = append(defs, d)
			index[d.Name] = t
		}
	}
	r.index = index
	return defs
}

// Execute dispatches a tool call by name. An unknown name is an error
// result, not an error return: the agent loop continues.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	r.mu.Lock()
	t := r.index[name]
	r.mu.Unlock()
	if t == nil {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
	return t.Execute(ctx, name, args)
}
