package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ToolExecutor runs tool calls requested by a model.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (string, error)
	Definitions(names []string) []Tool
}

// ToolFunc implements a tool. args is the raw JSON argument object.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

type registeredTool struct {
	def Tool
	fn  ToolFunc
}

// ToolRegistry is a ToolExecutor backed by registered functions.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *ToolRegistry) Register(def Tool, fn ToolFunc) {
	if len(def.Parameters) == 0 {
		def.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = registeredTool{def: def, fn: fn}
}

// Execute runs the named tool.
func (r *ToolRegistry) Execute(ctx context.Context, call ToolCall) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	args := json.RawMessage(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return "", fmt.Errorf("tool %s: arguments are not valid JSON", call.Name)
	}
	return t.fn(ctx, args)
}

// Definitions returns the definitions of the named tools that exist, in name
// order. A nil names slice returns every tool.
func (r *ToolRegistry) Definitions(names []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []Tool
	if names == nil {
		for _, t := range r.tools {
			defs = append(defs, t.def)
		}
	} else {
		for _, n := range names {
			if t, ok := r.tools[n]; ok {
				defs = append(defs, t.def)
			}
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
