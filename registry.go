package cxp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ToolHandler is the contract a tool must satisfy to be registered and
// invoked. Invoke receives arguments that already passed schema validation
// and returns the result payload or an error. The invocation is an opaque
// asynchronous operation: it may block on ctx for as long as it needs, and
// must honor ctx cancellation on a best-effort basis.
//
// Returning a wire Error preserves its code on the response; any other
// error is reported as an internal error. Handlers never mutate registry
// entries.
type ToolHandler interface {
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// ToolHandlerFunc adapts a function to the ToolHandler interface.
type ToolHandlerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Invoke implements ToolHandler.
func (f ToolHandlerFunc) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, args)
}

type toolEntry struct {
	tool    Tool
	schema  *ArgumentSchema
	handler ToolHandler
}

// Registry maps tool names to their input schema and handler. It
// exclusively owns the mapping; handlers are invoked but never mutate
// entries. Registration may interleave with concurrent lookups: a reader
// either misses a tool entirely or observes it fully constructed.
//
// Registration normally happens before a connection reaches the ready
// phase. Registering later is allowed and takes effect for requests
// arriving after the registration, with no retroactive effect on
// already-dispatched ones.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*toolEntry
	order   []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*toolEntry),
	}
}

// Register adds a tool under its name. The tool's InputSchema, when
// present, is compiled here so schema defects surface at registration.
// Returns ErrDuplicateTool if the name is already taken.
func (r *Registry) Register(tool Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler must not be nil", tool.Name)
	}

	var schema *ArgumentSchema
	if tool.InputSchema != nil {
		var err error
		schema, err = CompileSchema(tool.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %q: %w", tool.Name, err)
		}
	}

	entry := &toolEntry{tool: tool, schema: schema, handler: handler}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[tool.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
	}
	r.entries[tool.Name] = entry
	r.order = append(r.order, tool.Name)
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return Tool{}, false
	}
	return entry.tool, true
}

// List returns the registered tools in registration order. This is the
// data advertised during negotiation and by tools/list.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.entries[name].tool)
	}
	return tools
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

func (r *Registry) entry(name string) (*toolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	return entry, ok
}
