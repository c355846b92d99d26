package mcp

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

// ToolRegistry is the client-side view of the tools the server offered at the last discovery.
// It is for display and introspection only: CallTool never consults it, since tools are
// resolved by name on the server.
//
// Each successful ListTools replaces the snapshot wholesale. When the server announces that its
// tool list changed, the registry is marked stale until the next discovery.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools []Tool
	index map[string]int
	stale bool
	// generation counts list-changed announcements.
	generation uint64
}

// ToolArgument describes one property of a tool's input schema.
type ToolArgument struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

func newToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		index: make(map[string]int),
	}
}

// Tools returns a copy of the tools in discovery order.
func (r *ToolRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, len(r.tools))
	copy(tools, r.tools)
	return tools
}

// Lookup returns the tool named name. When the server listed the name more than once, the first
// occurrence is returned.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[name]
	if !ok {
		return Tool{}, false
	}
	return r.tools[i], true
}

// Stale reports whether the server announced a tool list change since the last discovery, or
// whether no discovery happened yet.
func (r *ToolRegistry) Stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.stale || r.tools == nil
}

// InputSchema parses the input schema of the tool named name.
func (r *ToolRegistry) InputSchema(name string) (*jsonschema.Schema, error) {
	tool, ok := r.Lookup(name)
	if !ok {
		return nil, &ToolNotFoundError{Name: name, Message: "not in the discovered tool list"}
	}
	if tool.InputSchema.IsNull() {
		return &jsonschema.Schema{Type: "object"}, nil
	}

	bs, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input schema of %q: %w", name, err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(bs, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse input schema of %q: %w", name, err)
	}
	return &schema, nil
}

// Arguments lists the top-level properties of the input schema of the tool named name, in the
// order the server declared them.
func (r *ToolRegistry) Arguments(name string) ([]ToolArgument, error) {
	schema, err := r.InputSchema(name)
	if err != nil {
		return nil, err
	}
	if schema.Properties == nil {
		return nil, nil
	}

	required := make(map[string]bool, len(schema.Required))
	for _, req := range schema.Required {
		required[req] = true
	}

	args := make([]ToolArgument, 0, schema.Properties.Len())
	for el := schema.Properties.Oldest(); el != nil; el = el.Next() {
		arg := ToolArgument{
			Name:     el.Key,
			Required: required[el.Key],
		}
		if el.Value != nil {
			arg.Type = el.Value.Type
			arg.Description = el.Value.Description
		}
		args = append(args, arg)
	}
	return args, nil
}

// generationNow returns the current generation, to be passed to replace once discovery ends.
func (r *ToolRegistry) generationNow() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.generation
}

// replace installs tools fetched during a discovery that started at generation gen. If the
// server announced a change since then, the new snapshot stays stale.
func (r *ToolRegistry) replace(tools []Tool, gen uint64) {
	index := make(map[string]int, len(tools))
	for i, t := range tools {
		if _, ok := index[t.Name]; !ok {
			index[t.Name] = i
		}
	}
	snapshot := make([]Tool, len(tools))
	copy(snapshot, tools)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools = snapshot
	r.index = index
	r.stale = r.generation != gen
}

func (r *ToolRegistry) markStale() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stale = true
	r.generation++
}
