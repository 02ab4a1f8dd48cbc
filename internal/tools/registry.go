// Package tools holds the agent tool registry and the built-in tools:
// memory, files, web access, and scripts. Orchestration and dashboard
// tools are registered by their owning packages.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/seanchangg/dyno/internal/llm"
)

// Handler executes one tool call. It returns the string fed back to the
// model as the tool result.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a registered tool.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any // JSON Schema for the arguments
	ReadOnly    bool           // read-only tools are auto-approved
	Handler     Handler

	compiled *jsonschema.Schema
}

// Registry maps tool names to handlers. Argument JSON is validated
// against the tool's schema before the handler runs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. The schema is compiled eagerly so a malformed
// definition fails at startup, not at call time.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tools: tool name must be non-empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %s has no handler", t.Name)
	}
	if t.Schema == nil {
		t.Schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	compiled, err := compileSchema(t.Name, t.Schema)
	if err != nil {
		return fmt.Errorf("tools: schema for %s: %w", t.Name, err)
	}
	t.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tools: duplicate tool %s", t.Name)
	}
	r.tools[t.Name] = &t
	return nil
}

// MustRegister is Register for static definitions built at startup.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ReadOnly reports whether the named tool is registered and read-only.
// Unknown tools are not read-only.
func (r *Registry) ReadOnly(name string) bool {
	t, ok := r.Lookup(name)
	return ok && t.ReadOnly
}

// Defs returns the tool definitions offered to the model, sorted by name
// for a stable prompt.
func (r *Registry) Defs() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Call validates args against the tool's schema and runs its handler.
// An unknown tool or invalid arguments return an error without invoking
// anything.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("tools: unknown tool %q", name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return "", fmt.Errorf("tools: %s: invalid argument JSON: %w", name, err)
	}
	if err := t.compiled.Validate(value); err != nil {
		return "", fmt.Errorf("tools: %s: invalid arguments: %w", name, err)
	}
	return t.Handler(ctx, args)
}

// Without returns a copy of the registry with the named tools removed.
// Child sessions get the parent's tools minus the orchestration set.
func (r *Registry) Without(names ...string) *Registry {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	out := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, t := range r.tools {
		if _, skip := drop[name]; skip {
			continue
		}
		copied := *t
		out.tools[name] = &copied
	}
	return out
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// objectSchema is shorthand for the common object-with-properties schema.
func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
