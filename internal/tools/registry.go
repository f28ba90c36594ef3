package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bashclaw/bashclaw/internal/hooks"
	"github.com/bashclaw/bashclaw/internal/providers"
)

// Registry holds registered tools and executes them with input validation
// and pre/post hook dispatch.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	hooks   *hooks.Registry
}

// NewRegistry creates an empty registry. hookReg may be nil.
func NewRegistry(hookReg *hooks.Registry) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		hooks:   hookReg,
	}
}

// Register adds a tool, compiling its input schema. A tool with an invalid
// schema is registered without validation.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	if s, err := compileSchema(t.Name(), t.Parameters()); err != nil {
		slog.Warn("tool schema did not compile, skipping input validation",
			"tool", t.Name(), "error", err)
	} else {
		r.schemas[t.Name()] = s
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Definitions returns provider tool definitions for the named tools.
func (r *Registry) Definitions(names []string) []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			defs = append(defs, ToProviderDef(t))
		}
	}
	return defs
}

// Execute runs a tool: validates arguments against the schema, fires the
// pre_tool modifying pipeline (which may rewrite arguments), invokes the
// handler, then fires the post_tool modifying pipeline (which may rewrite
// the result). Every failure path returns a Result whose
// ForLLM is a JSON error object so the model can react.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(errJSON(fmt.Sprintf("unknown tool: %s", name)))
	}

	if err := r.validate(name, args); err != nil {
		return ErrorResult(errJSON(fmt.Sprintf("invalid arguments: %v", err)))
	}

	if r.hooks != nil {
		p := r.hooks.Dispatch(ctx, hooks.EventPreTool, hooks.Payload{
			"tool": name,
			"args": args,
		})
		if blocked, _ := p["block"].(bool); blocked {
			reason, _ := p["block_reason"].(string)
			if reason == "" {
				reason = "blocked by hook"
			}
			return ErrorResult(errJSON(reason))
		}
		if next, ok := p["args"].(map[string]any); ok {
			args = next
		}
	}

	res := t.Execute(ctx, args)
	if res == nil {
		res = ErrorResult(errJSON("tool returned no result"))
	}

	if r.hooks != nil {
		p := r.hooks.Dispatch(ctx, hooks.EventPostTool, hooks.Payload{
			"tool":     name,
			"args":     args,
			"result":   res.ForLLM,
			"is_error": res.IsError,
		})
		// post_tool is modifying: a hook may rewrite the result the model
		// sees.
		if next, ok := p["result"].(string); ok {
			res.ForLLM = next
		}
	}
	return res
}

func (r *Registry) validate(name string, args map[string]any) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return schema.Validate(args)
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// errJSON renders a handler error in the uniform {"error": ...} shape.
func errJSON(reason string) string {
	b, _ := json.Marshal(map[string]string{"error": reason})
	return string(b)
}
