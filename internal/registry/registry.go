// Package registry maps tool names to implementations and validates call
// arguments against each tool's JSON schema before invoking it.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"runtime/debug"
	"sync"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"
)

const stage = "executing"

var validName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

type entry struct {
	tool   breezeflow.Tool
	schema breezeflow.ToolSchema
	// compiled is nil when the tool declares no parameters.
	compiled *jsonschema.Schema
}

// Registry is a concurrency safe breezeflow.ToolRegistry.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
	order []string
}

var _ breezeflow.ToolRegistry = (*Registry)(nil)

// New creates a registry holding tools. It fails on the first tool that
// cannot be registered.
func New(tools ...breezeflow.Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*entry)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds tool. Names must be unique and the parameter schema must compile.
func (r *Registry) Register(tool breezeflow.Tool) error {
	if tool == nil {
		return breezeflow.NewConfigurationError("tool is nil", nil)
	}
	schema := tool.Schema()
	if schema.Name == "" {
		schema.Name = tool.Name()
	}
	if schema.Name != tool.Name() {
		return breezeflow.NewConfigurationError(
			fmt.Sprintf("tool name %q does not match schema name %q", tool.Name(), schema.Name), nil)
	}
	if !validName.MatchString(schema.Name) {
		return breezeflow.NewConfigurationError(fmt.Sprintf("invalid tool name %q", schema.Name), nil)
	}

	params, err := copyParameters(schema.Parameters)
	if err != nil {
		return breezeflow.NewConfigurationError(fmt.Sprintf("tool %q has unserializable parameters", schema.Name), err)
	}
	schema.Parameters = params

	compiled, err := compileSchema(schema)
	if err != nil {
		return breezeflow.NewConfigurationError(fmt.Sprintf("tool %q has an invalid parameter schema", schema.Name), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[schema.Name]; exists {
		return breezeflow.NewConfigurationError(fmt.Sprintf("tool %q already registered", schema.Name), nil)
	}
	r.tools[schema.Name] = &entry{tool: tool, schema: schema, compiled: compiled}
	r.order = append(r.order, schema.Name)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(tool breezeflow.Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// ListSchemas returns a copy of every schema in registration order.
func (r *Registry) ListSchemas() []breezeflow.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]breezeflow.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		s := r.tools[name].schema
		// Registered parameters are always JSON round-trippable.
		s.Parameters, _ = copyParameters(s.Parameters)
		out = append(out, s)
	}
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (breezeflow.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Invoke validates args and runs the named tool. The payload is rendered
// with breezeflow.FormatPayload. A panicking tool is reported as a
// ToolExecutionError.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (payload string, err error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", breezeflow.NewToolNotFoundError(stage, name)
	}
	if args == nil {
		args = map[string]any{}
	}

	if e.compiled != nil {
		if verr := validate(e.compiled, args); verr != nil {
			return "", breezeflow.NewToolExecutionError(stage, name, fmt.Errorf("invalid arguments: %w", verr))
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error(ctx, fmt.Errorf("tool panicked: %v", rec),
				log.KV{K: "tool", V: name},
				log.KV{K: "stack", V: string(debug.Stack())})
			payload = ""
			err = breezeflow.NewToolExecutionError(stage, name, fmt.Errorf("panic: %v", rec))
		}
	}()

	out, err := e.tool.Invoke(ctx, args)
	if err != nil {
		if breezeflow.IsBreezeError(err) {
			return "", err
		}
		return "", breezeflow.NewToolExecutionError(stage, name, err)
	}

	payload, err = breezeflow.FormatPayload(out)
	if err != nil {
		return "", breezeflow.NewToolExecutionError(stage, name, fmt.Errorf("unserializable result: %w", err))
	}
	return payload, nil
}

func compileSchema(schema breezeflow.ToolSchema) (*jsonschema.Schema, error) {
	if len(schema.Parameters) == 0 {
		return nil, nil
	}
	doc, err := toJSONValue(schema.Parameters)
	if err != nil {
		return nil, err
	}
	url := "mem://tools/" + schema.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func validate(schema *jsonschema.Schema, args map[string]any) error {
	v, err := toJSONValue(args)
	if err != nil {
		return err
	}
	return schema.Validate(v)
}

// toJSONValue converts v to the generic form the validator expects
// (json.Number for numbers, []any for arrays).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

func copyParameters(p breezeflow.ParameterSpec) (breezeflow.ParameterSpec, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out breezeflow.ParameterSpec
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
