package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/breezeflow"
)

// ToolFunc is the plain Go function behind a FuncTool.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// FuncTool adapts a standard Go function to the breezeflow.Tool interface.
type FuncTool struct {
	toolFunc    ToolFunc
	name        string
	description string
	category    string
	examples    []string
	parameters  breezeflow.ParameterSpec
	properties  map[string]any
	required    []string
	validator   func(map[string]any) error
}

// ToolOption represents an option for configuring a FuncTool.
type ToolOption func(*FuncTool)

// WithValidator sets a custom validator run after schema validation.
func WithValidator(validator func(map[string]any) error) ToolOption {
	return func(t *FuncTool) {
		t.validator = validator
	}
}

// WithCategory sets the tool's category.
func WithCategory(category string) ToolOption {
	return func(t *FuncTool) {
		t.category = category
	}
}

// WithDescription sets a detailed description for the tool.
func WithDescription(description string) ToolOption {
	return func(t *FuncTool) {
		t.description = description
	}
}

// WithParameters sets the full JSON schema of the tool's arguments,
// replacing any properties declared with WithProperty.
func WithParameters(parameters breezeflow.ParameterSpec) ToolOption {
	return func(t *FuncTool) {
		t.parameters = parameters
	}
}

// WithProperty declares one argument.
func WithProperty(name, jsonType, description string, required bool) ToolOption {
	return func(t *FuncTool) {
		prop := map[string]any{"type": jsonType}
		if description != "" {
			prop["description"] = description
		}
		t.properties[name] = prop
		if required {
			t.required = append(t.required, name)
		}
	}
}

// WithEnumProperty declares a string argument restricted to values.
func WithEnumProperty(name, description string, values []string, required bool) ToolOption {
	return func(t *FuncTool) {
		enum := make([]any, len(values))
		for i, v := range values {
			enum[i] = v
		}
		t.properties[name] = map[string]any{"type": "string", "description": description, "enum": enum}
		if required {
			t.required = append(t.required, name)
		}
	}
}

// WithExamples adds usage examples to the description shown to the model.
func WithExamples(examples []string) ToolOption {
	return func(t *FuncTool) {
		t.examples = append(t.examples, examples...)
	}
}

// NewFuncTool creates a new tool backed by toolFunc.
func NewFuncTool(name string, toolFunc ToolFunc, options ...ToolOption) *FuncTool {
	t := &FuncTool{
		toolFunc:   toolFunc,
		name:       name,
		properties: make(map[string]any),
	}

	for _, option := range options {
		option(t)
	}

	return t
}

// Name implements the breezeflow.Tool interface.
func (t *FuncTool) Name() string {
	return t.name
}

// Category returns the tool's category, if any.
func (t *FuncTool) Category() string {
	return t.category
}

// Schema implements the breezeflow.Tool interface.
func (t *FuncTool) Schema() breezeflow.ToolSchema {
	params := t.parameters
	if params == nil {
		params = breezeflow.ParameterSpec{
			"type":       "object",
			"properties": t.properties,
		}
		if len(t.required) > 0 {
			params["required"] = t.required
		}
	}

	description := t.description
	if len(t.examples) > 0 {
		description = fmt.Sprintf("%s Examples: %s", description, strings.Join(t.examples, "; "))
	}

	return breezeflow.ToolSchema{
		Name:        t.name,
		Description: strings.TrimSpace(description),
		Parameters:  params,
	}
}

// Validate runs the custom validator, if any.
func (t *FuncTool) Validate(args map[string]any) error {
	if t.validator != nil {
		return t.validator(args)
	}
	return nil
}

// Invoke implements the breezeflow.Tool interface.
func (t *FuncTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	if t.toolFunc == nil {
		return nil, fmt.Errorf("tool function is nil")
	}

	if err := t.Validate(args); err != nil {
		return nil, fmt.Errorf("input validation failed for %s: %w", t.name, err)
	}

	return t.toolFunc(ctx, args)
}
