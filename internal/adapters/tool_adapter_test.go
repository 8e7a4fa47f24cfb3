package adapters

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func okFunc(ctx context.Context, args map[string]any) (any, error) {
	return map[string]any{"ok": true}, nil
}

func failFunc(ctx context.Context, args map[string]any) (any, error) {
	return nil, errors.New("fail")
}

func TestFuncTool_Invoke_SuccessAndFailure(t *testing.T) {
	tool := NewFuncTool("dummy", okFunc)
	res, err := tool.Invoke(context.Background(), map[string]any{})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if res.(map[string]any)["ok"] != true {
		t.Errorf("expected ok=true, got %v", res)
	}

	failing := NewFuncTool("dummy", failFunc)
	if _, err := failing.Invoke(context.Background(), map[string]any{}); err == nil {
		t.Error("expected error for failing tool, got nil")
	}

	var nilTool FuncTool
	if _, err := nilTool.Invoke(context.Background(), nil); err == nil {
		t.Error("expected error for nil tool function")
	}
}

func TestFuncTool_Validate(t *testing.T) {
	tool := NewFuncTool("dummy", okFunc, WithValidator(func(args map[string]any) error {
		if args["bad"] == true {
			return errors.New("bad input")
		}
		return nil
	}))
	if _, err := tool.Invoke(context.Background(), map[string]any{"bad": true}); err == nil {
		t.Error("expected error for bad input, got nil")
	}
	if err := tool.Validate(map[string]any{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFuncTool_Schema(t *testing.T) {
	tool := NewFuncTool("echo", okFunc,
		WithDescription("Echo text back."),
		WithCategory("Utility"),
		WithProperty("text", "string", "Text to echo", true),
		WithEnumProperty("mode", "Echo mode", []string{"plain", "upper"}, false),
		WithExamples([]string{`echo {"text":"hi"}`}),
	)

	schema := tool.Schema()
	if schema.Name != "echo" {
		t.Errorf("unexpected name %q", schema.Name)
	}
	if !strings.HasPrefix(schema.Description, "Echo text back.") || !strings.Contains(schema.Description, "Examples:") {
		t.Errorf("unexpected description %q", schema.Description)
	}
	if schema.Parameters["type"] != "object" {
		t.Errorf("expected object schema, got %v", schema.Parameters["type"])
	}
	props := schema.Parameters["properties"].(map[string]any)
	if _, ok := props["text"]; !ok {
		t.Error("missing text property")
	}
	required := schema.Parameters["required"].([]string)
	if len(required) != 1 || required[0] != "text" {
		t.Errorf("unexpected required list %v", required)
	}
	if tool.Category() != "Utility" {
		t.Errorf("unexpected category %q", tool.Category())
	}
}
