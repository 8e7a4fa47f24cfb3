package breezeflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role tags a message with its author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is one entry of a conversation.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
	// Name carries the tool name on tool messages.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// ToolCallID is set only on tool messages.
	ToolCallID string `json:"tool_call_id,omitempty" yaml:"tool_call_id,omitempty"`
	// ToolCalls is set only on assistant messages that requested tools.
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
}

func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string, calls ...ToolCallRequest) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// NewToolMessage turns a tool result into the tool message recorded in history.
func NewToolMessage(result ToolCallResult) Message {
	return Message{
		Role:       RoleTool,
		Name:       result.ToolName,
		ToolCallID: result.RequestID,
		Content:    result.Text(),
	}
}

// ParameterSpec is a JSON-schema object describing a tool's arguments.
type ParameterSpec map[string]any

// ToolSchema describes a registered tool to the planner.
type ToolSchema struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Parameters  ParameterSpec `json:"parameters"`
}

// ToolCallRequest is one tool invocation chosen by the planner.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// ResultStatus is the outcome of a tool call.
type ResultStatus string

const (
	StatusOK    ResultStatus = "ok"
	StatusError ResultStatus = "error"
)

// ToolErrorPrefix marks failed tool output wherever it is rendered as text.
const ToolErrorPrefix = "[ToolError]"

// ToolCallResult is the outcome of one ToolCallRequest, matched by RequestID.
type ToolCallResult struct {
	RequestID   string        `json:"request_id"`
	ToolName    string        `json:"tool_name"`
	Status      ResultStatus  `json:"status"`
	Payload     string        `json:"payload,omitempty"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	Code        string        `json:"code,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// OK reports whether the call succeeded.
func (r ToolCallResult) OK() bool {
	return r.Status == StatusOK
}

// Text renders the result the way it is shown to the model and stored in history.
func (r ToolCallResult) Text() string {
	if r.OK() {
		return r.Payload
	}
	return fmt.Sprintf("%s %s", ToolErrorPrefix, r.ErrorDetail)
}

// NewOKResult builds a successful result for call.
func NewOKResult(call ToolCallRequest, payload string, took time.Duration) ToolCallResult {
	return ToolCallResult{
		RequestID: call.ID,
		ToolName:  call.ToolName,
		Status:    StatusOK,
		Payload:   payload,
		Duration:  took,
	}
}

// NewErrorResult builds a failed result for call from err.
func NewErrorResult(call ToolCallRequest, err error, took time.Duration) ToolCallResult {
	code := CodeOf(err)
	if code == "" {
		code = ErrCodeToolExecution
	}
	return ToolCallResult{
		RequestID:   call.ID,
		ToolName:    call.ToolName,
		Status:      StatusError,
		ErrorDetail: Detail(err),
		Code:        code,
		Duration:    took,
	}
}

// Plan is the set of tool invocations chosen for one turn. It may be empty.
type Plan struct {
	// Calls holds every requested call in model order, including rejected ones.
	Calls []ToolCallRequest `json:"calls"`
	// Rejected holds pre-failed results keyed by request ID (e.g. unknown tools).
	Rejected map[string]ToolCallResult `json:"rejected,omitempty"`
	// Direct is the model's plain-text reply when no tool was chosen.
	Direct string `json:"direct,omitempty"`
}

// IsEmpty reports whether the plan requests no tool at all.
func (p Plan) IsEmpty() bool {
	return len(p.Calls) == 0
}

// Size returns the number of results an execution of p must produce.
func (p Plan) Size() int {
	return len(p.Calls)
}

// CompletionOptions are the per-call knobs passed to the Gateway.
type CompletionOptions struct {
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	MaxOutputTokens int           `json:"max_output_tokens" yaml:"max_output_tokens"`
	Temperature     float64       `json:"temperature" yaml:"temperature"`
}

// DefaultCompletionOptions returns the options used when none are configured.
func DefaultCompletionOptions() CompletionOptions {
	return CompletionOptions{
		Timeout:         30 * time.Second,
		MaxOutputTokens: 1000,
		Temperature:     0.5,
	}
}

// SynthesisInput bundles everything the synthesis step sees.
type SynthesisInput struct {
	OriginalQuery  string
	RewrittenQuery string
	Results        []ToolCallResult
	History        History
	// Meta marks a question about the assistant itself.
	Meta  bool
	Tools []ToolSchema
}

// ParseArguments normalises tool-call arguments that may arrive as a JSON
// string, raw bytes, or an already decoded object.
func ParseArguments(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case string:
		return decodeArguments([]byte(v))
	case []byte:
		return decodeArguments(v)
	case json.RawMessage:
		return decodeArguments(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, NewGatewayMalformedOutputError("planning", "tool arguments are not JSON serializable", err)
		}
		return decodeArguments(b)
	}
}

func decodeArguments(b []byte) (map[string]any, error) {
	if strings.TrimSpace(string(b)) == "" {
		return map[string]any{}, nil
	}
	args := map[string]any{}
	if err := json.Unmarshal(b, &args); err != nil {
		return nil, NewGatewayMalformedOutputError("planning", "tool arguments are not a JSON object", err)
	}
	return args, nil
}

// FormatPayload renders a tool return value as text. Strings pass through,
// everything else is JSON encoded.
func FormatPayload(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
