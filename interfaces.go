package breezeflow

import "context"

// Gateway is the single point of contact with a language model backend.
type Gateway interface {
	// Complete sends messages (and optionally tool schemas) and returns the
	// model's reply. A reply may carry ToolCalls instead of, or besides, text.
	Complete(ctx context.Context, messages []Message, tools []ToolSchema, opts CompletionOptions) (Message, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, messages []Message, tools []ToolSchema, opts CompletionOptions) (Message, error)

func (f GatewayFunc) Complete(ctx context.Context, messages []Message, tools []ToolSchema, opts CompletionOptions) (Message, error) {
	return f(ctx, messages, tools, opts)
}

// StreamingGateway is a Gateway that can also hand out the reply text as it
// is generated. onDelta receives the chunks in order; the returned Message
// holds the whole reply, exactly as Complete would.
type StreamingGateway interface {
	Gateway
	CompleteStream(ctx context.Context, messages []Message, tools []ToolSchema, opts CompletionOptions, onDelta func(string)) (Message, error)
}

// Tool is an executable capability exposed to the planner.
type Tool interface {
	Name() string
	Schema() ToolSchema
	// Invoke runs the tool with validated arguments and returns its payload.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// ToolRegistry maps tool names to implementations.
type ToolRegistry interface {
	// ListSchemas returns every registered schema in registration order.
	ListSchemas() []ToolSchema
	// Has reports whether a tool with name is registered.
	Has(name string) bool
	// Invoke validates args against the tool schema and runs it. Failures are
	// reported as ToolNotFound or ToolExecutionError.
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// Rewriter turns a raw user utterance into a standalone query.
type Rewriter interface {
	Rewrite(ctx context.Context, raw string, history History) (string, error)
}

// Planner chooses the tool calls needed to answer a query.
type Planner interface {
	Plan(ctx context.Context, query string, tools []ToolSchema, history History) (Plan, error)
}

// Executor runs a plan and returns exactly one result per planned call, in
// plan order. Failures are captured per call, never returned.
type Executor interface {
	Execute(ctx context.Context, plan Plan, registry ToolRegistry) []ToolCallResult
}

// Synthesizer produces the final natural language answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, in SynthesisInput) (string, error)
}

// ConversationManager owns the stored histories of all sessions.
type ConversationManager interface {
	// GetHistory returns a copy of the session's history; unknown sessions are empty.
	GetHistory(ctx context.Context, sessionID string) (History, error)
	// AppendTurn stores user, tools and assistant in that order, provided the
	// stored length still equals expectedLen. Otherwise it fails with
	// HistoryWriteConflict and stores nothing.
	AppendTurn(ctx context.Context, sessionID string, expectedLen int, user, assistant Message, tools []Message) (History, error)
	// Lock serialises turns on one session. The returned func releases it.
	Lock(ctx context.Context, sessionID string) (func(), error)
}

// MetaRouter decides whether a query is about the assistant itself rather
// than a task for tools.
type MetaRouter interface {
	IsMeta(ctx context.Context, query string) bool
}

// Cache provides storage for frequently accessed data, like generated plans.
type Cache interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any) error
}
