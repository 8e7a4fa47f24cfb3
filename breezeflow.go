// Package breezeflow provides the core runtime of a conversational agent:
// each user turn is rewritten, planned, executed against registered tools,
// synthesized into an answer and appended to the conversation history.
package breezeflow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
	"github.com/google/uuid"
	"goa.design/clue/log"
)

// Orchestrator is the main entry point into the breezeflow runtime.
// It sequences the pipeline components for every turn.
type Orchestrator struct {
	// Core components
	rewriter    Rewriter
	planner     Planner
	executor    Executor
	synthesizer Synthesizer
	registry    ToolRegistry
	history     ConversationManager
	metaRouter  MetaRouter
	eventBus    eventbus.EventBus
	ownsBus     bool

	hooks []TransitionHook

	// Configuration
	config Config

	// Async turns
	asyncTurns      map[string]*asyncTurn
	asyncTurnsMutex sync.RWMutex
}

// Config holds the configuration options for the Orchestrator.
type Config struct {
	// TurnTimeout bounds a whole turn; zero means only the caller's context applies.
	TurnTimeout time.Duration

	// MaxHistoryItems bounds history accepted from foreign callers.
	MaxHistoryItems int

	// EnableMetaRouting answers questions about the assistant without tools.
	EnableMetaRouting bool

	// Event bus configuration
	EnableEventBus      bool
	EventBusBufferSize  int
	EventBusWorkerCount int
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TurnTimeout:         0,
		MaxHistoryItems:     DefaultMaxHistoryItems,
		EnableMetaRouting:   false,
		EnableEventBus:      true,
		EventBusBufferSize:  100,
		EventBusWorkerCount: 5,
	}
}

// Option is a function that configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets the configuration.
func WithConfig(config Config) Option {
	return func(o *Orchestrator) {
		o.config = config
	}
}

// WithRewriter sets the query rewriter.
func WithRewriter(rewriter Rewriter) Option {
	return func(o *Orchestrator) {
		o.rewriter = rewriter
	}
}

// WithPlanner sets the planner.
func WithPlanner(planner Planner) Option {
	return func(o *Orchestrator) {
		o.planner = planner
	}
}

// WithExecutor sets the tool executor.
func WithExecutor(executor Executor) Option {
	return func(o *Orchestrator) {
		o.executor = executor
	}
}

// WithSynthesizer sets the synthesis generator.
func WithSynthesizer(synthesizer Synthesizer) Option {
	return func(o *Orchestrator) {
		o.synthesizer = synthesizer
	}
}

// WithRegistry sets the tool registry.
func WithRegistry(registry ToolRegistry) Option {
	return func(o *Orchestrator) {
		o.registry = registry
	}
}

// WithConversationManager sets the session history store used by AnswerSession.
func WithConversationManager(manager ConversationManager) Option {
	return func(o *Orchestrator) {
		o.history = manager
	}
}

// WithMetaRouter sets the router consulted when meta routing is enabled.
func WithMetaRouter(router MetaRouter) Option {
	return func(o *Orchestrator) {
		o.metaRouter = router
	}
}

// WithTransitionHook registers a hook called on every state change of every turn.
func WithTransitionHook(hook TransitionHook) Option {
	return func(o *Orchestrator) {
		if hook != nil {
			o.hooks = append(o.hooks, hook)
		}
	}
}

// New creates a new Orchestrator with the provided options.
func New(options ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config:     DefaultConfig(),
		asyncTurns: make(map[string]*asyncTurn),
	}

	for _, option := range options {
		option(o)
	}

	if o.rewriter == nil {
		return nil, NewConfigurationError("rewriter is required", nil)
	}
	if o.planner == nil {
		return nil, NewConfigurationError("planner is required", nil)
	}
	if o.executor == nil {
		return nil, NewConfigurationError("executor is required", nil)
	}
	if o.synthesizer == nil {
		return nil, NewConfigurationError("synthesizer is required", nil)
	}
	if o.registry == nil {
		return nil, NewConfigurationError("tool registry is required", nil)
	}
	if o.config.EnableMetaRouting && o.metaRouter == nil {
		return nil, NewConfigurationError("meta routing is enabled but no meta router is set", nil)
	}
	if o.config.MaxHistoryItems <= 0 {
		o.config.MaxHistoryItems = DefaultMaxHistoryItems
	}

	if o.config.EnableEventBus && o.eventBus == nil {
		o.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(o.config.EventBusBufferSize),
			eventbus.WithWorkerCount(o.config.EventBusWorkerCount),
		)
		o.ownsBus = true
	}

	return o, nil
}

// Close releases the event bus if the Orchestrator created it.
func (o *Orchestrator) Close() error {
	if o.ownsBus && o.eventBus != nil {
		return o.eventBus.Close()
	}
	return nil
}

// EventBus returns the bus turn events are published on, or nil.
func (o *Orchestrator) EventBus() eventbus.EventBus {
	if !o.config.EnableEventBus {
		return nil
	}
	return o.eventBus
}

// Config returns the active configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

// ListTools returns the schemas of every registered tool.
func (o *Orchestrator) ListTools() []ToolSchema {
	return o.registry.ListSchemas()
}

// History returns the stored history of a session.
func (o *Orchestrator) History(ctx context.Context, sessionID string) (History, error) {
	if o.history == nil {
		return nil, NewConfigurationError("no conversation manager configured", nil)
	}
	return o.history.GetHistory(ctx, sessionID)
}

// Answer runs a single stateless turn.
func (o *Orchestrator) Answer(ctx context.Context, query string) (string, error) {
	answer, _, err := o.AnswerWithHistory(ctx, query, nil)
	return answer, err
}

// AnswerWithHistory runs a turn on caller-owned history and returns the
// answer with a new history value. The input history is never modified; on
// failure the returned history is nil.
func (o *Orchestrator) AnswerWithHistory(ctx context.Context, query string, history History) (string, History, error) {
	if err := validateQuery(query); err != nil {
		return "", nil, err
	}
	if err := history.Validate(); err != nil {
		return "", nil, err
	}

	snapshot := history.Clone()
	tc := NewTurnContext(uuid.New().String(), "", query, snapshot, &localSink{base: snapshot})
	answer, err := o.runTurn(ctx, tc)
	if err != nil {
		return "", nil, err
	}
	return answer, tc.NewHistory, nil
}

// AnswerSession runs a turn on a stored session. Turns of the same session
// are serialized; the whole turn is appended or nothing is.
func (o *Orchestrator) AnswerSession(ctx context.Context, sessionID, query string) (string, error) {
	tc, err := o.prepareSessionTurn(ctx, uuid.New().String(), sessionID, query)
	if err != nil {
		return "", err
	}
	defer tc.release()
	return o.runTurn(ctx, tc.TurnContext)
}

// sessionTurn is a TurnContext holding its session lock.
type sessionTurn struct {
	*TurnContext
	release func()
}

func (o *Orchestrator) prepareSessionTurn(ctx context.Context, turnID, sessionID, query string) (*sessionTurn, error) {
	if o.history == nil {
		return nil, NewConfigurationError("no conversation manager configured", nil)
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, NewValidationError("input", "session id must not be empty", nil)
	}
	if err := validateQuery(query); err != nil {
		return nil, err
	}

	release, err := o.history.Lock(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewCancelledError("input", ctx.Err())
		}
		return nil, err
	}

	history, err := o.history.GetHistory(ctx, sessionID)
	if err != nil {
		release()
		return nil, err
	}

	sink := &sessionSink{manager: o.history, sessionID: sessionID, expectedLen: len(history)}
	return &sessionTurn{
		TurnContext: NewTurnContext(turnID, sessionID, query, history, sink),
		release:     release,
	}, nil
}

func validateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return NewValidationError("input", "query must not be empty", nil)
	}
	return nil
}

// createStateMachine builds a state machine wired to the configured components.
func (o *Orchestrator) createStateMachine() *StateMachine {
	components := TurnComponents{
		Rewriter:    o.rewriter,
		Planner:     o.planner,
		Executor:    o.executor,
		Synthesizer: o.synthesizer,
		Registry:    o.registry,
	}
	if o.config.EnableMetaRouting {
		components.MetaRouter = o.metaRouter
	}

	sm := CreateTurnStateMachine(components, o.EventBus())
	for _, hook := range o.hooks {
		sm.OnTransition(hook)
	}
	return sm
}

// runTurn drives tc through the state machine and reports the outcome.
func (o *Orchestrator) runTurn(ctx context.Context, tc *TurnContext) (string, error) {
	sm := o.createStateMachine()
	sm.SetTurnTimeout(o.config.TurnTimeout)
	answer, err := sm.Execute(ctx, tc)

	// The caller's context may be done; outcome events and logs must still go out.
	bg := context.WithoutCancel(ctx)
	fields := []log.Fielder{
		log.KV{K: "turn_id", V: tc.TurnID},
		log.KV{K: "session_id", V: tc.SessionID},
		log.KV{K: "tool_calls", V: tc.Plan.Size()},
		log.KV{K: "duration_ms", V: tc.GetTotalDuration().Milliseconds()},
	}

	switch tc.State() {
	case StateCancelled:
		log.Warn(bg, append([]log.Fielder{log.KV{K: "msg", V: "turn cancelled"}, log.KV{K: "stage", V: string(tc.ErrorStage())}}, fields...)...)
		publish(bg, o.EventBus(), eventbus.EventTurnCancelled, tc.RawInput, "Orchestrator.runTurn", map[string]any{
			"turn_id":    tc.TurnID,
			"session_id": tc.SessionID,
			"stage":      string(tc.ErrorStage()),
		})
	case StateErrored:
		log.Error(bg, err, append([]log.Fielder{log.KV{K: "msg", V: "turn failed"}, log.KV{K: "stage", V: string(tc.ErrorStage())}}, fields...)...)
		publish(bg, o.EventBus(), eventbus.EventTurnFailed, err.Error(), "Orchestrator.runTurn", map[string]any{
			"turn_id":    tc.TurnID,
			"session_id": tc.SessionID,
			"stage":      string(tc.ErrorStage()),
			"code":       CodeOf(err),
		})
	default:
		log.Info(bg, append([]log.Fielder{log.KV{K: "msg", V: "turn completed"}}, fields...)...)
		publish(bg, o.EventBus(), eventbus.EventTurnCompleted, answer, "Orchestrator.runTurn", map[string]any{
			"turn_id":    tc.TurnID,
			"session_id": tc.SessionID,
		})
	}

	return answer, err
}
