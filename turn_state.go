package breezeflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ZanzyTHEbar/breezeflow"

// TurnState is a stage of the per-turn state machine.
type TurnState string

const (
	StateIdle         TurnState = "idle"
	StateRewriting    TurnState = "rewriting"
	StatePlanning     TurnState = "planning"
	StateExecuting    TurnState = "executing"
	StateSynthesizing TurnState = "synthesizing"
	StateAppending    TurnState = "appending"
	// StateErrored and StateCancelled are absorbing.
	StateErrored   TurnState = "errored"
	StateCancelled TurnState = "cancelled"
)

// TurnContext carries the data of one turn through the state machine.
// Fields set by transitions are read by later transitions only; readers on
// other goroutines go through the locked accessors.
type TurnContext struct {
	TurnID    string
	SessionID string
	RawInput  string
	// History is the snapshot the turn started from; it is never mutated.
	History History
	Sink    HistorySink

	RewrittenQuery string
	Plan           Plan
	Results        []ToolCallResult
	Answer         string
	Meta           bool
	NewHistory     History

	mu              sync.RWMutex
	current         TurnState
	trail           []TurnState
	completed       bool
	lastError       error
	errorStage      TurnState
	StartTime       time.Time
	EndTime         time.Time
	stateStartTimes map[TurnState]time.Time
	stateDurations  map[TurnState]time.Duration
	StateData       map[string]any
}

// NewTurnContext creates a turn positioned at idle.
func NewTurnContext(turnID, sessionID, raw string, history History, sink HistorySink) *TurnContext {
	now := time.Now()
	return &TurnContext{
		TurnID:          turnID,
		SessionID:       sessionID,
		RawInput:        raw,
		History:         history,
		Sink:            sink,
		current:         StateIdle,
		trail:           []TurnState{StateIdle},
		StartTime:       now,
		stateStartTimes: map[TurnState]time.Time{StateIdle: now},
		stateDurations:  make(map[TurnState]time.Duration),
		StateData:       make(map[string]any),
	}
}

// State returns the current state.
func (tc *TurnContext) State() TurnState {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.current
}

// Trail returns every state visited so far, in order.
func (tc *TurnContext) Trail() []TurnState {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]TurnState, len(tc.trail))
	copy(out, tc.trail)
	return out
}

// Err returns the error that ended the turn, if any.
func (tc *TurnContext) Err() error {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.lastError
}

// ErrorStage returns the state in which the turn failed.
func (tc *TurnContext) ErrorStage() TurnState {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.errorStage
}

// IsTerminal reports whether the turn is errored or cancelled.
func (tc *TurnContext) IsTerminal() bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.isTerminalLocked()
}

func (tc *TurnContext) isTerminalLocked() bool {
	return tc.current == StateErrored || tc.current == StateCancelled
}

// IsCompleted reports whether the turn went all the way back to idle.
func (tc *TurnContext) IsCompleted() bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.completed
}

// Done reports whether the state machine has nothing left to run.
func (tc *TurnContext) Done() bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.completed || tc.isTerminalLocked()
}

// Advance moves the turn into state.
func (tc *TurnContext) Advance(state TurnState) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.enterLocked(state)
}

func (tc *TurnContext) enterLocked(state TurnState) {
	now := time.Now()
	if started, ok := tc.stateStartTimes[tc.current]; ok {
		tc.stateDurations[tc.current] += now.Sub(started)
	}
	tc.current = state
	tc.trail = append(tc.trail, state)
	tc.stateStartTimes[state] = now
}

// SetError records err and moves the turn to errored.
func (tc *TurnContext) SetError(err error, stage TurnState) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.isTerminalLocked() {
		return
	}
	tc.lastError = err
	tc.errorStage = stage
	tc.enterLocked(StateErrored)
	tc.EndTime = time.Now()
}

// SetCancelled records err and moves the turn to cancelled.
func (tc *TurnContext) SetCancelled(err error, stage TurnState) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.isTerminalLocked() {
		return
	}
	tc.lastError = err
	tc.errorStage = stage
	tc.enterLocked(StateCancelled)
	tc.EndTime = time.Now()
}

// Complete returns the turn to idle and marks it finished.
func (tc *TurnContext) Complete() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.enterLocked(StateIdle)
	tc.completed = true
	tc.EndTime = time.Now()
}

// GetStateDuration returns the time spent in state so far.
func (tc *TurnContext) GetStateDuration(state TurnState) time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	d := tc.stateDurations[state]
	if state == tc.current && !tc.completed && !tc.isTerminalLocked() {
		d += time.Since(tc.stateStartTimes[state])
	}
	return d
}

// GetTotalDuration returns the total duration of the turn so far.
func (tc *TurnContext) GetTotalDuration() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if !tc.EndTime.IsZero() {
		return tc.EndTime.Sub(tc.StartTime)
	}
	return time.Since(tc.StartTime)
}

// StateTransition runs the work of one state and names the next one.
// Returning StateIdle finishes the turn.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, tc *TurnContext) (TurnState, error)

// TransitionHook observes every state change of a turn.
type TransitionHook func(tc *TurnContext, from, to TurnState)

// StateMachine drives a TurnContext from idle back to idle.
type StateMachine struct {
	transitions map[TurnState]StateTransition
	eventBus    eventbus.EventBus
	tracer      trace.Tracer
	hooks       []TransitionHook
	timeout     time.Duration
}

// NewStateMachine creates an empty state machine.
func NewStateMachine(eventBus eventbus.EventBus) *StateMachine {
	return &StateMachine{
		transitions: make(map[TurnState]StateTransition),
		eventBus:    eventBus,
		tracer:      otel.Tracer(tracerName),
	}
}

// RegisterTransition registers the transition run while in state.
func (sm *StateMachine) RegisterTransition(state TurnState, transition StateTransition) {
	sm.transitions[state] = transition
}

// OnTransition adds a hook called after every state change.
func (sm *StateMachine) OnTransition(hook TransitionHook) {
	if hook != nil {
		sm.hooks = append(sm.hooks, hook)
	}
}

func (sm *StateMachine) notify(tc *TurnContext, from, to TurnState) {
	for _, hook := range sm.hooks {
		hook(tc, from, to)
	}
}

// SetTurnTimeout bounds every turn run by sm. Zero leaves only the caller's
// context in charge.
func (sm *StateMachine) SetTurnTimeout(d time.Duration) {
	sm.timeout = d
}

// Execute runs transitions until the turn completes, fails or is cancelled.
// Cancellation is decided by the caller's ctx alone: a stage error while ctx
// is still live is an ordinary failure, and an expired turn timeout fails the
// turn rather than cancelling it.
func (sm *StateMachine) Execute(ctx context.Context, tc *TurnContext) (string, error) {
	ctx = WithTurnInfo(ctx, TurnInfo{TurnID: tc.TurnID, SessionID: tc.SessionID})
	turnCtx := ctx
	if sm.timeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, sm.timeout)
		defer cancel()
	}

	for !tc.Done() {
		from := tc.State()

		if err := ctx.Err(); err != nil {
			tc.SetCancelled(NewCancelledError(string(from), err), from)
			sm.notify(tc, from, StateCancelled)
			break
		}
		if turnCtx.Err() != nil {
			sm.timedOut(tc, from)
			break
		}

		transition, exists := sm.transitions[from]
		if !exists {
			tc.SetError(NewInternalError(string(from), fmt.Sprintf("no transition defined for state: %s", from), nil), from)
			sm.notify(tc, from, StateErrored)
			break
		}

		spanCtx, span := sm.tracer.Start(turnCtx, "breezeflow.turn."+string(from),
			trace.WithAttributes(
				attribute.String("breezeflow.turn_id", tc.TurnID),
				attribute.String("breezeflow.session_id", tc.SessionID),
			),
		)
		next, err := transition(spanCtx, sm.eventBus, tc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(from)+" failed")
		}
		span.End()

		switch {
		case err != nil && ctx.Err() != nil:
			tc.SetCancelled(NewCancelledError(string(from), ctx.Err()), from)
			sm.notify(tc, from, StateCancelled)
		case err != nil && turnCtx.Err() != nil:
			sm.timedOut(tc, from)
		case err != nil:
			if !IsBreezeError(err) {
				err = NewInternalError(string(from), "stage failed", err)
			}
			tc.SetError(err, from)
			sm.notify(tc, from, StateErrored)
		case next == StateIdle:
			tc.Complete()
			sm.notify(tc, from, StateIdle)
		default:
			tc.Advance(next)
			sm.notify(tc, from, next)
		}
	}

	if tc.IsCompleted() {
		return tc.Answer, nil
	}
	return "", tc.Err()
}

func (sm *StateMachine) timedOut(tc *TurnContext, from TurnState) {
	msg := fmt.Sprintf("turn timed out after %s", sm.timeout)
	tc.SetError(NewInternalError(string(from), msg, context.DeadlineExceeded), from)
	sm.notify(tc, from, StateErrored)
}
