package breezeflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
	"goa.design/clue/log"
)

// TurnComponents are the stage implementations a turn runs through.
type TurnComponents struct {
	Rewriter    Rewriter
	Planner     Planner
	Executor    Executor
	Synthesizer Synthesizer
	Registry    ToolRegistry
	// MetaRouter is optional; nil disables meta routing.
	MetaRouter MetaRouter
}

// CreateTurnStateMachine builds the state machine for one conversational turn.
func CreateTurnStateMachine(components TurnComponents, eventBus eventbus.EventBus) *StateMachine {
	sm := NewStateMachine(eventBus)

	sm.RegisterTransition(StateIdle, createIdleTransition(components))
	sm.RegisterTransition(StateRewriting, createRewritingTransition(components))
	sm.RegisterTransition(StatePlanning, createPlanningTransition(components))
	sm.RegisterTransition(StateExecuting, createExecutingTransition(components))
	sm.RegisterTransition(StateSynthesizing, createSynthesizingTransition(components))
	sm.RegisterTransition(StateAppending, createAppendingTransition(components))

	sm.OnTransition(func(tc *TurnContext, from, to TurnState) {
		publish(context.Background(), eventBus, eventbus.EventStageEntered, string(to), "StateMachine.Transition", map[string]any{
			"turn_id":    tc.TurnID,
			"session_id": tc.SessionID,
			"from":       string(from),
		})
	})

	return sm
}

// publish sends an event when a bus is configured, tagged with the turn
// carried by ctx. Delivery failures never affect the turn.
func publish(ctx context.Context, eb eventbus.EventBus, eventType eventbus.EventType, payload any, source string, metadata map[string]any) {
	if eb == nil {
		return
	}
	if info := TurnInfoFrom(ctx); info.TurnID != "" {
		tagged := info.Metadata()
		for k, v := range metadata {
			tagged[k] = v
		}
		metadata = tagged
	}
	if err := eb.Publish(ctx, eventbus.NewEvent(eventType, payload, source, metadata)); err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "event not published"}, log.KV{K: "event_type", V: string(eventType)}, log.KV{K: "err", V: err.Error()})
	}
}

// createIdleTransition starts a turn.
func createIdleTransition(_ TurnComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, tc *TurnContext) (TurnState, error) {
		publish(ctx, eb, eventbus.EventTurnStarted, tc.RawInput, "StateMachine.Idle", map[string]any{
			"turn_id":        tc.TurnID,
			"session_id":     tc.SessionID,
			"history_length": len(tc.History),
		})
		return StateRewriting, nil
	}
}

// createRewritingTransition resolves the raw input into a standalone query.
func createRewritingTransition(components TurnComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, tc *TurnContext) (TurnState, error) {
		publish(ctx, eb, eventbus.EventRewriteStarted, tc.RawInput, "StateMachine.Rewriting", map[string]any{"turn_id": tc.TurnID})

		query, err := components.Rewriter.Rewrite(ctx, tc.RawInput, tc.History)
		if err != nil {
			publish(ctx, eb, eventbus.EventRewriteFailure, err.Error(), "StateMachine.Rewriting", map[string]any{"turn_id": tc.TurnID})
			return StateErrored, fmt.Errorf("failed to rewrite query: %w", err)
		}
		if query == "" {
			query = tc.RawInput
		}
		tc.RewrittenQuery = query

		publish(ctx, eb, eventbus.EventRewriteSuccess, query, "StateMachine.Rewriting", map[string]any{"turn_id": tc.TurnID})
		return StatePlanning, nil
	}
}

// createPlanningTransition chooses the tool calls for the turn.
func createPlanningTransition(components TurnComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, tc *TurnContext) (TurnState, error) {
		if components.MetaRouter != nil && components.MetaRouter.IsMeta(ctx, tc.RewrittenQuery) {
			tc.Meta = true
			tc.Plan = Plan{}
			publish(ctx, eb, eventbus.EventMetaQueryRouted, tc.RewrittenQuery, "StateMachine.Planning", map[string]any{"turn_id": tc.TurnID})
			return StateSynthesizing, nil
		}

		schemas := components.Registry.ListSchemas()
		publish(ctx, eb, eventbus.EventPlanGenerationStarted, tc.RewrittenQuery, "StateMachine.Planning", map[string]any{
			"turn_id":    tc.TurnID,
			"tool_count": len(schemas),
		})

		plan, err := components.Planner.Plan(ctx, tc.RewrittenQuery, schemas, tc.History)
		if err != nil {
			publish(ctx, eb, eventbus.EventPlanGenerationFailure, err.Error(), "StateMachine.Planning", map[string]any{"turn_id": tc.TurnID})
			return StateErrored, fmt.Errorf("failed to generate plan: %w", err)
		}
		tc.Plan = plan

		publish(ctx, eb, eventbus.EventPlanGenerationSuccess, plan, "StateMachine.Planning", map[string]any{
			"turn_id":    tc.TurnID,
			"call_count": plan.Size(),
			"rejected":   len(plan.Rejected),
		})

		if plan.IsEmpty() {
			return StateSynthesizing, nil
		}
		return StateExecuting, nil
	}
}

// createExecutingTransition runs the plan's tool calls.
func createExecutingTransition(components TurnComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, tc *TurnContext) (TurnState, error) {
		publish(ctx, eb, eventbus.EventExecutionStarted, tc.Plan.Calls, "StateMachine.Executing", map[string]any{
			"turn_id":    tc.TurnID,
			"call_count": tc.Plan.Size(),
		})

		results := components.Executor.Execute(ctx, tc.Plan, components.Registry)
		if len(results) != tc.Plan.Size() {
			return StateErrored, NewInternalError(string(StateExecuting),
				fmt.Sprintf("executor returned %d results for %d calls", len(results), tc.Plan.Size()), nil)
		}
		tc.Results = results

		failed := 0
		for _, r := range results {
			if !r.OK() {
				failed++
			}
		}
		publish(ctx, eb, eventbus.EventExecutionFinished, results, "StateMachine.Executing", map[string]any{
			"turn_id": tc.TurnID,
			"failed":  failed,
		})
		return StateSynthesizing, nil
	}
}

// createSynthesizingTransition produces the final answer.
func createSynthesizingTransition(components TurnComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, tc *TurnContext) (TurnState, error) {
		publish(ctx, eb, eventbus.EventSynthesisStarted, tc.RewrittenQuery, "StateMachine.Synthesizing", map[string]any{
			"turn_id":      tc.TurnID,
			"result_count": len(tc.Results),
			"meta":         tc.Meta,
		})

		answer, err := components.Synthesizer.Synthesize(ctx, SynthesisInput{
			OriginalQuery:  tc.RawInput,
			RewrittenQuery: tc.RewrittenQuery,
			Results:        tc.Results,
			History:        tc.History,
			Meta:           tc.Meta,
			Tools:          components.Registry.ListSchemas(),
		})
		if err != nil {
			publish(ctx, eb, eventbus.EventSynthesisFailure, err.Error(), "StateMachine.Synthesizing", map[string]any{"turn_id": tc.TurnID})
			return StateErrored, fmt.Errorf("failed to synthesize answer: %w", err)
		}
		tc.Answer = answer

		publish(ctx, eb, eventbus.EventSynthesisSuccess, answer, "StateMachine.Synthesizing", map[string]any{"turn_id": tc.TurnID})
		return StateAppending, nil
	}
}

// createAppendingTransition records the whole turn in history.
func createAppendingTransition(_ TurnComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, tc *TurnContext) (TurnState, error) {
		user := NewUserMessage(tc.RawInput)
		tools := make([]Message, 0, len(tc.Results))
		for _, r := range tc.Results {
			tools = append(tools, NewToolMessage(r))
		}
		var calls []ToolCallRequest
		if len(tc.Results) > 0 {
			calls = tc.Plan.Calls
		}
		assistant := NewAssistantMessage(tc.Answer, calls...)

		history, err := tc.Sink.AppendTurn(ctx, user, assistant, tools)
		if err != nil {
			if errors.Is(err, ErrHistoryWriteConflict) {
				publish(ctx, eb, eventbus.EventHistoryConflict, err.Error(), "StateMachine.Appending", map[string]any{
					"turn_id":    tc.TurnID,
					"session_id": tc.SessionID,
				})
			}
			return StateErrored, fmt.Errorf("failed to append turn: %w", err)
		}
		tc.NewHistory = history

		publish(ctx, eb, eventbus.EventHistoryAppended, len(history), "StateMachine.Appending", map[string]any{
			"turn_id":    tc.TurnID,
			"session_id": tc.SessionID,
			"appended":   2 + len(tools),
		})
		return StateIdle, nil
	}
}
