package breezeflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
)

func newTestOrchestrator(t *testing.T, planner *dummyPlanner, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithRewriter(&dummyRewriter{}),
		WithPlanner(planner),
		WithExecutor(&dummyExecutor{}),
		WithSynthesizer(&dummySynthesizer{}),
		WithRegistry(&dummyRegistry{}),
		WithConfig(Config{MaxHistoryItems: 20}),
	}
	o, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(WithRewriter(&dummyRewriter{}))
	if !errors.Is(err, &BreezeError{Code: ErrCodeConfiguration}) {
		t.Errorf("expected configuration error, got %v", err)
	}

	_, err = New(
		WithRewriter(&dummyRewriter{}),
		WithPlanner(&dummyPlanner{}),
		WithExecutor(&dummyExecutor{}),
		WithSynthesizer(&dummySynthesizer{}),
		WithRegistry(&dummyRegistry{}),
		WithConfig(Config{EnableMetaRouting: true}),
	)
	if err == nil {
		t.Error("expected error when meta routing has no router")
	}
}

func TestAnswer_RejectsEmptyQuery(t *testing.T) {
	o := newTestOrchestrator(t, &dummyPlanner{})
	if _, err := o.Answer(context.Background(), "   "); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestAnswerWithHistory_DirectAnswer(t *testing.T) {
	o := newTestOrchestrator(t, &dummyPlanner{})

	answer, history, err := o.AnswerWithHistory(context.Background(), "今天天氣如何？", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer == "" {
		t.Error("expected an answer")
	}
	if len(history) != 2 || history[0].Role != RoleUser || history[1].Role != RoleAssistant {
		t.Fatalf("unexpected history %+v", history)
	}
	if history[0].Content != "今天天氣如何？" {
		t.Errorf("user message must keep the raw query, got %q", history[0].Content)
	}
}

func TestAnswerWithHistory_DoesNotMutateInput(t *testing.T) {
	o := newTestOrchestrator(t, &dummyPlanner{plan: echoPlan()})
	input := History{NewUserMessage("hello"), NewAssistantMessage("hi there")}
	before := input.Clone()

	_, history, err := o.AnswerWithHistory(context.Background(), "say hi", input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(input) != len(before) {
		t.Fatalf("input history was modified")
	}
	if len(history) != len(input)+3 {
		t.Fatalf("expected %d messages, got %d", len(input)+3, len(history))
	}

	tool := history[3]
	assistant := history[4]
	if tool.Role != RoleTool || tool.Content != "echo: hi" {
		t.Errorf("unexpected tool message %+v", tool)
	}
	if assistant.Role != RoleAssistant || len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != tool.ToolCallID {
		t.Errorf("assistant message must carry the call answered by the tool message: %+v", assistant)
	}
	if err := history.Validate(); err != nil {
		t.Errorf("resulting history is invalid: %v", err)
	}
}

func TestAnswerWithHistory_RejectsInvalidHistory(t *testing.T) {
	o := newTestOrchestrator(t, &dummyPlanner{})
	bad := History{NewUserMessage("q"), {Role: RoleTool, ToolCallID: "missing", Content: "x"}}

	if _, _, err := o.AnswerWithHistory(context.Background(), "q", bad); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestAnswerWithHistory_UnknownToolDegrades(t *testing.T) {
	call := ToolCallRequest{ID: "call_x", ToolName: "nonexistent"}
	plan := Plan{
		Calls:    []ToolCallRequest{call},
		Rejected: map[string]ToolCallResult{call.ID: NewErrorResult(call, NewToolNotFoundError("planning", "nonexistent"), 0)},
	}
	o := newTestOrchestrator(t, &dummyPlanner{plan: plan})

	answer, history, err := o.AnswerWithHistory(context.Background(), "use a tool", nil)
	if err != nil {
		t.Fatalf("unknown tools must not fail the turn: %v", err)
	}
	if answer == "" {
		t.Error("expected a degraded answer")
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	if !strings.HasPrefix(history[1].Content, ToolErrorPrefix+" ToolNotFound") {
		t.Errorf("unexpected tool message %q", history[1].Content)
	}
}

func TestAnswerSession_AppendsWholeTurn(t *testing.T) {
	manager := newDummyManager()
	o := newTestOrchestrator(t, &dummyPlanner{plan: echoPlan()}, WithConversationManager(manager))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := o.AnswerSession(ctx, "s1", "say hi"); err != nil {
			t.Fatalf("turn %d failed: %v", i, err)
		}
	}
	history, err := o.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 6 {
		t.Errorf("expected 6 messages after two turns, got %d", len(history))
	}
}

func TestAnswerSession_ConflictIsFatal(t *testing.T) {
	manager := newDummyManager()
	manager.conflict = true
	o := newTestOrchestrator(t, &dummyPlanner{}, WithConversationManager(manager))

	_, err := o.AnswerSession(context.Background(), "s1", "hello")
	if !errors.Is(err, ErrHistoryWriteConflict) {
		t.Fatalf("expected history conflict, got %v", err)
	}
	if manager.appends != 0 {
		t.Error("conflicting turn must not be appended")
	}
}

func TestAnswerSession_FailedTurnLeavesHistory(t *testing.T) {
	manager := newDummyManager()
	planner := &dummyPlanner{err: NewGatewayUnavailableError("planning", context.DeadlineExceeded)}
	o := newTestOrchestrator(t, planner, WithConversationManager(manager))

	if _, err := o.AnswerSession(context.Background(), "s1", "hello"); err == nil {
		t.Fatal("expected error")
	}
	history, _ := o.History(context.Background(), "s1")
	if len(history) != 0 {
		t.Errorf("expected empty history, got %d messages", len(history))
	}
}

func TestAnswerSession_RequiresManager(t *testing.T) {
	o := newTestOrchestrator(t, &dummyPlanner{})
	if _, err := o.AnswerSession(context.Background(), "s1", "hello"); CodeOf(err) != ErrCodeConfiguration {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestOrchestrator_PublishesTurnEvents(t *testing.T) {
	bus := eventbus.NewChannelEventBus(eventbus.WithBufferSize(32), eventbus.WithWorkerCount(1))
	defer bus.Close()

	var mu sync.Mutex
	emitted := make(map[eventbus.EventType]bool)
	_, err := bus.SubscribeAll(func(ctx context.Context, evt eventbus.Event) error {
		mu.Lock()
		emitted[evt.Type()] = true
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}

	o := newTestOrchestrator(t, &dummyPlanner{plan: echoPlan()},
		WithEventBus(bus),
		WithConfig(Config{EnableEventBus: true}),
	)
	if _, err := o.Answer(context.Background(), "say hi"); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	want := []eventbus.EventType{
		eventbus.EventTurnStarted,
		eventbus.EventPlanGenerationSuccess,
		eventbus.EventExecutionFinished,
		eventbus.EventTurnCompleted,
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		all := true
		for _, typ := range want {
			all = all && emitted[typ]
		}
		mu.Unlock()
		if all {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("missing events, got %v", emitted)
}

func TestAnswerAsync_Lifecycle(t *testing.T) {
	manager := newDummyManager()
	o := newTestOrchestrator(t, &dummyPlanner{plan: echoPlan()}, WithConversationManager(manager))
	ctx := context.Background()

	id, err := o.AnswerAsync(ctx, "s1", "say hi")
	if err != nil {
		t.Fatalf("AnswerAsync failed: %v", err)
	}
	answer, err := o.WaitTurn(ctx, id)
	if err != nil {
		t.Fatalf("WaitTurn failed: %v", err)
	}
	if answer == "" {
		t.Error("expected an answer")
	}

	status, err := o.TurnStatus(id)
	if err != nil {
		t.Fatalf("TurnStatus failed: %v", err)
	}
	if !status.IsComplete || status.HasError {
		t.Errorf("unexpected status %+v", status)
	}
	if states := o.ListTurns(); states[id] != StateIdle {
		t.Errorf("expected idle state, got %v", states[id])
	}
	if ok, err := o.CancelTurn(id); ok || err != nil {
		t.Errorf("cancelling a finished turn should be a no-op, got %v %v", ok, err)
	}
	if n := o.CleanupTurns(0); n != 1 {
		t.Errorf("expected one turn cleaned up, got %d", n)
	}
	if _, err := o.TurnStatus(id); err == nil {
		t.Error("expected not found after cleanup")
	}
}

func TestAnswerAsync_Cancel(t *testing.T) {
	o, err := New(
		WithRewriter(&dummyRewriter{}),
		WithPlanner(&dummyPlanner{plan: echoPlan()}),
		WithExecutor(&dummyExecutor{block: true}),
		WithSynthesizer(&dummySynthesizer{}),
		WithRegistry(&dummyRegistry{}),
		WithConfig(Config{}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	id, err := o.AnswerAsync(ctx, "", "say hi")
	if err != nil {
		t.Fatalf("AnswerAsync failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if ok, err := o.CancelTurn(id); !ok || err != nil {
		t.Fatalf("CancelTurn = %v, %v", ok, err)
	}
	if _, err := o.WaitTurn(ctx, id); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected cancelled error, got %v", err)
	}
	status, _ := o.TurnStatus(id)
	if !status.IsCancelled {
		t.Errorf("expected cancelled status, got %+v", status)
	}
}

func TestTurnResult_UnknownID(t *testing.T) {
	o := newTestOrchestrator(t, &dummyPlanner{})
	if _, err := o.TurnResult("missing"); err == nil {
		t.Error("expected error for unknown turn")
	}
}

func TestWaitTurn_ContextDone(t *testing.T) {
	o, err := New(
		WithRewriter(&dummyRewriter{}),
		WithPlanner(&dummyPlanner{plan: echoPlan()}),
		WithExecutor(&dummyExecutor{block: true}),
		WithSynthesizer(&dummySynthesizer{}),
		WithRegistry(&dummyRegistry{}),
		WithConfig(Config{}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	id, err := o.AnswerAsync(context.Background(), "", "say hi")
	if err != nil {
		t.Fatalf("AnswerAsync failed: %v", err)
	}
	defer o.CancelTurn(id)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := o.WaitTurn(ctx, id); err == nil {
		t.Fatal("expected WaitTurn to fail once its context is done")
	}
	if _, err := o.TurnResult(id); err == nil || IsBreezeError(err) {
		t.Errorf("the turn itself must keep running, got %v", err)
	}
}

func TestAnswerAsync_TurnTimeoutFails(t *testing.T) {
	o, err := New(
		WithRewriter(&dummyRewriter{}),
		WithPlanner(&dummyPlanner{plan: echoPlan()}),
		WithExecutor(&dummyExecutor{block: true}),
		WithSynthesizer(&dummySynthesizer{}),
		WithRegistry(&dummyRegistry{}),
		WithConfig(Config{TurnTimeout: 30 * time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	id, err := o.AnswerAsync(context.Background(), "", "say hi")
	if err != nil {
		t.Fatalf("AnswerAsync failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = o.WaitTurn(ctx, id)
	if err == nil || errors.Is(err, ErrCancelled) {
		t.Fatalf("expected a failed turn, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected a timeout cause, got %v", err)
	}

	status, _ := o.TurnStatus(id)
	if status.CurrentState != StateErrored || status.IsCancelled {
		t.Errorf("expected errored status, got %+v", status)
	}
}
