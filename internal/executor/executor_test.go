package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
	"github.com/ZanzyTHEbar/breezeflow/internal/registry"
	"github.com/ZanzyTHEbar/breezeflow/internal/tools"
)

type mockRegistry struct {
	tools map[string]func(ctx context.Context, args map[string]any) (string, error)
}

func (m *mockRegistry) ListSchemas() []breezeflow.ToolSchema { return nil }
func (m *mockRegistry) Has(name string) bool {
	_, ok := m.tools[name]
	return ok
}
func (m *mockRegistry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	fn, ok := m.tools[name]
	if !ok {
		return "", breezeflow.NewToolNotFoundError(stage, name)
	}
	return fn(ctx, args)
}

func sleepTool(d time.Duration) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d):
			return "slept", nil
		}
	}
}

func calls(names ...string) breezeflow.Plan {
	plan := breezeflow.Plan{}
	for i, n := range names {
		plan.Calls = append(plan.Calls, breezeflow.ToolCallRequest{ID: fmt.Sprintf("c%d", i), ToolName: n})
	}
	return plan
}

func TestParallelExecutor_EmptyPlan(t *testing.T) {
	results := NewExecutor().Execute(context.Background(), breezeflow.Plan{}, &mockRegistry{})
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestParallelExecutor_OrderAndFailureIsolation(t *testing.T) {
	registry := &mockRegistry{tools: map[string]func(context.Context, map[string]any) (string, error){
		"slow": sleepTool(40 * time.Millisecond),
		"fast": func(ctx context.Context, args map[string]any) (string, error) { return "fast", nil },
		"fail": func(ctx context.Context, args map[string]any) (string, error) { return "", errors.New("boom") },
	}}

	results := NewExecutor().Execute(context.Background(), calls("slow", "fail", "fast"), registry)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.RequestID != fmt.Sprintf("c%d", i) {
			t.Errorf("result %d has request ID %s", i, r.RequestID)
		}
	}
	if !results[0].OK() || results[0].Payload != "slept" {
		t.Errorf("unexpected slow result: %+v", results[0])
	}
	if results[1].OK() || results[1].Code != breezeflow.ErrCodeToolExecution || !strings.Contains(results[1].ErrorDetail, "boom") {
		t.Errorf("unexpected fail result: %+v", results[1])
	}
	if !strings.HasPrefix(results[1].Text(), breezeflow.ToolErrorPrefix) {
		t.Errorf("expected error text prefix, got %q", results[1].Text())
	}
	if !results[2].OK() {
		t.Errorf("failure must not affect siblings: %+v", results[2])
	}
}

func TestParallelExecutor_UnknownToolAndRejected(t *testing.T) {
	plan := calls("missing", "ghost")
	plan.Rejected = map[string]breezeflow.ToolCallResult{
		"c1": breezeflow.NewErrorResult(plan.Calls[1], breezeflow.NewToolNotFoundError("planning", "ghost"), 0),
	}

	results := NewExecutor().Execute(context.Background(), plan, &mockRegistry{})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.OK() || r.Code != breezeflow.ErrCodeToolNotFound {
			t.Errorf("expected ToolNotFound result, got %+v", r)
		}
	}
	if results[1].ErrorDetail != "ToolNotFound: tool 'ghost' not found" {
		t.Errorf("unexpected detail %q", results[1].ErrorDetail)
	}
}

func TestParallelExecutor_Concurrency_Metrics(t *testing.T) {
	registry := &mockRegistry{tools: map[string]func(context.Context, map[string]any) (string, error){
		"sleep": sleepTool(50 * time.Millisecond),
	}}
	exec := NewExecutor(WithMaxWorkers(3))

	start := time.Now()
	results := exec.Execute(context.Background(), calls("sleep", "sleep", "sleep"), registry)
	elapsed := time.Since(start)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	metrics := exec.GetMetrics()
	if metrics.CallsExecuted != 3 || metrics.CallsSuccessful != 3 || metrics.Batches != 1 {
		t.Errorf("unexpected metrics: %+v", metrics)
	}
	if elapsed > 140*time.Millisecond {
		t.Errorf("expected concurrent execution, took too long: %v", elapsed)
	}
}

func TestParallelExecutor_CallTimeout(t *testing.T) {
	registry := &mockRegistry{tools: map[string]func(context.Context, map[string]any) (string, error){
		"hang": sleepTool(time.Second),
		"fast": func(ctx context.Context, args map[string]any) (string, error) { return "ok", nil },
	}}
	exec := NewExecutor(WithCallTimeout(30 * time.Millisecond))

	results := exec.Execute(context.Background(), calls("hang", "fast"), registry)
	if results[0].OK() || !strings.Contains(results[0].ErrorDetail, "timeout") {
		t.Errorf("expected timeout result, got %+v", results[0])
	}
	if !results[1].OK() {
		t.Errorf("unexpected result: %+v", results[1])
	}
	if exec.GetMetrics().CallsTimedOut != 1 {
		t.Errorf("expected one timed out call, got %+v", exec.GetMetrics())
	}
}

func TestParallelExecutor_BatchDeadline(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	registry := &mockRegistry{tools: map[string]func(context.Context, map[string]any) (string, error){
		// Ignores its context entirely.
		"stuck": func(ctx context.Context, args map[string]any) (string, error) {
			<-block
			return "late", nil
		},
		"fast": func(ctx context.Context, args map[string]any) (string, error) { return "ok", nil },
	}}
	exec := NewExecutor(WithCallTimeout(time.Second), WithBatchTimeout(50*time.Millisecond))

	start := time.Now()
	results := exec.Execute(context.Background(), calls("stuck", "fast"), registry)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("expected return at the batch deadline, took %v", elapsed)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].OK() || !strings.Contains(results[0].ErrorDetail, "timeout") {
		t.Errorf("expected timeout result, got %+v", results[0])
	}
	if !results[1].OK() {
		t.Errorf("unexpected result: %+v", results[1])
	}
}

func TestParallelExecutor_Cancellation(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	registry := &mockRegistry{tools: map[string]func(context.Context, map[string]any) (string, error){
		"block": func(ctx context.Context, args map[string]any) (string, error) {
			started.Done()
			<-ctx.Done()
			return "", ctx.Err()
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		started.Wait()
		cancel()
	}()

	results := NewExecutor().Execute(ctx, calls("block", "block"), registry)
	for _, r := range results {
		if r.OK() || r.Code != breezeflow.ErrCodeCancelled {
			t.Errorf("expected cancelled result, got %+v", r)
		}
	}
}

func TestParallelExecutor_Retry(t *testing.T) {
	var count int32
	registry := &mockRegistry{tools: map[string]func(context.Context, map[string]any) (string, error){
		"flaky": func(ctx context.Context, args map[string]any) (string, error) {
			if atomic.AddInt32(&count, 1) < 2 {
				return "", errors.New("fail once")
			}
			return "42", nil
		},
	}}
	exec := NewExecutor(WithMaxRetries(1), WithRetryDelay(10*time.Millisecond))

	results := exec.Execute(context.Background(), calls("flaky"), registry)
	if !results[0].OK() || results[0].Payload != "42" {
		t.Errorf("expected success after retry, got %+v", results[0])
	}
	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2 calls, got %d", count)
	}
	if exec.GetMetrics().TotalRetries != 1 {
		t.Errorf("expected 1 retry, got %+v", exec.GetMetrics())
	}
}

func TestParallelExecutor_RecoversPanic(t *testing.T) {
	registry := &mockRegistry{tools: map[string]func(context.Context, map[string]any) (string, error){
		"boom": func(ctx context.Context, args map[string]any) (string, error) { panic("kaboom") },
	}}
	results := NewExecutor().Execute(context.Background(), calls("boom"), registry)
	if results[0].OK() || !strings.Contains(results[0].ErrorDetail, "kaboom") {
		t.Errorf("expected panic captured as error, got %+v", results[0])
	}
}

func TestParallelExecutor_PublishesToolEvents(t *testing.T) {
	bus := eventbus.NewChannelEventBus()
	defer bus.Close()

	var mu sync.Mutex
	seen := map[eventbus.EventType]string{}
	var wg sync.WaitGroup
	wg.Add(2)
	_, err := bus.Subscribe([]eventbus.EventType{eventbus.EventToolCallStarted, eventbus.EventToolCallSuccess}, func(ctx context.Context, e eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[e.Type()], _ = e.Metadata()["session_id"].(string)
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	registry := &mockRegistry{tools: map[string]func(context.Context, map[string]any) (string, error){
		"fast": func(ctx context.Context, args map[string]any) (string, error) { return "ok", nil },
	}}
	ctx := breezeflow.WithTurnInfo(context.Background(), breezeflow.TurnInfo{TurnID: "t1", SessionID: "s1"})
	NewExecutor(WithEventBus(bus)).Execute(ctx, calls("fast"), registry)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tool events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[eventbus.EventToolCallStarted] != "s1" || seen[eventbus.EventToolCallSuccess] != "s1" {
		t.Errorf("events missing session metadata: %v", seen)
	}
}

func TestParallelExecutor_Idempotent(t *testing.T) {
	reg, err := registry.New(tools.SetupTools(tools.Options{})...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	plan := breezeflow.Plan{Calls: []breezeflow.ToolCallRequest{
		{ID: "a", ToolName: "echo", Arguments: map[string]any{"text": "hello"}},
		{ID: "b", ToolName: "calculator", Arguments: map[string]any{"expression": "2 + 3 * 4"}},
		{ID: "c", ToolName: "echo", Arguments: map[string]any{"text": "again"}},
		{ID: "d", ToolName: "calculator", Arguments: map[string]any{"expression": "sqrt(16)"}},
	}}

	exec := NewExecutor(WithMaxWorkers(2))
	payloads := func() map[string]string {
		out := map[string]string{}
		for _, r := range exec.Execute(context.Background(), plan, reg) {
			if !r.OK() {
				t.Fatalf("unexpected failure: %+v", r)
			}
			out[r.RequestID] = r.Payload
		}
		return out
	}

	first, second := payloads(), payloads()
	if len(first) != len(plan.Calls) {
		t.Fatalf("expected %d results, got %d", len(plan.Calls), len(first))
	}
	for id, p := range first {
		if second[id] != p {
			t.Errorf("call %s: payload changed between runs: %q vs %q", id, p, second[id])
		}
	}
}

func TestParallelExecutor_LateResultNotCounted(t *testing.T) {
	bus := eventbus.NewChannelEventBus()
	defer bus.Close()

	var mu sync.Mutex
	var succeeded []string
	_, err := bus.Subscribe([]eventbus.EventType{eventbus.EventToolCallSuccess}, func(ctx context.Context, e eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		id, _ := e.Metadata()["request_id"].(string)
		succeeded = append(succeeded, id)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	release := make(chan struct{})
	returned := make(chan struct{})
	registry := &mockRegistry{tools: map[string]func(context.Context, map[string]any) (string, error){
		"stuck": func(ctx context.Context, args map[string]any) (string, error) {
			defer close(returned)
			<-release
			return "late", nil
		},
		"fast": func(ctx context.Context, args map[string]any) (string, error) { return "ok", nil },
	}}
	exec := NewExecutor(WithEventBus(bus), WithCallTimeout(time.Second), WithBatchTimeout(50*time.Millisecond))

	results := exec.Execute(context.Background(), calls("stuck", "fast"), registry)
	if results[0].OK() {
		t.Fatalf("expected the stuck call to be timed out, got %+v", results[0])
	}

	close(release)
	<-returned
	time.Sleep(100 * time.Millisecond)

	m := exec.GetMetrics()
	if m.CallsExecuted != 2 || m.CallsSuccessful != 1 || m.CallsFailed != 1 {
		t.Errorf("late result leaked into metrics: %+v", m)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range succeeded {
		if id == "c0" {
			t.Errorf("success event published for a sealed call: %v", succeeded)
		}
	}
}
