package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
	"github.com/sourcegraph/conc/pool"
	"goa.design/clue/log"
)

const stage = "executing"

// ParallelExecutor runs every call of a plan concurrently and waits for all
// of them (or the batch deadline) before returning.
type ParallelExecutor struct {
	maxWorkers   int           // Max concurrent calls
	maxRetries   int           // Max retries per call
	retryDelay   time.Duration // Delay between retries
	callTimeout  time.Duration // Per-call execution timeout
	batchTimeout time.Duration // Deadline for the whole batch
	eventBus     eventbus.EventBus

	// Statistics and metrics, cumulative across batches
	metrics metricsRecorder
}

var _ breezeflow.Executor = (*ParallelExecutor)(nil)

// ExecutorOption represents an option for configuring the ParallelExecutor.
type ExecutorOption func(*ParallelExecutor)

// WithMaxWorkers bounds the number of calls running at once.
func WithMaxWorkers(workers int) ExecutorOption {
	return func(e *ParallelExecutor) {
		if workers > 0 {
			e.maxWorkers = workers
		}
	}
}

// WithMaxRetries sets the maximum number of retries for failed calls.
func WithMaxRetries(retries int) ExecutorOption {
	return func(e *ParallelExecutor) {
		if retries >= 0 {
			e.maxRetries = retries
		}
	}
}

// WithRetryDelay sets the delay between call retries.
func WithRetryDelay(delay time.Duration) ExecutorOption {
	return func(e *ParallelExecutor) {
		e.retryDelay = delay
	}
}

// WithCallTimeout sets the per-call execution timeout.
func WithCallTimeout(timeout time.Duration) ExecutorOption {
	return func(e *ParallelExecutor) {
		if timeout > 0 {
			e.callTimeout = timeout
		}
	}
}

// WithBatchTimeout sets the deadline for a whole plan.
func WithBatchTimeout(timeout time.Duration) ExecutorOption {
	return func(e *ParallelExecutor) {
		if timeout > 0 {
			e.batchTimeout = timeout
		}
	}
}

// WithEventBus publishes tool call events to bus.
func WithEventBus(bus eventbus.EventBus) ExecutorOption {
	return func(e *ParallelExecutor) {
		e.eventBus = bus
	}
}

// NewExecutor creates a new executor with default settings.
func NewExecutor(options ...ExecutorOption) *ParallelExecutor {
	e := &ParallelExecutor{
		maxWorkers:   5,
		maxRetries:   0,
		retryDelay:   500 * time.Millisecond,
		callTimeout:  30 * time.Second,
		batchTimeout: 60 * time.Second,
	}

	for _, option := range options {
		option(e)
	}

	return e
}

// Execute runs plan against registry. It always returns exactly one result
// per planned call, in plan order. Failures never cancel sibling calls; calls
// still running when the batch deadline passes are reported as timed out.
func (e *ParallelExecutor) Execute(ctx context.Context, plan breezeflow.Plan, registry breezeflow.ToolRegistry) []breezeflow.ToolCallResult {
	k := plan.Size()
	results := make([]breezeflow.ToolCallResult, k)
	if k == 0 {
		return results
	}

	startTime := time.Now()
	batchCtx, cancel := context.WithTimeout(ctx, e.batchTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		filled = make([]bool, k)
		sealed bool
	)
	// store reports whether res made it in before the batch was sealed.
	store := func(i int, res breezeflow.ToolCallResult) bool {
		mu.Lock()
		defer mu.Unlock()
		if sealed {
			return false
		}
		results[i] = res
		filled[i] = true
		return true
	}

	var runnable []int
	for i, call := range plan.Calls {
		if rejected, ok := plan.Rejected[call.ID]; ok {
			rejected.RequestID = call.ID
			rejected.ToolName = call.ToolName
			store(i, rejected)
			e.metrics.record(rejected, false)
			continue
		}
		runnable = append(runnable, i)
	}

	log.Info(ctx,
		log.KV{K: "msg", V: "starting tool execution"},
		log.KV{K: "calls", V: k},
		log.KV{K: "runnable", V: len(runnable)})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		workerPool := pool.New().WithMaxGoroutines(e.maxWorkers)
		for _, i := range runnable {
			call := plan.Calls[i]
			workerPool.Go(func() {
				out := e.runCall(batchCtx, call, registry)
				if store(i, out.result) {
					e.settle(ctx, call, out)
				}
			})
		}
		workerPool.Wait()
	}()

	select {
	case <-finished:
	case <-batchCtx.Done():
	}

	mu.Lock()
	sealed = true
	for i, ok := range filled {
		if ok {
			continue
		}
		call := plan.Calls[i]
		res := breezeflow.NewErrorResult(call, interruption(ctx, call, e.batchTimeout), time.Since(startTime))
		results[i] = res
		e.metrics.record(res, ctx.Err() == nil)
		e.publish(ctx, eventbus.EventToolCallCanceled, res, map[string]any{"request_id": call.ID, "tool": call.ToolName})
	}
	mu.Unlock()

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	e.metrics.addBatch()
	log.Info(ctx,
		log.KV{K: "msg", V: "tool execution finished"},
		log.KV{K: "calls", V: k},
		log.KV{K: "failed", V: failed},
		log.KV{K: "duration", V: time.Since(startTime).String()})

	return results
}

// callOutcome is the result of one call plus what settling it reports.
type callOutcome struct {
	result   breezeflow.ToolCallResult
	timedOut bool
	event    eventbus.EventType
}

// runCall invokes a single call with its own timeout and optional retries.
// Metrics and the final event are left to settle, which only runs for
// results that beat the batch deadline.
func (e *ParallelExecutor) runCall(ctx context.Context, call breezeflow.ToolCallRequest, registry breezeflow.ToolRegistry) callOutcome {
	start := time.Now()
	meta := map[string]any{"request_id": call.ID, "tool": call.ToolName}

	if err := ctx.Err(); err != nil {
		return callOutcome{
			result:   breezeflow.NewErrorResult(call, interruption(ctx, call, e.batchTimeout), 0),
			timedOut: errors.Is(err, context.DeadlineExceeded),
			event:    eventbus.EventToolCallCanceled,
		}
	}

	e.publish(ctx, eventbus.EventToolCallStarted, call, meta)
	log.Debug(ctx,
		log.KV{K: "msg", V: "starting tool call"},
		log.KV{K: "request_id", V: call.ID},
		log.KV{K: "tool", V: call.ToolName})

	var (
		payload  string
		err      error
		timedOut bool
	)
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		payload, err = invoke(callCtx, registry, call)
		callTimedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err == nil {
			break
		}

		timedOut = false
		switch {
		case ctx.Err() != nil:
			err = interruption(ctx, call, e.batchTimeout)
			timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		case callTimedOut:
			timedOut = true
			err = breezeflow.NewToolExecutionError(stage, call.ToolName,
				fmt.Errorf("timeout after %s: %w", e.callTimeout, context.DeadlineExceeded))
		case !breezeflow.IsBreezeError(err):
			err = breezeflow.NewToolExecutionError(stage, call.ToolName, err)
		}

		if !retryable(err) || attempt == e.maxRetries || ctx.Err() != nil {
			break
		}

		e.metrics.addRetry()
		e.publish(ctx, eventbus.EventToolCallRetry, breezeflow.Detail(err), meta)
		log.Warn(ctx,
			log.KV{K: "msg", V: "tool call failed, retrying"},
			log.KV{K: "request_id", V: call.ID},
			log.KV{K: "tool", V: call.ToolName},
			log.KV{K: "retry", V: attempt + 1},
			log.KV{K: "max_retries", V: e.maxRetries},
			log.KV{K: "err", V: err.Error()})

		select {
		case <-ctx.Done():
		case <-time.After(e.retryDelay):
		}
	}

	took := time.Since(start)
	if err != nil {
		return callOutcome{result: breezeflow.NewErrorResult(call, err, took), timedOut: timedOut, event: eventbus.EventToolCallFailure}
	}
	return callOutcome{result: breezeflow.NewOKResult(call, payload, took), event: eventbus.EventToolCallSuccess}
}

// settle records an accepted call outcome and announces it.
func (e *ParallelExecutor) settle(ctx context.Context, call breezeflow.ToolCallRequest, out callOutcome) {
	res := out.result
	e.metrics.record(res, out.timedOut)
	e.publish(ctx, out.event, res, map[string]any{"request_id": call.ID, "tool": call.ToolName})
	if res.OK() {
		log.Debug(ctx,
			log.KV{K: "msg", V: "tool call completed"},
			log.KV{K: "request_id", V: call.ID},
			log.KV{K: "tool", V: call.ToolName},
			log.KV{K: "duration", V: res.Duration.String()})
		return
	}
	log.Warn(ctx,
		log.KV{K: "msg", V: "tool call failed"},
		log.KV{K: "request_id", V: call.ID},
		log.KV{K: "tool", V: call.ToolName},
		log.KV{K: "err", V: res.ErrorDetail})
}

// invoke runs the registry call in its own goroutine so a tool that ignores
// ctx cannot hold the call past its timeout.
func invoke(ctx context.Context, registry breezeflow.ToolRegistry, call breezeflow.ToolCallRequest) (string, error) {
	type outcome struct {
		payload string
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: breezeflow.NewToolExecutionError(stage, call.ToolName, fmt.Errorf("panic: %v", r))}
			}
		}()
		payload, err := registry.Invoke(ctx, call.ToolName, call.Arguments)
		ch <- outcome{payload: payload, err: err}
	}()

	select {
	case o := <-ch:
		return o.payload, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// interruption describes why a call did not finish: the caller cancelled,
// or the batch deadline passed.
func interruption(ctx context.Context, call breezeflow.ToolCallRequest, batchTimeout time.Duration) error {
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return breezeflow.NewCancelledError(stage, err)
	}
	return breezeflow.NewToolExecutionError(stage, call.ToolName,
		fmt.Errorf("timeout: batch deadline of %s exceeded: %w", batchTimeout, context.DeadlineExceeded))
}

func retryable(err error) bool {
	return !errors.Is(err, breezeflow.ErrToolNotFound) && !errors.Is(err, breezeflow.ErrCancelled)
}

func (e *ParallelExecutor) publish(ctx context.Context, eventType eventbus.EventType, payload any, extra map[string]any) {
	if e.eventBus == nil {
		return
	}
	meta := breezeflow.TurnInfoFrom(ctx).Metadata()
	for k, v := range extra {
		meta[k] = v
	}
	// Events outlive the batch deadline.
	if err := e.eventBus.Publish(context.WithoutCancel(ctx), eventbus.NewEvent(eventType, payload, "Executor", meta)); err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "event not published"}, log.KV{K: "event_type", V: string(eventType)})
	}
}

// GetMetrics returns a snapshot of the cumulative execution metrics.
func (e *ParallelExecutor) GetMetrics() ExecutorMetrics {
	return e.metrics.snapshot()
}
