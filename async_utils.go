package breezeflow

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/google/uuid"
	"goa.design/clue/log"
)

// asyncTurn tracks a turn running in the background.
type asyncTurn struct {
	id        string
	sessionID string
	query     string
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	// guarded by Orchestrator.asyncTurnsMutex
	tc      *TurnContext
	answer  string
	err     error
	endTime time.Time
}

// AsyncTurnStatus represents the status information for an async turn.
type AsyncTurnStatus struct {
	TurnID       string        `json:"turn_id"`
	SessionID    string        `json:"session_id,omitempty"`
	Query        string        `json:"query"`
	CurrentState TurnState     `json:"current_state"`
	Trail        []TurnState   `json:"trail,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	IsCancelled  bool          `json:"is_cancelled"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorStage   string        `json:"error_stage,omitempty"`
}

// AnswerAsync starts a turn in the background and returns its ID. An empty
// sessionID runs a stateless turn. The turn is detached from ctx; use
// CancelTurn to stop it.
func (o *Orchestrator) AnswerAsync(ctx context.Context, sessionID, query string) (string, error) {
	if err := validateQuery(query); err != nil {
		return "", err
	}
	if sessionID != "" && o.history == nil {
		return "", NewConfigurationError("no conversation manager configured", nil)
	}

	turnID := uuid.New().String()
	asyncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec := &asyncTurn{
		id:        turnID,
		sessionID: sessionID,
		query:     query,
		startTime: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	o.asyncTurnsMutex.Lock()
	o.asyncTurns[turnID] = rec
	o.asyncTurnsMutex.Unlock()

	publish(ctx, o.EventBus(), eventbus.EventAsyncTurnStarted, query, "Orchestrator.AnswerAsync", map[string]any{
		"turn_id":    turnID,
		"session_id": sessionID,
		"timestamp":  rec.startTime.Format(time.RFC3339),
	})

	go func() {
		defer cancel()
		defer close(rec.done)

		answer, err := o.runAsyncTurn(asyncCtx, rec)

		o.asyncTurnsMutex.Lock()
		rec.answer = answer
		rec.err = err
		rec.endTime = time.Now()
		o.asyncTurnsMutex.Unlock()

		eventType := eventbus.EventAsyncTurnSuccess
		metadata := map[string]any{
			"turn_id":     turnID,
			"session_id":  sessionID,
			"duration_ms": rec.endTime.Sub(rec.startTime).Milliseconds(),
		}
		if err != nil {
			eventType = eventbus.EventAsyncTurnFailure
			if CodeOf(err) == ErrCodeCancelled {
				eventType = eventbus.EventAsyncTurnCancelled
			}
			metadata["error"] = err.Error()
		}
		publish(context.WithoutCancel(asyncCtx), o.EventBus(), eventType, query, "Orchestrator.AnswerAsync", metadata)
	}()

	return turnID, nil
}

func (o *Orchestrator) runAsyncTurn(ctx context.Context, rec *asyncTurn) (string, error) {
	var tc *TurnContext
	if rec.sessionID == "" {
		tc = NewTurnContext(rec.id, "", rec.query, History{}, &localSink{base: History{}})
	} else {
		st, err := o.prepareSessionTurn(ctx, rec.id, rec.sessionID, rec.query)
		if err != nil {
			return "", err
		}
		defer st.release()
		tc = st.TurnContext
	}

	o.asyncTurnsMutex.Lock()
	rec.tc = tc
	o.asyncTurnsMutex.Unlock()

	return o.runTurn(ctx, tc)
}

func notFound(turnID string) error {
	return errbuilder.NotFoundErr(errbuilder.GenericErr(fmt.Sprintf("async turn '%s' not found", turnID), nil))
}

// TurnStatus retrieves the current status of an async turn.
func (o *Orchestrator) TurnStatus(turnID string) (*AsyncTurnStatus, error) {
	o.asyncTurnsMutex.RLock()
	defer o.asyncTurnsMutex.RUnlock()

	rec, exists := o.asyncTurns[turnID]
	if !exists {
		return nil, notFound(turnID)
	}

	status := &AsyncTurnStatus{
		TurnID:       rec.id,
		SessionID:    rec.sessionID,
		Query:        rec.query,
		CurrentState: StateIdle,
		StartTime:    rec.startTime,
		Duration:     time.Since(rec.startTime),
	}
	if !rec.endTime.IsZero() {
		status.Duration = rec.endTime.Sub(rec.startTime)
	}
	if rec.tc != nil {
		status.CurrentState = rec.tc.State()
		status.Trail = rec.tc.Trail()
		status.IsComplete = rec.tc.IsCompleted()
		status.IsCancelled = status.CurrentState == StateCancelled
	}
	if rec.err != nil {
		status.HasError = true
		status.ErrorMessage = rec.err.Error()
		status.IsCancelled = status.IsCancelled || CodeOf(rec.err) == ErrCodeCancelled
		if rec.tc != nil {
			status.ErrorStage = string(rec.tc.ErrorStage())
		}
	}

	return status, nil
}

// TurnResult retrieves the answer of a finished async turn.
// It fails while the turn is still running or if the turn failed.
func (o *Orchestrator) TurnResult(turnID string) (string, error) {
	o.asyncTurnsMutex.RLock()
	defer o.asyncTurnsMutex.RUnlock()

	rec, exists := o.asyncTurns[turnID]
	if !exists {
		return "", notFound(turnID)
	}
	if rec.endTime.IsZero() {
		state := StateIdle
		if rec.tc != nil {
			state = rec.tc.State()
		}
		return "", fmt.Errorf("turn is still in progress (current state: %s)", state)
	}
	if rec.err != nil {
		return "", fmt.Errorf("turn failed: %w", rec.err)
	}
	return rec.answer, nil
}

// WaitTurn blocks until the async turn finishes or ctx is done.
func (o *Orchestrator) WaitTurn(ctx context.Context, turnID string) (string, error) {
	o.asyncTurnsMutex.RLock()
	rec, exists := o.asyncTurns[turnID]
	o.asyncTurnsMutex.RUnlock()
	if !exists {
		return "", notFound(turnID)
	}

	select {
	case <-ctx.Done():
		return "", errbuilder.WrapIfContextDone(ctx, ctx.Err())
	case <-rec.done:
	}
	return o.TurnResult(turnID)
}

// CancelTurn cancels a running async turn.
// It returns false if the turn had already finished.
func (o *Orchestrator) CancelTurn(turnID string) (bool, error) {
	o.asyncTurnsMutex.RLock()
	rec, exists := o.asyncTurns[turnID]
	finished := exists && !rec.endTime.IsZero()
	o.asyncTurnsMutex.RUnlock()

	if !exists {
		return false, notFound(turnID)
	}
	if finished {
		return false, nil
	}

	rec.cancel()
	log.Info(context.Background(), log.KV{K: "msg", V: "async turn cancellation requested"}, log.KV{K: "turn_id", V: turnID})
	return true, nil
}

// ListTurns returns every tracked async turn and its current state.
func (o *Orchestrator) ListTurns() map[string]TurnState {
	o.asyncTurnsMutex.RLock()
	defer o.asyncTurnsMutex.RUnlock()

	result := make(map[string]TurnState, len(o.asyncTurns))
	for id, rec := range o.asyncTurns {
		state := StateIdle
		if rec.tc != nil {
			state = rec.tc.State()
		} else if rec.err != nil {
			state = StateErrored
			if CodeOf(rec.err) == ErrCodeCancelled {
				state = StateCancelled
			}
		}
		result[id] = state
	}
	return result
}

// CleanupTurns removes finished async turns that ended more than olderThan ago.
func (o *Orchestrator) CleanupTurns(olderThan time.Duration) int {
	o.asyncTurnsMutex.Lock()
	defer o.asyncTurnsMutex.Unlock()

	now := time.Now()
	count := 0
	for id, rec := range o.asyncTurns {
		if !rec.endTime.IsZero() && now.Sub(rec.endTime) > olderThan {
			delete(o.asyncTurns, id)
			count++
		}
	}
	return count
}
