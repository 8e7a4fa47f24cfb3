package eventbus

import (
	"context"
	"time"
)

// EventType names something that happened during a turn.
type EventType string

const (
	EventTurnStarted   EventType = "turn_started"
	EventTurnCompleted EventType = "turn_completed"
	EventTurnFailed    EventType = "turn_failed"
	EventTurnCancelled EventType = "turn_cancelled"

	// Payload is the stage being entered; metadata carries "from".
	EventStageEntered EventType = "stage_entered"

	EventRewriteStarted EventType = "rewrite_started"
	EventRewriteSuccess EventType = "rewrite_success"
	EventRewriteFailure EventType = "rewrite_failure"

	EventPlanGenerationStarted EventType = "plan_generation_started"
	EventPlanGenerationSuccess EventType = "plan_generation_success"
	EventPlanGenerationFailure EventType = "plan_generation_failure"
	EventMetaQueryRouted       EventType = "meta_query_routed"

	// Tool call events carry request_id and tool in their metadata.
	EventToolCallStarted  EventType = "tool_call_started"
	EventToolCallSuccess  EventType = "tool_call_success"
	EventToolCallFailure  EventType = "tool_call_failure"
	EventToolCallRetry    EventType = "tool_call_retry"
	EventToolCallCanceled EventType = "tool_call_canceled"

	EventExecutionStarted  EventType = "execution_started"
	EventExecutionFinished EventType = "execution_finished"

	EventSynthesisStarted EventType = "synthesis_started"
	// Payload is the next chunk of a streamed answer.
	EventSynthesisDelta   EventType = "answer_delta"
	EventSynthesisSuccess EventType = "synthesis_success"
	EventSynthesisFailure EventType = "synthesis_failure"

	EventHistoryAppended EventType = "history_appended"
	EventHistoryConflict EventType = "history_conflict"

	EventAsyncTurnStarted   EventType = "async_turn_started"
	EventAsyncTurnSuccess   EventType = "async_turn_success"
	EventAsyncTurnFailure   EventType = "async_turn_failure"
	EventAsyncTurnCancelled EventType = "async_turn_cancelled"
)

// EventHandler consumes a delivered event. A returned error is retried.
type EventHandler func(context.Context, Event) error

// Event is a notification about turn progress. Events published from inside
// a turn carry turn_id and session_id in Metadata.
type Event interface {
	Type() EventType
	Payload() any
	Metadata() map[string]any
	// Timestamp is in Unix nanoseconds.
	Timestamp() int64
	// Source names the component that published the event.
	Source() string
}

// EventBus fans turn events out to subscribers.
type EventBus interface {
	Publish(ctx context.Context, event Event) error

	// Subscribe registers handler for eventTypes and returns a subscription
	// ID for Unsubscribe.
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)
	SubscribeAll(handler EventHandler) (string, error)
	Unsubscribe(subscriptionID string) error

	Close() error
}

// BaseEvent is the Event used throughout breezeflow.
type BaseEvent struct {
	eventType  EventType
	payload    any
	metadata   map[string]any
	timestamp  int64
	sourceInfo string
}

// NewEvent stamps a new event with the current time.
func NewEvent(eventType EventType, payload any, source string, metadata map[string]any) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &BaseEvent{
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		timestamp:  time.Now().UnixNano(),
		sourceInfo: source,
	}
}

// NewEmptyEvent creates an event with no payload or metadata.
func NewEmptyEvent(eventType EventType, source string) *BaseEvent {
	return NewEvent(eventType, nil, source, nil)
}

func (e *BaseEvent) Type() EventType          { return e.eventType }
func (e *BaseEvent) Payload() any             { return e.payload }
func (e *BaseEvent) Metadata() map[string]any { return e.metadata }
func (e *BaseEvent) Timestamp() int64         { return e.timestamp }
func (e *BaseEvent) Source() string           { return e.sourceInfo }

// TurnID returns the turn an event belongs to, or "" for events published
// outside a turn.
func TurnID(e Event) string {
	id, _ := e.Metadata()["turn_id"].(string)
	return id
}
