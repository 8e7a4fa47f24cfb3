// Package eventbus delivers turn, stage and tool events to subscribers such
// as the websocket relay and the CLI progress printer.
package eventbus

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
)

// ErrClosed is returned by every operation on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// ChannelEventBus dispatches events on a fixed set of lanes. Events of the
// same turn always share a lane, so a subscriber sees one turn's events
// (stage changes, tool calls, answer deltas) in publish order.
type ChannelEventBus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool

	lanes []chan delivery
	done  chan struct{}
	wg    sync.WaitGroup

	laneDepth  int
	laneCount  int
	maxRetries int
	retryDelay time.Duration
}

type subscription struct {
	handler EventHandler
	types   map[EventType]struct{} // nil matches every type
}

func (s *subscription) wants(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type delivery struct {
	ctx   context.Context
	event Event
}

// ChannelEventBusOption configures a ChannelEventBus.
type ChannelEventBusOption func(*ChannelEventBus)

// WithBufferSize sets how many events each lane queues before Publish blocks.
func WithBufferSize(size int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		if size >= 0 {
			eb.laneDepth = size
		}
	}
}

// WithWorkerCount sets the number of delivery lanes.
func WithWorkerCount(count int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		if count > 0 {
			eb.laneCount = count
		}
	}
}

// WithRetries retries a failing handler up to maxRetries times.
func WithRetries(maxRetries int, retryInterval time.Duration) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.maxRetries = maxRetries
		eb.retryDelay = retryInterval
	}
}

func NewChannelEventBus(options ...ChannelEventBusOption) *ChannelEventBus {
	eb := &ChannelEventBus{
		subs:       make(map[string]*subscription),
		done:       make(chan struct{}),
		laneDepth:  100,
		laneCount:  4,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, option := range options {
		option(eb)
	}

	eb.lanes = make([]chan delivery, eb.laneCount)
	for i := range eb.lanes {
		eb.lanes[i] = make(chan delivery, eb.laneDepth)
		eb.wg.Add(1)
		go eb.drain(eb.lanes[i])
	}
	return eb
}

// lane picks the queue for event. Events outside a turn are spread by type.
func (eb *ChannelEventBus) lane(event Event) chan delivery {
	key := TurnID(event)
	if key == "" {
		key = string(event.Type())
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return eb.lanes[h.Sum32()%uint32(len(eb.lanes))]
}

func (eb *ChannelEventBus) drain(lane chan delivery) {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.done:
			return
		case d := <-lane:
			eb.dispatch(d)
		}
	}
}

func (eb *ChannelEventBus) dispatch(d delivery) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.wants(d.event.Type()) {
			handlers = append(handlers, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.deliver(d.ctx, d.event, h)
	}
}

// deliver runs h, retrying on error. Failures are logged and dropped.
func (eb *ChannelEventBus) deliver(ctx context.Context, event Event, h EventHandler) {
	var err error
	for attempt := 0; attempt <= eb.maxRetries; attempt++ {
		if err = h(ctx, event); err == nil {
			return
		}
		if attempt == eb.maxRetries {
			break
		}
		select {
		case <-eb.done:
			return
		case <-time.After(eb.retryDelay):
		}
	}
	log.Error(ctx, err,
		log.KV{K: "msg", V: "event handler failed"},
		log.KV{K: "event_type", V: string(event.Type())},
		log.KV{K: "turn_id", V: TurnID(event)},
		log.KV{K: "retries", V: eb.maxRetries},
	)
}

// Publish queues event for delivery. A context that is already done is
// rejected; once queued, the event is delivered even if ctx is cancelled
// afterwards, so terminal turn events still reach subscribers.
func (eb *ChannelEventBus) Publish(ctx context.Context, event Event) error {
	if eb.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-eb.done:
		return ErrClosed
	case eb.lane(event) <- delivery{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	}
}

func (eb *ChannelEventBus) isClosed() bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.closed
}

func (eb *ChannelEventBus) Subscribe(eventTypes []EventType, handler EventHandler) (string, error) {
	if len(eventTypes) == 0 {
		return "", errors.New("at least one event type is required")
	}
	types := make(map[EventType]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	return eb.add(&subscription{handler: handler, types: types})
}

func (eb *ChannelEventBus) SubscribeAll(handler EventHandler) (string, error) {
	return eb.add(&subscription{handler: handler})
}

func (eb *ChannelEventBus) add(s *subscription) (string, error) {
	if s.handler == nil {
		return "", errors.New("handler cannot be nil")
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return "", ErrClosed
	}
	id := uuid.New().String()
	eb.subs[id] = s
	return id, nil
}

func (eb *ChannelEventBus) Unsubscribe(subscriptionID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return ErrClosed
	}
	delete(eb.subs, subscriptionID)
	return nil
}

// Close stops delivery. Events still queued are dropped.
func (eb *ChannelEventBus) Close() error {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return nil
	}
	eb.closed = true
	eb.mu.Unlock()

	close(eb.done)
	eb.wg.Wait()
	return nil
}
