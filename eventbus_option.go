package breezeflow

import "github.com/ZanzyTHEbar/breezeflow/internal/eventbus"

// WithEventBus sets the event bus turn events are published on.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(o *Orchestrator) {
		o.eventBus = bus
	}
}
