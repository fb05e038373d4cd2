package events

import "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/events"

// NoOpEventBus is a default implementation of the public events.Bus interface.
// It performs no actions when its Emit method is called. It is used as a
// fallback when no specific event handling mechanism is configured, so that
// components emitting events never need nil checks.
type NoOpEventBus struct{}

// NewNoOpEventBus creates a new instance of the NoOpEventBus.
func NewNoOpEventBus() events.Bus {
	return &NoOpEventBus{}
}

// Emit implements the events.Bus interface method. It does nothing.
func (n *NoOpEventBus) Emit(event events.Event) {
}

var _ events.Bus = (*NoOpEventBus)(nil)
