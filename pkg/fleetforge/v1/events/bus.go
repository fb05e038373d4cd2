package events

import "time"

// EventType represents the type of a FleetForge engine event.
type EventType string

// Standard FleetForge Event Types
const (
	PlaybookStart   EventType = "PlaybookStart"
	PlaybookEnd     EventType = "PlaybookEnd"
	PlayStart       EventType = "PlayStart"
	PlayEnd         EventType = "PlayEnd"
	PlayAborted     EventType = "PlayAborted" // max_fail_percentage exceeded
	BatchStart      EventType = "BatchStart"  // serial batch begins
	BatchEnd        EventType = "BatchEnd"
	TaskStart       EventType = "TaskStart" // dispatch of a task to a host
	TaskEnd         EventType = "TaskEnd"   // final per-host task outcome recorded
	HostUnreachable EventType = "HostUnreachable"
	HandlerNotified EventType = "HandlerNotified"
	HandlerExecuted EventType = "HandlerExecuted"
	CircuitTripped  EventType = "CircuitTripped" // breaker transitioned to open
	CircuitReset    EventType = "CircuitReset"   // breaker transitioned to closed
)

// Event represents a significant occurrence within the FleetForge engine.
type Event struct {
	// Type categorizes the event.
	Type EventType `json:"type"`
	// Timestamp marks when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// PlaybookName identifies the playbook context, if applicable.
	PlaybookName string `json:"playbook_name,omitempty"`
	// PlayName identifies the play context, if applicable.
	PlayName string `json:"play_name,omitempty"`
	// TaskName identifies the task or handler context, if applicable.
	TaskName string `json:"task_name,omitempty"`
	// HostName identifies the target host context, if applicable.
	HostName string `json:"host_name,omitempty"`
	// Payload contains event-specific data (status, durations, batch index).
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus defines the interface for publishing events within the FleetForge
// engine. Implementations could include logging, metrics aggregation, or
// forwarding to message queues.
type Bus interface {
	// Emit publishes an event to the bus. Implementations must be
	// non-blocking or handle blocking carefully: a slow or failing observer
	// must never slow down or fail the scheduler.
	Emit(event Event)
}
