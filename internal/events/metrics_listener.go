package events

import (
	"context"

	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/events"
	fflog "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/log"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsEventListener subscribes to a FleetForge event bus and updates
// Prometheus metrics based on the lifecycle events it receives.
type MetricsEventListener struct {
	bus                *ChannelEventBus
	log                fflog.Logger
	unreachableCounter *prometheus.CounterVec
	handlerRunCounter  prometheus.Counter
	breakerTripCounter *prometheus.CounterVec
}

// NewMetricsEventListener creates a new listener. It requires a
// ChannelEventBus to subscribe to and the Prometheus collectors it updates.
func NewMetricsEventListener(bus *ChannelEventBus, unreachable *prometheus.CounterVec, handlerRuns prometheus.Counter, breakerTrips *prometheus.CounterVec, log fflog.Logger) *MetricsEventListener {
	if bus == nil || unreachable == nil || handlerRuns == nil || breakerTrips == nil || log == nil {
		panic("MetricsEventListener requires non-nil bus, collectors, and logger")
	}
	return &MetricsEventListener{
		bus:                bus,
		log:                log.With("component", "MetricsEventListener"),
		unreachableCounter: unreachable,
		handlerRunCounter:  handlerRuns,
		breakerTripCounter: breakerTrips,
	}
}

// Start begins listening for events on the bus in the calling goroutine.
// It runs until the bus channel is closed or the context is cancelled.
func (l *MetricsEventListener) Start(ctx context.Context) {
	l.log.Debugf("Starting metrics event listener...")
	for {
		select {
		case event, ok := <-l.bus.GetChannel():
			if !ok {
				l.log.Debugf("Event bus channel closed, stopping listener.")
				return
			}
			l.handleEvent(event)
		case <-ctx.Done():
			l.log.Debugf("Context cancelled, stopping metrics event listener.")
			return
		}
	}
}

// handleEvent processes a single event, incrementing metrics as needed.
func (l *MetricsEventListener) handleEvent(event events.Event) {
	switch event.Type {
	case events.HostUnreachable:
		reason := "unknown"
		if r, ok := event.Payload["reason"].(string); ok {
			reason = r
		}
		l.unreachableCounter.WithLabelValues(reason).Inc()
	case events.HandlerExecuted:
		l.handlerRunCounter.Inc()
	case events.CircuitTripped:
		l.breakerTripCounter.WithLabelValues(event.HostName).Inc()
	}
}
