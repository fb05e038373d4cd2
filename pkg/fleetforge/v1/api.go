package v1

import (
	"context"
	"runtime"
	"time"

	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/events"
	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/metrics"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/plugin"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/tracing"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/transport"
)

// EngineV1 defines the public interface for the FleetForge automation engine.
type EngineV1 interface {
	// RunPlaybook executes a playbook from its raw YAML content against the
	// engine's configured inventory.
	RunPlaybook(ctx context.Context, playbookYAML []byte) (*ExecutionReport, error)

	// MetricsRegistryProvider returns the underlying metrics provider.
	MetricsRegistryProvider() metrics.RegistryProvider
	// TracerProvider returns the underlying tracing provider.
	TracerProvider() tracing.TracerProvider

	// Setter methods for configuring engine components programmatically.
	SetDialer(dialer transport.Dialer) error
	SetEventBus(bus events.Bus) error
	SetPluginRegistry(registry plugin.Registry) error
	SetMetricsRegistryProvider(provider metrics.RegistryProvider) error
	SetTracerProvider(provider tracing.TracerProvider) error
	SetForks(forks int) error
	SetDefaultTaskTimeout(timeout time.Duration) error
	SetExtraVars(vars map[string]interface{}) error
	SetCheckMode(enabled bool) error
	SetDiffMode(enabled bool) error
	SetConnectionWarmup(enabled bool) error
}

// EngineOption is a function type used to configure the engine at creation.
type EngineOption func(EngineV1) error

// HostTaskResult holds the final outcome of one task on one host.
type HostTaskResult struct {
	Status    string        `json:"status"`
	Changed   bool          `json:"changed"`
	Error     string        `json:"error,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// HostSummary aggregates per-host counters for a completed run, in the
// shape of a recap line: ok/changed/failed/skipped/unreachable.
type HostSummary struct {
	Ok          int `json:"ok"`
	Changed     int `json:"changed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Unreachable int `json:"unreachable"`
}

// ExecutionReport provides a comprehensive summary of a completed playbook run.
type ExecutionReport struct {
	PlaybookName  string                 `json:"playbook_name"`
	OverallStatus string                 `json:"overall_status"`
	StartTime     time.Time              `json:"start_time"`
	EndTime       time.Time              `json:"end_time"`
	Duration      time.Duration          `json:"duration"`
	Error         string                 `json:"error,omitempty"`
	HostSummaries map[string]HostSummary `json:"host_summaries"`
	// TaskResults maps "task/host" keys to individual outcomes.
	TaskResults map[string]HostTaskResult `json:"task_results"`
}

// WithDialer is an engine option to provide a custom transport dialer.
func WithDialer(dialer transport.Dialer) EngineOption {
	return func(e EngineV1) error {
		if dialer == nil {
			return fferrors.NewConfigError("dialer cannot be nil", nil)
		}
		return e.SetDialer(dialer)
	}
}

// WithEventBus is an engine option to provide a custom event bus.
func WithEventBus(bus events.Bus) EngineOption {
	return func(e EngineV1) error {
		if bus == nil {
			return fferrors.NewConfigError("event bus cannot be nil", nil)
		}
		return e.SetEventBus(bus)
	}
}

// WithPluginRegistry is an engine option to provide a custom module registry.
func WithPluginRegistry(registry plugin.Registry) EngineOption {
	return func(e EngineV1) error {
		if registry == nil {
			return fferrors.NewConfigError("plugin registry cannot be nil", nil)
		}
		return e.SetPluginRegistry(registry)
	}
}

// WithMetricsRegistryProvider is an engine option to provide a custom metrics provider.
func WithMetricsRegistryProvider(provider metrics.RegistryProvider) EngineOption {
	return func(e EngineV1) error {
		if provider == nil {
			return fferrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		return e.SetMetricsRegistryProvider(provider)
	}
}

// WithTracerProvider is an engine option to provide a custom tracing provider.
func WithTracerProvider(provider tracing.TracerProvider) EngineOption {
	return func(e EngineV1) error {
		if provider == nil {
			return fferrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		return e.SetTracerProvider(provider)
	}
}

// WithForks is an engine option to configure the global concurrency limit.
func WithForks(forks int) EngineOption {
	return func(e EngineV1) error {
		effective := forks
		if effective <= 0 {
			effective = runtime.NumCPU()
		}
		return e.SetForks(effective)
	}
}

// WithDefaultTaskTimeout is an engine option to set the default per-task timeout.
func WithDefaultTaskTimeout(timeout time.Duration) EngineOption {
	return func(e EngineV1) error {
		if timeout < 0 {
			return fferrors.NewConfigError("default task timeout cannot be negative", nil)
		}
		return e.SetDefaultTaskTimeout(timeout)
	}
}

// WithExtraVars is an engine option to supply extra variables. Extra vars
// occupy the highest precedence layer and override every other source.
func WithExtraVars(vars map[string]interface{}) EngineOption {
	return func(e EngineV1) error {
		return e.SetExtraVars(vars)
	}
}

// WithCheckMode is an engine option to run the playbook as a dry run.
func WithCheckMode(enabled bool) EngineOption {
	return func(e EngineV1) error {
		return e.SetCheckMode(enabled)
	}
}

// WithDiffMode is an engine option to ask modules for before/after detail.
func WithDiffMode(enabled bool) EngineOption {
	return func(e EngineV1) error {
		return e.SetDiffMode(enabled)
	}
}

// WithConnectionWarmup is an engine option to pre-dial one session per play
// host before the play's first task runs.
func WithConnectionWarmup(enabled bool) EngineOption {
	return func(e EngineV1) error {
		return e.SetConnectionWarmup(enabled)
	}
}
