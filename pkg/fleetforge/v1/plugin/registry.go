package plugin

import (
	"context"

	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/log"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/transport"
)

// HintKind enumerates the parallelization contracts a module may declare.
type HintKind int

const (
	// KindFullyParallel places no constraint beyond the global fork limit.
	KindFullyParallel HintKind = iota
	// KindHostExclusive allows at most one concurrent execution per host.
	KindHostExclusive
	// KindResourceBounded allows at most Limit concurrent executions across
	// all hosts sharing the same resource Key.
	KindResourceBounded
	// KindGloballySerial allows exactly one execution across the entire fleet.
	KindGloballySerial
)

func (k HintKind) String() string {
	switch k {
	case KindFullyParallel:
		return "fully_parallel"
	case KindHostExclusive:
		return "host_exclusive"
	case KindResourceBounded:
		return "resource_bounded"
	case KindGloballySerial:
		return "globally_serial"
	default:
		return "unknown"
	}
}

// Hint declares how a module's executions may overlap. The scheduler
// enforces the declared contract; modules never coordinate among themselves.
type Hint struct {
	Kind HintKind
	// Limit bounds concurrency for KindResourceBounded. Ignored otherwise.
	Limit int
	// Key names the shared resource for KindResourceBounded. Executions with
	// different keys do not contend. Ignored otherwise.
	Key string
}

// FullyParallel returns a hint with no constraint beyond the fork limit.
func FullyParallel() Hint { return Hint{Kind: KindFullyParallel} }

// HostExclusive returns a hint allowing one concurrent execution per host.
func HostExclusive() Hint { return Hint{Kind: KindHostExclusive} }

// ResourceBounded returns a hint allowing at most limit concurrent
// executions across all hosts sharing key.
func ResourceBounded(limit int, key string) Hint {
	return Hint{Kind: KindResourceBounded, Limit: limit, Key: key}
}

// GloballySerial returns a hint allowing one execution across the fleet.
func GloballySerial() Hint { return Hint{Kind: KindGloballySerial} }

// ExecContext carries everything a module needs to act on one host during
// one task execution. The Vars map is a deep copy of the host's merged
// variables; mutating it has no effect on engine state.
type ExecContext struct {
	// HostName is the inventory name of the target host.
	HostName string
	// Session is an exclusive transport session to the target host. It is
	// acquired by the engine before Perform and released after it returns.
	Session transport.Session
	// Vars holds the host's merged variables at dispatch time.
	Vars map[string]interface{}
	// CheckMode indicates a dry run. Modules must report what they would
	// change without changing anything.
	CheckMode bool
	// DiffMode asks modules to include before/after detail in their result.
	DiffMode bool
	// Logger is scoped to the task and host.
	Logger log.Logger
}

// Result is the outcome of a successful (non-failed) module execution.
type Result struct {
	// Changed reports whether the module altered the target system.
	Changed bool
	// Msg is a short human-readable summary.
	Msg string
	// Data holds module-specific output, stored under the task's 'register'
	// name when set.
	Data map[string]interface{}
}

// Module defines the public interface that all FleetForge modules implement.
// It is the fundamental unit of execution logic.
type Module interface {
	// Hint declares the module's parallelization contract. It is consulted
	// once per dispatch, before any permit is acquired.
	Hint() Hint

	// Perform executes the module's core logic against a single host.
	//
	// Parameters:
	// - ctx: carries the task deadline and cancellation. Modules MUST respect
	//   context cancellation, especially on long-running operations.
	// - params: the task's rendered parameters.
	// - execCtx: the per-host execution context (session, vars, modes).
	//
	// Returns:
	// - result: the outcome when the execution did not fail. May be nil for
	//   modules with no meaningful output.
	// - err: a fatal error marking the task Failed on this host. Return a
	//   *errors.SkippedError to mark the execution skipped instead.
	Perform(ctx context.Context, params map[string]interface{}, execCtx *ExecContext) (*Result, error)
}

// ModuleFactory is a function type that creates new instances of a specific
// Module. Each module registers a factory function of this type.
type ModuleFactory func() Module

// Registry defines the public interface for the engine's module registry.
type Registry interface {
	// Get retrieves the factory function for a given module name.
	// It returns an errors.ModuleNotFoundError if the name is not registered.
	Get(name string) (ModuleFactory, error)

	// Register associates a module type name with its factory function.
	// It must be concurrency-safe. It returns an error if the name is empty,
	// the factory is nil, or the name is already registered.
	Register(name string, factory ModuleFactory) error

	// List returns the names of all registered modules in unspecified order.
	List() []string
}
