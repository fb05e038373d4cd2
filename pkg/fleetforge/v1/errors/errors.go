package errors

import (
	"errors"
	"fmt"
	"time"
)

// --- FleetForge Core Error Types ---

// ConfigError represents an error encountered during the loading, parsing,
// or validation of the playbook, inventory, or engine options.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that some input (e.g., playbook structure,
// schema version, module parameters) failed validation checks.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// TaskExecutionError represents a failure of a specific task on a specific
// host, typically wrapping the error returned by a module's Perform method
// or produced by a task timeout.
type TaskExecutionError struct {
	TaskName string
	HostName string
	Cause    error
}

func NewTaskExecutionError(taskName, hostName string, cause error) *TaskExecutionError {
	return &TaskExecutionError{TaskName: taskName, HostName: hostName, Cause: cause}
}
func (e *TaskExecutionError) Error() string {
	switch {
	case e.TaskName == "" && e.HostName == "":
		return fmt.Sprintf("task execution failed: %v", e.Cause)
	case e.HostName == "":
		return fmt.Sprintf("task '%s' execution failed: %v", e.TaskName, e.Cause)
	default:
		return fmt.Sprintf("task '%s' failed on host '%s': %v", e.TaskName, e.HostName, e.Cause)
	}
}
func (e *TaskExecutionError) Unwrap() error { return e.Cause }

// UnreachableReason classifies why a host could not be reached. Unreachable
// is a connectivity verdict, distinct from task failure: the task never ran.
type UnreachableReason string

const (
	ReasonCircuitOpen      UnreachableReason = "circuit_open"
	ReasonPoolExhausted    UnreachableReason = "pool_exhausted"
	ReasonRetriesExhausted UnreachableReason = "retries_exhausted"
)

// UnreachableError indicates that a connection to a host could not be
// established or acquired. The Reason field distinguishes a refused dial
// (circuit open), saturated pool capacity, and exhausted dial retries.
type UnreachableError struct {
	HostName string
	Reason   UnreachableReason
	Cause    error
}

func NewUnreachableError(hostName string, reason UnreachableReason, cause error) *UnreachableError {
	return &UnreachableError{HostName: hostName, Reason: reason, Cause: cause}
}
func (e *UnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("host '%s' unreachable (%s): %v", e.HostName, e.Reason, e.Cause)
	}
	return fmt.Sprintf("host '%s' unreachable (%s)", e.HostName, e.Reason)
}
func (e *UnreachableError) Unwrap() error { return e.Cause }

// IsUnreachable checks if an error is an UnreachableError using errors.As.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// DependencyCycleError indicates that task dependency metadata forms a cycle
// and no valid execution order exists. Cycle holds one offending path.
type DependencyCycleError struct {
	Cycle []string
}

func NewDependencyCycleError(cycle []string) *DependencyCycleError {
	return &DependencyCycleError{Cycle: cycle}
}
func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Cycle)
}

// HandlerNotFoundError indicates a task notified a handler name (or listen
// topic) that no handler in the play declares.
type HandlerNotFoundError struct {
	HandlerName string
	TaskName    string
}

func NewHandlerNotFoundError(handlerName, taskName string) *HandlerNotFoundError {
	return &HandlerNotFoundError{HandlerName: handlerName, TaskName: taskName}
}
func (e *HandlerNotFoundError) Error() string {
	if e.TaskName != "" {
		return fmt.Sprintf("handler '%s' notified by task '%s' not found", e.HandlerName, e.TaskName)
	}
	return fmt.Sprintf("handler not found: %s", e.HandlerName)
}

// ConditionError indicates a conditional expression (when, changed_when,
// failed_when) could not be evaluated against the host's variables.
type ConditionError struct {
	Expression string
	Cause      error
}

func NewConditionError(expression string, cause error) *ConditionError {
	return &ConditionError{Expression: expression, Cause: cause}
}
func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition '%s' evaluation failed: %v", e.Expression, e.Cause)
}
func (e *ConditionError) Unwrap() error { return e.Cause }

// TimeoutError indicates a task exceeded its configured execution timeout.
// A timed-out task counts as Failed, never as Unreachable.
type TimeoutError struct {
	TaskName string
	HostName string
	Limit    time.Duration
}

func NewTimeoutError(taskName, hostName string, limit time.Duration) *TimeoutError {
	return &TimeoutError{TaskName: taskName, HostName: hostName, Limit: limit}
}
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task '%s' on host '%s' exceeded timeout of %s", e.TaskName, e.HostName, e.Limit)
}

// ModuleNotFoundError indicates that a module named in a task's 'module'
// field could not be found in the module registry.
type ModuleNotFoundError struct {
	ModuleName string
}

func NewModuleNotFoundError(moduleName string) *ModuleNotFoundError {
	return &ModuleNotFoundError{ModuleName: moduleName}
}
func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module not found: %s", e.ModuleName)
}

// SkippedError indicates a task was intentionally skipped (e.g., 'when'
// condition false). It implements the error interface but signifies
// non-failure. Used internally.
type SkippedError struct {
	Reason string
}

func NewSkippedError(reason string) *SkippedError {
	return &SkippedError{Reason: reason}
}
func (e *SkippedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("task skipped: %s", e.Reason)
	}
	return "task skipped"
}

// IsSkipped checks if an error is a SkippedError using errors.As.
func IsSkipped(err error) bool {
	var skipErr *SkippedError
	return errors.As(err, &skipErr)
}

// IsTimeout checks if an error is a TimeoutError using errors.As.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
