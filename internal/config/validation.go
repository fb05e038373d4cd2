package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/fleetforge-labs/fleetforge/internal/inventory"
	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
)

// Pre-compiled regex for validating identifiers used in 'register' and 'loop_var'.
var identifierRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Pre-compiled regex for validating task and handler names. Allows readable
// names with spaces, but not a leading underscore (reserved for generated IDs).
var taskNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 _./-]*$`)

// ValidatePlaybookStructure performs a comprehensive logical validation of the
// parsed Playbook struct. It checks cross-field consistency, valid references,
// and other rules that cannot be fully expressed in JSON Schema alone. It
// returns a slice of all validation errors found.
func ValidatePlaybookStructure(p *Playbook) []error {
	var errs []error

	if len(p.Plays) == 0 {
		errs = append(errs, fferrors.NewValidationError("playbook must contain at least one play in 'plays' list", nil))
	}

	for pi := range p.Plays {
		errs = append(errs, validatePlay(&p.Plays[pi], pi)...)
	}

	return errs
}

func validatePlay(play *Play, playIdx int) []error {
	var errs []error

	playDisplayName := fmt.Sprintf("play %d", playIdx)
	if play.Name != "" {
		playDisplayName = fmt.Sprintf("play %d ('%s')", playIdx, play.Name)
	}

	if play.Hosts == "" {
		errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'hosts' is required", playDisplayName), nil))
	}
	if len(play.Tasks) == 0 {
		errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: must contain at least one task in 'tasks' list", playDisplayName), nil))
	}

	switch play.GetStrategy() {
	case StrategyLinear, StrategyFree, StrategyHostPinned:
	default:
		errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: invalid strategy '%s'", playDisplayName, play.Strategy), nil))
	}

	if !inventory.Order(play.GetOrder()).Valid() {
		errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: invalid order '%s'", playDisplayName, play.Order), nil))
	}

	if play.MaxFailPercentage != nil {
		if *play.MaxFailPercentage < 0 || *play.MaxFailPercentage > 100 {
			errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'max_fail_percentage' must be between 0 and 100", playDisplayName), nil))
		}
	}

	if play.Serial != nil {
		for _, batch := range play.Serial.Batches {
			if batch.Percent > 0 {
				if batch.Percent > 100 {
					errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: serial percentage cannot exceed 100", playDisplayName), nil))
				}
			} else if batch.Count < 1 {
				errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: serial batch size must be at least 1", playDisplayName), nil))
			}
		}
	}

	// Handlers are validated first so notify targets can be resolved while
	// walking the tasks.
	handlerNames := make(map[string]bool)
	listenTopics := make(map[string]bool)
	for hi := range play.Handlers {
		handler := &play.Handlers[hi]
		handlerDisplayName := fmt.Sprintf("%s handler %d", playDisplayName, hi)
		if handler.Name != "" {
			handlerDisplayName = fmt.Sprintf("%s handler %d ('%s')", playDisplayName, hi, handler.Name)
		}

		if handler.Name == "" {
			errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'name' is required for handlers", handlerDisplayName), nil))
		} else {
			if !taskNameRegex.MatchString(handler.Name) {
				errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: name contains invalid characters", handlerDisplayName), nil))
			}
			if handlerNames[handler.Name] {
				errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: duplicate handler name found", handlerDisplayName), nil))
			}
			handlerNames[handler.Name] = true
		}
		for _, topic := range handler.Listen {
			listenTopics[topic] = true
		}
		if len(handler.Notify) > 0 {
			errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: handlers cannot notify other handlers", handlerDisplayName), nil))
		}
		errs = append(errs, validateTaskFields(&handler.Task, handlerDisplayName)...)
	}

	taskNames := make(map[string]bool)
	registeredVars := make(map[string]string)
	for ti := range play.Tasks {
		task := &play.Tasks[ti]
		taskDisplayName := fmt.Sprintf("%s task %d", playDisplayName, ti)
		if task.Name != "" {
			taskDisplayName = fmt.Sprintf("%s task %d ('%s')", playDisplayName, ti, task.Name)
		}

		if task.Name != "" {
			if !taskNameRegex.MatchString(task.Name) {
				errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: name contains invalid characters", taskDisplayName), nil))
			}
			if taskNames[task.Name] {
				errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: duplicate task name found", taskDisplayName), nil))
			}
			taskNames[task.Name] = true
		}

		if task.Register != "" {
			if regTaskName, exists := registeredVars[task.Register]; exists {
				errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'register' key '%s' is already used by task '%s'", taskDisplayName, task.Register, regTaskName), nil))
			} else {
				registeredVars[task.Register] = task.Name
			}
		}

		for _, target := range task.Notify {
			if !handlerNames[target] && !listenTopics[target] {
				errs = append(errs, fferrors.NewHandlerNotFoundError(target, taskDisplayName))
			}
		}

		errs = append(errs, validateTaskFields(task, taskDisplayName)...)
	}

	// depends_on references must resolve to named tasks in the same play.
	// Cycle detection happens at execution planning time, where the full
	// graph is built.
	for ti := range play.Tasks {
		task := &play.Tasks[ti]
		for _, dep := range task.DependsOn {
			if !taskNames[dep] {
				errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s task %d: 'depends_on' target '%s' is not a named task in this play", playDisplayName, ti, dep), nil))
			}
			if task.Name != "" && dep == task.Name {
				errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s task %d: task cannot depend on itself", playDisplayName, ti), nil))
			}
		}
	}

	return errs
}

// validateTaskFields checks the rules shared by tasks and handlers.
func validateTaskFields(task *Task, displayName string) []error {
	var errs []error

	if task.Module == "" {
		errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'module' is required", displayName), nil))
	}

	if task.Register != "" {
		if !identifierRegex.MatchString(task.Register) {
			errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'register' key '%s' is not a valid identifier", displayName, task.Register), nil))
		}
		if task.Name == "" {
			errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'name' is required when 'register' is used", displayName), nil))
		}
	}

	if task.LoopControl != nil {
		if task.LoopControl.LoopVar != "" && !identifierRegex.MatchString(task.LoopControl.LoopVar) {
			errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'loop_control.loop_var' ('%s') is not a valid identifier", displayName, task.LoopControl.LoopVar), nil))
		}
		if task.Loop == nil {
			errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'loop_control' requires 'loop'", displayName), nil))
		}
	}

	if task.Retry != nil {
		if task.Retry.Attempts < 1 {
			errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'retry.attempts' must be at least 1", displayName), nil))
		}
		var baseDelay time.Duration
		var delayErr error
		if task.Retry.Delay != "" {
			baseDelay, delayErr = time.ParseDuration(task.Retry.Delay)
			if delayErr != nil {
				errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: invalid format for 'retry.delay': %v", displayName, delayErr), nil))
			} else if baseDelay < 0 {
				errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'retry.delay' cannot be negative", displayName), nil))
			}
		}
		if task.Retry.MaxDelay != "" {
			maxDelay, maxDelayErr := time.ParseDuration(task.Retry.MaxDelay)
			if maxDelayErr != nil {
				errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: invalid format for 'retry.max_delay': %v", displayName, maxDelayErr), nil))
			} else if maxDelay > 0 && delayErr == nil && maxDelay < baseDelay {
				errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'retry.max_delay' (%v) cannot be less than 'retry.delay' (%v)", displayName, maxDelay, baseDelay), nil))
			}
		}
	}

	if task.Timeout != "" {
		if _, timeoutErr := time.ParseDuration(task.Timeout); timeoutErr != nil {
			errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: invalid format for 'timeout': %v", displayName, timeoutErr), nil))
		}
	}

	if task.Throttle < 0 {
		errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'throttle' cannot be negative", displayName), nil))
	}

	if task.RunOnce && task.DelegateTo != "" {
		errs = append(errs, fferrors.NewValidationError(fmt.Sprintf("%s: 'run_once' and 'delegate_to' cannot be combined", displayName), nil))
	}

	return errs
}
