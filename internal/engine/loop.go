package engine

import (
	"fmt"

	"github.com/fleetforge-labs/fleetforge/internal/config"
	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
)

// loopItems resolves a task's loop definition against the host's variables.
// looping reports whether the task has a loop at all; a task without one
// executes exactly once with no loop variable injected.
func (r *taskRunner) loopItems(task *config.Task, vars map[string]interface{}) (items []interface{}, looping bool, err error) {
	switch loop := task.Loop.(type) {
	case nil:
		return nil, false, nil
	case string:
		resolved, err := r.eng.eval.Resolve(loop, vars)
		if err != nil {
			return nil, true, err
		}
		list, ok := resolved.([]interface{})
		if !ok {
			return nil, true, fferrors.NewValidationError(
				fmt.Sprintf("loop expression '%s' did not resolve to a list (got %T)", loop, resolved), nil)
		}
		return list, true, nil
	case []interface{}:
		list := make([]interface{}, len(loop))
		for i, item := range loop {
			if s, ok := item.(string); ok {
				resolved, err := r.eng.eval.Resolve(s, vars)
				if err != nil {
					return nil, true, err
				}
				list[i] = resolved
				continue
			}
			list[i] = item
		}
		return list, true, nil
	default:
		return nil, true, fferrors.NewValidationError(
			fmt.Sprintf("loop must be a list or a template expression (got %T)", task.Loop), nil)
	}
}
