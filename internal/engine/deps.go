package engine

import (
	"sort"

	"github.com/fleetforge-labs/fleetforge/internal/config"
	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
)

// orderTasks returns the play's tasks in an execution order that honors
// depends_on edges while otherwise preserving playbook order (stable
// topological sort: among ready tasks, the one defined first runs first).
// A dependency cycle is reported as DependencyCycleError naming the cycle.
func orderTasks(tasks []config.Task) ([]*config.Task, error) {
	byName := make(map[string]int, len(tasks))
	for i := range tasks {
		if tasks[i].Name != "" {
			byName[tasks[i].Name] = i
		}
	}

	indegree := make([]int, len(tasks))
	dependents := make([][]int, len(tasks))
	for i := range tasks {
		for _, dep := range tasks[i].DependsOn {
			di, ok := byName[dep]
			if !ok {
				continue
			}
			indegree[i]++
			dependents[di] = append(dependents[di], i)
		}
	}

	ready := make([]int, 0, len(tasks))
	for i := range tasks {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]*config.Task, 0, len(tasks))
	for len(ready) > 0 {
		sort.Ints(ready)
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, &tasks[next])
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(tasks) {
		var cycle []string
		for i := range tasks {
			if indegree[i] > 0 {
				name := tasks[i].Name
				if name == "" {
					name = tasks[i].InternalID
				}
				cycle = append(cycle, name)
			}
		}
		return nil, fferrors.NewDependencyCycleError(cycle)
	}
	return ordered, nil
}
