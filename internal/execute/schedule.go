package execute

import (
	"fmt"
	"sort"
	"strings"

	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/pkg/models"
)

// scopeTasks picks the tasks a run may touch. An empty filter means the
// whole plan; filter ids that no longer exist are dropped with a
// warning rather than failing the run.
func scopeTasks(tree *models.PlanTree, filter []int64) (map[int64]*models.PlanNode, []string) {
	if len(filter) == 0 {
		scope := make(map[int64]*models.PlanNode, len(tree.Nodes))
		for id, node := range tree.Nodes {
			scope[id] = node
		}
		return scope, nil
	}

	scope := make(map[int64]*models.PlanNode, len(filter))
	var warnings []string
	for _, id := range filter {
		node := tree.Get(id)
		if node == nil {
			warnings = append(warnings, fmt.Sprintf("task %d not found in plan, dropped from filter", id))
			continue
		}
		scope[id] = node
	}
	return scope, warnings
}

// detectCycle runs Kahn's algorithm over the dependency edges between
// scoped tasks. Statuses are ignored; a cycle makes the run
// unschedulable no matter what has already finished. The storage layer
// rejects writes that would close a cycle, so this guards against
// plans edited outside the repository.
func detectCycle(scope map[int64]*models.PlanNode) error {
	indegree := make(map[int64]int, len(scope))
	dependents := make(map[int64][]int64, len(scope))
	for id, node := range scope {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range node.Dependencies {
			if _, ok := scope[dep]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]int64, 0, len(scope))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	settled := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		settled++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if settled == len(scope) {
		return nil
	}

	stuck := make([]int64, 0, len(scope)-settled)
	for id, deg := range indegree {
		if deg > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i] < stuck[j] })
	labels := make([]string, len(stuck))
	for i, id := range stuck {
		labels[i] = fmt.Sprintf("%d", id)
	}
	return &plan.CycleDetectedError{
		TaskID: stuck[0],
		Detail: "dependency cycle among tasks " + strings.Join(labels, ", "),
	}
}

// readyTasks returns the pending scoped tasks whose prerequisites have
// all reached completed or skipped, in id order. Prerequisites outside
// the scope count through their current status, so a filtered run can
// build on work done earlier.
func readyTasks(scope map[int64]*models.PlanNode, tree *models.PlanTree) []*models.PlanNode {
	var out []*models.PlanNode
	for _, node := range scope {
		if node.Status != models.TaskStatusPending {
			continue
		}
		ready := true
		for _, id := range node.Dependencies {
			dep := tree.Get(id)
			if dep == nil {
				continue
			}
			if dep.Status != models.TaskStatusCompleted && dep.Status != models.TaskStatusSkipped {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// skipCandidates returns the pending scoped tasks with a failure
// somewhere upstream, in id order. A dependency that was itself
// skipped carries the failure through, so the whole chain behind a
// failed task settles at once.
func skipCandidates(scope map[int64]*models.PlanNode, tree *models.PlanTree) []*models.PlanNode {
	doomed := make(map[int64]bool)
	for id, node := range tree.Nodes {
		if node.Status == models.TaskStatusFailed || node.Status == models.TaskStatusSkipped {
			doomed[id] = true
		}
	}

	var out []*models.PlanNode
	for {
		changed := false
		for id, node := range scope {
			if doomed[id] || node.Status != models.TaskStatusPending {
				continue
			}
			for _, dep := range node.Dependencies {
				if doomed[dep] {
					doomed[id] = true
					out = append(out, node)
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// sortByID flattens a scope map into a deterministic slice.
func sortByID(scope map[int64]*models.PlanNode) []*models.PlanNode {
	out := make([]*models.PlanNode, 0, len(scope))
	for _, node := range scope {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
