// Package scheduler decides execution order over a plan's task graph and
// drives the executor pool. Ordering is stable: two identical plans schedule
// identically.
package scheduler

import (
	"context"
	"sort"

	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/store"
)

// Strategy selects the traversal order.
type Strategy string

const (
	StrategyBFS       Strategy = "bfs"
	StrategyDAG       Strategy = "dag"
	StrategyPostorder Strategy = "postorder"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyBFS, StrategyDAG, StrategyPostorder:
		return true
	default:
		return false
	}
}

// Scheduler orders tasks and runs them through an executor callback.
type Scheduler struct {
	store  store.Store
	logger logging.Logger
}

// New builds a scheduler.
func New(st store.Store, logger logging.Logger) *Scheduler {
	return &Scheduler{store: st, logger: logging.OrNop(logger)}
}

// Order computes the plan's full visit order for the strategy. For dag a
// cycle aborts with a CycleError before any task is emitted.
func (s *Scheduler) Order(ctx context.Context, planID string, strategy Strategy) ([]domain.Task, error) {
	tasks, err := s.store.PlanTasks(ctx, planID)
	if err != nil {
		return nil, err
	}

	switch strategy {
	case StrategyBFS, "":
		ordered := make([]domain.Task, len(tasks))
		copy(ordered, tasks)
		sortByPriorityID(ordered)
		return ordered, nil
	case StrategyDAG:
		edges, err := s.store.RequiresEdges(ctx, planID)
		if err != nil {
			return nil, err
		}
		return topoSort(tasks, edges)
	case StrategyPostorder:
		return postorder(tasks), nil
	default:
		return nil, gerrors.NewValidation("invalid_strategy", "unknown scheduling strategy %q", strategy)
	}
}

func sortByPriorityID(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// topoSort is Kahn's algorithm over the requires subgraph. "from requires to"
// means to must finish first, so the edge runs to -> from. Ties are broken by
// (priority asc, id asc).
func topoSort(tasks []domain.Task, edges []domain.TaskLink) ([]domain.Task, error) {
	byID := make(map[string]domain.Task, len(tasks))
	indegree := make(map[string]int, len(tasks))
	successors := make(map[string][]string)
	for _, task := range tasks {
		byID[task.ID] = task
		indegree[task.ID] = 0
	}
	for _, edge := range edges {
		if _, ok := byID[edge.FromID]; !ok {
			continue
		}
		if _, ok := byID[edge.ToID]; !ok {
			continue
		}
		successors[edge.ToID] = append(successors[edge.ToID], edge.FromID)
		indegree[edge.FromID]++
	}

	frontier := make([]domain.Task, 0, len(tasks))
	for _, task := range tasks {
		if indegree[task.ID] == 0 {
			frontier = append(frontier, task)
		}
	}
	sortByPriorityID(frontier)

	ordered := make([]domain.Task, 0, len(tasks))
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		ordered = append(ordered, next)

		released := false
		for _, succ := range successors[next.ID] {
			indegree[succ]--
			if indegree[succ] == 0 {
				frontier = append(frontier, byID[succ])
				released = true
			}
		}
		if released {
			sortByPriorityID(frontier)
		}
	}

	if len(ordered) < len(tasks) {
		return nil, cycleError(byID, indegree, edges)
	}
	return ordered, nil
}

// cycleError reports the subgraph left with positive in-degree.
func cycleError(byID map[string]domain.Task, indegree map[string]int, edges []domain.TaskLink) *gerrors.CycleError {
	remaining := make(map[string]bool)
	for taskID, degree := range indegree {
		if degree > 0 {
			remaining[taskID] = true
		}
	}

	cycle := &gerrors.CycleError{Names: make(map[string]string)}
	for taskID := range remaining {
		cycle.Nodes = append(cycle.Nodes, taskID)
		cycle.Names[taskID] = byID[taskID].Name
	}
	sort.Strings(cycle.Nodes)
	for _, edge := range edges {
		if remaining[edge.FromID] && remaining[edge.ToID] {
			cycle.Edges = append(cycle.Edges, gerrors.Edge{From: edge.FromID, To: edge.ToID})
		}
	}
	sort.Slice(cycle.Edges, func(i, j int) bool {
		if cycle.Edges[i].From != cycle.Edges[j].From {
			return cycle.Edges[i].From < cycle.Edges[j].From
		}
		return cycle.Edges[i].To < cycle.Edges[j].To
	})
	return cycle
}

// postorder emits leaves before parents; siblings by (position, id).
func postorder(tasks []domain.Task) []domain.Task {
	children := make(map[string][]domain.Task)
	var roots []domain.Task
	for _, task := range tasks {
		if task.ParentID == "" {
			roots = append(roots, task)
			continue
		}
		children[task.ParentID] = append(children[task.ParentID], task)
	}
	byPositionID := func(list []domain.Task) {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Position != list[j].Position {
				return list[i].Position < list[j].Position
			}
			return list[i].ID < list[j].ID
		})
	}
	byPositionID(roots)

	ordered := make([]domain.Task, 0, len(tasks))
	var walk func(task domain.Task)
	walk = func(task domain.Task) {
		kids := children[task.ID]
		byPositionID(kids)
		for _, kid := range kids {
			walk(kid)
		}
		ordered = append(ordered, task)
	}
	for _, root := range roots {
		walk(root)
	}
	return ordered
}
