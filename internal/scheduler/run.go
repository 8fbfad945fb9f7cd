package scheduler

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/yiyabo/gagent/internal/domain"
)

// ExecuteFunc runs one atomic task. A context cancellation error means the
// task was interrupted and reverted, not that it failed.
type ExecuteFunc func(ctx context.Context, taskID string) error

// Summary reports one scheduling run. Failures carries the per-task error
// text; failed tasks never abort the run.
type Summary struct {
	Scheduled int               `json:"scheduled"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Cancelled int               `json:"cancelled"`
	Skipped   int               `json:"skipped"`
	Failures  map[string]string `json:"failures,omitempty"`
}

type outcome struct {
	taskID string
	err    error
}

// Run schedules the plan under the strategy and feeds ready tasks to execute
// with at most parallelism in flight. A task is ready when it is pending,
// atomic, and all of its requires predecessors are completed; readiness is
// re-evaluated after every completion. Containers and never-ready tasks are
// counted as skipped.
func (s *Scheduler) Run(ctx context.Context, planID string, strategy Strategy, parallelism int, execute ExecuteFunc) (*Summary, error) {
	if parallelism < 1 {
		parallelism = 1
	}

	ordered, err := s.Order(ctx, planID, strategy)
	if err != nil {
		return nil, err
	}
	predecessors, err := s.requiresIndex(ctx, planID)
	if err != nil {
		return nil, err
	}

	status := make(map[string]domain.Status, len(ordered))
	for _, task := range ordered {
		status[task.ID] = task.Status
	}
	// dispatched holds every task handed to the pool this run. Cancelled
	// tasks revert to pending in the store but are not re-dispatched here.
	dispatched := make(map[string]bool)

	ready := func(task domain.Task) bool {
		if task.Type.IsContainer() || dispatched[task.ID] || status[task.ID] != domain.StatusPending {
			return false
		}
		for _, pred := range predecessors[task.ID] {
			if status[pred] != domain.StatusCompleted {
				return false
			}
		}
		return true
	}

	summary := &Summary{Failures: make(map[string]string)}
	record := func(out outcome) {
		switch {
		case out.err == nil:
			status[out.taskID] = domain.StatusCompleted
			summary.Completed++
		case errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded):
			status[out.taskID] = domain.StatusPending
			summary.Cancelled++
		default:
			status[out.taskID] = domain.StatusFailed
			summary.Failed++
			summary.Failures[out.taskID] = out.err.Error()
		}
	}

	results := make(chan outcome, parallelism)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallelism)

	inFlight := 0
	for ctx.Err() == nil {
		// Dispatch every currently ready task in stable order until the
		// pool is full.
		for _, task := range ordered {
			if !ready(task) {
				continue
			}
			taskID := task.ID
			if !group.TryGo(func() error {
				results <- outcome{taskID: taskID, err: execute(groupCtx, taskID)}
				return nil
			}) {
				break
			}
			dispatched[taskID] = true
			summary.Scheduled++
			inFlight++
		}
		if inFlight == 0 {
			break
		}
		record(<-results)
		inFlight--
	}

	// Drain whatever was in flight when the loop stopped.
	go func() {
		_ = group.Wait()
		close(results)
	}()
	for out := range results {
		record(out)
	}

	for _, task := range ordered {
		if task.Type == domain.TypeAtomic && !dispatched[task.ID] && status[task.ID] == domain.StatusPending {
			summary.Skipped++
		}
	}
	if len(summary.Failures) == 0 {
		summary.Failures = nil
	}
	s.logger.Info("run over plan %s finished: %d completed, %d failed, %d cancelled, %d skipped",
		planID, summary.Completed, summary.Failed, summary.Cancelled, summary.Skipped)

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// requiresIndex maps each task to its requires predecessors.
func (s *Scheduler) requiresIndex(ctx context.Context, planID string) (map[string][]string, error) {
	edges, err := s.store.RequiresEdges(ctx, planID)
	if err != nil {
		return nil, err
	}
	predecessors := make(map[string][]string, len(edges))
	for _, edge := range edges {
		predecessors[edge.FromID] = append(predecessors[edge.FromID], edge.ToID)
	}
	return predecessors, nil
}
