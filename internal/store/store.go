// Package store persists plans, tasks, links, outputs, evaluation history,
// and context snapshots. Each plan's graph lives in its own SQLite file; a
// registry database maps plan ids to datastore locations and task ids to
// plans.
package store

import (
	"context"

	"github.com/yiyabo/gagent/internal/domain"
)

// Dependency is one upstream task of a dependent, tagged with the link kind
// that produced it. ListDependencies orders requires before refers, then by
// (priority asc, id asc); the context assembler relies on that order.
type Dependency struct {
	Task domain.Task
	Kind domain.LinkKind
}

// LinkSet groups a task's links by direction.
type LinkSet struct {
	Inbound  []domain.TaskLink `json:"inbound"`
	Outbound []domain.TaskLink `json:"outbound"`
}

// CreateTaskParams carries the caller-supplied fields of a new task. The
// store assigns depth, root id, path, and (when Position is negative) the
// next free sibling position.
type CreateTaskParams struct {
	PlanID   string
	ParentID string // empty for roots
	Name     string
	Type     domain.TaskType
	Priority int
	Position int // negative = append
	Input    string
	Meta     map[string]any
}

// StatusOption customises a SetStatus call.
type StatusOption func(*statusParams)

type statusParams struct {
	reason  string
	errText string
}

// WithStatusReason records why the status changed.
func WithStatusReason(reason string) StatusOption {
	return func(p *statusParams) { p.reason = reason }
}

// WithStatusError records the failure text alongside a failed transition.
func WithStatusError(errText string) StatusOption {
	return func(p *statusParams) { p.errText = errText }
}

// Store is the persistence port for the orchestration core.
type Store interface {
	// Plans
	CreatePlan(ctx context.Context, plan *domain.Plan) error
	Plan(ctx context.Context, planID string) (*domain.Plan, error)
	PlanByTitle(ctx context.Context, title string) (*domain.Plan, error)
	ListPlans(ctx context.Context) ([]domain.PlanSummary, error)
	DeletePlan(ctx context.Context, planID string) error
	MarkPlanHealth(ctx context.Context, planID string, healthy bool) error
	PlanIDForTask(ctx context.Context, taskID string) (string, error)

	// Tasks
	CreateTask(ctx context.Context, params CreateTaskParams) (*domain.Task, error)
	Task(ctx context.Context, taskID string) (*domain.Task, error)
	SetStatus(ctx context.Context, taskID string, status domain.Status, opts ...StatusOption) error
	MoveTask(ctx context.Context, taskID, newParentID string, position int) error
	DeleteTask(ctx context.Context, taskID string) error
	Children(ctx context.Context, taskID string) ([]domain.Task, error)
	Subtree(ctx context.Context, taskID string) ([]domain.Task, error)
	Siblings(ctx context.Context, taskID string) ([]domain.Task, error)
	RootOf(ctx context.Context, taskID string) (*domain.Task, error)
	PlanTasks(ctx context.Context, planID string) ([]domain.Task, error)
	Roots(ctx context.Context, planID string) ([]domain.Task, error)

	// Links
	CreateLink(ctx context.Context, link domain.TaskLink) error
	DeleteLink(ctx context.Context, link domain.TaskLink) error
	Links(ctx context.Context, taskID string) (*LinkSet, error)
	ListDependencies(ctx context.Context, taskID string) ([]Dependency, error)
	RequiresEdges(ctx context.Context, planID string) ([]domain.TaskLink, error)

	// Inputs and outputs
	SetInput(ctx context.Context, taskID, content string) error
	Input(ctx context.Context, taskID string) (string, error)
	PutOutput(ctx context.Context, taskID, content string) error
	Output(ctx context.Context, taskID string) (string, error)

	// Evaluations (append-only)
	AppendEvaluation(ctx context.Context, record *domain.EvaluationRecord) error
	Evaluations(ctx context.Context, taskID string) ([]domain.EvaluationRecord, error)

	// Snapshots (idempotent on task+label)
	SaveSnapshot(ctx context.Context, snapshot *domain.ContextSnapshot) error
	Snapshots(ctx context.Context, taskID string) ([]domain.SnapshotMeta, error)
	Snapshot(ctx context.Context, taskID, label string) (*domain.ContextSnapshot, error)

	// Runs
	CreateRun(ctx context.Context, run *domain.Run) error
	FinishRun(ctx context.Context, planID, runID string, status domain.RunStatus) error
	Runs(ctx context.Context, planID string) ([]domain.Run, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
