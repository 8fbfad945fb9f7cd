// Package domain defines the plan/task data model shared by every component:
// plans, tasks, links, evaluation records, context snapshots, and runs.
// Components reference entities by id through the store; nothing here holds
// pointers into the graph.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultMaxDepth bounds the task tree unless overridden by configuration.
const DefaultMaxDepth = 3

// TaskType partitions tasks into containers and executable units.
type TaskType string

const (
	TypeRoot      TaskType = "root"
	TypeComposite TaskType = "composite"
	TypeAtomic    TaskType = "atomic"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TypeRoot, TypeComposite, TypeAtomic:
		return true
	default:
		return false
	}
}

// IsContainer reports whether tasks of this type hold children instead of
// being executed directly.
func (t TaskType) IsContainer() bool {
	return t == TypeRoot || t == TypeComposite
}

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// allowedTransitions is the task status machine. running -> pending covers
// cancellation reverts: an interrupted task goes back to the ready queue with
// its intermediate output discarded.
var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled, StatusPending},
	StatusCompleted: {StatusRunning, StatusPending},
	StatusFailed:    {StatusRunning, StatusPending},
	StatusCancelled: {StatusPending},
}

// ValidateTransition rejects illegal status changes. Only atomic tasks may
// enter running or completed; containers hold derived output instead.
func ValidateTransition(taskType TaskType, from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("unknown status %q", to)
	}
	if taskType.IsContainer() && (to == StatusRunning || to == StatusCompleted) {
		return fmt.Errorf("%s task cannot transition to %s", taskType, to)
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("cannot transition from %s to %s", from, to)
}

// Task is a node of a plan's tree. ParentID is empty exactly for root tasks;
// Path is the ordered sequence of positions from the root down to this task,
// so lexical order over paths equals pre-order over the tree.
type Task struct {
	ID         string         `json:"id"`
	PlanID     string         `json:"plan_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	RootID     string         `json:"root_id"`
	Name       string         `json:"name"`
	Type       TaskType       `json:"task_type"`
	Status     Status         `json:"status"`
	Priority   int            `json:"priority"`
	Depth      int            `json:"depth"`
	Position   int            `json:"position"`
	Path       string         `json:"path"`
	SessionID  string         `json:"session_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// IsRoot reports whether the task is the root of its tree.
func (t *Task) IsRoot() bool {
	return t.Type == TypeRoot
}

// Validate checks the structural invariants that do not need store access.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("task name must not be empty")
	}
	if !t.Type.Valid() {
		return fmt.Errorf("unknown task type %q", t.Type)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("unknown status %q", t.Status)
	}
	if t.Type == TypeRoot && t.ParentID != "" {
		return fmt.Errorf("root task must not have a parent")
	}
	if t.Type != TypeRoot && t.ParentID == "" {
		return fmt.Errorf("%s task requires a parent", t.Type)
	}
	if t.Type == TypeRoot && t.Depth != 0 {
		return fmt.Errorf("root task must have depth 0, got %d", t.Depth)
	}
	if t.Depth < 0 || t.Position < 0 {
		return fmt.Errorf("depth and position must be non-negative")
	}
	return nil
}

// positionWidth zero-pads path segments so lexical order equals sibling order.
const positionWidth = 4

// EncodePosition renders one path segment.
func EncodePosition(position int) string {
	return fmt.Sprintf("%0*d", positionWidth, position)
}

// ChildPath derives a child's path from its parent's path and position.
// Roots pass an empty parent path.
func ChildPath(parentPath string, position int) string {
	segment := EncodePosition(position)
	if parentPath == "" {
		return segment
	}
	return parentPath + "/" + segment
}

// PathDepth returns the depth encoded in a path (root = 0).
func PathDepth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, "/")
}

// IsPathPrefix reports whether ancestor's path strictly contains descendant's.
func IsPathPrefix(ancestorPath, descendantPath string) bool {
	if ancestorPath == "" || descendantPath == "" {
		return false
	}
	return strings.HasPrefix(descendantPath, ancestorPath+"/")
}
