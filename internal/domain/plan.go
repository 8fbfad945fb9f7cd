package domain

import (
	"time"

	"github.com/yiyabo/gagent/internal/shared/jsonx"
)

// Plan is a named collection of tasks produced from a single goal. Each plan
// owns one datastore file; the registry maps plan ids to locations.
type Plan struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Goal      string         `json:"goal"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// PlanSummary is the list-view projection of a plan.
type PlanSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Goal      string    `json:"goal"`
	TaskCount int       `json:"task_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Healthy   bool      `json:"healthy"`
}

// RunStatus tracks the lifecycle of one /run invocation.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is the audit record for one scheduling pass over a plan.
type Run struct {
	ID         string           `json:"id"`
	PlanID     string           `json:"plan_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Strategy   string           `json:"strategy"`
	Options    jsonx.RawMessage `json:"options,omitempty"`
	Status     RunStatus        `json:"status"`
}
