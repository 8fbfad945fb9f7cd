package domain

import (
	"fmt"
	"time"
)

// EvaluationMode selects the strategy used to score a draft.
type EvaluationMode string

const (
	ModeSingleJudge EvaluationMode = "single_judge"
	ModeMultiExpert EvaluationMode = "multi_expert"
	ModeAdversarial EvaluationMode = "adversarial"
)

// Valid reports whether m is a known evaluation mode.
func (m EvaluationMode) Valid() bool {
	switch m {
	case ModeSingleJudge, ModeMultiExpert, ModeAdversarial:
		return true
	default:
		return false
	}
}

// Quality dimensions every evaluator scores.
var EvaluationDimensions = []string{
	"relevance",
	"completeness",
	"accuracy",
	"clarity",
	"coherence",
	"rigor",
}

// EvaluationRecord is one append-only scoring of a task draft. Iteration
// numbers start at 1 and match the executor's revision loop.
type EvaluationRecord struct {
	ID              string             `json:"id"`
	TaskID          string             `json:"task_id"`
	Iteration       int                `json:"iteration"`
	ContentSnapshot string             `json:"content_snapshot"`
	OverallScore    float64            `json:"overall_score"`
	DimensionScores map[string]float64 `json:"dimension_scores,omitempty"`
	Suggestions     []string           `json:"suggestions,omitempty"`
	NeedsRevision   bool               `json:"needs_revision"`
	Mode            EvaluationMode     `json:"mode"`
	CreatedAt       time.Time          `json:"created_at"`
	Meta            map[string]any     `json:"meta,omitempty"`
}

// Validate checks score bounds before the record is persisted.
func (r *EvaluationRecord) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("evaluation record requires a task id")
	}
	if r.Iteration < 1 {
		return fmt.Errorf("iteration must be >= 1, got %d", r.Iteration)
	}
	if r.OverallScore < 0 || r.OverallScore > 1 {
		return fmt.Errorf("overall_score must be in [0,1], got %v", r.OverallScore)
	}
	for dim, score := range r.DimensionScores {
		if score < 0 || score > 1 {
			return fmt.Errorf("dimension %q score must be in [0,1], got %v", dim, score)
		}
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("unknown evaluation mode %q", r.Mode)
	}
	return nil
}
