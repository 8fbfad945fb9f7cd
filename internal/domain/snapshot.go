package domain

import (
	"fmt"
	"time"
)

// SectionKind marks where a context section came from.
type SectionKind string

const (
	SectionIndex       SectionKind = "index"
	SectionDepRequires SectionKind = "dep_requires"
	SectionDepRefers   SectionKind = "dep_refers"
	SectionSibling     SectionKind = "sibling"
	SectionRetrieved   SectionKind = "retrieved"
	SectionManual      SectionKind = "manual"
	SectionMemory      SectionKind = "memory"
)

// TruncatedReason records which budget clipped a section.
type TruncatedReason string

const (
	TruncatedNone       TruncatedReason = "none"
	TruncatedPerSection TruncatedReason = "per_section"
	TruncatedTotal      TruncatedReason = "total"
	TruncatedBoth       TruncatedReason = "both"
)

// SectionMeta describes one section of an assembled context bundle.
// Length is the candidate's original size in runes; Allowed is what the
// budget granted. Score is only set for semantically retrieved sections.
type SectionMeta struct {
	SourceID        string          `json:"source_id"`
	Kind            SectionKind     `json:"kind"`
	PriorityTier    int             `json:"priority_tier"`
	Length          int             `json:"length"`
	Allowed         int             `json:"allowed"`
	TruncatedReason TruncatedReason `json:"truncated_reason"`
	Score           *float64        `json:"score,omitempty"`
}

// ContextSnapshot is an immutable, labelled record of an assembled bundle.
// Label is unique per task; saving the same label again replaces the row.
type ContextSnapshot struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	Label        string         `json:"label"`
	CombinedText string         `json:"combined_text"`
	Sections     []SectionMeta  `json:"sections"`
	Meta         map[string]any `json:"meta,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SnapshotMeta is the list-view projection of a snapshot.
type SnapshotMeta struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	Label        string    `json:"label"`
	SectionCount int       `json:"section_count"`
	CombinedLen  int       `json:"combined_len"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks snapshot fields before persistence.
func (s *ContextSnapshot) Validate() error {
	if s.TaskID == "" {
		return fmt.Errorf("snapshot requires a task id")
	}
	if s.Label == "" {
		return fmt.Errorf("snapshot requires a label")
	}
	return nil
}
