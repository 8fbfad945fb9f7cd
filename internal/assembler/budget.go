package assembler

import (
	"sort"

	"github.com/yiyabo/gagent/internal/domain"
	"github.com/yiyabo/gagent/internal/shared/textutil"
)

// SummarizationStrategy controls how oversized sections are reduced.
type SummarizationStrategy string

const (
	// SummarizeNone includes a section only if it fits whole.
	SummarizeNone SummarizationStrategy = "none"
	// SummarizeTruncate hard-cuts at the allowance.
	SummarizeTruncate SummarizationStrategy = "truncate"
	// SummarizeSentence cuts at the last sentence boundary within the
	// allowance, falling back to a hard cut.
	SummarizeSentence SummarizationStrategy = "sentence"
)

// Valid reports whether s is a known strategy.
func (s SummarizationStrategy) Valid() bool {
	switch s {
	case SummarizeNone, SummarizeTruncate, SummarizeSentence:
		return true
	default:
		return false
	}
}

// Section is one candidate (and, after budgeting, one member) of a context
// bundle. Content always holds the text granted by the budget; Meta.Length
// keeps the original size.
type Section struct {
	Meta    domain.SectionMeta `json:"meta"`
	Title   string             `json:"title"`
	Content string             `json:"content"`
}

// Budget bounds a bundle. Zero values mean unlimited.
type Budget struct {
	TotalChars      int
	PerSectionChars int
	Strategy        SummarizationStrategy
}

// Limited reports whether any bound is set.
func (b Budget) Limited() bool {
	return b.TotalChars > 0 || b.PerSectionChars > 0
}

// applyBudget trims candidates to the budget: greedy by priority tier with
// deterministic (tier asc, source id asc) order, per-section cap first, then
// the running total. Sections that would get zero characters are dropped.
// The result is deterministic: same input, same output bytes.
func applyBudget(candidates []Section, budget Budget) []Section {
	ordered := make([]Section, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Meta.PriorityTier != ordered[j].Meta.PriorityTier {
			return ordered[i].Meta.PriorityTier < ordered[j].Meta.PriorityTier
		}
		return ordered[i].Meta.SourceID < ordered[j].Meta.SourceID
	})

	strategy := budget.Strategy
	if strategy == "" {
		strategy = SummarizeTruncate
	}

	if !budget.Limited() {
		for i := range ordered {
			ordered[i].Meta.Length = runeLen(ordered[i].Content)
			ordered[i].Meta.Allowed = ordered[i].Meta.Length
			ordered[i].Meta.TruncatedReason = domain.TruncatedNone
		}
		return ordered
	}

	kept := make([]Section, 0, len(ordered))
	used := 0
	for _, section := range ordered {
		length := runeLen(section.Content)
		section.Meta.Length = length

		allowed := length
		reason := domain.TruncatedNone

		if budget.PerSectionChars > 0 && allowed > budget.PerSectionChars {
			allowed = budget.PerSectionChars
			reason = domain.TruncatedPerSection
		}
		if budget.TotalChars > 0 {
			remaining := budget.TotalChars - used
			if remaining <= 0 {
				continue
			}
			if allowed > remaining {
				allowed = remaining
				if reason == domain.TruncatedPerSection {
					reason = domain.TruncatedBoth
				} else {
					reason = domain.TruncatedTotal
				}
			}
		}

		if allowed < length && strategy == SummarizeNone {
			// Whole-or-nothing: skip sections that do not fit intact.
			continue
		}

		content := section.Content
		if allowed < length {
			switch strategy {
			case SummarizeSentence:
				content = textutil.CutAtSentence(content, allowed)
			default:
				content = textutil.TruncateChars(content, allowed)
			}
			allowed = runeLen(content)
		}
		if allowed == 0 {
			continue
		}

		section.Content = content
		section.Meta.Allowed = allowed
		section.Meta.TruncatedReason = reason
		kept = append(kept, section)
		used += allowed
	}
	return kept
}

func runeLen(s string) int {
	return len([]rune(s))
}
