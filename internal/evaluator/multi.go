package evaluator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/yiyabo/gagent/internal/domain"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/shared/textutil"
)

// MultiExpert fans the draft out to a panel of role-prompted judges and
// merges their verdicts: weighted mean overall, weighted average per
// dimension, suggestions concatenated and de-duplicated.
type MultiExpert struct {
	backend llm.Backend
	logger  logging.Logger
}

// NewMultiExpert builds the panel evaluator.
func NewMultiExpert(backend llm.Backend, logger logging.Logger) *MultiExpert {
	return &MultiExpert{backend: backend, logger: logging.OrNop(logger)}
}

// Mode implements Evaluator.
func (m *MultiExpert) Mode() domain.EvaluationMode { return domain.ModeMultiExpert }

// Evaluate implements Evaluator. Expert calls run in parallel; one failing
// expert fails the evaluation (the caller's degradation wrapper decides what
// happens next).
func (m *MultiExpert) Evaluate(ctx context.Context, req Request, opts Options) (*Result, error) {
	opts = opts.normalized()
	experts := opts.Experts

	judgments := make([]*judgment, len(experts))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, expert := range experts {
		i, expert := i, expert
		group.Go(func() error {
			j, err := judge(groupCtx, m.backend, expert.Role, req)
			if err != nil {
				return err
			}
			judgments[i] = j
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return m.merge(experts, judgments, req.Iteration, opts), nil
}

func (m *MultiExpert) merge(experts []Expert, judgments []*judgment, iteration int, opts Options) *Result {
	var totalWeight, overall float64
	dimTotals := make(map[string]float64)
	dimWeights := make(map[string]float64)
	seen := make(map[string]bool)
	var suggestions []string

	for i, j := range judgments {
		weight := experts[i].Weight
		if weight <= 0 {
			weight = 1
		}
		totalWeight += weight
		overall += j.OverallScore * weight
		for dim, score := range j.Dimensions {
			dimTotals[dim] += score * weight
			dimWeights[dim] += weight
		}
		for _, suggestion := range j.Suggestions {
			key := textutil.NormalizeSpace(suggestion)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			suggestions = append(suggestions, suggestion)
		}
	}
	if totalWeight == 0 {
		totalWeight = 1
	}

	dimensions := make(map[string]float64, len(dimTotals))
	for dim, total := range dimTotals {
		dimensions[dim] = total / dimWeights[dim]
	}
	score := clamp01(overall / totalWeight)

	return &Result{
		Mode:          domain.ModeMultiExpert,
		OverallScore:  score,
		Dimensions:    dimensions,
		Suggestions:   suggestions,
		NeedsRevision: needsRevision(score, iteration, opts),
	}
}
