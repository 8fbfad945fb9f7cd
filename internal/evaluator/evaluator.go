// Package evaluator scores task drafts. Three interchangeable modes share
// one contract: a single judge, a panel of experts, and an adversarial
// critic/rewriter exchange. Evaluators never touch the store; the executor
// persists the records they produce.
package evaluator

import (
	"context"
	"fmt"
	"strings"

	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
)

// Expert is one panel member of the multi-expert mode.
type Expert struct {
	Role   string  `json:"role"`
	Weight float64 `json:"weight"`
}

// DefaultExperts is the multi-expert panel used when the caller does not
// configure one. Weights are uniform.
var DefaultExperts = []Expert{
	{Role: "domain expert", Weight: 1},
	{Role: "editor", Weight: 1},
	{Role: "methodologist", Weight: 1},
}

// Options tunes an evaluation.
type Options struct {
	Threshold     float64  `json:"quality_threshold"` // default 0.8
	MaxIterations int      `json:"max_iterations"`    // default 3
	Experts       []Expert `json:"experts,omitempty"` // multi-expert only
}

func (o Options) normalized() Options {
	if o.Threshold <= 0 {
		o.Threshold = 0.8
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 3
	}
	if len(o.Experts) == 0 {
		o.Experts = DefaultExperts
	}
	return o
}

// Request carries what is being evaluated. Instruction is the task's input
// text; the executor passes it so evaluators need no store access.
type Request struct {
	Task        *domain.Task
	Instruction string
	Content     string
	Iteration   int
}

// Result is the outcome of one evaluation. Rewritten is only set by the
// adversarial mode and may be adopted by the executor as the new draft.
type Result struct {
	Mode          domain.EvaluationMode `json:"mode"`
	OverallScore  float64               `json:"overall_score"`
	Dimensions    map[string]float64    `json:"dimensions,omitempty"`
	Suggestions   []string              `json:"suggestions,omitempty"`
	NeedsRevision bool                  `json:"needs_revision"`
	Critique      []string              `json:"critique,omitempty"`
	Rewritten     string                `json:"rewritten,omitempty"`
	RewriteDelta  string                `json:"rewrite_delta,omitempty"`
	Degraded      bool                  `json:"degraded"`
}

// Evaluator is the strategy contract.
type Evaluator interface {
	Mode() domain.EvaluationMode
	Evaluate(ctx context.Context, req Request, opts Options) (*Result, error)
}

// ForMode maps a mode name to its implementation.
func ForMode(mode domain.EvaluationMode, backend llm.Backend, logger logging.Logger) (Evaluator, error) {
	switch mode {
	case domain.ModeSingleJudge, "":
		return NewSingleJudge(backend, logger), nil
	case domain.ModeMultiExpert:
		return NewMultiExpert(backend, logger), nil
	case domain.ModeAdversarial:
		return NewAdversarial(backend, logger), nil
	default:
		return nil, gerrors.NewValidation("invalid_mode", "unknown evaluation mode %q", mode)
	}
}

// judgment is the JSON shape judges must return.
type judgment struct {
	OverallScore  float64            `json:"overall_score"`
	Dimensions    map[string]float64 `json:"dimensions"`
	Suggestions   []string           `json:"suggestions"`
	NeedsRevision bool               `json:"needs_revision"`
}

// SingleJudge scores a draft with one model call.
type SingleJudge struct {
	backend llm.Backend
	logger  logging.Logger
}

// NewSingleJudge builds the single-judge evaluator.
func NewSingleJudge(backend llm.Backend, logger logging.Logger) *SingleJudge {
	return &SingleJudge{backend: backend, logger: logging.OrNop(logger)}
}

// Mode implements Evaluator.
func (s *SingleJudge) Mode() domain.EvaluationMode { return domain.ModeSingleJudge }

// Evaluate implements Evaluator.
func (s *SingleJudge) Evaluate(ctx context.Context, req Request, opts Options) (*Result, error) {
	opts = opts.normalized()
	j, err := judge(ctx, s.backend, "", req)
	if err != nil {
		return nil, err
	}
	return resultFromJudgment(domain.ModeSingleJudge, j, req.Iteration, opts), nil
}

// judge runs one scoring call. role customizes the judge persona for the
// multi-expert panel; empty means the plain quality judge.
func judge(ctx context.Context, backend llm.Backend, role string, req Request) (*judgment, error) {
	system := "You are a quality evaluator for generated task outputs."
	if role != "" {
		system = fmt.Sprintf("You are a quality evaluator reviewing as a %s.", role)
	}
	system += fmt.Sprintf(
		" Score the draft on %s, each in [0,1]. Reply with JSON only:"+
			` {"overall_score": float, "dimensions": {...}, "suggestions": [string], "needs_revision": bool}.`,
		strings.Join(domain.EvaluationDimensions, ", "))

	instruction := req.Instruction
	if instruction == "" && req.Task != nil {
		instruction = req.Task.Name
	}
	user := fmt.Sprintf("Task name: %s\nInstruction: %s\n\nDraft:\n%s",
		req.Task.Name, instruction, req.Content)

	resp, err := backend.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}})
	if err != nil {
		return nil, err
	}

	var j judgment
	if err := jsonx.DecodeLoose(resp.Content, &j); err != nil {
		return nil, gerrors.NewPermanentError(err, "evaluator reply unparseable")
	}
	j.OverallScore = clamp01(j.OverallScore)
	for dim, score := range j.Dimensions {
		j.Dimensions[dim] = clamp01(score)
	}
	return &j, nil
}

func resultFromJudgment(mode domain.EvaluationMode, j *judgment, iteration int, opts Options) *Result {
	return &Result{
		Mode:          mode,
		OverallScore:  j.OverallScore,
		Dimensions:    j.Dimensions,
		Suggestions:   j.Suggestions,
		NeedsRevision: needsRevision(j.OverallScore, iteration, opts),
	}
}

// needsRevision applies the loop-termination rule: below threshold and
// iterations remain.
func needsRevision(score float64, iteration int, opts Options) bool {
	return score < opts.Threshold && iteration < opts.MaxIterations
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
