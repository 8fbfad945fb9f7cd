package evaluator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
)

// Adversarial runs a critic/rewriter exchange: the critic names targeted
// weaknesses, the rewriter addresses them, and the rewritten draft is
// re-scored. The executor may adopt the rewrite directly.
type Adversarial struct {
	backend llm.Backend
	logger  logging.Logger
}

// NewAdversarial builds the adversarial evaluator.
func NewAdversarial(backend llm.Backend, logger logging.Logger) *Adversarial {
	return &Adversarial{backend: backend, logger: logging.OrNop(logger)}
}

// Mode implements Evaluator.
func (a *Adversarial) Mode() domain.EvaluationMode { return domain.ModeAdversarial }

// critique is the critic's JSON reply.
type critique struct {
	Weaknesses []string `json:"weaknesses"`
}

// Evaluate implements Evaluator.
func (a *Adversarial) Evaluate(ctx context.Context, req Request, opts Options) (*Result, error) {
	opts = opts.normalized()

	weaknesses, err := a.criticize(ctx, req)
	if err != nil {
		return nil, err
	}

	rewritten := req.Content
	if len(weaknesses) > 0 {
		rewritten, err = a.rewrite(ctx, req, weaknesses)
		if err != nil {
			return nil, err
		}
	}

	rescore := req
	rescore.Content = rewritten
	j, err := judge(ctx, a.backend, "", rescore)
	if err != nil {
		return nil, err
	}

	result := resultFromJudgment(domain.ModeAdversarial, j, req.Iteration, opts)
	result.Critique = weaknesses
	if rewritten != req.Content {
		result.Rewritten = rewritten
		result.RewriteDelta = diffSummary(req.Content, rewritten)
	}
	if len(result.Suggestions) == 0 {
		result.Suggestions = weaknesses
	}
	return result, nil
}

func (a *Adversarial) criticize(ctx context.Context, req Request) ([]string, error) {
	resp, err := a.backend.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "You are an adversarial critic. List the targeted weaknesses of the draft. " +
			`Reply with JSON only: {"weaknesses": [string]}.`},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Task name: %s\n\nDraft:\n%s", req.Task.Name, req.Content)},
	}})
	if err != nil {
		return nil, err
	}
	var c critique
	if err := jsonx.DecodeLoose(resp.Content, &c); err != nil {
		return nil, gerrors.NewPermanentError(err, "critic reply unparseable")
	}
	kept := c.Weaknesses[:0]
	for _, weakness := range c.Weaknesses {
		if strings.TrimSpace(weakness) != "" {
			kept = append(kept, weakness)
		}
	}
	return kept, nil
}

func (a *Adversarial) rewrite(ctx context.Context, req Request, weaknesses []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task name: %s\n\nDraft:\n%s\n\nWeaknesses to address:\n", req.Task.Name, req.Content)
	for _, weakness := range weaknesses {
		fmt.Fprintf(&b, "- %s\n", weakness)
	}

	resp, err := a.backend.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a rewriter. Produce an improved draft that addresses every listed weakness. Reply with the rewritten draft only."},
		{Role: llm.RoleUser, Content: b.String()},
	}})
	if err != nil {
		return "", err
	}
	rewritten := strings.TrimSpace(resp.Content)
	if rewritten == "" {
		return req.Content, nil
	}
	return rewritten, nil
}

// diffSummary condenses the rewrite into a one-line change report.
func diffSummary(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)

	var inserted, deleted int
	for _, diff := range diffs {
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			inserted += len([]rune(diff.Text))
		case diffmatchpatch.DiffDelete:
			deleted += len([]rune(diff.Text))
		}
	}
	return fmt.Sprintf("+%d/-%d chars across %d hunks", inserted, deleted, len(diffs))
}
