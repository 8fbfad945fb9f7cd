// Package decomposer splits container tasks into subtasks. The model
// classifies complexity and proposes children; the decomposer enforces the
// tree invariants before anything is persisted.
package decomposer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
	"github.com/yiyabo/gagent/internal/shared/textutil"
	"github.com/yiyabo/gagent/internal/store"
	"github.com/yiyabo/gagent/internal/tools"
)

// Options tunes a single decompose call.
type Options struct {
	MaxSubtasks int  `json:"max_subtasks"` // default 5
	Force       bool `json:"force"`
	ToolAware   bool `json:"tool_aware"`
	MaxDepth    int  `json:"max_depth"` // default domain.DefaultMaxDepth
}

func (o Options) normalized() Options {
	if o.MaxSubtasks <= 0 {
		o.MaxSubtasks = 5
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = domain.DefaultMaxDepth
	}
	return o
}

// proposal is the decomposition shape the model must return.
type proposal struct {
	Complexity      string    `json:"complexity"`
	ShouldDecompose bool      `json:"should_decompose"`
	Subtasks        []subtask `json:"subtasks"`
}

type subtask struct {
	Name        string `json:"name"`
	Instruction string `json:"instruction"`
	Kind        string `json:"kind"`
}

// Decomposer proposes and persists task decompositions.
type Decomposer struct {
	store    store.Store
	backend  llm.Backend
	registry tools.Registry // nil disables tool-aware prompts
	retries  int
	logger   logging.Logger
}

// New builds a decomposer. retries bounds the malformed-JSON re-asks before
// the deterministic heuristic takes over.
func New(st store.Store, backend llm.Backend, registry tools.Registry, retries int, logger logging.Logger) *Decomposer {
	if retries < 0 {
		retries = 0
	}
	return &Decomposer{
		store:    st,
		backend:  backend,
		registry: registry,
		retries:  retries,
		logger:   logging.OrNop(logger),
	}
}

// Decompose splits taskID into subtasks and returns the new child ids. When
// children already exist and force is off, the existing ids are returned
// unchanged. A refusal (model declined, or the proposal cannot satisfy the
// invariants) leaves the task untouched and wraps ErrDecompositionRefused.
func (d *Decomposer) Decompose(ctx context.Context, taskID string, opts Options) ([]string, error) {
	opts = opts.normalized()

	task, err := d.store.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Type.IsContainer() {
		return nil, fmt.Errorf("%w: %s is atomic", gerrors.ErrDecompositionRefused, taskID)
	}
	if task.Depth >= opts.MaxDepth {
		return nil, fmt.Errorf("%w: %s is at the depth bound %d", gerrors.ErrDecompositionRefused, taskID, opts.MaxDepth)
	}

	children, err := d.store.Children(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(children) > 0 && !opts.Force {
		ids := make([]string, 0, len(children))
		for _, child := range children {
			ids = append(ids, child.ID)
		}
		return ids, nil
	}

	input, err := d.store.Input(ctx, taskID)
	if err != nil && !errors.Is(err, gerrors.ErrNotFound) {
		return nil, err
	}

	prop, err := d.propose(ctx, task, input, opts)
	if err != nil {
		return nil, err
	}
	if !prop.ShouldDecompose {
		return nil, fmt.Errorf("%w: model kept %q atomic (complexity %s)", gerrors.ErrDecompositionRefused, task.Name, prop.Complexity)
	}

	subtasks := d.enforce(task, prop.Subtasks, opts)
	if len(subtasks) < 2 {
		return nil, fmt.Errorf("%w: proposal for %q yields %d valid subtasks, need at least 2", gerrors.ErrDecompositionRefused, task.Name, len(subtasks))
	}

	if opts.Force {
		for _, child := range children {
			if err := d.store.DeleteTask(ctx, child.ID); err != nil {
				return nil, err
			}
		}
	}

	ids := make([]string, 0, len(subtasks))
	for _, sub := range subtasks {
		created, err := d.store.CreateTask(ctx, store.CreateTaskParams{
			PlanID:   task.PlanID,
			ParentID: task.ID,
			Name:     sub.Name,
			Type:     domain.TaskType(sub.Kind),
			Position: -1,
			Input:    sub.Instruction,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, created.ID)
	}
	d.logger.Info("decomposed %s (%s) into %d subtasks", task.ID, task.Name, len(ids))
	return ids, nil
}

// Sweep decomposes the tree under rootID breadth-first until every leaf is
// atomic or at the depth bound. Refusals stop the branch, not the sweep.
// Returns the total number of tasks created.
func (d *Decomposer) Sweep(ctx context.Context, rootID string, opts Options) (int, error) {
	opts = opts.normalized()

	created := 0
	queue := []string{rootID}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		taskID := queue[0]
		queue = queue[1:]

		task, err := d.store.Task(ctx, taskID)
		if err != nil {
			return created, err
		}
		if !task.Type.IsContainer() || task.Depth >= opts.MaxDepth {
			continue
		}

		children, err := d.store.Children(ctx, taskID)
		if err != nil {
			return created, err
		}
		if len(children) == 0 {
			ids, err := d.Decompose(ctx, taskID, opts)
			if err != nil {
				if errors.Is(err, gerrors.ErrDecompositionRefused) {
					d.logger.Debug("sweep: %v", err)
					continue
				}
				return created, err
			}
			created += len(ids)
			queue = append(queue, ids...)
			continue
		}
		for _, child := range children {
			queue = append(queue, child.ID)
		}
	}
	return created, nil
}

// propose asks the model for a decomposition, re-asking on malformed JSON and
// falling back to the heuristic when the retries are spent.
func (d *Decomposer) propose(ctx context.Context, task *domain.Task, input string, opts Options) (*proposal, error) {
	req := llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: d.systemPrompt(opts)},
			{Role: llm.RoleUser, Content: userPrompt(task, input, opts)},
		},
	}

	for attempt := 0; attempt <= d.retries; attempt++ {
		resp, err := d.backend.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		var prop proposal
		if err := jsonx.DecodeLoose(resp.Content, &prop); err != nil {
			d.logger.Warn("decomposition reply unparseable (attempt %d/%d): %v", attempt+1, d.retries+1, err)
			continue
		}
		if prop.ShouldDecompose && len(prop.Subtasks) == 0 {
			d.logger.Warn("decomposition reply inconsistent (attempt %d/%d): should_decompose without subtasks", attempt+1, d.retries+1)
			continue
		}
		return &prop, nil
	}

	d.logger.Warn("decomposition falling back to heuristic for %s", task.ID)
	return heuristic(task.Name, input, opts), nil
}

// enforce filters the proposed subtasks down to the ones that satisfy the
// tree invariants: valid non-root kind, non-empty deduplicated names distinct
// from the parent, atomic-only at the last level, count capped at the limit.
func (d *Decomposer) enforce(task *domain.Task, proposed []subtask, opts Options) []subtask {
	atomicOnly := task.Depth >= opts.MaxDepth-1
	parentName := strings.TrimSpace(task.Name)
	seen := map[string]bool{strings.ToLower(parentName): true}

	kept := make([]subtask, 0, len(proposed))
	for _, sub := range proposed {
		if len(kept) >= opts.MaxSubtasks {
			break
		}
		sub.Name = strings.TrimSpace(sub.Name)
		if sub.Name == "" || seen[strings.ToLower(sub.Name)] {
			continue
		}
		switch domain.TaskType(sub.Kind) {
		case domain.TypeAtomic:
		case domain.TypeComposite:
			if atomicOnly {
				sub.Kind = string(domain.TypeAtomic)
			}
		default:
			continue
		}
		if strings.TrimSpace(sub.Instruction) == "" {
			sub.Instruction = sub.Name
		}
		seen[strings.ToLower(sub.Name)] = true
		kept = append(kept, sub)
	}
	return kept
}

func (d *Decomposer) systemPrompt(opts Options) string {
	var b strings.Builder
	b.WriteString("You are a complexity analyst for a task planning system. ")
	b.WriteString("Given a task, decide whether it should be decomposed into subtasks. ")
	fmt.Fprintf(&b, "Reply with JSON only: {\"complexity\": \"low|medium|high\", \"should_decompose\": bool, "+
		"\"subtasks\": [{\"name\", \"instruction\", \"kind\": \"composite|atomic\"}]}. "+
		"Propose between 2 and %d subtasks when decomposing, none otherwise.", opts.MaxSubtasks)
	if opts.ToolAware && d.registry != nil {
		if descriptors := d.registry.List(); len(descriptors) > 0 {
			b.WriteString("\nSubtasks may rely on these tools:")
			for _, desc := range descriptors {
				fmt.Fprintf(&b, "\n- %s (%s): %s", desc.Name, desc.Kind, desc.Description)
			}
		}
	}
	return b.String()
}

func userPrompt(task *domain.Task, input string, opts Options) string {
	if strings.TrimSpace(input) == "" {
		input = task.Name
	}
	return fmt.Sprintf("Task name: %s\nInstruction: %s\nDepth: %d of %d",
		task.Name, input, task.Depth, opts.MaxDepth)
}

// heuristic is the deterministic fallback: keyword density and length decide
// complexity, and complex tasks split into a fixed research/draft/review
// sequence.
func heuristic(name, input string, opts Options) *proposal {
	if strings.TrimSpace(input) == "" {
		input = name
	}
	words := len(strings.Fields(input))
	keywords := textutil.ExtractKeywords(input, textutil.KeywordOptions{MaxKeywords: -1})

	complexity := "low"
	switch {
	case words > 40 || len(keywords) > 20:
		complexity = "high"
	case words > 12 || len(keywords) > 8:
		complexity = "medium"
	}
	if complexity == "low" {
		return &proposal{Complexity: complexity, ShouldDecompose: false}
	}

	subject := strings.TrimSpace(name)
	return &proposal{
		Complexity:      complexity,
		ShouldDecompose: true,
		Subtasks: []subtask{
			{Name: "Research for " + subject, Instruction: "Collect material and sources for " + subject + ".", Kind: string(domain.TypeAtomic)},
			{Name: "Draft " + subject, Instruction: "Produce the main body of " + subject + ".", Kind: string(domain.TypeAtomic)},
			{Name: "Review " + subject, Instruction: "Check and polish " + subject + ".", Kind: string(domain.TypeAtomic)},
		},
	}
}
