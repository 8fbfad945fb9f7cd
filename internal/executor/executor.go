// Package executor runs a single atomic task end to end: context assembly,
// tool calls, generation, the evaluate/revise loop, and persistence of the
// accepted output. Cross-task parallelism belongs to the scheduler; inside
// one task everything is serial.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yiyabo/gagent/internal/assembler"
	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/evaluator"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/memory"
	"github.com/yiyabo/gagent/internal/shared/textutil"
	"github.com/yiyabo/gagent/internal/store"
	"github.com/yiyabo/gagent/internal/tools"
	"github.com/yiyabo/gagent/internal/utils/id"
)

// Options tunes one execution.
type Options struct {
	UseContext     bool              `json:"use_context"`
	ContextOptions assembler.Options `json:"context_options"`

	UseTools bool `json:"use_tools"`

	EnableEvaluation  bool                  `json:"enable_evaluation"`
	EvaluationMode    domain.EvaluationMode `json:"evaluation_mode,omitempty"`
	EvaluationOptions evaluator.Options     `json:"evaluation_options"`

	Timeout    time.Duration `json:"-"`
	SaveMemory bool          `json:"save_memory"`
}

// TaskResult summarizes one execution.
type TaskResult struct {
	TaskID     string        `json:"task_id"`
	Status     domain.Status `json:"status"`
	Output     string        `json:"output,omitempty"`
	Iterations int           `json:"iterations"`
	FinalScore *float64      `json:"final_score,omitempty"`
	Degraded   bool          `json:"degraded"`
	Duration   time.Duration `json:"duration"`
}

// Executor drives atomic task execution.
type Executor struct {
	store     store.Store
	backend   llm.Backend
	assembler *assembler.Assembler
	registry  tools.Registry // nil disables tool use
	memory    memory.Service // nil disables memory saves
	locks     *store.LockTable
	logger    logging.Logger

	evaluators *evaluatorSet
}

// New builds an executor. assembler is required when any caller passes
// use_context; registry and memory are optional. evalCacheSize bounds the
// per-mode evaluation result cache; zero or negative picks the default.
func New(st store.Store, backend llm.Backend, asm *assembler.Assembler, registry tools.Registry, mem memory.Service, locks *store.LockTable, evalCacheSize int, logger logging.Logger) *Executor {
	if locks == nil {
		locks = store.NewLockTable()
	}
	log := logging.OrNop(logger)
	return &Executor{
		store:      st,
		backend:    backend,
		assembler:  asm,
		registry:   registry,
		memory:     mem,
		locks:      locks,
		logger:     log,
		evaluators: newEvaluatorSet(backend, evalCacheSize, log),
	}
}

// Execute runs taskID to completion. Cancellation at an iteration boundary
// reverts the task to pending with nothing persisted and returns the context
// error alongside the partial result.
func (e *Executor) Execute(ctx context.Context, taskID string, opts Options) (*TaskResult, error) {
	unlock, ok := e.locks.TryLock(taskID)
	if !ok {
		return nil, gerrors.NewConflict("task_locked", "task %s is already executing", taskID)
	}
	defer unlock()

	started := time.Now()
	task, err := e.store.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Type.IsContainer() {
		return nil, gerrors.NewValidation("not_atomic", "%s task %s cannot be executed directly", task.Type, taskID)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if err := e.store.SetStatus(ctx, taskID, domain.StatusRunning, store.WithStatusReason("execution started")); err != nil {
		return nil, err
	}

	result := &TaskResult{TaskID: taskID, Status: domain.StatusRunning}
	output, err := e.run(ctx, task, opts, result)
	result.Duration = time.Since(started)

	switch {
	case err == nil:
		if err := e.accept(ctx, task, output, opts, result); err != nil {
			return nil, e.fail(ctx, taskID, result, err)
		}
		return result, nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Interrupted between iterations: back to the ready queue, the
		// in-progress draft is discarded.
		revertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if revertErr := e.store.SetStatus(revertCtx, taskID, domain.StatusPending, store.WithStatusReason("execution cancelled")); revertErr != nil {
			e.logger.Error("cancel revert failed for %s: %v", taskID, revertErr)
		}
		result.Status = domain.StatusPending
		result.Output = ""
		return result, err
	default:
		return nil, e.fail(ctx, taskID, result, err)
	}
}

// run performs the iteration loop and returns the accepted draft.
func (e *Executor) run(ctx context.Context, task *domain.Task, opts Options, result *TaskResult) (string, error) {
	input, err := e.store.Input(ctx, task.ID)
	if err != nil && !errors.Is(err, gerrors.ErrNotFound) {
		return "", err
	}
	if strings.TrimSpace(input) == "" {
		input = task.Name
	}

	var deferred []tools.Invocation
	var registry tools.Registry
	var toolSections []assembler.Section
	if opts.UseTools && e.registry != nil {
		// db_query is scoped to the task's plan, so it joins the registry
		// per execution rather than at wiring time.
		registry = tools.WithTools(e.registry, tools.NewDBQuery(e.store, task.PlanID))

		// The routing call sees a read-only preview of the context; the
		// snapshot, if any, is taken by the final gather below.
		preview := ""
		if opts.UseContext && e.assembler != nil {
			pre := opts.ContextOptions
			pre.SaveSnapshot = false
			bundle, err := e.assembler.Gather(ctx, task.ID, pre)
			if err != nil {
				return "", err
			}
			preview = bundle.Combined
		}
		sections, outputCalls, err := e.routeTools(ctx, registry, task, input, preview)
		if err != nil {
			return "", err
		}
		toolSections = sections
		deferred = outputCalls
	}

	// Tool results are context sections like any other candidate: they go
	// through the assembler so tier order and the character budget hold.
	combined := ""
	switch {
	case e.assembler != nil && (opts.UseContext || len(toolSections) > 0):
		gatherOpts := opts.ContextOptions
		if !opts.UseContext {
			gatherOpts = assembler.Options{
				BudgetTotalChars:      opts.ContextOptions.BudgetTotalChars,
				BudgetPerSectionChars: opts.ContextOptions.BudgetPerSectionChars,
				Summarization:         opts.ContextOptions.Summarization,
			}
		}
		gatherOpts.Extra = toolSections
		bundle, err := e.assembler.Gather(ctx, task.ID, gatherOpts)
		if err != nil {
			return "", err
		}
		combined = bundle.Combined
	case len(toolSections) > 0:
		parts := make([]string, 0, len(toolSections))
		for _, section := range toolSections {
			parts = append(parts, fmt.Sprintf("[%s: %s]\n%s", section.Meta.Kind, section.Title, section.Content))
		}
		combined = strings.Join(parts, "\n\n")
	}

	basePrompt := composePrompt(combined, input)
	prompt := basePrompt

	maxIterations := opts.EvaluationOptions.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 3
	}
	if !opts.EnableEvaluation {
		maxIterations = 1
	}

	var content string
	for iteration := 1; iteration <= maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		resp, err := e.backend.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{
			{Role: llm.RoleUser, Content: prompt},
		}})
		if err != nil {
			return "", err
		}
		content = resp.Content
		result.Iterations = iteration

		if !opts.EnableEvaluation {
			break
		}

		eval, err := e.evaluate(ctx, task, input, content, iteration, opts)
		if err != nil {
			return "", err
		}
		if eval.Rewritten != "" {
			content = eval.Rewritten
		}
		if err := e.record(ctx, task.ID, iteration, content, eval); err != nil {
			return "", err
		}
		score := eval.OverallScore
		result.FinalScore = &score
		result.Degraded = result.Degraded || eval.Degraded

		if !eval.NeedsRevision {
			break
		}
		prompt = revisionPrompt(basePrompt, content, eval.Suggestions)
	}

	if len(deferred) > 0 {
		e.runDeferred(ctx, registry, task.ID, deferred, content)
	}
	return content, nil
}

// routeTools offers the registry to the model and runs the information tools
// up front. Their results come back as context sections for the final
// gather; output tools are returned for execution after acceptance.
func (e *Executor) routeTools(ctx context.Context, registry tools.Registry, task *domain.Task, input, combined string) ([]assembler.Section, []tools.Invocation, error) {
	defs := tools.ToolDefs(registry)
	if len(defs) == 0 {
		return nil, nil, nil
	}

	resp, err := e.backend.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Decide which of the available tools would help with the task. Call them; reply with plain text if none apply."},
			{Role: llm.RoleUser, Content: composePrompt(combined, input)},
		},
		Tools: defs,
	})
	if err != nil {
		return nil, nil, err
	}
	if len(resp.ToolCalls) == 0 {
		return nil, nil, nil
	}

	invocations, skipped := tools.MapCalls(registry, resp.ToolCalls)
	for _, name := range skipped {
		e.logger.Warn("task %s: dropping unknown tool call %q", task.ID, name)
	}
	info, output := tools.SplitByKind(invocations)

	sections := make([]assembler.Section, 0, len(info))
	for _, inv := range info {
		res, err := registry.Invoke(ctx, inv.Name, inv.Args)
		if err != nil {
			e.logger.Warn("task %s: tool %s failed: %v", task.ID, inv.Name, err)
			continue
		}
		if strings.TrimSpace(res.Content) == "" {
			continue
		}
		sections = append(sections, assembler.ToolSection(inv.Name, res.Content))
	}
	return sections, output, nil
}

// runDeferred executes output tools once the draft is accepted. Failures are
// logged; the task output is already decided.
func (e *Executor) runDeferred(ctx context.Context, registry tools.Registry, taskID string, deferred []tools.Invocation, content string) {
	for _, inv := range deferred {
		args := inv.Args
		if args == nil {
			args = map[string]any{}
		}
		if _, ok := args["content"]; !ok {
			args["content"] = content
		}
		if _, err := registry.Invoke(ctx, inv.Name, args); err != nil {
			e.logger.Warn("task %s: deferred tool %s failed: %v", taskID, inv.Name, err)
		}
	}
}

func (e *Executor) evaluate(ctx context.Context, task *domain.Task, instruction, content string, iteration int, opts Options) (*evaluator.Result, error) {
	ev, err := e.evaluators.forMode(opts.EvaluationMode)
	if err != nil {
		return nil, err
	}
	return ev.Evaluate(ctx, evaluator.Request{
		Task:        task,
		Instruction: instruction,
		Content:     content,
		Iteration:   iteration,
	}, opts.EvaluationOptions)
}

func (e *Executor) record(ctx context.Context, taskID string, iteration int, content string, eval *evaluator.Result) error {
	record := &domain.EvaluationRecord{
		ID:              id.NewEvaluationID(),
		TaskID:          taskID,
		Iteration:       iteration,
		ContentSnapshot: content,
		OverallScore:    eval.OverallScore,
		DimensionScores: eval.Dimensions,
		Suggestions:     eval.Suggestions,
		NeedsRevision:   eval.NeedsRevision,
		Mode:            eval.Mode,
	}
	if eval.Degraded {
		record.Meta = map[string]any{"degraded": true}
	}
	if len(eval.Critique) > 0 {
		if record.Meta == nil {
			record.Meta = map[string]any{}
		}
		record.Meta["critique"] = eval.Critique
		record.Meta["rewrite_delta"] = eval.RewriteDelta
	}
	return e.store.AppendEvaluation(ctx, record)
}

// accept persists the output and finishes the task.
func (e *Executor) accept(ctx context.Context, task *domain.Task, output string, opts Options, result *TaskResult) error {
	if err := e.store.PutOutput(ctx, task.ID, output); err != nil {
		return err
	}
	if err := e.store.SetStatus(ctx, task.ID, domain.StatusCompleted, store.WithStatusReason("execution finished")); err != nil {
		return err
	}
	result.Status = domain.StatusCompleted
	result.Output = output

	if opts.SaveMemory && e.memory != nil {
		excerpt := textutil.TruncateChars(output, 400)
		summary := fmt.Sprintf("Completed task %q: %s", task.Name, excerpt)
		if err := e.memory.Save(ctx, summary, memory.KindExperience, 0.5, []string{task.PlanID}); err != nil {
			e.logger.Warn("memory save failed for %s: %v", task.ID, err)
		}
	}
	return nil
}

// fail marks the task failed and returns the original error.
func (e *Executor) fail(ctx context.Context, taskID string, result *TaskResult, cause error) error {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.SetStatus(failCtx, taskID, domain.StatusFailed,
		store.WithStatusReason("execution failed"), store.WithStatusError(cause.Error())); err != nil {
		e.logger.Error("failed-state transition for %s: %v", taskID, err)
	}
	result.Status = domain.StatusFailed
	return cause
}

func composePrompt(combined, input string) string {
	if strings.TrimSpace(combined) == "" {
		return input
	}
	return fmt.Sprintf("[Context]\n%s\n\n[Task]\n%s", combined, input)
}

func revisionPrompt(basePrompt, previous string, suggestions []string) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n[Previous draft]\n")
	b.WriteString(previous)
	if len(suggestions) > 0 {
		b.WriteString("\n\n[Revision suggestions]")
		for _, suggestion := range suggestions {
			b.WriteString("\n- ")
			b.WriteString(suggestion)
		}
	}
	b.WriteString("\n\nRevise the draft to address the suggestions. Reply with the revised draft only.")
	return b.String()
}
