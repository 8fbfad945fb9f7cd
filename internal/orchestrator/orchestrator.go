// Package orchestrator ties the components together: plan proposal and
// approval, the recursive decomposition sweep, scheduling runs with event
// streaming, and post-order artifact assembly. It is the only component that
// observes whole-plan state; everything below it works on ids.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yiyabo/gagent/internal/decomposer"
	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/executor"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/scheduler"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
	"github.com/yiyabo/gagent/internal/store"
	"github.com/yiyabo/gagent/internal/utils/id"
)

// Orchestrator coordinates plan lifecycle operations.
type Orchestrator struct {
	store      store.Store
	backend    llm.Backend
	decomposer *decomposer.Decomposer
	scheduler  *scheduler.Scheduler
	executor   *executor.Executor
	hub        *Hub
	metrics    *Metrics
	logger     logging.Logger
	active     *activeRuns
}

// New wires an orchestrator. hub may be nil when nothing subscribes;
// metrics nil falls back to the shared registry instance.
func New(st store.Store, backend llm.Backend, dec *decomposer.Decomposer, sched *scheduler.Scheduler, exec *executor.Executor, hub *Hub, metrics *Metrics, logger logging.Logger) *Orchestrator {
	if hub == nil {
		hub = NewHub()
	}
	if metrics == nil {
		metrics = defaultMetrics()
	}
	return &Orchestrator{
		store:      st,
		backend:    backend,
		decomposer: dec,
		scheduler:  sched,
		executor:   exec,
		hub:        hub,
		metrics:    metrics,
		logger:     logging.OrNop(logger),
		active:     newActiveRuns(),
	}
}

// Hub exposes the event hub for the websocket layer.
func (o *Orchestrator) Hub() *Hub { return o.hub }

// ProposeRequest seeds a plan proposal.
type ProposeRequest struct {
	Goal     string   `json:"goal"`
	Title    string   `json:"title,omitempty"`
	Sections []string `json:"sections,omitempty"`
	Style    string   `json:"style,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

// DraftTask is one proposed seed task.
type DraftTask struct {
	Name        string `json:"name"`
	Instruction string `json:"instruction"`
	Kind        string `json:"kind"`
	Priority    int    `json:"priority"`
}

// PlanDraft is an unpersisted plan proposal.
type PlanDraft struct {
	Title string      `json:"title"`
	Goal  string      `json:"goal"`
	Tasks []DraftTask `json:"tasks"`
}

// ProposePlan asks the model for a title and seed tasks. Nothing is
// persisted; the caller approves the draft separately.
func (o *Orchestrator) ProposePlan(ctx context.Context, req ProposeRequest) (*PlanDraft, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, gerrors.NewValidation("missing_goal", "proposal requires a goal")
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Goal: %s", req.Goal)
	if len(req.Sections) > 0 {
		fmt.Fprintf(&user, "\nDesired sections: %s", strings.Join(req.Sections, ", "))
	}
	if req.Style != "" {
		fmt.Fprintf(&user, "\nStyle: %s", req.Style)
	}
	if req.Notes != "" {
		fmt.Fprintf(&user, "\nNotes: %s", req.Notes)
	}

	resp, err := o.backend.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a plan architect. Break the goal into a small set of seed tasks. " +
			`Reply with JSON only: {"title": string, "tasks": [{"name", "instruction", "kind": "composite|atomic", "priority": int}]}.`},
		{Role: llm.RoleUser, Content: user.String()},
	}})
	if err != nil {
		return nil, err
	}

	var draft PlanDraft
	if err := jsonx.DecodeLoose(resp.Content, &draft); err != nil {
		return nil, gerrors.NewValidation("unparseable_proposal", "proposal reply unparseable: %v", err)
	}
	draft.Goal = req.Goal
	if req.Title != "" {
		draft.Title = req.Title
	}
	if strings.TrimSpace(draft.Title) == "" {
		draft.Title = "Plan: " + req.Goal
	}
	if len(draft.Tasks) == 0 {
		return nil, gerrors.NewValidation("empty_proposal", "proposal produced no tasks")
	}
	return &draft, nil
}

// ApprovePlan persists a draft. Approval is idempotent on names: a plan with
// the draft's title is reused, and seed tasks whose name already exists under
// the root are not recreated. Returns the plan id and the tasks created by
// this call.
func (o *Orchestrator) ApprovePlan(ctx context.Context, draft *PlanDraft) (string, []domain.Task, error) {
	if draft == nil || strings.TrimSpace(draft.Title) == "" {
		return "", nil, gerrors.NewValidation("invalid_draft", "draft requires a title")
	}
	if len(draft.Tasks) == 0 {
		return "", nil, gerrors.NewValidation("invalid_draft", "draft requires at least one task")
	}

	plan, err := o.store.PlanByTitle(ctx, draft.Title)
	switch {
	case err == nil:
	case errors.Is(err, gerrors.ErrNotFound):
		plan = &domain.Plan{Title: draft.Title, Goal: draft.Goal}
		if err := o.store.CreatePlan(ctx, plan); err != nil {
			return "", nil, err
		}
	default:
		return "", nil, err
	}

	root, err := o.planRoot(ctx, plan.ID)
	if errors.Is(err, gerrors.ErrNotFound) {
		root, err = o.store.CreateTask(ctx, store.CreateTaskParams{
			PlanID:   plan.ID,
			Name:     draft.Title,
			Type:     domain.TypeRoot,
			Position: -1,
			Input:    draft.Goal,
		})
	}
	if err != nil {
		return "", nil, err
	}

	existing, err := o.store.Children(ctx, root.ID)
	if err != nil {
		return "", nil, err
	}
	taken := make(map[string]bool, len(existing))
	for _, child := range existing {
		taken[strings.ToLower(child.Name)] = true
	}

	var created []domain.Task
	for _, seed := range draft.Tasks {
		name := strings.TrimSpace(seed.Name)
		if name == "" || taken[strings.ToLower(name)] {
			continue
		}
		kind := domain.TaskType(seed.Kind)
		if kind != domain.TypeComposite {
			kind = domain.TypeAtomic
		}
		task, err := o.store.CreateTask(ctx, store.CreateTaskParams{
			PlanID:   plan.ID,
			ParentID: root.ID,
			Name:     name,
			Type:     kind,
			Priority: seed.Priority,
			Position: -1,
			Input:    seed.Instruction,
		})
		if err != nil {
			return "", nil, err
		}
		taken[strings.ToLower(name)] = true
		created = append(created, *task)
	}
	o.logger.Info("approved plan %s (%q): %d new tasks", plan.ID, plan.Title, len(created))
	return plan.ID, created, nil
}

// RecursiveDecompose sweeps every root of the plan until all leaves are
// atomic or at the depth bound, returning the tasks the sweep added.
func (o *Orchestrator) RecursiveDecompose(ctx context.Context, planID string, opts decomposer.Options) ([]domain.Task, error) {
	before, err := o.taskIDSet(ctx, planID)
	if err != nil {
		return nil, err
	}

	roots, err := o.store.Roots(ctx, planID)
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if _, err := o.decomposer.Sweep(ctx, root.ID, opts); err != nil {
			return nil, err
		}
	}

	after, err := o.store.PlanTasks(ctx, planID)
	if err != nil {
		return nil, err
	}
	var added []domain.Task
	for _, task := range after {
		if !before[task.ID] {
			added = append(added, task)
		}
	}
	return added, nil
}

// DecomposeTask decomposes a single task and returns its children.
func (o *Orchestrator) DecomposeTask(ctx context.Context, taskID string, opts decomposer.Options) ([]domain.Task, error) {
	ids, err := o.decomposer.Decompose(ctx, taskID, opts)
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(ids))
	for _, childID := range ids {
		task, err := o.store.Task(ctx, childID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, nil
}

// ExecuteTask runs one atomic task directly.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string, opts executor.Options) (*executor.TaskResult, error) {
	return o.executor.Execute(ctx, taskID, opts)
}

// CancelRun interrupts an in-flight run. Returns false when the run is not
// active.
func (o *Orchestrator) CancelRun(runID string) bool {
	return o.active.cancel(runID)
}

func (o *Orchestrator) planRoot(ctx context.Context, planID string) (*domain.Task, error) {
	roots, err := o.store.Roots(ctx, planID)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, gerrors.NewNotFound("root task", planID)
	}
	// Several roots are legal; the most recently created one wins.
	index := roots[0]
	for _, root := range roots[1:] {
		if root.CreatedAt.After(index.CreatedAt) || (root.CreatedAt.Equal(index.CreatedAt) && root.ID > index.ID) {
			index = root
		}
	}
	return &index, nil
}

func (o *Orchestrator) taskIDSet(ctx context.Context, planID string) (map[string]bool, error) {
	tasks, err := o.store.PlanTasks(ctx, planID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		set[task.ID] = true
	}
	return set, nil
}

// RunOptions tunes one orchestrated run.
type RunOptions struct {
	PlanID string `json:"plan_id,omitempty"`
	Title  string `json:"title,omitempty"` // resolve the plan by title instead

	Strategy    scheduler.Strategy `json:"strategy,omitempty"`
	Parallelism int                `json:"parallelism,omitempty"`

	AutoDecompose bool               `json:"auto_decompose"`
	Decompose     decomposer.Options `json:"decompose_options"`

	Execution executor.Options `json:"execution_options"`

	IncludeSummary bool `json:"include_summary"`
	AutoAssemble   bool `json:"auto_assemble"`
}

// RunReport is the caller-facing outcome of a run.
type RunReport struct {
	RunID      string                `json:"run_id"`
	PlanID     string                `json:"plan_id"`
	Status     domain.RunStatus      `json:"status"`
	Total      int                   `json:"total"`
	Successful int                   `json:"successful"`
	Failed     int                   `json:"failed"`
	Summary    *scheduler.Summary    `json:"summary"`
	Results    []executor.TaskResult `json:"results,omitempty"`
	SummaryTxt string                `json:"summary_text,omitempty"`
	Assembled  string                `json:"assembled,omitempty"`
}

// Run executes a plan: optional decomposition sweep, scheduling with bounded
// parallelism, streaming events to subscribers, and optional assembly. The
// Run record is written up front so subscribers can attach by run id.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	plan, err := o.resolvePlan(ctx, opts)
	if err != nil {
		return nil, err
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = scheduler.StrategyDAG
	}
	if !strategy.Valid() {
		return nil, gerrors.NewValidation("invalid_strategy", "unknown scheduling strategy %q", strategy)
	}

	encodedOpts, _ := jsonx.Marshal(opts)
	run := &domain.Run{
		ID:       id.NewRunID(),
		PlanID:   plan.ID,
		Strategy: string(strategy),
		Options:  encodedOpts,
		Status:   domain.RunRunning,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.active.add(run.ID, cancel)
	defer o.active.remove(run.ID)
	o.metrics.IncActiveRuns()
	defer o.metrics.DecActiveRuns()

	started := time.Now()
	o.hub.Publish(RunEvent{RunID: run.ID, PlanID: plan.ID, Type: EventRunStarted,
		Data: map[string]any{"strategy": string(strategy)}})

	if opts.AutoDecompose {
		if _, err := o.RecursiveDecompose(runCtx, plan.ID, opts.Decompose); err != nil {
			o.finishRun(plan.ID, run.ID, domain.RunFailed, strategy, started)
			return nil, err
		}
	}

	var mu sync.Mutex
	var results []executor.TaskResult
	execute := func(taskCtx context.Context, taskID string) error {
		o.hub.Publish(RunEvent{RunID: run.ID, PlanID: plan.ID, Type: EventTaskStarted, TaskID: taskID})
		result, err := o.executor.Execute(taskCtx, taskID, opts.Execution)
		if result != nil {
			mu.Lock()
			results = append(results, *result)
			mu.Unlock()
		}
		switch {
		case err == nil:
			o.metrics.IncTaskExecution(string(domain.StatusCompleted))
			o.hub.Publish(RunEvent{RunID: run.ID, PlanID: plan.ID, Type: EventTaskCompleted, TaskID: taskID})
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			o.metrics.IncTaskExecution(string(domain.StatusCancelled))
		default:
			o.metrics.IncTaskExecution(string(domain.StatusFailed))
			o.metrics.IncTaskFailure(failureReason(err))
			o.hub.Publish(RunEvent{RunID: run.ID, PlanID: plan.ID, Type: EventTaskFailed, TaskID: taskID,
				Data: map[string]any{"error": err.Error()}})
		}
		return err
	}

	summary, runErr := o.scheduler.Run(runCtx, plan.ID, strategy, opts.Parallelism, execute)
	if runErr != nil && summary == nil {
		// Scheduling never started (cycle, store failure).
		o.finishRun(plan.ID, run.ID, domain.RunFailed, strategy, started)
		return nil, runErr
	}

	status := domain.RunCompleted
	if runErr != nil {
		status = domain.RunCancelled
	}
	report := &RunReport{
		RunID:      run.ID,
		PlanID:     plan.ID,
		Status:     status,
		Total:      summary.Scheduled + summary.Skipped,
		Successful: summary.Completed,
		Failed:     summary.Failed,
		Summary:    summary,
		Results:    results,
	}

	if status == domain.RunCompleted && opts.AutoAssemble {
		artifact, err := o.Assemble(runCtx, plan.ID, true)
		if err != nil {
			o.logger.Warn("assembly after run %s failed: %v", run.ID, err)
		} else {
			report.Assembled = artifact.Combined
		}
	}
	if status == domain.RunCompleted && opts.IncludeSummary {
		report.SummaryTxt = o.summarize(runCtx, plan, summary)
	}

	o.finishRun(plan.ID, run.ID, status, strategy, started)
	o.hub.Publish(RunEvent{RunID: run.ID, PlanID: plan.ID, Type: EventRunFinished,
		Data: map[string]any{"status": string(status), "completed": summary.Completed, "failed": summary.Failed}})
	return report, runErr
}

func (o *Orchestrator) finishRun(planID, runID string, status domain.RunStatus, strategy scheduler.Strategy, started time.Time) {
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.FinishRun(finishCtx, planID, runID, status); err != nil {
		o.logger.Error("finishing run %s: %v", runID, err)
	}
	o.metrics.ObserveRunDuration(string(strategy), string(status), time.Since(started))
}

func (o *Orchestrator) resolvePlan(ctx context.Context, opts RunOptions) (*domain.Plan, error) {
	switch {
	case opts.PlanID != "":
		return o.store.Plan(ctx, opts.PlanID)
	case opts.Title != "":
		return o.store.PlanByTitle(ctx, opts.Title)
	default:
		return nil, gerrors.NewValidation("missing_plan", "run requires plan_id or title")
	}
}

// summarize produces a short model-written recap of the run.
func (o *Orchestrator) summarize(ctx context.Context, plan *domain.Plan, summary *scheduler.Summary) string {
	resp, err := o.backend.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "Summarize the run outcome in two sentences."},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Plan %q finished: %d completed, %d failed, %d skipped.",
			plan.Title, summary.Completed, summary.Failed, summary.Skipped)},
	}})
	if err != nil {
		o.logger.Warn("run summary generation failed: %v", err)
		return ""
	}
	return resp.Content
}

func failureReason(err error) string {
	switch {
	case gerrors.IsTransient(err):
		return "transient"
	case gerrors.IsPermanent(err):
		return "permanent"
	case errors.Is(err, gerrors.ErrConflict):
		return "conflict"
	default:
		return "other"
	}
}
