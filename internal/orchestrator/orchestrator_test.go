package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yiyabo/gagent/internal/assembler"
	"github.com/yiyabo/gagent/internal/decomposer"
	"github.com/yiyabo/gagent/internal/domain"
	"github.com/yiyabo/gagent/internal/executor"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/scheduler"
	"github.com/yiyabo/gagent/internal/store"
)

type fixture struct {
	store   store.Store
	backend *llm.MockBackend
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(store.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	backend := llm.NewMockBackend("test-model")
	embedder, err := llm.NewEmbedder(backend, 64, nil)
	require.NoError(t, err)
	asm := assembler.New(st, embedder, nil, nil)
	exec := executor.New(st, backend, asm, nil, nil, nil, 0, nil)
	dec := decomposer.New(st, backend, nil, 1, nil)
	sched := scheduler.New(st, nil)
	metrics := MustNewMetrics(prometheus.NewRegistry())

	orch := New(st, backend, dec, sched, exec, nil, metrics, nil)
	return &fixture{store: st, backend: backend, orch: orch}
}

func (f *fixture) approvedPlan(t *testing.T, title string, seeds ...DraftTask) string {
	t.Helper()
	planID, _, err := f.orch.ApprovePlan(context.Background(), &PlanDraft{
		Title: title, Goal: "goal for " + title, Tasks: seeds,
	})
	require.NoError(t, err)
	return planID
}

func TestProposePlanUsesArchitect(t *testing.T) {
	f := newFixture(t)

	draft, err := f.orch.ProposePlan(context.Background(), ProposeRequest{
		Goal: "Write a survey of retrieval techniques",
	})
	require.NoError(t, err)

	assert.Contains(t, draft.Title, "Plan:")
	assert.Equal(t, "Write a survey of retrieval techniques", draft.Goal)
	require.Len(t, draft.Tasks, 3)
	assert.Equal(t, "Outline", draft.Tasks[0].Name)
	assert.NotEmpty(t, draft.Tasks[0].Instruction)
}

func TestProposePlanRequiresGoal(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.ProposePlan(context.Background(), ProposeRequest{})
	assert.Error(t, err)
}

func TestApprovePlanCreatesRootAndSeeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	planID, created, err := f.orch.ApprovePlan(ctx, &PlanDraft{
		Title: "Survey",
		Goal:  "Write a survey",
		Tasks: []DraftTask{
			{Name: "Outline", Instruction: "Outline it", Kind: "atomic"},
			{Name: "Body", Instruction: "Write it", Kind: "composite", Priority: 1},
		},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)

	roots, err := f.store.Roots(ctx, planID)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "Survey", roots[0].Name)

	children, err := f.store.Children(ctx, roots[0].ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, domain.TypeAtomic, children[0].Type)
	assert.Equal(t, domain.TypeComposite, children[1].Type)
}

func TestApprovePlanIsIdempotentOnNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft := &PlanDraft{
		Title: "Survey",
		Goal:  "Write a survey",
		Tasks: []DraftTask{
			{Name: "Outline", Instruction: "Outline it", Kind: "atomic"},
			{Name: "Body", Instruction: "Write it", Kind: "atomic"},
		},
	}

	planID, first, err := f.orch.ApprovePlan(ctx, draft)
	require.NoError(t, err)
	require.Len(t, first, 2)

	again, second, err := f.orch.ApprovePlan(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, planID, again, "same title resolves to the same plan")
	assert.Empty(t, second, "re-approval creates no duplicates")

	tasks, err := f.store.PlanTasks(ctx, planID)
	require.NoError(t, err)
	assert.Len(t, tasks, 3) // root plus two seeds
}

func TestRecursiveDecomposeReportsAddedTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	long := "Compare and contrast the major retrieval techniques across dense, sparse, and hybrid " +
		"settings, covering their indexing cost, query latency, and ranking quality tradeoffs in detail"
	planID, _, err := f.orch.ApprovePlan(ctx, &PlanDraft{
		Title: "Survey",
		Goal:  "Write a survey",
		Tasks: []DraftTask{{Name: "Body", Instruction: long, Kind: "composite"}},
	})
	require.NoError(t, err)

	added, err := f.orch.RecursiveDecompose(ctx, planID, decomposer.Options{})
	require.NoError(t, err)
	require.Len(t, added, 3, "complexity analyst splits the composite seed")
	for _, task := range added {
		assert.Equal(t, domain.TypeAtomic, task.Type)
	}

	again, err := f.orch.RecursiveDecompose(ctx, planID, decomposer.Options{})
	require.NoError(t, err)
	assert.Empty(t, again, "second sweep adds nothing")
}

func TestRunExecutesPlanAndStreamsEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	planID := f.approvedPlan(t, "Report",
		DraftTask{Name: "Intro", Instruction: "Write the intro", Kind: "atomic"},
		DraftTask{Name: "Body", Instruction: "Write the body", Kind: "atomic", Priority: 1},
	)

	report, err := f.orch.Run(ctx, RunOptions{PlanID: planID, Strategy: scheduler.StrategyBFS})
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, report.Status)
	assert.Equal(t, 2, report.Successful)
	assert.Zero(t, report.Failed)
	assert.Len(t, report.Results, 2)

	runs, err := f.store.Runs(ctx, planID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunCompleted, runs[0].Status)
	assert.NotNil(t, runs[0].FinishedAt)

	for _, seed := range report.Results {
		assert.Equal(t, domain.StatusCompleted, seed.Status)
		assert.Contains(t, seed.Output, "Mock result")
	}
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	planID := f.approvedPlan(t, "Evented",
		DraftTask{Name: "Only", Instruction: "Write it", Kind: "atomic"},
	)

	// The run id is minted inside Run, so hold the single task's Chat call
	// until the test has looked up the run record and subscribed.
	subscribed := make(chan struct{})
	f.backend.ChatFunc = func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		<-subscribed
		return &llm.ChatResponse{Content: "done"}, nil
	}

	runs := make(chan *RunReport, 1)
	go func() {
		report, err := f.orch.Run(ctx, RunOptions{PlanID: planID, Strategy: scheduler.StrategyBFS})
		require.NoError(t, err)
		runs <- report
	}()

	var runID string
	deadline := time.After(5 * time.Second)
	for runID == "" {
		select {
		case <-deadline:
			t.Fatal("run record never appeared")
		default:
		}
		stored, err := f.store.Runs(ctx, planID)
		require.NoError(t, err)
		if len(stored) > 0 {
			runID = stored[0].ID
		}
	}
	ch, cancel := f.orch.Hub().Subscribe(runID)
	defer cancel()
	close(subscribed)

	report := <-runs
	assert.Equal(t, domain.RunCompleted, report.Status)

	var types []string
	timeout := time.After(5 * time.Second)
	for {
		var ev RunEvent
		select {
		case ev = <-ch:
		case <-timeout:
			t.Fatalf("never saw run_finished, got %v", types)
		}
		types = append(types, ev.Type)
		if ev.Type == EventRunFinished {
			assert.Equal(t, runID, ev.RunID)
			assert.Equal(t, planID, ev.PlanID)
			assert.Contains(t, types, EventTaskCompleted)
			return
		}
	}
}

func TestRunFailuresDoNotAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	planID := f.approvedPlan(t, "Partial",
		DraftTask{Name: "Good", Instruction: "Write it", Kind: "atomic"},
		DraftTask{Name: "Bad", Instruction: "Fail this one", Kind: "atomic", Priority: 1},
	)

	f.backend.ChatFunc = func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		for _, msg := range req.Messages {
			if strings.Contains(msg.Content, "Fail this one") {
				return nil, assert.AnError
			}
		}
		return &llm.ChatResponse{Content: "fine"}, nil
	}

	report, err := f.orch.Run(ctx, RunOptions{PlanID: planID, Strategy: scheduler.StrategyBFS})
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, report.Status)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 1, report.Failed)
	require.NotNil(t, report.Summary)
	assert.Len(t, report.Summary.Failures, 1)
}

func TestRunResolvesPlanByTitle(t *testing.T) {
	f := newFixture(t)
	planID := f.approvedPlan(t, "Titled",
		DraftTask{Name: "Only", Instruction: "Write it", Kind: "atomic"},
	)

	report, err := f.orch.Run(context.Background(), RunOptions{Title: "Titled"})
	require.NoError(t, err)
	assert.Equal(t, planID, report.PlanID)

	_, err = f.orch.Run(context.Background(), RunOptions{})
	assert.Error(t, err, "run requires plan_id or title")
}

func TestCancelRunInterruptsExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	planID := f.approvedPlan(t, "Cancellable",
		DraftTask{Name: "T1", Instruction: "Write it", Kind: "atomic"},
		DraftTask{Name: "T2", Instruction: "Write it too", Kind: "atomic", Priority: 1},
	)

	started := make(chan string, 1)
	f.backend.ChatFunc = func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		select {
		case started <- "running":
		default:
		}
		time.Sleep(200 * time.Millisecond)
		return &llm.ChatResponse{Content: "slow"}, nil
	}

	reports := make(chan *RunReport, 1)
	errs := make(chan error, 1)
	go func() {
		report, err := f.orch.Run(ctx, RunOptions{PlanID: planID, Strategy: scheduler.StrategyBFS, Parallelism: 1})
		reports <- report
		errs <- err
	}()

	<-started
	var runID string
	deadline := time.After(5 * time.Second)
	for runID == "" {
		select {
		case <-deadline:
			t.Fatal("run record never appeared")
		default:
		}
		stored, err := f.store.Runs(ctx, planID)
		require.NoError(t, err)
		if len(stored) > 0 {
			runID = stored[0].ID
		}
	}
	require.True(t, f.orch.CancelRun(runID))

	report := <-reports
	runErr := <-errs
	if runErr != nil {
		require.NotNil(t, report)
		assert.Equal(t, domain.RunCancelled, report.Status)
	}
	assert.False(t, f.orch.CancelRun(runID), "finished run is no longer active")
}

func TestAssembleStitchesOutputsInTreeOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan := &domain.Plan{Title: "Report"}
	require.NoError(t, f.store.CreatePlan(ctx, plan))
	root, err := f.store.CreateTask(ctx, store.CreateTaskParams{
		PlanID: plan.ID, Name: "Report", Type: domain.TypeRoot, Position: -1,
	})
	require.NoError(t, err)
	c1, err := f.store.CreateTask(ctx, store.CreateTaskParams{
		PlanID: plan.ID, ParentID: root.ID, Name: "Background", Type: domain.TypeComposite, Position: -1,
	})
	require.NoError(t, err)
	c2, err := f.store.CreateTask(ctx, store.CreateTaskParams{
		PlanID: plan.ID, ParentID: root.ID, Name: "Findings", Type: domain.TypeComposite, Position: -1,
	})
	require.NoError(t, err)
	a1, err := f.store.CreateTask(ctx, store.CreateTaskParams{
		PlanID: plan.ID, ParentID: c1.ID, Name: "History", Type: domain.TypeAtomic, Position: -1,
	})
	require.NoError(t, err)
	a2, err := f.store.CreateTask(ctx, store.CreateTaskParams{
		PlanID: plan.ID, ParentID: c2.ID, Name: "Data", Type: domain.TypeAtomic, Position: -1,
	})
	require.NoError(t, err)
	a3, err := f.store.CreateTask(ctx, store.CreateTaskParams{
		PlanID: plan.ID, ParentID: c2.ID, Name: "Analysis", Type: domain.TypeAtomic, Position: -1,
	})
	require.NoError(t, err)

	require.NoError(t, f.store.PutOutput(ctx, a1.ID, "history text"))
	require.NoError(t, f.store.PutOutput(ctx, a2.ID, "data text"))
	require.NoError(t, f.store.PutOutput(ctx, a3.ID, "analysis text"))

	artifact, err := f.orch.Assemble(ctx, plan.ID, true)
	require.NoError(t, err)

	assert.Equal(t, "Report", artifact.Title)
	require.Len(t, artifact.Sections, 5)
	assert.Equal(t, []string{"Background", "History", "Findings", "Data", "Analysis"},
		sectionNames(artifact.Sections))

	combined := artifact.Combined
	assert.True(t, strings.HasPrefix(combined, "# Report"))
	assert.Contains(t, combined, "## Background")
	assert.Contains(t, combined, "## Findings")
	assert.Less(t, strings.Index(combined, "history text"), strings.Index(combined, "## Findings"))
	assert.Less(t, strings.Index(combined, "data text"), strings.Index(combined, "analysis text"))

	rootOutput, err := f.store.Output(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, combined, rootOutput)
}

func TestAssembleSkipsTasksWithoutOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	planID := f.approvedPlan(t, "Sparse",
		DraftTask{Name: "Done", Instruction: "Write it", Kind: "atomic"},
		DraftTask{Name: "Pending", Instruction: "Not yet", Kind: "atomic", Priority: 1},
	)

	tasks, err := f.store.PlanTasks(ctx, planID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Name == "Done" {
			require.NoError(t, f.store.PutOutput(ctx, task.ID, "done text"))
		}
	}

	artifact, err := f.orch.Assemble(ctx, planID, false)
	require.NoError(t, err)
	require.Len(t, artifact.Sections, 1)
	assert.Equal(t, "Done", artifact.Sections[0].Name)
}

func TestRunAutoAssembleAttachesArtifact(t *testing.T) {
	f := newFixture(t)
	planID := f.approvedPlan(t, "Assembled",
		DraftTask{Name: "Only", Instruction: "Write it", Kind: "atomic"},
	)

	report, err := f.orch.Run(context.Background(), RunOptions{
		PlanID: planID, Strategy: scheduler.StrategyBFS, AutoAssemble: true,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(report.Assembled, "# Assembled"))
	assert.Contains(t, report.Assembled, "Mock result")
}

func sectionNames(sections []ArtifactSection) []string {
	names := make([]string, 0, len(sections))
	for _, s := range sections {
		names = append(names, s.Name)
	}
	return names
}
