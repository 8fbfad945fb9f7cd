package assembler

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/store"
)

type fixture struct {
	store     store.Store
	backend   *llm.MockBackend
	assembler *Assembler
	plan      *domain.Plan
	root      *domain.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(store.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	backend := llm.NewMockBackend("mock-model")
	embedder, err := llm.NewEmbedder(backend, 128, nil)
	require.NoError(t, err)

	ctx := context.Background()
	plan := &domain.Plan{Title: "Research plan"}
	require.NoError(t, st.CreatePlan(ctx, plan))
	root, err := st.CreateTask(ctx, store.CreateTaskParams{
		PlanID:   plan.ID,
		Name:     "Research report",
		Type:     domain.TypeRoot,
		Position: -1,
		Input:    "Project index: goals, scope, and source material.",
	})
	require.NoError(t, err)

	return &fixture{
		store:     st,
		backend:   backend,
		assembler: New(st, embedder, nil, nil),
		plan:      plan,
		root:      root,
	}
}

func (f *fixture) atomic(t *testing.T, name, input string) *domain.Task {
	t.Helper()
	task, err := f.store.CreateTask(context.Background(), store.CreateTaskParams{
		PlanID:   f.plan.ID,
		ParentID: f.root.ID,
		Name:     name,
		Type:     domain.TypeAtomic,
		Position: -1,
		Input:    input,
	})
	require.NoError(t, err)
	return task
}

func (f *fixture) complete(t *testing.T, taskID, output string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SetStatus(ctx, taskID, domain.StatusRunning))
	require.NoError(t, f.store.PutOutput(ctx, taskID, output))
	require.NoError(t, f.store.SetStatus(ctx, taskID, domain.StatusCompleted))
}

func TestGatherOrdersSectionsByTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upstream := f.atomic(t, "Collect sources", "Collect sources for the report.")
	f.complete(t, upstream.ID, "Sources: three journal articles and one dataset.")
	sibling := f.atomic(t, "Outline", "Outline the report.")
	f.complete(t, sibling.ID, "Outline: intro, method, findings.")
	target := f.atomic(t, "Draft findings", "Draft the findings chapter.")
	require.NoError(t, f.store.CreateLink(ctx, domain.TaskLink{
		FromID: target.ID, ToID: upstream.ID, Kind: domain.LinkRequires,
	}))

	bundle, err := f.assembler.Gather(ctx, target.ID, Options{
		IncludeIndex:        true,
		IncludeDeps:         true,
		IncludePlanSiblings: true,
	})
	require.NoError(t, err)
	require.Len(t, bundle.Sections, 3)

	assert.Equal(t, domain.SectionIndex, bundle.Sections[0].Meta.Kind)
	assert.Equal(t, f.root.ID, bundle.Sections[0].Meta.SourceID)
	assert.Equal(t, domain.SectionDepRequires, bundle.Sections[1].Meta.Kind)
	assert.Equal(t, upstream.ID, bundle.Sections[1].Meta.SourceID)
	assert.Equal(t, domain.SectionSibling, bundle.Sections[2].Meta.Kind)
	// The dependency's section carries its completed output.
	assert.Contains(t, bundle.Sections[1].Content, "journal articles")
	assert.Contains(t, bundle.Combined, "[index: Research report]")
	// Unbounded gather omits the budget meta block.
	_, hasBudget := bundle.Meta["budget"]
	assert.False(t, hasBudget)
	assert.Greater(t, bundle.Meta["token_estimate"].(int), 0)
}

func TestGatherRetrievedRanksIdenticalTextFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target := f.atomic(t, "Summarize energy analysis", "energy market analysis")
	match := f.atomic(t, "Energy analysis", "Analyze the energy market.")
	f.complete(t, match.ID, "energy market analysis")
	other := f.atomic(t, "Unrelated", "Something else.")
	f.complete(t, other.ID, "completely different topic entirely")

	bundle, err := f.assembler.Gather(ctx, target.ID, Options{
		IncludeRetrieved: true,
		RetrievalK:       2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Sections)

	first := bundle.Sections[0]
	assert.Equal(t, domain.SectionRetrieved, first.Meta.Kind)
	assert.Equal(t, match.ID, first.Meta.SourceID)
	require.NotNil(t, first.Meta.Score)
	assert.InDelta(t, 1.0, *first.Meta.Score, 1e-6)
}

func TestGatherIdempotentWithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dep := f.atomic(t, "Gather data", "Gather the data.")
	f.complete(t, dep.ID, "Data gathered: 120 rows.")
	target := f.atomic(t, "Analyze", "Analyze the data.")
	require.NoError(t, f.store.CreateLink(ctx, domain.TaskLink{
		FromID: target.ID, ToID: dep.ID, Kind: domain.LinkRequires,
	}))

	opts := Options{IncludeIndex: true, IncludeDeps: true, IncludeRetrieved: true}
	first, err := f.assembler.Gather(ctx, target.ID, opts)
	require.NoError(t, err)
	second, err := f.assembler.Gather(ctx, target.ID, opts)
	require.NoError(t, err)

	assert.Equal(t, first.Combined, second.Combined)
	assert.Equal(t, first.Sections, second.Sections)

	snapshots, err := f.store.Snapshots(ctx, target.ID)
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}

func TestGatherSavesSnapshotIdempotentOnLabel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.atomic(t, "Write intro", "Write the introduction.")

	opts := Options{IncludeIndex: true, SaveSnapshot: true, Label: "exec-context"}
	bundle, err := f.assembler.Gather(ctx, target.ID, opts)
	require.NoError(t, err)
	_, err = f.assembler.Gather(ctx, target.ID, opts)
	require.NoError(t, err)

	snapshots, err := f.store.Snapshots(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "exec-context", snapshots[0].Label)

	snapshot, err := f.store.Snapshot(ctx, target.ID, "exec-context")
	require.NoError(t, err)
	assert.Equal(t, bundle.Combined, snapshot.CombinedText)
	assert.Len(t, snapshot.Sections, len(bundle.Sections))
}

func TestGatherDegradesWhenEmbeddingFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := f.atomic(t, "Done task", "Earlier work.")
	f.complete(t, done.ID, "Earlier work output.")
	target := f.atomic(t, "Current", "Current work.")

	f.backend.EmbedFunc = func(texts []string) ([][]float32, error) {
		return nil, gerrors.NewTransientError(fmt.Errorf("connection refused"), "embeddings down")
	}

	bundle, err := f.assembler.Gather(ctx, target.ID, Options{IncludeRetrieved: true})
	require.NoError(t, err)
	assert.Empty(t, bundle.Sections)
	assert.Equal(t, true, bundle.Meta["degraded_retrieval"])
}

func TestGatherManualPinsPromoteTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pinned := f.atomic(t, "Style guide", "House style guide.")
	f.complete(t, pinned.ID, "Use plain prose, no passive voice.")
	sibling := f.atomic(t, "Outline", "Outline.")
	f.complete(t, sibling.ID, "Outline text.")
	target := f.atomic(t, "Draft", "Draft the chapter.")

	bundle, err := f.assembler.Gather(ctx, target.ID, Options{
		IncludePlanSiblings: true,
		ManualIDs:           []string{pinned.ID, "task-does-not-exist"},
		PinManual:           true,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(bundle.Sections), 2)

	assert.Equal(t, pinned.ID, bundle.Sections[0].Meta.SourceID)
	assert.Equal(t, domain.SectionManual, bundle.Sections[0].Meta.Kind)

	// Without the pin the manual source sinks below the siblings.
	bundle, err = f.assembler.Gather(ctx, target.ID, Options{
		IncludePlanSiblings: true,
		ManualIDs:           []string{pinned.ID},
	})
	require.NoError(t, err)
	last := bundle.Sections[len(bundle.Sections)-1]
	assert.Equal(t, pinned.ID, last.Meta.SourceID)
}

func TestGatherAppliesBudgetMeta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.atomic(t, "Draft", "Draft the chapter.")

	bundle, err := f.assembler.Gather(ctx, target.ID, Options{
		IncludeIndex:          true,
		BudgetTotalChars:      30,
		BudgetPerSectionChars: 20,
	})
	require.NoError(t, err)
	require.Len(t, bundle.Sections, 1)
	assert.Equal(t, 20, bundle.Sections[0].Meta.Allowed)
	assert.Equal(t, domain.TruncatedPerSection, bundle.Sections[0].Meta.TruncatedReason)

	budget, ok := bundle.Meta["budget"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 30, budget["total_chars"])
}

func TestGatherRejectsUnknownStrategy(t *testing.T) {
	f := newFixture(t)
	target := f.atomic(t, "Draft", "Draft.")
	_, err := f.assembler.Gather(context.Background(), target.ID, Options{Summarization: "best-effort"})
	assert.Error(t, err)
}

func TestGatherUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.assembler.Gather(context.Background(), "task-missing", Options{})
	assert.ErrorIs(t, err, gerrors.ErrNotFound)
}
