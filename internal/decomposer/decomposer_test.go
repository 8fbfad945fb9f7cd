package decomposer

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

const longInstruction = "Write a comprehensive market analysis covering supply, demand, pricing trends, " +
	"regulation, and the competitive landscape for the European energy sector over the last five years."

type fixture struct {
	store   store.Store
	backend *llm.MockBackend
	plan    *domain.Plan
	root    *domain.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(store.Options{DataDir: t.TempDir(), MaxDepth: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	plan := &domain.Plan{Title: "Decomposition plan"}
	require.NoError(t, st.CreatePlan(ctx, plan))
	root, err := st.CreateTask(ctx, store.CreateTaskParams{
		PlanID:   plan.ID,
		Name:     "Market analysis",
		Type:     domain.TypeRoot,
		Position: -1,
		Input:    longInstruction,
	})
	require.NoError(t, err)

	return &fixture{store: st, backend: llm.NewMockBackend(""), plan: plan, root: root}
}

func (f *fixture) decomposer(retries int) *Decomposer {
	return New(f.store, f.backend, nil, retries, nil)
}

func TestDecomposeCreatesSubtasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids, err := f.decomposer(2).Decompose(ctx, f.root.ID, Options{})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	children, err := f.store.Children(ctx, f.root.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "Research for Market analysis", children[0].Name)
	assert.Equal(t, "Draft Market analysis", children[1].Name)
	assert.Equal(t, "Review Market analysis", children[2].Name)
	for i, child := range children {
		assert.Equal(t, domain.TypeAtomic, child.Type)
		assert.Equal(t, i, child.Position)
		assert.Equal(t, f.root.ID, child.RootID)
		input, err := f.store.Input(ctx, child.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, input)
	}
}

func TestDecomposeRefusesSimpleTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	simple, err := f.store.CreateTask(ctx, store.CreateTaskParams{
		PlanID:   f.plan.ID,
		ParentID: f.root.ID,
		Name:     "Fix typo",
		Type:     domain.TypeComposite,
		Position: -1,
		Input:    "Fix the typo in the title.",
	})
	require.NoError(t, err)

	_, err = f.decomposer(2).Decompose(ctx, simple.ID, Options{})
	assert.ErrorIs(t, err, gerrors.ErrDecompositionRefused)

	children, err := f.store.Children(ctx, simple.ID)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestDecomposeRefusesAtomicTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	atomic, err := f.store.CreateTask(ctx, store.CreateTaskParams{
		PlanID:   f.plan.ID,
		ParentID: f.root.ID,
		Name:     "Leaf",
		Type:     domain.TypeAtomic,
		Position: -1,
	})
	require.NoError(t, err)

	_, err = f.decomposer(0).Decompose(ctx, atomic.ID, Options{})
	assert.ErrorIs(t, err, gerrors.ErrDecompositionRefused)
}

func TestDecomposeRefusesAtDepthBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	composite, err := f.store.CreateTask(ctx, store.CreateTaskParams{
		PlanID:   f.plan.ID,
		ParentID: f.root.ID,
		Name:     "Deep branch",
		Type:     domain.TypeComposite,
		Position: -1,
		Input:    longInstruction,
	})
	require.NoError(t, err)

	_, err = f.decomposer(0).Decompose(ctx, composite.ID, Options{MaxDepth: 1})
	assert.ErrorIs(t, err, gerrors.ErrDecompositionRefused)
}

func TestDecomposeNoopWithoutForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.decomposer(0)

	first, err := d.Decompose(ctx, f.root.ID, Options{})
	require.NoError(t, err)

	again, err := d.Decompose(ctx, f.root.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	forced, err := d.Decompose(ctx, f.root.ID, Options{Force: true})
	require.NoError(t, err)
	require.Len(t, forced, 3)
	assert.NotEqual(t, first, forced)

	children, err := f.store.Children(ctx, f.root.ID)
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestDecomposeFallsBackToHeuristic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Every attempt gets garbage, so the heuristic decides.
	f.backend.ChatFunc = func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Content: "no json here at all"}, nil
	}

	ids, err := f.decomposer(1).Decompose(ctx, f.root.ID, Options{})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	children, err := f.store.Children(ctx, f.root.ID)
	require.NoError(t, err)
	assert.Equal(t, "Research for Market analysis", children[0].Name)
}

func TestEnforceFiltersInvalidSubtasks(t *testing.T) {
	f := newFixture(t)
	d := f.decomposer(0)
	parent := &domain.Task{Name: "Report", Depth: 0}

	kept := d.enforce(parent, []subtask{
		{Name: "Report", Kind: "atomic"},              // parent name
		{Name: "  ", Kind: "atomic"},                  // empty
		{Name: "Section one", Kind: "atomic"},         // ok
		{Name: "section ONE", Kind: "atomic"},         // dup, case-insensitive
		{Name: "Section two", Kind: "root"},           // bad kind
		{Name: "Section three", Kind: "composite"},    // ok
		{Name: "Section four", Kind: "atomic"},        // ok
		{Name: "Section five", Kind: "atomic"},        // over the cap
	}, Options{MaxSubtasks: 3, MaxDepth: 3})

	require.Len(t, kept, 3)
	assert.Equal(t, "Section one", kept[0].Name)
	assert.Equal(t, "Section three", kept[1].Name)
	assert.Equal(t, "composite", kept[1].Kind)
	assert.Equal(t, "Section four", kept[2].Name)
}

func TestEnforceForcesAtomicAtLastLevel(t *testing.T) {
	f := newFixture(t)
	d := f.decomposer(0)
	parent := &domain.Task{Name: "Branch", Depth: 2}

	kept := d.enforce(parent, []subtask{
		{Name: "A", Kind: "composite"},
		{Name: "B", Kind: "atomic"},
	}, Options{MaxSubtasks: 5, MaxDepth: 3})

	require.Len(t, kept, 2)
	assert.Equal(t, "atomic", kept[0].Kind)
	assert.Equal(t, "atomic", kept[1].Kind)
}

func TestSweepProducesAtomicLeavesWithinDepth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First decomposition returns a composite branch, later ones atomics.
	call := 0
	f.backend.ChatFunc = func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		call++
		if call == 1 {
			return &llm.ChatResponse{Content: `{"complexity": "medium", "should_decompose": true, "subtasks": [
				{"name": "Background study", "instruction": "` + longInstruction + `", "kind": "composite"},
				{"name": "Executive summary", "instruction": "Summarize the findings.", "kind": "atomic"}]}`}, nil
		}
		return &llm.ChatResponse{Content: fmt.Sprintf(`{"complexity": "medium", "should_decompose": true, "subtasks": [
			{"name": "Part one %d", "instruction": "Do part one.", "kind": "composite"},
			{"name": "Part two %d", "instruction": "Do part two.", "kind": "atomic"}]}`, call, call)}, nil
	}

	created, err := f.decomposer(0).Sweep(ctx, f.root.ID, Options{MaxDepth: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, created)

	tasks, err := f.store.PlanTasks(ctx, f.plan.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.LessOrEqual(t, task.Depth, 2)
		if task.Type == domain.TypeComposite {
			children, err := f.store.Children(ctx, task.ID)
			require.NoError(t, err)
			assert.NotEmpty(t, children, "composite %s must have children", task.Name)
			for _, child := range children {
				assert.Equal(t, domain.TypeAtomic, child.Type)
			}
		}
	}
}
