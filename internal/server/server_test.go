package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yiyabo/gagent/internal/assembler"
	"github.com/yiyabo/gagent/internal/config"
	"github.com/yiyabo/gagent/internal/decomposer"
	"github.com/yiyabo/gagent/internal/domain"
	"github.com/yiyabo/gagent/internal/executor"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/orchestrator"
	"github.com/yiyabo/gagent/internal/scheduler"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
	"github.com/yiyabo/gagent/internal/store"
)

type fixture struct {
	server  *Server
	store   store.Store
	backend *llm.MockBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.Load(config.MapLookup(map[string]string{
		"LLM_MOCK": "true",
		"DATA_DIR": t.TempDir(),
	}))
	require.NoError(t, err)

	st, err := store.NewSQLite(store.Options{DataDir: cfg.DataDir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	backend := llm.NewMockBackend(cfg.LLMModel)
	embedder, err := llm.NewEmbedder(backend, cfg.EmbeddingCacheSize, nil)
	require.NoError(t, err)
	asm := assembler.New(st, embedder, nil, nil)
	exec := executor.New(st, backend, asm, nil, nil, nil, cfg.EvalCacheSize, nil)
	dec := decomposer.New(st, backend, nil, cfg.LLMRetries, nil)
	sched := scheduler.New(st, nil)
	metrics := orchestrator.MustNewMetrics(prometheus.NewRegistry())
	orch := orchestrator.New(st, backend, dec, sched, exec, nil, metrics, nil)

	return &fixture{
		server:  New(cfg, st, backend, orch, asm, nil),
		store:   st,
		backend: backend,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := jsonx.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), out))
}

func (f *fixture) seedPlan(t *testing.T, title string, names ...string) (string, []domain.Task) {
	t.Helper()
	ctx := context.Background()
	plan := &domain.Plan{Title: title}
	require.NoError(t, f.store.CreatePlan(ctx, plan))
	root, err := f.store.CreateTask(ctx, store.CreateTaskParams{
		PlanID: plan.ID, Name: title, Type: domain.TypeRoot, Position: -1,
	})
	require.NoError(t, err)
	tasks := make([]domain.Task, 0, len(names))
	for _, name := range names {
		task, err := f.store.CreateTask(ctx, store.CreateTaskParams{
			PlanID: plan.ID, ParentID: root.ID, Name: name, Type: domain.TypeAtomic,
			Position: -1, Input: "Write " + name,
		})
		require.NoError(t, err)
		tasks = append(tasks, *task)
	}
	return plan.ID, tasks
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestProposeApproveListFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/plans/propose", map[string]any{
		"goal": "Write a survey of retrieval techniques",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var draft orchestrator.PlanDraft
	decode(t, rec, &draft)
	require.NotEmpty(t, draft.Tasks)

	rec = f.do(t, http.MethodPost, "/plans/approve", draft)
	require.Equal(t, http.StatusOK, rec.Code)

	var approved struct {
		PlanID  string        `json:"plan_id"`
		Created []domain.Task `json:"created"`
	}
	decode(t, rec, &approved)
	require.NotEmpty(t, approved.PlanID)
	assert.Len(t, approved.Created, len(draft.Tasks))

	rec = f.do(t, http.MethodGet, "/plans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var plans []domain.PlanSummary
	decode(t, rec, &plans)
	require.Len(t, plans, 1)
	assert.Equal(t, approved.PlanID, plans[0].ID)

	rec = f.do(t, http.MethodGet, "/plans/"+approved.PlanID+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []domain.Task
	decode(t, rec, &tasks)
	assert.Len(t, tasks, len(draft.Tasks)+1, "seeds plus root")
}

func TestProposeRejectsMissingGoal(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/plans/propose", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Detail map[string]any `json:"detail"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "missing_goal", body.Detail["error"])
}

func TestRunEndpointExecutesPlan(t *testing.T) {
	f := newFixture(t)
	planID, _ := f.seedPlan(t, "Report", "Intro", "Body")

	rec := f.do(t, http.MethodPost, "/run", map[string]any{
		"plan_id":  planID,
		"strategy": "bfs",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Status     string                `json:"status"`
		Total      int                   `json:"total"`
		Successful int                   `json:"successful"`
		Failed     int                   `json:"failed"`
		Results    []executor.TaskResult `json:"results"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "completed", body.Status)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 2, body.Successful)
	assert.Zero(t, body.Failed)
	assert.Len(t, body.Results, 2)
}

func TestRunRejectsUnknownStrategy(t *testing.T) {
	f := newFixture(t)
	planID, _ := f.seedPlan(t, "Report", "Only")

	rec := f.do(t, http.MethodPost, "/run", map[string]any{
		"plan_id":  planID,
		"strategy": "round-robin",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCycleLinkRejectedWithSubgraph(t *testing.T) {
	f := newFixture(t)
	_, tasks := f.seedPlan(t, "Cyclic", "A", "B", "C")
	a, b, c := tasks[0], tasks[1], tasks[2]

	link := func(from, to string) *httptest.ResponseRecorder {
		return f.do(t, http.MethodPost, "/context/links", map[string]any{
			"from_id": from, "to_id": to, "kind": "requires",
		})
	}
	require.Equal(t, http.StatusOK, link(a.ID, b.ID).Code)
	require.Equal(t, http.StatusOK, link(b.ID, c.ID).Code)

	rec := link(c.ID, a.ID)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Detail struct {
			Error string              `json:"error"`
			Nodes []string            `json:"nodes"`
			Edges []map[string]string `json:"edges"`
			Names map[string]string   `json:"names"`
		} `json:"detail"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "cycle_detected", body.Detail.Error)
	assert.ElementsMatch(t, []string{a.ID, b.ID, c.ID}, body.Detail.Nodes)
	assert.Len(t, body.Detail.Edges, 3)
	assert.Equal(t, "A", body.Detail.Names[a.ID])
}

func TestLinkLifecycle(t *testing.T) {
	f := newFixture(t)
	_, tasks := f.seedPlan(t, "Linked", "A", "B")
	a, b := tasks[0], tasks[1]

	body := map[string]any{"from_id": b.ID, "to_id": a.ID, "kind": "requires"}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/context/links", body).Code)

	// Duplicate link conflicts.
	rec := f.do(t, http.MethodPost, "/context/links", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/context/links/"+b.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var links store.LinkSet
	decode(t, rec, &links)
	require.Len(t, links.Outbound, 1)
	assert.Equal(t, a.ID, links.Outbound[0].ToID)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/context/links", body).Code)
	rec = f.do(t, http.MethodGet, "/context/links/"+b.ID, nil)
	decode(t, rec, &links)
	assert.Empty(t, links.Outbound)
}

func TestTaskOutputNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/tasks/task-missing/output", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Detail map[string]any `json:"detail"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "not_found", body.Detail["error"])
}

func TestExecuteThenOutputAndAssembled(t *testing.T) {
	f := newFixture(t)
	planID, tasks := f.seedPlan(t, "Single", "Only")

	rec := f.do(t, http.MethodPost, "/tasks/"+tasks[0].ID+"/execute", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result executor.TaskResult
	decode(t, rec, &result)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Contains(t, result.Output, "Mock result")

	rec = f.do(t, http.MethodGet, "/tasks/"+tasks[0].ID+"/output", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Content string `json:"content"`
	}
	decode(t, rec, &out)
	assert.Equal(t, result.Output, out.Content)

	rec = f.do(t, http.MethodGet, "/plans/"+planID+"/assembled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var assembled struct {
		Title    string `json:"title"`
		Combined string `json:"combined"`
	}
	decode(t, rec, &assembled)
	assert.Equal(t, "Single", assembled.Title)
	assert.Contains(t, assembled.Combined, result.Output)
}

func TestContextPreviewDoesNotSnapshot(t *testing.T) {
	f := newFixture(t)
	_, tasks := f.seedPlan(t, "Preview", "Target", "Sibling")
	require.NoError(t, f.store.PutOutput(context.Background(), tasks[1].ID, "sibling output"))

	rec := f.do(t, http.MethodPost, "/tasks/"+tasks[0].ID+"/context/preview", map[string]any{
		"include_plan_siblings": true,
		"save_snapshot":         true, // ignored by the preview endpoint
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var bundle assembler.Bundle
	decode(t, rec, &bundle)
	assert.Contains(t, bundle.Combined, "sibling output")

	rec = f.do(t, http.MethodGet, "/tasks/"+tasks[0].ID+"/context/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var metas []domain.SnapshotMeta
	decode(t, rec, &metas)
	assert.Empty(t, metas)
}

func TestPlanDecomposeEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := &domain.Plan{Title: "Deep"}
	require.NoError(t, f.store.CreatePlan(ctx, plan))
	root, err := f.store.CreateTask(ctx, store.CreateTaskParams{
		PlanID: plan.ID, Name: "Deep", Type: domain.TypeRoot, Position: -1,
	})
	require.NoError(t, err)
	long := "Compare and contrast the major retrieval techniques across dense, sparse, and hybrid " +
		"settings, covering their indexing cost, query latency, and ranking quality tradeoffs in detail"
	_, err = f.store.CreateTask(ctx, store.CreateTaskParams{
		PlanID: plan.ID, ParentID: root.ID, Name: "Body", Type: domain.TypeComposite,
		Position: -1, Input: long,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/plans/"+plan.ID+"/decompose", map[string]any{"max_depth": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Added []domain.Task `json:"added"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Added, 3)
	for _, task := range body.Added {
		assert.Equal(t, domain.TypeAtomic, task.Type)
		assert.LessOrEqual(t, task.Depth, 2)
	}
}

func TestTaskDecomposeRefusedForAtomic(t *testing.T) {
	f := newFixture(t)
	_, tasks := f.seedPlan(t, "Flat", "Leaf")

	rec := f.do(t, http.MethodPost, "/tasks/"+tasks[0].ID+"/decompose", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Detail map[string]any `json:"detail"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "decomposition_refused", body.Detail["error"])
}

func TestCancelUnknownRun(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/runs/run-missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
