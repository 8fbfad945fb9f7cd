package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
)

// countingTool records invocations for cache assertions.
type countingTool struct {
	name  string
	kind  Kind
	calls int
}

func (t *countingTool) Descriptor() Descriptor {
	return Descriptor{Name: t.name, Kind: t.kind, Description: "test tool"}
}

func (t *countingTool) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	t.calls++
	return &Result{Content: "result " + t.name}, nil
}

func TestRegistryListSortedAndInvoke(t *testing.T) {
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(&countingTool{name: "zeta", kind: KindInfo}))
	require.NoError(t, registry.Register(&countingTool{name: "alpha", kind: KindOutput}))

	descriptors := registry.List()
	require.Len(t, descriptors, 2)
	assert.Equal(t, "alpha", descriptors[0].Name)
	assert.Equal(t, "zeta", descriptors[1].Name)

	// Duplicates rejected.
	assert.Error(t, registry.Register(&countingTool{name: "alpha", kind: KindInfo}))

	_, err := registry.Invoke(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, gerrors.ErrNotFound)

	result, err := registry.Invoke(context.Background(), "zeta", nil)
	require.NoError(t, err)
	assert.Equal(t, "result zeta", result.Content)
}

func TestCachedRegistryCachesInfoOnly(t *testing.T) {
	registry := NewRegistry(nil)
	info := &countingTool{name: "lookup", kind: KindInfo}
	output := &countingTool{name: "emit", kind: KindOutput}
	require.NoError(t, registry.Register(info))
	require.NoError(t, registry.Register(output))

	cached, err := NewCachedRegistry(registry, CacheConfig{MaxSize: 8, TTL: time.Minute}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	args := map[string]any{"q": "x"}
	for i := 0; i < 3; i++ {
		_, err := cached.Invoke(ctx, "lookup", args)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, info.calls)

	// Different args miss.
	_, err = cached.Invoke(ctx, "lookup", map[string]any{"q": "y"})
	require.NoError(t, err)
	assert.Equal(t, 2, info.calls)

	// Output tools always run.
	for i := 0; i < 2; i++ {
		_, err := cached.Invoke(ctx, "emit", args)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, output.calls)
}

func TestCacheKeyIgnoresMapOrder(t *testing.T) {
	a := cacheKey("t", map[string]any{"x": 1, "y": "two"})
	b := cacheKey("t", map[string]any{"y": "two", "x": 1})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, cacheKey("t", map[string]any{"x": 2, "y": "two"}))
}

func TestFileWriteConfinedToArtifacts(t *testing.T) {
	dir := t.TempDir()
	tool := NewFileWrite(dir)
	ctx := context.Background()

	result, err := tool.Invoke(ctx, map[string]any{"path": "sub/report.md", "content": "hello"})
	require.NoError(t, err)
	assert.Contains(t, result.Content, "report.md")

	data, err := os.ReadFile(filepath.Join(dir, "sub", "report.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = tool.Invoke(ctx, map[string]any{"path": "../escape.txt", "content": "x"})
	assert.Error(t, err)
	_, err = tool.Invoke(ctx, map[string]any{"path": "/abs.txt", "content": "x"})
	assert.Error(t, err)
}

func TestWebSearchDegradesWithoutKey(t *testing.T) {
	tool := NewWebSearch("")
	result, err := tool.Invoke(context.Background(), map[string]any{"query": "golang"})
	require.NoError(t, err)
	assert.Equal(t, true, result.Meta["degraded"])
}

func TestExtractTextPullsReadableContent(t *testing.T) {
	html := `<html><head><style>p{color:red}</style></head><body>
		<h1>Title</h1><p>First paragraph.</p>
		<ul><li>item one</li><li>item two</li></ul>
		<script>alert(1)</script></body></html>`
	text, err := extractText(html)
	require.NoError(t, err)
	assert.Contains(t, text, "Title")
	assert.Contains(t, text, "First paragraph.")
	assert.Contains(t, text, "item two")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "color:red")
}

func TestMapCallsRoutesAndSkips(t *testing.T) {
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(&countingTool{name: "web_search", kind: KindInfo}))
	require.NoError(t, registry.Register(&countingTool{name: "file_write", kind: KindOutput}))

	calls := []llm.ToolCall{
		{ID: "1", Name: "web_search", Arguments: jsonx.RawMessage(`{"query": "go"}`)},
		{ID: "2", Name: "unknown_tool", Arguments: jsonx.RawMessage(`{}`)},
		{ID: "3", Name: "file_write", Arguments: jsonx.RawMessage(`{"path": "a.txt", "content": "x"}`)},
	}
	invocations, skipped := MapCalls(registry, calls)
	require.Len(t, invocations, 2)
	assert.Equal(t, []string{"unknown_tool"}, skipped)

	info, output := SplitByKind(invocations)
	require.Len(t, info, 1)
	require.Len(t, output, 1)
	assert.Equal(t, "web_search", info[0].Name)
	assert.Equal(t, "go", info[0].Args["query"])
	assert.Equal(t, "file_write", output[0].Name)
}

// fakeReader serves canned plan state to db_query.
type fakeReader struct {
	tasks   []domain.Task
	outputs map[string]string
}

func (r *fakeReader) PlanTasks(ctx context.Context, planID string) ([]domain.Task, error) {
	return r.tasks, nil
}

func (r *fakeReader) Output(ctx context.Context, taskID string) (string, error) {
	out, ok := r.outputs[taskID]
	if !ok {
		return "", gerrors.NewNotFound("output", taskID)
	}
	return out, nil
}

func TestDBQueryListsTasksAndOutputs(t *testing.T) {
	reader := &fakeReader{
		tasks: []domain.Task{
			{ID: "task-1", Name: "Draft", Type: domain.TypeAtomic, Status: domain.StatusCompleted},
			{ID: "task-2", Name: "Review", Type: domain.TypeAtomic, Status: domain.StatusPending},
		},
		outputs: map[string]string{"task-1": "draft text"},
	}
	tool := NewDBQuery(reader, "plan-x")
	ctx := context.Background()

	result, err := tool.Invoke(ctx, map[string]any{"query": "tasks"})
	require.NoError(t, err)
	assert.Contains(t, result.Content, "task-1")
	assert.Contains(t, result.Content, "Review")
	assert.Equal(t, 2, result.Meta["count"])

	result, err = tool.Invoke(ctx, map[string]any{"query": "tasks", "status": "pending"})
	require.NoError(t, err)
	assert.NotContains(t, result.Content, "task-1")
	assert.Equal(t, 1, result.Meta["count"])

	result, err = tool.Invoke(ctx, map[string]any{"query": "output", "task_id": "task-1"})
	require.NoError(t, err)
	assert.Equal(t, "draft text", result.Content)

	_, err = tool.Invoke(ctx, map[string]any{"query": "output", "task_id": "task-9"})
	assert.ErrorIs(t, err, gerrors.ErrNotFound)

	_, err = tool.Invoke(ctx, map[string]any{"query": "drop"})
	assert.Error(t, err)
}

func TestWithToolsOverlaysBase(t *testing.T) {
	base := NewRegistry(nil)
	require.NoError(t, base.Register(&countingTool{name: "web_fetch", kind: KindInfo}))

	scoped := WithTools(base, NewDBQuery(&fakeReader{}, "plan-x"))
	names := make([]string, 0, 2)
	for _, d := range scoped.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"db_query", "web_fetch"}, names)

	result, err := scoped.Invoke(context.Background(), "web_fetch", nil)
	require.NoError(t, err)
	assert.Equal(t, "result web_fetch", result.Content)

	result, err = scoped.Invoke(context.Background(), "db_query", map[string]any{"query": "tasks"})
	require.NoError(t, err)
	assert.Contains(t, result.Content, "no matching tasks")

	// No extras means the base registry is returned untouched.
	assert.Equal(t, Registry(base), WithTools(base))
}

func TestToolDefsMirrorDescriptors(t *testing.T) {
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(NewWebFetch()))
	defs := ToolDefs(registry)
	require.Len(t, defs, 1)
	assert.Equal(t, "web_fetch", defs[0].Name)
	assert.True(t, jsonx.Valid(defs[0].Parameters))
}
