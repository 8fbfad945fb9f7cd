package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/yiyabo/gagent/internal/errors"
)

func TestMockBackendDeterministic(t *testing.T) {
	mock := NewMockBackend("test-model")
	ctx := context.Background()
	req := ChatRequest{Messages: []Message{
		{Role: RoleSystem, Content: "You are a helpful assistant."},
		{Role: RoleUser, Content: "Summarize the findings."},
	}}

	first, err := mock.Chat(ctx, req)
	require.NoError(t, err)
	second, err := mock.Chat(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Content, second.Content)
	assert.Len(t, mock.Calls(), 2)
}

func TestMockBackendQueueTakesPrecedence(t *testing.T) {
	mock := NewMockBackend("")
	mock.EnqueueContent("scripted")
	mock.EnqueueError(errors.New("boom"))

	resp, err := mock.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "scripted", resp.Content)

	_, err = mock.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	assert.EqualError(t, err, "boom")
}

func TestMockDecompositionByInstructionLength(t *testing.T) {
	mock := NewMockBackend("")
	ctx := context.Background()

	short, err := mock.Chat(ctx, ChatRequest{Messages: []Message{
		{Role: RoleSystem, Content: "You are a complexity analyst."},
		{Role: RoleUser, Content: "Task name: tiny\nInstruction: do it\n"},
	}})
	require.NoError(t, err)
	assert.Contains(t, short.Content, `"should_decompose": false`)

	long, err := mock.Chat(ctx, ChatRequest{Messages: []Message{
		{Role: RoleSystem, Content: "You are a complexity analyst."},
		{Role: RoleUser, Content: "Task name: survey\nInstruction: research the field broadly, compare at " +
			"least five approaches in depth, and synthesize the trade-offs into a structured report\n"},
	}})
	require.NoError(t, err)
	assert.Contains(t, long.Content, `"should_decompose": true`)
	assert.Contains(t, long.Content, "Research for survey")
}

func TestMockEmbedStable(t *testing.T) {
	mock := NewMockBackend("")
	ctx := context.Background()

	a, err := mock.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	b, err := mock.Embed(ctx, []string{"alpha"})
	require.NoError(t, err)
	assert.Equal(t, a[0], b[0])
	assert.NotEqual(t, a[0], a[1])
	// Unit-length vectors.
	assert.InDelta(t, 1.0, CosineSimilarity(a[0], a[0]), 1e-6)
}

func TestEmbedderCachesByContent(t *testing.T) {
	mock := NewMockBackend("")
	var backendCalls int
	mock.EmbedFunc = func(texts []string) ([][]float32, error) {
		backendCalls++
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 0, 0}
		}
		return out, nil
	}

	embedder, err := NewEmbedder(mock, 16, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = embedder.Embed(ctx, []string{"x", "y"})
	require.NoError(t, err)
	_, err = embedder.Embed(ctx, []string{"x", "y", "z"})
	require.NoError(t, err)
	// Second call only embeds the miss.
	assert.Equal(t, 2, backendCalls)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity(nil, nil))
}

func TestRetryBackendRetriesTransient(t *testing.T) {
	mock := NewMockBackend("")
	mock.EnqueueError(&gerrors.TransientError{Message: "backend returned status 503"})
	mock.EnqueueContent("recovered")

	backend := NewRetryBackend(mock, 2, time.Millisecond, nil)
	resp, err := backend.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
}

func TestRetryBackendStopsOnPermanent(t *testing.T) {
	mock := NewMockBackend("")
	mock.EnqueueError(&gerrors.PermanentError{Message: "backend returned status 401"})

	backend := NewRetryBackend(mock, 3, time.Millisecond, nil)
	_, err := backend.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.Len(t, mock.Calls(), 1)
}
