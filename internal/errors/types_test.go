package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassificationByType(t *testing.T) {
	transient := NewTransientError(errors.New("503 from upstream"), "")
	permanent := NewPermanentError(errors.New("401"), "")
	degraded := NewDegradedError(errors.New("embedder down"), "retrieval disabled", "")

	assert.True(t, IsTransient(transient))
	assert.False(t, IsPermanent(transient))

	assert.True(t, IsPermanent(permanent))
	assert.False(t, IsTransient(permanent))

	assert.True(t, IsDegraded(degraded))
	assert.Equal(t, ErrorTypeDegraded, GetErrorType(degraded))
}

func TestClassificationFromStatusCodes(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("llm call failed: status 429")))
	assert.True(t, IsTransient(fmt.Errorf("upstream returned status 503")))
	assert.True(t, IsPermanent(fmt.Errorf("request rejected: status 404")))
	assert.True(t, IsPermanent(fmt.Errorf("bad request body")))
}

func TestWrappedErrorsUnwrap(t *testing.T) {
	base := errors.New("socket closed")
	wrapped := fmt.Errorf("chat: %w", NewTransientError(base, ""))

	assert.True(t, IsTransient(wrapped))
	assert.True(t, errors.Is(wrapped, base))
}

func TestNotFoundErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("load: %w", NewNotFound("task", "task-abc"))
	assert.True(t, errors.Is(err, ErrNotFound))

	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
	assert.Equal(t, "task", nf.Entity)
}

func TestConflictAndCycleMatchSentinel(t *testing.T) {
	conflict := NewConflict("duplicate_link", "link already exists")
	assert.True(t, errors.Is(conflict, ErrConflict))

	cycle := &CycleError{
		Nodes: []string{"task-a", "task-b"},
		Edges: []Edge{{From: "task-a", To: "task-b"}, {From: "task-b", To: "task-a"}},
		Names: map[string]string{"task-a": "alpha", "task-b": "beta"},
	}
	assert.True(t, errors.Is(cycle, ErrConflict))
	assert.Contains(t, cycle.Error(), "alpha")
	assert.Contains(t, cycle.Error(), "task-b")
}
