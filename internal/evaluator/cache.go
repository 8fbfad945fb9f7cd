package evaluator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yiyabo/gagent/internal/domain"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
)

// Cached wraps an evaluator with an LRU result cache and the degradation
// fallback: identical re-runs skip the backend, and backend failures fall
// back to the task's last valid score with needs_revision off so the
// revision loop cannot spin on a dead backend.
type Cached struct {
	inner  Evaluator
	cache  *lru.Cache[string, Result]
	logger logging.Logger

	mu        sync.Mutex
	lastValid map[string]Result // by task id
}

// NewCached builds the caching wrapper.
func NewCached(inner Evaluator, cacheSize int, logger logging.Logger) (*Cached, error) {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	cache, err := lru.New[string, Result](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Cached{
		inner:     inner,
		cache:     cache,
		logger:    logging.OrNop(logger),
		lastValid: make(map[string]Result),
	}, nil
}

// Mode implements Evaluator.
func (c *Cached) Mode() domain.EvaluationMode { return c.inner.Mode() }

// Evaluate implements Evaluator. Cached hits recompute needs_revision for the
// caller's iteration; everything else is served verbatim.
func (c *Cached) Evaluate(ctx context.Context, req Request, opts Options) (*Result, error) {
	opts = opts.normalized()
	key := cacheKey(req.Task.ID, req.Content, c.inner.Mode(), opts)

	if cached, ok := c.cache.Get(key); ok {
		result := cached
		result.NeedsRevision = needsRevision(result.OverallScore, req.Iteration, opts)
		return &result, nil
	}

	result, err := c.inner.Evaluate(ctx, req, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return c.degrade(req, err), nil
	}

	c.cache.Add(key, *result)
	c.mu.Lock()
	c.lastValid[req.Task.ID] = *result
	c.mu.Unlock()
	return result, nil
}

// degrade serves the last valid result for the task, or a zero-score stub
// when none exists. needs_revision stays off either way.
func (c *Cached) degrade(req Request, cause error) *Result {
	c.logger.Warn("evaluation degraded for %s: %v", req.Task.ID, cause)

	c.mu.Lock()
	last, ok := c.lastValid[req.Task.ID]
	c.mu.Unlock()

	if !ok {
		return &Result{
			Mode:     c.inner.Mode(),
			Degraded: true,
		}
	}
	last.NeedsRevision = false
	last.Degraded = true
	return &last
}

// cacheKey hashes the evaluation identity. Options are serialized after
// normalization so equivalent configurations share entries.
func cacheKey(taskID, content string, mode domain.EvaluationMode, opts Options) string {
	encoded, _ := jsonx.Marshal(opts)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", taskID, content, mode, encoded)))
	return hex.EncodeToString(sum[:])
}
