package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yiyabo/gagent/internal/logging"
)

// Embedder caches backend embeddings in a process-wide, thread-safe LRU.
// Entries are keyed by content hash plus model id so switching models never
// serves stale vectors.
type Embedder struct {
	backend Backend
	model   string
	cache   *lru.Cache[string, []float32]
	logger  logging.Logger
}

// NewEmbedder builds a caching embedder over backend.
func NewEmbedder(backend Backend, cacheSize int, logger logging.Logger) (*Embedder, error) {
	if cacheSize <= 0 {
		cacheSize = 2048
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Embedder{
		backend: backend,
		model:   backend.ModelInfo().EmbeddingModel,
		cache:   cache,
		logger:  logging.OrNop(logger),
	}, nil
}

// Embed returns one vector per text, serving cached entries and batching the
// misses into a single backend call.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))
	for i, text := range texts {
		if cached, ok := e.cache.Get(e.key(text)); ok {
			vectors[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return vectors, nil
	}

	fresh, err := e.backend.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		vectors[idx] = fresh[j]
		e.cache.Add(e.key(missTexts[j]), fresh[j])
	}
	e.logger.Debug("embedded %d texts (%d cached)", len(texts), len(texts)-len(missTexts))
	return vectors, nil
}

// EmbedOne embeds a single text.
func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) key(text string) string {
	sum := sha256.Sum256([]byte(e.model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
