// Package memory stores past task experiences in a chromem-go vector
// collection so later context assembly can recall how similar work went.
// Everything here is best-effort: failures are logged, never fatal.
package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/utils/id"
)

// Kind classifies stored records.
const (
	KindExperience = "experience"
	KindNote       = "note"
)

// Hit is one recalled record.
type Hit struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Similarity float64           `json:"similarity"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Service is the memory collaborator contract.
type Service interface {
	Save(ctx context.Context, content, kind string, importance float64, tags []string) error
	Query(ctx context.Context, text string, filters map[string]string, k int) ([]Hit, error)
	Count() int
}

// ChromemService implements Service over a persistent chromem collection.
type ChromemService struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     logging.Logger
}

// Options configures a ChromemService.
type Options struct {
	Dir        string // persistence directory; empty means in-memory
	Collection string
	Embedder   *llm.Embedder
	Logger     logging.Logger
}

// NewChromemService opens (or creates) the experience collection.
func NewChromemService(opts Options) (*ChromemService, error) {
	if opts.Collection == "" {
		opts.Collection = "experiences"
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("memory: embedder must not be nil")
	}

	var db *chromem.DB
	var err error
	if opts.Dir != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(opts.Dir, "memory.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("memory: open persistent db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return opts.Embedder.EmbedOne(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(opts.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("memory: open collection: %w", err)
	}
	return &ChromemService{
		db:         db,
		collection: collection,
		logger:     logging.OrNop(opts.Logger),
	}, nil
}

// Save stores one record. The embedding is computed through the shared
// embedder by the collection's embedding function.
func (s *ChromemService) Save(ctx context.Context, content, kind string, importance float64, tags []string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("memory: content must not be empty")
	}
	if kind == "" {
		kind = KindExperience
	}
	meta := map[string]string{
		"kind":       kind,
		"importance": strconv.FormatFloat(importance, 'f', 2, 64),
		"saved_at":   time.Now().UTC().Format(time.RFC3339),
	}
	if len(tags) > 0 {
		meta["tags"] = strings.Join(tags, ",")
	}
	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:       id.NewKSUID(),
		Content:  content,
		Metadata: meta,
	})
	if err != nil {
		return fmt.Errorf("memory: save: %w", err)
	}
	return nil
}

// Query recalls up to k records similar to text, optionally restricted by
// metadata filters (exact match).
func (s *ChromemService) Query(ctx context.Context, text string, filters map[string]string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 5
	}
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := s.collection.Query(ctx, text, k, filters, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: query: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:         r.ID,
			Content:    r.Content,
			Similarity: float64(r.Similarity),
			Meta:       r.Metadata,
		})
	}
	return hits, nil
}

// Count reports how many records are stored.
func (s *ChromemService) Count() int {
	return s.collection.Count()
}

var _ Service = (*ChromemService)(nil)
