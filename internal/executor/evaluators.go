package executor

import (
	"sync"

	"github.com/yiyabo/gagent/internal/domain"
	"github.com/yiyabo/gagent/internal/evaluator"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/logging"
)

// evaluatorSet lazily builds one cached evaluator per mode and shares it
// across executions, so the result cache and degradation history survive
// between tasks.
type evaluatorSet struct {
	backend   llm.Backend
	cacheSize int
	logger    logging.Logger

	mu    sync.Mutex
	byKey map[domain.EvaluationMode]evaluator.Evaluator
}

func newEvaluatorSet(backend llm.Backend, cacheSize int, logger logging.Logger) *evaluatorSet {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	return &evaluatorSet{
		backend:   backend,
		cacheSize: cacheSize,
		logger:    logger,
		byKey:     make(map[domain.EvaluationMode]evaluator.Evaluator),
	}
}

func (s *evaluatorSet) forMode(mode domain.EvaluationMode) (evaluator.Evaluator, error) {
	if mode == "" {
		mode = domain.ModeSingleJudge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.byKey[mode]; ok {
		return ev, nil
	}
	inner, err := evaluator.ForMode(mode, s.backend, s.logger)
	if err != nil {
		return nil, err
	}
	cached, err := evaluator.NewCached(inner, s.cacheSize, s.logger)
	if err != nil {
		return nil, err
	}
	s.byKey[mode] = cached
	return cached, nil
}
