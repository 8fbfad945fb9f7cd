package orchestrator

import (
	"context"
	"sync"
	"time"
)

// RunEvent types streamed to subscribers.
const (
	EventRunStarted    = "run_started"
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventRunFinished   = "run_finished"
)

// RunEvent is one status update of an in-flight run.
type RunEvent struct {
	RunID     string         `json:"run_id"`
	PlanID    string         `json:"plan_id"`
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub fans run events out to subscribers. Slow subscribers drop events
// instead of blocking the run.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan RunEvent]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan RunEvent]struct{})}
}

// Subscribe registers for a run's events. The returned cancel func must be
// called to release the subscription.
func (h *Hub) Subscribe(runID string) (<-chan RunEvent, func()) {
	ch := make(chan RunEvent, 64)
	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[chan RunEvent]struct{})
	}
	h.subs[runID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[runID], ch)
			if len(h.subs[runID]) == 0 {
				delete(h.subs, runID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its run.
func (h *Hub) Publish(event RunEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// activeRuns tracks cancel funcs of in-flight runs for the cancel endpoint.
type activeRuns struct {
	mu   sync.Mutex
	byID map[string]context.CancelFunc
}

func newActiveRuns() *activeRuns {
	return &activeRuns{byID: make(map[string]context.CancelFunc)}
}

func (a *activeRuns) add(runID string, cancel context.CancelFunc) {
	a.mu.Lock()
	a.byID[runID] = cancel
	a.mu.Unlock()
}

func (a *activeRuns) remove(runID string) {
	a.mu.Lock()
	delete(a.byID, runID)
	a.mu.Unlock()
}

// cancel fires the run's cancel func, reporting whether it was in flight.
func (a *activeRuns) cancel(runID string) bool {
	a.mu.Lock()
	cancelFunc, ok := a.byID[runID]
	a.mu.Unlock()
	if ok {
		cancelFunc()
	}
	return ok
}
