package store

import "sync"

// LockTable serializes writers per task. The executor holds a task's lock for
// the whole execution; writers on different tasks proceed in parallel.
type LockTable struct {
	locks sync.Map // task id -> *sync.Mutex
}

// NewLockTable returns an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{}
}

// Lock blocks until the per-task mutex is held and returns the unlock func.
func (t *LockTable) Lock(taskID string) func() {
	mu := t.mutexFor(taskID)
	mu.Lock()
	return mu.Unlock
}

// TryLock attempts to take the per-task mutex without blocking. It returns
// the unlock func and true on success.
func (t *LockTable) TryLock(taskID string) (func(), bool) {
	mu := t.mutexFor(taskID)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

func (t *LockTable) mutexFor(taskID string) *sync.Mutex {
	actual, _ := t.locks.LoadOrStore(taskID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}
