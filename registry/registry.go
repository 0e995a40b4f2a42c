// Package registry tracks the background execution task of every active
// run. A handle exists from run start until the executor's cleanup step
// removes it; its absence does not imply the run is inactive, so callers
// always double-check the persisted run status.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned when a run id already has a live handle.
// At most one execution task may exist per run at a time.
var ErrAlreadyRunning = errors.New("run already has an active task")

// Handle is the in-memory reference to one run's background execution.
type Handle struct {
	runID  string
	cancel context.CancelFunc

	interruptOnce sync.Once
	interrupt     chan struct{}

	settleOnce sync.Once
	done       chan struct{}
	err        error
}

// RunID returns the run this handle belongs to.
func (h *Handle) RunID() string { return h.runID }

// RequestCancel hard-cancels the underlying task by cancelling its
// context. Safe to call multiple times.
func (h *Handle) RequestCancel() { h.cancel() }

// RequestInterrupt signals a cooperative interrupt. The engine observes it
// on its own schedule. Safe to call multiple times.
func (h *Handle) RequestInterrupt() {
	h.interruptOnce.Do(func() { close(h.interrupt) })
}

// Interrupted is closed once a cooperative interrupt was requested.
func (h *Handle) Interrupted() <-chan struct{} { return h.interrupt }

// Done is closed once the execution task has settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the settlement error. Only valid after Done is closed;
// context.Canceled means the run was cancelled.
func (h *Handle) Err() error { return h.err }

// Settle records the task outcome and releases all waiters. Called exactly
// once by the run executor.
func (h *Handle) Settle(err error) {
	h.settleOnce.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Registry is the process-wide run id to task handle map.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{runs: make(map[string]*Handle)}
}

// Register creates the handle for a new run task and returns the context
// the task must run under. Fails with ErrAlreadyRunning when a live handle
// for the run id already exists.
func (r *Registry) Register(runID string) (*Handle, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[runID]; ok {
		return nil, nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		runID:     runID,
		cancel:    cancel,
		interrupt: make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.runs[runID] = h
	return h, ctx, nil
}

// Lookup returns the live handle for a run, or nil.
func (r *Registry) Lookup(runID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[runID]
}

// Remove deletes the handle for a run. Idempotent.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Await blocks until the run's task settles or the timeout elapses.
// Returns true when the task settled (or no handle exists, meaning the
// task already finished or never ran in this process). A timeout is not an
// error; callers fall back to reading persisted status.
func (r *Registry) Await(runID string, timeout time.Duration) bool {
	h := r.Lookup(runID)
	if h == nil {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
