package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/struckoff/graphrun/broker"
	"github.com/struckoff/graphrun/domain"
	"github.com/struckoff/graphrun/registry"
	"github.com/struckoff/graphrun/store"
)

// ErrRunActive is returned when deleting an active run without force.
var ErrRunActive = errors.New("run is active")

// settleWait bounds how long a forced delete waits for the cancelled task
// to settle before removing the record anyway.
const settleWait = 5 * time.Second

// Coordinator ties the task registry, the run record store, and the
// broker together for the two "stop" semantics a run supports: hard
// cancellation and cooperative interruption.
type Coordinator struct {
	store    store.Store
	broker   *broker.Manager
	registry *registry.Registry
}

// NewCoordinator creates a coordinator.
func NewCoordinator(s store.Store, b *broker.Manager, r *registry.Registry) *Coordinator {
	return &Coordinator{store: s, broker: b, registry: r}
}

// Cancel hard-cancels a run. The persisted status becomes cancelled even
// when no live task handle exists anymore (the process may have restarted
// while the record still shows the run active). Cancelling a run that is
// already terminal is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	run, err := c.store.GetRunByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status.Terminal() {
		return nil
	}

	if h := c.registry.Lookup(runID); h != nil {
		// The executor's cancellation path persists the status, resets
		// the thread, and signals the broker.
		h.RequestCancel()
	} else {
		// No live task: the record is stale. Settle it here.
		c.broker.SignalCancelled(runID)
		if err := c.store.SetThreadStatus(ctx, run.ThreadID, domain.ThreadStatusIdle); err != nil {
			log.Printf("WARN: failed to reset thread %s after cancel of run %s: %v", run.ThreadID, runID, err)
		}
	}

	if err := c.store.UpdateRunOutcome(ctx, runID, domain.RunStatusCancelled, emptyOutput, ""); err != nil {
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}
	return nil
}

// Interrupt requests a cooperative interrupt: the engine's own interrupt
// mechanism is signalled without hard-killing the task, and the persisted
// status becomes interrupted. The engine honors the request on its own
// schedule; the coordinator does not force progress.
func (c *Coordinator) Interrupt(ctx context.Context, runID string) error {
	run, err := c.store.GetRunByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status.Terminal() {
		return nil
	}

	if h := c.registry.Lookup(runID); h != nil {
		h.RequestInterrupt()
	}

	if err := c.store.UpdateRunStatus(ctx, runID, domain.RunStatusInterrupted); err != nil {
		return fmt.Errorf("failed to persist interruption: %w", err)
	}
	if err := c.store.SetThreadStatus(ctx, run.ThreadID, domain.ThreadStatusInterrupted); err != nil {
		log.Printf("WARN: failed to mark thread %s interrupted: %v", run.ThreadID, err)
	}
	return nil
}

// AwaitSettled blocks until the run's task settles or the timeout
// elapses. Both a timeout and an already-settled (or absent) task are
// non-error outcomes; the caller falls back to the persisted status.
func (c *Coordinator) AwaitSettled(runID string, timeout time.Duration) bool {
	return c.registry.Await(runID, timeout)
}

// Delete removes a run record. Deleting an active run is rejected with
// ErrRunActive unless forced, in which case the run is cancelled and
// awaited first. The persisted record and any residual task handle are
// always removed together.
func (c *Coordinator) Delete(ctx context.Context, run *domain.Run, force bool) error {
	if run.Status.Active() {
		if !force {
			return ErrRunActive
		}
		if err := c.Cancel(ctx, run.RunID); err != nil {
			log.Printf("WARN: force-cancel before delete of run %s failed: %v", run.RunID, err)
		}
		c.registry.Await(run.RunID, settleWait)
	}

	if err := c.store.DeleteRun(ctx, run.RunID, run.ThreadID, run.UserID); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	if h := c.registry.Lookup(run.RunID); h != nil {
		h.RequestCancel()
	}
	c.registry.Remove(run.RunID)
	return nil
}
