// Package executor drives runs end-to-end: it invokes the computation
// engine, relays every produced event to the broker and the event store,
// detects terminal conditions, and performs the run/thread status
// transitions.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/struckoff/graphrun/broker"
	"github.com/struckoff/graphrun/domain"
	"github.com/struckoff/graphrun/engine"
	"github.com/struckoff/graphrun/eventstore"
	"github.com/struckoff/graphrun/registry"
	"github.com/struckoff/graphrun/store"
)

var emptyOutput = json.RawMessage(`{}`)

// RunSpec carries everything needed to execute one run.
type RunSpec struct {
	RunID    string
	ThreadID string
	GraphID  string

	Input   map[string]any
	Command *domain.Command

	Config  map[string]any
	Context map[string]any

	StreamModes     []string
	InterruptBefore []string
	InterruptAfter  []string
}

// Executor owns the run execution state machine:
// pending → running → {completed | failed | cancelled | interrupted}.
type Executor struct {
	store    store.Store
	events   *eventstore.EventStore
	broker   *broker.Manager
	registry *registry.Registry
	graphs   *engine.Registry
}

// New creates an executor.
func New(s store.Store, events *eventstore.EventStore, b *broker.Manager, r *registry.Registry, graphs *engine.Registry) *Executor {
	return &Executor{store: s, events: events, broker: b, registry: r, graphs: graphs}
}

// Start registers the run's task handle and launches the background
// execution task. Fails with registry.ErrAlreadyRunning if the run
// already has a live task.
func (e *Executor) Start(spec RunSpec) (*registry.Handle, error) {
	h, ctx, err := e.registry.Register(spec.RunID)
	if err != nil {
		return nil, err
	}
	go e.execute(ctx, h, spec)
	return h, nil
}

func (e *Executor) execute(ctx context.Context, h *registry.Handle, spec RunSpec) {
	runID := spec.RunID
	var runErr error

	// Cleanup must run regardless of which exit path was taken.
	defer func() {
		e.broker.Release(runID)
		e.registry.Remove(runID)
		h.Settle(runErr)
	}()

	// Status and event writes must survive a hard cancel of the run
	// context, so they use a background context.
	bg := context.Background()

	if err := e.store.UpdateRunStatus(bg, runID, domain.RunStatusRunning); err != nil {
		log.Printf("ERROR: failed to mark run %s running: %v", runID, err)
	}

	graph, ok := e.graphs.Get(spec.GraphID)
	if !ok {
		runErr = fmt.Errorf("graph %q not found", spec.GraphID)
		e.finishFailed(bg, spec, runErr)
		return
	}

	modes, onlyInterruptUpdates := normalizeStreamModes(spec.StreamModes)

	req := engine.StreamRequest{
		RunID:           runID,
		ThreadID:        spec.ThreadID,
		Input:           spec.Input,
		Command:         spec.Command,
		Config:          spec.Config,
		Context:         spec.Context,
		StreamModes:     modes,
		InterruptBefore: spec.InterruptBefore,
		InterruptAfter:  spec.InterruptAfter,
		Interrupt:       h.Interrupted(),
	}

	seq := 0
	sawInterrupt := false
	var finalOutput any
	hasOutput := false

	err := graph.Stream(ctx, req, func(raw engine.RawEvent) error {
		// Cancellation is checked at every suspension point.
		if err := ctx.Err(); err != nil {
			return err
		}
		if raw.NoStream {
			return nil
		}
		if raw.Mode == "" {
			raw.Mode = domain.StreamModeValues
		}

		ev, skip := filterInterruptUpdates(raw, onlyInterruptUpdates)
		if skip {
			return nil
		}

		seq++
		eventID := domain.EventID(runID, seq)

		// Append before broadcasting: a subscriber attaching after the
		// append finds the event in its replay, so an event published
		// before the subscriber existed can never be lost in the
		// replay-to-live handoff.
		if err := e.events.Append(bg, runID, eventID, ev.Mode, ev.Payload); err != nil {
			log.Printf("ERROR: failed to store event %s: %v", eventID, err)
		}
		e.broker.Publish(runID, broker.Event{
			ID:      eventID,
			Seq:     seq,
			Kind:    ev.Mode,
			Payload: ev.Payload,
		})

		if ev.HasInterrupt() {
			sawInterrupt = true
		}
		if ev.Mode == domain.StreamModeValues {
			finalOutput = ev.Payload
			hasOutput = true
		}
		return nil
	})

	// An action-driven interrupt may never surface a marker event: the
	// engine is allowed to honor the request by simply ending its stream.
	// The handle remembers that the interrupt was asked for.
	select {
	case <-h.Interrupted():
		sawInterrupt = true
	default:
	}

	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		// Hard cancel: empty output, thread returns to idle, and the
		// cancellation propagates to the task handle.
		runErr = context.Canceled
		if err := e.store.UpdateRunOutcome(bg, runID, domain.RunStatusCancelled, emptyOutput, ""); err != nil {
			log.Printf("ERROR: failed to mark run %s cancelled: %v", runID, err)
		}
		e.setThreadStatus(bg, spec.ThreadID, domain.ThreadStatusIdle)
		e.broker.SignalCancelled(runID)

	case err != nil:
		runErr = err
		e.finishFailed(bg, spec, err)

	case sawInterrupt:
		if err := e.store.UpdateRunOutcome(bg, runID, domain.RunStatusInterrupted, marshalOutput(runID, finalOutput, hasOutput), ""); err != nil {
			log.Printf("ERROR: failed to mark run %s interrupted: %v", runID, err)
		}
		e.setThreadStatus(bg, spec.ThreadID, domain.ThreadStatusInterrupted)
		e.broker.SignalFinished(runID, domain.RunStatusInterrupted)

	default:
		if err := e.store.UpdateRunOutcome(bg, runID, domain.RunStatusCompleted, marshalOutput(runID, finalOutput, hasOutput), ""); err != nil {
			log.Printf("ERROR: failed to mark run %s completed: %v", runID, err)
		}
		e.setThreadStatus(bg, spec.ThreadID, domain.ThreadStatusIdle)
		e.broker.SignalFinished(runID, domain.RunStatusCompleted)
	}
}

func (e *Executor) finishFailed(ctx context.Context, spec RunSpec, cause error) {
	if err := e.store.UpdateRunOutcome(ctx, spec.RunID, domain.RunStatusFailed, emptyOutput, cause.Error()); err != nil {
		log.Printf("ERROR: failed to mark run %s failed: %v", spec.RunID, err)
	}
	e.setThreadStatus(ctx, spec.ThreadID, domain.ThreadStatusIdle)
	e.broker.SignalError(spec.RunID, cause.Error())
}

func (e *Executor) setThreadStatus(ctx context.Context, threadID string, status domain.ThreadStatus) {
	if err := e.store.SetThreadStatus(ctx, threadID, status); err != nil {
		log.Printf("ERROR: failed to set thread %s status to %s: %v", threadID, status, err)
	}
}

// normalizeStreamModes canonicalizes the requested stream modes, applies
// the default when none were requested, and force-includes "updates" so
// interruption signals are always observable. The second return value
// reports whether updates events should be limited to interrupt-relevant
// ones because the caller never asked for them.
func normalizeStreamModes(requested []string) ([]string, bool) {
	modes := make([]string, 0, len(requested)+1)
	for _, m := range requested {
		modes = append(modes, domain.CanonicalStreamMode(m))
	}
	if len(modes) == 0 {
		modes = append(modes, domain.StreamModeValues)
	}

	userRequestedUpdates := false
	for _, m := range modes {
		if m == domain.StreamModeUpdates {
			userRequestedUpdates = true
			break
		}
	}
	if !userRequestedUpdates {
		modes = append(modes, domain.StreamModeUpdates)
	}
	return modes, !userRequestedUpdates
}

// filterInterruptUpdates handles updates events that were only produced
// because the executor force-included the updates mode: interrupt-carrying
// updates are re-tagged as values so subscribers always observe them,
// everything else is dropped before broadcast and storage.
func filterInterruptUpdates(ev engine.RawEvent, onlyInterruptUpdates bool) (engine.RawEvent, bool) {
	if ev.Mode != domain.StreamModeUpdates || !onlyInterruptUpdates {
		return ev, false
	}
	if ev.HasInterrupt() {
		ev.Mode = domain.StreamModeValues
		return ev, false
	}
	return ev, true
}

// marshalOutput serializes the tracked final output for persistence. A
// non-serializable output must not crash the run: a diagnostic payload is
// substituted and the status transition proceeds unchanged.
func marshalOutput(runID string, output any, hasOutput bool) json.RawMessage {
	if !hasOutput || output == nil {
		return emptyOutput
	}
	data, err := json.Marshal(output)
	if err != nil {
		log.Printf("WARN: failed to serialize output for run %s: %v", runID, err)
		data, _ = json.Marshal(map[string]string{
			"error":         "output serialization failed",
			"original_type": fmt.Sprintf("%T", output),
		})
	}
	return data
}
