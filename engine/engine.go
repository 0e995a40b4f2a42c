// Package engine defines the boundary to the computation engine that
// actually executes graphs. The orchestrator only depends on the event
// shape contract here, never on engine internals.
package engine

import (
	"context"

	"github.com/struckoff/graphrun/domain"
)

// InterruptKey is the payload key an engine sets when a run hit an
// interrupt point.
const InterruptKey = "__interrupt__"

// RawEvent is one event produced by the engine while streaming. It is the
// tagged variant decided once at the ingestion boundary: a bare
// whole-state value arrives with an empty Mode and is treated as "values";
// everything else carries the stream mode that produced it.
type RawEvent struct {
	Mode    string
	Payload any
	// NoStream marks an event the engine wants excluded from streaming.
	// Such events are neither broadcast nor stored.
	NoStream bool
}

// HasInterrupt reports whether the event payload carries a non-empty
// interrupt marker.
func (e RawEvent) HasInterrupt() bool {
	m, ok := e.Payload.(map[string]any)
	if !ok {
		return false
	}
	v, ok := m[InterruptKey]
	if !ok {
		return false
	}
	if list, ok := v.([]any); ok {
		return len(list) > 0
	}
	return v != nil
}

// StreamRequest carries everything the engine needs to execute one run.
// Input and Command are mutually exclusive: a command replaces the input
// entirely when resuming an interrupted thread.
type StreamRequest struct {
	RunID    string
	ThreadID string

	Input   map[string]any
	Command *domain.Command

	Config  map[string]any
	Context map[string]any

	// StreamModes is the canonicalized set of modes the engine should
	// produce events for.
	StreamModes []string

	InterruptBefore []string
	InterruptAfter  []string

	// Interrupt is closed when a cooperative interrupt was requested.
	// The engine observes it on its own schedule; delivery timing is not
	// guaranteed.
	Interrupt <-chan struct{}
}

// EmitFunc receives each event the engine produces, in production order.
// Returning an error aborts the stream.
type EmitFunc func(RawEvent) error

// Graph is one executable computation graph.
type Graph interface {
	// Stream executes the graph and emits raw events until the run is
	// exhausted, the context is cancelled, or emit returns an error. The
	// call must be cancellable while awaiting the next event.
	Stream(ctx context.Context, req StreamRequest, emit EmitFunc) error
}

// GraphFunc adapts a plain function to the Graph interface.
type GraphFunc func(ctx context.Context, req StreamRequest, emit EmitFunc) error

func (f GraphFunc) Stream(ctx context.Context, req StreamRequest, emit EmitFunc) error {
	return f(ctx, req, emit)
}
