package main

import (
	"context"

	"github.com/struckoff/graphrun/domain"
	"github.com/struckoff/graphrun/engine"
)

// registerGraphs wires the graphs bundled with the server. Deployments
// embedding graphrun as a library register their own implementations
// instead.
func registerGraphs(graphs *engine.Registry) {
	graphs.Register("echo", engine.GraphFunc(echoGraph))
}

// echoGraph is a minimal reference graph: it reflects its input back as
// the run output. A truthy "interrupt" input key makes it surface an
// interrupt marker, and resuming delivers the resume value as the output.
// It honors both stop signals between events: a hard cancel aborts, a
// cooperative interrupt stops with a marker event.
func echoGraph(ctx context.Context, req engine.StreamRequest, emit engine.EmitFunc) error {
	interruptRequested := func() bool {
		select {
		case <-req.Interrupt:
			return true
		default:
			return false
		}
	}
	surfaceInterrupt := func() error {
		return emit(engine.RawEvent{
			Mode: domain.StreamModeUpdates,
			Payload: map[string]any{
				engine.InterruptKey: []any{map[string]any{"value": "echo graph paused"}},
			},
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if interruptRequested() {
		return surfaceInterrupt()
	}

	if req.Command != nil {
		return emit(engine.RawEvent{
			Mode:    domain.StreamModeValues,
			Payload: map[string]any{"resumed": req.Command.Resume},
		})
	}

	if wants, ok := req.Input["interrupt"]; ok && wants != false && wants != nil {
		return surfaceInterrupt()
	}

	if err := emit(engine.RawEvent{
		Mode:    domain.StreamModeUpdates,
		Payload: map[string]any{"echo": map[string]any{"received": true}},
	}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if interruptRequested() {
		return surfaceInterrupt()
	}
	return emit(engine.RawEvent{
		Mode:    domain.StreamModeValues,
		Payload: map[string]any{"echo": req.Input},
	})
}
