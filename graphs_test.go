package main

import (
	"context"
	"testing"

	"github.com/struckoff/graphrun/engine"
)

func collectEvents(t *testing.T, req engine.StreamRequest) []engine.RawEvent {
	t.Helper()
	var events []engine.RawEvent
	err := echoGraph(context.Background(), req, func(ev engine.RawEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("echoGraph failed: %v", err)
	}
	return events
}

func TestEchoGraphReflectsInput(t *testing.T) {
	events := collectEvents(t, engine.StreamRequest{
		Input:     map[string]any{"q": "hi"},
		Interrupt: make(chan struct{}),
	})

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	last := events[len(events)-1]
	payload, ok := last.Payload.(map[string]any)
	if !ok || payload["echo"] == nil {
		t.Fatalf("expected echoed input, got %+v", last)
	}
}

func TestEchoGraphStopsOnInterruptSignal(t *testing.T) {
	interrupt := make(chan struct{})
	close(interrupt)

	events := collectEvents(t, engine.StreamRequest{
		Input:     map[string]any{"q": "hi"},
		Interrupt: interrupt,
	})

	if len(events) != 1 {
		t.Fatalf("expected the graph to stop with one event, got %d", len(events))
	}
	if !events[0].HasInterrupt() {
		t.Fatalf("expected an interrupt marker event, got %+v", events[0])
	}
}

func TestEchoGraphAbortsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := echoGraph(ctx, engine.StreamRequest{
		Input:     map[string]any{"q": "hi"},
		Interrupt: make(chan struct{}),
	}, func(engine.RawEvent) error {
		t.Fatal("no events expected after cancellation")
		return nil
	})
	if err == nil {
		t.Fatal("expected a context error")
	}
}
