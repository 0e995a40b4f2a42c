package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/struckoff/graphrun/broker"
	"github.com/struckoff/graphrun/domain"
	"github.com/struckoff/graphrun/engine"
	"github.com/struckoff/graphrun/eventstore"
	"github.com/struckoff/graphrun/registry"
	"github.com/struckoff/graphrun/store"
	"github.com/struckoff/graphrun/tests/helpers"
)

type testRig struct {
	store    *store.SQLiteStore
	events   *eventstore.EventStore
	broker   *broker.Manager
	registry *registry.Registry
	graphs   *engine.Registry
	executor *Executor
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	es := eventstore.New(db, time.Hour, time.Hour)
	brk := broker.NewManager(time.Hour)
	tasks := registry.New()
	graphs := engine.NewRegistry()
	return &testRig{
		store:    db,
		events:   es,
		broker:   brk,
		registry: tasks,
		graphs:   graphs,
		executor: New(db, es, brk, tasks, graphs),
	}
}

func (r *testRig) seedRun(t *testing.T, runID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := r.store.GetOrCreateThread(ctx, "thread-1", "user-1"); err != nil {
		t.Fatalf("GetOrCreateThread failed: %v", err)
	}
	if err := r.store.SetThreadStatus(ctx, "thread-1", domain.ThreadStatusBusy); err != nil {
		t.Fatalf("SetThreadStatus failed: %v", err)
	}
	now := time.Now().UTC()
	if err := r.store.CreateRun(ctx, &domain.Run{
		RunID:       runID,
		ThreadID:    "thread-1",
		AssistantID: "asst-1",
		Status:      domain.RunStatusPending,
		Input:       json.RawMessage(`{}`),
		UserID:      "user-1",
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
}

func (r *testRig) start(t *testing.T, spec RunSpec) *registry.Handle {
	t.Helper()
	h, err := r.executor.Start(spec)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return h
}

func awaitSettled(t *testing.T, h *registry.Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not settle in time")
	}
}

func (r *testRig) mustGetRun(t *testing.T, runID string) *domain.Run {
	t.Helper()
	run, err := r.store.GetRunByID(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRunByID failed: %v", err)
	}
	return run
}

func (r *testRig) mustGetThread(t *testing.T) *domain.Thread {
	t.Helper()
	thread, err := r.store.GetThread(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	return thread
}

func TestRunCompletes(t *testing.T) {
	r := newTestRig(t)
	r.seedRun(t, "run-1")
	r.graphs.Register("g", engine.GraphFunc(func(ctx context.Context, req engine.StreamRequest, emit engine.EmitFunc) error {
		if err := emit(engine.RawEvent{Mode: domain.StreamModeValues, Payload: map[string]any{"step": 1}}); err != nil {
			return err
		}
		return emit(engine.RawEvent{Mode: domain.StreamModeValues, Payload: map[string]any{"x": 1}})
	}))

	sub := r.broker.Subscribe("run-1")
	defer sub.Close()

	h := r.start(t, RunSpec{RunID: "run-1", ThreadID: "thread-1", GraphID: "g"})
	awaitSettled(t, h)

	run := r.mustGetRun(t, "run-1")
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.ErrorMessage)
	}
	var out map[string]any
	if err := json.Unmarshal(run.Output, &out); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if out["x"] != float64(1) {
		t.Fatalf("expected last values payload as output, got %s", run.Output)
	}

	if thread := r.mustGetThread(t); thread.Status != domain.ThreadStatusIdle {
		t.Fatalf("expected idle thread, got %s", thread.Status)
	}

	events, err := r.events.ListAfter(context.Background(), "run-1", "")
	if err != nil {
		t.Fatalf("ListAfter failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 stored events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != i+1 {
			t.Fatalf("expected gapless sequences from 1, got %+v", events)
		}
		if ev.EventID != fmt.Sprintf("run-1_event_%d", i+1) {
			t.Fatalf("unexpected event id %q", ev.EventID)
		}
	}

	// The broker delivered the events followed by an end record.
	var kinds []string
	for ev := range sub.C {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 3 || kinds[2] != broker.EndKind {
		t.Fatalf("expected two events then end, got %v", kinds)
	}

	if r.registry.Lookup("run-1") != nil {
		t.Fatal("expected handle to be removed after settlement")
	}
}

func TestRunInterrupted(t *testing.T) {
	r := newTestRig(t)
	r.seedRun(t, "run-1")
	r.graphs.Register("g", engine.GraphFunc(func(ctx context.Context, req engine.StreamRequest, emit engine.EmitFunc) error {
		return emit(engine.RawEvent{Mode: domain.StreamModeUpdates, Payload: map[string]any{
			engine.InterruptKey: []any{map[string]any{"value": "need approval"}},
		}})
	}))

	h := r.start(t, RunSpec{RunID: "run-1", ThreadID: "thread-1", GraphID: "g"})
	awaitSettled(t, h)

	run := r.mustGetRun(t, "run-1")
	if run.Status != domain.RunStatusInterrupted {
		t.Fatalf("expected interrupted, got %s", run.Status)
	}
	if thread := r.mustGetThread(t); thread.Status != domain.ThreadStatusInterrupted {
		t.Fatalf("expected interrupted thread, got %s", thread.Status)
	}

	// The interrupt update was re-tagged as a values event because the
	// caller never asked for updates.
	events, err := r.events.ListAfter(context.Background(), "run-1", "")
	if err != nil {
		t.Fatalf("ListAfter failed: %v", err)
	}
	if len(events) != 1 || events[0].Kind != domain.StreamModeValues {
		t.Fatalf("expected one re-tagged values event, got %+v", events)
	}
}

func TestRunCancelled(t *testing.T) {
	r := newTestRig(t)
	r.seedRun(t, "run-1")
	started := make(chan struct{})
	r.graphs.Register("g", engine.GraphFunc(func(ctx context.Context, req engine.StreamRequest, emit engine.EmitFunc) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	h := r.start(t, RunSpec{RunID: "run-1", ThreadID: "thread-1", GraphID: "g"})
	<-started
	h.RequestCancel()
	awaitSettled(t, h)

	if !errors.Is(h.Err(), context.Canceled) {
		t.Fatalf("expected handle to settle as cancelled, got %v", h.Err())
	}
	run := r.mustGetRun(t, "run-1")
	if run.Status != domain.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", run.Status)
	}
	if string(run.Output) != `{}` {
		t.Fatalf("expected empty output, got %s", run.Output)
	}
	if thread := r.mustGetThread(t); thread.Status != domain.ThreadStatusIdle {
		t.Fatalf("expected idle thread, got %s", thread.Status)
	}
}

func TestRunFails(t *testing.T) {
	r := newTestRig(t)
	r.seedRun(t, "run-1")
	r.graphs.Register("g", engine.GraphFunc(func(ctx context.Context, req engine.StreamRequest, emit engine.EmitFunc) error {
		return errors.New("node exploded")
	}))

	h := r.start(t, RunSpec{RunID: "run-1", ThreadID: "thread-1", GraphID: "g"})
	awaitSettled(t, h)

	run := r.mustGetRun(t, "run-1")
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if run.ErrorMessage != "node exploded" {
		t.Fatalf("unexpected error message: %q", run.ErrorMessage)
	}
	if thread := r.mustGetThread(t); thread.Status != domain.ThreadStatusIdle {
		t.Fatalf("expected idle thread, got %s", thread.Status)
	}
}

func TestUnknownGraphFailsRun(t *testing.T) {
	r := newTestRig(t)
	r.seedRun(t, "run-1")

	h := r.start(t, RunSpec{RunID: "run-1", ThreadID: "thread-1", GraphID: "nope"})
	awaitSettled(t, h)

	run := r.mustGetRun(t, "run-1")
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if !strings.Contains(run.ErrorMessage, "nope") {
		t.Fatalf("expected graph name in error, got %q", run.ErrorMessage)
	}
}

func TestForcedUpdatesAreFilteredOut(t *testing.T) {
	r := newTestRig(t)
	r.seedRun(t, "run-1")
	r.graphs.Register("g", engine.GraphFunc(func(ctx context.Context, req engine.StreamRequest, emit engine.EmitFunc) error {
		// A plain updates event: only produced because updates was
		// force-included, so it must not reach the log.
		if err := emit(engine.RawEvent{Mode: domain.StreamModeUpdates, Payload: map[string]any{"node": "a"}}); err != nil {
			return err
		}
		return emit(engine.RawEvent{Mode: domain.StreamModeValues, Payload: map[string]any{"done": true}})
	}))

	h := r.start(t, RunSpec{RunID: "run-1", ThreadID: "thread-1", GraphID: "g", StreamModes: []string{domain.StreamModeValues}})
	awaitSettled(t, h)

	events, err := r.events.ListAfter(context.Background(), "run-1", "")
	if err != nil {
		t.Fatalf("ListAfter failed: %v", err)
	}
	if len(events) != 1 || events[0].Kind != domain.StreamModeValues {
		t.Fatalf("expected the values event only, got %+v", events)
	}
}

func TestRequestedUpdatesPassThrough(t *testing.T) {
	r := newTestRig(t)
	r.seedRun(t, "run-1")
	r.graphs.Register("g", engine.GraphFunc(func(ctx context.Context, req engine.StreamRequest, emit engine.EmitFunc) error {
		return emit(engine.RawEvent{Mode: domain.StreamModeUpdates, Payload: map[string]any{"node": "a"}})
	}))

	h := r.start(t, RunSpec{RunID: "run-1", ThreadID: "thread-1", GraphID: "g", StreamModes: []string{domain.StreamModeUpdates}})
	awaitSettled(t, h)

	events, err := r.events.ListAfter(context.Background(), "run-1", "")
	if err != nil {
		t.Fatalf("ListAfter failed: %v", err)
	}
	if len(events) != 1 || events[0].Kind != domain.StreamModeUpdates {
		t.Fatalf("expected the updates event to pass through, got %+v", events)
	}
}

func TestNoStreamEventsAreDropped(t *testing.T) {
	r := newTestRig(t)
	r.seedRun(t, "run-1")
	r.graphs.Register("g", engine.GraphFunc(func(ctx context.Context, req engine.StreamRequest, emit engine.EmitFunc) error {
		if err := emit(engine.RawEvent{Mode: domain.StreamModeValues, Payload: map[string]any{"secret": true}, NoStream: true}); err != nil {
			return err
		}
		return emit(engine.RawEvent{Mode: domain.StreamModeValues, Payload: map[string]any{"public": true}})
	}))

	h := r.start(t, RunSpec{RunID: "run-1", ThreadID: "thread-1", GraphID: "g"})
	awaitSettled(t, h)

	events, err := r.events.ListAfter(context.Background(), "run-1", "")
	if err != nil {
		t.Fatalf("ListAfter failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected the nostream event to be dropped, got %+v", events)
	}
	if strings.Contains(string(events[0].Payload), "secret") {
		t.Fatal("nostream payload leaked into the event log")
	}
}

func TestBareEventsCountAsValues(t *testing.T) {
	r := newTestRig(t)
	r.seedRun(t, "run-1")
	r.graphs.Register("g", engine.GraphFunc(func(ctx context.Context, req engine.StreamRequest, emit engine.EmitFunc) error {
		// Whole-state event without a mode tag.
		return emit(engine.RawEvent{Payload: map[string]any{"state": "final"}})
	}))

	h := r.start(t, RunSpec{RunID: "run-1", ThreadID: "thread-1", GraphID: "g"})
	awaitSettled(t, h)

	run := r.mustGetRun(t, "run-1")
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if !strings.Contains(string(run.Output), "final") {
		t.Fatalf("expected bare event to become the output, got %s", run.Output)
	}
}

func TestNonSerializableOutputGetsDiagnostic(t *testing.T) {
	r := newTestRig(t)
	r.seedRun(t, "run-1")
	r.graphs.Register("g", engine.GraphFunc(func(ctx context.Context, req engine.StreamRequest, emit engine.EmitFunc) error {
		return emit(engine.RawEvent{Mode: domain.StreamModeValues, Payload: map[string]any{"ch": make(chan int)}})
	}))

	h := r.start(t, RunSpec{RunID: "run-1", ThreadID: "thread-1", GraphID: "g"})
	awaitSettled(t, h)

	run := r.mustGetRun(t, "run-1")
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if !strings.Contains(string(run.Output), "output serialization failed") {
		t.Fatalf("expected diagnostic output, got %s", run.Output)
	}
}

// attachOnAppendStore subscribes a stream consumer right after the first
// event append lands, before the executor broadcasts it.
type attachOnAppendStore struct {
	store.Store
	once   sync.Once
	attach func()
}

func (s *attachOnAppendStore) AppendEvent(ctx context.Context, ev *domain.Event) error {
	if err := s.Store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	s.once.Do(s.attach)
	return nil
}

func TestSubscriberAttachingDuringAppendMissesNothing(t *testing.T) {
	r := newTestRig(t)
	r.seedRun(t, "run-1")
	r.graphs.Register("g", engine.GraphFunc(func(ctx context.Context, req engine.StreamRequest, emit engine.EmitFunc) error {
		if err := emit(engine.RawEvent{Mode: domain.StreamModeValues, Payload: map[string]any{"n": 1}}); err != nil {
			return err
		}
		return emit(engine.RawEvent{Mode: domain.StreamModeValues, Payload: map[string]any{"n": 2}})
	}))

	var sub *broker.Subscription
	hooked := &attachOnAppendStore{
		Store:  r.store,
		attach: func() { sub = r.broker.Subscribe("run-1") },
	}
	exec := New(hooked, eventstore.New(hooked, time.Hour, time.Hour), r.broker, r.registry, r.graphs)

	h, err := exec.Start(RunSpec{RunID: "run-1", ThreadID: "thread-1", GraphID: "g"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	awaitSettled(t, h)

	if sub == nil {
		t.Fatal("subscriber was never attached")
	}
	defer sub.Close()

	// The subscriber attached between the append and the broadcast of
	// event 1, so event 1 must still reach it live.
	var seqs []int
	for ev := range sub.C {
		if ev.Kind == broker.EndKind {
			break
		}
		seqs = append(seqs, ev.Seq)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("expected live delivery of events 1 and 2, got %v", seqs)
	}
}

func TestStartRejectsDuplicateRun(t *testing.T) {
	r := newTestRig(t)
	r.seedRun(t, "run-1")
	release := make(chan struct{})
	r.graphs.Register("g", engine.GraphFunc(func(ctx context.Context, req engine.StreamRequest, emit engine.EmitFunc) error {
		<-release
		return nil
	}))

	h := r.start(t, RunSpec{RunID: "run-1", ThreadID: "thread-1", GraphID: "g"})
	if _, err := r.executor.Start(RunSpec{RunID: "run-1", ThreadID: "thread-1", GraphID: "g"}); !errors.Is(err, registry.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	close(release)
	awaitSettled(t, h)
}

func TestNormalizeStreamModes(t *testing.T) {
	modes, onlyInterrupts := normalizeStreamModes(nil)
	if len(modes) != 2 || modes[0] != domain.StreamModeValues || modes[1] != domain.StreamModeUpdates {
		t.Fatalf("unexpected default modes: %v", modes)
	}
	if !onlyInterrupts {
		t.Fatal("forced updates must be interrupt-only")
	}

	modes, onlyInterrupts = normalizeStreamModes([]string{"messages-tuple", domain.StreamModeUpdates})
	if modes[0] != domain.StreamModeMessages {
		t.Fatalf("expected alias to canonicalize, got %v", modes)
	}
	if onlyInterrupts {
		t.Fatal("explicitly requested updates must pass through unfiltered")
	}
}
