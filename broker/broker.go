// Package broker provides in-memory pub/sub fan-out of live run events to
// any number of concurrently attached stream subscribers. It is
// independent of the durable event log: live delivery is best-effort and
// reconnecting clients catch up from the event store.
package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/struckoff/graphrun/domain"
)

// EndKind marks the terminal record that closes a run's stream.
const EndKind = "end"

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind loses live events and must reconnect through
// the event store.
const subscriberBuffer = 128

// Event is one live event delivered to subscribers.
type Event struct {
	ID      string
	Seq     int
	Kind    string
	Payload any
}

// Subscription is one attached stream consumer. C is closed when the run's
// broker finishes.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Close detaches the subscriber. Safe to call multiple times.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

type runBroker struct {
	mu         sync.Mutex
	runID      string
	subs       map[int]chan Event
	nextSub    int
	lastSeq    int
	finished   bool
	finishedAt time.Time
}

// publishLocked delivers to all subscribers without blocking the caller.
// Callers must hold b.mu.
func (b *runBroker) publishLocked(ev Event) {
	if b.finished {
		log.Printf("WARN: dropping event %s for finished broker of run %s", ev.ID, b.runID)
		return
	}
	if ev.Seq > b.lastSeq {
		b.lastSeq = ev.Seq
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("WARN: subscriber %d of run %s is too slow, dropping event %s", id, b.runID, ev.ID)
		}
	}
	if ev.Kind == EndKind {
		b.finishLocked()
	}
}

// finishLocked marks the broker finished and closes all subscriber
// channels. Callers must hold b.mu.
func (b *runBroker) finishLocked() {
	if b.finished {
		return
	}
	b.finished = true
	b.finishedAt = time.Now()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = map[int]chan Event{}
}

// Manager manages the per-run brokers.
type Manager struct {
	mu     sync.Mutex
	runs   map[string]*runBroker
	linger time.Duration
}

// NewManager creates a broker manager. Finished brokers linger for the
// given duration before the janitor removes them.
func NewManager(linger time.Duration) *Manager {
	return &Manager{
		runs:   make(map[string]*runBroker),
		linger: linger,
	}
}

func (m *Manager) getOrCreate(runID string) *runBroker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.runs[runID]
	if !ok {
		b = &runBroker{runID: runID, subs: map[int]chan Event{}}
		m.runs[runID] = b
	}
	return b
}

// Publish hands an event to all subscribers currently attached to the run.
// Never blocks; slow subscribers lose events and must replay from the
// event store.
func (m *Manager) Publish(runID string, ev Event) {
	b := m.getOrCreate(runID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(ev)
}

// Subscribe attaches a stream consumer to the run. Subscribing to an
// already-finished broker yields an immediately closed channel; the caller
// falls back to the persisted run status.
func (m *Manager) Subscribe(runID string) *Subscription {
	b := m.getOrCreate(runID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		ch := make(chan Event)
		close(ch)
		return &Subscription{C: ch}
	}

	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	return &Subscription{
		C: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		},
	}
}

// signalEnd mints the run's next event id and delivers a terminal record.
func (m *Manager) signalEnd(runID string, payload map[string]any) {
	b := m.getOrCreate(runID)
	b.mu.Lock()
	defer b.mu.Unlock()
	seq := b.lastSeq + 1
	b.publishLocked(Event{
		ID:      domain.EventID(runID, seq),
		Seq:     seq,
		Kind:    EndKind,
		Payload: payload,
	})
}

// SignalCancelled delivers a cancellation terminal marker to all current
// subscribers.
func (m *Manager) SignalCancelled(runID string) {
	m.signalEnd(runID, map[string]any{"status": string(domain.RunStatusCancelled)})
}

// SignalError delivers a failure terminal marker to all current
// subscribers.
func (m *Manager) SignalError(runID string, message string) {
	m.signalEnd(runID, map[string]any{
		"status": string(domain.RunStatusFailed),
		"error":  message,
	})
}

// SignalFinished delivers a terminal marker carrying the run's final
// status (completed or interrupted).
func (m *Manager) SignalFinished(runID string, status domain.RunStatus) {
	m.signalEnd(runID, map[string]any{"status": string(status)})
}

// Release tears down broker resources for a run. Idempotent. The entry
// lingers so that late subscribers observe the finished state instead of
// re-creating a live broker; the janitor removes it later.
func (m *Manager) Release(runID string) {
	m.mu.Lock()
	b, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishLocked()
}

// LastSeq returns the highest event sequence seen for a run, 0 when none.
func (m *Manager) LastSeq(runID string) int {
	m.mu.Lock()
	b, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// Run drives the background janitor that removes finished brokers after
// the linger period. Blocks until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for runID, b := range m.runs {
		b.mu.Lock()
		expired := b.finished && now.Sub(b.finishedAt) > m.linger
		b.mu.Unlock()
		if expired {
			delete(m.runs, runID)
			log.Printf("INFO: removed finished broker for run %s", runID)
		}
	}
}
