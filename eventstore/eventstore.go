// Package eventstore is the durable, append-only, per-run ordered event
// log that makes stream reconnection possible.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/struckoff/graphrun/domain"
	"github.com/struckoff/graphrun/store"
)

// EventStore persists run events and evicts them once the retention
// policy allows.
type EventStore struct {
	store     store.Store
	retention time.Duration
	interval  time.Duration
}

// New creates an event store. Events of terminal runs older than the
// retention age are evicted by the background sweep, which runs every
// interval.
func New(s store.Store, retention, interval time.Duration) *EventStore {
	return &EventStore{store: s, retention: retention, interval: interval}
}

// Append persists one event. The sequence is extracted from the event id
// ({run_id}_event_{n}). A non-serializable payload must not crash the run:
// it is replaced with a diagnostic payload describing the failure.
func (s *EventStore) Append(ctx context.Context, runID, eventID, kind string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		log.Printf("WARN: failed to serialize payload of event %s: %v", eventID, err)
		data, _ = json.Marshal(map[string]string{
			"error":         "payload serialization failed",
			"original_type": fmt.Sprintf("%T", payload),
		})
	}
	return s.store.AppendEvent(ctx, &domain.Event{
		EventID:   eventID,
		RunID:     runID,
		Seq:       domain.EventSeq(eventID),
		Kind:      kind,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	})
}

// ListAfter returns the run's events with id strictly greater than
// lastEventID, in order. An empty or unparsable cursor yields all events.
func (s *EventStore) ListAfter(ctx context.Context, runID, lastEventID string) ([]domain.Event, error) {
	afterSeq := 0
	if lastEventID != "" {
		afterSeq = domain.EventSeq(lastEventID)
	}
	return s.store.ListEventsAfter(ctx, runID, afterSeq)
}

// Run drives the background retention sweep. Blocks until the context is
// cancelled.
func (s *EventStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evicts expired events once. Events of non-terminal runs are never
// evicted regardless of age.
func (s *EventStore) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	n, err := s.store.DeleteExpiredEvents(ctx, cutoff)
	if err != nil {
		log.Printf("ERROR: event retention sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("INFO: event retention sweep evicted %d events", n)
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
