package api

import (
	"context"
	"log"

	"github.com/labstack/echo/v4"

	"github.com/struckoff/graphrun/broker"
	"github.com/struckoff/graphrun/domain"
)

// onDisconnectCancel requests cancellation of the run when the streaming
// client goes away mid-stream.
const onDisconnectCancel = "cancel"

// CreateAndStreamRun creates a run and streams its events on the same
// response, opening with a metadata event.
func (h *Handler) CreateAndStreamRun(c echo.Context) error {
	run, req, err := h.startRun(c)
	if run == nil {
		return err
	}

	setSSEHeaders(c, run.ThreadID, run.RunID)
	return h.streamEvents(c, run, "", req.OnDisconnect)
}

// StreamRun attaches to a run's event stream. The Last-Event-ID header
// resumes delivery after the given event; a terminal run yields a single
// end event.
func (h *Handler) StreamRun(c echo.Context) error {
	run, err := h.fetchRun(c)
	if run == nil {
		return err
	}

	lastEventID := c.Request().Header.Get("Last-Event-ID")
	setSSEHeaders(c, run.ThreadID, run.RunID)

	if run.Status.Terminal() {
		return h.writeEnd(c, run.RunID, run.Status, domain.EventSeq(lastEventID))
	}
	return h.streamEvents(c, run, lastEventID, "")
}

// streamEvents replays stored events after the cursor, then follows live
// broker delivery until the end record arrives or the client disconnects.
// Subscribing before replay closes the handoff window: live events that
// duplicate replayed ones are skipped by sequence.
func (h *Handler) streamEvents(c echo.Context, run *domain.Run, lastEventID, onDisconnect string) error {
	ctx := c.Request().Context()
	runID := run.RunID

	sub := h.broker.Subscribe(runID)
	defer sub.Close()

	if lastEventID == "" {
		if err := writeSSE(c, domain.EventID(runID, 0), "metadata", map[string]any{
			"run_id":  runID,
			"attempt": 1,
		}); err != nil {
			return nil
		}
	}

	lastSent := domain.EventSeq(lastEventID)

	stored, err := h.events.ListAfter(ctx, runID, lastEventID)
	if err != nil {
		// Headers are already committed; close the stream instead of
		// switching to a JSON error.
		log.Printf("ERROR: failed to replay events of run %s: %v", runID, err)
		return nil
	}
	for _, ev := range stored {
		if err := writeSSE(c, ev.EventID, ev.Kind, ev.Payload); err != nil {
			h.handleDisconnect(runID, onDisconnect)
			return nil
		}
		if ev.Seq > lastSent {
			lastSent = ev.Seq
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.handleDisconnect(runID, onDisconnect)
			return nil

		case ev, ok := <-sub.C:
			if !ok {
				// The broker finished between replay and live delivery (or
				// was already gone). The persisted status carries the
				// outcome.
				return h.writeEnd(c, runID, h.persistedStatus(runID, run.Status), lastSent)
			}
			if ev.Seq <= lastSent {
				continue
			}
			if err := writeSSE(c, ev.ID, ev.Kind, ev.Payload); err != nil {
				h.handleDisconnect(runID, onDisconnect)
				return nil
			}
			lastSent = ev.Seq
			if ev.Kind == broker.EndKind {
				return nil
			}
		}
	}
}

// writeEnd emits the terminal stream record carrying the run's final
// status.
func (h *Handler) writeEnd(c echo.Context, runID string, status domain.RunStatus, lastSeq int) error {
	writeSSE(c, domain.EventID(runID, lastSeq+1), broker.EndKind, map[string]any{
		"status": string(status),
	})
	return nil
}

// persistedStatus re-reads the run's status; falls back to the status
// observed at stream start when the read fails.
func (h *Handler) persistedStatus(runID string, fallback domain.RunStatus) domain.RunStatus {
	run, err := h.store.GetRunByID(context.Background(), runID)
	if err != nil {
		return fallback
	}
	return run.Status
}

// handleDisconnect applies the stream's on_disconnect policy after the
// client went away. Cancellation uses a background context because the
// request context is already done.
func (h *Handler) handleDisconnect(runID, onDisconnect string) {
	if onDisconnect != onDisconnectCancel {
		return
	}
	log.Printf("INFO: client disconnected from run %s, cancelling per on_disconnect policy", runID)
	if err := h.coordinator.Cancel(context.Background(), runID); err != nil {
		log.Printf("ERROR: failed to cancel run %s after disconnect: %v", runID, err)
	}
}
