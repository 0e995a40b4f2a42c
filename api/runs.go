package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/struckoff/graphrun/domain"
	"github.com/struckoff/graphrun/executor"
	"github.com/struckoff/graphrun/store"
)

const defaultListLimit = 10

// startRun performs the shared create-run flow: validation, assistant and
// thread resolution, run record creation, and task launch. On failure the
// error response has already been written and the returned run is nil.
func (h *Handler) startRun(c echo.Context) (*domain.Run, *domain.RunCreate, error) {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")
	userID := currentUserID(c)

	var req domain.RunCreate
	if err := c.Bind(&req); err != nil {
		return nil, nil, errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return nil, nil, errorJSON(c, http.StatusBadRequest, err.Error())
	}

	assistantID := h.resolveAssistantID(req.AssistantID)
	assistant, err := h.store.GetAssistant(ctx, assistantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, errorJSON(c, http.StatusNotFound, fmt.Sprintf("assistant %q not found", req.AssistantID))
	}
	if err != nil {
		return nil, nil, errorJSON(c, http.StatusInternalServerError, "failed to get assistant")
	}
	if !h.graphs.Has(assistant.GraphID) {
		return nil, nil, errorJSON(c, http.StatusNotFound, fmt.Sprintf("graph %q not found", assistant.GraphID))
	}

	thread, err := h.store.GetOrCreateThread(ctx, threadID, userID)
	if err != nil {
		return nil, nil, errorJSON(c, http.StatusInternalServerError, "failed to get thread")
	}
	if req.IsResume() && thread.Status != domain.ThreadStatusInterrupted {
		return nil, nil, errorJSON(c, http.StatusBadRequest,
			fmt.Sprintf("thread %q is not interrupted, cannot resume", threadID))
	}

	now := time.Now().UTC()
	run := &domain.Run{
		RunID:       uuid.NewString(),
		ThreadID:    threadID,
		AssistantID: assistantID,
		Status:      domain.RunStatusPending,
		Input:       marshalField(persistedInput(&req)),
		Config:      marshalField(req.Config),
		Context:     marshalField(req.Context),
		UserID:      userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateRun(ctx, run); err != nil {
		return nil, nil, errorJSON(c, http.StatusInternalServerError, "failed to create run")
	}

	if err := h.store.SetThreadStatus(ctx, threadID, domain.ThreadStatusBusy); err != nil {
		log.Printf("WARN: failed to mark thread %s busy: %v", threadID, err)
	}
	if err := h.store.MergeThreadMetadata(ctx, threadID, map[string]any{
		"assistant_id": assistantID,
		"graph_id":     assistant.GraphID,
	}); err != nil {
		log.Printf("WARN: failed to update thread %s metadata: %v", threadID, err)
	}

	if _, err := h.executor.Start(executor.RunSpec{
		RunID:           run.RunID,
		ThreadID:        threadID,
		GraphID:         assistant.GraphID,
		Input:           req.Input,
		Command:         req.Command,
		Config:          req.Config,
		Context:         req.Context,
		StreamModes:     req.StreamMode,
		InterruptBefore: req.InterruptBefore,
		InterruptAfter:  req.InterruptAfter,
	}); err != nil {
		return nil, nil, errorJSON(c, http.StatusInternalServerError, "failed to start run")
	}
	return run, &req, nil
}

// CreateRun creates a run and launches its execution in the background.
func (h *Handler) CreateRun(c echo.Context) error {
	run, _, err := h.startRun(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// GetRun returns one run scoped to its thread and owner.
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.fetchRun(c)
	if run == nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns returns the thread's runs, newest first.
func (h *Handler) ListRuns(c echo.Context) error {
	threadID := c.Param("thread_id")
	userID := currentUserID(c)

	limit := defaultListLimit
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	status := domain.RunStatus(c.QueryParam("status"))

	runs, err := h.store.ListRuns(c.Request().Context(), threadID, userID, status, limit, offset)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "failed to list runs")
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

// UpdateRun patches a run's status to cancelled or interrupted, applying
// the coordinator semantics for the requested transition.
func (h *Handler) UpdateRun(c echo.Context) error {
	run, err := h.fetchRun(c)
	if run == nil {
		return err
	}

	var patch domain.RunStatusPatch
	if err := c.Bind(&patch); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	switch patch.Status {
	case domain.RunStatusCancelled:
		if err := h.coordinator.Cancel(ctx, run.RunID); err != nil {
			return errorJSON(c, http.StatusInternalServerError, "failed to cancel run")
		}
	case domain.RunStatusInterrupted:
		if err := h.coordinator.Interrupt(ctx, run.RunID); err != nil {
			return errorJSON(c, http.StatusInternalServerError, "failed to interrupt run")
		}
	default:
		return errorJSON(c, http.StatusBadRequest,
			fmt.Sprintf("status must be %q or %q", domain.RunStatusCancelled, domain.RunStatusInterrupted))
	}

	return h.respondRefreshed(c, run)
}

// CancelRun stops a run. The action query parameter selects hard cancel
// (the default) or cooperative interrupt; wait=1 blocks until the task
// settles or the wait budget runs out.
func (h *Handler) CancelRun(c echo.Context) error {
	run, err := h.fetchRun(c)
	if run == nil {
		return err
	}

	ctx := c.Request().Context()
	action := c.QueryParam("action")
	if action == "" {
		action = "cancel"
	}
	switch action {
	case "cancel":
		if err := h.coordinator.Cancel(ctx, run.RunID); err != nil {
			return errorJSON(c, http.StatusInternalServerError, "failed to cancel run")
		}
	case "interrupt":
		if err := h.coordinator.Interrupt(ctx, run.RunID); err != nil {
			return errorJSON(c, http.StatusInternalServerError, "failed to interrupt run")
		}
	default:
		return errorJSON(c, http.StatusBadRequest, "action must be \"cancel\" or \"interrupt\"")
	}

	if c.QueryParam("wait") == "1" {
		h.coordinator.AwaitSettled(run.RunID, h.config.JoinTimeout)
	}
	return h.respondRefreshed(c, run)
}

// JoinRun blocks until the run settles or the wait budget is exhausted,
// then returns the persisted output.
func (h *Handler) JoinRun(c echo.Context) error {
	run, err := h.fetchRun(c)
	if run == nil {
		return err
	}

	if !run.Status.Terminal() {
		h.coordinator.AwaitSettled(run.RunID, h.config.JoinTimeout)
		refreshed, err := h.store.GetRunByID(c.Request().Context(), run.RunID)
		if err == nil {
			run = refreshed
		}
	}

	if len(run.Output) == 0 {
		return c.JSON(http.StatusOK, map[string]any{})
	}
	return c.JSONBlob(http.StatusOK, run.Output)
}

// DeleteRun removes a run record. Active runs are rejected with 409
// unless force=1 is given, which cancels the run first.
func (h *Handler) DeleteRun(c echo.Context) error {
	run, err := h.fetchRun(c)
	if run == nil {
		return err
	}

	force := c.QueryParam("force") == "1"
	if err := h.coordinator.Delete(c.Request().Context(), run, force); err != nil {
		if errors.Is(err, executor.ErrRunActive) {
			return errorJSON(c, http.StatusConflict,
				fmt.Sprintf("run %q is active; retry with force=1", run.RunID))
		}
		return errorJSON(c, http.StatusInternalServerError, "failed to delete run")
	}
	return c.NoContent(http.StatusNoContent)
}

// respondRefreshed re-reads the run so the response reflects the status
// transition that was just applied.
func (h *Handler) respondRefreshed(c echo.Context, run *domain.Run) error {
	refreshed, err := h.store.GetRunByID(c.Request().Context(), run.RunID)
	if err != nil {
		return c.JSON(http.StatusOK, run)
	}
	return c.JSON(http.StatusOK, refreshed)
}

func marshalField(m map[string]any) json.RawMessage {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}

// persistedInput returns what is stored as the run's input: the resume
// command when present (it replaces the input), otherwise the input map.
func persistedInput(req *domain.RunCreate) map[string]any {
	if req.Command != nil {
		return map[string]any{"command": req.Command}
	}
	return req.Input
}
