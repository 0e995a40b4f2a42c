package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/struckoff/graphrun/domain"
	"github.com/struckoff/graphrun/store"
)

// currentUserID extracts the caller identity established by the
// authentication layer in front of this service.
func currentUserID(c echo.Context) string {
	if v := c.Request().Header.Get("X-User-Id"); v != "" {
		return v
	}
	return "default_user"
}

func errorJSON(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}

// fetchRun loads a run scoped to its thread and owner, writing a 404
// response when it does not exist.
func (h *Handler) fetchRun(c echo.Context) (*domain.Run, error) {
	threadID := c.Param("thread_id")
	runID := c.Param("run_id")
	run, err := h.store.GetRun(c.Request().Context(), runID, threadID, currentUserID(c))
	if errors.Is(err, store.ErrNotFound) {
		return nil, errorJSON(c, http.StatusNotFound, fmt.Sprintf("run %q not found", runID))
	}
	if err != nil {
		return nil, errorJSON(c, http.StatusInternalServerError, "failed to get run")
	}
	return run, nil
}

// resolveAssistantID maps a graph id to its deterministic default
// assistant, so clients can pass a graph id where an assistant id is
// expected.
func (h *Handler) resolveAssistantID(requested string) string {
	if h.graphs.Has(requested) {
		return domain.DefaultAssistantID(requested)
	}
	return requested
}
