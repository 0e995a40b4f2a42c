// Package api provides the HTTP handlers for the run lifecycle.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/struckoff/graphrun/broker"
	"github.com/struckoff/graphrun/config"
	"github.com/struckoff/graphrun/engine"
	"github.com/struckoff/graphrun/eventstore"
	"github.com/struckoff/graphrun/executor"
	"github.com/struckoff/graphrun/store"
)

// Handler handles HTTP requests.
type Handler struct {
	store       store.Store
	events      *eventstore.EventStore
	broker      *broker.Manager
	executor    *executor.Executor
	coordinator *executor.Coordinator
	graphs      *engine.Registry
	config      *config.Config
}

// NewHandler creates a new handler.
func NewHandler(s store.Store, events *eventstore.EventStore, b *broker.Manager, exec *executor.Executor, coord *executor.Coordinator, graphs *engine.Registry, cfg *config.Config) *Handler {
	return &Handler{
		store:       s,
		events:      events,
		broker:      b,
		executor:    exec,
		coordinator: coord,
		graphs:      graphs,
		config:      cfg,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/threads/:thread_id/runs", h.CreateRun)
	e.POST("/threads/:thread_id/runs/stream", h.CreateAndStreamRun)
	e.GET("/threads/:thread_id/runs", h.ListRuns)
	e.GET("/threads/:thread_id/runs/:run_id", h.GetRun)
	e.PATCH("/threads/:thread_id/runs/:run_id", h.UpdateRun)
	e.GET("/threads/:thread_id/runs/:run_id/join", h.JoinRun)
	e.GET("/threads/:thread_id/runs/:run_id/stream", h.StreamRun)
	e.POST("/threads/:thread_id/runs/:run_id/cancel", h.CancelRun)
	e.DELETE("/threads/:thread_id/runs/:run_id", h.DeleteRun)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
