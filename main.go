package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/struckoff/graphrun/api"
	"github.com/struckoff/graphrun/broker"
	"github.com/struckoff/graphrun/config"
	"github.com/struckoff/graphrun/domain"
	"github.com/struckoff/graphrun/engine"
	"github.com/struckoff/graphrun/eventstore"
	"github.com/struckoff/graphrun/executor"
	"github.com/struckoff/graphrun/registry"
	"github.com/struckoff/graphrun/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting graphrun...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Event retention: %s (sweep every %s)", cfg.EventRetention, cfg.SweepInterval)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize runtime components
	graphs := engine.NewRegistry()
	registerGraphs(graphs)

	brk := broker.NewManager(cfg.BrokerLinger)
	tasks := registry.New()
	events := eventstore.New(db, cfg.EventRetention, cfg.SweepInterval)
	exec := executor.New(db, events, brk, tasks, graphs)
	coord := executor.NewCoordinator(db, brk, tasks)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ensureDefaultAssistants(ctx, db, graphs); err != nil {
		log.Fatalf("Failed to register default assistants: %v", err)
	}

	// Initialize handler
	h := api.NewHandler(db, events, brk, exec, coord, graphs, cfg)

	// Create Echo server
	server := echo.New()
	server.HideBanner = true

	// Middleware
	server.Use(middleware.Logger())
	server.Use(middleware.Recover())
	server.Use(middleware.CORS())

	// Register routes
	h.RegisterRoutes(server)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		log.Printf("API started on port %d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		events.Run(ctx)
		return nil
	})

	g.Go(func() error {
		brk.Run(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down graphrun...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("graphrun stopped")
}

// ensureDefaultAssistants registers the deterministic default assistant
// for every available graph, so clients can address graphs by name.
func ensureDefaultAssistants(ctx context.Context, db store.Store, graphs *engine.Registry) error {
	for _, graphID := range graphs.List() {
		assistantID := domain.DefaultAssistantID(graphID)
		if _, err := db.GetAssistant(ctx, assistantID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := db.CreateAssistant(ctx, &domain.Assistant{
			AssistantID: assistantID,
			Name:        graphID,
			Description: fmt.Sprintf("Default assistant for graph %q", graphID),
			GraphID:     graphID,
			UserID:      "system",
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}
		log.Printf("INFO: registered default assistant %s for graph %s", assistantID, graphID)
	}
	return nil
}
