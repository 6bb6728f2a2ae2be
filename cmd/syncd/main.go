// Package main provides the offsync companion daemon. The UI shell talks to
// it over REST and WebSocket on localhost; all writes land in the local
// store first and replay to the remote API in the background.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/edunexus/offsync/cmd/syncd/handlers"
	"github.com/edunexus/offsync/internal/config"
	"github.com/edunexus/offsync/internal/logging"
	"github.com/edunexus/offsync/internal/store"
	syncengine "github.com/edunexus/offsync/internal/sync"
	"github.com/edunexus/offsync/internal/sync/connectivity"
	"github.com/edunexus/offsync/internal/sync/queue"
	"github.com/edunexus/offsync/internal/sync/remote"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(os.Stdout, logging.LogLevel(cfg.LogLevel))

	// Open the local database and bring the schema up to date.
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		logging.Error("Failed to open local store", err)
		os.Exit(1)
	}
	defer db.Close()

	migrator := store.NewMigrator(db.DB)
	if err := migrator.Initialize(); err != nil {
		logging.Error("Failed to initialize migrations", err)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logging.Error("Failed to apply migrations", err)
		os.Exit(1)
	}

	st := store.NewStore(db.DB)

	// Wire the sync pipeline: remote client, connectivity monitor, durable
	// queue and the engine that drains it.
	client := remote.NewClient(cfg.APIBaseURL, cfg.RequestTimeout)
	monitor := connectivity.NewMonitor(client, cfg.ProbeInterval)

	qm := queue.NewManager(st, queue.Config{
		MaxAttempts: cfg.MaxAttempts,
		BackoffMin:  cfg.BackoffMin,
		BackoffMax:  cfg.BackoffMax,
	})

	hub := NewWSHub()
	monitor.OnChange(hub.BroadcastConnectivityChanged)

	engine := syncengine.NewEngine(st, qm, monitor, client, syncengine.Config{
		EntityConcurrency: cfg.EntityConcurrency,
	}, hub)

	monitor.Start(ctx)
	defer monitor.Stop()

	if err := engine.Start(ctx); err != nil {
		logging.Error("Failed to start sync engine", err)
		os.Exit(1)
	}
	defer engine.Stop()

	// REST API
	adminHandler := handlers.NewAdminHandler(st)
	syncHandler := handlers.NewSyncHandler(engine, qm, st)
	recordsHandler := handlers.NewRecordsHandler(st, engine)

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/api/health", adminHandler.Health)
	router.Post("/api/reset", adminHandler.Reset)

	router.Get("/api/sync/status", syncHandler.GetStatus)
	router.Post("/api/sync/trigger", syncHandler.TriggerSync)
	router.Get("/api/sync/queue", syncHandler.GetQueue)
	router.Post("/api/sync/queue/retry", syncHandler.RetryQueue)
	router.Get("/api/sync/conflicts", syncHandler.GetConflicts)

	router.Get("/api/records/{entity}", recordsHandler.List)
	router.Post("/api/records/{entity}", recordsHandler.Create)
	router.Get("/api/records/{entity}/{id}", recordsHandler.Get)
	router.Put("/api/records/{entity}/{id}", recordsHandler.Update)
	router.Delete("/api/records/{entity}/{id}", recordsHandler.Delete)

	router.Get("/ws", HandleWebSocket(hub))

	server := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%s", cfg.ServerPort),
		Handler: router,
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logging.Info("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
		cancel()
	}()

	logging.Info("offsync daemon starting", map[string]interface{}{
		"port":    cfg.ServerPort,
		"api_url": cfg.APIBaseURL,
		"data":    cfg.DataDir,
	})
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Error("Server error", err)
		os.Exit(1)
	}

	logging.Info("Server stopped gracefully")
}
