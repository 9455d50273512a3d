package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"resume-collab/internal/api"
	"resume-collab/internal/config"
	"resume-collab/internal/db"
	"resume-collab/internal/document"
	"resume-collab/internal/persistence"
	"resume-collab/internal/realtime"
	"resume-collab/internal/repository"
	"resume-collab/internal/services"
	"resume-collab/internal/services/editor"
	"resume-collab/internal/telemetry"
	"resume-collab/internal/transport"

	"github.com/sirupsen/logrus"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection
2. Concurrent server and worker pool management
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order: stop taking requests, flush editors,
   drain the mirror, then close the bus and the stores
*/

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("❌ Failed to load config: %v", err)
	}

	log := telemetry.NewLogger(cfg.LogLevel)
	log.Info("🚀 Starting resume collaboration server...")

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("resume-collab", cfg.JaegerEndpoint)
	if err != nil {
		log.Warnf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Warnf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize GORM database
	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Initialize repositories
	snapshotRepo := repository.NewSnapshotRepository(database.DB)
	configRepo := repository.NewResumeConfigRepository(database.DB)
	persist := persistence.NewAdapter(snapshotRepo, configRepo, log)

	// Local replicas survive restarts so reopening a resume costs no network
	replicas, err := document.OpenBoltReplicaStore(cfg.ReplicaPath)
	if err != nil {
		log.Fatalf("❌ Failed to open replica store: %v", err)
	}
	defer replicas.Close()
	store := document.NewStore(replicas, document.WithLogger(log))

	// The relay hub lets other processes use this one as their websocket bus
	hub := realtime.NewHub(log)
	hub.Start()

	bus, closeBus, err := openBus(cfg, log)
	if err != nil {
		log.Fatalf("❌ Failed to open %s transport: %v", cfg.Transport, err)
	}
	rt := transport.NewClient(bus, transport.Options{
		Heartbeat: cfg.PresenceHeartbeat,
		Timeout:   cfg.PresenceTimeout,
		Logger:    log,
	})
	log.WithField("transport", cfg.Transport).Info("✓ Collaboration transport ready")

	// Initialize mirror service with worker pool
	// Learning: This creates the worker pool but doesn't start it yet
	mirror := services.NewMirrorService(configRepo, cfg.MirrorWorkers, cfg.MirrorQueueSize, log)
	mirror.Start()

	editors := editor.NewRegistry(editor.Deps{
		Store:       store,
		Persistence: persist,
		Realtime:    rt,
	}, editor.Options{
		AutosaveDelay:       cfg.AutosaveDelay,
		SaveTimeout:         cfg.SaveTimeout,
		AntiEntropyInterval: cfg.AntiEntropyInterval,
		ShareBaseURL:        cfg.ShareBaseURL,
		Logger:              log,
	})
	editors.OnSaved(mirror.OnSaved)

	// Initialize handlers with dependency injection
	handler := api.NewHandler(editors, mirror, realtime.NewHandler(hub), log)
	router := api.SetupRoutes(handler)

	// Configure HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in a goroutine
	// Learning: This allows us to handle shutdown signals concurrently
	go func() {
		log.Infof("🌐 Server listening on http://%s", addr)
		log.Info("📚 API Endpoints:")
		log.Info("   POST   /api/resumes/:id/open                      - Open resume")
		log.Info("   GET    /api/resumes/:id                           - Resume state")
		log.Info("   PATCH  /api/resumes/:id/sections/:section         - Merge section fields")
		log.Info("   PUT    /api/resumes/:id/order                     - Reorder sections")
		log.Info("   POST   /api/resumes/:id/visibility/:section/toggle - Toggle section")
		log.Info("   POST   /api/resumes/:id/sync                      - Save now")
		log.Info("   POST   /api/resumes/:id/share                     - Start sharing")
		log.Info("   POST   /api/resumes/:id/join                      - Join session")
		log.Info("   DELETE /api/resumes/:id/share                     - Stop sharing")
		log.Info("   DELETE /api/resumes/:id                           - Close resume")
		log.Info("   GET    /realtime                                  - Relay websocket")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	// Learning: This is the graceful shutdown pattern
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("🛑 Shutting down server...")

	// Learning: Give the server 30 seconds to finish existing requests
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Warnf("⚠️  Server forced to shutdown: %v", err)
	}

	// Editors leave their sessions and write unsaved changes
	if err := editors.Shutdown(ctx); err != nil {
		log.Warnf("⚠️  Some editors failed to flush: %v", err)
	}

	// Learning: This waits for workers to finish their current jobs
	mirror.Shutdown()

	if err := closeBus(); err != nil {
		log.Warnf("⚠️  Failed to close transport: %v", err)
	}
	hub.Shutdown()

	log.Info("✓ Server shutdown complete")
}

// openBus builds the pub/sub substrate named by cfg.Transport
func openBus(cfg *config.Config, log logrus.FieldLogger) (transport.Bus, func() error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.Transport {
	case config.TransportRedis:
		client, err := transport.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return transport.NewRedisBus(client, "resume-collab:", log), client.Close, nil
	case config.TransportWebSocket:
		bus, err := transport.DialWebSocketBus(ctx, cfg.RealtimeURL, log)
		if err != nil {
			return nil, nil, err
		}
		return bus, bus.Close, nil
	default:
		bus := transport.NewMemoryBus(log)
		return bus, bus.Close, nil
	}
}
