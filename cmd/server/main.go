package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wikicollab/internal/api"
	"wikicollab/internal/auth"
	"wikicollab/internal/config"
	"wikicollab/internal/db"
	"wikicollab/internal/presence"
	"wikicollab/internal/repository"
	"wikicollab/internal/services/collaboration"
	"wikicollab/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection
2. Concurrent server and worker pool management
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order

Websocket connections are hijacked, so http.Server.Shutdown does not wait
for them. The collaboration service closes them itself (1001) and writes
every unsaved document before the database goes away.
*/

func main() {
	log.Println("🚀 Starting wiki collaboration server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("wikicollab", cfg.NodeID, cfg.JaegerEndpoint, cfg.JaegerSampleRatio)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	redisStore, err := presence.NewRedisStore(cfg.RedisURL, presence.Options{
		PresenceTTL: cfg.PresenceTTL,
		CacheTTL:    cfg.CacheTTL,
	})
	if err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	defer redisStore.Close()

	pageRepo := repository.NewPageRepository(database.DB)
	permRepo := repository.NewPermissionRepository(database.DB)

	// Learning: This creates the worker pool but doesn't start it yet
	persister := collaboration.NewPersister(pageRepo, cfg.PersistWorkers, cfg.PersistQueueSize)

	collabService := collaboration.NewService(collaboration.Config{
		InactivityTimeout: cfg.InactivityTimeout,
		CleanupInterval:   cfg.CleanupInterval,
		FlushEvery:        cfg.FlushEvery,
		SendBufferSize:    cfg.SendBufferSize,
		NodeID:            cfg.NodeID,
	}, pageRepo, redisStore, permRepo, persister)

	// Starts the persistence workers and the inactivity sweeper
	collabService.Start()

	verifier := auth.NewVerifier(cfg.JWTSecret)
	wsHandler := collaboration.NewWebSocketHandler(collabService, verifier, cfg.AllowedOrigins)

	handler := api.NewHandler(collabService, permRepo, verifier, wsHandler, redisStore)
	router := api.SetupRoutes(handler, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Learning: This allows us to handle shutdown signals concurrently
	go func() {
		log.Printf("🌐 Server listening on http://%s (node %s)", cfg.Addr(), cfg.NodeID)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /ws/documents/:id                                 - Collaborate on a document")
		log.Printf("   GET    /api/documents/:id/collaboration                  - Live collaboration stats")
		log.Printf("   POST   /api/documents/:id/collaboration/flush            - Persist now")
		log.Printf("   DELETE /api/documents/:id/collaboration/sessions/:userID - Disconnect a user")
		log.Printf("   GET    /api/health                                       - Health check")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new connections first
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Learning: Closes every websocket, flushes dirty documents, then drains the workers
	collabService.Stop(ctx)

	log.Println("✓ Server shutdown complete")
}
