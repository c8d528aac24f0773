// Package main is the entry point for the anchoring pipeline API server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/masterip/craftanchor/internal/attest"
	"github.com/masterip/craftanchor/internal/config"
	"github.com/masterip/craftanchor/internal/database"
	"github.com/masterip/craftanchor/internal/handler"
	"github.com/masterip/craftanchor/internal/ledger"
	"github.com/masterip/craftanchor/internal/middleware"
	"github.com/masterip/craftanchor/internal/repository"
	"github.com/masterip/craftanchor/internal/service"
)

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger.Info("Starting CraftAnchor API",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	// Connect to MongoDB
	db, err := database.NewMongo(cfg.Mongo)
	if err != nil {
		log.Fatalf("Failed to connect to mongodb: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to MongoDB")

	// Indexes back dedup and lease atomicity; create them before serving.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := db.EnsureIndexes(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to ensure indexes: %v", err)
	}
	cancel()
	logger.Info("Indexes ensured")

	// Connect to Redis
	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	// Load the platform attestation key pair
	signer, err := attest.NewSigner(cfg.Signer.KeyPath, cfg.Signer.PlatformPubKey)
	if err != nil {
		log.Fatalf("Failed to load attestation keys: %v", err)
	}

	// Ledger client (verification reads only; the batcher owns writes)
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 15*time.Second)
	chain, err := ledger.NewClient(dialCtx, cfg.Web3)
	dialCancel()
	if err != nil {
		log.Fatalf("Failed to create ledger client: %v", err)
	}
	defer chain.Close()
	logger.Info("Connected to ledger RPC")

	// Wire repositories and services
	records := repository.NewCraftIDRepository(db)
	queue := repository.NewAnchorQueueRepository(db)
	similarity := service.NewRedisSimilaritySink(redis, 24*time.Hour)

	intake := service.NewIntakeService(service.IntakeConfig{
		Records:     records,
		Queue:       queue,
		Sequencer:   db,
		Signer:      signer,
		Similarity:  similarity,
		Logger:      logger,
		OpTimeout:   cfg.Mongo.OperationTimeout,
		DefaultSalt: cfg.Signer.DefaultSalt,
	})
	verify := service.NewVerifyService(records, chain, logger, cfg.Mongo.OperationTimeout)

	craftIDHandler := handler.NewCraftIDHandler(intake, verify, db, cfg.Server.BaseURL)

	// Setup router
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(middleware.Metrics())

	// Health check endpoints
	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, redis))
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))
		r.Mount("/", craftIDHandler.Routes())
	})

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}

// healthHandler reports liveness only.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler verifies the store and Redis connections.
func readyHandler(db *database.Mongo, redis *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"mongodb"}`))
			return
		}

		if err := redis.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","mongodb":"connected","redis":"connected"}`))
	}
}
