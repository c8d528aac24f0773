// Package main is the entry point for the anchoring batcher worker.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/masterip/craftanchor/internal/batcher"
	"github.com/masterip/craftanchor/internal/config"
	"github.com/masterip/craftanchor/internal/database"
	"github.com/masterip/craftanchor/internal/ledger"
	"github.com/masterip/craftanchor/internal/repository"
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

	logger.Info("Starting anchoring batcher",
		slog.Int("batch_limit", cfg.Batcher.BatchLimit),
		slog.Int("max_retries", cfg.Batcher.MaxRetries),
	)

	// Connect to MongoDB
	db, err := database.NewMongo(cfg.Mongo)
	if err != nil {
		log.Fatalf("Failed to connect to mongodb: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to MongoDB")

	// Ledger client (this process owns all ledger writes)
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 15*time.Second)
	chain, err := ledger.NewClient(dialCtx, cfg.Web3)
	dialCancel()
	if err != nil {
		log.Fatalf("Failed to create ledger client: %v", err)
	}
	defer chain.Close()
	logger.Info("Connected to ledger RPC")

	records := repository.NewCraftIDRepository(db)
	queue := repository.NewAnchorQueueRepository(db)

	worker := batcher.New(queue, records, chain, logger, cfg.Batcher)

	// Metrics endpoint on its own listener; the worker has no API surface.
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port+1),
		Handler: metricsMux(db),
	}
	go func() {
		logger.Info("Metrics listening", slog.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Metrics server error: %v", err)
		}
	}()

	// Cancel on interrupt; Run finishes the in-flight job before returning.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Metrics server shutdown error: %v", err)
	}

	logger.Info("Batcher stopped gracefully")
}

func metricsMux(db *database.Mongo) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
