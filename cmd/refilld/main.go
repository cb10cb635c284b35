// Refill - Refill prediction for repeat-purchase retail.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/refill/internal/api"
	"github.com/opensource-finance/refill/internal/bus"
	"github.com/opensource-finance/refill/internal/cache"
	"github.com/opensource-finance/refill/internal/config"
	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/engine"
	"github.com/opensource-finance/refill/internal/repository"
	"github.com/opensource-finance/refill/internal/segment"
	"github.com/opensource-finance/refill/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := os.Getenv("REFILL_CONFIG")
	if configPath == "" {
		configPath = "refill.yaml"
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := config.NewLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting refilld",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"path", configPath,
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"grace_days", cfg.Engine.GraceDays,
		"classifier_basis", cfg.Engine.Classifier.Basis,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", repo.Driver())

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Prediction Engine
	eng := engine.New(cfg.Engine, engine.WithLogger(logger))
	slog.Info("prediction engine initialized", "calculation_version", engine.CalculationVersion)

	// Initialize Segment Engine
	segments, err := segment.NewEngine()
	if err != nil {
		slog.Error("failed to initialize segment engine", "error", err)
		os.Exit(1)
	}
	if err := loadSegments(ctx, repo, segments, cfg.Segments); err != nil {
		slog.Error("failed to load segments", "error", err)
		os.Exit(1)
	}
	slog.Info("segment engine initialized", "segments_count", segments.Count())

	// Initialize Reload Worker
	reloader := worker.NewWorker(busImpl, repo, eng, segments, worker.Config{
		ReloadInterval: time.Duration(cfg.Reload.Interval) * time.Second,
		TopPairs:       cfg.Reload.TopPairs,
	}, logger)
	if err := reloader.Start(); err != nil {
		slog.Error("failed to start reload worker", "error", err)
		os.Exit(1)
	}

	if cfg.Reload.OnStart {
		if _, err := reloader.Reload(ctx, domain.ReloadRequest{RequestedBy: "startup"}); err != nil {
			// The server still starts; /ready reports 503 until a reload succeeds.
			slog.Warn("initial reload failed", "error", err)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Dependencies{
		Repo:        repo,
		Cache:       cacheImpl,
		Bus:         busImpl,
		Engine:      eng,
		Segments:    segments,
		Reloader:    reloader,
		Version:     Version,
		CacheTTL:    cfg.Cache.TTL(),
		AsyncReload: cfg.EventBus.Type == "nats",
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("refilld is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop reload worker first
	if err := reloader.Stop(); err != nil {
		slog.Error("failed to stop reload worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("refilld shutdown complete")
}

// loadSegments stores configured segments that are not yet in the
// database, then loads every stored segment into the engine. Stored
// segments win over configured ones with the same id.
func loadSegments(ctx context.Context, repo domain.Repository, segs *segment.Engine, configured []domain.Segment) error {
	for i := range configured {
		seg := configured[i]
		if _, err := repo.GetSegment(ctx, seg.ID); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err := segs.Validate(&seg); err != nil {
			return fmt.Errorf("configured segment %s: %w", seg.ID, err)
		}
		if err := repo.SaveSegment(ctx, &seg); err != nil {
			return err
		}
		slog.Info("configured segment stored", "segment", seg.ID)
	}

	stored, err := repo.ListSegments(ctx)
	if err != nil {
		return err
	}

	loaded := make([]domain.Segment, 0, len(stored))
	for _, seg := range stored {
		loaded = append(loaded, *seg)
	}
	if len(loaded) == 0 {
		slog.Info("no segments stored - configure via POST /segments API")
	}
	return segs.Reload(loaded)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==========================================")
	fmt.Println("                 REFILL")
	fmt.Println("      Refill Prediction Engine")
	fmt.Println("  ==========================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /refills/overdue              - Overdue refills by status")
	fmt.Println("    GET  /refills/upcoming             - Refills due in the lookahead window")
	fmt.Println("    GET  /refills/likely-lost          - Recovery list by lifetime value")
	fmt.Println("    GET  /refills/compliance           - Backtested prediction accuracy")
	fmt.Println("    GET  /refills/irregular            - Unpredictable purchase patterns")
	fmt.Println("    GET  /customers/{id}/schedule      - Refill schedule of one customer")
	fmt.Println("    GET  /products/{id}/pattern        - Interval statistics of one product")
	fmt.Println("    GET  /pairs                        - Every customer/product pair")
	fmt.Println("    GET  /segments                     - List outreach segments")
	fmt.Println("    POST /segments                     - Create a segment")
	fmt.Println("    POST /transactions                 - Import transactions")
	fmt.Println("    POST /dataset/reload               - Reload the dataset")
	fmt.Println("    GET  /health                       - Health check")
	fmt.Println()
}
