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

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/candle-collector/internal/cache"
	"github.com/ahmethakanbesel/candle-collector/internal/collector"
	"github.com/ahmethakanbesel/candle-collector/internal/config"
	"github.com/ahmethakanbesel/candle-collector/internal/job"
	"github.com/ahmethakanbesel/candle-collector/internal/market"
	"github.com/ahmethakanbesel/candle-collector/internal/platform/sqlite"
	"github.com/ahmethakanbesel/candle-collector/internal/probe"
	candlerepo "github.com/ahmethakanbesel/candle-collector/internal/repository/candle"
	jobrepo "github.com/ahmethakanbesel/candle-collector/internal/repository/job"
	"github.com/ahmethakanbesel/candle-collector/internal/server"
	"github.com/ahmethakanbesel/candle-collector/internal/telemetry"
	"github.com/ahmethakanbesel/candle-collector/internal/upstream/bridge"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	// Root context: cancelled on SIGINT/SIGTERM so running collections stop
	// at the next batch boundary.
	rootCtx, rootCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	catalog := market.DefaultCatalog()
	if cfg.InstrumentsFile != "" {
		catalog, err = market.LoadCatalog(cfg.InstrumentsFile)
		if err != nil {
			slog.Error("failed to load instrument catalog", "path", cfg.InstrumentsFile, "error", err)
			os.Exit(1)
		}
	}

	mp, shutdownMetrics, err := telemetry.Init(rootCtx, "candle-collector", cfg.MetricsExport, time.Minute)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()
	metrics, err := telemetry.NewMetrics(mp)
	if err != nil {
		slog.Error("failed to create metrics", "error", err)
		os.Exit(1)
	}

	snapshots := job.NopCache
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(cfg.RedisURL, cfg.SnapshotTTL)
		if err != nil {
			slog.Error("failed to configure redis", "error", err)
			os.Exit(1)
		}
		defer func() { _ = rc.Close() }()
		if err := rc.Ping(rootCtx); err != nil {
			slog.Warn("redis unreachable, snapshots will miss until it recovers", "error", err)
		}
		snapshots = rc
	}

	// Repositories
	jobRepo := jobrepo.NewRepository(db.DB)
	candleRepo := candlerepo.NewRepository(db.DB)

	// Upstream
	client := bridge.New(
		bridge.WithBaseURL(cfg.Bridge.URL),
		bridge.WithTimeout(cfg.Bridge.Timeout),
		bridge.WithRateLimit(cfg.Bridge.RPS),
	)
	prober := probe.New(client,
		probe.WithMaxDepthYears(cfg.Engine.ProbeMaxDepthYears),
		probe.WithWindowDays(cfg.Engine.ProbeWindowDays),
		probe.WithMetrics(metrics),
	)
	col := collector.New(jobRepo, client, prober,
		collector.WithSink(candleRepo),
		collector.WithCache(snapshots),
		collector.WithMetrics(metrics),
		collector.WithRetry(cfg.Engine.RetryAttempts, cfg.Engine.RetryBackoff),
		collector.WithOutageThreshold(cfg.Engine.OutageThreshold),
	)

	jobSvc := job.NewService(jobRepo, catalog,
		job.WithCache(snapshots),
		job.WithMetrics(metrics),
		job.WithLimits(job.Limits{
			DefaultBatchSize: cfg.Engine.DefaultBatchSize,
			MaxBatchSize:     cfg.Engine.MaxBatchSize,
			ProbeDepthYears:  cfg.Engine.ProbeMaxDepthYears,
		}),
	)

	// Re-queue jobs interrupted by the previous shutdown before workers start.
	if err := jobSvc.RecoverStaleJobs(rootCtx); err != nil {
		slog.Error("failed to recover stale jobs", "error", err)
	}

	pool := job.NewWorkerPool(jobRepo, col, cfg.Workers, job.WithPollInterval(cfg.PollInterval))
	jobSvc.SetNotify(pool.Notify)

	srv := server.New(rootCtx, cfg.Port, server.Deps{Jobs: jobSvc, Store: db, Upstream: client})

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("server started", "port", cfg.Port, "workers", cfg.Workers, "bridge", cfg.Bridge.URL)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Workers leave their jobs running; the next start re-queues them.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
