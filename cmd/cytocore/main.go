package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cytocore/internal/adapters/reports"
	"cytocore/internal/blob"
	"cytocore/internal/checkpoint"
	"cytocore/internal/core"
	"cytocore/internal/csvload"
	"cytocore/internal/logx"
)

func main() {
	var (
		addr    = flag.String("addr", ":8080", "listen address")
		csvPath = flag.String("csv", "cell-count.csv", "path to the bootstrap dataset CSV")
		lockTTL = flag.Duration("lock-ttl", 30*time.Second, "init lock TTL before stale reclamation")
	)
	flag.Parse()
	if env := os.Getenv("CYTOCORE_CSV_PATH"); env != "" {
		*csvPath = env
	}

	logger := logx.NewLogger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := core.OpenPersistentStore(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("open persistent store")
	}
	defer func() { _ = store.Close() }()

	blobStore, err := blob.Open(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("open checkpoint store")
	}
	checkpoints := checkpoint.NewManager(blobStore)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := core.NewMetrics(registry)

	source := func(ctx context.Context) ([]core.SampleRecord, error) {
		f, err := os.Open(*csvPath)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		return csvload.Parse(f)
	}

	cache := core.NewCache()
	orchestrator := core.NewOrchestrator(store, cache, source, metrics, logger, core.OrchestratorConfig{
		LockTTL: *lockTTL,
	})
	service := core.NewService(store, cache, checkpoints, metrics, logger)

	// Initialize eagerly so the first request is not the one paying for the
	// load. Failure is not fatal: EnsureReady re-runs on every read.
	if err := orchestrator.EnsureReady(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup initialization incomplete, will retry on demand")
	}

	mux := http.NewServeMux()
	mux.Handle("/", reports.NewHandler(orchestrator, service, logger))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("holder", orchestrator.Holder()).Msg("cytocore listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}
