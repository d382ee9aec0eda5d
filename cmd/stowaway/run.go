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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/eugener/stowaway/internal/agent"
	"github.com/eugener/stowaway/internal/cache"
	"github.com/eugener/stowaway/internal/circuitbreaker"
	"github.com/eugener/stowaway/internal/config"
	"github.com/eugener/stowaway/internal/network"
	"github.com/eugener/stowaway/internal/server"
	"github.com/eugener/stowaway/internal/storage"
	"github.com/eugener/stowaway/internal/storage/sqlite"
	"github.com/eugener/stowaway/internal/telemetry"
	"github.com/eugener/stowaway/internal/worker"
)

func run(configPath string, installOnly bool) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Info("starting stowaway", "version", version, "addr", cfg.Server.Addr, "cache", cfg.Agent.CacheName)

	ctx := context.Background()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, version, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Metrics
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Open storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	manifest, err := config.ResolveManifest(cfg.Agent)
	if err != nil {
		return err
	}

	// Network
	var resolver *dnscache.Resolver
	if cfg.Network.DNSCache {
		resolver = &dnscache.Resolver{}
	}
	var (
		breakers *circuitbreaker.Hosts
		netOpts  []network.Option
	)
	if cb := cfg.Network.CircuitBreaker; cb.Enabled {
		breakers = circuitbreaker.NewHosts(circuitbreaker.Config{
			ErrorThreshold: cb.ErrorThreshold,
			MinSamples:     cb.MinSamples,
			Window:         cb.Window,
			OpenTimeout:    cb.OpenTimeout,
		})
		netOpts = append(netOpts, network.WithBreakers(breakers))
	}
	client, err := network.New(cfg.Agent.Origin, network.NewTransport(resolver), netOpts...)
	if err != nil {
		return err
	}

	// Wire agent
	writer := worker.NewCacheWriter(store, metrics)
	a, err := agent.New(agent.Config{
		CacheName:     cfg.Agent.CacheName,
		Manifest:      manifest,
		MaxStoreBytes: cfg.Agent.MaxStoreBytes,
	}, agent.Capabilities{
		Storage: store,
		Network: client,
		Writer:  writer,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	// Lifecycle: install must succeed before the agent takes over.
	if err := a.Install(ctx); err != nil {
		return err
	}
	if err := a.Activate(ctx); err != nil {
		return err
	}
	if installOnly {
		slog.Info("install complete", "cache", cfg.Agent.CacheName, "entries", len(manifest))
		return nil
	}

	// Background workers
	workers := []worker.Worker{writer}
	if resolver != nil {
		workers = append(workers, worker.NewDNSRefresher(resolver, cfg.Network.DNSRefresh))
	}
	if breakers != nil {
		workers = append(workers, worker.NewBreakerSweeper(breakers, time.Minute, 10*time.Minute))
	}
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	workerErrCh := make(chan error, 1)
	go func() {
		workerErrCh <- worker.NewRunner(workers...).Run(workerCtx)
	}()

	// Create HTTP server
	handler := server.New(server.Deps{
		Agent:          a,
		Origin:         client.Origin(),
		ReadyCheck:     store.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("stowaway ready", "addr", cfg.Server.Addr, "origin", client.Origin().Redacted())

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErrCh:
		return err
	}

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	shutdownErr := srv.Shutdown(shutdownCtx)

	// Stop workers after the listener so queued writes drain.
	cancelWorkers()
	if err := <-workerErrCh; err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if shutdownErr != nil {
		return shutdownErr
	}

	slog.Info("stowaway stopped")
	return nil
}

// openStorage creates the configured store backend.
func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.New(cfg.DSN)
	case "memory":
		return cache.NewMemory(cfg.MaxEntries)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
