package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cursorgate/cursorgate/internal/app"
	"github.com/cursorgate/cursorgate/internal/auth"
	"github.com/cursorgate/cursorgate/internal/checksum"
	"github.com/cursorgate/cursorgate/internal/config"
	"github.com/cursorgate/cursorgate/internal/cursor"
	"github.com/cursorgate/cursorgate/internal/models"
	"github.com/cursorgate/cursorgate/internal/proxypool"
	"github.com/cursorgate/cursorgate/internal/server"
	"github.com/cursorgate/cursorgate/internal/storage/sqlite"
	"github.com/cursorgate/cursorgate/internal/telemetry"
	"github.com/cursorgate/cursorgate/internal/token"
	"github.com/cursorgate/cursorgate/internal/tokencount"
	"github.com/cursorgate/cursorgate/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	slog.Info("starting cursorgate", "version", version, "addr", cfg.Server.Addr)

	// Checksum fabric: safe-hash mode plus the rotating timestamp header.
	checksum.SetSafeMode(cfg.Cursor.SafeHashEnabled())
	checksum.RefreshHeader(time.Now())

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	// Outbound clients: config-declared proxies first; the persister
	// layers persisted admin additions on top during restore.
	proxies := proxypool.New(cfg.Cursor.ServiceTimeout, cfg.Cursor.TCPKeepAlive)
	for _, p := range cfg.Proxies {
		kind, err := proxypool.ParseKind(p.Kind)
		if err != nil {
			return err
		}
		if err := proxies.Add(p.Name, kind, p.URL); err != nil {
			return err
		}
		if p.General {
			if err := proxies.SetGeneral(p.Name); err != nil {
				return err
			}
		}
	}

	// Credential plumbing.
	pool := token.NewPool()
	parser := token.NewParser(cfg.Cursor.AllowedProviders, cfg.Auth.TokenDelimiter)
	tokens := app.NewTokenManager()
	logs := app.NewLogManager(cfg.Logs.Limit)

	persister := &app.Persister{
		Store:   store,
		Tokens:  tokens,
		Logs:    logs,
		Parser:  parser,
		Pool:    pool,
		Proxies: proxies,
	}
	if err := persister.Restore(ctx); err != nil {
		return err
	}

	// Telemetry.
	var metrics *telemetry.Metrics
	var promReg *prometheus.Registry
	if cfg.Telemetry.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Upstream protocol.
	upstream := cursor.NewClient(cursor.ClientConfig{
		UpstreamHost:     cfg.Cursor.UpstreamHost,
		ReverseProxyHost: cfg.Cursor.ReverseProxyHost,
		ClientVersion:    cfg.Cursor.ClientVersion,
		DefaultTimezone:  cfg.Cursor.Timezone,
		ServiceTimeout:   cfg.Cursor.ServiceTimeout,
	}, proxies)

	registry := models.NewRegistry(cfg.Cursor.BypassModels)

	chat := &app.ChatService{
		Models:          registry,
		Client:          upstream,
		Logs:            logs,
		Counter:         tokencount.NewCounter(),
		Metrics:         metrics,
		Vision:          cursor.ParseVisionPolicy(cfg.Vision.Policy),
		LongContext:     cfg.Cursor.LongContext,
		RealUsage:       cfg.Cursor.RealUsage,
		DefaultTimezone: cfg.Cursor.Timezone,
		ServiceTimeout:  cfg.Cursor.ServiceTimeout,
	}

	admitter, err := auth.New(auth.Config{
		AdminToken:   cfg.Auth.AdminToken,
		ShareToken:   cfg.Auth.ShareToken,
		ShareEnabled: cfg.Auth.ShareEnabled,
		KeyPrefix:    cfg.Auth.KeyPrefix,
		DynamicKeys:  cfg.Auth.DynamicKeys,
		Metrics:      metrics,
	}, tokens, logs, parser, pool)
	if err != nil {
		return err
	}

	handler := server.New(server.Deps{
		Config:   cfg,
		Admitter: admitter,
		Chat:     chat,
		Tokens:   tokens,
		Logs:     logs,
		Models:   registry,
		Proxies:  proxies,
		Parser:   parser,
		Pool:     pool,
		Upstream: upstream,
		Metrics:  metrics,
		PromReg:  promReg,
	})

	// Background workers.
	workers := []worker.Worker{
		worker.NewChecksumRotator(),
		worker.NewSnapshotWorker(persister, time.Minute),
	}
	if metrics != nil {
		workers = append(workers, worker.NewGaugeWorker(metrics, pool, logs))
	}
	runner := worker.NewRunner(workers...)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("cursorgate ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		<-workerDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers flush their final snapshot on cancellation.
	stopWorkers()
	if err := <-workerDone; err != nil {
		return err
	}

	slog.Info("cursorgate stopped")
	return nil
}
