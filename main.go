package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/app"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/database"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/telemetry"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/metrics"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		migrate    = flag.Bool("migrate", false, "Apply database migrations before starting")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewZapLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *migrate {
		if err := runMigrations(cfg, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("application failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting proaudit engine",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.String("evidence_backend", cfg.Evidence.Backend))

	provider, err := telemetry.InitializeOpenTelemetry(ctx, telemetry.ConfigFrom(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown telemetry", zap.Error(err))
		}
	}()

	registry, err := metrics.NewRegistry("proaudit")
	if err != nil {
		return fmt.Errorf("failed to create metrics registry: %w", err)
	}

	engine, err := app.New(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}
	defer engine.Close()

	ops := newOpsMetrics(engine)
	server := &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           newOpsMux(engine, ops),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("operations listener started", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("operations listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return engine.RunBackground(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runMigrations(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required to migrate")
	}
	m, err := database.NewMigrator(cfg.Database.URL, cfg.Database.MigrationsPath, logger)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}

func newOpsMux(engine *app.App, ops *opsMetrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", ops.handler())
	mux.HandleFunc("/healthz", ops.instrument("healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	mux.HandleFunc("/readyz", ops.instrument("readyz", func(w http.ResponseWriter, r *http.Request) {
		status, body := readiness(r.Context(), engine)
		writeJSON(w, status, body)
	}))
	return mux
}

func readiness(ctx context.Context, engine *app.App) (int, map[string]interface{}) {
	body := map[string]interface{}{"status": "ready"}
	status := http.StatusOK

	if engine.Monitor != nil {
		report := engine.Monitor.Health(ctx)
		body["database"] = report
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
	}
	if engine.Redis != nil {
		if err := engine.Redis.Ping(ctx).Err(); err != nil {
			body["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			body["redis"] = "ok"
		}
	}
	if engine.DLQ != nil {
		body["dead_letter_depth"] = engine.DLQ.Len()
	}
	if status != http.StatusOK {
		body["status"] = "unavailable"
	}
	return status, body
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
