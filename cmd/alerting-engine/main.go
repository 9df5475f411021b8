package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"opswatch-backend/internal/alerting"
	"opswatch-backend/internal/api"
	"opswatch-backend/internal/bus"
	"opswatch-backend/internal/config"
	"opswatch-backend/internal/manager"
	"opswatch-backend/internal/metrics"
	"opswatch-backend/internal/tsdb"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := newStore(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to init store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	var publisher bus.Publisher = bus.NoopPublisher{}
	if cfg.Bus.Enabled {
		natsPub, err := bus.NewNATSPublisher(cfg.Bus.URL)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("url", cfg.Bus.URL), slog.Any("error", err))
			os.Exit(1)
		}
		publisher = natsPub
	}
	defer publisher.Close()

	dispatcher := alerting.NewDispatcher(logger, alerting.DispatcherConfig{
		Timeout:         cfg.Notify.Timeout,
		WebhookAttempts: cfg.Notify.WebhookAttempts,
		WebhookBackoff:  cfg.Notify.WebhookBackoff,
	})

	mgr := manager.New(manager.Config{
		EvaluationInterval: cfg.Manager.EvaluationInterval,
		DetectionInterval:  cfg.Manager.DetectionInterval,
		AnomalyDetection:   cfg.Manager.AnomalyDetection,
	}, logger, store, publisher, dispatcher)

	if cfg.Manager.InstallDefaults {
		if err := mgr.InitializeDefaults(); err != nil {
			logger.Error("failed to install defaults", slog.Any("error", err))
			os.Exit(1)
		}
	}

	mgr.Start()
	defer mgr.Stop()

	handler := &api.Handler{Manager: mgr, Logger: logger, Timeout: 5 * time.Second}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:    cfg.Server.MetricsAddress,
		Handler: promhttp.Handler(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("management API listening", slog.String("address", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("metrics listening", slog.String("address", cfg.Server.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", slog.Any("error", err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown", slog.Any("error", err))
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newStore(ctx context.Context, cfg config.StoreConfig) (tsdb.Store, func(), error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := tsdb.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return tsdb.NewMemoryStore(cfg.MaxPoints), func() {}, nil
	}
}
