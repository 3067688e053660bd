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

	"gigflow/auth"
	"gigflow/config"
	"gigflow/db"
	"gigflow/dispute"
	"gigflow/ledger"
	"gigflow/metrics"
	"gigflow/notify"
	"gigflow/processor"
	"gigflow/task"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	provider := processor.NewSandbox(logger)
	ledgerService := ledger.NewService(pool, ledger.NewRepository(pool), provider, recorder, logger, cfg.PlatformFeeBps)
	taskService := task.NewService(pool, task.NewRepository(pool), ledgerService, recorder)
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), ledgerService, recorder)

	reconciler, err := ledger.NewReconciler(ledgerService, logger, cfg.HoldPendingTTL, cfg.ReconcileInterval)
	if err != nil {
		return err
	}
	if err := reconciler.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := reconciler.Stop(); err != nil {
			logger.Error("stop reconciler", "error", err)
		}
	}()

	var notifier notify.Notifier
	if cfg.NATSURL != "" {
		natsNotifier, err := notify.NewNATSNotifier(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer natsNotifier.Close()
		notifier = natsNotifier
		logger.Info("outbox notifier", "backend", "nats", "url", cfg.NATSURL)
	} else {
		notifier = notify.NewLogNotifier(logger)
		logger.Info("outbox notifier", "backend", "log")
	}
	dispatcher := notify.NewDispatcher(pool, notifier, recorder, logger, 500*time.Millisecond)
	dispatcherDone := make(chan error, 1)
	go func() { dispatcherDone <- dispatcher.Run(ctx) }()

	server := NewServer(authService, taskService, ledgerService, disputeService, recorder, registry, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.HTTPAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := <-dispatcherDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("outbox dispatcher", "error", err)
	}
	return nil
}
