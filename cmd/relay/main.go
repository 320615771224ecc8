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

	"github.com/Guizzs26/go-outbox-relay/internal/broker"
	"github.com/Guizzs26/go-outbox-relay/internal/config"
	"github.com/Guizzs26/go-outbox-relay/internal/db"
	"github.com/Guizzs26/go-outbox-relay/internal/httpapi"
	"github.com/Guizzs26/go-outbox-relay/internal/lock"
	"github.com/Guizzs26/go-outbox-relay/internal/publisher"
	"github.com/Guizzs26/go-outbox-relay/internal/service"
	"github.com/Guizzs26/go-outbox-relay/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	if err := cfg.Validate(); err != nil {
		logger.Error("CRITICAL: invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.RunMigrations {
		if err := db.RunMigrations(cfg.DatabaseURL, logger); err != nil {
			return err
		}
	}

	store, err := db.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	pub, conn := buildPublisher(ctx, cfg, logger)
	if conn != nil {
		defer func() {
			if err := conn.Disconnect(); err != nil {
				logger.Warn("broker disconnect returned an error", "error", err)
			}
		}()
	}

	worker := service.NewOutboxWorker(store, pub, service.WorkerConfig{
		ProcessingInterval: cfg.Outbox.ProcessingInterval,
		BatchSize:          cfg.Outbox.BatchSize,
		MaxAttempts:        cfg.Outbox.MaxAttempts,
		Concurrency:        cfg.Outbox.Concurrency,
	}, logger)

	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		expiry := lock.ExpiryFor(worker.Config().PublishBound())
		worker.WithLocker(lock.NewRedisLocker(client, "", expiry, logger))
		logger.Info("distributed poll lock enabled", "expiry", expiry)
	}

	if err := worker.Start(); err != nil {
		return err
	}

	janitor := service.NewJanitor(store, cfg.Outbox.Retention, cfg.Outbox.MaintenanceInterval, cfg.Outbox.MaxAttempts, logger)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		janitor.Run(ctx)
	}()

	var ops httpapi.Broker
	if conn != nil {
		ops = conn
	}
	server := httpapi.NewServer(cfg.MetricsPort, httpapi.NewHandler(worker, store, ops, logger).Routes())
	go func() {
		logger.Info("📊 Operator server online", "url", "http://localhost:"+cfg.MetricsPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("operator server failed", "error", err)
		}
	}()

	logger.Info("🚀 Outbox relay started", "pid", os.Getpid(), "publisher", cfg.PublisherMode)

	<-ctx.Done()
	logger.Info("🛑 Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := worker.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker did not stop cleanly", "error", err)
	}
	_ = server.Shutdown(shutdownCtx)
	<-janitorDone

	logger.Info("✅ Shutdown complete")
	return nil
}

// buildPublisher returns the broker connection too when one is used, so callers can close it
func buildPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (service.EventPublisher, *broker.Connection) {
	if cfg.PublisherMode == config.PublisherMemory {
		logger.Warn("PUBLISHER_MODE=memory: events are only logged, nothing reaches a broker")
		return publisher.NewMemoryPublisher(logger), nil
	}

	rmq := cfg.RabbitMQ
	conn := broker.NewConnection(broker.ConnectionConfig{
		URL:                rmq.URL(),
		Exchange:           rmq.Exchange,
		DeadLetterExchange: rmq.DeadLetterExchange,
		DeadLetterQueue:    rmq.DeadLetterQueue,
		Heartbeat:          rmq.Heartbeat,
		ConnectionTimeout:  rmq.ConnectionTimeout,
		MaxRetries:         rmq.MaxRetries,
		RetryDelay:         rmq.RetryDelay,
	}, logger)

	// the outbox keeps events durable until the broker shows up
	if err := conn.Connect(ctx); err != nil {
		logger.Warn("broker unavailable at startup, reconnecting in background", "error", err)
	}

	return publisher.NewBrokerPublisher(conn, rmq.Exchange, rmq.RoutingKeyPrefix, publisher.DefaultBreakerSettings(), logger), conn
}
