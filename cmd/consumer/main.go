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
	"github.com/Guizzs26/go-outbox-relay/internal/events"
	"github.com/Guizzs26/go-outbox-relay/internal/lock"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/internal/processor"
	"github.com/Guizzs26/go-outbox-relay/internal/service"
	"github.com/Guizzs26/go-outbox-relay/pkg/encoding"
	"github.com/Guizzs26/go-outbox-relay/pkg/infra"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const dedupTTL = 24 * time.Hour

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

	logger.Info("🔥 Consumer initializing...", "queue", cfg.RabbitMQ.Queue, "dlq", cfg.RabbitMQ.DeadLetterQueue)

	store, err := db.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("CRITICAL: Postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	dedup, closeDedup := buildDeduper(ctx, cfg, logger)
	defer closeDedup()

	handler := processor.NewEventHandler(events.DefaultRegistry(), dedup, logger)
	registerNotifications(handler, logger)
	feedback := service.NewFeedbackService(store, logger)

	topology := broker.Topology{
		Exchange:           cfg.RabbitMQ.Exchange,
		DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
		DeadLetterQueue:    cfg.RabbitMQ.DeadLetterQueue,
	}

	bindings := make([]string, 0)
	for _, t := range handler.EventTypes() {
		bindings = append(bindings, encoding.RoutingKey(cfg.RabbitMQ.RoutingKeyPrefix, t))
	}

	go startObservabilityServer("9091", logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		consumeLoop(gctx, cfg.RabbitMQ.URL(), topology, broker.QueueSpec{
			Name:        cfg.RabbitMQ.Queue,
			BindingKeys: bindings,
			Prefetch:    10,
		}, handler, logger)
		return nil
	})
	g.Go(func() error {
		consumeLoop(gctx, cfg.RabbitMQ.URL(), topology, broker.QueueSpec{
			Name:         cfg.RabbitMQ.DeadLetterQueue,
			BindingKeys:  []string{"#"},
			Prefetch:     1,
			NoDeadLetter: true,
		}, broker.HandlerFunc(feedback.Handle), logger)
		return nil
	})

	_ = g.Wait()
	logger.Info("✅ Consumer stopped")
}

// consumeLoop keeps one queue subscribed, rebuilding the AMQP connection with backoff when it drops
func consumeLoop(ctx context.Context, url string, topology broker.Topology, spec broker.QueueSpec, h broker.Handler, logger *slog.Logger) {
	l := logger.With("queue", spec.Name)
	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		select {
		case <-ctx.Done():
			l.Info("🛑 Shutdown signal received")
			return
		default:
		}

		consumer, err := broker.NewConsumer(url, topology, logger)
		if err != nil {
			wait := connBackoff.Next()
			l.Error("RabbitMQ connection failed, retrying...", "wait_duration", wait, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		connBackoff.Reset()
		l.Info("✅ Connected to Broker. Listening for events...")

		if err := consumer.Listen(ctx, spec, h); err != nil {
			l.Error("⚠️ Consumer connection lost", "error", err)
		}
		consumer.Close()
	}
}

func buildDeduper(ctx context.Context, cfg *config.Config, logger *slog.Logger) (processor.Deduper, func()) {
	if cfg.RedisURL == "" {
		return processor.NewMemoryDeduper(dedupTTL), func() {}
	}

	client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		// the handlers tolerate duplicates in a single replica; keep going in memory
		logger.Warn("redis unavailable, falling back to in-memory dedup", "error", err)
		return processor.NewMemoryDeduper(dedupTTL), func() {}
	}
	return processor.NewRedisDeduper(client, "listas:consumed", dedupTTL), func() { _ = client.Close() }
}

// registerNotifications subscribes the notification fan-out of the shopping-list app
func registerNotifications(h *processor.EventHandler, logger *slog.Logger) {
	h.On(events.InvitacionEnviada, func(ctx context.Context, env models.Envelope, payload any) error {
		inv := payload.(events.InvitacionEnviadaData)
		if inv.EmailDestino == "" {
			return broker.Permanent(errors.New("invitation without recipient"))
		}
		logger.InfoContext(ctx, "📨 sending invitation",
			"lista_id", inv.ListaID,
			"email", inv.EmailDestino,
			"rol", inv.Rol,
		)
		return nil
	})

	h.On(events.ProductoComprado, func(ctx context.Context, env models.Envelope, payload any) error {
		p := payload.(events.ProductoCompradoData)
		logger.InfoContext(ctx, "🛒 notifying list members of purchase",
			"lista_id", p.ListaID,
			"producto_id", p.ProductoID,
			"cantidad", p.Cantidad,
			"comprado_por", p.CompradoPor,
		)
		return nil
	})

	h.On(events.ListaEliminada, func(ctx context.Context, env models.Envelope, payload any) error {
		p := payload.(events.ListaEliminadaData)
		logger.InfoContext(ctx, "🗑️ notifying members that the list was removed",
			"lista_id", p.ListaID,
			"aggregate_id", env.AggregateID,
		)
		return nil
	})
}

func startObservabilityServer(port string, logger *slog.Logger) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("CONSUMER ALIVE"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("📊 Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Observability server failed", "error", err)
	}
}
