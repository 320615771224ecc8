package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/broker"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Worker interface {
	HealthCheck() service.WorkerHealth
	Stats() service.WorkerStats
	Config() service.WorkerConfig
	RetryFailedEvents(ctx context.Context) (int64, error)
}

type Store interface {
	HealthCheck(ctx context.Context) models.StoreHealth
	GetStats(ctx context.Context, maxAttempts int) (models.OutboxStats, error)
}

type Broker interface {
	Connect(ctx context.Context) error
	HealthCheck(ctx context.Context) broker.ConnectionHealth
	Stats() broker.ConnectionStats
}

type healthResponse struct {
	Status models.HealthStatus      `json:"status"`
	Worker service.WorkerHealth     `json:"worker"`
	Store  models.StoreHealth       `json:"store"`
	Broker *broker.ConnectionHealth `json:"broker,omitempty"`
}

type statsResponse struct {
	Outbox models.OutboxStats      `json:"outbox"`
	Worker service.WorkerStats     `json:"worker"`
	Broker *broker.ConnectionStats `json:"broker,omitempty"`
}

// Handler serves the operator surface of the relay
type Handler struct {
	worker Worker
	store  Store
	broker Broker
	logger *slog.Logger
}

// NewHandler wires the endpoints. b may be nil when the relay publishes in memory.
func NewHandler(w Worker, s Store, b Broker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{worker: w, store: s, broker: b, logger: logger.With("component", "ops_http")}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.health)
	r.Get("/stats", h.stats)
	r.Post("/outbox/retry-failed", h.retryFailed)
	r.Post("/broker/reconnect", h.reconnect)

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Worker: h.worker.HealthCheck(),
		Store:  h.store.HealthCheck(ctx),
	}
	resp.Status = worst(resp.Worker.Status, resp.Store.Status)

	if h.broker != nil {
		bh := h.broker.HealthCheck(ctx)
		resp.Broker = &bh
		resp.Status = worst(resp.Status, brokerStatus(bh))
	}

	code := http.StatusOK
	if resp.Status == models.HealthError {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	outbox, err := h.store.GetStats(r.Context(), h.worker.Config().MaxAttempts)
	if err != nil {
		h.logger.Error("failed to read outbox stats", "error", err)
		http.Error(w, "outbox stats unavailable", http.StatusInternalServerError)
		return
	}

	resp := statsResponse{Outbox: outbox, Worker: h.worker.Stats()}
	if h.broker != nil {
		bs := h.broker.Stats()
		resp.Broker = &bs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.worker.RetryFailedEvents(r.Context())
	if err != nil {
		h.logger.Error("operator retry failed", "error", err)
		http.Error(w, "retry failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

// brokerStatus maps the connection to a health level. A transient outage is a warning since events
// stay durable in the outbox; a connection that gave up needs an operator reconnect.
func brokerStatus(bh broker.ConnectionHealth) models.HealthStatus {
	switch {
	case bh.State == broker.StateFailed.String():
		return models.HealthError
	case bh.Status != "healthy":
		return models.HealthWarning
	}
	return models.HealthHealthy
}

func (h *Handler) reconnect(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		http.Error(w, "no broker configured", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	resp := map[string]string{}
	code := http.StatusOK
	if err := h.broker.Connect(ctx); err != nil {
		// a failed attempt still schedules background retries
		h.logger.Warn("operator reconnect failed", "error", err)
		resp["error"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	resp["state"] = h.broker.HealthCheck(ctx).State
	writeJSON(w, code, resp)
}

func worst(a, b models.HealthStatus) models.HealthStatus {
	rank := func(s models.HealthStatus) int {
		switch s {
		case models.HealthError:
			return 2
		case models.HealthWarning:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// NewServer builds the HTTP server with the timeouts used across the relay binaries
func NewServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
