package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/config"
	"github.com/Guizzs26/go-outbox-relay/internal/db"
	"github.com/Guizzs26/go-outbox-relay/internal/events"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/pkg/infra"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// seed writes the event trail of one shopping list into the outbox, the way the app does inside its own transaction
func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := db.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("CRITICAL: Postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	batch, err := shoppingTrail(uuid.NewString(), uuid.NewString())
	if err != nil {
		logger.Error("failed to build events", "error", err)
		os.Exit(1)
	}

	err = store.InTx(ctx, func(tx pgx.Tx) error {
		return store.AppendEvents(ctx, tx, batch)
	})
	if err != nil {
		logger.Error("failed to append events", "error", err)
		os.Exit(1)
	}

	for _, e := range batch {
		slog.Info(" [OK] event stored in outbox", "event_id", e.EventID, "event_type", e.EventType, "id", e.ID)
	}
}

func shoppingTrail(listaID, userID string) ([]*models.OutboxEvent, error) {
	ec := &models.EventContext{UserID: userID, CorrelationID: uuid.NewString(), UserAgent: "seed"}
	productoID := uuid.NewString()
	now := time.Now().UTC()

	params := []models.NewEventParams{
		{
			EventType:     events.ListaCreada,
			AggregateID:   listaID,
			AggregateType: events.AggregateLista,
			Data:          events.ListaCreadaData{ListaID: listaID, Nombre: "Compra semanal", CreadorID: userID},
		},
		{
			EventType:     events.ProductoAnadido,
			AggregateID:   productoID,
			AggregateType: events.AggregateProducto,
			Data:          events.ProductoAnadidoData{ListaID: listaID, ProductoID: productoID, Nombre: "Leche", Cantidad: 2, Unidad: "l"},
		},
		{
			EventType:     events.InvitacionEnviada,
			AggregateID:   listaID,
			AggregateType: events.AggregateLista,
			Data:          events.InvitacionEnviadaData{ListaID: listaID, InvitadoPor: userID, EmailDestino: "ana@example.com", Rol: "editor"},
		},
		{
			EventType:     events.ProductoComprado,
			EventVersion:  2,
			AggregateID:   productoID,
			AggregateType: events.AggregateProducto,
			Data:          events.ProductoCompradoData{ListaID: listaID, ProductoID: productoID, CompradoPor: userID, Cantidad: 2, CompradoEn: now},
		},
	}

	out := make([]*models.OutboxEvent, 0, len(params))
	for i, p := range params {
		p.Context = ec
		// keep the trail ordered for FetchPending
		p.OccurredOn = now.Add(time.Duration(i) * time.Millisecond)
		e, err := models.NewOutboxEvent(p)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
