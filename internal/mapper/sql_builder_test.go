package mapper

import (
	"testing"

	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLBuilder_RejectsUnsafeTable(t *testing.T) {
	for _, name := range []string{"", "1table", "outbox-events", `outbox"; DROP TABLE x; --`, "public.outbox"} {
		_, err := NewSQLBuilder(name)
		require.Error(t, err, name)
	}

	b, err := NewSQLBuilder("outbox_events")
	require.NoError(t, err)
	assert.Equal(t, "outbox_events", b.Table())
}

func TestBuildFetchPending_NoFilters(t *testing.T) {
	b, _ := NewSQLBuilder("outbox_events")

	query, args, err := b.BuildFetchPending([]string{"id", "event_id"}, models.FetchFilters{}, models.Pagination{Limit: 50})
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT id, event_id FROM outbox_events WHERE processed = false ORDER BY occurred_on ASC, id ASC LIMIT $1 OFFSET $2",
		query)
	assert.Equal(t, []any{50, 0}, args)
}

func TestBuildFetchPending_AllFilters(t *testing.T) {
	b, _ := NewSQLBuilder("outbox_events")

	query, args, err := b.BuildFetchPending(
		[]string{"id"},
		models.FetchFilters{
			EventTypes:    []string{"ListaCreada", " ", "ListaEliminada"},
			AggregateType: "Lista",
			AggregateID:   "lista-1",
			MaxAttempts:   5,
		},
		models.Pagination{Limit: 10, Offset: 20},
	)
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT id FROM outbox_events WHERE processed = false AND event_type = ANY($1) AND aggregate_type = $2 "+
			"AND aggregate_id = $3 AND attempts < $4 ORDER BY occurred_on ASC, id ASC LIMIT $5 OFFSET $6",
		query)
	assert.Equal(t, []any{[]string{"ListaCreada", "ListaEliminada"}, "Lista", "lista-1", 5, 10, 20}, args)
}

func TestBuildFetchPending_InvalidPagination(t *testing.T) {
	b, _ := NewSQLBuilder("outbox_events")

	_, _, err := b.BuildFetchPending([]string{"id"}, models.FetchFilters{}, models.Pagination{Limit: 0})
	require.Error(t, err)

	_, _, err = b.BuildFetchPending([]string{"id"}, models.FetchFilters{}, models.Pagination{Limit: 1, Offset: -1})
	require.Error(t, err)

	_, _, err = b.BuildFetchPending(nil, models.FetchFilters{}, models.Pagination{Limit: 1})
	require.Error(t, err)
}
