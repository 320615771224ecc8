package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry_KnowsShoppingListEvents(t *testing.T) {
	r := DefaultRegistry()

	assert.ElementsMatch(t, []string{
		ListaCreada, ListaActualizada, ListaEliminada,
		ProductoAnadido, ProductoComprado, ProductoEliminado,
		InvitacionEnviada,
	}, r.Types())
	assert.True(t, r.Known("ProductoAñadido"))
	assert.False(t, r.Known("PedidoCreado"))
}

func TestDecode_Typed(t *testing.T) {
	r := DefaultRegistry()

	v, err := r.Decode(ListaCreada, 1, json.RawMessage(`{"listaId":"l-1","nombre":"Compra semanal","creadorId":"u-1"}`))
	require.NoError(t, err)

	data, ok := v.(ListaCreadaData)
	require.True(t, ok)
	assert.Equal(t, "Compra semanal", data.Nombre)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := DefaultRegistry().Decode("PedidoCreado", 1, json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrUnknownEventType)
}

func TestDecode_UnsupportedVersion(t *testing.T) {
	_, err := DefaultRegistry().Decode(ListaEliminada, 3, json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecode_ProductoCompradoUpcastsV1(t *testing.T) {
	r := DefaultRegistry()

	v, err := r.Decode(ProductoComprado, 1, json.RawMessage(`{"listaId":"l","productoId":"p","compradoPor":"u"}`))
	require.NoError(t, err)
	assert.Equal(t, float64(1), v.(ProductoCompradoData).Cantidad)

	v, err = r.Decode(ProductoComprado, 2, json.RawMessage(`{"listaId":"l","productoId":"p","compradoPor":"u","cantidad":3}`))
	require.NoError(t, err)
	assert.Equal(t, float64(3), v.(ProductoCompradoData).Cantidad)
}

func TestDecode_MalformedPayload(t *testing.T) {
	_, err := DefaultRegistry().Decode(ListaCreada, 1, json.RawMessage(`{"nombre": 5}`))
	require.Error(t, err)
}
