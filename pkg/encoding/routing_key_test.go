package encoding

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "ProductoAnadido", Fold("ProductoAñadido"))
	assert.Equal(t, "InvitacionEnviada", Fold("InvitaciónEnviada"))
	assert.Equal(t, "plain", Fold("plain"))
}

func TestRoutingKey(t *testing.T) {
	cases := []struct {
		prefix, eventType, want string
	}{
		{"listas", "ListaCreada", "listas.lista.creada"},
		{"listas", "ProductoAñadido", "listas.producto.anadido"},
		{"", "ListaEliminada", "lista.eliminada"},
		{"app.events", "product_bought", "app.events.product.bought"},
		{"listas", "HTTPWebhookRecibido", "listas.http.webhook.recibido"},
		{"listas", "Lista2Compartida", "listas.lista2.compartida"},
		{"  ", "  ", ""},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, RoutingKey(tc.prefix, tc.eventType), "%s/%s", tc.prefix, tc.eventType)
	}
}

func TestRoutingKey_ConcurrentCallers(t *testing.T) {
	names := []string{"ListaCreada", "ProductoAñadido", "InvitacionEnviada", "HTTPRequestFailed"}
	want := make(map[string]string, len(names))
	for _, n := range names {
		want[n] = RoutingKey("listas", n)
	}

	var wg sync.WaitGroup
	for i := range 64 {
		name := names[i%len(names)]
		wg.Go(func() {
			for range 200 {
				assert.Equal(t, want[name], RoutingKey("listas", name))
			}
		})
	}
	wg.Wait()
}
