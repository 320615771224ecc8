package events

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	ListaCreada       = "ListaCreada"
	ListaActualizada  = "ListaActualizada"
	ListaEliminada    = "ListaEliminada"
	ProductoAnadido   = "ProductoAñadido"
	ProductoComprado  = "ProductoComprado"
	ProductoEliminado = "ProductoEliminado"
	InvitacionEnviada = "InvitacionEnviada"
)

const (
	AggregateLista    = "Lista"
	AggregateProducto = "Producto"
)

type ListaCreadaData struct {
	ListaID     string `json:"listaId"`
	Nombre      string `json:"nombre"`
	Descripcion string `json:"descripcion,omitempty"`
	CreadorID   string `json:"creadorId"`
}

type ListaActualizadaData struct {
	ListaID string            `json:"listaId"`
	Cambios map[string]string `json:"cambios"`
}

type ListaEliminadaData struct {
	ListaID string `json:"listaId"`
	Motivo  string `json:"motivo,omitempty"`
}

type ProductoAnadidoData struct {
	ListaID    string  `json:"listaId"`
	ProductoID string  `json:"productoId"`
	Nombre     string  `json:"nombre"`
	Cantidad   float64 `json:"cantidad"`
	Unidad     string  `json:"unidad,omitempty"`
	Categoria  string  `json:"categoria,omitempty"`
}

type ProductoCompradoData struct {
	ListaID     string    `json:"listaId"`
	ProductoID  string    `json:"productoId"`
	CompradoPor string    `json:"compradoPor"`
	Cantidad    float64   `json:"cantidad"`
	CompradoEn  time.Time `json:"compradoEn"`
}

type ProductoEliminadoData struct {
	ListaID    string `json:"listaId"`
	ProductoID string `json:"productoId"`
}

type InvitacionEnviadaData struct {
	ListaID      string `json:"listaId"`
	InvitadoPor  string `json:"invitadoPor"`
	EmailDestino string `json:"emailDestino"`
	Rol          string `json:"rol"`
}

// v1 payloads carried no quantity; the product was bought whole
func decodeProductoComprado(version int, data json.RawMessage) (any, error) {
	switch version {
	case 1, 2:
	default:
		return nil, fmt.Errorf("%w: v%d", ErrUnsupportedVersion, version)
	}

	var v ProductoCompradoData
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if version == 1 && v.Cantidad == 0 {
		v.Cantidad = 1
	}
	return v, nil
}
