package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrUnsupportedVersion = errors.New("unsupported event version")
)

// Decoder turns a stored payload of a given schema version into its typed form
type Decoder func(version int, data json.RawMessage) (any, error)

type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

func (r *Registry) Register(eventType string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[eventType] = d
}

func (r *Registry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[eventType]
	return ok
}

// Types lists registered event types in lexical order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) Decode(eventType string, version int, data json.RawMessage) (any, error) {
	r.mu.RLock()
	d, ok := r.decoders[eventType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	return d(version, data)
}

// JSONDecoder builds a Decoder for payloads whose schema has only ever had version 1
func JSONDecoder[T any]() Decoder {
	return func(version int, data json.RawMessage) (any, error) {
		if version != 1 {
			return nil, fmt.Errorf("%w: v%d", ErrUnsupportedVersion, version)
		}

		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return v, nil
	}
}

// DefaultRegistry knows every event emitted by the shopping-list application
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ListaCreada, JSONDecoder[ListaCreadaData]())
	r.Register(ListaActualizada, JSONDecoder[ListaActualizadaData]())
	r.Register(ListaEliminada, JSONDecoder[ListaEliminadaData]())
	r.Register(ProductoAnadido, JSONDecoder[ProductoAnadidoData]())
	r.Register(ProductoComprado, decodeProductoComprado)
	r.Register(ProductoEliminado, JSONDecoder[ProductoEliminadoData]())
	r.Register(InvitacionEnviada, JSONDecoder[InvitacionEnviadaData]())
	return r
}
