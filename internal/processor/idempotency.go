package processor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deduper remembers which event ids a consumer already handled
type Deduper interface {
	// FirstSeen claims the id and reports whether this is the first delivery
	FirstSeen(ctx context.Context, eventID uuid.UUID) (bool, error)
	// Forget releases a claim so a redelivery is handled again
	Forget(ctx context.Context, eventID uuid.UUID) error
}

type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[uuid.UUID]time.Time
	now  func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, seen: make(map[uuid.UUID]time.Time), now: time.Now}
}

func (d *MemoryDeduper) FirstSeen(_ context.Context, eventID uuid.UUID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[eventID]; ok && now.Before(exp) {
		return false, nil
	}

	// sweep lazily so the map does not grow without bound
	for id, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, id)
		}
	}

	d.seen[eventID] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDeduper) Forget(_ context.Context, eventID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, eventID)
	return nil
}

// RedisDeduper shares the seen set between consumer replicas
type RedisDeduper struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisDeduper(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (d *RedisDeduper) Key(eventID uuid.UUID) string {
	return d.prefix + ":" + eventID.String()
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, eventID uuid.UUID) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.Key(eventID), "1", d.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, eventID uuid.UUID) error {
	return d.rdb.Del(ctx, d.Key(eventID)).Err()
}
