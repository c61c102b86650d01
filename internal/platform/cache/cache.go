// Package cache provides a TTL cache for remote entity lookups, guarded by a
// circuit breaker and backed by a local durable store. Fresh values are
// written through to the local store asynchronously; when the remote fetch
// fails the last durably known value is served instead.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/labsync/labsync/internal/platform/breaker"
	"github.com/labsync/labsync/internal/platform/tasks"
)

// Fetcher retrieves an entity from the remote service.
type Fetcher[T any] func(ctx context.Context, key string) (T, error)

// LocalStore is the durable side of the cache. Load returns
// errs.ErrNotFound (wrapped or bare) when no snapshot exists.
type LocalStore[T any] interface {
	Load(ctx context.Context, key string) (T, error)
	Save(ctx context.Context, key string, value T) error
}

type entry[T any] struct {
	value      T
	insertedAt time.Time
}

// Cache is a TTL cache over one entity type. All map access is guarded by a
// short critical section; no lock is held across a fetch or store call.
type Cache[T any] struct {
	name  string
	ttl   time.Duration
	fetch Fetcher[T]
	local LocalStore[T]
	br    *breaker.Breaker
	sup   *tasks.Supervisor
	log   zerolog.Logger

	mu      sync.RWMutex
	entries map[string]entry[T]

	now func() time.Time // overridable in tests
}

// New builds a cache named for its entity type.
func New[T any](name string, ttl time.Duration, fetch Fetcher[T], local LocalStore[T], br *breaker.Breaker, sup *tasks.Supervisor, log zerolog.Logger) *Cache[T] {
	return &Cache[T]{
		name:    name,
		ttl:     ttl,
		fetch:   fetch,
		local:   local,
		br:      br,
		sup:     sup,
		log:     log.With().Str("cache", name).Logger(),
		entries: make(map[string]entry[T]),
		now:     time.Now,
	}
}

// GetOrFetch returns the cached value when it is younger than the TTL.
// Otherwise it fetches through the breaker, caches the result, and schedules
// an asynchronous write-through to the local store. If the fresh fetch fails
// (breaker open or remote error), the last durable value is served; an error
// surfaces only when the fetch and the local fallback both miss.
func (c *Cache[T]) GetOrFetch(ctx context.Context, key string) (T, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.insertedAt) < c.ttl {
		return e.value, nil
	}

	var fetched T
	err := c.br.Execute(ctx, func(ctx context.Context) error {
		v, ferr := c.fetch(ctx, key)
		if ferr != nil {
			return ferr
		}
		fetched = v
		return nil
	})
	if err == nil {
		c.mu.Lock()
		c.entries[key] = entry[T]{value: fetched, insertedAt: c.now()}
		c.mu.Unlock()

		// Write-through failures are logged by the supervisor, never surfaced.
		v := fetched
		c.sup.Go(fmt.Sprintf("%s write-through %s", c.name, key), func(ctx context.Context) error {
			return c.local.Save(ctx, key, v)
		})
		return fetched, nil
	}

	c.log.Warn().Str("key", key).Err(err).Msg("remote fetch failed, trying local store")
	stored, lerr := c.local.Load(ctx, key)
	if lerr != nil {
		var zero T
		return zero, fmt.Errorf("fetch %s %q: %w", c.name, key, err)
	}
	return stored, nil
}

// Invalidate drops a key so the next lookup refetches.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of cached entries, expired or not.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
