// Package telemetry keeps named counters for delivery and lifecycle activity
// and serves them in Prometheus text exposition format, using only standard
// library constructs rather than the metrics SDK.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/labstack/echo/v4"
)

// Counter names used across the services.
const (
	CounterDeliveredPersistent = "labsync_delivered_persistent_total"
	CounterDeliveredFallback   = "labsync_delivered_fallback_total"
	CounterDeliveryFailed      = "labsync_delivery_failed_total"
	CounterFramesIn            = "labsync_frames_in_total"
	CounterFramesDropped       = "labsync_frames_dropped_total"
	CounterRequestsApplied     = "labsync_requests_applied_total"
	CounterDuplicatesRejected  = "labsync_duplicates_rejected_total"
	CounterBreakerOpens        = "labsync_breaker_opens_total"
)

// Registry holds monotonically increasing counters.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*atomic.Int64)}
}

// Inc increments a counter, creating it on first use.
func (r *Registry) Inc(name string) {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		c, ok = r.counters[name]
		if !ok {
			c = &atomic.Int64{}
			r.counters[name] = c
		}
		r.mu.Unlock()
	}
	c.Add(1)
}

// Value returns the current count for name.
func (r *Registry) Value(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// Handler serves the registry in Prometheus text exposition format.
func (r *Registry) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		r.mu.RLock()
		names := make([]string, 0, len(r.counters))
		for name := range r.counters {
			names = append(names, name)
		}
		r.mu.RUnlock()
		sort.Strings(names)

		c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4")
		c.Response().WriteHeader(http.StatusOK)
		for _, name := range names {
			fmt.Fprintf(c.Response(), "# TYPE %s counter\n%s %d\n", name, name, r.Value(name))
		}
		return nil
	}
}
