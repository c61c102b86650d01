package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthProbeTimeout = 5 * time.Second

// StoreHealth is the snapshot served by the database health endpoint. The
// durable store is the source of truth for lab requests, so its reachability
// gates readiness.
type StoreHealth struct {
	Reachable  bool   `json:"reachable"`
	Error      string `json:"error,omitempty"`
	ConnsTotal int32  `json:"conns_total"`
	ConnsIdle  int32  `json:"conns_idle"`
	ConnsInUse int32  `json:"conns_in_use"`
	ConnsMax   int32  `json:"conns_max"`
	AcquireAvg string `json:"acquire_avg"`
}

// CheckHealth pings the store within a bounded window and reports pool
// pressure alongside.
func CheckHealth(ctx context.Context, pool *pgxpool.Pool) StoreHealth {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	h := StoreHealth{Reachable: true}
	if err := pool.Ping(probeCtx); err != nil {
		h.Reachable = false
		h.Error = err.Error()
	}

	stat := pool.Stat()
	h.ConnsTotal = stat.TotalConns()
	h.ConnsIdle = stat.IdleConns()
	h.ConnsInUse = stat.AcquiredConns()
	h.ConnsMax = stat.MaxConns()
	avg := time.Duration(0)
	if n := stat.AcquireCount(); n > 0 {
		avg = stat.AcquireDuration() / time.Duration(n)
	}
	h.AcquireAvg = avg.String()
	return h
}

func statusFor(h StoreHealth) int {
	if !h.Reachable {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// HealthHandler serves the store health snapshot; 503 when unreachable.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := CheckHealth(c.Request().Context(), pool)
		return c.JSON(statusFor(h), h)
	}
}
