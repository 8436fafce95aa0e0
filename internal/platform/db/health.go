package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthPingTimeout = 5 * time.Second

// PoolStats is the health endpoint's view of the connection pool.
// EmptyAcquires counts acquires that had to wait for a free connection; a
// climbing value means the pool is undersized for the event load.
type PoolStats struct {
	Total         int32 `json:"total"`
	Idle          int32 `json:"idle"`
	Acquired      int32 `json:"acquired"`
	Max           int32 `json:"max"`
	EmptyAcquires int64 `json:"empty_acquires"`
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		Total:         stat.TotalConns(),
		Idle:          stat.IdleConns(),
		Acquired:      stat.AcquiredConns(),
		Max:           stat.MaxConns(),
		EmptyAcquires: stat.EmptyAcquireCount(),
	}
}

// HealthHandler reports database liveness with a bounded ping plus the pool
// counters.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthPingTimeout)
		defer cancel()

		stats := poolStats(pool)
		if err := pool.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unavailable",
				"error":  err.Error(),
				"pool":   stats,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "ok",
			"pool":   stats,
		})
	}
}
