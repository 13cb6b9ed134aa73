package db

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Health status values.
const (
	HealthOK          = "healthy"
	HealthDegraded    = "degraded"
	HealthUnreachable = "unhealthy"
)

const healthTimeout = 5 * time.Second

// PoolSnapshot is a point-in-time view of the connection pool.
type PoolSnapshot struct {
	Total       int32  `json:"total"`
	Idle        int32  `json:"idle"`
	InUse       int32  `json:"in_use"`
	Max         int32  `json:"max"`
	Acquires    int64  `json:"acquires"`
	AcquireWait string `json:"acquire_wait"`
}

// HealthStatus is the body of /health/db. Error carries a classification only,
// never the driver message.
type HealthStatus struct {
	Status        string       `json:"status"`
	SchemaVersion int          `json:"schema_version"`
	Pool          PoolSnapshot `json:"pool"`
	Error         string       `json:"error,omitempty"`
}

// HealthCheck pings the database and reads the highest applied migration so
// a server started against an unmigrated schema reports degraded.
type HealthCheck struct {
	ping    func(context.Context) error
	version func(context.Context) (int, error)
	pool    func() PoolSnapshot
}

// NewHealthCheck checks pool against the _migrations table of schema.
func NewHealthCheck(pool *pgxpool.Pool, schema string) *HealthCheck {
	if schema == "" {
		schema = "public"
	}
	query := fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s._migrations", schema)
	return &HealthCheck{
		ping: pool.Ping,
		version: func(ctx context.Context) (int, error) {
			var v int
			err := pool.QueryRow(ctx, query).Scan(&v)
			return v, err
		},
		pool: func() PoolSnapshot { return snapshot(pool.Stat()) },
	}
}

func snapshot(stat *pgxpool.Stat) PoolSnapshot {
	return PoolSnapshot{
		Total:       stat.TotalConns(),
		Idle:        stat.IdleConns(),
		InUse:       stat.AcquiredConns(),
		Max:         stat.MaxConns(),
		Acquires:    stat.AcquireCount(),
		AcquireWait: stat.AcquireDuration().String(),
	}
}

// Check runs the probe.
func (h *HealthCheck) Check(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	st := HealthStatus{Status: HealthOK, Pool: h.pool()}
	if err := h.ping(ctx); err != nil {
		st.Status, st.Error = HealthUnreachable, "database unreachable"
		return st
	}
	v, err := h.version(ctx)
	switch {
	case err != nil:
		st.Status, st.Error = HealthDegraded, "schema version unavailable"
	case v == 0:
		st.Status, st.Error = HealthDegraded, "no migrations applied"
	}
	st.SchemaVersion = v
	return st
}

// Handler serves the check, answering 503 unless the database is healthy.
func (h *HealthCheck) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		st := h.Check(c.Request().Context())
		code := http.StatusOK
		if st.Status != HealthOK {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, st)
	}
}

// HealthHandler is the /health/db handler for the public schema.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return NewHealthCheck(pool, "public").Handler()
}
