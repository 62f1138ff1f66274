package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats is the subset of pgxpool statistics exported as gauges.
type PoolStats interface {
	AcquiredConns() int32
	IdleConns() int32
	ConstructingConns() int32
	MaxConns() int32
	EmptyAcquireCount() int64
	CanceledAcquireCount() int64
}

var _ PoolStats = (*pgxpool.Stat)(nil)

// RecordPoolStats copies a pool snapshot into the db gauges.
func RecordPoolStats(stats PoolStats) {
	DBPoolConnections.WithLabelValues("in_use").Set(float64(stats.AcquiredConns()))
	DBPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
	DBPoolConnections.WithLabelValues("constructing").Set(float64(stats.ConstructingConns()))
	DBPoolConnections.WithLabelValues("max").Set(float64(stats.MaxConns()))
	DBPoolAcquires.WithLabelValues("empty").Set(float64(stats.EmptyAcquireCount()))
	DBPoolAcquires.WithLabelValues("canceled").Set(float64(stats.CanceledAcquireCount()))
}

// RecordDBPool records the current state of pool.
func RecordDBPool(pool *pgxpool.Pool) {
	RecordPoolStats(pool.Stat())
}
