// Package postgres opens the pgx pool and classifies Postgres errors for
// the incident and notification stores.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/sterility-garden/internal/pkg/retry"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config contains PostgreSQL connection configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectAttempts int
	// ApplicationName is reported in pg_stat_activity.
	ApplicationName string
}

func (c Config) poolConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pc.MaxConns = int32(c.MaxOpenConns)
	pc.MinConns = int32(c.MaxIdleConns)
	pc.MaxConnLifetime = c.ConnMaxLifetime
	if c.ApplicationName != "" {
		pc.ConnConfig.RuntimeParams["application_name"] = c.ApplicationName
	}
	return pc, nil
}

// Connect opens a pool and pings it, retrying while the database is not
// reachable yet. A malformed URL fails at once.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pc, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}

	attempts := max(cfg.ConnectAttempts, 1)
	var pool *pgxpool.Pool
	tried := 0
	err = retry.ConnectPolicy(attempts).Do(ctx, "connect to database", func(ctx context.Context) error {
		tried++
		p, err := pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			return fmt.Errorf("create pool: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fmt.Errorf("ping: %w", err)
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database after %d attempts: %w", tried, err)
	}

	slog.Info("connected to database", "attempts", tried)
	return pool, nil
}
