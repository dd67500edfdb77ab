package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// applicationName tags coachline's backends in pg_stat_activity unless the
// DSN names one.
const applicationName = "coachline"

// poolConfig sizes the pool for one active session: the segment writer, the
// archive upload read, status reads and health checks.
func poolConfig(databaseURL string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url %s: %w", maskDSN(databaseURL), err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return cfg, nil
}

func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	cfg, err := poolConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", maskDSN(databaseURL), err)
	}

	log.Info().
		Str("url", maskDSN(databaseURL)).
		Str("application_name", cfg.ConnConfig.RuntimeParams["application_name"]).
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("database connected")

	return &DB{Pool: pool, log: log}, nil
}

// HealthCheck pings the pool. A failed ping is logged and returned with the
// pool's occupancy.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.Pool.Ping(ctx); err != nil {
		stat := db.Pool.Stat()
		db.log.Warn().Err(err).
			Int32("total_conns", stat.TotalConns()).
			Int32("acquired_conns", stat.AcquiredConns()).
			Int32("max_conns", stat.MaxConns()).
			Int64("empty_acquires", stat.EmptyAcquireCount()).
			Msg("database health check failed")
		return fmt.Errorf("database ping (%d/%d conns acquired): %w", stat.AcquiredConns(), stat.MaxConns(), err)
	}
	return nil
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

func (db *DB) Close() {
	stat := db.Pool.Stat()
	db.log.Info().
		Int64("acquires", stat.AcquireCount()).
		Dur("acquire_wait", stat.AcquireDuration()).
		Msg("closing database pool")
	db.Pool.Close()
}
