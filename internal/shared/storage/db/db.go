package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as database/sql driver

	"autoapply-backend/internal/shared/telemetry"
)

// Options size the pool and bound the initial connection. Every field can be
// overridden by the DB_-prefixed variable in its tag.
type Options struct {
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `env:"CONN_MAX_IDLE_TIME"`
	PingTimeout     time.Duration `env:"PING_TIMEOUT"`
	// ConnectAttempts bounds pings at startup; the database may still be booting.
	ConnectAttempts int           `env:"CONNECT_ATTEMPTS"`
	ConnectBackoff  time.Duration `env:"CONNECT_BACKOFF"`
}

var openDB = sql.Open

// DefaultServerOptions suit the API process. Each running session commits
// outcomes in short transactions, so the pool is sized for concurrent runners
// plus request traffic.
func DefaultServerOptions() Options {
	return Options{
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnMaxLifetime: time.Hour,
		PingTimeout:     5 * time.Second,
		ConnectAttempts: 5,
		ConnectBackoff:  time.Second,
	}
}

// DefaultMigrateOptions suit one-shot commands.
func DefaultMigrateOptions() Options {
	return Options{
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		PingTimeout:     5 * time.Second,
		ConnectAttempts: 1,
	}
}

// OptionsFromEnv applies DB_* overrides on top of defaults. A malformed value
// is logged and the defaults are kept.
func OptionsFromEnv(defaults Options) Options {
	opts := defaults
	if err := env.ParseWithOptions(&opts, env.Options{Prefix: "DB_"}); err != nil {
		telemetry.Warn("db.env.invalid", map[string]any{"error": err})
		return defaults
	}
	return opts
}

// Connect opens the pgx pool and pings it, retrying while the server is not
// yet accepting connections.
func Connect(ctx context.Context, databaseURL string, opts Options) (*sql.DB, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := openDB("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applyOptions(db, opts)

	if err := pingWithRetry(ctx, db, opts); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	stats := db.Stats()
	telemetry.Info("db.connected", map[string]any{
		"open":     stats.OpenConnections,
		"idle":     stats.Idle,
		"max_open": stats.MaxOpenConnections,
	})
	return db, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB, opts Options) error {
	attempts := max(opts.ConnectAttempts, 1)
	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil || attempt == attempts {
			break
		}
		telemetry.Warn("db.ping.retry", map[string]any{"attempt": attempt, "error": err})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.ConnectBackoff * time.Duration(attempt)):
		}
	}
	return err
}

func applyOptions(db *sql.DB, opts Options) {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 10
	}
	if opts.MaxIdleConns <= 0 || opts.MaxIdleConns > opts.MaxOpenConns {
		opts.MaxIdleConns = opts.MaxOpenConns
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = time.Hour
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
}
