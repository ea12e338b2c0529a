// Package postgres implements C2, the Task Store, on PostgreSQL via
// jackc/pgx/v5, adapted from the host repository's compliance storage
// layer: the same pool-setup, migration-via-lib/pq, and retry-on-
// transient-error pattern, generalized to the task queue's schema.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

// Config configures the Task Store's connection pool and migrations.
type Config struct {
	ConnectionString string
	MaxConnections    int32
	ConnectTimeout    time.Duration
	MigrationsPath    string
}

// Store is the PostgreSQL-backed C2 implementation.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// New opens a connection pool against config.ConnectionString.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MigrationsPath == "" {
		config.MigrationsPath = "file://migrations"
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse connection string: %w", err)
	}
	poolConfig.MaxConns = config.MaxConnections
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: create connection pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// MigrateToLatest applies every pending migration under config.MigrationsPath,
// using database/sql + lib/pq as a side-channel driver for golang-migrate,
// which does not speak pgx's connection protocol directly.
func (s *Store) MigrateToLatest(ctx context.Context) error {
	migrationDB, err := sql.Open("postgres", s.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("postgres: open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres: create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(s.config.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("postgres: apply migrations: %w", err)
	}
	return nil
}

// withRetry retries fn up to 3 times on a transient serialization/deadlock
// failure, with exponential backoff, mirroring the retry policy used
// elsewhere in this stack for SKIP LOCKED claim contention.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := 20 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") || strings.Contains(msg, "serialization") || errors.Is(err, context.DeadlineExceeded)
}
