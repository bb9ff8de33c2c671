package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	migrationsDir = "postgres"
	maxRetryDelay = 30 * time.Second
)

// PoolOptions bounds the database/sql pool. Zero values leave the
// database/sql defaults in place.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Connection owns the sqlx handle shared by every repository.
type Connection struct {
	DB *sqlx.DB
}

// NewConnection opens a pool for dsn (key=value form, see
// config.PostgresConfig.ConnectionString) and pings it once.
func NewConnection(ctx context.Context, dsn string, pool PoolOptions) (*Connection, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Connection{DB: db}, nil
}

// ConnectWithRetry retries NewConnection up to attempts times, doubling the
// wait from initialDelay and capping it at 30s. The database usually comes
// up after the server in compose and k8s deployments.
func ConnectWithRetry(ctx context.Context, dsn string, pool PoolOptions, attempts int, initialDelay time.Duration) (*Connection, error) {
	log := slog.Default().With(slog.String("component", "postgres"))

	var lastErr error
	delay := initialDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := NewConnection(ctx, dsn, pool)
		if err == nil {
			log.Info("connected to PostgreSQL", slog.Int("attempt", attempt))
			return conn, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		log.Warn("PostgreSQL not reachable yet",
			slog.Int("attempt", attempt),
			slog.Int("attempts", attempts),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, maxRetryDelay)
	}
	return nil, fmt.Errorf("failed to connect to PostgreSQL after %d attempts: %w", attempts, lastErr)
}

func (c *Connection) Close() error {
	return c.DB.Close()
}

// HealthCheck satisfies repositories.HealthChecker.
func (c *Connection) HealthCheck(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// migrator reads migrations from the postgres/ directory of src.
func (c *Connection) migrator(src fs.FS) (*migrate.Migrate, error) {
	sub, err := fs.Sub(src, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s migrations: %w", migrationsDir, err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	target, err := migratepg.WithInstance(c.DB.DB, &migratepg.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", target)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// RunMigrations brings the schema up to the newest migration in src,
// clearing a dirty flag left by an interrupted run first.
func (c *Connection) RunMigrations(src fs.FS) error {
	m, err := c.migrator(src)
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return fmt.Errorf("failed to read migration version: %w", err)
	case dirty:
		if err := c.clearDirty(m, version); err != nil {
			return err
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// clearDirty resets to version 0 when no application table exists (the
// first migration never landed) and otherwise pins the recorded version.
func (c *Connection) clearDirty(m *migrate.Migrate, version uint) error {
	var tables int
	err := c.DB.Get(&tables, `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = 'public'
		  AND table_name NOT IN ('schema_migrations', 'schema_migration')`)

	target := int(version)
	if err == nil && tables == 0 {
		target = 0
	}
	slog.Warn("clearing dirty migration state", slog.Uint64("recorded", uint64(version)), slog.Int("forced", target))
	if err := m.Force(target); err != nil {
		return fmt.Errorf("failed to clear dirty migration at %d: %w", version, err)
	}
	return nil
}

// MigrationVersion reports the applied schema version. ok is false on a
// database that has never been migrated.
func (c *Connection) MigrationVersion(src fs.FS) (version uint, dirty, ok bool, err error) {
	m, err := c.migrator(src)
	if err != nil {
		return 0, false, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, true, nil
}

// ForceMigrationVersion overwrites the recorded version without running
// anything. Only for recovering a dirty database by hand.
func (c *Connection) ForceMigrationVersion(src fs.FS, version int) error {
	m, err := c.migrator(src)
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("failed to force migration version %d: %w", version, err)
	}
	return nil
}
