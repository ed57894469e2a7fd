// Package schema owns the tables, indexes and notification triggers backing
// the task queue and the channel layer.
package schema

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

// MigrationsTable tracks applied versions separately from any migrations
// the host application runs against the same database.
const MigrationsTable = "pgq_schema_migrations"

//go:embed migrations/*.sql
var migrations embed.FS

// newMigrate runs migrations over a single pooled connection. Closing the
// returned Migrate closes that connection only, never db.
func newMigrate(ctx context.Context, db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("error opening migrations: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("error opening migration connection: %w", err)
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("error creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("error creating migration instance: %w", err)
	}
	return m, nil
}

// Create applies every pending migration. Concurrent callers are serialized
// by the migration driver's own advisory lock.
func Create(ctx context.Context, db *sql.DB) error {
	log.Debug().Msg("creating schema")
	m, err := newMigrate(ctx, db)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug().Msg("schema up to date")
			return nil
		}
		return fmt.Errorf("error running migrations: %w", err)
	}
	log.Debug().Msg("schema created")
	return nil
}

// Drop reverts every migration. Only meant for tests and administration.
func Drop(ctx context.Context, db *sql.DB) error {
	m, err := newMigrate(ctx, db)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error reverting migrations: %w", err)
	}
	return nil
}
