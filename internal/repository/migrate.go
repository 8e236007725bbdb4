package repository

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"resonance/migrations"
)

// MigratePostgres applies the embedded PostgreSQL migrations
func MigratePostgres(db *sqlx.DB, logger *zap.Logger) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("couldn't get database instance for running migrations: %w", err)
	}
	return migrateUp("postgres", driver, logger)
}

// MigrateSQLite applies the embedded SQLite migrations
func MigrateSQLite(db *sqlx.DB, logger *zap.Logger) error {
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("couldn't get database instance for running migrations: %w", err)
	}
	return migrateUp("sqlite", driver, logger)
}

// The migrate instance is not closed: that would close the caller's database handle
func migrateUp(dialect string, driver database.Driver, logger *zap.Logger) error {
	source, err := iofs.New(migrations.FS, dialect)
	if err != nil {
		return fmt.Errorf("couldn't open embedded migrations: %w", err)
	}
	defer source.Close()

	m, err := migrate.NewWithInstance("iofs", source, "resonance", driver)
	if err != nil {
		return fmt.Errorf("couldn't create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("couldn't run database migration: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("couldn't read migration version: %w", err)
	}

	logger.Info("Database migration was run successfully",
		zap.String("dialect", dialect),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}
