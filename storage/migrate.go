package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"statsfutbol.app/cloud/internal/logger"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded migrations for the store's dialect.
func (s *SQLStorage) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations/"+s.dialect.String())
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	var driver database.Driver
	switch s.dialect {
	case DialectPostgres:
		driver, err = pgxmigrate.WithInstance(s.db, &pgxmigrate.Config{})
	default:
		driver, err = sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.dialect.String(), driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	// m.Close would close s.db as well, so the migrator is left to the GC.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	logger.Debug("Schema migrated", map[string]interface{}{
		"dialect": s.dialect.String(),
		"version": version,
		"dirty":   dirty,
	})
	return nil
}
