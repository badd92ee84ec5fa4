package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/hubdesk/wagate/internal/store/migrations"
)

// MigrateResult reports the schema state after Migrate.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate applies pending schema migrations from the embedded sources.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	upErr := m.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return nil, fmt.Errorf("apply migrations: %w", upErr)
	}

	version, dirty, verErr := m.Version()
	if verErr != nil && !errors.Is(verErr, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("read schema version: %w", verErr)
	}
	return &MigrateResult{
		Version: version,
		Dirty:   dirty,
		Changed: upErr == nil,
	}, nil
}
