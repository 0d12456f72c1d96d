// Package migrate wraps golang-migrate for the SQL migrations under
// migrations/, grounded on the teacher's internal/database migration
// runner. Unlike store.Database.Migrate (GORM AutoMigrate, applied
// automatically on every connect), this runner is driven explicitly by
// cmd/migrate and is the mechanism operators use in environments that
// want versioned, reviewable schema changes instead of AutoMigrate's
// implicit adds.
package migrate

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Config holds the connection and source parameters for a Runner.
type Config struct {
	DatabaseURL    string
	MigrationsPath string
}

// Runner applies and inspects the SQL migrations in Config.MigrationsPath
// against a PostgreSQL database.
type Runner struct {
	migrate *migrate.Migrate
	db      *sql.DB
}

// NewRunner opens a database connection and builds a Runner over it.
func NewRunner(config Config) (*Runner, error) {
	if config.MigrationsPath == "" {
		config.MigrationsPath = "migrations"
	}

	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrate: opening database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: creating postgres driver: %w", err)
	}

	sourceURL := fmt.Sprintf("file://%s", config.MigrationsPath)
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: creating migration instance: %w", err)
	}

	return &Runner{migrate: m, db: db}, nil
}

// Status is the current schema version and dirty flag.
type Status struct {
	Version uint
	Dirty   bool
	Applied bool
}

// Up applies every pending migration.
func (r *Runner) Up() error {
	if err := r.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// Down rolls back the single most recently applied migration.
func (r *Runner) Down() error {
	if err := r.migrate.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrate: down: %w", err)
	}
	return nil
}

// DownAll rolls back every applied migration.
func (r *Runner) DownAll() error {
	if err := r.migrate.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrate: down-all: %w", err)
	}
	return nil
}

// To migrates to an exact schema version, forward or backward.
func (r *Runner) To(version uint) error {
	if err := r.migrate.Migrate(version); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrate: to %d: %w", version, err)
	}
	return nil
}

// Force sets the recorded schema version without applying any migration,
// for recovering from a dirty state after a failed migration.
func (r *Runner) Force(version int) error {
	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("migrate: force %d: %w", version, err)
	}
	return nil
}

// Version reports the current schema version.
func (r *Runner) Version() (Status, error) {
	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("migrate: version: %w", err)
	}
	return Status{Version: version, Dirty: dirty, Applied: version > 0}, nil
}

// Close releases the migration source and database connection.
func (r *Runner) Close() error {
	srcErr, dbErr := r.migrate.Close()
	if srcErr != nil {
		return fmt.Errorf("migrate: closing source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("migrate: closing database: %w", dbErr)
	}
	return nil
}
