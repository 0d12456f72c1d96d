// Package store implements the Persistence Store (component I): GORM-backed
// implementations of every Store/Catalog/Ledger interface the orchestration
// components depend on, grounded on the teacher's internal/db.Database
// wrapper (connection setup, AutoMigrate, Health/Close/Stats/Transaction).
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/apex-build/orchestrator/internal/logging"
	"github.com/apex-build/orchestrator/pkg/models"
)

// Database wraps the GORM handle shared by every per-entity store in this
// package.
type Database struct {
	DB *gorm.DB
}

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	TimeZone string
}

// NewDatabase opens a PostgreSQL connection per config and runs migrations.
func NewDatabase(config *Config) (*Database, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		config.Host, config.Port, config.User, config.Password,
		config.DBName, config.SSLMode, config.TimeZone,
	)

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("store: connecting to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	database := &Database{DB: db}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("store: running migrations: %w", err)
	}

	logging.S().Infow("store: database connected", "host", config.Host, "db", config.DBName)
	return database, nil
}

// Migrate auto-migrates every persisted entity. The golang-migrate SQL
// migrations under migrations/ (component O) cover the same schema for
// environments that manage migrations out-of-band of AutoMigrate.
func (d *Database) Migrate() error {
	err := d.DB.AutoMigrate(
		&models.Run{},
		&models.PhaseRun{},
		&models.Task{},
		&models.Heartbeat{},
		&models.Signal{},
		&models.Shard{},
		&models.ShardAssignment{},
		&models.ModelCapabilities{},
		&models.ModelHealth{},
		&models.ModelUsage{},
		&models.Checkpoint{},
		&models.WorkflowEvent{},
		&models.TenantBudget{},
	)
	if err != nil {
		return fmt.Errorf("store: automigrate: %w", err)
	}
	return nil
}

// Health checks database connectivity.
func (d *Database) Health() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("store: getting underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("store: ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetStats returns connection-pool statistics for diagnostics/metrics.
func (d *Database) GetStats() map[string]interface{} {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	stats := sqlDB.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}

// Transaction wraps fn in a database transaction.
func (d *Database) Transaction(fn func(*gorm.DB) error) error {
	return d.DB.Transaction(fn)
}

// DefaultConfig returns development-friendly defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "password",
		DBName:   "apex_orchestrator",
		SSLMode:  "disable",
		TimeZone: "UTC",
	}
}

// conflictError marks a conditional write that matched zero rows — the
// row's current state no longer equals the expected prior state.
type conflictError struct {
	entity string
	id     string
}

func (e *conflictError) Error() string {
	return fmt.Sprintf("store: conflict updating %s %s: status already changed", e.entity, e.id)
}

// IsConflict reports whether err is a stale-write conflict as produced by
// any of this package's conditional-update methods.
func IsConflict(err error) bool {
	_, ok := err.(*conflictError)
	return ok
}
