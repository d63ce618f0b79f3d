// Package database manages the PostgreSQL connection pool and schema
// migrations for HiveMind.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	// Import PostgreSQL driver
	_ "github.com/lib/pq"

	"github.com/hivemind-io/hivemind/pkg/common/config"
	"github.com/hivemind-io/hivemind/pkg/observability"
)

// Common errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
)

// Database represents the database access layer
type Database struct {
	db     *sqlx.DB
	config config.DatabaseConfig
	logger observability.Logger
}

// NewDatabase creates a new database connection pool and verifies it
func NewDatabase(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (*Database, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database", map[string]interface{}{
		"dsn":            SanitizeDSN(cfg.DSN),
		"max_open_conns": cfg.MaxOpenConns,
	})

	return &Database{
		db:     db,
		config: cfg,
		logger: logger,
	}, nil
}

// NewDatabaseFromDB wraps an existing sqlx handle. Used by tests and tools
// that manage their own connection.
func NewDatabaseFromDB(db *sqlx.DB, logger observability.Logger) *Database {
	return &Database{db: db, logger: logger}
}

// DB returns the underlying sqlx handle
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// Ping checks database connectivity
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the connection pool
func (d *Database) Close() error {
	return d.db.Close()
}

// Transaction runs fn inside a transaction, committing on nil error and
// rolling back otherwise.
func (d *Database) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.logger.Error("Transaction rollback failed", map[string]interface{}{
				"error": rbErr.Error(),
			})
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SanitizeDSN removes credentials from a DSN for safe logging
func SanitizeDSN(dsn string) string {
	// key=value form
	if strings.Contains(dsn, "password=") {
		parts := strings.Split(dsn, " ")
		var sanitized []string
		for _, part := range parts {
			if strings.HasPrefix(part, "password=") {
				sanitized = append(sanitized, "password=***")
			} else {
				sanitized = append(sanitized, part)
			}
		}
		return strings.Join(sanitized, " ")
	}
	// URL form
	if idx := strings.Index(dsn, "://"); idx != -1 {
		if atIdx := strings.Index(dsn[idx:], "@"); atIdx != -1 {
			return dsn[:idx+3] + "***:***" + dsn[idx+atIdx:]
		}
	}
	return dsn
}
