// ./internal/state/db.go
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool.
var DB *sql.DB

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	var err error
	DB, err = sql.Open("postgres", psqlInfo)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	err = DB.Ping()
	if err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

// SchemaVersion is stamped on every persisted row so that future layouts
// can migrate forward without guessing at provenance.
const SchemaVersion = 1

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	schemaSQL := `
		CREATE TABLE IF NOT EXISTS operations (
			operation_id UUID PRIMARY KEY,
			kind VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			amount0 NUMERIC(38, 0) NOT NULL DEFAULT 0,
			amount1 NUMERIC(38, 0) NOT NULL DEFAULT 0,
			shares NUMERIC(38, 0) NOT NULL DEFAULT 0,
			target_bps INTEGER NOT NULL DEFAULT 0,
			max_slippage_bps INTEGER NOT NULL,
			step_index INTEGER NOT NULL DEFAULT 0,
			fail_reason TEXT NOT NULL DEFAULT '',
			schema_version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
		CREATE INDEX IF NOT EXISTS idx_operations_created ON operations(created_at DESC);

		CREATE TABLE IF NOT EXISTS operation_steps (
			operation_id UUID NOT NULL REFERENCES operations(operation_id),
			step_index INTEGER NOT NULL,
			kind VARCHAR(20) NOT NULL,
			asset VARCHAR(32) NOT NULL DEFAULT '',
			amount NUMERIC(38, 0) NOT NULL DEFAULT 0,
			amount1 NUMERIC(38, 0) NOT NULL DEFAULT 0,
			idempotency_key UUID NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			outcome VARCHAR(12) NOT NULL DEFAULT 'UNKNOWN',
			applied BOOLEAN NOT NULL DEFAULT FALSE,
			result_credited NUMERIC(38, 0),
			result_shares NUMERIC(38, 0),
			result_amount0 NUMERIC(38, 0),
			result_amount1 NUMERIC(38, 0),
			result_reason TEXT NOT NULL DEFAULT '',
			intent_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at TIMESTAMPTZ,
			PRIMARY KEY (operation_id, step_index)
		);
		CREATE INDEX IF NOT EXISTS idx_operation_steps_outcome ON operation_steps(outcome);

		CREATE TABLE IF NOT EXISTS asset_balances (
			asset VARCHAR(32) PRIMARY KEY,
			owned NUMERIC(38, 0) NOT NULL DEFAULT 0,
			pending_out NUMERIC(38, 0) NOT NULL DEFAULT 0,
			pending_in NUMERIC(38, 0) NOT NULL DEFAULT 0,
			schema_version INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS drift_reports (
			report_id SERIAL PRIMARY KEY,
			observed_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			asset VARCHAR(32) NOT NULL,
			ledger_amount NUMERIC(38, 0) NOT NULL,
			external_amount NUMERIC(38, 0) NOT NULL,
			tolerance NUMERIC(38, 0) NOT NULL,
			diverged BOOLEAN NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_drift_reports_observed ON drift_reports(observed_at DESC);
		CREATE INDEX IF NOT EXISTS idx_drift_reports_diverged ON drift_reports(diverged);
	`
	_, err := DB.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection() error {
	if DB == nil {
		return fmt.Errorf("database connection is nil")
	}

	// Use a short timeout context for health checks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := DB.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}
