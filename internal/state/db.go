// ./internal/state/db.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool.
var DB *sql.DB

var ErrDBNotInitialized = errors.New("database not initialized")

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// DSN renders the lib/pq keyword/value connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	var err error
	DB, err = sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	err = DB.Ping()
	if err != nil {
		DB.Close()
		DB = nil
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Str("host", cfg.Host).Str("db", cfg.DBName).Msg("Connected to PostgreSQL")
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

// Amounts are uint256-sized base units, so every amount column is NUMERIC(78,0).
const schemaDDL = `
	CREATE TABLE IF NOT EXISTS vault_parameters (
		params_id SERIAL PRIMARY KEY,
		config_name VARCHAR(100) NOT NULL,
		version INTEGER NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		activated_at TIMESTAMPTZ,

		asset_decimals SMALLINT NOT NULL,
		min_deposit NUMERIC(78,0) NOT NULL,
		instant_withdrawal_limit NUMERIC(78,0) NOT NULL,
		max_withdrawal NUMERIC(78,0) NOT NULL,
		circuit_breaker_limit NUMERIC(78,0) NOT NULL,
		withdrawal_delay_seconds BIGINT NOT NULL,
		max_slippage_bps INTEGER NOT NULL,
		circuit_breaker_bps INTEGER NOT NULL,
		cache_duration_seconds BIGINT NOT NULL,

		sensitivity INTEGER NOT NULL,
		rebalance_threshold_bps INTEGER NOT NULL,
		default_min_bps INTEGER NOT NULL,
		default_max_bps INTEGER NOT NULL,
		min_trade_size NUMERIC(78,0) NOT NULL,

		UNIQUE (config_name, version)
	);
	CREATE INDEX IF NOT EXISTS idx_vault_parameters_active ON vault_parameters (config_name, is_active);

	CREATE TABLE IF NOT EXISTS cycle_snapshots (
		snapshot_id BIGSERIAL PRIMARY KEY,
		cycle_id UUID NOT NULL UNIQUE,
		cycle_number INTEGER NOT NULL,
		snapshot_timestamp TIMESTAMPTZ NOT NULL,

		initial_total_assets NUMERIC(78,0) NOT NULL,
		initial_share_price NUMERIC(78,0) NOT NULL,
		initial_allocations JSONB NOT NULL,

		target_allocations JSONB NOT NULL,
		max_deviation_bps BIGINT NOT NULL,
		trades JSONB NOT NULL,
		traded_tokens TEXT[],
		executed BOOLEAN NOT NULL,
		failure_reason TEXT,

		final_total_assets NUMERIC(78,0) NOT NULL,
		final_share_price NUMERIC(78,0) NOT NULL,
		circuit_breaker_active BOOLEAN NOT NULL,
		share_price_volatility DOUBLE PRECISION NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_cycle_snapshots_timestamp ON cycle_snapshots (snapshot_timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_cycle_snapshots_cycle_number ON cycle_snapshots (cycle_number);

	CREATE TABLE IF NOT EXISTS vault_events (
		event_id UUID PRIMARY KEY,
		sequence BIGINT NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		vault VARCHAR(42) NOT NULL,
		event_timestamp TIMESTAMPTZ NOT NULL,
		caller VARCHAR(42) NOT NULL,
		owner VARCHAR(42),
		receiver VARCHAR(42),
		assets NUMERIC(78,0),
		shares NUMERIC(78,0),
		request_id BIGINT,
		total_assets NUMERIC(78,0),
		share_price NUMERIC(78,0),
		attributes JSONB
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_vault_events_sequence ON vault_events (vault, sequence);
	CREATE INDEX IF NOT EXISTS idx_vault_events_type ON vault_events (event_type, event_timestamp DESC);
`

// EnsureSchema creates the tables and indexes if they don't exist.
func EnsureSchema() error {
	if DB == nil {
		return ErrDBNotInitialized
	}

	if _, err := DB.Exec(schemaDDL + keeperCyclesDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info().Msg("Database schema ensured")
	return nil
}

// TestDBConnection verifies the connection is alive.
func TestDBConnection() error {
	if DB == nil {
		return ErrDBNotInitialized
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return DB.PingContext(ctx)
}
