package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/elys-network/rwavault/internal/logger"
	"github.com/elys-network/rwavault/internal/state"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// vaultTables are dropped in dependency order; EnsureSchema recreates them.
var vaultTables = []string{
	"vault_events",
	"cycle_snapshots",
	"vault_parameters",
	"keeper_cycles",
}

func main() {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logger.Initialize(logLevel)
	log.Info().Msg("Starting vault database reset...")

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found or error loading .env file. Relying on OS environment variables.")
	}

	dbCfg := state.DBConfig{
		Host:     os.Getenv("DB_HOST"),
		Port:     5432,
		User:     os.Getenv("DB_USER"),
		Password: os.Getenv("DB_PASSWORD"),
		DBName:   os.Getenv("DB_NAME"),
		SSLMode:  os.Getenv("DB_SSLMODE"),
	}
	if dbCfg.Host == "" {
		dbCfg.Host = "localhost"
	}
	if dbCfg.SSLMode == "" {
		dbCfg.SSLMode = "disable"
	}
	if p := os.Getenv("DB_PORT"); p != "" {
		fmt.Sscanf(p, "%d", &dbCfg.Port)
	}
	if dbCfg.User == "" || dbCfg.DBName == "" {
		log.Fatal().Msg("DB_USER and DB_NAME environment variables must be set.")
	}

	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("user", dbCfg.User).
		Str("dbname", dbCfg.DBName).
		Msg("Connecting to database")

	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database connection")
	}
	defer state.CloseDB()

	dropQuery := "DROP TABLE IF EXISTS " + strings.Join(vaultTables, ", ") + " CASCADE"
	if _, err := state.DB.Exec(dropQuery); err != nil {
		log.Fatal().Err(err).Msg("Failed to drop tables")
	}
	log.Info().Strs("tables", vaultTables).Msg("Dropped vault tables")

	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to recreate database schema")
	}
	if err := state.ResetCycleNumber(context.Background(), 0); err != nil {
		log.Fatal().Err(err).Msg("Failed to reset cycle counter")
	}

	log.Info().Msg("Database reset complete! The next run seeds default parameters.")
}
