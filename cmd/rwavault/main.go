package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/elys-network/rwavault/internal/avm"
	"github.com/elys-network/rwavault/internal/logger"
	"github.com/elys-network/rwavault/internal/state"
)

var (
	logLevel   string
	logFile    string
	configName string
)

// rootCmd is the base command of the vault engine
var rootCmd = &cobra.Command{
	Use:   "rwavault",
	Short: "Tokenized RWA vault engine",
	Long: `rwavault runs a share-based vault over a basket of tokenized real-world assets:
NAV accounting, rate-limited and queued withdrawals, a drawdown circuit breaker
and a keeper that periodically rebalances the RWA holdings.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Initialization Phase ---
		if err := godotenv.Load(); err != nil {
			log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
		}
		if logLevel == "" {
			logLevel = os.Getenv("LOG_LEVEL")
		}
		if logFile != "" {
			w, err := logger.FileWriter(logFile)
			if err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			logger.InitializeWithWriter(logLevel, w)
		} else {
			logger.Initialize(logLevel)
		}
		return nil
	},
	SilenceUsage: true,
}

// runCmd starts the vault, the keeper loop and the query surfaces
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the vault with its keeper, HTTP API and gRPC health service",
	Long: `Run boots the vault from the bootstrap file in simulation mode, restores or seeds the
active parameter version from postgres and serves until interrupted.

Example usage:
  rwavault run
  rwavault run --log-level debug`,
	RunE: runVault,
}

// migrateCmd creates the schema and stores the default parameters as the first version
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema and seed default parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initDatabase(); err != nil {
			return err
		}
		defer state.CloseDB()

		if _, err := loadOrSeedParameters(cmd.Context()); err != nil {
			return err
		}
		log.Info().Msg("Database migrated")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default $LOG_LEVEL or info)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write JSON logs to this file instead of the console")
	rootCmd.PersistentFlags().StringVar(&configName, "config-name", avm.DEFAULT_PARAMETERS_CONFIG_NAME, "Parameter set name in the vault_parameters table")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
}

// main is the entry point for the vault engine.
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initDatabase connects to postgres from DB_* variables and ensures the schema.
func initDatabase() error {
	dbCfg := state.DBConfig{
		Host: getEnvOr("DB_HOST", "localhost"), Port: mustAtoi(os.Getenv("DB_PORT"), 5432),
		User: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD"),
		DBName: os.Getenv("DB_NAME"), SSLMode: getEnvOr("DB_SSLMODE", "disable"),
	}
	if err := state.InitDB(dbCfg); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := state.EnsureSchema(); err != nil {
		state.CloseDB()
		return fmt.Errorf("failed to ensure database schema: %w", err)
	}
	return nil
}

func getEnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Helper to convert string to int with a default value
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}
