package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// VaultAddress is the custody address holding the vault asset and every RWA token.
	VaultAddress common.Address
	// VaultAssetAddress is the canonical asset (e.g. USDC) deposits are denominated in.
	VaultAssetAddress common.Address
	// KeeperAddress is the caller the keeper loop uses for privileged operations.
	KeeperAddress common.Address

	// BootstrapFile is the YAML file describing assets, oracles, holdings and roles.
	BootstrapFile string

	// Mode selects the execution venue. Only "simulation" is supported.
	Mode string

	// CycleInterval is the period of the keeper loop.
	CycleInterval time.Duration
)

// ErrMissingEnv is returned when a required environment variable is not set.
var ErrMissingEnv = errors.New("environment variable is required but not set")

// LoadConfig loads configuration from environment variables and sets the global config vars.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	VaultAddress, err = getEnvAsAddress("RWAVAULT_VAULT_ADDRESS")
	if err != nil {
		return err
	}

	VaultAssetAddress, err = getEnvAsAddress("RWAVAULT_ASSET_ADDRESS")
	if err != nil {
		return err
	}

	KeeperAddress, err = getEnvAsAddress("RWAVAULT_KEEPER_ADDRESS")
	if err != nil {
		return err
	}

	BootstrapFile, err = getEnv("RWAVAULT_BOOTSTRAP_FILE")
	if err != nil {
		return err
	}

	Mode = getEnvOr("RWAVAULT_MODE", "simulation")

	CycleInterval, err = getEnvAsDurationOr("RWAVAULT_CYCLE_INTERVAL", 10*time.Minute)
	if err != nil {
		return err
	}

	if err := loadEndpointConfig(); err != nil {
		return err
	}

	// Expand the tilde (~) in the bootstrap path to the user's home directory.
	if strings.HasPrefix(BootstrapFile, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		BootstrapFile = filepath.Join(home, BootstrapFile[2:])
	}

	log.Debug().
		Str("vault", VaultAddress.Hex()).
		Str("asset", VaultAssetAddress.Hex()).
		Str("mode", Mode).
		Dur("cycleInterval", CycleInterval).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvOr retrieves a string environment variable, falling back to def when unset or empty.
func getEnvOr(key, def string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return def
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsInt64Or is getEnvAsUint64 for signed optional values.
func getEnvAsInt64Or(key string, def int64) (int64, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return def, nil
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsDurationOr parses a Go duration string ("24h", "90s"), falling back to def when unset.
func getEnvAsDurationOr(key string, def time.Duration) (time.Duration, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return def, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid duration, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsAddress retrieves a required hex address.
func getEnvAsAddress(key string) (common.Address, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(valueStr) {
		return common.Address{}, errors.New("environment variable " + key + " must be a hex address, got: " + valueStr)
	}
	return common.HexToAddress(valueStr), nil
}
