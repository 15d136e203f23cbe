// ./internal/state/parameters_store.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/rwavault/internal/types"
)

var ErrNoParameters = errors.New("no vault parameters found")

// StoredParameters is one versioned row of vault_parameters.
type StoredParameters struct {
	ID          int64
	ConfigName  string
	Version     int
	Active      bool
	ActivatedAt *time.Time
	Vault       types.VaultParameters
	Allocation  types.AllocationParameters
}

const parameterColumns = `
            asset_decimals, min_deposit, instant_withdrawal_limit, max_withdrawal, circuit_breaker_limit,
            withdrawal_delay_seconds, max_slippage_bps, circuit_breaker_bps, cache_duration_seconds,
            sensitivity, rebalance_threshold_bps, default_min_bps, default_max_bps, min_trade_size`

// SaveVaultParameters stores a new version of the vault and allocation parameters.
// With makeActive the previous active version of the same config is deactivated in the same transaction.
func SaveVaultParameters(ctx context.Context, vp types.VaultParameters, ap types.AllocationParameters, configName string, version int, makeActive bool) (paramsID int64, err error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}

	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback()
		}
	}()

	if makeActive {
		_, err = tx.ExecContext(ctx, `UPDATE vault_parameters SET is_active = FALSE WHERE config_name = $1 AND is_active = TRUE;`, configName)
		if err != nil {
			return 0, fmt.Errorf("failed to deactivate existing active parameters for %s: %w", configName, err)
		}
	}

	var activatedAt *time.Time
	if makeActive {
		now := time.Now().UTC()
		activatedAt = &now
	}

	stmt := `
        INSERT INTO vault_parameters (
            version, config_name, is_active, activated_at,` + parameterColumns + `
        ) VALUES (
            $1, $2, $3, $4,
            $5, $6, $7, $8, $9,
            $10, $11, $12, $13,
            $14, $15, $16, $17, $18
        ) RETURNING params_id;`

	err = tx.QueryRowContext(ctx, stmt,
		version, configName, makeActive, activatedAt,
		int(vp.AssetDecimals), numeric(vp.MinDeposit), numeric(vp.InstantWithdrawalLimit), numeric(vp.MaxWithdrawal), numeric(vp.CircuitBreakerLimit),
		int64(vp.WithdrawalDelay/time.Second), vp.MaxSlippageBps, vp.CircuitBreakerBps, int64(vp.CacheDuration/time.Second),
		ap.Sensitivity, ap.RebalanceThresholdBps, ap.DefaultMinBps, ap.DefaultMaxBps, numeric(ap.MinTradeSize),
	).Scan(&paramsID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert vault parameters: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Int("version", version).
		Str("config", configName).
		Int64("params_id", paramsID).
		Bool("active", makeActive).
		Msg("Saved vault parameters")
	return paramsID, nil
}

// LoadActiveVaultParameters loads the currently active version for a config.
func LoadActiveVaultParameters(ctx context.Context, configName string) (*StoredParameters, error) {
	query := `
        SELECT params_id, config_name, version, is_active, activated_at,` + parameterColumns + `
        FROM vault_parameters
        WHERE config_name = $1 AND is_active = TRUE
        ORDER BY activated_at DESC
        LIMIT 1;`
	p, err := loadParameters(ctx, query, configName)
	if err != nil {
		return nil, err
	}
	log.Info().Str("config", configName).Int("version", p.Version).Msg("Loaded active vault parameters")
	return p, nil
}

// LoadLatestVaultParameters loads the highest version for a config, active or not.
func LoadLatestVaultParameters(ctx context.Context, configName string) (*StoredParameters, error) {
	query := `
        SELECT params_id, config_name, version, is_active, activated_at,` + parameterColumns + `
        FROM vault_parameters
        WHERE config_name = $1
        ORDER BY version DESC
        LIMIT 1;`
	return loadParameters(ctx, query, configName)
}

func loadParameters(ctx context.Context, query, configName string) (*StoredParameters, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	var (
		p                                                StoredParameters
		activatedAt                                      sql.NullTime
		decimals                                         int
		minDeposit, instantLimit, maxWithdrawal, cbLimit string
		delaySeconds, cacheSeconds                       int64
		minTradeSize                                     string
	)
	err := DB.QueryRowContext(ctx, query, configName).Scan(
		&p.ID, &p.ConfigName, &p.Version, &p.Active, &activatedAt,
		&decimals, &minDeposit, &instantLimit, &maxWithdrawal, &cbLimit,
		&delaySeconds, &p.Vault.MaxSlippageBps, &p.Vault.CircuitBreakerBps, &cacheSeconds,
		&p.Allocation.Sensitivity, &p.Allocation.RebalanceThresholdBps, &p.Allocation.DefaultMinBps, &p.Allocation.DefaultMaxBps, &minTradeSize,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w for config '%s'", ErrNoParameters, configName)
		}
		return nil, fmt.Errorf("failed to scan vault parameters for config '%s': %w", configName, err)
	}

	if activatedAt.Valid {
		t := activatedAt.Time
		p.ActivatedAt = &t
	}
	p.Vault.AssetDecimals = uint8(decimals)
	p.Vault.WithdrawalDelay = time.Duration(delaySeconds) * time.Second
	p.Vault.CacheDuration = time.Duration(cacheSeconds) * time.Second

	amounts := []struct {
		name string
		raw  string
		dst  *sdkmath.Int
	}{
		{"min_deposit", minDeposit, &p.Vault.MinDeposit},
		{"instant_withdrawal_limit", instantLimit, &p.Vault.InstantWithdrawalLimit},
		{"max_withdrawal", maxWithdrawal, &p.Vault.MaxWithdrawal},
		{"circuit_breaker_limit", cbLimit, &p.Vault.CircuitBreakerLimit},
		{"min_trade_size", minTradeSize, &p.Allocation.MinTradeSize},
	}
	for _, a := range amounts {
		v, err := parseNumeric(a.raw)
		if err != nil {
			return nil, fmt.Errorf("vault parameters %s: %w", a.name, err)
		}
		*a.dst = v
	}
	return &p, nil
}

// GetActiveVaultParametersID returns the params_id of the active version, or nil when none is active.
func GetActiveVaultParametersID(ctx context.Context, configName string) (*int64, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	query := `
        SELECT params_id
        FROM vault_parameters
        WHERE config_name = $1 AND is_active = TRUE
        ORDER BY activated_at DESC
        LIMIT 1;`

	var paramsID int64
	err := DB.QueryRowContext(ctx, query, configName).Scan(&paramsID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug().Str("config", configName).Msg("No active vault parameters found")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active vault parameters ID for config '%s': %w", configName, err)
	}
	return &paramsID, nil
}

// numeric renders an amount for a NUMERIC column; nil amounts become SQL NULL.
func numeric(i sdkmath.Int) any {
	if i.IsNil() {
		return nil
	}
	return i.String()
}

func parseNumeric(s string) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}

func parseNullNumeric(s sql.NullString) (sdkmath.Int, error) {
	if !s.Valid {
		return sdkmath.Int{}, nil
	}
	return parseNumeric(s.String)
}
