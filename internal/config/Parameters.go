/*

This file contains the default parameters for the vault and the rebalance engine.

Amounts are given in whole units of the vault asset and scaled to base units by
wholeUnits. Each value is chosen for a stablecoin-denominated vault holding a
basket of tokenized treasuries and similar low-volatility RWAs.

*/

package config

import (
	"fmt"
	"os"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/utils"
)

// DefaultAssetDecimals matches USDC.
const DefaultAssetDecimals uint8 = 6

// DefaultVaultParameters provides the baseline limits enforced by the ledger and withdrawal controller.
var DefaultVaultParameters = types.VaultParameters{
	AssetDecimals: DefaultAssetDecimals,

	MinDeposit: wholeUnits(1, DefaultAssetDecimals), // $1.
	// Rationale: rejects dust deposits whose share amount would round to zero.

	InstantWithdrawalLimit: wholeUnits(10_000, DefaultAssetDecimals), // $10k per call.
	// Rationale: larger exits go through the T+1 queue so RWA can be unwound without fire sales.

	MaxWithdrawal: wholeUnits(1_000_000, DefaultAssetDecimals), // $1M hard cap.
	// Never bypassed, not even in emergency mode.

	CircuitBreakerLimit: wholeUnits(1_000, DefaultAssetDecimals), // $1k per call while tripped.

	WithdrawalDelay: 24 * time.Hour,

	MaxSlippageBps: 50, // 0.5%.
	// Rationale: tokenized treasuries trade tight; anything wider signals a venue problem.

	CircuitBreakerBps: 1000, // Trip on a 10% drawdown from the reference NAV.

	CacheDuration: 300 * time.Second,
}

// DefaultAllocationParameters tunes the rebalance engine.
var DefaultAllocationParameters = types.AllocationParameters{
	Sensitivity: 50, // Equal blend of current value and APY.

	RebalanceThresholdBps: 500, // Rebalance once any asset drifts 5% from target.

	DefaultMinBps: 100,  // Every held asset keeps at least 1%.
	DefaultMaxBps: 5000, // No asset exceeds 50%.

	MinTradeSize: wholeUnits(100, DefaultAssetDecimals), // $100.
	// Rationale: smaller trades cost more in fees and slippage than the drift they fix.
}

// MaxSlippageBpsBound is the widest slippage the swap venue accepts.
const MaxSlippageBpsBound int64 = 200

// LoadVaultParameters applies optional environment overrides on top of base.
// Amount overrides are whole units of the vault asset.
func LoadVaultParameters(base types.VaultParameters) (types.VaultParameters, error) {
	params := base

	amounts := []struct {
		key string
		dst *sdkmath.Int
	}{
		{"VAULT_MIN_DEPOSIT", &params.MinDeposit},
		{"VAULT_INSTANT_WITHDRAWAL_LIMIT", &params.InstantWithdrawalLimit},
		{"VAULT_MAX_WITHDRAWAL", &params.MaxWithdrawal},
		{"VAULT_CIRCUIT_BREAKER_LIMIT", &params.CircuitBreakerLimit},
	}
	for _, a := range amounts {
		if _, set := os.LookupEnv(a.key); !set {
			continue
		}
		units, err := getEnvAsUint64(a.key)
		if err != nil {
			return base, err
		}
		*a.dst = utils.Pow10(params.AssetDecimals).Mul(sdkmath.NewIntFromUint64(units))
	}

	var err error
	if params.WithdrawalDelay, err = getEnvAsDurationOr("VAULT_WITHDRAWAL_DELAY", params.WithdrawalDelay); err != nil {
		return base, err
	}
	if params.CacheDuration, err = getEnvAsDurationOr("VAULT_CACHE_DURATION", params.CacheDuration); err != nil {
		return base, err
	}
	if params.MaxSlippageBps, err = getEnvAsInt64Or("VAULT_MAX_SLIPPAGE_BPS", params.MaxSlippageBps); err != nil {
		return base, err
	}
	if params.CircuitBreakerBps, err = getEnvAsInt64Or("VAULT_CIRCUIT_BREAKER_BPS", params.CircuitBreakerBps); err != nil {
		return base, err
	}

	if err := ValidateVaultParameters(params); err != nil {
		return base, err
	}
	return params, nil
}

// ValidateVaultParameters rejects parameter sets the vault cannot operate under.
func ValidateVaultParameters(p types.VaultParameters) error {
	switch {
	case p.AssetDecimals > utils.MaxDecimals:
		return fmt.Errorf("asset decimals %d exceeds %d", p.AssetDecimals, utils.MaxDecimals)
	case p.MinDeposit.IsNil() || p.MinDeposit.IsNegative():
		return fmt.Errorf("min deposit must be non-negative")
	case p.MaxWithdrawal.IsNil() || !p.MaxWithdrawal.IsPositive():
		return fmt.Errorf("max withdrawal must be positive")
	case p.InstantWithdrawalLimit.IsNil() || p.InstantWithdrawalLimit.GT(p.MaxWithdrawal):
		return fmt.Errorf("instant withdrawal limit %s exceeds max withdrawal %s", p.InstantWithdrawalLimit, p.MaxWithdrawal)
	case p.CircuitBreakerLimit.IsNil() || p.CircuitBreakerLimit.IsNegative():
		return fmt.Errorf("circuit breaker limit must be non-negative")
	case p.WithdrawalDelay < 0:
		return fmt.Errorf("withdrawal delay must be non-negative")
	case p.MaxSlippageBps < 0 || p.MaxSlippageBps > MaxSlippageBpsBound:
		return fmt.Errorf("max slippage %d bps outside [0, %d]", p.MaxSlippageBps, MaxSlippageBpsBound)
	case p.CircuitBreakerBps <= 0 || p.CircuitBreakerBps > types.BpsDenominator:
		return fmt.Errorf("circuit breaker threshold %d bps outside (0, %d]", p.CircuitBreakerBps, types.BpsDenominator)
	case p.CacheDuration <= 0:
		return fmt.Errorf("cache duration must be positive")
	}
	return nil
}

func wholeUnits(n int64, decimals uint8) sdkmath.Int {
	return sdkmath.NewInt(n).Mul(utils.Pow10(decimals))
}
