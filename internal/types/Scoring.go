/*

This file contains the tunable parameters of the vault and of the allocation engine.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// VaultParameters holds the limits and delays enforced by the ledger and the withdrawal controller.
// Amounts are expressed in whole units of the vault asset and scaled by AssetDecimals at construction.
type VaultParameters struct {
	AssetDecimals          uint8         `json:"asset_decimals"`           // Decimals of the canonical vault asset (6 for USDC).
	MinDeposit             sdkmath.Int   `json:"min_deposit"`              // Smallest deposit accepted, in base units.
	InstantWithdrawalLimit sdkmath.Int   `json:"instant_withdrawal_limit"` // Max payout per withdraw/redeem call without queuing.
	MaxWithdrawal          sdkmath.Int   `json:"max_withdrawal"`           // Hard cap on any single payout, never bypassed.
	CircuitBreakerLimit    sdkmath.Int   `json:"circuit_breaker_limit"`    // Max payout per call while the breaker is active.
	WithdrawalDelay        time.Duration `json:"withdrawal_delay"`         // Maturity of a queued withdrawal.
	MaxSlippageBps         int64         `json:"max_slippage_bps"`         // Slippage passed to the swap venue, bounded to [0, 200].
	CircuitBreakerBps      int64         `json:"circuit_breaker_bps"`      // Drawdown from the reference NAV that trips the breaker.
	CacheDuration          time.Duration `json:"cache_duration"`           // Freshness window of the valuation cache.
}

// AllocationParameters tunes the rebalance engine.
type AllocationParameters struct {
	Sensitivity           int64       `json:"sensitivity"`             // 0 = follow current values, 100 = follow APY only.
	RebalanceThresholdBps int64       `json:"rebalance_threshold_bps"` // Max per-asset deviation tolerated before rebalancing.
	DefaultMinBps         int64       `json:"default_min_bps"`         // Lower clamp applied to every asset without an override.
	DefaultMaxBps         int64       `json:"default_max_bps"`         // Upper clamp applied to every asset without an override.
	MinTradeSize          sdkmath.Int `json:"min_trade_size"`          // Trades below this value (vault asset units) are dropped.
}

// AllocationBounds overrides the default clamp for one asset.
type AllocationBounds struct {
	MinBps int64 `json:"min_bps" yaml:"min_bps"`
	MaxBps int64 `json:"max_bps" yaml:"max_bps"`
}
