/*

This file contains the snapshot types persisted by the keeper after every cycle.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// CycleSnapshot captures one keeper cycle: the state before, the plan, and the state after.
type CycleSnapshot struct {
	SnapshotID  int64     `json:"snapshot_id"`
	CycleID     string    `json:"cycle_id"`
	CycleNumber int       `json:"cycle_number"`
	Timestamp   time.Time `json:"timestamp"`

	// Pre-Action State
	InitialTotalAssets sdkmath.Int      `json:"initial_total_assets"`
	InitialSharePrice  sdkmath.Int      `json:"initial_share_price"`
	InitialAllocations map[string]int64 `json:"initial_allocations"`

	// The Plan
	TargetAllocations map[string]int64   `json:"target_allocations"`
	MaxDeviationBps   int64              `json:"max_deviation_bps"`
	Trades            []TradeInstruction `json:"trades"`
	Executed          bool               `json:"executed"`
	FailureReason     string             `json:"failure_reason,omitempty"`

	// The Outcome
	FinalTotalAssets     sdkmath.Int `json:"final_total_assets"`
	FinalSharePrice      sdkmath.Int `json:"final_share_price"`
	CircuitBreakerActive bool        `json:"circuit_breaker_active"`
	SharePriceVolatility float64     `json:"share_price_volatility"` // annualised, from recent snapshots
}

// PriceData is one observation of a price series, such as the share price at the end of a cycle.
type PriceData struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// NetChange is the total assets delta over the cycle, slippage included.
func (c CycleSnapshot) NetChange() sdkmath.Int {
	if c.InitialTotalAssets.IsNil() || c.FinalTotalAssets.IsNil() {
		return sdkmath.ZeroInt()
	}
	return c.FinalTotalAssets.Sub(c.InitialTotalAssets)
}
