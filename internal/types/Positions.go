/*

This file contains the position types for the vault: RWA holdings, queued withdrawals and trade instructions.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator int64 = 10000

// Holding is an RWA token the vault may invest in.
// The balance is never stored here, it is read live from custody.
type Holding struct {
	Token               common.Address `json:"token"`
	TargetAllocationBps int64          `json:"target_allocation_bps"`
	IsActive            bool           `json:"is_active"`
}

// HoldingValue is a holding together with its live balance and value in vault asset units.
type HoldingValue struct {
	Holding
	Symbol   string      `json:"symbol"`
	Decimals uint8       `json:"decimals"`
	Balance  sdkmath.Int `json:"balance"`
	Price    sdkmath.Int `json:"price"` // 18 decimals
	Value    sdkmath.Int `json:"value"` // vault asset decimals
}

// WithdrawStatus is the state of a queued withdrawal.
type WithdrawStatus string

const (
	WithdrawStatusCreated   WithdrawStatus = "CREATED"
	WithdrawStatusClaimable WithdrawStatus = "CLAIMABLE"
	WithdrawStatusClaimed   WithdrawStatus = "CLAIMED"
)

// WithdrawRequest is a T+1 withdrawal. The redemption rate is frozen in AssetsAtRequestTime.
type WithdrawRequest struct {
	ID                  uint64         `json:"id"`
	Owner               common.Address `json:"owner"`
	Receiver            common.Address `json:"receiver"`
	Shares              sdkmath.Int    `json:"shares"`
	AssetsAtRequestTime sdkmath.Int    `json:"assets_at_request_time"`
	RequestedAt         time.Time      `json:"requested_at"`
	Claimed             bool           `json:"claimed"`
}

// Status derives the request state at now for the given delay.
func (r WithdrawRequest) Status(now time.Time, delay time.Duration) WithdrawStatus {
	if r.Claimed {
		return WithdrawStatusClaimed
	}
	if !now.Before(r.RequestedAt.Add(delay)) {
		return WithdrawStatusClaimable
	}
	return WithdrawStatusCreated
}

// ClaimableAt is the first instant the request can be claimed.
func (r WithdrawRequest) ClaimableAt(delay time.Duration) time.Time {
	return r.RequestedAt.Add(delay)
}

// TradeSide is the direction of a rebalance leg, seen from the RWA token.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// TradeInstruction is a single rebalance leg expressed in vault asset (USD) value.
type TradeInstruction struct {
	Token    common.Address `json:"token"`
	Side     TradeSide      `json:"side"`
	ValueUSD sdkmath.Int    `json:"value_usd"`
}

// RebalanceOrder is the argument set of Vault.Rebalance.
// Sell amounts are in RWA token units, buy amounts in vault asset units.
type RebalanceOrder struct {
	SellAssets  []common.Address `json:"sell_assets"`
	SellAmounts []sdkmath.Int    `json:"sell_amounts"`
	BuyAssets   []common.Address `json:"buy_assets"`
	BuyAmounts  []sdkmath.Int    `json:"buy_amounts"`
}

// IsEmpty reports whether the order has no legs.
func (o RebalanceOrder) IsEmpty() bool {
	return len(o.SellAssets) == 0 && len(o.BuyAssets) == 0
}
