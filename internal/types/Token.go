/*

This file contains the asset metadata types used by the registry, the oracle adapter and the valuation layer.

*/

package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// AssetStatus is the lifecycle flag the registry keeps for every RWA token.
type AssetStatus string

const (
	AssetStatusActive           AssetStatus = "ACTIVE"
	AssetStatusMarkedForRemoval AssetStatus = "MARKED_FOR_REMOVAL"
)

// Asset is the registry view of a token the vault may hold.
type Asset struct {
	Address  common.Address `json:"address" yaml:"address"`   // token contract address
	Symbol   string         `json:"symbol" yaml:"symbol"`     // e.g., "USTB"
	Decimals uint8          `json:"decimals" yaml:"decimals"` // 6, 18 and 24 are all in use
	APYBps   int64          `json:"apy_bps" yaml:"apy_bps"`   // advertised yield, used by the allocation engine
	Status   AssetStatus    `json:"status" yaml:"status"`
}

// IsActive reports whether new exposure may be opened in the asset.
func (a Asset) IsActive() bool {
	return a.Status == AssetStatusActive || a.Status == ""
}

// PriceSource identifies which oracle produced a price.
type PriceSource string

const (
	PriceSourcePrimary PriceSource = "PRIMARY"
	PriceSourceBackup  PriceSource = "BACKUP"
)

// Action names a privileged vault operation checked against the Authorizer.
type Action string

const (
	ActionPause               Action = "PAUSE"
	ActionUpdateManagedAssets Action = "UPDATE_MANAGED_ASSETS"
	ActionEmergency           Action = "EMERGENCY"
	ActionCircuitBreaker      Action = "CIRCUIT_BREAKER"
	ActionRebalance           Action = "REBALANCE"
	ActionManageHoldings      Action = "MANAGE_HOLDINGS"
	ActionLiquidateDeprecated Action = "LIQUIDATE_DEPRECATED"
)
