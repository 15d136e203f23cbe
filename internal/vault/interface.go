package vault

import (
	"context"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/rwavault/internal/types"
)

// SwapHelper executes trades between the vault asset and RWA tokens for the vault's custody account.
// Both trade calls fail when the executed amount is below quote*(1-maxSlippageBps/10000).
type SwapHelper interface {
	BuyRWAAsset(ctx context.Context, tokenIn, tokenOut common.Address, amountIn sdkmath.Int, maxSlippageBps int64) (sdkmath.Int, error)
	SellRWAAsset(ctx context.Context, tokenIn, tokenOut common.Address, amountIn sdkmath.Int, maxSlippageBps int64) (sdkmath.Int, error)
	GetAmountOut(ctx context.Context, tokenIn, tokenOut common.Address, amountIn sdkmath.Int) (sdkmath.Int, error)
}

// AssetRegistry resolves asset metadata and lifecycle status.
type AssetRegistry interface {
	Asset(token common.Address) (types.Asset, error)
}

// Authorizer gates every privileged operation.
type Authorizer interface {
	IsAuthorized(caller common.Address, action types.Action) bool
}

// TokenLedger is the custody of real tokens. Checkpoints let one vault operation revert every
// token movement it made, including the swap venue's.
type TokenLedger interface {
	BalanceOf(token, account common.Address) sdkmath.Int
	Transfer(token, from, to common.Address, amount sdkmath.Int) error
	Checkpoint() int
	RevertTo(id int) error
	Release(id int)
}

// Portfolio is the RWA holdings set and its valuation.
type Portfolio interface {
	GetValue(ctx context.Context) (sdkmath.Int, error)
	HoldingValues(ctx context.Context) ([]types.HoldingValue, error)
	Holding(token common.Address) (types.Holding, bool)
	Holdings() []types.Holding
	AddHolding(token common.Address, targetBps int64) error
	RemoveHolding(token common.Address) error
	SetTargets(targets map[common.Address]int64) error
	ValidateTargets(targets map[common.Address]int64) error
	SetActive(token common.Address, active bool) error
	Invalidate()
	Cached() (sdkmath.Int, time.Time, bool)
}
