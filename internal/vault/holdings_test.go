package vault

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/rwavault/internal/events"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/valuation"
)

var rwaC = common.HexToAddress("0x00000000000000000000000000000000000000b3")

func TestHoldingChangesRequireAuthorization(t *testing.T) {
	f := newFixture(t, 6000, 4000)
	ctx := context.Background()
	require.NoError(t, f.registry.Register(types.Asset{Address: rwaC, Symbol: "BUIDL", Decimals: 6, APYBps: 450}))

	assert.ErrorIs(t, f.vault.AddHolding(ctx, alice, rwaC, 0), ErrUnauthorized)
	assert.ErrorIs(t, f.vault.RemoveHolding(ctx, alice, rwaB), ErrUnauthorized)
	assert.ErrorIs(t, f.vault.SetHoldingActive(ctx, alice, rwaB, false), ErrUnauthorized)
	assert.ErrorIs(t, f.vault.UpdateTargetAllocation(ctx, alice, rwaA, 5000), ErrUnauthorized)

	assert.Len(t, f.portfolio.Holdings(), 2)
	h, ok := f.portfolio.Holding(rwaA)
	require.True(t, ok)
	assert.Equal(t, int64(6000), h.TargetAllocationBps)
	assert.Empty(t, f.recorder.Events())
}

func TestHoldingLifecycle(t *testing.T) {
	f := newFixture(t, 6000, 4000)
	ctx := context.Background()
	require.NoError(t, f.registry.Register(types.Asset{Address: rwaC, Symbol: "BUIDL", Decimals: 6, APYBps: 450}))

	err := f.vault.AddHolding(ctx, admin, rwaC, 1)
	assert.ErrorIs(t, err, ErrInvalidAllocation)
	assert.ErrorIs(t, err, valuation.ErrAllocationExceeded)

	require.NoError(t, f.vault.UpdateTargetAllocation(ctx, admin, rwaB, 3000))
	require.NoError(t, f.vault.AddHolding(ctx, admin, rwaC, 1000))
	assert.Equal(t, int64(10_000), f.portfolio.TotalTargetBps())

	require.NoError(t, f.vault.SetHoldingActive(ctx, admin, rwaC, false))
	require.NoError(t, f.vault.RemoveHolding(ctx, admin, rwaC))
	_, ok := f.portfolio.Holding(rwaC)
	assert.False(t, ok)

	err = f.vault.RemoveHolding(ctx, admin, rwaC)
	assert.ErrorIs(t, err, ErrUnknownAsset)
	assert.ErrorIs(t, err, valuation.ErrHoldingNotFound)
	assert.ErrorIs(t, f.vault.AddHolding(ctx, admin, common.HexToAddress("0x99"), 0), ErrUnknownAsset)

	updates := f.recorder.OfType(events.TypeHoldingUpdated)
	require.Len(t, updates, 4)
	assert.Equal(t, "update_target", updates[0].Attributes["action"])
	assert.Equal(t, rwaB.Hex(), updates[0].Attributes["token"])
	assert.Equal(t, "add", updates[1].Attributes["action"])
	assert.Equal(t, "1000", updates[1].Attributes["target_bps"])
	assert.Equal(t, "remove", updates[3].Attributes["action"])
	assert.Equal(t, admin, updates[3].Caller)
}

func TestRemoveHoldingWithBalanceFails(t *testing.T) {
	f := newFixture(t, 6000, 4000)
	ctx := context.Background()

	_, err := f.vault.Deposit(ctx, alice, usd(1_000), alice)
	require.NoError(t, err)

	err = f.vault.RemoveHolding(ctx, admin, rwaA)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	assert.ErrorIs(t, err, valuation.ErrHoldingHasBalance)
	assert.Len(t, f.portfolio.Holdings(), 2)
}

func TestDeactivatedHoldingIsNotInvested(t *testing.T) {
	f := newFixture(t, 6000, 4000)
	ctx := context.Background()

	require.NoError(t, f.vault.SetHoldingActive(ctx, admin, rwaB, false))
	_, err := f.vault.Deposit(ctx, alice, usd(1_000), alice)
	require.NoError(t, err)

	assert.Equal(t, usd(600).String(), f.holdingValue(t, rwaA).String())
	assert.True(t, f.book.BalanceOf(rwaB, vaultAddr).IsZero())
	assert.Equal(t, usd(400).String(), f.vault.IdleAssets().String())
	assert.Equal(t, usd(1_000).String(), f.totalAssets(t).String())
}
