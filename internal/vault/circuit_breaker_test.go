package vault

import (
	"context"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/rwavault/internal/events"
)

func TestCircuitBreakerBoundary(t *testing.T) {
	cases := []struct {
		name    string
		deposit int64 // base units
		trips   bool
	}{
		{"at boundary", 9_000_000_000, true},
		{"one unit above", 9_000_000_001, false},
		{"below", 8_500_000_000, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 0, 0)
			ctx := context.Background()

			_, err := f.vault.Deposit(ctx, alice, sdkmath.NewInt(tc.deposit), alice)
			require.NoError(t, err)
			require.NoError(t, f.vault.SetReferenceNav(ctx, admin, usd(10_000)))

			active, err := f.vault.CheckCircuitBreaker(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.trips, active)
			assert.Equal(t, tc.trips, f.vault.CircuitBreaker().Active)
		})
	}
}

func TestCircuitBreakerCapsWithdrawals(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()

	_, err := f.vault.Deposit(ctx, alice, usd(10_000), alice)
	require.NoError(t, err)
	require.NoError(t, f.vault.SetReferenceNav(ctx, admin, usd(12_000)))

	// 10,000 <= 12,000 * 0.9: the withdrawal itself trips the breaker and is capped by it.
	_, err = f.vault.Withdraw(ctx, alice, usd(2_000), alice, alice)
	assert.ErrorIs(t, err, ErrExceedsCircuitBreakerLimit)
	// The aborted call did not persist the activation.
	assert.False(t, f.vault.CircuitBreaker().Active)

	maxAssets, err := f.vault.MaxWithdraw(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, usd(1_000).String(), maxAssets.String())

	_, err = f.vault.Withdraw(ctx, alice, usd(500), alice, alice)
	require.NoError(t, err)
	assert.True(t, f.vault.CircuitBreaker().Active)
	require.Len(t, f.recorder.OfType(events.TypeCircuitBreakerChanged), 1)

	require.NoError(t, f.vault.ResetCircuitBreaker(ctx, admin))
	assert.False(t, f.vault.CircuitBreaker().Active)
	_, err = f.vault.Withdraw(ctx, alice, usd(2_000), alice, alice)
	assert.ErrorIs(t, err, ErrExceedsCircuitBreakerLimit, "still below the threshold, so it re-trips")
}

func TestCircuitBreakerAdmin(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()

	assert.ErrorIs(t, f.vault.SetCircuitBreakerThreshold(ctx, alice, 500), ErrUnauthorized)
	assert.ErrorIs(t, f.vault.SetCircuitBreakerThreshold(ctx, admin, 0), ErrInvalidParameter)
	assert.ErrorIs(t, f.vault.SetCircuitBreakerThreshold(ctx, admin, 10_001), ErrInvalidParameter)
	require.NoError(t, f.vault.SetCircuitBreakerThreshold(ctx, admin, 500))
	assert.Equal(t, int64(500), f.vault.CircuitBreaker().ThresholdBps)

	assert.ErrorIs(t, f.vault.ActivateCircuitBreaker(ctx, bob), ErrUnauthorized)
	require.NoError(t, f.vault.ActivateCircuitBreaker(ctx, admin))
	assert.True(t, f.vault.CircuitBreaker().Active)

	// Without a reference NAV the check never trips, but a manual activation stays.
	active, err := f.vault.CheckCircuitBreaker(ctx)
	require.NoError(t, err)
	assert.True(t, active)
}
