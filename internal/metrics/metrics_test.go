package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/rwavault/internal/events"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/vault"
)

type stubVault struct {
	total    sdkmath.Int
	totalErr error
	breaker  bool
}

func (s stubVault) TotalAssets(context.Context) (sdkmath.Int, error) { return s.total, s.totalErr }
func (s stubVault) SharePrice(context.Context) (sdkmath.Int, error) {
	return sdkmath.NewInt(1_020_000_000_000_000_000), nil
}
func (s stubVault) TotalSupply() sdkmath.Int       { return sdkmath.NewInt(2_000_000_000) }
func (s stubVault) IdleAssets() sdkmath.Int        { return sdkmath.NewInt(40_000_000) }
func (s stubVault) ManagedAssets() sdkmath.Int     { return sdkmath.ZeroInt() }
func (s stubVault) TotalLockedShares() sdkmath.Int { return sdkmath.NewInt(5_000_000) }
func (s stubVault) Paused() bool                   { return false }
func (s stubVault) EmergencyWithdrawEnabled() bool { return true }
func (s stubVault) CircuitBreaker() vault.CircuitBreakerState {
	return vault.CircuitBreakerState{Active: s.breaker}
}

type stubHoldings []types.HoldingValue

func (s stubHoldings) HoldingValues(context.Context) ([]types.HoldingValue, error) { return s, nil }

func TestSampleSetsGauges(t *testing.T) {
	r := NewRegistry(6)
	token := common.HexToAddress("0xb1")
	holdings := stubHoldings{{
		Holding:  types.Holding{Token: token, IsActive: true},
		Symbol:   "USTB",
		Decimals: 18,
		Balance:  sdkmath.NewInt(3).Mul(sdkmath.NewInt(1_000_000_000_000_000_000)),
		Value:    sdkmath.NewInt(3_000_000),
	}}

	err := r.Sample(context.Background(), stubVault{total: sdkmath.NewInt(2_040_000_000), breaker: true}, holdings)
	require.NoError(t, err)

	assert.InDelta(t, 2040.0, testutil.ToFloat64(r.TotalAssets), 1e-9)
	assert.InDelta(t, 40.0, testutil.ToFloat64(r.IdleAssets), 1e-9)
	assert.InDelta(t, 1.02, testutil.ToFloat64(r.SharePrice), 1e-9)
	assert.InDelta(t, 5.0, testutil.ToFloat64(r.LockedShares), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BreakerActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Emergency))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.Paused))
	assert.InDelta(t, 3.0, testutil.ToFloat64(r.HoldingValue.WithLabelValues(token.Hex(), "USTB")), 1e-9)
	assert.InDelta(t, 3.0, testutil.ToFloat64(r.HoldingBalance.WithLabelValues(token.Hex(), "USTB")), 1e-9)
}

func TestSampleValuationFailure(t *testing.T) {
	r := NewRegistry(6)
	r.TotalAssets.Set(7)

	err := r.Sample(context.Background(), stubVault{totalErr: errors.New("stale")}, nil)
	require.Error(t, err)
	assert.Equal(t, 7.0, testutil.ToFloat64(r.TotalAssets))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SampleErrors))
}

func TestPublishCountsEvents(t *testing.T) {
	r := NewRegistry(6)
	var sink events.Sink = r
	require.NoError(t, sink.Publish(context.Background(), events.Event{Type: events.TypeDeposit}))
	require.NoError(t, sink.Publish(context.Background(), events.Event{Type: events.TypeDeposit}))
	require.NoError(t, sink.Publish(context.Background(), events.Event{Type: events.TypeWithdraw}))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.Events.WithLabelValues("DEPOSIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Events.WithLabelValues("WITHDRAW")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRegistry(6)
	r.ObserveCycle(150*time.Millisecond, "rebalanced")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), `rwavault_keeper_cycles_total{result="rebalanced"} 1`))
	assert.True(t, strings.Contains(string(body), "rwavault_keeper_cycle_duration_seconds_count 1"))
}
