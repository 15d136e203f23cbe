package avm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/rwavault/internal/auth"
	"github.com/elys-network/rwavault/internal/events"
	"github.com/elys-network/rwavault/internal/metrics"
	"github.com/elys-network/rwavault/internal/oracle"
	"github.com/elys-network/rwavault/internal/registry"
	"github.com/elys-network/rwavault/internal/simulations"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/valuation"
	"github.com/elys-network/rwavault/internal/vault"
	"github.com/elys-network/rwavault/internal/wallet"
)

var (
	usdc      = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	rwaA      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	rwaB      = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	vaultAddr = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	inventory = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	admin     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	keeper    = common.HexToAddress("0x0000000000000000000000000000000000000cee")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a1c")
)

func usd(n int64) sdkmath.Int { return sdkmath.NewInt(n).MulRaw(1_000_000) }

type fakeStore struct {
	mu        sync.Mutex
	counter   int
	snapshots []types.CycleSnapshot
	prices    []types.PriceData
	failCount bool
}

func (s *fakeStore) NextCycleNumber(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCount {
		return 0, errors.New("counter unavailable")
	}
	s.counter++
	return s.counter, nil
}

func (s *fakeStore) SaveCycleSnapshot(_ context.Context, snap types.CycleSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return int64(len(s.snapshots)), nil
}

func (s *fakeStore) RecentSharePrices(context.Context, int) ([]types.PriceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.PriceData(nil), s.prices...), nil
}

type fixture struct {
	vault     *vault.Vault
	book      *wallet.Book
	registry  *registry.Registry
	portfolio *valuation.Portfolio
	feeds     map[common.Address]*simulations.StaticFeed
	store     *fakeStore
	metrics   *metrics.Registry
	start     time.Time
}

func newFixture(t *testing.T, targetA, targetB int64) *fixture {
	t.Helper()
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return start }
	f := &fixture{
		book:    wallet.NewBook(),
		feeds:   make(map[common.Address]*simulations.StaticFeed),
		store:   &fakeStore{},
		metrics: metrics.NewRegistry(6),
		start:   start,
	}

	var err error
	f.registry, err = registry.New(
		types.Asset{Address: rwaA, Symbol: "USTB", Decimals: 6, APYBps: 500},
		types.Asset{Address: rwaB, Symbol: "OUSG", Decimals: 6, APYBps: 500},
	)
	require.NoError(t, err)

	prices := oracle.NewAdapter(clock)
	for _, tok := range []common.Address{rwaA, rwaB} {
		feed := simulations.NewStaticFeed(sdkmath.NewInt(100_000_000), 8, start)
		f.feeds[tok] = feed
		require.NoError(t, prices.Configure(tok, feed, nil, 0))
	}

	f.portfolio, err = valuation.NewPortfolio(valuation.Config{
		Custody: vaultAddr, AssetDecimals: 6,
		Balances: f.book, Prices: prices, Registry: f.registry, Now: clock,
	})
	require.NoError(t, err)
	require.NoError(t, f.portfolio.AddHolding(rwaA, targetA))
	require.NoError(t, f.portfolio.AddHolding(rwaB, targetB))

	venue, err := simulations.NewSwapVenue(simulations.SwapVenueConfig{
		Ledger: f.book, Prices: prices, Registry: f.registry,
		QuoteAsset: usdc, QuoteDecimals: 6,
		Inventory: inventory, Trader: vaultAddr,
	})
	require.NoError(t, err)
	for _, tok := range []common.Address{usdc, rwaA, rwaB} {
		require.NoError(t, f.book.Mint(tok, inventory, usd(10_000_000)))
	}
	require.NoError(t, f.book.Mint(usdc, alice, usd(1_000_000)))

	policy := auth.NewStaticPolicy()
	policy.Grant(auth.RoleAdmin, admin)
	policy.Grant(auth.RoleKeeper, keeper)

	f.vault, err = vault.New(vault.Config{
		Address: vaultAddr, Asset: usdc,
		Params: types.VaultParameters{
			AssetDecimals:          6,
			MinDeposit:             usd(1),
			InstantWithdrawalLimit: usd(10_000),
			MaxWithdrawal:          usd(1_000_000),
			CircuitBreakerLimit:    usd(1_000),
			WithdrawalDelay:        24 * time.Hour,
			MaxSlippageBps:         50,
			CircuitBreakerBps:      1000,
			CacheDuration:          300 * time.Second,
		},
		Ledger: f.book, Swap: venue, Registry: f.registry,
		Authorizer: policy, Portfolio: f.portfolio, Sink: events.Multi{f.metrics}, Now: clock,
	})
	require.NoError(t, err)

	_, err = f.vault.Deposit(context.Background(), alice, usd(10_000), alice)
	require.NoError(t, err)
	return f
}

func (f *fixture) keeper(t *testing.T, mutate func(*Config)) *AVM {
	t.Helper()
	cfg := Config{
		Vault:     f.vault,
		Portfolio: f.portfolio,
		Assets:    f.registry,
		Store:     f.store,
		Allocation: types.AllocationParameters{
			Sensitivity:           100,
			RebalanceThresholdBps: 500,
			DefaultMinBps:         100,
			DefaultMaxBps:         9000,
			MinTradeSize:          usd(10),
		},
		Operator: keeper,
		Interval: time.Hour,
		Metrics:  f.metrics,
		Now:      func() time.Time { return f.start },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewAVM(cfg)
	require.NoError(t, err)
	return a
}

func (f *fixture) holdingValue(t *testing.T, token common.Address) sdkmath.Int {
	t.Helper()
	values, err := f.portfolio.HoldingValues(context.Background())
	require.NoError(t, err)
	for _, hv := range values {
		if hv.Token == token {
			return hv.Value
		}
	}
	t.Fatalf("no holding %s", token.Hex())
	return sdkmath.Int{}
}

func TestRunCycleRebalancesToOptimalAllocation(t *testing.T) {
	f := newFixture(t, 6000, 4000)
	a := f.keeper(t, nil)

	snap, err := a.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, snap.CycleNumber)
	assert.NotEmpty(t, snap.CycleID)
	assert.Equal(t, int64(6000), snap.InitialAllocations[rwaA.Hex()])
	assert.Equal(t, int64(5000), snap.TargetAllocations[rwaA.Hex()])
	assert.Equal(t, int64(5000), snap.TargetAllocations[rwaB.Hex()])
	assert.Equal(t, int64(1000), snap.MaxDeviationBps)
	assert.True(t, snap.Executed)
	assert.Empty(t, snap.FailureReason)
	require.Len(t, snap.Trades, 2)

	// Buys are sized against worst-case sell proceeds, so the slippage allowance stays idle.
	assert.Equal(t, usd(5_000).String(), f.holdingValue(t, rwaA).String())
	assert.Equal(t, usd(4_995).String(), f.holdingValue(t, rwaB).String())
	assert.Equal(t, usd(5).String(), f.vault.IdleAssets().String())
	assert.Equal(t, usd(10_000).String(), snap.FinalTotalAssets.String())
	assert.True(t, snap.NetChange().IsZero())

	h, ok := f.portfolio.Holding(rwaB)
	require.True(t, ok)
	assert.Equal(t, int64(5000), h.TargetAllocationBps)

	require.Len(t, f.store.snapshots, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Cycles.WithLabelValues(ResultRebalanced)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Events.WithLabelValues(string(events.TypeRebalanceExecuted))))
	assert.Equal(t, float64(10_000), testutil.ToFloat64(f.metrics.TotalAssets))
}

func TestRunCycleNoActionWithinThreshold(t *testing.T) {
	f := newFixture(t, 5200, 4800)
	a := f.keeper(t, nil)

	snap, err := a.RunCycle(context.Background())
	require.NoError(t, err)

	assert.False(t, snap.Executed)
	assert.Equal(t, int64(200), snap.MaxDeviationBps)
	assert.Empty(t, snap.Trades)
	assert.Equal(t, usd(5_200).String(), f.holdingValue(t, rwaA).String())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Cycles.WithLabelValues(ResultNoAction)))
}

func TestRunCycleSkipsTradingWhenBreakerActive(t *testing.T) {
	f := newFixture(t, 6000, 4000)
	ctx := context.Background()
	require.NoError(t, f.vault.SetReferenceNav(ctx, admin, usd(20_000)))
	a := f.keeper(t, nil)

	snap, err := a.RunCycle(ctx)
	require.NoError(t, err)

	assert.True(t, snap.CircuitBreakerActive)
	assert.False(t, snap.Executed)
	assert.Nil(t, snap.TargetAllocations)
	assert.Equal(t, usd(6_000).String(), f.holdingValue(t, rwaA).String())
	assert.True(t, f.vault.CircuitBreaker().Active)
	require.Len(t, f.store.snapshots, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Cycles.WithLabelValues(ResultSkipped)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.BreakerActive))
}

func TestRunCycleLiquidatesDeprecatedHolding(t *testing.T) {
	f := newFixture(t, 6000, 4000)
	require.NoError(t, f.registry.SetStatus(rwaB, types.AssetStatusMarkedForRemoval))
	a := f.keeper(t, func(c *Config) {
		c.Bounds = map[common.Address]types.AllocationBounds{rwaA: {MinBps: 0, MaxBps: 10000}}
	})

	snap, err := a.RunCycle(context.Background())
	require.NoError(t, err)

	h, ok := f.portfolio.Holding(rwaB)
	require.True(t, ok)
	assert.False(t, h.IsActive)
	assert.Equal(t, int64(0), h.TargetAllocationBps)
	assert.True(t, f.book.BalanceOf(rwaB, vaultAddr).IsZero())
	assert.Equal(t, usd(4_000).String(), f.vault.IdleAssets().String())

	assert.Equal(t, int64(10000), snap.InitialAllocations[rwaA.Hex()])
	assert.NotContains(t, snap.InitialAllocations, rwaB.Hex())
	assert.Equal(t, int64(10000), snap.TargetAllocations[rwaA.Hex()])
	assert.False(t, snap.Executed)
}

func TestRunCycleRecordsFailedOptimisation(t *testing.T) {
	f := newFixture(t, 6000, 4000)
	a := f.keeper(t, func(c *Config) {
		c.Allocation.DefaultMaxBps = 4000
	})

	snap, err := a.RunCycle(context.Background())
	require.NoError(t, err)

	assert.False(t, snap.Executed)
	assert.Contains(t, snap.FailureReason, "cannot be satisfied")
	require.Len(t, f.store.snapshots, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Cycles.WithLabelValues(ResultFailed)))
}

func TestRunCycleAppliesYields(t *testing.T) {
	f := newFixture(t, 5000, 5000)
	a := f.keeper(t, func(c *Config) {
		c.Yields = func(context.Context) (map[string]int64, error) {
			return map[string]int64{"USTB": 900}, nil
		}
	})

	snap, err := a.RunCycle(context.Background())
	require.NoError(t, err)

	asset, err := f.registry.Asset(rwaA)
	require.NoError(t, err)
	assert.Equal(t, int64(900), asset.APYBps)
	assert.Greater(t, snap.TargetAllocations[rwaA.Hex()], snap.TargetAllocations[rwaB.Hex()])
}

func TestRunCycleKeepsAPYsWhenYieldSourceFails(t *testing.T) {
	f := newFixture(t, 5000, 5000)
	a := f.keeper(t, func(c *Config) {
		c.Yields = func(context.Context) (map[string]int64, error) {
			return nil, errors.New("yield API down")
		}
	})

	_, err := a.RunCycle(context.Background())
	require.NoError(t, err)

	asset, err := f.registry.Asset(rwaA)
	require.NoError(t, err)
	assert.Equal(t, int64(500), asset.APYBps)
}

func TestRunCycleAbortsWithoutPrices(t *testing.T) {
	f := newFixture(t, 6000, 4000)
	f.feeds[rwaA].Fail(errors.New("feed offline"))
	a := f.keeper(t, nil)

	_, err := a.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrCycleAborted)
	assert.Empty(t, f.store.snapshots)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Cycles.WithLabelValues(ResultAborted)))
}

func TestCycleNumberFallsBackToProcessCounter(t *testing.T) {
	f := newFixture(t, 5000, 5000)
	f.store.failCount = true
	a := f.keeper(t, nil)

	a.runLoggedCycle(context.Background())
	a.runLoggedCycle(context.Background())

	require.Len(t, f.store.snapshots, 2)
	assert.Equal(t, 1, f.store.snapshots[0].CycleNumber)
	assert.Equal(t, 2, f.store.snapshots[1].CycleNumber)
}

func TestSharePriceVolatilityUsesHistory(t *testing.T) {
	f := newFixture(t, 5000, 5000)
	for i, p := range []float64{1.0, 1.01, 0.99, 1.02} {
		f.store.prices = append(f.store.prices, types.PriceData{Timestamp: f.start.Add(time.Duration(i-4) * time.Hour), Price: p})
	}
	a := f.keeper(t, nil)

	snap, err := a.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Greater(t, snap.SharePriceVolatility, 0.0)
}

func TestNewAVMValidation(t *testing.T) {
	f := newFixture(t, 5000, 5000)
	cases := map[string]func(*Config){
		"nil vault":     func(c *Config) { c.Vault = nil },
		"nil store":     func(c *Config) { c.Store = nil },
		"zero operator": func(c *Config) { c.Operator = common.Address{} },
		"zero interval": func(c *Config) { c.Interval = 0 },
		"bad params":    func(c *Config) { c.Allocation.Sensitivity = 101 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Config{
				Vault: f.vault, Portfolio: f.portfolio, Assets: f.registry, Store: f.store,
				Allocation: types.AllocationParameters{DefaultMaxBps: 10000, MinTradeSize: sdkmath.ZeroInt()},
				Operator:   keeper, Interval: time.Minute,
			}
			mutate(&cfg)
			_, err := NewAVM(cfg)
			assert.Error(t, err)
		})
	}
}
