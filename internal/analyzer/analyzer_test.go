package analyzer

import (
	"math"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/rwavault/internal/types"
)

var (
	tokA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokB = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	tokC = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	tokD = common.HexToAddress("0x00000000000000000000000000000000000000a4")
)

func defaultParams() types.AllocationParameters {
	return types.AllocationParameters{
		Sensitivity:           100,
		RebalanceThresholdBps: 500,
		DefaultMinBps:         100,
		DefaultMaxBps:         5000,
		MinTradeSize:          sdkmath.NewInt(100_000_000),
	}
}

func newEngine(t *testing.T, mutate func(*types.AllocationParameters)) *Engine {
	t.Helper()
	p := defaultParams()
	if mutate != nil {
		mutate(&p)
	}
	e, err := NewEngine(p)
	require.NoError(t, err)
	return e
}

func input(tok common.Address, value, apy int64) AssetInput {
	return AssetInput{Token: tok, Value: sdkmath.NewInt(value), APYBps: apy}
}

func sum(m map[common.Address]int64) int64 {
	var s int64
	for _, v := range m {
		s += v
	}
	return s
}

func TestEqualAPYGivesEqualSplit(t *testing.T) {
	e := newEngine(t, func(p *types.AllocationParameters) { p.Sensitivity = 30 })

	alloc, err := e.CalculateOptimalAllocation([]AssetInput{
		input(tokA, 9_000, 500), input(tokB, 500, 500), input(tokC, 500, 500), input(tokD, 0, 500),
	})
	require.NoError(t, err)
	for _, tok := range []common.Address{tokA, tokB, tokC, tokD} {
		assert.Equal(t, int64(2500), alloc[tok])
	}

	alloc, err = e.CalculateOptimalAllocation([]AssetInput{input(tokA, 1, 400), input(tokB, 1, 400), input(tokC, 1, 400)})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), sum(alloc))
	assert.Equal(t, int64(3334), alloc[tokA], "leftover unit goes to the lowest address on a tie")
	assert.Equal(t, int64(3333), alloc[tokB])
	assert.Equal(t, int64(3333), alloc[tokC])
}

func TestClampRedistributesResidual(t *testing.T) {
	e := newEngine(t, nil)

	alloc, err := e.CalculateOptimalAllocation([]AssetInput{input(tokA, 0, 100), input(tokB, 0, 200), input(tokC, 0, 700)})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), alloc[tokC])
	assert.Equal(t, int64(1667), alloc[tokA])
	assert.Equal(t, int64(3333), alloc[tokB])

	alloc, err = e.CalculateOptimalAllocation([]AssetInput{input(tokA, 0, 0), input(tokB, 0, 50), input(tokC, 0, 50), input(tokD, 0, 50)})
	require.NoError(t, err)
	assert.Equal(t, int64(100), alloc[tokA])
	assert.Equal(t, int64(3300), alloc[tokB])
	assert.Equal(t, int64(3300), alloc[tokC])
	assert.Equal(t, int64(3300), alloc[tokD])
}

func TestSensitivityBlendsValueAndAPY(t *testing.T) {
	wide := &types.AllocationBounds{MinBps: 0, MaxBps: 10000}
	assets := []AssetInput{
		{Token: tokA, Value: sdkmath.NewInt(6_000), APYBps: 200, Bounds: wide},
		{Token: tokB, Value: sdkmath.NewInt(4_000), APYBps: 800, Bounds: wide},
	}

	cases := []struct {
		sensitivity int64
		a, b        int64
	}{
		{0, 6000, 4000},
		{100, 2000, 8000},
		{50, 4000, 6000},
	}
	for _, tc := range cases {
		e := newEngine(t, func(p *types.AllocationParameters) { p.Sensitivity = tc.sensitivity })
		alloc, err := e.CalculateOptimalAllocation(assets)
		require.NoError(t, err)
		assert.Equal(t, tc.a, alloc[tokA], "sensitivity %d", tc.sensitivity)
		assert.Equal(t, tc.b, alloc[tokB], "sensitivity %d", tc.sensitivity)
	}
}

func TestAllocationAlwaysSumsToFullWithinBounds(t *testing.T) {
	e := newEngine(t, func(p *types.AllocationParameters) { p.Sensitivity = 65 })
	inputs := [][]AssetInput{
		{input(tokA, 1, 1), input(tokB, 7, 3), input(tokC, 13, 999)},
		{input(tokA, 123_456, 10), input(tokB, 1, 2_000), input(tokC, 99, 50), input(tokD, 0, 0)},
		{input(tokA, 0, 0), input(tokB, 0, 1)},
	}
	for _, in := range inputs {
		alloc, err := e.CalculateOptimalAllocation(in)
		require.NoError(t, err)
		assert.Equal(t, int64(10000), sum(alloc))
		for tok, bps := range alloc {
			assert.GreaterOrEqual(t, bps, int64(100), tok.Hex())
			assert.LessOrEqual(t, bps, int64(5000), tok.Hex())
		}
	}
}

func TestAllocationErrors(t *testing.T) {
	e := newEngine(t, nil)

	_, err := e.CalculateOptimalAllocation(nil)
	assert.ErrorIs(t, err, ErrNoAssets)

	_, err = e.CalculateOptimalAllocation([]AssetInput{input(tokA, 1, 1)})
	assert.ErrorIs(t, err, ErrAllocationInfeasible, "one asset cannot exceed 5000 bps")

	tight := &types.AllocationBounds{MinBps: 6000, MaxBps: 7000}
	_, err = e.CalculateOptimalAllocation([]AssetInput{
		{Token: tokA, Value: sdkmath.OneInt(), Bounds: tight},
		{Token: tokB, Value: sdkmath.OneInt(), Bounds: tight},
	})
	assert.ErrorIs(t, err, ErrAllocationInfeasible)

	_, err = e.CalculateOptimalAllocation([]AssetInput{input(tokA, 1, 1), input(tokA, 1, 1)})
	assert.ErrorIs(t, err, ErrInvalidAssetInput)

	_, err = NewEngine(types.AllocationParameters{Sensitivity: 101, DefaultMaxBps: 5000, MinTradeSize: sdkmath.ZeroInt()})
	assert.ErrorIs(t, err, ErrInvalidAllocationParams)
}

func TestIsRebalanceNeeded(t *testing.T) {
	e := newEngine(t, nil)
	target := map[common.Address]int64{tokA: 6000, tokB: 4000}

	needed, dev := e.IsRebalanceNeeded(map[common.Address]int64{tokA: 5500, tokB: 4500}, target)
	assert.False(t, needed)
	assert.Equal(t, int64(500), dev)

	needed, dev = e.IsRebalanceNeeded(map[common.Address]int64{tokA: 5499, tokB: 4501}, target)
	assert.True(t, needed)
	assert.Equal(t, int64(501), dev)

	needed, dev = e.IsRebalanceNeeded(map[common.Address]int64{tokA: 10000}, target)
	assert.True(t, needed)
	assert.Equal(t, int64(4000), dev)
}

func TestCurrentAllocation(t *testing.T) {
	values := []types.HoldingValue{
		{Holding: types.Holding{Token: tokA, IsActive: true}, Value: sdkmath.NewInt(600)},
		{Holding: types.Holding{Token: tokB, IsActive: true}, Value: sdkmath.NewInt(400)},
		{Holding: types.Holding{Token: tokC, IsActive: false}, Value: sdkmath.NewInt(0)},
	}
	alloc, total := CurrentAllocation(values)
	assert.Equal(t, "1000", total.String())
	assert.Equal(t, int64(6000), alloc[tokA])
	assert.Equal(t, int64(4000), alloc[tokB])
	_, ok := alloc[tokC]
	assert.False(t, ok)

	in := Inputs(values, map[common.Address]int64{tokA: 450}, map[common.Address]types.AllocationBounds{tokB: {MinBps: 0, MaxBps: 9000}})
	require.Len(t, in, 2)
	assert.Equal(t, int64(450), in[0].APYBps)
	require.NotNil(t, in[1].Bounds)
	assert.Equal(t, int64(9000), in[1].Bounds.MaxBps)
}

func TestCalculateVolatility(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	day := func(i int) time.Time { return start.Add(time.Duration(i) * 24 * time.Hour) }

	_, err := CalculateVolatility([]types.PriceData{{Timestamp: start, Price: 1}}, 365)
	assert.ErrorIs(t, err, ErrInsufficientData)

	flat, err := CalculateVolatility([]types.PriceData{{Timestamp: day(0), Price: 1}, {Timestamp: day(1), Price: 1}, {Timestamp: day(2), Price: 1}}, 365)
	require.NoError(t, err)
	assert.Zero(t, flat)

	// Out of order on purpose.
	vol, err := CalculateVolatility([]types.PriceData{{Timestamp: day(2), Price: 99}, {Timestamp: day(0), Price: 100}, {Timestamp: day(1), Price: 110}}, 365)
	require.NoError(t, err)
	r1, r2 := math.Log(1.1), math.Log(0.9)
	mean := (r1 + r2) / 2
	want := math.Sqrt(((r1-mean)*(r1-mean)+(r2-mean)*(r2-mean))/2) * math.Sqrt(365)
	assert.InDelta(t, want, vol, 1e-12)
}
