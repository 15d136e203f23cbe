/*

This file contains the allocation engine: target weights for the RWA holdings from current values and APYs,
clamped to per-asset bounds and rounded to basis points that sum to exactly 10000.

*/

package analyzer

import (
	"errors"
	"fmt"
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/rwavault/internal/logger"
	"github.com/elys-network/rwavault/internal/types"
)

var allocationLogger = logger.GetForComponent("allocation_engine")

var (
	ErrNoAssets                = errors.New("no assets to allocate")
	ErrAllocationInfeasible    = errors.New("allocation bounds cannot be satisfied")
	ErrInvalidAllocationParams = errors.New("invalid allocation parameters")
	ErrInvalidAssetInput       = errors.New("invalid asset input")
)

// AssetInput is one candidate holding.
type AssetInput struct {
	Token  common.Address
	Value  sdkmath.Int // current value in vault asset units
	APYBps int64
	Bounds *types.AllocationBounds // nil uses the engine defaults
}

// Engine computes target allocations and decides when to rebalance.
type Engine struct {
	params types.AllocationParameters
}

func NewEngine(params types.AllocationParameters) (*Engine, error) {
	if err := ValidateAllocationParameters(params); err != nil {
		return nil, err
	}
	return &Engine{params: params}, nil
}

func (e *Engine) Params() types.AllocationParameters { return e.params }

// ValidateAllocationParameters checks ranges of the tunables.
func ValidateAllocationParameters(p types.AllocationParameters) error {
	if p.Sensitivity < 0 || p.Sensitivity > 100 {
		return fmt.Errorf("%w: sensitivity %d not in [0, 100]", ErrInvalidAllocationParams, p.Sensitivity)
	}
	if p.RebalanceThresholdBps < 0 || p.RebalanceThresholdBps > types.BpsDenominator {
		return fmt.Errorf("%w: rebalance threshold %d bps", ErrInvalidAllocationParams, p.RebalanceThresholdBps)
	}
	if err := validateBounds(types.AllocationBounds{MinBps: p.DefaultMinBps, MaxBps: p.DefaultMaxBps}); err != nil {
		return fmt.Errorf("%w: default bounds: %w", ErrInvalidAllocationParams, err)
	}
	if p.MinTradeSize.IsNil() || p.MinTradeSize.IsNegative() {
		return fmt.Errorf("%w: minimum trade size must be non-negative", ErrInvalidAllocationParams)
	}
	return nil
}

func validateBounds(b types.AllocationBounds) error {
	if b.MinBps < 0 || b.MaxBps > types.BpsDenominator || b.MinBps > b.MaxBps {
		return fmt.Errorf("bounds [%d, %d] bps are not ordered within [0, 10000]", b.MinBps, b.MaxBps)
	}
	return nil
}

// CalculateOptimalAllocation blends each asset's share of current value with its share of total APY:
//
//	w = ((100 - sensitivity) * valueShare + sensitivity * apyShare) / 100
//
// If every asset has the same APY the split is equal. Weights are clamped to each asset's bounds, the
// residual is spread over the unclamped assets in proportion to their weight, and the result is
// rounded to integer bps summing to exactly 10000.
func (e *Engine) CalculateOptimalAllocation(assets []AssetInput) (map[common.Address]int64, error) {
	n := len(assets)
	if n == 0 {
		return nil, ErrNoAssets
	}

	mins := make([]int64, n)
	maxs := make([]int64, n)
	seen := make(map[common.Address]bool, n)
	var sumMin, sumMax int64
	for i, a := range assets {
		if (a.Token == common.Address{}) || seen[a.Token] {
			return nil, fmt.Errorf("%w: token %s is zero or duplicated", ErrInvalidAssetInput, a.Token.Hex())
		}
		seen[a.Token] = true
		if a.Value.IsNil() || a.Value.IsNegative() || a.APYBps < 0 {
			return nil, fmt.Errorf("%w: %s has a negative value or APY", ErrInvalidAssetInput, a.Token.Hex())
		}
		b := types.AllocationBounds{MinBps: e.params.DefaultMinBps, MaxBps: e.params.DefaultMaxBps}
		if a.Bounds != nil {
			b = *a.Bounds
		}
		if err := validateBounds(b); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidAssetInput, a.Token.Hex(), err)
		}
		mins[i], maxs[i] = b.MinBps, b.MaxBps
		sumMin += b.MinBps
		sumMax += b.MaxBps
	}
	if sumMin > types.BpsDenominator || sumMax < types.BpsDenominator {
		allocationLogger.Error().
			Int("assets", n).
			Int64("sumMinBps", sumMin).
			Int64("sumMaxBps", sumMax).
			Msg("Allocation bounds are infeasible")
		return nil, fmt.Errorf("%w: %d assets with Σmin %d bps and Σmax %d bps", ErrAllocationInfeasible, n, sumMin, sumMax)
	}

	weights := blendWeights(assets, e.params.Sensitivity)
	fractions, err := clampToBounds(weights, mins, maxs)
	if err != nil {
		return nil, err
	}
	bps, err := toBasisPoints(fractions, mins, maxs, assets)
	if err != nil {
		return nil, err
	}

	out := make(map[common.Address]int64, n)
	for i, a := range assets {
		out[a.Token] = bps[i]
		allocationLogger.Debug().
			Str("token", a.Token.Hex()).
			Str("weight", weights[i].String()).
			Int64("targetBps", bps[i]).
			Msg("Target allocation")
	}
	allocationLogger.Info().Int("assets", n).Int64("sensitivity", e.params.Sensitivity).Msg("Optimal allocation calculated")
	return out, nil
}

func blendWeights(assets []AssetInput, sensitivity int64) []sdkmath.LegacyDec {
	n := len(assets)
	equal := sdkmath.LegacyOneDec().QuoInt64(int64(n))
	weights := make([]sdkmath.LegacyDec, n)

	allEqualAPY := true
	totalValue := sdkmath.ZeroInt()
	var totalAPY int64
	for _, a := range assets {
		if a.APYBps != assets[0].APYBps {
			allEqualAPY = false
		}
		totalValue = totalValue.Add(a.Value)
		totalAPY += a.APYBps
	}
	if allEqualAPY {
		for i := range weights {
			weights[i] = equal
		}
		return weights
	}

	s := sdkmath.LegacyNewDec(sensitivity)
	valueWeight := sdkmath.LegacyNewDec(100).Sub(s)
	for i, a := range assets {
		valueShare := equal
		if totalValue.IsPositive() {
			valueShare = sdkmath.LegacyNewDecFromInt(a.Value).Quo(sdkmath.LegacyNewDecFromInt(totalValue))
		}
		apyShare := equal
		if totalAPY > 0 {
			apyShare = sdkmath.LegacyNewDec(a.APYBps).QuoInt64(totalAPY)
		}
		weights[i] = valueWeight.Mul(valueShare).Add(s.Mul(apyShare)).QuoInt64(100)
	}
	return weights
}

// clampToBounds locks assets at their bounds one side at a time and re-spreads the rest in proportion
// to weight, until no unlocked asset violates its bounds. Every pass locks at least one asset.
func clampToBounds(weights []sdkmath.LegacyDec, minBps, maxBps []int64) ([]sdkmath.LegacyDec, error) {
	n := len(weights)
	mins := make([]sdkmath.LegacyDec, n)
	maxs := make([]sdkmath.LegacyDec, n)
	for i := range weights {
		mins[i] = sdkmath.LegacyNewDecWithPrec(minBps[i], 4)
		maxs[i] = sdkmath.LegacyNewDecWithPrec(maxBps[i], 4)
	}

	alloc := make([]sdkmath.LegacyDec, n)
	locked := make([]bool, n)
	remaining := sdkmath.LegacyOneDec()

	for pass := 0; pass <= n; pass++ {
		unlockedWeight := sdkmath.LegacyZeroDec()
		unlocked := 0
		for i := range weights {
			if !locked[i] {
				unlockedWeight = unlockedWeight.Add(weights[i])
				unlocked++
			}
		}
		if unlocked == 0 {
			break
		}
		for i := range weights {
			if locked[i] {
				continue
			}
			if unlockedWeight.IsPositive() {
				alloc[i] = weights[i].Mul(remaining).Quo(unlockedWeight)
			} else {
				alloc[i] = remaining.QuoInt64(int64(unlocked))
			}
		}

		over, under := sdkmath.LegacyZeroDec(), sdkmath.LegacyZeroDec()
		var overIdx, underIdx []int
		for i := range weights {
			if locked[i] {
				continue
			}
			if alloc[i].GT(maxs[i]) {
				over = over.Add(alloc[i].Sub(maxs[i]))
				overIdx = append(overIdx, i)
			} else if alloc[i].LT(mins[i]) {
				under = under.Add(mins[i].Sub(alloc[i]))
				underIdx = append(underIdx, i)
			}
		}
		if len(overIdx) == 0 && len(underIdx) == 0 {
			break
		}

		// Lock the side with the larger violation first; locking both at once can overshoot.
		if over.GTE(under) {
			for _, i := range overIdx {
				alloc[i], locked[i] = maxs[i], true
				remaining = remaining.Sub(maxs[i])
			}
		} else {
			for _, i := range underIdx {
				alloc[i], locked[i] = mins[i], true
				remaining = remaining.Sub(mins[i])
			}
		}
	}

	sum := sdkmath.LegacyZeroDec()
	for _, a := range alloc {
		sum = sum.Add(a)
	}
	if residual := sdkmath.LegacyOneDec().Sub(sum); !residual.IsZero() {
		if err := spreadResidual(alloc, mins, maxs, residual); err != nil {
			return nil, err
		}
	}
	return alloc, nil
}

// spreadResidual moves residual into (or out of) the assets in proportion to their room before the bound.
func spreadResidual(alloc, mins, maxs []sdkmath.LegacyDec, residual sdkmath.LegacyDec) error {
	room := make([]sdkmath.LegacyDec, len(alloc))
	total := sdkmath.LegacyZeroDec()
	for i := range alloc {
		if residual.IsPositive() {
			room[i] = maxs[i].Sub(alloc[i])
		} else {
			room[i] = alloc[i].Sub(mins[i])
		}
		if room[i].IsNegative() {
			room[i] = sdkmath.LegacyZeroDec()
		}
		total = total.Add(room[i])
	}
	if total.LT(residual.Abs()) {
		return fmt.Errorf("%w: residual %s exceeds available room %s", ErrAllocationInfeasible, residual, total)
	}
	for i := range alloc {
		if room[i].IsZero() {
			continue
		}
		alloc[i] = alloc[i].Add(residual.Mul(room[i]).Quo(total))
	}
	return nil
}

// toBasisPoints floors each fraction to bps and hands out the leftover units by largest remainder,
// ties broken by token address, never crossing a bound.
func toBasisPoints(alloc []sdkmath.LegacyDec, mins, maxs []int64, assets []AssetInput) ([]int64, error) {
	n := len(alloc)
	bps := make([]int64, n)
	rem := make([]sdkmath.LegacyDec, n)
	var total int64
	for i, a := range alloc {
		scaled := a.MulInt64(types.BpsDenominator)
		b := scaled.TruncateInt64()
		rem[i] = scaled.Sub(sdkmath.LegacyNewDec(b))
		if b < mins[i] {
			b = mins[i]
		}
		if b > maxs[i] {
			b = maxs[i]
		}
		bps[i] = b
		total += b
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		i, j := order[x], order[y]
		if !rem[i].Equal(rem[j]) {
			return rem[i].GT(rem[j])
		}
		return assets[i].Token.Hex() < assets[j].Token.Hex()
	})

	left := types.BpsDenominator - total
	for left != 0 {
		moved := false
		if left > 0 {
			for _, i := range order {
				if left == 0 {
					break
				}
				if bps[i] < maxs[i] {
					bps[i]++
					left--
					moved = true
				}
			}
		} else {
			for k := n - 1; k >= 0; k-- {
				i := order[k]
				if left == 0 {
					break
				}
				if bps[i] > mins[i] {
					bps[i]--
					left++
					moved = true
				}
			}
		}
		if !moved {
			return nil, fmt.Errorf("%w: %d bps could not be placed within bounds", ErrAllocationInfeasible, left)
		}
	}
	return bps, nil
}
