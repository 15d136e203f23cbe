package analyzer

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/rwavault/internal/types"
)

// IsRebalanceNeeded reports whether any asset deviates from its target by more than the rebalance
// threshold. Assets missing from one side count as zero there. The max deviation is returned either way.
func (e *Engine) IsRebalanceNeeded(current, target map[common.Address]int64) (bool, int64) {
	var maxDeviation int64
	check := func(token common.Address) {
		d := current[token] - target[token]
		if d < 0 {
			d = -d
		}
		if d > maxDeviation {
			maxDeviation = d
		}
	}
	for token := range current {
		check(token)
	}
	for token := range target {
		check(token)
	}

	needed := maxDeviation > e.params.RebalanceThresholdBps
	allocationLogger.Info().
		Int64("maxDeviationBps", maxDeviation).
		Int64("thresholdBps", e.params.RebalanceThresholdBps).
		Bool("needed", needed).
		Msg("Rebalance check")
	return needed, maxDeviation
}

// CurrentAllocation converts holding values into bps of their total, flooring each share.
// Inactive holdings are left out.
func CurrentAllocation(values []types.HoldingValue) (map[common.Address]int64, sdkmath.Int) {
	total := sdkmath.ZeroInt()
	for _, hv := range values {
		if hv.IsActive {
			total = total.Add(hv.Value)
		}
	}
	out := make(map[common.Address]int64, len(values))
	for _, hv := range values {
		if !hv.IsActive {
			continue
		}
		if !total.IsPositive() {
			out[hv.Token] = 0
			continue
		}
		out[hv.Token] = hv.Value.MulRaw(types.BpsDenominator).Quo(total).Int64()
	}
	return out, total
}

// Inputs builds allocation inputs from holding values, registry APYs and per-asset bounds.
func Inputs(values []types.HoldingValue, apy map[common.Address]int64, bounds map[common.Address]types.AllocationBounds) []AssetInput {
	out := make([]AssetInput, 0, len(values))
	for _, hv := range values {
		if !hv.IsActive {
			continue
		}
		in := AssetInput{Token: hv.Token, Value: hv.Value, APYBps: apy[hv.Token]}
		if b, ok := bounds[hv.Token]; ok {
			in.Bounds = &b
		}
		out = append(out, in)
	}
	return out
}
