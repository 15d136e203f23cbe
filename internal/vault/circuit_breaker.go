package vault

import (
	"context"
	"fmt"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/rwavault/internal/events"
	"github.com/elys-network/rwavault/internal/types"
)

// CircuitBreakerState is a snapshot of the drawdown detector.
type CircuitBreakerState struct {
	Active       bool        `json:"active"`
	ReferenceNav sdkmath.Int `json:"reference_nav"`
	ThresholdBps int64       `json:"threshold_bps"`
}

// breakerTripped reports total ≤ referenceNav*(1 - thresholdBps/10000). An unset reference never trips.
func breakerTripped(b circuitBreaker, total sdkmath.Int) bool {
	if !b.referenceNav.IsPositive() {
		return false
	}
	lhs := total.MulRaw(types.BpsDenominator)
	rhs := b.referenceNav.MulRaw(types.BpsDenominator - b.thresholdBps)
	return lhs.LTE(rhs)
}

// evaluateCircuitBreaker activates the staged breaker when NAV has fallen through the threshold.
// The activation commits only with the enclosing operation.
func (tx *txn) evaluateCircuitBreaker(total sdkmath.Int) bool {
	if tx.st.breaker.active || !breakerTripped(tx.st.breaker, total) {
		return false
	}
	tx.st.breaker.active = true
	tx.emitBreaker(common.Address{}, "drawdown", total)
	vaultLogger.Warn().
		Str("totalAssets", total.String()).
		Str("referenceNav", tx.st.breaker.referenceNav.String()).
		Int64("thresholdBps", tx.st.breaker.thresholdBps).
		Msg("Circuit breaker activated")
	return true
}

func (tx *txn) emitBreaker(caller common.Address, reason string, total sdkmath.Int) {
	tx.emit(events.Event{
		Type:        events.TypeCircuitBreakerChanged,
		Caller:      caller,
		TotalAssets: total,
		Attributes: map[string]string{
			"active":        fmt.Sprint(tx.st.breaker.active),
			"reason":        reason,
			"reference_nav": tx.st.breaker.referenceNav.String(),
			"threshold_bps": fmt.Sprint(tx.st.breaker.thresholdBps),
		},
	})
}

// SetReferenceNav sets the NAV drawdowns are measured against.
func (v *Vault) SetReferenceNav(ctx context.Context, caller common.Address, nav sdkmath.Int) error {
	return v.execute(ctx, "set_reference_nav", func(tx *txn) error {
		if err := v.authorize(caller, types.ActionCircuitBreaker); err != nil {
			return err
		}
		if nav.IsNil() || nav.IsNegative() {
			return errorsmod.Wrap(ErrInvalidParameter, "reference NAV must be non-negative")
		}
		tx.st.breaker.referenceNav = nav
		vaultLogger.Info().Str("referenceNav", nav.String()).Msg("Circuit breaker reference NAV set")
		return nil
	})
}

// SetCircuitBreakerThreshold sets the drawdown, in bps of the reference NAV, that trips the breaker.
func (v *Vault) SetCircuitBreakerThreshold(ctx context.Context, caller common.Address, bps int64) error {
	return v.execute(ctx, "set_circuit_breaker_threshold", func(tx *txn) error {
		if err := v.authorize(caller, types.ActionCircuitBreaker); err != nil {
			return err
		}
		if bps <= 0 || bps > types.BpsDenominator {
			return errorsmod.Wrapf(ErrInvalidParameter, "threshold %d bps not in (0, 10000]", bps)
		}
		tx.st.breaker.thresholdBps = bps
		vaultLogger.Info().Int64("thresholdBps", bps).Msg("Circuit breaker threshold set")
		return nil
	})
}

// CheckCircuitBreaker evaluates the drawdown against live NAV and activates the breaker if tripped.
// Anyone may call it.
func (v *Vault) CheckCircuitBreaker(ctx context.Context) (bool, error) {
	var active bool
	err := v.execute(ctx, "check_circuit_breaker", func(tx *txn) error {
		total, err := tx.totalAssets()
		if err != nil {
			return err
		}
		tx.evaluateCircuitBreaker(total)
		active = tx.st.breaker.active
		return nil
	})
	return active, err
}

// ActivateCircuitBreaker is the manual override.
func (v *Vault) ActivateCircuitBreaker(ctx context.Context, caller common.Address) error {
	return v.setBreaker(ctx, caller, true)
}

// ResetCircuitBreaker deactivates the breaker. It re-trips on the next check while NAV stays below the threshold.
func (v *Vault) ResetCircuitBreaker(ctx context.Context, caller common.Address) error {
	return v.setBreaker(ctx, caller, false)
}

func (v *Vault) setBreaker(ctx context.Context, caller common.Address, active bool) error {
	return v.execute(ctx, "set_circuit_breaker", func(tx *txn) error {
		if err := v.authorize(caller, types.ActionCircuitBreaker); err != nil {
			return err
		}
		if tx.st.breaker.active == active {
			return nil
		}
		tx.st.breaker.active = active
		tx.emitBreaker(caller, "manual", sdkmath.Int{})
		vaultLogger.Warn().Bool("active", active).Str("caller", caller.Hex()).Msg("Circuit breaker changed manually")
		return nil
	})
}

func (v *Vault) CircuitBreaker() CircuitBreakerState {
	var out CircuitBreakerState
	_ = v.view(func(st *vaultState) error {
		out = CircuitBreakerState{Active: st.breaker.active, ReferenceNav: st.breaker.referenceNav, ThresholdBps: st.breaker.thresholdBps}
		return nil
	})
	return out
}
