package vault

import (
	"context"
	"errors"
	"fmt"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/rwavault/internal/events"
	"github.com/elys-network/rwavault/internal/registry"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/valuation"
)

// AddHolding starts tracking an RWA token the registry reports as active.
func (v *Vault) AddHolding(ctx context.Context, caller, token common.Address, targetBps int64) error {
	return v.manageHolding(ctx, caller, "add_holding", token, func() error {
		return v.portfolio.AddHolding(token, targetBps)
	}, map[string]string{"action": "add", "target_bps": fmt.Sprint(targetBps)})
}

// RemoveHolding stops tracking token once the vault holds none of it.
func (v *Vault) RemoveHolding(ctx context.Context, caller, token common.Address) error {
	return v.manageHolding(ctx, caller, "remove_holding", token, func() error {
		return v.portfolio.RemoveHolding(token)
	}, map[string]string{"action": "remove"})
}

// SetHoldingActive includes or excludes a holding from valuation and targets.
func (v *Vault) SetHoldingActive(ctx context.Context, caller, token common.Address, active bool) error {
	return v.manageHolding(ctx, caller, "set_holding_active", token, func() error {
		return v.portfolio.SetActive(token, active)
	}, map[string]string{"action": "set_active", "active": fmt.Sprint(active)})
}

// UpdateTargetAllocation changes the target of one holding. Active targets must still sum to at most 10000 bps.
func (v *Vault) UpdateTargetAllocation(ctx context.Context, caller, token common.Address, targetBps int64) error {
	return v.manageHolding(ctx, caller, "update_target_allocation", token, func() error {
		return v.portfolio.SetTargets(map[common.Address]int64{token: targetBps})
	}, map[string]string{"action": "update_target", "target_bps": fmt.Sprint(targetBps)})
}

// manageHolding runs one holding-set change under the vault lock. apply must be the only mutation.
func (v *Vault) manageHolding(ctx context.Context, caller common.Address, op string, token common.Address, apply func() error, attrs map[string]string) error {
	err := v.execute(ctx, op, func(tx *txn) error {
		if err := v.authorize(caller, types.ActionManageHoldings); err != nil {
			return err
		}
		if (token == common.Address{}) {
			return errorsmod.Wrap(ErrZeroAddress, "holding token must be nonzero")
		}
		if err := apply(); err != nil {
			return holdingError(err, token)
		}
		attrs["token"] = token.Hex()
		tx.emit(events.Event{Type: events.TypeHoldingUpdated, Caller: caller, Attributes: attrs})
		return nil
	})
	if err != nil {
		return err
	}
	vaultLogger.Info().Str("op", op).Str("token", token.Hex()).Str("caller", caller.Hex()).Msg("Holding set updated")
	return nil
}

// holdingError files a portfolio failure under the matching registered kind.
func holdingError(err error, token common.Address) error {
	kind := ErrInvalidParameter
	switch {
	case errors.Is(err, valuation.ErrAllocationExceeded), errors.Is(err, valuation.ErrInvalidAllocation):
		kind = ErrInvalidAllocation
	case errors.Is(err, valuation.ErrHoldingNotFound), errors.Is(err, valuation.ErrAssetNotActive),
		errors.Is(err, registry.ErrAssetNotFound):
		kind = ErrUnknownAsset
	}
	return external(kind, err, "holding %s", token.Hex())
}
