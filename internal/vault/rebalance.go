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

// RebalanceResult summarises the executed legs of a rebalance.
type RebalanceResult struct {
	Sells        int         `json:"sells"`
	Buys         int         `json:"buys"`
	SellProceeds sdkmath.Int `json:"sell_proceeds"`
	BuySpend     sdkmath.Int `json:"buy_spend"`
}

// Rebalance executes every sell leg, then every buy leg. Any failing leg aborts the whole call.
func (v *Vault) Rebalance(ctx context.Context, caller common.Address, order types.RebalanceOrder) (RebalanceResult, error) {
	var res RebalanceResult
	err := v.execute(ctx, "rebalance", func(tx *txn) error {
		if err := v.authorize(caller, types.ActionRebalance); err != nil {
			return err
		}
		var err error
		res, err = tx.rebalance(caller, order, nil)
		return err
	})
	return res, err
}

// RebalanceWithNewAllocations executes the order and stores new targets in the same atomic unit.
// Stored active targets must sum to at most 10000 bps.
func (v *Vault) RebalanceWithNewAllocations(ctx context.Context, caller common.Address, order types.RebalanceOrder, targets map[common.Address]int64) (RebalanceResult, error) {
	var res RebalanceResult
	err := v.execute(ctx, "rebalance_with_allocations", func(tx *txn) error {
		if err := v.authorize(caller, types.ActionRebalance); err != nil {
			return err
		}
		if len(targets) == 0 {
			return errorsmod.Wrap(ErrInvalidAllocation, "no targets given")
		}
		if err := v.portfolio.ValidateTargets(targets); err != nil {
			return errorsmod.Wrap(ErrInvalidAllocation, err.Error())
		}
		var err error
		if res, err = tx.rebalance(caller, order, targets); err != nil {
			return err
		}
		// Must stay the last fallible step.
		if err := v.portfolio.SetTargets(targets); err != nil {
			return errorsmod.Wrap(ErrInvalidAllocation, err.Error())
		}
		attrs := make(map[string]string, len(targets))
		for token, bps := range targets {
			attrs[token.Hex()] = fmt.Sprint(bps)
		}
		tx.emit(events.Event{Type: events.TypeAllocationUpdated, Caller: caller, Attributes: attrs})
		return nil
	})
	return res, err
}

func (tx *txn) rebalance(caller common.Address, order types.RebalanceOrder, targets map[common.Address]int64) (RebalanceResult, error) {
	v := tx.v
	res := RebalanceResult{SellProceeds: sdkmath.ZeroInt(), BuySpend: sdkmath.ZeroInt()}

	if len(order.SellAssets) != len(order.SellAmounts) {
		return res, errorsmod.Wrapf(ErrArrayLengthMismatch, "%d sell assets, %d amounts", len(order.SellAssets), len(order.SellAmounts))
	}
	if len(order.BuyAssets) != len(order.BuyAmounts) {
		return res, errorsmod.Wrapf(ErrArrayLengthMismatch, "%d buy assets, %d amounts", len(order.BuyAssets), len(order.BuyAmounts))
	}
	for i, token := range order.SellAssets {
		if err := tx.checkLeg(token, order.SellAmounts[i], false); err != nil {
			return res, err
		}
	}
	for i, token := range order.BuyAssets {
		if err := tx.checkLeg(token, order.BuyAmounts[i], true); err != nil {
			return res, err
		}
	}

	for i, token := range order.SellAssets {
		amount := order.SellAmounts[i]
		if bal := v.ledger.BalanceOf(token, v.address); bal.LT(amount) {
			return res, errorsmod.Wrapf(ErrInsufficientBalance, "selling %s of %s, custody holds %s", amount, token.Hex(), bal)
		}
		out, err := v.swap.SellRWAAsset(tx.ctx, token, v.asset, amount, v.params.MaxSlippageBps)
		if err != nil {
			return res, external(ErrSwapFailed, err, "sell leg %d (%s)", i, token.Hex())
		}
		tx.st.idle = tx.st.idle.Add(out)
		tx.traded = true
		res.Sells++
		res.SellProceeds = res.SellProceeds.Add(out)
	}
	for i, token := range order.BuyAssets {
		amount := order.BuyAmounts[i]
		if tx.st.idle.LT(amount) {
			return res, errorsmod.Wrapf(ErrInsufficientBalance, "buying %s with %s, idle is %s", token.Hex(), amount, tx.st.idle)
		}
		if _, err := v.swap.BuyRWAAsset(tx.ctx, v.asset, token, amount, v.params.MaxSlippageBps); err != nil {
			return res, external(ErrSwapFailed, err, "buy leg %d (%s)", i, token.Hex())
		}
		tx.st.idle = tx.st.idle.Sub(amount)
		tx.traded = true
		res.Buys++
		res.BuySpend = res.BuySpend.Add(amount)
	}

	tx.emit(events.Event{
		Type:   events.TypeRebalanceExecuted,
		Caller: caller,
		Assets: res.BuySpend,
		Attributes: map[string]string{
			"sells":         fmt.Sprint(res.Sells),
			"buys":          fmt.Sprint(res.Buys),
			"sell_proceeds": res.SellProceeds.String(),
			"buy_spend":     res.BuySpend.String(),
			"new_targets":   fmt.Sprint(targets != nil),
		},
	})
	vaultLogger.Info().Int("sells", res.Sells).Int("buys", res.Buys).Str("proceeds", res.SellProceeds.String()).Str("spend", res.BuySpend.String()).Msg("Rebalance executed")
	return res, nil
}

// checkLeg requires a positive amount on an active holding. Buys additionally need an asset the registry still lists as active.
func (tx *txn) checkLeg(token common.Address, amount sdkmath.Int, buy bool) error {
	if amount.IsNil() || !amount.IsPositive() {
		return errorsmod.Wrapf(ErrZeroAmount, "leg for %s", token.Hex())
	}
	h, ok := tx.v.portfolio.Holding(token)
	if !ok || !h.IsActive {
		return errorsmod.Wrapf(ErrUnknownAsset, "%s is not an active holding", token.Hex())
	}
	if !buy {
		return nil
	}
	asset, err := tx.v.registry.Asset(token)
	if err != nil {
		return external(ErrRegistry, err, "resolving %s", token.Hex())
	}
	if !asset.IsActive() {
		return errorsmod.Wrapf(ErrUnknownAsset, "%s is marked for removal", asset.Symbol)
	}
	return nil
}

// LiquidateDeprecatedHolding sells the full balance of a holding the registry marked for removal,
// zeroes its target and deactivates it.
func (v *Vault) LiquidateDeprecatedHolding(ctx context.Context, caller common.Address, token common.Address) (sdkmath.Int, error) {
	proceeds := sdkmath.ZeroInt()
	err := v.execute(ctx, "liquidate_deprecated", func(tx *txn) error {
		if err := v.authorize(caller, types.ActionLiquidateDeprecated); err != nil {
			return err
		}
		if _, ok := v.portfolio.Holding(token); !ok {
			return errorsmod.Wrapf(ErrUnknownAsset, "%s is not a holding", token.Hex())
		}
		asset, err := v.registry.Asset(token)
		if err != nil {
			return external(ErrRegistry, err, "resolving %s", token.Hex())
		}
		if asset.Status != types.AssetStatusMarkedForRemoval {
			return errorsmod.Wrapf(ErrAssetNotDeprecated, "%s is %s", asset.Symbol, asset.Status)
		}

		balance := v.ledger.BalanceOf(token, v.address)
		if balance.IsPositive() {
			out, err := v.swap.SellRWAAsset(tx.ctx, token, v.asset, balance, v.params.MaxSlippageBps)
			if err != nil {
				return external(ErrSwapFailed, err, "liquidating %s %s", balance, asset.Symbol)
			}
			tx.st.idle = tx.st.idle.Add(out)
			tx.traded = true
			proceeds = out
		}

		if err := v.portfolio.SetTargets(map[common.Address]int64{token: 0}); err != nil {
			return errorsmod.Wrap(ErrInvalidAllocation, err.Error())
		}
		if err := v.portfolio.SetActive(token, false); err != nil {
			return errorsmod.Wrap(ErrInvalidAllocation, err.Error())
		}
		tx.emit(events.Event{
			Type:   events.TypeHoldingLiquidated,
			Caller: caller,
			Assets: proceeds,
			Attributes: map[string]string{
				"token":  token.Hex(),
				"symbol": asset.Symbol,
				"amount": balance.String(),
			},
		})
		vaultLogger.Warn().Str("symbol", asset.Symbol).Str("amount", balance.String()).Str("proceeds", proceeds.String()).Msg("Deprecated holding liquidated")
		return nil
	})
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return proceeds, nil
}
