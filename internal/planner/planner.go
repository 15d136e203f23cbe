package planner

import (
	"errors"
	"fmt"
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/rwavault/internal/logger"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/utils"
)

var (
	ErrInvalidVaultValue        = errors.New("vault value must be non-negative")
	ErrInvalidTargetAllocations = errors.New("target allocations contain invalid values")
	ErrMissingHoldingData       = errors.New("required holding data is missing")
	ErrInvalidSlippageLimit     = errors.New("slippage limit is invalid")
)

var plannerLogger = logger.GetForComponent("rebalance_planner")

// GenerateRebalanceTx turns target allocations into USD trade instructions.
//
// For every asset in either map the delta is target*totalValue/10000 - current. Deltas whose magnitude is
// below minTradeSize are dropped as dust. Sells come first, then buys, each ordered by token address.
func GenerateRebalanceTx(
	current map[common.Address]sdkmath.Int,
	target map[common.Address]int64,
	totalValue sdkmath.Int,
	minTradeSize sdkmath.Int,
) ([]types.TradeInstruction, error) {
	if err := validateInputs(current, target, totalValue, minTradeSize); err != nil {
		plannerLogger.Error().Err(err).Msg("Input validation failed")
		return nil, err
	}

	tokens := make([]common.Address, 0, len(current)+len(target))
	seen := make(map[common.Address]bool)
	for tok := range current {
		if !seen[tok] {
			seen[tok] = true
			tokens = append(tokens, tok)
		}
	}
	for tok := range target {
		if !seen[tok] {
			seen[tok] = true
			tokens = append(tokens, tok)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Hex() < tokens[j].Hex() })

	var sells, buys []types.TradeInstruction
	skipped := 0
	for _, tok := range tokens {
		currentValue := sdkmath.ZeroInt()
		if v, ok := current[tok]; ok {
			currentValue = v
		}
		targetValue := totalValue.MulRaw(target[tok]).QuoRaw(types.BpsDenominator)
		delta := targetValue.Sub(currentValue)

		plannerLogger.Debug().
			Str("token", tok.Hex()).
			Str("currentValue", currentValue.String()).
			Str("targetValue", targetValue.String()).
			Str("delta", delta.String()).
			Msg("Asset rebalancing analysis")

		if delta.IsZero() {
			continue
		}
		if delta.Abs().LT(minTradeSize) {
			skipped++
			plannerLogger.Info().
				Str("token", tok.Hex()).
				Str("delta", delta.String()).
				Str("minTradeSize", minTradeSize.String()).
				Msg("Skipping trade below minimum size")
			continue
		}
		if delta.IsNegative() {
			sells = append(sells, types.TradeInstruction{Token: tok, Side: types.TradeSideSell, ValueUSD: delta.Neg()})
		} else {
			buys = append(buys, types.TradeInstruction{Token: tok, Side: types.TradeSideBuy, ValueUSD: delta})
		}
	}

	plannerLogger.Info().
		Int("sells", len(sells)).
		Int("buys", len(buys)).
		Int("skippedDust", skipped).
		Msg("Rebalance instructions generated")
	return append(sells, buys...), nil
}

func validateInputs(current map[common.Address]sdkmath.Int, target map[common.Address]int64, totalValue, minTradeSize sdkmath.Int) error {
	if totalValue.IsNil() || totalValue.IsNegative() {
		return ErrInvalidVaultValue
	}
	if minTradeSize.IsNil() || minTradeSize.IsNegative() {
		return fmt.Errorf("%w: minimum trade size must be non-negative", ErrInvalidTargetAllocations)
	}
	var sum int64
	for tok, bps := range target {
		if bps < 0 || bps > types.BpsDenominator {
			return fmt.Errorf("%w: %s target %d bps", ErrInvalidTargetAllocations, tok.Hex(), bps)
		}
		sum += bps
	}
	if sum > types.BpsDenominator {
		return fmt.Errorf("%w: targets sum to %d bps", ErrInvalidTargetAllocations, sum)
	}
	for tok, v := range current {
		if v.IsNil() || v.IsNegative() {
			return fmt.Errorf("%w: %s has a negative current value", ErrMissingHoldingData, tok.Hex())
		}
	}
	return nil
}

// OrderConfig carries what BuildRebalanceOrder needs beyond the instructions.
type OrderConfig struct {
	AssetDecimals  uint8
	MaxSlippageBps int64
	MinTradeSize   sdkmath.Int
}

// BuildRebalanceOrder converts USD instructions into Vault.Rebalance arguments.
//
// Sell values become token amounts at the holding's price, rounded down and capped at its balance. Buys
// spend vault asset units; when they exceed idle plus the worst-case sell proceeds they are scaled down
// proportionally, and any scaled buy that falls below the minimum trade size is dropped.
func BuildRebalanceOrder(trades []types.TradeInstruction, values []types.HoldingValue, idle sdkmath.Int, cfg OrderConfig) (types.RebalanceOrder, error) {
	var order types.RebalanceOrder
	if cfg.MaxSlippageBps < 0 || cfg.MaxSlippageBps >= types.BpsDenominator {
		return order, fmt.Errorf("%w: %d bps", ErrInvalidSlippageLimit, cfg.MaxSlippageBps)
	}
	if idle.IsNil() || idle.IsNegative() {
		return order, fmt.Errorf("%w: idle must be non-negative", ErrMissingHoldingData)
	}
	minTrade := cfg.MinTradeSize
	if minTrade.IsNil() {
		minTrade = sdkmath.ZeroInt()
	}

	byToken := make(map[common.Address]types.HoldingValue, len(values))
	for _, hv := range values {
		byToken[hv.Token] = hv
	}

	bps := sdkmath.NewInt(types.BpsDenominator)
	budget := idle
	var buys []types.TradeInstruction
	totalBuys := sdkmath.ZeroInt()

	for _, tr := range trades {
		switch tr.Side {
		case types.TradeSideSell:
			hv, ok := byToken[tr.Token]
			if !ok || hv.Price.IsNil() || !hv.Price.IsPositive() {
				return types.RebalanceOrder{}, fmt.Errorf("%w: no priced holding for sell of %s", ErrMissingHoldingData, tr.Token.Hex())
			}
			amount, err := utils.TokenAmountForValue(tr.ValueUSD, hv.Price, hv.Decimals, cfg.AssetDecimals, false)
			if err != nil {
				return types.RebalanceOrder{}, fmt.Errorf("sizing sell of %s: %w", hv.Symbol, err)
			}
			amount = sdkmath.MinInt(amount, hv.Balance)
			if !amount.IsPositive() {
				continue
			}
			order.SellAssets = append(order.SellAssets, tr.Token)
			order.SellAmounts = append(order.SellAmounts, amount)
			worstCase, _ := utils.MulDiv(tr.ValueUSD, bps.SubRaw(cfg.MaxSlippageBps), bps)
			budget = budget.Add(worstCase)
		case types.TradeSideBuy:
			buys = append(buys, tr)
			totalBuys = totalBuys.Add(tr.ValueUSD)
		default:
			return types.RebalanceOrder{}, fmt.Errorf("%w: unknown side %q", ErrInvalidTargetAllocations, tr.Side)
		}
	}

	scaled := totalBuys.GT(budget)
	if scaled {
		plannerLogger.Warn().
			Str("totalBuys", totalBuys.String()).
			Str("budget", budget.String()).
			Msg("Buys exceed available capital, scaling down")
	}
	for _, tr := range buys {
		amount := tr.ValueUSD
		if scaled {
			amount, _ = utils.MulDiv(tr.ValueUSD, budget, totalBuys)
		}
		if !amount.IsPositive() || amount.LT(minTrade) {
			continue
		}
		order.BuyAssets = append(order.BuyAssets, tr.Token)
		order.BuyAmounts = append(order.BuyAmounts, amount)
	}

	plannerLogger.Info().
		Int("sellLegs", len(order.SellAssets)).
		Int("buyLegs", len(order.BuyAssets)).
		Bool("buysScaled", scaled).
		Msg("Rebalance order built")
	return order, nil
}
