/*
SwapVenue executes vault asset <-> RWA swaps at oracle prices against an inventory account
on the shared custody ledger. An optional execution haircut models venue slippage so the
vault's slippage bound can be exercised.
*/

package simulations

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/elys-network/rwavault/internal/logger"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/utils"
)

const MaxSlippageBps int64 = 200

var (
	ErrSlippageExceeded = errors.New("slippage exceeded")
	ErrInvalidSlippage  = errors.New("max slippage out of range")
	ErrInvalidSwap      = errors.New("invalid swap")
)

var swapLogger = logger.GetForComponent("swap_simulator")

// PriceReader resolves 18-decimal prices.
type PriceReader interface {
	GetPrice(ctx context.Context, asset common.Address) (sdkmath.Int, error)
}

// AssetRegistry resolves token decimals.
type AssetRegistry interface {
	Asset(token common.Address) (types.Asset, error)
}

// Ledger is the custody ledger the venue settles on.
type Ledger interface {
	BalanceOf(token, account common.Address) sdkmath.Int
	Transfer(token, from, to common.Address, amount sdkmath.Int) error
}

// SwapVenueConfig wires a venue to its collaborators.
type SwapVenueConfig struct {
	Ledger        Ledger
	Prices        PriceReader
	Registry      AssetRegistry
	QuoteAsset    common.Address // the vault asset, priced at exactly 1
	QuoteDecimals uint8
	Inventory     common.Address // venue account holding both sides
	Trader        common.Address // account whose tokens are swapped
	HaircutBps    int64
}

// SwapVenue is safe for concurrent use.
type SwapVenue struct {
	cfg SwapVenueConfig
	mu  sync.Mutex
}

func NewSwapVenue(cfg SwapVenueConfig) (*SwapVenue, error) {
	if cfg.Ledger == nil || cfg.Prices == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("%w: ledger, prices and registry are required", ErrInvalidSwap)
	}
	if (cfg.Inventory == common.Address{}) || (cfg.Trader == common.Address{}) {
		return nil, fmt.Errorf("%w: inventory and trader must be nonzero", ErrInvalidSwap)
	}
	if cfg.HaircutBps < 0 || cfg.HaircutBps >= types.BpsDenominator {
		return nil, fmt.Errorf("%w: haircut %d bps", ErrInvalidSwap, cfg.HaircutBps)
	}
	return &SwapVenue{cfg: cfg}, nil
}

// SetHaircutBps changes the execution haircut applied on top of the oracle quote.
func (s *SwapVenue) SetHaircutBps(bps int64) error {
	if bps < 0 || bps >= types.BpsDenominator {
		return fmt.Errorf("%w: haircut %d bps", ErrInvalidSwap, bps)
	}
	s.mu.Lock()
	s.cfg.HaircutBps = bps
	s.mu.Unlock()
	return nil
}

func (s *SwapVenue) BuyRWAAsset(ctx context.Context, tokenIn, tokenOut common.Address, amountIn sdkmath.Int, maxSlippageBps int64) (sdkmath.Int, error) {
	if tokenIn != s.cfg.QuoteAsset {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: buy must spend the vault asset", ErrInvalidSwap)
	}
	return s.swap(ctx, "buy", tokenIn, tokenOut, amountIn, maxSlippageBps)
}

func (s *SwapVenue) SellRWAAsset(ctx context.Context, tokenIn, tokenOut common.Address, amountIn sdkmath.Int, maxSlippageBps int64) (sdkmath.Int, error) {
	if tokenOut != s.cfg.QuoteAsset {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: sell must receive the vault asset", ErrInvalidSwap)
	}
	return s.swap(ctx, "sell", tokenIn, tokenOut, amountIn, maxSlippageBps)
}

// GetAmountOut quotes a swap at oracle prices with no haircut.
func (s *SwapVenue) GetAmountOut(ctx context.Context, tokenIn, tokenOut common.Address, amountIn sdkmath.Int) (sdkmath.Int, error) {
	if amountIn.IsNil() || !amountIn.IsPositive() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: amount in must be positive", ErrInvalidSwap)
	}
	if tokenIn == tokenOut {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: identical tokens", ErrInvalidSwap)
	}
	priceIn, decIn, err := s.priceAndDecimals(ctx, tokenIn)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	priceOut, decOut, err := s.priceAndDecimals(ctx, tokenOut)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	// amountOut = amountIn * priceIn * 10^decOut / (priceOut * 10^decIn)
	return utils.MulDiv(amountIn.Mul(priceIn), utils.Pow10(decOut), priceOut.Mul(utils.Pow10(decIn)))
}

func (s *SwapVenue) swap(ctx context.Context, side string, tokenIn, tokenOut common.Address, amountIn sdkmath.Int, maxSlippageBps int64) (sdkmath.Int, error) {
	if maxSlippageBps < 0 || maxSlippageBps > MaxSlippageBps {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidSlippage, maxSlippageBps, MaxSlippageBps)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	quote, err := s.GetAmountOut(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	bps := sdkmath.NewInt(types.BpsDenominator)
	out, _ := utils.MulDiv(quote, bps.SubRaw(s.cfg.HaircutBps), bps)
	minOut, _ := utils.MulDiv(quote, bps.SubRaw(maxSlippageBps), bps)
	if out.LT(minOut) || !out.IsPositive() {
		swapLogger.Warn().
			Str("side", side).
			Str("quote", quote.String()).
			Str("out", out.String()).
			Str("minOut", minOut.String()).
			Msg("Swap rejected")
		return sdkmath.ZeroInt(), fmt.Errorf("%w: out %s below minimum %s (quote %s, max %d bps)", ErrSlippageExceeded, out, minOut, quote, maxSlippageBps)
	}

	if err := s.cfg.Ledger.Transfer(tokenIn, s.cfg.Trader, s.cfg.Inventory, amountIn); err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%s leg in: %w", side, err)
	}
	if err := s.cfg.Ledger.Transfer(tokenOut, s.cfg.Inventory, s.cfg.Trader, out); err != nil {
		// Undo the first leg so a failed swap leaves no trace.
		if undoErr := s.cfg.Ledger.Transfer(tokenIn, s.cfg.Inventory, s.cfg.Trader, amountIn); undoErr != nil {
			return sdkmath.ZeroInt(), errors.Join(fmt.Errorf("%s leg out: %w", side, err), undoErr)
		}
		return sdkmath.ZeroInt(), fmt.Errorf("%s leg out: %w", side, err)
	}

	s.logSwap(swapLogger.Info(), side, tokenIn, tokenOut, amountIn, out)
	return out, nil
}

func (s *SwapVenue) logSwap(ev *zerolog.Event, side string, tokenIn, tokenOut common.Address, amountIn, out sdkmath.Int) {
	ev.Str("side", side).
		Str("tokenIn", tokenIn.Hex()).
		Str("tokenOut", tokenOut.Hex()).
		Str("amountIn", amountIn.String()).
		Str("amountOut", out.String()).
		Msg("Swap executed")
}

func (s *SwapVenue) priceAndDecimals(ctx context.Context, token common.Address) (sdkmath.Int, uint8, error) {
	if token == s.cfg.QuoteAsset {
		return utils.OneE18, s.cfg.QuoteDecimals, nil
	}
	asset, err := s.cfg.Registry.Asset(token)
	if err != nil {
		return sdkmath.ZeroInt(), 0, err
	}
	price, err := s.cfg.Prices.GetPrice(ctx, token)
	if err != nil {
		return sdkmath.ZeroInt(), 0, err
	}
	return price, asset.Decimals, nil
}
