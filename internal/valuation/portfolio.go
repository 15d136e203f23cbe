/*
Portfolio tracks the RWA holdings of one vault and values them in vault asset units.

Balances are read live from the custody ledger on every call. The cached value is exposed for
observers only; NAV always goes through GetValue.
*/

package valuation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/rwavault/internal/logger"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/utils"
)

const DefaultCacheDuration = 300 * time.Second

var (
	ErrHoldingExists      = errors.New("holding already exists")
	ErrHoldingNotFound    = errors.New("holding not found")
	ErrHoldingHasBalance  = errors.New("holding still has a balance")
	ErrAllocationExceeded = errors.New("sum of active target allocations exceeds 10000 bps")
	ErrInvalidAllocation  = errors.New("target allocation out of range")
	ErrAssetNotActive     = errors.New("asset is not active in the registry")
)

var valuationLogger = logger.GetForComponent("valuation")

// PriceReader resolves 18-decimal prices.
type PriceReader interface {
	GetPrice(ctx context.Context, asset common.Address) (sdkmath.Int, error)
}

// BalanceReader reads custody balances.
type BalanceReader interface {
	BalanceOf(token, account common.Address) sdkmath.Int
}

// AssetRegistry resolves token metadata.
type AssetRegistry interface {
	Asset(token common.Address) (types.Asset, error)
}

type Config struct {
	Custody       common.Address // account whose balances are valued
	AssetDecimals uint8          // decimals of the vault asset values are expressed in
	Balances      BalanceReader
	Prices        PriceReader
	Registry      AssetRegistry
	CacheDuration time.Duration // zero uses DefaultCacheDuration
	Now           func() time.Time
}

type Portfolio struct {
	cfg Config

	mu       sync.RWMutex
	holdings []types.Holding
	index    map[common.Address]int

	cacheValue      sdkmath.Int
	cacheComputedAt time.Time
}

func NewPortfolio(cfg Config) (*Portfolio, error) {
	if cfg.Balances == nil || cfg.Prices == nil || cfg.Registry == nil {
		return nil, errors.New("valuation: balances, prices and registry are required")
	}
	if cfg.AssetDecimals > utils.MaxDecimals {
		return nil, fmt.Errorf("%w: asset decimals %d", utils.ErrInvalidPrecision, cfg.AssetDecimals)
	}
	if cfg.CacheDuration == 0 {
		cfg.CacheDuration = DefaultCacheDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Portfolio{
		cfg:        cfg,
		index:      make(map[common.Address]int),
		cacheValue: sdkmath.ZeroInt(),
	}, nil
}

// AddHolding starts tracking token with the given target. The asset must be active in the registry.
func (p *Portfolio) AddHolding(token common.Address, targetBps int64) error {
	asset, err := p.cfg.Registry.Asset(token)
	if err != nil {
		return err
	}
	if !asset.IsActive() {
		return fmt.Errorf("%w: %s", ErrAssetNotActive, asset.Symbol)
	}
	if err := validateBps(token, targetBps); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[token]; ok {
		return fmt.Errorf("%w: %s", ErrHoldingExists, token.Hex())
	}
	if sum := p.activeSumLocked(nil) + targetBps; sum > types.BpsDenominator {
		return fmt.Errorf("%w: would be %d", ErrAllocationExceeded, sum)
	}
	p.index[token] = len(p.holdings)
	p.holdings = append(p.holdings, types.Holding{Token: token, TargetAllocationBps: targetBps, IsActive: true})
	p.invalidateLocked()

	valuationLogger.Info().Str("token", token.Hex()).Str("symbol", asset.Symbol).Int64("targetBps", targetBps).Msg("Holding added")
	return nil
}

// RemoveHolding stops tracking token. Only allowed once its custody balance is zero.
func (p *Portfolio) RemoveHolding(token common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHoldingNotFound, token.Hex())
	}
	if bal := p.cfg.Balances.BalanceOf(token, p.cfg.Custody); !bal.IsZero() {
		return fmt.Errorf("%w: %s holds %s", ErrHoldingHasBalance, token.Hex(), bal)
	}
	p.holdings = append(p.holdings[:i], p.holdings[i+1:]...)
	p.reindexLocked()
	p.invalidateLocked()
	valuationLogger.Info().Str("token", token.Hex()).Msg("Holding removed")
	return nil
}

// SetActive toggles whether token counts towards value and targets.
func (p *Portfolio) SetActive(token common.Address, active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHoldingNotFound, token.Hex())
	}
	if active && !p.holdings[i].IsActive {
		if sum := p.activeSumLocked(nil) + p.holdings[i].TargetAllocationBps; sum > types.BpsDenominator {
			return fmt.Errorf("%w: would be %d", ErrAllocationExceeded, sum)
		}
	}
	p.holdings[i].IsActive = active
	p.invalidateLocked()
	return nil
}

// UpdateTargetAllocation changes the target of one holding.
func (p *Portfolio) UpdateTargetAllocation(token common.Address, targetBps int64) error {
	return p.SetTargets(map[common.Address]int64{token: targetBps})
}

// SetTargets applies several target changes at once, validated as a whole.
func (p *Portfolio) SetTargets(targets map[common.Address]int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.validateTargetsLocked(targets); err != nil {
		return err
	}
	for token, bps := range targets {
		p.holdings[p.index[token]].TargetAllocationBps = bps
	}
	p.invalidateLocked()
	valuationLogger.Info().Int("changed", len(targets)).Int64("activeSumBps", p.activeSumLocked(nil)).Msg("Target allocations updated")
	return nil
}

// ValidateTargets reports whether SetTargets(targets) would succeed without applying it.
func (p *Portfolio) ValidateTargets(targets map[common.Address]int64) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.validateTargetsLocked(targets)
}

func (p *Portfolio) validateTargetsLocked(targets map[common.Address]int64) error {
	for token, bps := range targets {
		if _, ok := p.index[token]; !ok {
			return fmt.Errorf("%w: %s", ErrHoldingNotFound, token.Hex())
		}
		if err := validateBps(token, bps); err != nil {
			return err
		}
	}
	if sum := p.activeSumLocked(targets); sum > types.BpsDenominator {
		return fmt.Errorf("%w: would be %d", ErrAllocationExceeded, sum)
	}
	return nil
}

// activeSumLocked sums active targets, taking overrides in place of stored values.
func (p *Portfolio) activeSumLocked(overrides map[common.Address]int64) int64 {
	var sum int64
	for _, h := range p.holdings {
		if !h.IsActive {
			continue
		}
		if bps, ok := overrides[h.Token]; ok {
			sum += bps
			continue
		}
		sum += h.TargetAllocationBps
	}
	return sum
}

func validateBps(token common.Address, bps int64) error {
	if bps < 0 || bps > types.BpsDenominator {
		return fmt.Errorf("%w: %s target %d", ErrInvalidAllocation, token.Hex(), bps)
	}
	return nil
}

func (p *Portfolio) reindexLocked() {
	p.index = make(map[common.Address]int, len(p.holdings))
	for i, h := range p.holdings {
		p.index[h.Token] = i
	}
}

// Holdings returns a copy of the holdings in insertion order.
func (p *Portfolio) Holdings() []types.Holding {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Holding, len(p.holdings))
	copy(out, p.holdings)
	return out
}

// Holding returns the holding for token.
func (p *Portfolio) Holding(token common.Address) (types.Holding, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i, ok := p.index[token]
	if !ok {
		return types.Holding{}, false
	}
	return p.holdings[i], true
}

// TotalTargetBps is the sum of active targets.
func (p *Portfolio) TotalTargetBps() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeSumLocked(nil)
}

// GetValue values every active holding with a nonzero balance at current oracle prices.
func (p *Portfolio) GetValue(ctx context.Context) (sdkmath.Int, error) {
	values, err := p.HoldingValues(ctx)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	total := sdkmath.ZeroInt()
	for _, v := range values {
		total = total.Add(v.Value)
	}
	return total, nil
}

// HoldingValues returns the per-holding breakdown behind GetValue.
func (p *Portfolio) HoldingValues(ctx context.Context) ([]types.HoldingValue, error) {
	holdings := p.Holdings()
	out := make([]types.HoldingValue, 0, len(holdings))
	for _, h := range holdings {
		asset, err := p.cfg.Registry.Asset(h.Token)
		if err != nil {
			return nil, err
		}
		hv := types.HoldingValue{
			Holding:  h,
			Symbol:   asset.Symbol,
			Decimals: asset.Decimals,
			Balance:  p.cfg.Balances.BalanceOf(h.Token, p.cfg.Custody),
			Price:    sdkmath.ZeroInt(),
			Value:    sdkmath.ZeroInt(),
		}
		if h.IsActive && hv.Balance.IsPositive() {
			price, err := p.cfg.Prices.GetPrice(ctx, h.Token)
			if err != nil {
				return nil, fmt.Errorf("failed to price %s: %w", asset.Symbol, err)
			}
			value, err := utils.TokenValue(hv.Balance, price, asset.Decimals, p.cfg.AssetDecimals)
			if err != nil {
				return nil, fmt.Errorf("failed to value %s: %w", asset.Symbol, err)
			}
			hv.Price = price
			hv.Value = value
		}
		out = append(out, hv)
	}
	return out, nil
}

// RefreshCache recomputes the value and stores it with the current time.
func (p *Portfolio) RefreshCache(ctx context.Context) (sdkmath.Int, error) {
	value, err := p.GetValue(ctx)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	p.mu.Lock()
	p.cacheValue = value
	p.cacheComputedAt = p.cfg.Now()
	p.mu.Unlock()
	return value, nil
}

// Cached returns the cached value, when it was computed, and whether it is still fresh.
func (p *Portfolio) Cached() (sdkmath.Int, time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fresh := !p.cacheComputedAt.IsZero() && p.cfg.Now().Sub(p.cacheComputedAt) < p.cfg.CacheDuration
	return p.cacheValue, p.cacheComputedAt, fresh
}

// Invalidate marks the cache as not fresh. Called after every trade.
func (p *Portfolio) Invalidate() {
	p.mu.Lock()
	p.invalidateLocked()
	p.mu.Unlock()
}

func (p *Portfolio) invalidateLocked() {
	p.cacheComputedAt = time.Time{}
}
