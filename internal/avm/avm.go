package avm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elys-network/rwavault/internal/analyzer"
	"github.com/elys-network/rwavault/internal/logger"
	"github.com/elys-network/rwavault/internal/metrics"
	"github.com/elys-network/rwavault/internal/planner"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/utils"
	"github.com/elys-network/rwavault/internal/vault"
)

const (
	// Export constants for use in main.go
	DEFAULT_PARAMETERS_CONFIG_NAME    = "default_rwa_strategy"
	DEFAULT_PARAMETERS_CONFIG_VERSION = 1

	// volatilityWindow is the number of past cycles the share price volatility is computed over.
	volatilityWindow = 30
)

// Cycle results, used as the metrics label and in logs.
const (
	ResultRebalanced = "rebalanced"
	ResultNoAction   = "no_action"
	ResultSkipped    = "skipped"
	ResultFailed     = "failed"
	ResultAborted    = "aborted"
)

var ErrCycleAborted = errors.New("keeper cycle aborted")

// Vault is what the keeper drives: the read side sampled into metrics plus the keeper operations.
type Vault interface {
	metrics.VaultReader
	Params() types.VaultParameters
	CheckCircuitBreaker(ctx context.Context) (bool, error)
	RebalanceWithNewAllocations(ctx context.Context, caller common.Address, order types.RebalanceOrder, targets map[common.Address]int64) (vault.RebalanceResult, error)
	LiquidateDeprecatedHolding(ctx context.Context, caller common.Address, token common.Address) (sdkmath.Int, error)
}

// Portfolio is the valuation the keeper plans against.
type Portfolio interface {
	HoldingValues(ctx context.Context) ([]types.HoldingValue, error)
	RefreshCache(ctx context.Context) (sdkmath.Int, error)
}

// AssetBook is the registry view: APYs feed the allocation engine, statuses drive liquidation.
type AssetBook interface {
	All() []types.Asset
	SetAPY(token common.Address, apyBps int64) error
}

// SnapshotStore persists cycle snapshots and the cycle counter.
type SnapshotStore interface {
	NextCycleNumber(ctx context.Context) (int, error)
	SaveCycleSnapshot(ctx context.Context, snapshot types.CycleSnapshot) (int64, error)
	RecentSharePrices(ctx context.Context, limit int) ([]types.PriceData, error)
}

// YieldSource returns advertised APYs keyed by upper-case symbol.
type YieldSource func(ctx context.Context) (map[string]int64, error)

// AVM is the keeper: it periodically re-optimises the RWA allocation and rebalances the vault.
type AVM struct {
	logger zerolog.Logger

	vault     Vault
	portfolio Portfolio
	assets    AssetBook
	store     SnapshotStore
	engine    *analyzer.Engine
	metrics   *metrics.Registry
	yields    YieldSource

	operator common.Address
	bounds   map[common.Address]types.AllocationBounds
	interval time.Duration
	now      func() time.Time

	// Runtime state
	cycleCount int
}

// Config holds the configuration for creating a new AVM instance
type Config struct {
	Vault      Vault
	Portfolio  Portfolio
	Assets     AssetBook
	Store      SnapshotStore
	Allocation types.AllocationParameters
	Bounds     map[common.Address]types.AllocationBounds

	// Operator is the address the keeper acts as; it needs the keeper role.
	Operator common.Address
	Interval time.Duration

	Metrics *metrics.Registry // optional
	Yields  YieldSource       // optional
	Now     func() time.Time  // optional
}

// NewAVM creates a new AVM instance with dependency injection
func NewAVM(cfg Config) (*AVM, error) {
	if err := validateAVMConfig(cfg); err != nil {
		return nil, fmt.Errorf("AVM configuration validation failed: %w", err)
	}
	engine, err := analyzer.NewEngine(cfg.Allocation)
	if err != nil {
		return nil, fmt.Errorf("AVM configuration validation failed: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	a := &AVM{
		logger:    logger.GetForComponent("avm_core"),
		vault:     cfg.Vault,
		portfolio: cfg.Portfolio,
		assets:    cfg.Assets,
		store:     cfg.Store,
		engine:    engine,
		metrics:   cfg.Metrics,
		yields:    cfg.Yields,
		operator:  cfg.Operator,
		bounds:    cfg.Bounds,
		interval:  cfg.Interval,
		now:       now,
	}

	a.logger.Info().
		Str("operator", a.operator.Hex()).
		Dur("interval", a.interval).
		Int64("thresholdBps", cfg.Allocation.RebalanceThresholdBps).
		Msg("AVM instance created")
	return a, nil
}

// validateAVMConfig validates the AVM configuration
func validateAVMConfig(cfg Config) error {
	if cfg.Vault == nil {
		return fmt.Errorf("vault cannot be nil")
	}
	if cfg.Portfolio == nil {
		return fmt.Errorf("portfolio cannot be nil")
	}
	if cfg.Assets == nil {
		return fmt.Errorf("asset registry cannot be nil")
	}
	if cfg.Store == nil {
		return fmt.Errorf("snapshot store cannot be nil")
	}
	if cfg.Operator == (common.Address{}) {
		return fmt.Errorf("operator address cannot be zero")
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("cycle interval must be positive")
	}
	return nil
}

// RunLoop runs a cycle immediately and then on every tick until ctx is done.
func (a *AVM) RunLoop(ctx context.Context) {
	a.logger.Info().
		Dur("interval", a.interval).
		Msg("Starting AVM main loop")

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.runLoggedCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("AVM loop stopped due to context cancellation")
			return
		case <-ticker.C:
			a.runLoggedCycle(ctx)
		}
	}
}

func (a *AVM) runLoggedCycle(ctx context.Context) {
	a.cycleCount++
	a.logger.Info().Int("cycle", a.cycleCount).Msg("Initiating AVM cycle")
	if _, err := a.RunCycle(ctx); err != nil {
		a.logger.Error().Err(err).Int("cycle", a.cycleCount).Msg("AVM cycle aborted")
		return
	}
	a.logger.Info().Int("cycle", a.cycleCount).Msg("AVM cycle completed")
}

// RunCycle executes one keeper cycle.
//
// Valuation failures abort the cycle without a snapshot. Everything after the initial
// valuation, including a failed rebalance, is recorded in the saved snapshot.
func (a *AVM) RunCycle(ctx context.Context) (snap types.CycleSnapshot, err error) {
	cycleStartTime := a.now()
	result := ResultAborted
	defer func() {
		if a.metrics == nil {
			return
		}
		a.metrics.ObserveCycle(a.now().Sub(cycleStartTime), result)
		if sampleErr := a.metrics.Sample(ctx, a.vault, a.portfolio); sampleErr != nil {
			a.logger.Warn().Err(sampleErr).Msg("Failed to sample vault metrics")
		}
	}()

	// Unique cycle ID for tracing logs across the entire cycle
	cycleID := uuid.New().String()
	cycleLogger := a.logger.With().Str("cycle_id", cycleID).Logger()
	cycleLogger.Info().Msg("--- Starting AVM Cycle ---")

	snap = types.CycleSnapshot{
		CycleID:     cycleID,
		CycleNumber: a.getCycleNumber(ctx),
		Timestamp:   cycleStartTime,
	}

	// --- Step 1: Risk checks and data refresh ---
	breakerActive, err := a.vault.CheckCircuitBreaker(ctx)
	if err != nil {
		return snap, fmt.Errorf("%w: circuit breaker check: %w", ErrCycleAborted, err)
	}
	a.refreshYields(ctx, cycleLogger)

	if _, err := a.portfolio.RefreshCache(ctx); err != nil {
		return snap, fmt.Errorf("%w: valuation refresh: %w", ErrCycleAborted, err)
	}
	a.liquidateDeprecated(ctx, cycleLogger)

	// --- Step 2: Vault state assessment ---
	if snap.InitialTotalAssets, err = a.vault.TotalAssets(ctx); err != nil {
		return snap, fmt.Errorf("%w: total assets: %w", ErrCycleAborted, err)
	}
	if snap.InitialSharePrice, err = a.vault.SharePrice(ctx); err != nil {
		return snap, fmt.Errorf("%w: share price: %w", ErrCycleAborted, err)
	}
	values, err := a.portfolio.HoldingValues(ctx)
	if err != nil {
		return snap, fmt.Errorf("%w: holding values: %w", ErrCycleAborted, err)
	}
	current, rwaTotal := analyzer.CurrentAllocation(values)
	snap.InitialAllocations = hexKeys(current)

	cycleLogger.Info().
		Int("cycleNumber", snap.CycleNumber).
		Str("totalAssets", snap.InitialTotalAssets.String()).
		Str("rwaValue", rwaTotal.String()).
		Bool("circuitBreaker", breakerActive).
		Msg("Step 2: Vault state assessed.")

	// --- Step 3: Decide ---
	switch {
	case breakerActive:
		cycleLogger.Warn().Msg("Circuit breaker active, no rebalancing this cycle")
		result = ResultSkipped
	case !rwaTotal.IsPositive():
		cycleLogger.Info().Msg("No RWA value to rebalance")
		result = ResultSkipped
	default:
		result = a.rebalance(ctx, &snap, values, current, rwaTotal, cycleLogger)
	}

	// --- Step 4: Capture final state ---
	a.finalizeSnapshot(ctx, &snap, cycleLogger)
	a.saveCycleSnapshot(ctx, snap, cycleLogger)

	cycleLogger.Info().
		Str("result", result).
		Str("netChange", snap.NetChange().String()).
		Str("cycleDuration", a.now().Sub(cycleStartTime).String()).
		Msg("--- AVM Cycle Completed ---")
	return snap, nil
}

// rebalance plans and executes one rebalance, recording the plan and outcome in snap.
func (a *AVM) rebalance(ctx context.Context, snap *types.CycleSnapshot, values []types.HoldingValue, current map[common.Address]int64, rwaTotal sdkmath.Int, cycleLogger zerolog.Logger) string {
	params := a.engine.Params()

	targets, err := a.engine.CalculateOptimalAllocation(analyzer.Inputs(values, a.apys(), a.bounds))
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Failed to compute target allocations")
		snap.FailureReason = err.Error()
		return ResultFailed
	}
	snap.TargetAllocations = hexKeys(targets)

	needed, maxDeviation := a.engine.IsRebalanceNeeded(current, targets)
	snap.MaxDeviationBps = maxDeviation
	if !needed {
		cycleLogger.Info().Int64("maxDeviationBps", maxDeviation).Msg("Allocation within threshold, no rebalancing needed.")
		return ResultNoAction
	}

	currentValues := make(map[common.Address]sdkmath.Int, len(values))
	for _, hv := range values {
		if hv.IsActive {
			currentValues[hv.Token] = hv.Value
		}
	}
	trades, err := planner.GenerateRebalanceTx(currentValues, targets, rwaTotal, params.MinTradeSize)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Failed to generate trades")
		snap.FailureReason = err.Error()
		return ResultFailed
	}
	snap.Trades = trades
	if len(trades) == 0 {
		cycleLogger.Info().Msg("Every trade below minimum size, nothing to execute.")
		return ResultNoAction
	}

	vp := a.vault.Params()
	order, err := planner.BuildRebalanceOrder(trades, values, a.vault.IdleAssets(), planner.OrderConfig{
		AssetDecimals:  vp.AssetDecimals,
		MaxSlippageBps: vp.MaxSlippageBps,
		MinTradeSize:   params.MinTradeSize,
	})
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Failed to build rebalance order")
		snap.FailureReason = err.Error()
		return ResultFailed
	}
	if order.IsEmpty() {
		cycleLogger.Info().Msg("Rebalance order is empty after sizing.")
		return ResultNoAction
	}

	res, err := a.vault.RebalanceWithNewAllocations(ctx, a.operator, order, targets)
	if err != nil {
		cycleLogger.Error().Err(err).Int("trades", len(trades)).Msg("Rebalance transaction failed")
		snap.FailureReason = err.Error()
		return ResultFailed
	}
	snap.Executed = true

	cycleLogger.Info().
		Int("sells", res.Sells).
		Int("buys", res.Buys).
		Str("sellProceeds", res.SellProceeds.String()).
		Str("buySpend", res.BuySpend.String()).
		Msg("Rebalance executed")
	return ResultRebalanced
}

// liquidateDeprecated sells out holdings the registry marked for removal.
func (a *AVM) liquidateDeprecated(ctx context.Context, cycleLogger zerolog.Logger) {
	values, err := a.portfolio.HoldingValues(ctx)
	if err != nil {
		return
	}
	for _, hv := range values {
		if !hv.IsActive || !a.deprecated(hv.Token) {
			continue
		}
		proceeds, err := a.vault.LiquidateDeprecatedHolding(ctx, a.operator, hv.Token)
		if err != nil {
			cycleLogger.Error().Err(err).Str("token", hv.Token.Hex()).Msg("Failed to liquidate deprecated holding")
			continue
		}
		cycleLogger.Info().Str("token", hv.Token.Hex()).Str("proceeds", proceeds.String()).Msg("Liquidated deprecated holding")
	}
}

func (a *AVM) deprecated(token common.Address) bool {
	for _, asset := range a.assets.All() {
		if asset.Address == token {
			return asset.Status == types.AssetStatusMarkedForRemoval
		}
	}
	return false
}

// refreshYields pushes advertised APYs into the registry. Failures keep the previous APYs.
func (a *AVM) refreshYields(ctx context.Context, cycleLogger zerolog.Logger) {
	if a.yields == nil {
		return
	}
	yields, err := a.yields(ctx)
	if err != nil {
		cycleLogger.Warn().Err(err).Msg("Failed to refresh yields, keeping previous APYs")
		return
	}
	for _, asset := range a.assets.All() {
		apy, ok := yields[strings.ToUpper(asset.Symbol)]
		if !ok || apy == asset.APYBps {
			continue
		}
		if err := a.assets.SetAPY(asset.Address, apy); err != nil {
			cycleLogger.Warn().Err(err).Str("symbol", asset.Symbol).Msg("Failed to update APY")
		}
	}
}

func (a *AVM) apys() map[common.Address]int64 {
	out := make(map[common.Address]int64)
	for _, asset := range a.assets.All() {
		out[asset.Address] = asset.APYBps
	}
	return out
}

// finalizeSnapshot reads the post-cycle state. Read failures fall back to the initial values.
func (a *AVM) finalizeSnapshot(ctx context.Context, snap *types.CycleSnapshot, cycleLogger zerolog.Logger) {
	var err error
	if snap.FinalTotalAssets, err = a.vault.TotalAssets(ctx); err != nil {
		cycleLogger.Error().Err(err).Msg("Failed to get final total assets.")
		snap.FinalTotalAssets = snap.InitialTotalAssets
	}
	if snap.FinalSharePrice, err = a.vault.SharePrice(ctx); err != nil {
		cycleLogger.Error().Err(err).Msg("Failed to get final share price.")
		snap.FinalSharePrice = snap.InitialSharePrice
	}
	snap.CircuitBreakerActive = a.vault.CircuitBreaker().Active
	snap.SharePriceVolatility = a.sharePriceVolatility(ctx, snap)
}

// sharePriceVolatility annualises over the cycle frequency, including the current cycle.
func (a *AVM) sharePriceVolatility(ctx context.Context, snap *types.CycleSnapshot) float64 {
	history, err := a.store.RecentSharePrices(ctx, volatilityWindow-1)
	if err != nil {
		a.logger.Debug().Err(err).Msg("No share price history for volatility")
		return 0
	}
	price, err := utils.SDKIntToFloat64(snap.FinalSharePrice, 18)
	if err != nil {
		return 0
	}
	history = append(history, types.PriceData{Timestamp: snap.Timestamp, Price: price})

	cyclesPerYear := float64(365*24*time.Hour) / float64(a.interval)
	vol, err := analyzer.CalculateVolatility(history, cyclesPerYear)
	if err != nil {
		return 0
	}
	return vol
}

// getCycleNumber increments and returns the persistent cycle counter
func (a *AVM) getCycleNumber(ctx context.Context) int {
	cycleNumber, err := a.store.NextCycleNumber(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to increment cycle number, using in-process counter")
		return a.cycleCount
	}
	return cycleNumber
}

func (a *AVM) saveCycleSnapshot(ctx context.Context, snapshot types.CycleSnapshot, cycleLogger zerolog.Logger) {
	if _, err := a.store.SaveCycleSnapshot(ctx, snapshot); err != nil {
		cycleLogger.Error().Err(err).Msg("Failed to save cycle snapshot")
	}
}

func hexKeys(m map[common.Address]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k.Hex()] = v
	}
	return out
}
