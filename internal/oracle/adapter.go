/*
The oracle adapter resolves an 18-decimal price for an asset from a primary and an optional
backup feed. A fresh primary answer wins, then a fresh backup answer. When neither is fresh the
most recent valid answer is returned flagged as degraded. Only when both sources are invalid or
unreachable does the lookup fail.
*/

package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sony/gobreaker"

	"github.com/elys-network/rwavault/internal/logger"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/utils"
)

const (
	DefaultStaleness = 2 * time.Hour
	MaxStaleness     = 24 * time.Hour
)

var (
	ErrOracleNotConfigured = errors.New("oracle not configured for asset")
	ErrAllOraclesFailed    = errors.New("all oracle sources failed")
	ErrInvalidStaleness    = errors.New("staleness threshold out of range")
	ErrPrimaryRequired     = errors.New("primary feed is required")
	ErrInvalidAsset        = errors.New("asset address is zero")

	ErrInvalidPrice     = errors.New("price is zero or negative")
	ErrIncompleteRound  = errors.New("price round is incomplete")
	ErrFutureTimestamp  = errors.New("price timestamp is in the future")
	ErrMissingTimestamp = errors.New("price round has no timestamp")
	ErrInvalidDecimals  = errors.New("feed decimals out of range")
)

var oracleLogger = logger.GetForComponent("oracle")

type source struct {
	feed    Feed
	breaker *gobreaker.CircuitBreaker
	name    types.PriceSource
}

type assetConfig struct {
	primary   source
	backup    *source
	staleness time.Duration // zero means the adapter default
}

// Adapter is safe for concurrent use.
type Adapter struct {
	mu               sync.RWMutex
	configs          map[common.Address]*assetConfig
	defaultStaleness time.Duration
	now              func() time.Time
}

// NewAdapter returns an adapter reading time from now; nil uses time.Now.
func NewAdapter(now func() time.Time) *Adapter {
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		configs:          make(map[common.Address]*assetConfig),
		defaultStaleness: DefaultStaleness,
		now:              now,
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		oracleLogger.Warn().Str("feed", name).Str("from", from.String()).Str("to", to.String()).Msg("Feed breaker state changed")
	}
	return gobreaker.NewCircuitBreaker(st)
}

// Configure sets the feeds for asset. backup may be nil. staleness 0 uses the adapter default.
func (a *Adapter) Configure(asset common.Address, primary, backup Feed, staleness time.Duration) error {
	if (asset == common.Address{}) {
		return ErrInvalidAsset
	}
	if primary == nil {
		return fmt.Errorf("%w: asset %s", ErrPrimaryRequired, asset.Hex())
	}
	if staleness != 0 {
		if err := validateStaleness(staleness); err != nil {
			return err
		}
	}

	cfg := &assetConfig{
		primary:   source{feed: primary, breaker: newBreaker(asset.Hex() + ":primary"), name: types.PriceSourcePrimary},
		staleness: staleness,
	}
	if backup != nil {
		cfg.backup = &source{feed: backup, breaker: newBreaker(asset.Hex() + ":backup"), name: types.PriceSourceBackup}
	}

	a.mu.Lock()
	a.configs[asset] = cfg
	a.mu.Unlock()

	oracleLogger.Info().
		Str("asset", asset.Hex()).
		Bool("hasBackup", backup != nil).
		Dur("staleness", staleness).
		Msg("Oracle configured")
	return nil
}

// SetDefaultStaleness changes the threshold used by assets without an override.
func (a *Adapter) SetDefaultStaleness(d time.Duration) error {
	if err := validateStaleness(d); err != nil {
		return err
	}
	a.mu.Lock()
	a.defaultStaleness = d
	a.mu.Unlock()
	return nil
}

// StalenessFor returns the effective threshold for asset.
func (a *Adapter) StalenessFor(asset common.Address) (time.Duration, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cfg, ok := a.configs[asset]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrOracleNotConfigured, asset.Hex())
	}
	return a.thresholdLocked(cfg), nil
}

func (a *Adapter) thresholdLocked(cfg *assetConfig) time.Duration {
	if cfg.staleness != 0 {
		return cfg.staleness
	}
	return a.defaultStaleness
}

func validateStaleness(d time.Duration) error {
	if d <= 0 || d > MaxStaleness {
		return fmt.Errorf("%w: %s not in (0, %s]", ErrInvalidStaleness, d, MaxStaleness)
	}
	return nil
}

// GetPrice returns the resolved 18-decimal price of asset.
func (a *Adapter) GetPrice(ctx context.Context, asset common.Address) (sdkmath.Int, error) {
	p, err := a.GetPriceWithSource(ctx, asset)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return p.Value, nil
}

// GetPriceWithTimestamp returns the resolved price and the time its round was updated.
func (a *Adapter) GetPriceWithTimestamp(ctx context.Context, asset common.Address) (sdkmath.Int, time.Time, error) {
	p, err := a.GetPriceWithSource(ctx, asset)
	if err != nil {
		return sdkmath.ZeroInt(), time.Time{}, err
	}
	return p.Value, p.UpdatedAt, nil
}

// IsPriceStale reports whether the price GetPrice would return is older than the threshold.
func (a *Adapter) IsPriceStale(ctx context.Context, asset common.Address) (bool, error) {
	p, err := a.GetPriceWithSource(ctx, asset)
	if err != nil {
		return false, err
	}
	return p.Degraded, nil
}

// GetPriceWithSource resolves the price of asset and reports which source produced it.
func (a *Adapter) GetPriceWithSource(ctx context.Context, asset common.Address) (Price, error) {
	a.mu.RLock()
	cfg, ok := a.configs[asset]
	var threshold time.Duration
	if ok {
		threshold = a.thresholdLocked(cfg)
	}
	a.mu.RUnlock()
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrOracleNotConfigured, asset.Hex())
	}

	now := a.now()

	primary, primaryErr := a.read(ctx, cfg.primary, now)
	if primaryErr == nil && isFresh(primary, now, threshold) {
		return primary, nil
	}

	var backup Price
	backupErr := errors.New("no backup feed")
	if cfg.backup != nil {
		backup, backupErr = a.read(ctx, *cfg.backup, now)
		if backupErr == nil && isFresh(backup, now, threshold) {
			oracleLogger.Info().Str("asset", asset.Hex()).AnErr("primaryErr", primaryErr).Msg("Primary feed unusable, using backup")
			return backup, nil
		}
	}

	var chosen *Price
	switch {
	case primaryErr == nil && backupErr == nil:
		if backup.UpdatedAt.After(primary.UpdatedAt) {
			chosen = &backup
		} else {
			chosen = &primary
		}
	case primaryErr == nil:
		chosen = &primary
	case backupErr == nil:
		chosen = &backup
	}
	if chosen == nil {
		oracleLogger.Error().Str("asset", asset.Hex()).AnErr("primaryErr", primaryErr).AnErr("backupErr", backupErr).Msg("All oracle sources failed")
		return Price{}, fmt.Errorf("%w: asset %s: %w", ErrAllOraclesFailed, asset.Hex(), errors.Join(
			fmt.Errorf("primary: %w", primaryErr),
			fmt.Errorf("backup: %w", backupErr),
		))
	}

	chosen.Degraded = true
	oracleLogger.Warn().
		Str("asset", asset.Hex()).
		Str("source", chosen.Source).
		Time("updatedAt", chosen.UpdatedAt).
		Dur("age", now.Sub(chosen.UpdatedAt)).
		Msg("No fresh oracle price, returning most recent stale price")
	return *chosen, nil
}

func isFresh(p Price, now time.Time, threshold time.Duration) bool {
	return now.Sub(p.UpdatedAt) <= threshold
}

// read fetches and validates one round through the feed's breaker.
func (a *Adapter) read(ctx context.Context, src source, now time.Time) (Price, error) {
	out, err := src.breaker.Execute(func() (interface{}, error) {
		round, err := src.feed.LatestRound(ctx)
		if err != nil {
			return nil, err
		}
		if err := validateRound(round, now); err != nil {
			return nil, err
		}
		return round, nil
	})
	if err != nil {
		return Price{}, err
	}
	round := out.(Round)

	value, err := Normalize(round.Answer, round.Decimals)
	if err != nil {
		return Price{}, err
	}
	return Price{Value: value, UpdatedAt: round.UpdatedAt, Source: string(src.name)}, nil
}

func validateRound(r Round, now time.Time) error {
	switch {
	case r.Answer.IsNil() || !r.Answer.IsPositive():
		return fmt.Errorf("%w: round %d answered %s", ErrInvalidPrice, r.RoundID, r.Answer)
	case r.UpdatedAt.IsZero():
		return fmt.Errorf("%w: round %d", ErrMissingTimestamp, r.RoundID)
	case r.AnsweredInRound < r.RoundID:
		return fmt.Errorf("%w: answered in %d, round %d", ErrIncompleteRound, r.AnsweredInRound, r.RoundID)
	case r.UpdatedAt.After(now):
		return fmt.Errorf("%w: %s", ErrFutureTimestamp, r.UpdatedAt)
	case r.Decimals > utils.MaxDecimals:
		return fmt.Errorf("%w: %d", ErrInvalidDecimals, r.Decimals)
	}
	return nil
}

// Normalize rescales a raw feed answer to 18 fraction digits.
func Normalize(answer sdkmath.Int, decimals uint8) (sdkmath.Int, error) {
	if answer.IsNil() || !answer.IsPositive() {
		return sdkmath.ZeroInt(), ErrInvalidPrice
	}
	if decimals > utils.MaxDecimals {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %d", ErrInvalidDecimals, decimals)
	}
	v, err := utils.ScaleDecimals(answer, decimals, utils.PriceDecimals)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	if !v.IsPositive() {
		// A sub-1e-18 answer at >18 decimals would otherwise leave the adapter as zero.
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s at %d decimals rounds to zero", ErrInvalidPrice, answer, decimals)
	}
	return v, nil
}
