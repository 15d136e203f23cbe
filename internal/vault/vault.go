/*
Vault is the share/asset ledger of a single RWA vault.

Every public operation runs under one mutex against a staged copy of the vault state and a
checkpoint of the custody ledger. On error the ledger is reverted and the staged state dropped,
so an operation either applies completely or not at all. Events are sequenced under the lock
when the staged state is committed and published after it is released.
*/

package vault

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/elys-network/rwavault/internal/events"
	"github.com/elys-network/rwavault/internal/logger"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/utils"
)

var vaultLogger = logger.GetForComponent("vault")

// Config wires a vault to its collaborators.
type Config struct {
	Address    common.Address // custody account of the vault asset, RWA tokens and locked shares
	Asset      common.Address // canonical vault asset
	Params     types.VaultParameters
	Ledger     TokenLedger
	Swap       SwapHelper
	Registry   AssetRegistry
	Authorizer Authorizer
	Portfolio  Portfolio
	Sink       events.Sink // optional
	Now        func() time.Time
}

type circuitBreaker struct {
	active       bool
	referenceNav sdkmath.Int
	thresholdBps int64
}

type vaultState struct {
	idle        sdkmath.Int
	managed     sdkmath.Int
	paused      bool
	emergency   bool
	shares      shareLedger
	requests    []types.WithdrawRequest // request id i lives at index i-1
	totalLocked sdkmath.Int
	breaker     circuitBreaker
}

func (s vaultState) clone() vaultState {
	c := s
	c.shares = s.shares.clone()
	// Full slice expression so an append in the staged copy never writes into the committed array.
	c.requests = s.requests[:len(s.requests):len(s.requests)]
	return c
}

type Vault struct {
	address   common.Address
	asset     common.Address
	params    types.VaultParameters
	ledger    TokenLedger
	swap      SwapHelper
	registry  AssetRegistry
	auth      Authorizer
	portfolio Portfolio
	sink      events.Sink
	now       func() time.Time

	mu  sync.Mutex
	st  vaultState
	seq uint64
	out outbox
}

func New(cfg Config) (*Vault, error) {
	if (cfg.Address == common.Address{}) || (cfg.Asset == common.Address{}) {
		return nil, errorsmod.Wrap(ErrZeroAddress, "vault and asset addresses are required")
	}
	if cfg.Ledger == nil || cfg.Swap == nil || cfg.Registry == nil || cfg.Authorizer == nil || cfg.Portfolio == nil {
		return nil, errorsmod.Wrap(ErrInvalidParameter, "ledger, swap, registry, authorizer and portfolio are required")
	}
	p := cfg.Params
	if p.MinDeposit.IsNil() || p.InstantWithdrawalLimit.IsNil() || p.MaxWithdrawal.IsNil() || p.CircuitBreakerLimit.IsNil() {
		return nil, errorsmod.Wrap(ErrInvalidParameter, "all amount parameters must be set")
	}
	if p.MaxSlippageBps < 0 || p.MaxSlippageBps > 200 {
		return nil, errorsmod.Wrapf(ErrInvalidParameter, "max slippage %d bps not in [0, 200]", p.MaxSlippageBps)
	}
	if p.CircuitBreakerBps <= 0 || p.CircuitBreakerBps > types.BpsDenominator {
		return nil, errorsmod.Wrapf(ErrInvalidParameter, "circuit breaker threshold %d bps not in (0, 10000]", p.CircuitBreakerBps)
	}
	if p.WithdrawalDelay < 0 {
		return nil, errorsmod.Wrap(ErrInvalidParameter, "withdrawal delay must be non-negative")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	v := &Vault{
		address:   cfg.Address,
		asset:     cfg.Asset,
		params:    p,
		ledger:    cfg.Ledger,
		swap:      cfg.Swap,
		registry:  cfg.Registry,
		auth:      cfg.Authorizer,
		portfolio: cfg.Portfolio,
		sink:      cfg.Sink,
		now:       now,
		st: vaultState{
			idle:        sdkmath.ZeroInt(),
			managed:     sdkmath.ZeroInt(),
			shares:      newShareLedger(),
			totalLocked: sdkmath.ZeroInt(),
			breaker:     circuitBreaker{referenceNav: sdkmath.ZeroInt(), thresholdBps: p.CircuitBreakerBps},
		},
	}
	vaultLogger.Info().
		Str("vault", v.address.Hex()).
		Str("asset", v.asset.Hex()).
		Str("minDeposit", p.MinDeposit.String()).
		Str("instantLimit", p.InstantWithdrawalLimit.String()).
		Str("maxWithdrawal", p.MaxWithdrawal.String()).
		Dur("withdrawalDelay", p.WithdrawalDelay).
		Msg("Vault initialised")
	return v, nil
}

// txn is the staged state of one operation.
type txn struct {
	ctx            context.Context
	v              *Vault
	st             vaultState
	now            time.Time
	events         []events.Event
	traded         bool
	requestsCopied bool
}

func (tx *txn) emit(e events.Event) {
	tx.events = append(tx.events, e)
}

// execute runs fn as one atomic operation.
func (v *Vault) execute(ctx context.Context, op string, fn func(tx *txn) error) error {
	v.mu.Lock()
	tx := &txn{ctx: ctx, v: v, st: v.st.clone(), now: v.now()}
	cp := v.ledger.Checkpoint()

	if err := guard(op, func() error { return fn(tx) }); err != nil {
		if revertErr := v.ledger.RevertTo(cp); revertErr != nil {
			vaultLogger.Error().Err(revertErr).Str("op", op).Msg("Failed to revert custody ledger")
			err = errors.Join(err, revertErr)
		}
		if tx.traded {
			v.portfolio.Invalidate()
		}
		v.mu.Unlock()
		vaultLogger.Warn().Str("op", op).Err(err).Msg("Operation aborted")
		return err
	}

	v.ledger.Release(cp)
	v.st = tx.st
	if tx.traded {
		v.portfolio.Invalidate()
	}
	v.enqueueLocked(tx.now, tx.events)
	v.mu.Unlock()

	v.flush(context.WithoutCancel(ctx))
	return nil
}

// view runs fn under the lock against the committed state.
func (v *Vault) view(fn func(st *vaultState) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return guard("view", func() error { return fn(&v.st) })
}

// guard turns a panic in fn into ErrInvalidParameter so the caller's cleanup still runs.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			vaultLogger.Error().Str("op", op).Interface("panic", r).Msg("Recovered from panic")
			err = errorsmod.Wrapf(ErrInvalidParameter, "%s: %v", op, r)
		}
	}()
	return fn()
}

// outbox holds committed events until they are handed to the sink, in sequence order.
type outbox struct {
	mu       sync.Mutex
	pending  []events.Event
	flushing bool
}

// enqueueLocked stamps evs with the next sequence numbers. Callers hold v.mu.
func (v *Vault) enqueueLocked(now time.Time, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	stamped := make([]events.Event, 0, len(evs))
	for _, e := range evs {
		v.seq++
		e.ID = uuid.New()
		e.Sequence = v.seq
		e.Vault = v.address
		e.Timestamp = now
		stamped = append(stamped, e)
	}
	if v.sink == nil {
		return
	}
	v.out.mu.Lock()
	v.out.pending = append(v.out.pending, stamped...)
	v.out.mu.Unlock()
}

// flush publishes pending events without holding the vault lock. One goroutine drains at a time so
// sinks see events in sequence order; a concurrent caller leaves its events to the active drainer.
func (v *Vault) flush(ctx context.Context) {
	v.out.mu.Lock()
	if v.out.flushing {
		v.out.mu.Unlock()
		return
	}
	v.out.flushing = true
	for len(v.out.pending) > 0 {
		batch := v.out.pending
		v.out.pending = nil
		v.out.mu.Unlock()
		for _, e := range batch {
			if err := v.sink.Publish(ctx, e); err != nil {
				vaultLogger.Warn().Err(err).Uint64("seq", e.Sequence).Str("type", string(e.Type)).Msg("Failed to publish event")
			}
		}
		v.out.mu.Lock()
	}
	v.out.flushing = false
	v.out.mu.Unlock()
}

func (v *Vault) authorize(caller common.Address, action types.Action) error {
	if !v.auth.IsAuthorized(caller, action) {
		return errorsmod.Wrapf(ErrUnauthorized, "%s may not %s", caller.Hex(), action)
	}
	return nil
}

// --- NAV ---

func (tx *txn) totalAssets() (sdkmath.Int, error) {
	return tx.v.totalAssetsOf(tx.ctx, &tx.st)
}

func (v *Vault) totalAssetsOf(ctx context.Context, st *vaultState) (sdkmath.Int, error) {
	rwa, err := v.portfolio.GetValue(ctx)
	if err != nil {
		return sdkmath.ZeroInt(), external(ErrOracleFailure, err, "valuing RWA holdings")
	}
	return st.idle.Add(st.managed).Add(rwa), nil
}

func sharePrice(total, supply sdkmath.Int) sdkmath.Int {
	if supply.IsZero() {
		return utils.OneE18
	}
	price, _ := utils.MulDiv(total, utils.OneE18, supply)
	return price
}

// convertToShares floors. A first deposit mints 1:1.
func convertToShares(assets, total, supply sdkmath.Int) (sdkmath.Int, error) {
	if supply.IsZero() {
		return assets, nil
	}
	if !total.IsPositive() {
		return sdkmath.ZeroInt(), errorsmod.Wrapf(ErrZeroShares, "%s shares outstanding against zero assets", supply)
	}
	return checkedAmount(utils.MulDiv(assets, supply, total))
}

// convertToAssets floors.
func convertToAssets(shares, total, supply sdkmath.Int) (sdkmath.Int, error) {
	if supply.IsZero() {
		return shares, nil
	}
	return checkedAmount(utils.MulDiv(shares, total, supply))
}

// mintCost is the asset cost of shares, rounded up.
func mintCost(shares, total, supply sdkmath.Int) (sdkmath.Int, error) {
	if supply.IsZero() {
		return shares, nil
	}
	return checkedAmount(utils.MulDivCeil(shares, total, supply))
}

// checkedAmount maps arithmetic failures, such as a result wider than 256 bits, to ErrInvalidParameter.
func checkedAmount(out sdkmath.Int, err error) (sdkmath.Int, error) {
	if err != nil {
		return sdkmath.ZeroInt(), errorsmod.Wrap(ErrInvalidParameter, err.Error())
	}
	return out, nil
}

// withdrawCost is the share cost of assets, rounded up.
func withdrawCost(assets, total, supply sdkmath.Int) (sdkmath.Int, error) {
	if supply.IsZero() {
		return assets, nil
	}
	if !total.IsPositive() {
		return sdkmath.ZeroInt(), errorsmod.Wrap(ErrInsufficientLiquidity, "vault holds no assets")
	}
	return checkedAmount(utils.MulDivCeil(assets, supply, total))
}

// TotalAssets = idle + managed + RWA value, recomputed on every call.
func (v *Vault) TotalAssets(ctx context.Context) (sdkmath.Int, error) {
	var total sdkmath.Int
	err := v.view(func(st *vaultState) error {
		var err error
		total, err = v.totalAssetsOf(ctx, st)
		return err
	})
	return total, err
}

// SharePrice is assets per share at 18 decimals; 1e18 while no shares exist.
func (v *Vault) SharePrice(ctx context.Context) (sdkmath.Int, error) {
	var price sdkmath.Int
	err := v.view(func(st *vaultState) error {
		total, err := v.totalAssetsOf(ctx, st)
		if err != nil {
			return err
		}
		price = sharePrice(total, st.shares.supply)
		return nil
	})
	return price, err
}

func (v *Vault) withTotals(ctx context.Context, fn func(st *vaultState, total sdkmath.Int) error) error {
	return v.view(func(st *vaultState) error {
		total, err := v.totalAssetsOf(ctx, st)
		if err != nil {
			return err
		}
		return fn(st, total)
	})
}

func (v *Vault) ConvertToShares(ctx context.Context, assets sdkmath.Int) (out sdkmath.Int, err error) {
	err = v.withTotals(ctx, func(st *vaultState, total sdkmath.Int) error {
		out, err = convertToShares(assets, total, st.shares.supply)
		return err
	})
	return out, err
}

func (v *Vault) ConvertToAssets(ctx context.Context, shares sdkmath.Int) (out sdkmath.Int, err error) {
	err = v.withTotals(ctx, func(st *vaultState, total sdkmath.Int) error {
		out, err = convertToAssets(shares, total, st.shares.supply)
		return err
	})
	return out, err
}

func (v *Vault) PreviewDeposit(ctx context.Context, assets sdkmath.Int) (sdkmath.Int, error) {
	return v.ConvertToShares(ctx, assets)
}

func (v *Vault) PreviewMint(ctx context.Context, shares sdkmath.Int) (out sdkmath.Int, err error) {
	err = v.withTotals(ctx, func(st *vaultState, total sdkmath.Int) error {
		out, err = mintCost(shares, total, st.shares.supply)
		return err
	})
	return out, err
}

func (v *Vault) PreviewWithdraw(ctx context.Context, assets sdkmath.Int) (out sdkmath.Int, err error) {
	err = v.withTotals(ctx, func(st *vaultState, total sdkmath.Int) error {
		out, err = withdrawCost(assets, total, st.shares.supply)
		return err
	})
	return out, err
}

func (v *Vault) PreviewRedeem(ctx context.Context, shares sdkmath.Int) (sdkmath.Int, error) {
	return v.ConvertToAssets(ctx, shares)
}

// --- deposits ---

// Deposit pulls assets from caller, mints shares to receiver and invests the new capital per target allocations.
func (v *Vault) Deposit(ctx context.Context, caller common.Address, assets sdkmath.Int, receiver common.Address) (sdkmath.Int, error) {
	var shares sdkmath.Int
	err := v.execute(ctx, "deposit", func(tx *txn) error {
		if err := tx.checkDepositAllowed(caller, receiver); err != nil {
			return err
		}
		if assets.IsNil() || !assets.IsPositive() {
			return errorsmod.Wrap(ErrZeroAmount, "deposit amount must be positive")
		}
		if assets.LT(v.params.MinDeposit) {
			return errorsmod.Wrapf(ErrBelowMinDeposit, "deposit %s below minimum %s", assets, v.params.MinDeposit)
		}
		total, err := tx.totalAssets()
		if err != nil {
			return err
		}
		supply := tx.st.shares.supply
		if shares, err = convertToShares(assets, total, supply); err != nil {
			return err
		}
		if !shares.IsPositive() {
			return errorsmod.Wrapf(ErrZeroShares, "deposit of %s mints zero shares", assets)
		}
		return tx.settleDeposit(caller, receiver, assets, shares, total, supply)
	})
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	vaultLogger.Info().Str("caller", caller.Hex()).Str("receiver", receiver.Hex()).Str("assets", assets.String()).Str("shares", shares.String()).Msg("Deposit committed")
	return shares, nil
}

// Mint mints exactly shares to receiver, charging the rounded-up asset cost to caller.
func (v *Vault) Mint(ctx context.Context, caller common.Address, shares sdkmath.Int, receiver common.Address) (sdkmath.Int, error) {
	var assets sdkmath.Int
	err := v.execute(ctx, "mint", func(tx *txn) error {
		if err := tx.checkDepositAllowed(caller, receiver); err != nil {
			return err
		}
		if shares.IsNil() || !shares.IsPositive() {
			return errorsmod.Wrap(ErrZeroAmount, "mint amount must be positive")
		}
		total, err := tx.totalAssets()
		if err != nil {
			return err
		}
		supply := tx.st.shares.supply
		if supply.IsPositive() && !total.IsPositive() {
			return errorsmod.Wrapf(ErrZeroShares, "%s shares outstanding against zero assets", supply)
		}
		if assets, err = mintCost(shares, total, supply); err != nil {
			return err
		}
		if assets.LT(v.params.MinDeposit) {
			return errorsmod.Wrapf(ErrBelowMinDeposit, "mint costs %s, below minimum %s", assets, v.params.MinDeposit)
		}
		return tx.settleDeposit(caller, receiver, assets, shares, total, supply)
	})
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	vaultLogger.Info().Str("caller", caller.Hex()).Str("receiver", receiver.Hex()).Str("assets", assets.String()).Str("shares", shares.String()).Msg("Mint committed")
	return assets, nil
}

func (tx *txn) checkDepositAllowed(caller, receiver common.Address) error {
	if (caller == common.Address{}) || (receiver == common.Address{}) {
		return errorsmod.Wrap(ErrZeroAddress, "caller and receiver must be nonzero")
	}
	if receiver == tx.v.address {
		return errorsmod.Wrap(ErrInvalidParameter, "receiver cannot be the vault")
	}
	if tx.st.paused {
		return errorsmod.Wrap(ErrPaused, "deposits are disabled")
	}
	return nil
}

func (tx *txn) settleDeposit(caller, receiver common.Address, assets, shares, totalBefore, supplyBefore sdkmath.Int) error {
	v := tx.v
	if err := v.ledger.Transfer(v.asset, caller, v.address, assets); err != nil {
		return external(ErrInsufficientBalance, err, "pulling %s from %s", assets, caller.Hex())
	}
	tx.st.idle = tx.st.idle.Add(assets)

	if err := tx.invest(assets); err != nil {
		return err
	}
	tx.st.shares.mint(receiver, shares)

	total := totalBefore.Add(assets)
	tx.emit(events.Event{
		Type:        events.TypeDeposit,
		Caller:      caller,
		Owner:       receiver,
		Receiver:    receiver,
		Assets:      assets,
		Shares:      shares,
		TotalAssets: total,
		SharePrice:  sharePrice(total, supplyBefore.Add(shares)),
	})
	return nil
}

// invest buys RWA with amount of idle capital split by active target allocations.
// Assets the registry no longer reports as active are skipped; their share stays idle.
func (tx *txn) invest(amount sdkmath.Int) error {
	v := tx.v
	for _, h := range v.portfolio.Holdings() {
		if !h.IsActive || h.TargetAllocationBps == 0 {
			continue
		}
		asset, err := v.registry.Asset(h.Token)
		if err != nil {
			return external(ErrRegistry, err, "resolving %s", h.Token.Hex())
		}
		if !asset.IsActive() {
			continue
		}
		amountIn := amount.MulRaw(h.TargetAllocationBps).QuoRaw(types.BpsDenominator)
		if !amountIn.IsPositive() {
			continue
		}
		if _, err := v.swap.BuyRWAAsset(tx.ctx, v.asset, h.Token, amountIn, v.params.MaxSlippageBps); err != nil {
			return external(ErrSwapFailed, err, "buying %s with %s", asset.Symbol, amountIn)
		}
		tx.st.idle = tx.st.idle.Sub(amountIn)
		tx.traded = true
	}
	return nil
}

// --- withdrawals ---

// Withdraw burns the shares worth assets from owner and pays assets to receiver.
func (v *Vault) Withdraw(ctx context.Context, caller common.Address, assets sdkmath.Int, receiver, owner common.Address) (sdkmath.Int, error) {
	var shares sdkmath.Int
	err := v.execute(ctx, "withdraw", func(tx *txn) error {
		if err := checkWithdrawArgs(caller, receiver, owner); err != nil {
			return err
		}
		if assets.IsNil() || !assets.IsPositive() {
			return errorsmod.Wrap(ErrZeroAmount, "withdraw amount must be positive")
		}
		if err := tx.checkNotPaused(); err != nil {
			return err
		}
		total, err := tx.totalAssets()
		if err != nil {
			return err
		}
		tx.evaluateCircuitBreaker(total)
		if err := tx.checkWithdrawLimits(assets); err != nil {
			return err
		}
		supply := tx.st.shares.supply
		if shares, err = withdrawCost(assets, total, supply); err != nil {
			return err
		}
		return tx.settleWithdraw(caller, receiver, owner, assets, shares, total, supply)
	})
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	vaultLogger.Info().Str("owner", owner.Hex()).Str("receiver", receiver.Hex()).Str("assets", assets.String()).Str("shares", shares.String()).Msg("Withdraw committed")
	return shares, nil
}

// Redeem burns shares from owner and pays their floor asset value to receiver.
func (v *Vault) Redeem(ctx context.Context, caller common.Address, shares sdkmath.Int, receiver, owner common.Address) (sdkmath.Int, error) {
	var assets sdkmath.Int
	err := v.execute(ctx, "redeem", func(tx *txn) error {
		if err := checkWithdrawArgs(caller, receiver, owner); err != nil {
			return err
		}
		if shares.IsNil() || !shares.IsPositive() {
			return errorsmod.Wrap(ErrZeroAmount, "redeem amount must be positive")
		}
		if err := tx.checkNotPaused(); err != nil {
			return err
		}
		total, err := tx.totalAssets()
		if err != nil {
			return err
		}
		tx.evaluateCircuitBreaker(total)
		supply := tx.st.shares.supply
		if assets, err = convertToAssets(shares, total, supply); err != nil {
			return err
		}
		if !assets.IsPositive() {
			return errorsmod.Wrapf(ErrZeroAmount, "%s shares redeem for zero assets", shares)
		}
		if err := tx.checkWithdrawLimits(assets); err != nil {
			return err
		}
		return tx.settleWithdraw(caller, receiver, owner, assets, shares, total, supply)
	})
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	vaultLogger.Info().Str("owner", owner.Hex()).Str("receiver", receiver.Hex()).Str("assets", assets.String()).Str("shares", shares.String()).Msg("Redeem committed")
	return assets, nil
}

func checkWithdrawArgs(caller, receiver, owner common.Address) error {
	if (caller == common.Address{}) || (receiver == common.Address{}) || (owner == common.Address{}) {
		return errorsmod.Wrap(ErrZeroAddress, "caller, receiver and owner must be nonzero")
	}
	return nil
}

// checkNotPaused applies the one emergency precedence shared by every withdrawal path:
// emergency mode lifts the pause.
func (tx *txn) checkNotPaused() error {
	if tx.st.paused && !tx.st.emergency {
		return errorsmod.Wrap(ErrPaused, "withdrawals are disabled")
	}
	return nil
}

// checkWithdrawLimits enforces MaxWithdrawal always, and the instant and circuit breaker limits
// unless emergency mode is on.
func (tx *txn) checkWithdrawLimits(assets sdkmath.Int) error {
	p := tx.v.params
	if assets.GT(p.MaxWithdrawal) {
		return &LimitError{Kind: ErrExceedsMaxWithdrawal, Requested: assets, Limit: p.MaxWithdrawal}
	}
	if tx.st.emergency {
		return nil
	}
	if assets.GT(p.InstantWithdrawalLimit) {
		return &LimitError{Kind: ErrExceedsInstantLimit, Requested: assets, Limit: p.InstantWithdrawalLimit}
	}
	if tx.st.breaker.active && assets.GT(p.CircuitBreakerLimit) {
		return &LimitError{Kind: ErrExceedsCircuitBreakerLimit, Requested: assets, Limit: p.CircuitBreakerLimit}
	}
	return nil
}

func (tx *txn) settleWithdraw(caller, receiver, owner common.Address, assets, shares, totalBefore, supplyBefore sdkmath.Int) error {
	if !shares.IsPositive() {
		return errorsmod.Wrapf(ErrZeroShares, "withdrawal of %s burns zero shares", assets)
	}
	if err := tx.st.shares.spendAllowance(owner, caller, shares); err != nil {
		return err
	}
	if err := tx.st.shares.burn(owner, shares); err != nil {
		return err
	}
	if err := tx.payout(receiver, assets); err != nil {
		return err
	}

	total := totalBefore.Sub(assets)
	tx.emit(events.Event{
		Type:        events.TypeWithdraw,
		Caller:      caller,
		Owner:       owner,
		Receiver:    receiver,
		Assets:      assets,
		Shares:      shares,
		TotalAssets: total,
		SharePrice:  sharePrice(total, supplyBefore.Sub(shares)),
	})
	return nil
}

// payout transfers assets to receiver, selling RWA first if idle capital is short.
func (tx *txn) payout(receiver common.Address, assets sdkmath.Int) error {
	v := tx.v
	if err := tx.ensureLiquidity(assets); err != nil {
		return err
	}
	if err := v.ledger.Transfer(v.asset, v.address, receiver, assets); err != nil {
		return external(ErrInsufficientLiquidity, err, "paying %s to %s", assets, receiver.Hex())
	}
	tx.st.idle = tx.st.idle.Sub(assets)
	return nil
}

// ensureLiquidity sells active holdings proportionally to their value until idle covers needed.
// The sale is grossed up by the slippage bound so a worst-case fill still covers the shortfall.
func (tx *txn) ensureLiquidity(needed sdkmath.Int) error {
	v := tx.v
	shortfall := needed.Sub(tx.st.idle)
	if !shortfall.IsPositive() {
		return nil
	}

	values, err := v.portfolio.HoldingValues(tx.ctx)
	if err != nil {
		return external(ErrOracleFailure, err, "valuing holdings for liquidation")
	}
	rwaValue := sdkmath.ZeroInt()
	for _, hv := range values {
		if hv.IsActive {
			rwaValue = rwaValue.Add(hv.Value)
		}
	}
	if rwaValue.LT(shortfall) {
		return errorsmod.Wrapf(ErrInsufficientLiquidity, "need %s, idle %s, RWA worth %s", needed, tx.st.idle, rwaValue)
	}

	bps := sdkmath.NewInt(types.BpsDenominator)
	gross, err := utils.MulDivCeil(shortfall, bps, bps.SubRaw(v.params.MaxSlippageBps))
	if err != nil {
		return err
	}
	gross = sdkmath.MinInt(gross, rwaValue)

	for _, hv := range values {
		if !hv.IsActive || !hv.Value.IsPositive() {
			continue
		}
		portion, err := utils.MulDivCeil(gross, hv.Value, rwaValue)
		if err != nil {
			return err
		}
		portion = sdkmath.MinInt(portion, hv.Value)
		amount, err := utils.TokenAmountForValue(portion, hv.Price, hv.Decimals, v.params.AssetDecimals, true)
		if err != nil {
			return err
		}
		amount = sdkmath.MinInt(amount, hv.Balance)
		if !amount.IsPositive() {
			continue
		}
		out, err := v.swap.SellRWAAsset(tx.ctx, hv.Token, v.asset, amount, v.params.MaxSlippageBps)
		if err != nil {
			return external(ErrSwapFailed, err, "selling %s %s", amount, hv.Symbol)
		}
		tx.st.idle = tx.st.idle.Add(out)
		tx.traded = true
	}

	if tx.st.idle.LT(needed) {
		return errorsmod.Wrapf(ErrInsufficientLiquidity, "need %s, raised only %s", needed, tx.st.idle)
	}
	return nil
}

// --- admin ---

// UpdateManagedAssets sets the externally reported value managed outside the vault.
func (v *Vault) UpdateManagedAssets(ctx context.Context, caller common.Address, value sdkmath.Int) error {
	return v.execute(ctx, "update_managed_assets", func(tx *txn) error {
		if err := v.authorize(caller, types.ActionUpdateManagedAssets); err != nil {
			return err
		}
		if value.IsNil() || value.IsNegative() {
			return errorsmod.Wrap(ErrInvalidParameter, "managed assets must be non-negative")
		}
		before, err := tx.totalAssets()
		if err != nil {
			return err
		}
		previous := tx.st.managed
		tx.st.managed = value
		after := before.Sub(previous).Add(value)

		tx.emit(events.Event{
			Type:        events.TypeNavUpdated,
			Caller:      caller,
			Assets:      value,
			TotalAssets: after,
			SharePrice:  sharePrice(after, tx.st.shares.supply),
			Attributes: map[string]string{
				"previous_managed_assets": previous.String(),
				"previous_total_assets":   before.String(),
			},
		})
		vaultLogger.Info().Str("previous", previous.String()).Str("managed", value.String()).Str("totalAssets", after.String()).Msg("Managed assets updated")
		return nil
	})
}

func (v *Vault) Pause(ctx context.Context, caller common.Address) error {
	return v.setPaused(ctx, caller, true)
}

func (v *Vault) Unpause(ctx context.Context, caller common.Address) error {
	return v.setPaused(ctx, caller, false)
}

func (v *Vault) setPaused(ctx context.Context, caller common.Address, paused bool) error {
	return v.execute(ctx, "set_paused", func(tx *txn) error {
		if err := v.authorize(caller, types.ActionPause); err != nil {
			return err
		}
		if tx.st.paused == paused {
			return nil
		}
		tx.st.paused = paused
		tx.emit(events.Event{Type: events.TypePauseChanged, Caller: caller, Attributes: map[string]string{"paused": fmt.Sprint(paused)}})
		vaultLogger.Warn().Bool("paused", paused).Str("caller", caller.Hex()).Msg("Pause state changed")
		return nil
	})
}

// SetEmergencyWithdraw toggles emergency mode, which lifts the pause and the instant and
// circuit breaker limits for every withdrawal path. MaxWithdrawal still applies.
func (v *Vault) SetEmergencyWithdraw(ctx context.Context, caller common.Address, enabled bool) error {
	return v.execute(ctx, "set_emergency_withdraw", func(tx *txn) error {
		if err := v.authorize(caller, types.ActionEmergency); err != nil {
			return err
		}
		if tx.st.emergency == enabled {
			return nil
		}
		tx.st.emergency = enabled
		tx.emit(events.Event{Type: events.TypeEmergencyWithdrawChanged, Caller: caller, Attributes: map[string]string{"enabled": fmt.Sprint(enabled)}})
		vaultLogger.Warn().Bool("enabled", enabled).Str("caller", caller.Hex()).Msg("Emergency withdraw changed")
		return nil
	})
}

// --- share token ---

// Transfer moves shares from caller to to.
func (v *Vault) Transfer(ctx context.Context, caller, to common.Address, shares sdkmath.Int) error {
	return v.TransferFrom(ctx, caller, caller, to, shares)
}

// TransferFrom moves shares from from to to, spending caller's allowance when caller is not from.
func (v *Vault) TransferFrom(ctx context.Context, caller, from, to common.Address, shares sdkmath.Int) error {
	return v.execute(ctx, "transfer", func(tx *txn) error {
		if (caller == common.Address{}) || (from == common.Address{}) || (to == common.Address{}) {
			return errorsmod.Wrap(ErrZeroAddress, "transfer endpoints must be nonzero")
		}
		if to == v.address || from == v.address {
			return errorsmod.Wrap(ErrInvalidParameter, "vault custody shares move only through the withdrawal queue")
		}
		if shares.IsNil() || !shares.IsPositive() {
			return errorsmod.Wrap(ErrZeroAmount, "transfer amount must be positive")
		}
		if err := tx.st.shares.spendAllowance(from, caller, shares); err != nil {
			return err
		}
		if err := tx.st.shares.transfer(from, to, shares); err != nil {
			return err
		}
		tx.emit(events.Event{Type: events.TypeTransfer, Caller: caller, Owner: from, Receiver: to, Shares: shares})
		return nil
	})
}

// Approve sets the number of caller's shares spender may move or withdraw.
func (v *Vault) Approve(ctx context.Context, caller, spender common.Address, shares sdkmath.Int) error {
	return v.execute(ctx, "approve", func(tx *txn) error {
		if (caller == common.Address{}) || (spender == common.Address{}) {
			return errorsmod.Wrap(ErrZeroAddress, "owner and spender must be nonzero")
		}
		if shares.IsNil() || shares.IsNegative() {
			return errorsmod.Wrap(ErrInvalidParameter, "allowance must be non-negative")
		}
		tx.st.shares.approve(caller, spender, shares)
		tx.emit(events.Event{Type: events.TypeApproval, Caller: caller, Owner: caller, Receiver: spender, Shares: shares})
		return nil
	})
}

// --- views ---

func (v *Vault) Address() common.Address       { return v.address }
func (v *Vault) Asset() common.Address         { return v.asset }
func (v *Vault) Params() types.VaultParameters { return v.params }

func (v *Vault) BalanceOf(owner common.Address) sdkmath.Int {
	var out sdkmath.Int
	_ = v.view(func(st *vaultState) error { out = st.shares.balanceOf(owner); return nil })
	return out
}

func (v *Vault) Allowance(owner, spender common.Address) sdkmath.Int {
	var out sdkmath.Int
	_ = v.view(func(st *vaultState) error { out = st.shares.allowance(owner, spender); return nil })
	return out
}

func (v *Vault) TotalSupply() sdkmath.Int {
	var out sdkmath.Int
	_ = v.view(func(st *vaultState) error { out = st.shares.supply; return nil })
	return out
}

func (v *Vault) IdleAssets() sdkmath.Int {
	var out sdkmath.Int
	_ = v.view(func(st *vaultState) error { out = st.idle; return nil })
	return out
}

func (v *Vault) ManagedAssets() sdkmath.Int {
	var out sdkmath.Int
	_ = v.view(func(st *vaultState) error { out = st.managed; return nil })
	return out
}

func (v *Vault) Paused() bool {
	var out bool
	_ = v.view(func(st *vaultState) error { out = st.paused; return nil })
	return out
}

func (v *Vault) EmergencyWithdrawEnabled() bool {
	var out bool
	_ = v.view(func(st *vaultState) error { out = st.emergency; return nil })
	return out
}

// MaxDeposit is zero while paused and unbounded otherwise.
func (v *Vault) MaxDeposit(common.Address) sdkmath.Int {
	if v.Paused() {
		return sdkmath.ZeroInt()
	}
	return utils.MaxUint256
}

// MaxMint is zero while paused and unbounded otherwise.
func (v *Vault) MaxMint(common.Address) sdkmath.Int {
	return v.MaxDeposit(common.Address{})
}

// MaxWithdraw is the largest asset amount owner could withdraw in one call right now.
func (v *Vault) MaxWithdraw(ctx context.Context, owner common.Address) (out sdkmath.Int, err error) {
	err = v.withTotals(ctx, func(st *vaultState, total sdkmath.Int) error {
		position, err := convertToAssets(st.shares.balanceOf(owner), total, st.shares.supply)
		if err != nil {
			return err
		}
		out = sdkmath.MinInt(position, v.withdrawCap(st, total))
		return nil
	})
	return out, err
}

// MaxRedeem is the largest share amount owner could redeem in one call right now.
func (v *Vault) MaxRedeem(ctx context.Context, owner common.Address) (out sdkmath.Int, err error) {
	err = v.withTotals(ctx, func(st *vaultState, total sdkmath.Int) error {
		balance := st.shares.balanceOf(owner)
		limit := v.withdrawCap(st, total)
		position, err := convertToAssets(balance, total, st.shares.supply)
		if err != nil {
			return err
		}
		if position.LTE(limit) {
			out = balance
			return nil
		}
		capShares, err := convertToShares(limit, total, st.shares.supply)
		if err != nil {
			return err
		}
		out = sdkmath.MinInt(balance, capShares)
		return nil
	})
	return out, err
}

// withdrawCap is the tightest limit a withdraw/redeem would face, zero while paused.
func (v *Vault) withdrawCap(st *vaultState, total sdkmath.Int) sdkmath.Int {
	if st.paused && !st.emergency {
		return sdkmath.ZeroInt()
	}
	limit := v.params.MaxWithdrawal
	if st.emergency {
		return limit
	}
	limit = sdkmath.MinInt(limit, v.params.InstantWithdrawalLimit)
	if st.breaker.active || breakerTripped(st.breaker, total) {
		limit = sdkmath.MinInt(limit, v.params.CircuitBreakerLimit)
	}
	return limit
}

// mutableRequests returns the staged request table, copying it on first write.
func (tx *txn) mutableRequests() []types.WithdrawRequest {
	if !tx.requestsCopied {
		tx.st.requests = slices.Clone(tx.st.requests)
		tx.requestsCopied = true
	}
	return tx.st.requests
}
