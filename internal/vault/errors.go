package vault

import (
	"fmt"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
)

// ModuleName is the codespace of every registered vault error.
const ModuleName = "rwavault"

// Validation errors.
var (
	ErrZeroAddress         = errorsmod.Register(ModuleName, 2, "zero address")
	ErrZeroAmount          = errorsmod.Register(ModuleName, 3, "zero amount")
	ErrBelowMinDeposit     = errorsmod.Register(ModuleName, 4, "below minimum deposit")
	ErrZeroShares          = errorsmod.Register(ModuleName, 5, "operation would mint or burn zero shares")
	ErrArrayLengthMismatch = errorsmod.Register(ModuleName, 6, "array length mismatch")
	ErrInvalidAllocation   = errorsmod.Register(ModuleName, 7, "invalid allocation")
	ErrInvalidParameter    = errorsmod.Register(ModuleName, 8, "invalid parameter")
)

// Authorization errors.
var (
	ErrUnauthorized = errorsmod.Register(ModuleName, 10, "unauthorized")
)

// State errors.
var (
	ErrPaused                     = errorsmod.Register(ModuleName, 20, "vault is paused")
	ErrExceedsInstantLimit        = errorsmod.Register(ModuleName, 21, "exceeds instant withdrawal limit")
	ErrExceedsCircuitBreakerLimit = errorsmod.Register(ModuleName, 22, "exceeds circuit breaker limit")
	ErrExceedsMaxWithdrawal       = errorsmod.Register(ModuleName, 23, "exceeds max withdrawal")
	ErrWithdrawalDelayNotMet      = errorsmod.Register(ModuleName, 24, "withdrawal delay not met")
	ErrRequestAlreadyClaimed      = errorsmod.Register(ModuleName, 25, "request already claimed")
	ErrRequestNotFound            = errorsmod.Register(ModuleName, 26, "withdraw request not found")
	ErrUnknownAsset               = errorsmod.Register(ModuleName, 27, "unknown or inactive asset")
	ErrInsufficientShares         = errorsmod.Register(ModuleName, 28, "insufficient shares")
	ErrInsufficientAllowance      = errorsmod.Register(ModuleName, 29, "insufficient allowance")
	ErrInsufficientBalance        = errorsmod.Register(ModuleName, 30, "insufficient balance")
	ErrInsufficientLiquidity      = errorsmod.Register(ModuleName, 31, "insufficient liquidity")
	ErrAssetNotDeprecated         = errorsmod.Register(ModuleName, 32, "asset is not marked for removal")
)

// External dependency errors.
var (
	ErrOracleFailure = errorsmod.Register(ModuleName, 40, "oracle failure")
	ErrSwapFailed    = errorsmod.Register(ModuleName, 41, "swap failed")
	ErrRegistry      = errorsmod.Register(ModuleName, 42, "asset registry failure")
)

// LimitError reports which withdrawal limit was hit and by how much.
type LimitError struct {
	Kind      *errorsmod.Error
	Requested sdkmath.Int
	Limit     sdkmath.Int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: requested %s, limit %s", e.Kind.Error(), e.Requested, e.Limit)
}

func (e *LimitError) Unwrap() error { return e.Kind }

// DelayError reports when a queued withdrawal becomes claimable.
type DelayError struct {
	RequestID   uint64
	Now         time.Time
	ClaimableAt time.Time
}

func (e *DelayError) Error() string {
	return fmt.Sprintf("%s: request %d claimable at %s, now %s (%s remaining)",
		ErrWithdrawalDelayNotMet.Error(), e.RequestID,
		e.ClaimableAt.UTC().Format(time.RFC3339), e.Now.UTC().Format(time.RFC3339), e.ClaimableAt.Sub(e.Now))
}

func (e *DelayError) Unwrap() error { return ErrWithdrawalDelayNotMet }

// external wraps a collaborator failure under a registered kind, keeping the cause matchable.
func external(kind *errorsmod.Error, err error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", kind, fmt.Sprintf(format, args...), err)
}
