package vault

import (
	"context"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/rwavault/internal/events"
	"github.com/elys-network/rwavault/internal/types"
)

// RequestWithdraw queues a T+1 withdrawal of caller's shares. The shares move into vault custody
// and their asset value is frozen at the current rate. Only MaxWithdrawal bounds the request.
func (v *Vault) RequestWithdraw(ctx context.Context, caller common.Address, shares sdkmath.Int, receiver common.Address) (uint64, error) {
	var req types.WithdrawRequest
	err := v.execute(ctx, "request_withdraw", func(tx *txn) error {
		if err := checkWithdrawArgs(caller, receiver, caller); err != nil {
			return err
		}
		if shares.IsNil() || !shares.IsPositive() {
			return errorsmod.Wrap(ErrZeroAmount, "requested shares must be positive")
		}
		if err := tx.checkNotPaused(); err != nil {
			return err
		}
		total, err := tx.totalAssets()
		if err != nil {
			return err
		}
		assets, err := convertToAssets(shares, total, tx.st.shares.supply)
		if err != nil {
			return err
		}
		if !assets.IsPositive() {
			return errorsmod.Wrapf(ErrZeroAmount, "%s shares are worth zero assets", shares)
		}
		if assets.GT(v.params.MaxWithdrawal) {
			return &LimitError{Kind: ErrExceedsMaxWithdrawal, Requested: assets, Limit: v.params.MaxWithdrawal}
		}
		if err := tx.st.shares.transfer(caller, v.address, shares); err != nil {
			return err
		}

		req = types.WithdrawRequest{
			ID:                  uint64(len(tx.st.requests)) + 1,
			Owner:               caller,
			Receiver:            receiver,
			Shares:              shares,
			AssetsAtRequestTime: assets,
			RequestedAt:         tx.now,
		}
		tx.st.requests = append(tx.st.requests, req)
		tx.st.totalLocked = tx.st.totalLocked.Add(shares)

		tx.emit(events.Event{
			Type:        events.TypeWithdrawRequested,
			Caller:      caller,
			Owner:       caller,
			Receiver:    receiver,
			Assets:      assets,
			Shares:      shares,
			RequestID:   req.ID,
			TotalAssets: total,
			SharePrice:  sharePrice(total, tx.st.shares.supply),
			Attributes:  map[string]string{"claimable_at": req.ClaimableAt(v.params.WithdrawalDelay).UTC().Format(time.RFC3339)},
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	vaultLogger.Info().Uint64("requestId", req.ID).Str("owner", caller.Hex()).Str("shares", shares.String()).Str("assets", req.AssetsAtRequestTime.String()).Msg("Withdrawal queued")
	return req.ID, nil
}

// ClaimWithdraw pays out a queued withdrawal at its frozen asset value once the delay has elapsed.
// Either the owner or the receiver may claim; the assets always go to the receiver.
func (v *Vault) ClaimWithdraw(ctx context.Context, caller common.Address, requestID uint64) (sdkmath.Int, error) {
	var assets sdkmath.Int
	err := v.execute(ctx, "claim_withdraw", func(tx *txn) error {
		if requestID == 0 || requestID > uint64(len(tx.st.requests)) {
			return errorsmod.Wrapf(ErrRequestNotFound, "request %d", requestID)
		}
		req := tx.st.requests[requestID-1]
		if caller != req.Owner && caller != req.Receiver {
			return errorsmod.Wrapf(ErrUnauthorized, "%s is neither owner nor receiver of request %d", caller.Hex(), requestID)
		}
		if req.Claimed {
			return errorsmod.Wrapf(ErrRequestAlreadyClaimed, "request %d", requestID)
		}
		claimableAt := req.ClaimableAt(v.params.WithdrawalDelay)
		if tx.now.Before(claimableAt) {
			return &DelayError{RequestID: requestID, Now: tx.now, ClaimableAt: claimableAt}
		}
		if err := tx.checkNotPaused(); err != nil {
			return err
		}

		assets = req.AssetsAtRequestTime
		if err := tx.st.shares.burn(v.address, req.Shares); err != nil {
			return err
		}
		if err := tx.payout(req.Receiver, assets); err != nil {
			return err
		}
		tx.mutableRequests()[requestID-1].Claimed = true
		tx.st.totalLocked = tx.st.totalLocked.Sub(req.Shares)

		total, err := tx.totalAssets()
		if err != nil {
			return err
		}
		tx.emit(events.Event{
			Type:        events.TypeWithdrawClaimed,
			Caller:      caller,
			Owner:       req.Owner,
			Receiver:    req.Receiver,
			Assets:      assets,
			Shares:      req.Shares,
			RequestID:   requestID,
			TotalAssets: total,
			SharePrice:  sharePrice(total, tx.st.shares.supply),
		})
		return nil
	})
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	vaultLogger.Info().Uint64("requestId", requestID).Str("caller", caller.Hex()).Str("assets", assets.String()).Msg("Withdrawal claimed")
	return assets, nil
}

// GetWithdrawRequest returns the request and its status at the current time.
func (v *Vault) GetWithdrawRequest(requestID uint64) (types.WithdrawRequest, types.WithdrawStatus, error) {
	var (
		req    types.WithdrawRequest
		status types.WithdrawStatus
	)
	err := v.view(func(st *vaultState) error {
		if requestID == 0 || requestID > uint64(len(st.requests)) {
			return errorsmod.Wrapf(ErrRequestNotFound, "request %d", requestID)
		}
		req = st.requests[requestID-1]
		status = req.Status(v.now(), v.params.WithdrawalDelay)
		return nil
	})
	return req, status, err
}

// PendingRequests lists owner's unclaimed requests in id order.
func (v *Vault) PendingRequests(owner common.Address) []types.WithdrawRequest {
	var out []types.WithdrawRequest
	_ = v.view(func(st *vaultState) error {
		for _, r := range st.requests {
			if r.Owner == owner && !r.Claimed {
				out = append(out, r)
			}
		}
		return nil
	})
	return out
}

// WithdrawRequests lists every request ever made in id order.
func (v *Vault) WithdrawRequests() []types.WithdrawRequest {
	var out []types.WithdrawRequest
	_ = v.view(func(st *vaultState) error {
		out = append(out, st.requests...)
		return nil
	})
	return out
}

// TotalLockedShares is the sum of shares held by unclaimed requests.
func (v *Vault) TotalLockedShares() sdkmath.Int {
	var out sdkmath.Int
	_ = v.view(func(st *vaultState) error { out = st.totalLocked; return nil })
	return out
}
