/*
Book is the in-process custody ledger for every token the vault touches: the vault asset,
RWA tokens, and the balances of depositors and the swap venue. It supports nested
checkpoints so a multi-leg operation can be reverted as a unit.
*/

package wallet

import (
	"errors"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/rwavault/internal/logger"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAddressInvalid      = errors.New("address is invalid")
	ErrUnknownCheckpoint   = errors.New("unknown checkpoint")
)

var walletLogger = logger.GetForComponent("wallet_book")

type balances map[common.Address]map[common.Address]sdkmath.Int // token -> account -> amount

// Book is safe for concurrent use.
type Book struct {
	mu          sync.Mutex
	balances    balances
	checkpoints []balances
}

// NewBook returns an empty ledger.
func NewBook() *Book {
	return &Book{balances: make(balances)}
}

// BalanceOf returns the balance of account in token, zero if never credited.
func (b *Book) BalanceOf(token, account common.Address) sdkmath.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balanceOf(token, account)
}

func (b *Book) balanceOf(token, account common.Address) sdkmath.Int {
	if accounts, ok := b.balances[token]; ok {
		if bal, ok := accounts[account]; ok {
			return bal
		}
	}
	return sdkmath.ZeroInt()
}

func (b *Book) set(token, account common.Address, amount sdkmath.Int) {
	accounts, ok := b.balances[token]
	if !ok {
		accounts = make(map[common.Address]sdkmath.Int)
		b.balances[token] = accounts
	}
	if amount.IsZero() {
		delete(accounts, account)
		return
	}
	accounts[account] = amount
}

// Transfer moves amount of token from one account to another.
func (b *Book) Transfer(token, from, to common.Address, amount sdkmath.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if (to == common.Address{}) || (from == common.Address{}) {
		return fmt.Errorf("%w: transfer endpoints must be nonzero", ErrAddressInvalid)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fromBal := b.balanceOf(token, from)
	if fromBal.LT(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBal, token.Hex(), amount)
	}
	b.set(token, from, fromBal.Sub(amount))
	b.set(token, to, b.balanceOf(token, to).Add(amount))

	walletLogger.Debug().
		Str("token", token.Hex()).
		Str("from", from.Hex()).
		Str("to", to.Hex()).
		Str("amount", amount.String()).
		Msg("Transfer applied")
	return nil
}

// Mint credits amount of token to account out of thin air. Used to seed simulations.
func (b *Book) Mint(token, to common.Address, amount sdkmath.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if (to == common.Address{}) {
		return fmt.Errorf("%w: mint recipient must be nonzero", ErrAddressInvalid)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set(token, to, b.balanceOf(token, to).Add(amount))
	return nil
}

// Checkpoint records the current balances and returns an id for RevertTo or Release.
// Checkpoints nest; reverting to an id also discards every later checkpoint.
func (b *Book) Checkpoint() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make(balances, len(b.balances))
	for token, accounts := range b.balances {
		copied := make(map[common.Address]sdkmath.Int, len(accounts))
		for account, bal := range accounts {
			copied[account] = bal
		}
		snapshot[token] = copied
	}
	b.checkpoints = append(b.checkpoints, snapshot)
	return len(b.checkpoints) - 1
}

// RevertTo restores the balances recorded by Checkpoint id.
func (b *Book) RevertTo(id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id < 0 || id >= len(b.checkpoints) {
		return fmt.Errorf("%w: %d", ErrUnknownCheckpoint, id)
	}
	b.balances = b.checkpoints[id]
	b.checkpoints = b.checkpoints[:id]
	walletLogger.Debug().Int("checkpoint", id).Msg("Balances reverted")
	return nil
}

// Release drops checkpoint id and every later one, keeping the current balances.
func (b *Book) Release(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id >= 0 && id < len(b.checkpoints) {
		b.checkpoints = b.checkpoints[:id]
	}
}

// Holders returns every account with a nonzero balance of token.
func (b *Book) Holders(token common.Address) map[common.Address]sdkmath.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[common.Address]sdkmath.Int, len(b.balances[token]))
	for account, bal := range b.balances[token] {
		out[account] = bal
	}
	return out
}

func validateAmount(amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
