package vault

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// shareLedger is the vault share token. Σ balances == supply at all times.
type shareLedger struct {
	supply     sdkmath.Int
	balances   map[common.Address]sdkmath.Int
	allowances map[common.Address]map[common.Address]sdkmath.Int // owner -> spender -> shares
}

func newShareLedger() shareLedger {
	return shareLedger{
		supply:     sdkmath.ZeroInt(),
		balances:   make(map[common.Address]sdkmath.Int),
		allowances: make(map[common.Address]map[common.Address]sdkmath.Int),
	}
}

func (l shareLedger) clone() shareLedger {
	c := shareLedger{
		supply:     l.supply,
		balances:   make(map[common.Address]sdkmath.Int, len(l.balances)),
		allowances: make(map[common.Address]map[common.Address]sdkmath.Int, len(l.allowances)),
	}
	for k, v := range l.balances {
		c.balances[k] = v
	}
	for owner, spenders := range l.allowances {
		m := make(map[common.Address]sdkmath.Int, len(spenders))
		for s, v := range spenders {
			m[s] = v
		}
		c.allowances[owner] = m
	}
	return c
}

func (l *shareLedger) balanceOf(account common.Address) sdkmath.Int {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return sdkmath.ZeroInt()
}

func (l *shareLedger) setBalance(account common.Address, amount sdkmath.Int) {
	if amount.IsZero() {
		delete(l.balances, account)
		return
	}
	l.balances[account] = amount
}

func (l *shareLedger) mint(to common.Address, shares sdkmath.Int) {
	l.setBalance(to, l.balanceOf(to).Add(shares))
	l.supply = l.supply.Add(shares)
}

func (l *shareLedger) burn(from common.Address, shares sdkmath.Int) error {
	bal := l.balanceOf(from)
	if bal.LT(shares) {
		return errorsmod.Wrapf(ErrInsufficientShares, "%s holds %s, needs %s", from.Hex(), bal, shares)
	}
	l.setBalance(from, bal.Sub(shares))
	l.supply = l.supply.Sub(shares)
	return nil
}

func (l *shareLedger) transfer(from, to common.Address, shares sdkmath.Int) error {
	bal := l.balanceOf(from)
	if bal.LT(shares) {
		return errorsmod.Wrapf(ErrInsufficientShares, "%s holds %s, needs %s", from.Hex(), bal, shares)
	}
	l.setBalance(from, bal.Sub(shares))
	l.setBalance(to, l.balanceOf(to).Add(shares))
	return nil
}

func (l *shareLedger) allowance(owner, spender common.Address) sdkmath.Int {
	if a, ok := l.allowances[owner][spender]; ok {
		return a
	}
	return sdkmath.ZeroInt()
}

func (l *shareLedger) approve(owner, spender common.Address, shares sdkmath.Int) {
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[common.Address]sdkmath.Int)
		l.allowances[owner] = m
	}
	if shares.IsZero() {
		delete(m, spender)
		return
	}
	m[spender] = shares
}

// spendAllowance is a no-op when spender is the owner.
func (l *shareLedger) spendAllowance(owner, spender common.Address, shares sdkmath.Int) error {
	if owner == spender {
		return nil
	}
	current := l.allowance(owner, spender)
	if current.LT(shares) {
		return errorsmod.Wrapf(ErrInsufficientAllowance, "%s may spend %s of %s's shares, needs %s", spender.Hex(), current, owner.Hex(), shares)
	}
	l.approve(owner, spender, current.Sub(shares))
	return nil
}
