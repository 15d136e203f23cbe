/*
This file contains the fixed-point helpers shared by the oracle, valuation and vault packages.
All amounts are sdkmath.Int; intermediate products are computed on big.Int so no precision is lost
before the single final division.
*/

package utils

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	sdkmath "cosmossdk.io/math"
)

var (
	ErrInvalidPrecision = errors.New("precision is invalid")
	ErrAmountNil        = errors.New("amount is nil")
	ErrAmountNegative   = errors.New("amount is negative")
	ErrDivisionByZero   = errors.New("division by zero")
	ErrNotFinite        = errors.New("value is not finite")
	ErrOverflow         = errors.New("result exceeds 256 bits")
)

// MaxDecimals is the largest decimals value accepted for tokens and price feeds.
const MaxDecimals = 36

// PriceDecimals is the fixed precision of every normalized price.
const PriceDecimals = 18

var (
	// MaxUint256 is reported by MaxDeposit/MaxMint when deposits are unrestricted.
	MaxUint256 = sdkmath.NewIntFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)))

	// OneE18 is 1.0 at price precision.
	OneE18 = Pow10(PriceDecimals)
)

// Pow10 returns 10^n as an sdkmath.Int.
func Pow10(n uint8) sdkmath.Int {
	return sdkmath.NewIntFromBigInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil))
}

// MulDiv returns floor(a*b/denom) for non-negative operands.
func MulDiv(a, b, denom sdkmath.Int) (sdkmath.Int, error) {
	if a.IsNil() || b.IsNil() || denom.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if denom.IsZero() {
		return sdkmath.ZeroInt(), ErrDivisionByZero
	}
	if a.IsNegative() || b.IsNegative() || denom.IsNegative() {
		return sdkmath.ZeroInt(), ErrAmountNegative
	}
	product := new(big.Int).Mul(a.BigInt(), b.BigInt())
	return fromBig(product.Quo(product, denom.BigInt()))
}

// MulDivCeil returns ceil(a*b/denom) for non-negative operands.
func MulDivCeil(a, b, denom sdkmath.Int) (sdkmath.Int, error) {
	if a.IsNil() || b.IsNil() || denom.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if denom.IsZero() {
		return sdkmath.ZeroInt(), ErrDivisionByZero
	}
	if a.IsNegative() || b.IsNegative() || denom.IsNegative() {
		return sdkmath.ZeroInt(), ErrAmountNegative
	}
	product := new(big.Int).Mul(a.BigInt(), b.BigInt())
	quo, rem := new(big.Int).QuoRem(product, denom.BigInt(), new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return fromBig(quo)
}

// fromBig converts b to an sdkmath.Int, which would panic above MaxBitLen.
func fromBig(b *big.Int) (sdkmath.Int, error) {
	if b.BitLen() > sdkmath.MaxBitLen {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %d bits", ErrOverflow, b.BitLen())
	}
	return sdkmath.NewIntFromBigInt(b), nil
}

// ScaleDecimals rescales amount from one precision to another, flooring when precision is reduced.
func ScaleDecimals(amount sdkmath.Int, from, to uint8) (sdkmath.Int, error) {
	if from > MaxDecimals || to > MaxDecimals {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: from=%d to=%d (must be between 0 and %d)", ErrInvalidPrecision, from, to, MaxDecimals)
	}
	if amount.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	switch {
	case from == to:
		return amount, nil
	case from < to:
		return fromBig(new(big.Int).Mul(amount.BigInt(), Pow10(to-from).BigInt()))
	default:
		return amount.Quo(Pow10(from - to)), nil
	}
}

// TokenValue converts a token balance into vault asset units using an 18-decimal price.
// value = balance * price * 10^assetDecimals / 10^(tokenDecimals+18), floored once.
func TokenValue(balance, price sdkmath.Int, tokenDecimals, assetDecimals uint8) (sdkmath.Int, error) {
	if tokenDecimals > MaxDecimals || assetDecimals > MaxDecimals {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: token=%d asset=%d", ErrInvalidPrecision, tokenDecimals, assetDecimals)
	}
	if balance.IsNil() || price.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if balance.IsZero() || price.IsZero() {
		return sdkmath.ZeroInt(), nil
	}
	numerator := new(big.Int).Mul(balance.BigInt(), price.BigInt())
	numerator.Mul(numerator, Pow10(assetDecimals).BigInt())
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tokenDecimals)+PriceDecimals), nil)
	return fromBig(numerator.Quo(numerator, denom))
}

// TokenAmountForValue is the inverse of TokenValue: the token amount worth value vault asset units.
// When ceil is set the result is rounded up so the amount always covers value.
func TokenAmountForValue(value, price sdkmath.Int, tokenDecimals, assetDecimals uint8, ceil bool) (sdkmath.Int, error) {
	if tokenDecimals > MaxDecimals || assetDecimals > MaxDecimals {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: token=%d asset=%d", ErrInvalidPrecision, tokenDecimals, assetDecimals)
	}
	if value.IsNil() || price.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if price.IsZero() {
		return sdkmath.ZeroInt(), ErrDivisionByZero
	}
	if value.IsNegative() || price.IsNegative() {
		return sdkmath.ZeroInt(), ErrAmountNegative
	}
	numerator := new(big.Int).Mul(value.BigInt(), Pow10(tokenDecimals).BigInt())
	numerator.Mul(numerator, OneE18.BigInt())
	denom := new(big.Int).Mul(price.BigInt(), Pow10(assetDecimals).BigInt())
	quo, rem := new(big.Int).QuoRem(numerator, denom, new(big.Int))
	if ceil && rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return fromBig(quo)
}

// SDKIntToFloat64 converts an SDK Int to float64 for metrics and display only.
func SDKIntToFloat64(amount sdkmath.Int, precision uint8) (float64, error) {
	if precision > MaxDecimals {
		return 0, fmt.Errorf("%w: %d (must be between 0 and %d)", ErrInvalidPrecision, precision, MaxDecimals)
	}
	if amount.IsNil() {
		return 0, ErrAmountNil
	}

	f, _ := new(big.Rat).SetFrac(amount.BigInt(), Pow10(precision).BigInt()).Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: result is %f", ErrNotFinite, f)
	}
	return f, nil
}
