package vault

import (
	"math"
	"math/big"
)

var (
	bigZero = big.NewInt(0)
	bigOne  = big.NewInt(1)
	bigTen  = big.NewInt(10)
)

// mulDiv computes a*b/c with arbitrary precision and floor rounding.
func mulDiv(a, b, c *big.Int) *big.Int {
	result := new(big.Int).Mul(a, b)
	return result.Div(result, c)
}

// getProportion computes value*numerator/denominator. When the numerator is
// more than half the denominator the result is derived from the complement
// with a ceiling correction, so rounding never pays out more than the exact
// proportion.
func getProportion(value, numerator, denominator *big.Int) (*big.Int, error) {
	if denominator.Sign() == 0 {
		return nil, ErrMath
	}
	if numerator.Cmp(denominator) == 0 {
		return new(big.Int).Set(value), nil
	}
	half := new(big.Int).Rsh(denominator, 1)
	if numerator.Cmp(half) > 0 && numerator.Cmp(denominator) < 0 {
		complement := new(big.Int).Sub(denominator, numerator)
		scaled := new(big.Int).Mul(value, complement)
		quo, rem := new(big.Int).QuoRem(scaled, denominator, new(big.Int))
		out := new(big.Int).Sub(value, quo)
		if rem.Sign() != 0 {
			out.Sub(out, bigOne)
		}
		if out.Sign() < 0 {
			return nil, ErrMath
		}
		return out, nil
	}
	return mulDiv(value, numerator, denominator), nil
}

// sharesToAmount converts a share count to its current token value.
// Returns 0 when no shares are outstanding.
func sharesToAmount(nShares, totalShares *big.Int, vaultEquity uint64) (uint64, error) {
	if nShares.Cmp(totalShares) > 0 {
		return 0, ErrInvalidVaultWithdrawSize
	}
	if totalShares.Sign() == 0 {
		return 0, nil
	}
	amount, err := getProportion(new(big.Int).SetUint64(vaultEquity), nShares, totalShares)
	if err != nil {
		return 0, err
	}
	if !amount.IsUint64() {
		return 0, ErrCast
	}
	return amount.Uint64(), nil
}

// amountToShares converts a token amount to shares at the current ratio, or
// 1:1 when the vault is empty.
func amountToShares(amount uint64, totalShares *big.Int, vaultEquity uint64) (*big.Int, error) {
	if vaultEquity > 0 {
		return getProportion(
			new(big.Int).SetUint64(amount),
			totalShares,
			new(big.Int).SetUint64(vaultEquity),
		)
	}
	// equity can only be zero before the first deposit
	if totalShares.Sign() != 0 {
		return nil, ErrInsufficientVaultShares
	}
	return new(big.Int).SetUint64(amount), nil
}

// calculateRebaseInfo returns the decimal exponent shift and divisor that
// bring total shares back under ten times vault equity. The trigger threshold
// (shares exceeding equity) is chosen so the share price never rounds to zero
// in integer arithmetic.
func calculateRebaseInfo(totalShares *big.Int, vaultEquity uint64) (uint32, *big.Int, error) {
	if vaultEquity == 0 {
		return 0, nil, ErrMath
	}
	full := new(big.Int).Div(totalShares, bigTen)
	full.Div(full, new(big.Int).SetUint64(vaultEquity))

	expoDiff := uint32(0)
	for full.Cmp(bigTen) >= 0 {
		expoDiff++
		full.Div(full, bigTen)
	}
	if expoDiff == 0 {
		return 0, bigOne, nil
	}
	divisor := new(big.Int).Exp(bigTen, big.NewInt(int64(expoDiff)), nil)
	return expoDiff, divisor, nil
}

// checkedFloorDiv divides rounding toward negative infinity.
func checkedFloorDiv(a, b int64) (int64, error) {
	if b == 0 {
		return 0, ErrMath
	}
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q, nil
}

// mulDivU64 computes a*b/c in full precision, flooring. c must be nonzero.
// A quotient past the uint64 ceiling returns ErrCast.
func mulDivU64(a, b, c uint64) (uint64, error) {
	n := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	n.Div(n, new(big.Int).SetUint64(c))
	return castToUint64(n)
}

// mulDivCeilU64 computes a*b/c in full precision, rounding up.
func mulDivCeilU64(a, b, c uint64) (uint64, error) {
	n := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	d := new(big.Int).SetUint64(c)
	q, r := n.DivMod(n, d, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, bigOne)
	}
	return castToUint64(q)
}

// castToUint64 narrows a big.Int, failing instead of wrapping.
func castToUint64(v *big.Int) (uint64, error) {
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, ErrCast
	}
	return v.Uint64(), nil
}

// castToInt64 narrows a big.Int, failing instead of wrapping.
func castToInt64(v *big.Int) (int64, error) {
	if !v.IsInt64() {
		return 0, ErrCast
	}
	return v.Int64(), nil
}

// saturatingAddU64 adds clamping at the uint64 ceiling; used for lifetime
// counters where wraparound would corrupt reporting but must not fail the
// instruction.
func saturatingAddU64(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// saturatingAddI64 adds clamping at the int64 bounds.
func saturatingAddI64(a, b int64) int64 {
	s := a + b
	if b > 0 && s < a {
		return math.MaxInt64
	}
	if b < 0 && s > a {
		return math.MinInt64
	}
	return s
}

// saturatingSubI64 subtracts clamping at the int64 bounds.
func saturatingSubI64(a, b int64) int64 {
	return saturatingAddI64(a, -b)
}
