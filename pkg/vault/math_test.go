package vault

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetProportion(t *testing.T) {
	t.Run("SmallNumerator", func(t *testing.T) {
		out, err := getProportion(big.NewInt(1000), big.NewInt(1), big.NewInt(3))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(333), out)
	})

	t.Run("FullNumerator", func(t *testing.T) {
		out, err := getProportion(big.NewInt(1000), big.NewInt(7), big.NewInt(7))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(1000), out)
	})

	t.Run("LargeNumeratorUsesComplement", func(t *testing.T) {
		// 1000 * 2/3 must not round up past the exact proportion
		out, err := getProportion(big.NewInt(1000), big.NewInt(2), big.NewInt(3))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(666), out)
	})

	t.Run("ComplementExactDivision", func(t *testing.T) {
		out, err := getProportion(big.NewInt(100), big.NewInt(3), big.NewInt(4))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(75), out)
	})

	t.Run("ZeroDenominator", func(t *testing.T) {
		_, err := getProportion(big.NewInt(1), big.NewInt(1), big.NewInt(0))
		assert.ErrorIs(t, err, ErrMath)
	})

	t.Run("HalfSplitsNeverExceedWhole", func(t *testing.T) {
		value := big.NewInt(1_000_000_001)
		a, err := getProportion(value, big.NewInt(1), big.NewInt(2))
		require.NoError(t, err)
		b, err := getProportion(value, big.NewInt(1), big.NewInt(2))
		require.NoError(t, err)
		sum := new(big.Int).Add(a, b)
		assert.True(t, sum.Cmp(value) <= 0)
	})
}

func TestSharesToAmount(t *testing.T) {
	t.Run("ProRata", func(t *testing.T) {
		amount, err := sharesToAmount(big.NewInt(250), big.NewInt(1000), 4000)
		require.NoError(t, err)
		assert.Equal(t, uint64(1000), amount)
	})

	t.Run("ZeroTotalShares", func(t *testing.T) {
		amount, err := sharesToAmount(big.NewInt(0), big.NewInt(0), 5000)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), amount)
	})

	t.Run("SharesExceedTotal", func(t *testing.T) {
		_, err := sharesToAmount(big.NewInt(1001), big.NewInt(1000), 4000)
		assert.ErrorIs(t, err, ErrInvalidVaultWithdrawSize)
	})
}

func TestAmountToShares(t *testing.T) {
	t.Run("BootstrapOneToOne", func(t *testing.T) {
		shares, err := amountToShares(1_009_037_049, big.NewInt(0), 0)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(1_009_037_049), shares)
	})

	t.Run("AtCurrentRatio", func(t *testing.T) {
		// 500 tokens into a vault worth 2000 with 1000 shares
		shares, err := amountToShares(500, big.NewInt(1000), 2000)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(250), shares)
	})

	t.Run("ZeroEquityWithSharesOutstanding", func(t *testing.T) {
		_, err := amountToShares(100, big.NewInt(1000), 0)
		assert.ErrorIs(t, err, ErrInsufficientVaultShares)
	})
}

func TestCalculateRebaseInfo(t *testing.T) {
	t.Run("NoShiftNeeded", func(t *testing.T) {
		expo, div, err := calculateRebaseInfo(big.NewInt(1000), 900)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), expo)
		assert.Equal(t, big.NewInt(1), div)
	})

	t.Run("MillionFoldCollapse", func(t *testing.T) {
		expo, div, err := calculateRebaseInfo(big.NewInt(1_000_000_000), 100)
		require.NoError(t, err)
		assert.Equal(t, uint32(6), expo)
		assert.Equal(t, big.NewInt(1_000_000), div)
	})

	t.Run("ZeroEquity", func(t *testing.T) {
		_, _, err := calculateRebaseInfo(big.NewInt(1000), 0)
		assert.ErrorIs(t, err, ErrMath)
	})
}

func TestCheckedFloorDiv(t *testing.T) {
	q, err := checkedFloorDiv(-7, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(-4), q)

	q, err = checkedFloorDiv(7, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), q)

	_, err = checkedFloorDiv(1, 0)
	assert.ErrorIs(t, err, ErrMath)
}

func TestMulDivU64(t *testing.T) {
	// intermediate product overflows uint64 but the quotient fits
	q, err := mulDivU64(1_000_000_000, 1_000_000_000, 99_999_999)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000_100), q)
	q, err = mulDivU64(10_000_000_000, 99_999_999, 1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(999_999_990), q)

	q, err = mulDivCeilU64(1, 1, 1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), q)
	q, err = mulDivCeilU64(3, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), q)
	q, err = mulDivCeilU64(10_000_000_000, 99_999_999, 1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(999_999_990), q)

	t.Run("QuotientPastCeiling", func(t *testing.T) {
		_, err := mulDivU64(math.MaxUint64, math.MaxUint64, 1)
		assert.ErrorIs(t, err, ErrCast)
		_, err = mulDivU64(math.MaxUint64, 10, 9)
		assert.ErrorIs(t, err, ErrCast)
		_, err = mulDivCeilU64(math.MaxUint64, 2, 1)
		assert.ErrorIs(t, err, ErrCast)
	})
}

func TestSaturatingArithmetic(t *testing.T) {
	assert.Equal(t, uint64(math.MaxUint64), saturatingAddU64(math.MaxUint64, 1))
	assert.Equal(t, uint64(5), saturatingAddU64(2, 3))

	assert.Equal(t, int64(math.MaxInt64), saturatingAddI64(math.MaxInt64, 1))
	assert.Equal(t, int64(math.MinInt64), saturatingAddI64(math.MinInt64, -1))
	assert.Equal(t, int64(-1), saturatingSubI64(1, 2))
	assert.Equal(t, int64(math.MinInt64), saturatingSubI64(math.MinInt64, 1))
}

func TestCasts(t *testing.T) {
	_, err := castToUint64(big.NewInt(-1))
	assert.ErrorIs(t, err, ErrCast)

	v, err := castToUint64(new(big.Int).SetUint64(math.MaxUint64))
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), v)

	_, err = castToInt64(new(big.Int).SetUint64(math.MaxUint64))
	assert.ErrorIs(t, err, ErrCast)
}
