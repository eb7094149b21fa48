package vault

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithdrawRequestLifecycle(t *testing.T) {
	w := newWithdrawRequest()
	assert.False(t, w.Pending())

	t.Run("Set", func(t *testing.T) {
		err := w.Set(big.NewInt(1000), big.NewInt(400), 400, 1000, 50)
		require.NoError(t, err)
		assert.True(t, w.Pending())
		assert.Equal(t, big.NewInt(400), w.Shares)
		assert.Equal(t, uint64(400), w.Value)
		assert.Equal(t, int64(50), w.Ts)
	})

	t.Run("SetWhilePending", func(t *testing.T) {
		err := w.Set(big.NewInt(1000), big.NewInt(100), 100, 1000, 60)
		assert.ErrorIs(t, err, ErrVaultWithdrawRequestInProgress)
	})

	t.Run("Reset", func(t *testing.T) {
		w.Reset(70)
		assert.False(t, w.Pending())
		assert.Equal(t, int64(70), w.Ts)
	})

	t.Run("SetMoreThanBalance", func(t *testing.T) {
		err := w.Set(big.NewInt(100), big.NewInt(200), 200, 1000, 80)
		assert.ErrorIs(t, err, ErrInvalidVaultWithdrawSize)
	})

	t.Run("SetValueAboveEquity", func(t *testing.T) {
		err := w.Set(big.NewInt(1000), big.NewInt(500), 1500, 1000, 90)
		assert.ErrorIs(t, err, ErrInvalidVaultWithdrawSize)
	})
}

func TestCheckRedeemPeriodFinished(t *testing.T) {
	w := WithdrawRequest{Shares: big.NewInt(100), Value: 100, Ts: 1000}

	t.Run("OneSecondEarly", func(t *testing.T) {
		err := w.CheckRedeemPeriodFinished(100, 1099)
		assert.ErrorIs(t, err, ErrCannotWithdrawBeforeRedeemPeriodEnd)
	})

	t.Run("ExactBoundary", func(t *testing.T) {
		assert.NoError(t, w.CheckRedeemPeriodFinished(100, 1100))
	})

	t.Run("ZeroRedeemPeriod", func(t *testing.T) {
		assert.NoError(t, w.CheckRedeemPeriodFinished(0, 1000))
	})
}

func TestCalculateSharesLost(t *testing.T) {
	t.Run("NoAppreciation", func(t *testing.T) {
		w := WithdrawRequest{Shares: big.NewInt(500), Value: 500, Ts: 0}
		lost, err := w.CalculateSharesLost(big.NewInt(1000), 1000)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(0), lost)
	})

	t.Run("AppreciationForfeited", func(t *testing.T) {
		// requested at equity 1_000_000, equity since doubled
		w := WithdrawRequest{Shares: big.NewInt(500_000), Value: 500_000, Ts: 0}
		lost, err := w.CalculateSharesLost(big.NewInt(1_000_000), 2_000_000)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(333_334), lost)

		// the burn restores the frozen value for the remaining shares
		kept := new(big.Int).Sub(w.Shares, lost)
		total := big.NewInt(1_000_000 - 333_334)
		amount, err := sharesToAmount(kept, total, 2_000_000)
		require.NoError(t, err)
		assert.InDelta(t, 500_000, float64(amount), 2)
	})

	t.Run("Depreciation", func(t *testing.T) {
		w := WithdrawRequest{Shares: big.NewInt(500), Value: 500, Ts: 0}
		lost, err := w.CalculateSharesLost(big.NewInt(1000), 600)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(0), lost)
	})
}

func TestWithdrawRequestRebase(t *testing.T) {
	w := WithdrawRequest{Shares: big.NewInt(12_345_678), Value: 100, Ts: 0}
	w.Rebase(big.NewInt(1000))
	assert.Equal(t, big.NewInt(12_345), w.Shares)
	assert.Equal(t, uint64(100), w.Value)
}

func TestReduceByValue(t *testing.T) {
	w := WithdrawRequest{Shares: big.NewInt(1000), Value: 1000, Ts: 0}

	require.NoError(t, w.ReduceByValue(400))
	assert.Equal(t, big.NewInt(600), w.Shares)
	assert.Equal(t, uint64(600), w.Value)

	err := w.ReduceByValue(700)
	assert.ErrorIs(t, err, ErrInvalidVaultWithdrawSize)

	require.NoError(t, w.ReduceByValue(600))
	assert.False(t, w.Pending())
}
