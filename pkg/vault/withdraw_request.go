package vault

import "math/big"

// WithdrawRequest is the embedded per-participant pending withdrawal. A zero
// request means no withdrawal is outstanding. The request reserves a share
// count; the payout is re-derived against equity at fulfillment time and
// capped by the value frozen here.
type WithdrawRequest struct {
	// Shares reserved for withdrawal.
	Shares *big.Int
	// Value of the shares in the settlement asset at request time.
	Value uint64
	// Ts is when the request was made (or last reset).
	Ts int64
}

func newWithdrawRequest() WithdrawRequest {
	return WithdrawRequest{Shares: big.NewInt(0)}
}

// Pending reports whether a withdrawal is outstanding.
func (w *WithdrawRequest) Pending() bool {
	return w.Shares.Sign() != 0 || w.Value != 0
}

// Rebase rescales the reserved share count after a vault rebase.
func (w *WithdrawRequest) Rebase(divisor *big.Int) {
	w.Shares.Div(w.Shares, divisor)
}

// Set populates the request. Fails when a request is already outstanding,
// when the share count exceeds the participant's balance, or when the frozen
// value exceeds current equity.
func (w *WithdrawRequest) Set(currentShares, withdrawShares *big.Int, withdrawValue, vaultEquity uint64, now int64) error {
	if w.Value != 0 {
		return ErrVaultWithdrawRequestInProgress
	}
	if withdrawShares.Cmp(currentShares) > 0 {
		return ErrInvalidVaultWithdrawSize
	}
	if withdrawValue != 0 && withdrawValue > vaultEquity {
		return ErrInvalidVaultWithdrawSize
	}
	w.Shares = new(big.Int).Set(withdrawShares)
	w.Value = withdrawValue
	w.Ts = now
	return nil
}

// Reset clears the request after cancel or fulfillment.
func (w *WithdrawRequest) Reset(now int64) {
	w.Shares = big.NewInt(0)
	w.Value = 0
	w.Ts = now
}

// CheckRedeemPeriodFinished fails until the vault's redeem period has fully
// elapsed since the request. Exactly at the boundary the withdrawal is
// allowed.
func (w *WithdrawRequest) CheckRedeemPeriodFinished(redeemPeriod, now int64) error {
	if now-w.Ts < redeemPeriod {
		return ErrCannotWithdrawBeforeRedeemPeriodEnd
	}
	return nil
}

// CalculateSharesLost returns the shares forfeited when canceling a request
// whose reserved shares have appreciated past the frozen value. The canceled
// request must not keep gains accrued during the lock, so the excess is
// re-derived against the reduced share supply and burned.
func (w *WithdrawRequest) CalculateSharesLost(totalShares *big.Int, vaultEquity uint64) (*big.Int, error) {
	amount, err := sharesToAmount(w.Shares, totalShares, vaultEquity)
	if err != nil {
		return nil, err
	}
	if amount <= w.Value {
		return big.NewInt(0), nil
	}
	remainingShares := new(big.Int).Sub(totalShares, w.Shares)
	newShares, err := amountToShares(w.Value, remainingShares, vaultEquity-w.Value)
	if err != nil {
		return nil, err
	}
	if newShares.Cmp(w.Shares) > 0 {
		return nil, ErrInvalidVaultSharesDetected
	}
	return new(big.Int).Sub(w.Shares, newShares), nil
}

// ReduceByValue partially fulfills the request, shrinking shares
// proportionally. Used by the liquidation path, which pays out in settlement
// asset increments as venue positions unwind.
func (w *WithdrawRequest) ReduceByValue(value uint64) error {
	if value > w.Value {
		return ErrInvalidVaultWithdrawSize
	}
	sharesToReduce, err := amountToShares(value, w.Shares, w.Value)
	if err != nil {
		return err
	}
	if sharesToReduce.Cmp(w.Shares) > 0 {
		return ErrInvalidVaultWithdrawSize
	}
	w.Shares.Sub(w.Shares, sharesToReduce)
	w.Value -= value
	return nil
}
