package vault

import (
	"math/big"
)

// Investor is one authority's stake in one vault.
type Investor struct {
	// Vault the stake belongs to.
	Vault Address
	// Pubkey is the derived investor address.
	Pubkey Address
	// Authority owns the stake and signs its operations.
	Authority Address

	// VaultShares is the claim on vault equity, in the vault share unit.
	VaultShares *big.Int
	// VaultSharesBase snapshots the vault's share exponent so a stale
	// investor can be rebased lazily on next touch.
	VaultSharesBase uint32

	LastWithdrawRequest WithdrawRequest
	LastValidTs         int64

	NetDeposits    int64
	TotalDeposits  uint64
	TotalWithdraws uint64

	// CumulativeProfitShareAmount is the high-water mark of realized
	// profit already assessed, net of the cut taken. Never decreases,
	// so losses are not clawed back and recovered ground is not
	// assessed twice.
	CumulativeProfitShareAmount int64
	ProfitShareFeePaid          uint64
}

// NewInvestor returns a zeroed stake for authority in vault.
func NewInvestor(vaultAddr, authority Address, now int64) *Investor {
	return &Investor{
		Vault:               vaultAddr,
		Pubkey:              InvestorAddress(vaultAddr, authority),
		Authority:           authority,
		VaultShares:         big.NewInt(0),
		LastWithdrawRequest: newWithdrawRequest(),
		LastValidTs:         now,
	}
}

// HasPendingWithdrawRequest reports whether a request occupies the slot.
func (inv *Investor) HasPendingWithdrawRequest() bool {
	return inv.LastWithdrawRequest.Pending()
}

// ApplyRebase catches the investor up with vault rebases that happened since
// it was last touched.
func (inv *Investor) ApplyRebase(v *Vault, vaultEquity uint64) error {
	if _, err := v.ApplyRebase(vaultEquity); err != nil {
		return err
	}
	if v.SharesBase == inv.VaultSharesBase {
		return nil
	}
	if v.SharesBase < inv.VaultSharesBase {
		return ErrInvalidVaultRebase
	}
	expoDiff := v.SharesBase - inv.VaultSharesBase
	divisor := new(big.Int).Exp(bigTen, big.NewInt(int64(expoDiff)), nil)
	beforeShares := new(big.Int).Set(inv.VaultShares)
	inv.VaultShares.Div(inv.VaultShares, divisor)
	inv.LastWithdrawRequest.Rebase(divisor)
	inv.VaultSharesBase = v.SharesBase
	if inv.VaultShares.Cmp(beforeShares) > 0 {
		return ErrInvalidVaultSharesDetected
	}
	return nil
}

// checkedShares validates the investor's base is current before its share
// count is used in any ratio.
func (inv *Investor) checkedShares(v *Vault) (*big.Int, error) {
	if inv.VaultSharesBase != v.SharesBase {
		return nil, ErrInvalidVaultRebase
	}
	return inv.VaultShares, nil
}

func (inv *Investor) increaseShares(delta *big.Int, v *Vault) error {
	if _, err := inv.checkedShares(v); err != nil {
		return err
	}
	inv.VaultShares.Add(inv.VaultShares, delta)
	return nil
}

func (inv *Investor) decreaseShares(delta *big.Int, v *Vault) error {
	shares, err := inv.checkedShares(v)
	if err != nil {
		return err
	}
	if shares.Cmp(delta) < 0 {
		return ErrInsufficientVaultShares
	}
	inv.VaultShares.Sub(inv.VaultShares, delta)
	return nil
}

// calculateProfitShareAndUpdate assesses the combined manager and protocol
// cut on realized profit above the high-water mark, advancing the mark by
// the investor's retained profit. Returns the cut in token units.
func (inv *Investor) calculateProfitShareAndUpdate(totalAmount uint64, v *Vault) (uint64, error) {
	profit := int64(totalAmount) - saturatingAddI64(inv.NetDeposits, inv.CumulativeProfitShareAmount)
	if profit <= 0 {
		return 0, nil
	}
	// hurdle: no cut until profit clears the configured return on capital
	if v.HurdleRate != 0 && inv.NetDeposits > 0 {
		hurdle := new(big.Int).Mul(big.NewInt(inv.NetDeposits), new(big.Int).SetUint64(uint64(v.HurdleRate)))
		hurdle.Div(hurdle, big.NewInt(PercentagePrecision))
		if big.NewInt(profit).Cmp(hurdle) <= 0 {
			return 0, nil
		}
	}
	cut := new(big.Int).Mul(big.NewInt(profit), new(big.Int).SetUint64(uint64(v.TotalProfitShareRate())))
	cut.Div(cut, big.NewInt(PercentagePrecision))
	cutU, err := castToUint64(cut)
	if err != nil {
		return 0, err
	}
	inv.CumulativeProfitShareAmount = saturatingAddI64(inv.CumulativeProfitShareAmount, profit-int64(cutU))
	return cutU, nil
}

// ApplyProfitShare converts the assessed cut into a share transfer from the
// investor to the manager and protocol. Returns (manager cut, protocol cut)
// in token units.
func (inv *Investor) ApplyProfitShare(vaultEquity uint64, v *Vault) (uint64, uint64, error) {
	shares, err := inv.checkedShares(v)
	if err != nil {
		return 0, 0, err
	}
	totalAmount, err := sharesToAmount(shares, v.TotalShares, vaultEquity)
	if err != nil {
		return 0, 0, err
	}
	profitShare, err := inv.calculateProfitShareAndUpdate(totalAmount, v)
	if err != nil {
		return 0, 0, err
	}
	if profitShare == 0 {
		return 0, 0, nil
	}

	totalRate := v.TotalProfitShareRate()
	protocolShare := uint64(0)
	if totalRate > 0 && v.ProtocolProfitShare > 0 {
		p := new(big.Int).Mul(new(big.Int).SetUint64(profitShare), new(big.Int).SetUint64(uint64(v.ProtocolProfitShare)))
		p.Div(p, new(big.Int).SetUint64(uint64(totalRate)))
		protocolShare, err = castToUint64(p)
		if err != nil {
			return 0, 0, err
		}
	}
	managerShare := profitShare - protocolShare

	profitShareShares, err := amountToShares(profitShare, v.TotalShares, vaultEquity)
	if err != nil {
		return 0, 0, err
	}
	protocolShareShares, err := amountToShares(protocolShare, v.TotalShares, vaultEquity)
	if err != nil {
		return 0, 0, err
	}

	// shares move investor to manager: total is unchanged, user count drops
	if err := inv.decreaseShares(profitShareShares, v); err != nil {
		return 0, 0, err
	}
	v.InvestorShares.Sub(v.InvestorShares, profitShareShares)
	v.ProtocolProfitAndFeeShares.Add(v.ProtocolProfitAndFeeShares, protocolShareShares)

	inv.ProfitShareFeePaid = saturatingAddU64(inv.ProfitShareFeePaid, profitShare)
	v.ManagerTotalProfitShare = saturatingAddU64(v.ManagerTotalProfitShare, managerShare)
	v.ProtocolTotalProfitShare = saturatingAddU64(v.ProtocolTotalProfitShare, protocolShare)
	return managerShare, protocolShare, nil
}

// Deposit mints shares for a settlement-asset deposit into vault custody.
func (inv *Investor) Deposit(amount uint64, vaultEquity uint64, v *Vault, now int64) (InvestorRecord, error) {
	var rec InvestorRecord
	if amount == 0 {
		return rec, ErrInvalidVaultDeposit
	}
	if v.MaxTokens > 0 && saturatingAddU64(vaultEquity, amount) > v.MaxTokens {
		return rec, ErrVaultIsAtCapacity
	}
	if v.MinDepositAmount > 0 && amount < v.MinDepositAmount {
		return rec, ErrInvalidVaultDeposit
	}
	if inv.HasPendingWithdrawRequest() {
		return rec, ErrWithdrawInProgress
	}
	if err := inv.ApplyRebase(v, vaultEquity); err != nil {
		return rec, err
	}

	invSharesBefore := new(big.Int).Set(v.InvestorShares)
	totalSharesBefore := new(big.Int).Set(v.TotalShares)
	sharesBefore := new(big.Int).Set(inv.VaultShares)
	protoBefore := v.GetProtocolShares()

	fee, err := v.ApplyFee(vaultEquity, now)
	if err != nil {
		return rec, err
	}
	managerCut, protocolCut, err := inv.ApplyProfitShare(vaultEquity, v)
	if err != nil {
		return rec, err
	}

	nShares, err := amountToShares(amount, v.TotalShares, vaultEquity)
	if err != nil {
		return rec, err
	}

	inv.TotalDeposits = saturatingAddU64(inv.TotalDeposits, amount)
	inv.NetDeposits = saturatingAddI64(inv.NetDeposits, int64(amount))
	v.TotalDeposits = saturatingAddU64(v.TotalDeposits, amount)
	v.NetDeposits = saturatingAddI64(v.NetDeposits, int64(amount))

	if err := inv.increaseShares(nShares, v); err != nil {
		return rec, err
	}
	v.TotalShares.Add(v.TotalShares, nShares)
	v.InvestorShares.Add(v.InvestorShares, nShares)

	rec = inv.record(v, ActionDeposit, amount, vaultEquity,
		sharesBefore, totalSharesBefore, invSharesBefore, protoBefore,
		fee, managerCut, protocolCut, now)
	return rec, nil
}

// RequestWithdraw opens the withdrawal request slot, freezing the current
// token value of the requested shares.
func (inv *Investor) RequestWithdraw(amount uint64, unit WithdrawUnit, vaultEquity uint64, v *Vault, now int64) (InvestorRecord, error) {
	var rec InvestorRecord
	if inv.HasPendingWithdrawRequest() {
		return rec, ErrVaultWithdrawRequestInProgress
	}
	if err := inv.ApplyRebase(v, vaultEquity); err != nil {
		return rec, err
	}

	invSharesBefore := new(big.Int).Set(v.InvestorShares)
	totalSharesBefore := new(big.Int).Set(v.TotalShares)
	protoBefore := v.GetProtocolShares()

	fee, err := v.ApplyFee(vaultEquity, now)
	if err != nil {
		return rec, err
	}
	managerCut, protocolCut, err := inv.ApplyProfitShare(vaultEquity, v)
	if err != nil {
		return rec, err
	}
	sharesBefore := new(big.Int).Set(inv.VaultShares)

	value, nShares, err := unit.getWithdrawValueAndShares(amount, vaultEquity, inv.VaultShares, v.TotalShares)
	if err != nil {
		return rec, err
	}
	if nShares.Sign() == 0 {
		return rec, ErrInvalidVaultWithdrawSize
	}
	shares, err := inv.checkedShares(v)
	if err != nil {
		return rec, err
	}
	if err := inv.LastWithdrawRequest.Set(shares, nShares, value, vaultEquity, now); err != nil {
		return rec, err
	}
	v.TotalWithdrawRequested = saturatingAddU64(v.TotalWithdrawRequested, value)

	rec = inv.record(v, ActionWithdrawRequest, value, vaultEquity,
		sharesBefore, totalSharesBefore, invSharesBefore, protoBefore,
		fee, managerCut, protocolCut, now)
	return rec, nil
}

// CancelWithdrawRequest clears the request slot. Appreciation accrued on the
// requested shares while locked is forfeited to remaining holders.
func (inv *Investor) CancelWithdrawRequest(vaultEquity uint64, v *Vault, now int64) (InvestorRecord, error) {
	var rec InvestorRecord
	if err := inv.ApplyRebase(v, vaultEquity); err != nil {
		return rec, err
	}

	invSharesBefore := new(big.Int).Set(v.InvestorShares)
	totalSharesBefore := new(big.Int).Set(v.TotalShares)
	sharesBefore := new(big.Int).Set(inv.VaultShares)
	protoBefore := v.GetProtocolShares()

	fee, err := v.ApplyFee(vaultEquity, now)
	if err != nil {
		return rec, err
	}

	sharesLost, err := inv.LastWithdrawRequest.CalculateSharesLost(v.TotalShares, vaultEquity)
	if err != nil {
		return rec, err
	}
	if err := inv.decreaseShares(sharesLost, v); err != nil {
		return rec, err
	}
	v.TotalShares.Sub(v.TotalShares, sharesLost)
	v.InvestorShares.Sub(v.InvestorShares, sharesLost)

	v.TotalWithdrawRequested -= inv.LastWithdrawRequest.Value
	inv.LastWithdrawRequest.Reset(now)

	rec = inv.record(v, ActionCancelWithdrawRequest, 0, vaultEquity,
		sharesBefore, totalSharesBefore, invSharesBefore, protoBefore,
		fee, 0, 0, now)
	return rec, nil
}

// Withdraw fulfills the elapsed request, burning the requested shares.
// Returns the token payout and whether the withdrawal finishes a
// liquidation this investor was running.
func (inv *Investor) Withdraw(vaultEquity uint64, v *Vault, now int64) (uint64, bool, InvestorRecord, error) {
	var rec InvestorRecord
	if err := inv.LastWithdrawRequest.CheckRedeemPeriodFinished(v.RedeemPeriod, now); err != nil {
		return 0, false, rec, err
	}
	if err := inv.ApplyRebase(v, vaultEquity); err != nil {
		return 0, false, rec, err
	}

	invSharesBefore := new(big.Int).Set(v.InvestorShares)
	totalSharesBefore := new(big.Int).Set(v.TotalShares)
	sharesBefore := new(big.Int).Set(inv.VaultShares)
	protoBefore := v.GetProtocolShares()

	fee, err := v.ApplyFee(vaultEquity, now)
	if err != nil {
		return 0, false, rec, err
	}

	nShares := inv.LastWithdrawRequest.Shares
	if nShares.Sign() == 0 {
		return 0, false, rec, ErrInvalidVaultWithdraw
	}
	shares, err := inv.checkedShares(v)
	if err != nil {
		return 0, false, rec, err
	}
	if shares.Cmp(nShares) < 0 {
		return 0, false, rec, ErrInsufficientVaultShares
	}

	amount, err := sharesToAmount(nShares, v.TotalShares, vaultEquity)
	if err != nil {
		return 0, false, rec, err
	}
	// payout floats down with losses but never above the frozen value
	nTokens := amount
	if inv.LastWithdrawRequest.Value < nTokens {
		nTokens = inv.LastWithdrawRequest.Value
	}

	if err := inv.decreaseShares(nShares, v); err != nil {
		return 0, false, rec, err
	}
	v.TotalShares.Sub(v.TotalShares, nShares)
	v.InvestorShares.Sub(v.InvestorShares, nShares)

	inv.TotalWithdraws = saturatingAddU64(inv.TotalWithdraws, nTokens)
	inv.NetDeposits = saturatingAddI64(inv.NetDeposits, -int64(nTokens))
	v.TotalWithdraws = saturatingAddU64(v.TotalWithdraws, nTokens)
	v.NetDeposits = saturatingAddI64(v.NetDeposits, -int64(nTokens))

	v.TotalWithdrawRequested -= inv.LastWithdrawRequest.Value
	inv.LastWithdrawRequest.Reset(now)

	rec = inv.record(v, ActionWithdraw, nTokens, vaultEquity,
		sharesBefore, totalSharesBefore, invSharesBefore, protoBefore,
		fee, 0, 0, now)
	finishingLiquidation := v.Liquidator == inv.Authority
	return nTokens, finishingLiquidation, rec, nil
}

func (inv *Investor) record(v *Vault, action InvestorAction, amount, equity uint64,
	sharesBefore, totalBefore, invBefore, protoBefore *big.Int,
	fee VaultFee, managerCut, protocolCut uint64, now int64,
) InvestorRecord {
	return InvestorRecord{
		Ts:                     now,
		Vault:                  v.Pubkey,
		DepositorAuthority:     inv.Authority,
		Action:                 action,
		Amount:                 amount,
		VaultEquityBefore:      equity,
		VaultSharesBefore:      sharesBefore,
		VaultSharesAfter:       new(big.Int).Set(inv.VaultShares),
		UserVaultSharesBefore:  invBefore,
		UserVaultSharesAfter:   new(big.Int).Set(v.InvestorShares),
		TotalVaultSharesBefore: totalBefore,
		TotalVaultSharesAfter:  new(big.Int).Set(v.TotalShares),
		ProtocolSharesBefore:   protoBefore,
		ProtocolSharesAfter:    v.GetProtocolShares(),
		ManagerProfitShare:     managerCut,
		ProtocolProfitShare:    protocolCut,
		ManagementFee:          fee.ManagementFeePayment,
		ManagementFeeShares:    fee.ManagementFeeShares,
		ProtocolFee:            fee.ProtocolFeePayment,
		ProtocolFeeShares:      fee.ProtocolFeeShares,
	}
}
