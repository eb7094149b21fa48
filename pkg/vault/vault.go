package vault

import (
	"math/big"
)

// MarketPosition tracks vault inventory held on one venue market.
type MarketPosition struct {
	Market          Address
	QuoteLotsLocked uint64
	QuoteLotsFree   uint64
	BaseLotsLocked  uint64
	BaseLotsFree    uint64
}

// IsAvailable reports whether the slot holds no inventory and can be reused.
func (p *MarketPosition) IsAvailable() bool {
	return p.QuoteLotsLocked == 0 && p.QuoteLotsFree == 0 &&
		p.BaseLotsLocked == 0 && p.BaseLotsFree == 0
}

// Vault is the fund entity pooling investor capital under one manager.
// All economic state serializes through this account.
type Vault struct {
	// Name is the fixed label the vault address derives from.
	Name [32]byte
	// Pubkey is the derived vault address, also the custody authority.
	Pubkey Address
	// Manager can update config and earns management fee and profit share.
	Manager Address
	// Protocol profit-shares and collects fees like the manager but cannot deposit.
	Protocol Address
	// Delegate trades the vault assets. Defaults to the manager.
	Delegate Address
	// Liquidator is the appointed party unwinding positions, zero when none.
	Liquidator Address

	// Registered settlement assets and their custody accounts.
	QuoteMint         Address
	BaseMint          Address
	QuoteTokenAccount Address
	BaseTokenAccount  Address

	// InvestorShares is the sum of all shares held by investors.
	InvestorShares *big.Int
	// TotalShares additionally counts manager deposits and unclaimed
	// manager/protocol fee and profit shares.
	TotalShares *big.Int
	// ProtocolProfitAndFeeShares accumulate until the protocol withdraws.
	ProtocolProfitAndFeeShares *big.Int
	// SharesBase is the base-10 exponent of the share unit, bumped on rebase.
	SharesBase uint32

	LastFeeUpdateTs    int64
	LiquidationStartTs int64
	// LiquidationTimeout releases an inactive liquidator. Zero means the
	// deployment default.
	LiquidationTimeout int64

	// RedeemPeriod is the wait between a withdraw request and fulfillment,
	// capped at 90 days. Only updatable to lesser values.
	RedeemPeriod int64
	// TotalWithdrawRequested sums all outstanding request values.
	TotalWithdrawRequested uint64
	// MaxTokens caps vault capacity. Only updatable to lesser values.
	MaxTokens uint64
	// ManagementFee is the annualized fee rate, PercentagePrecision scaled.
	// May be negative (rebate). Only updatable to lesser values.
	ManagementFee int64
	// MinDepositAmount gates dust deposits. Only updatable to lesser values.
	MinDepositAmount uint64
	// ProfitShare is the manager's cut of investor gains, PercentagePrecision scaled.
	ProfitShare uint32
	// HurdleRate gates profit share to returns above this threshold.
	HurdleRate uint32
	// ProtocolProfitShare is the protocol's cut of investor gains.
	ProtocolProfitShare uint32
	// ProtocolFee is the protocol's annualized fee rate, never negative.
	ProtocolFee uint64

	InitTs int64

	// Lifetime accounting.
	NetDeposits              int64
	ManagerNetDeposits       int64
	TotalDeposits            uint64
	TotalWithdraws           uint64
	ManagerTotalDeposits     uint64
	ManagerTotalWithdraws    uint64
	ManagerTotalFee          int64
	ManagerTotalProfitShare  uint64
	ProtocolTotalWithdraws   uint64
	ProtocolTotalFee         uint64
	ProtocolTotalProfitShare uint64

	LastManagerWithdrawRequest  WithdrawRequest
	LastProtocolWithdrawRequest WithdrawRequest

	// Positions is the bounded venue footprint.
	Positions [MaxMarketPositions]MarketPosition

	// Permissioned vaults reject unknown investors.
	Permissioned bool
}

// GetManagerShares returns total minus investor and unclaimed protocol shares.
func (v *Vault) GetManagerShares() (*big.Int, error) {
	s := new(big.Int).Sub(v.TotalShares, v.InvestorShares)
	s.Sub(s, v.ProtocolProfitAndFeeShares)
	if s.Sign() < 0 {
		return nil, ErrInvalidVaultSharesDetected
	}
	return s, nil
}

// GetProtocolShares returns the protocol's unclaimed fee and profit shares.
func (v *Vault) GetProtocolShares() *big.Int {
	return new(big.Int).Set(v.ProtocolProfitAndFeeShares)
}

// TotalProfitShareRate is the combined manager and protocol cut.
func (v *Vault) TotalProfitShareRate() uint32 {
	return v.ProfitShare + v.ProtocolProfitShare
}

func (v *Vault) liquidationTimeout() int64 {
	if v.LiquidationTimeout > 0 {
		return v.LiquidationTimeout
	}
	return DefaultLiquidationTimeout
}

// InLiquidation reports whether a liquidator is appointed.
func (v *Vault) InLiquidation() bool {
	return !v.Liquidator.IsZero()
}

// LiquidationExpired reports whether the appointed liquidator has run out of time.
func (v *Vault) LiquidationExpired(now int64) bool {
	return saturatingSubI64(now, v.LiquidationStartTs) > v.liquidationTimeout()
}

// CheckLiquidator validates that signer is the active, unexpired liquidator.
func (v *Vault) CheckLiquidator(signer Address, now int64) error {
	if v.Liquidator != signer {
		return ErrInvalidLiquidator
	}
	if v.LiquidationExpired(now) {
		return ErrLiquidationExpired
	}
	return nil
}

// CheckAvailableForLiquidation validates that signer may take over
// liquidation: either nobody holds it or the current holder expired.
func (v *Vault) CheckAvailableForLiquidation(signer Address, now int64) error {
	if !v.InLiquidation() {
		return nil
	}
	if v.Liquidator == signer {
		return ErrOngoingLiquidation
	}
	if !v.LiquidationExpired(now) {
		return ErrDelegateNotAvailableForLiquidation
	}
	return nil
}

// SetLiquidator appoints a liquidator and starts the liquidation clock.
func (v *Vault) SetLiquidator(liquidator Address, now int64) {
	v.Liquidator = liquidator
	v.LiquidationStartTs = now
}

// ResetLiquidator returns the vault to normal operation.
func (v *Vault) ResetLiquidator() {
	v.Liquidator = ZeroAddress
	v.LiquidationStartTs = 0
}

// ApplyRebase rescales all share counts down by a power of ten when equity
// has collapsed relative to shares outstanding, so the share price never
// rounds to zero. Fractional ownership is unchanged. Returns the divisor
// applied, or nil when no rebase was needed.
func (v *Vault) ApplyRebase(vaultEquity uint64) (*big.Int, error) {
	var divisor *big.Int
	if vaultEquity != 0 && new(big.Int).SetUint64(vaultEquity).Cmp(v.TotalShares) < 0 {
		expoDiff, d, err := calculateRebaseInfo(v.TotalShares, vaultEquity)
		if err != nil {
			return nil, err
		}
		if expoDiff != 0 {
			v.TotalShares.Div(v.TotalShares, d)
			v.InvestorShares.Div(v.InvestorShares, d)
			v.ProtocolProfitAndFeeShares.Div(v.ProtocolProfitAndFeeShares, d)
			v.LastManagerWithdrawRequest.Rebase(d)
			v.LastProtocolWithdrawRequest.Rebase(d)
			v.SharesBase += expoDiff
			divisor = d
		}
	}
	if vaultEquity != 0 && v.TotalShares.Sign() == 0 {
		v.TotalShares = new(big.Int).SetUint64(vaultEquity)
	}
	return divisor, nil
}

// ApplyFee crystallizes the time-prorated management and protocol fees into
// shares, diluting investors. Must run before any share-ratio computation in
// the same instruction. Idempotent at zero elapsed time: when no fee is
// payable the timestamp does not advance.
func (v *Vault) ApplyFee(vaultEquity uint64, now int64) (VaultFee, error) {
	fee := VaultFee{
		ManagementFeeShares: big.NewInt(0),
		ProtocolFeeShares:   big.NewInt(0),
	}

	depositorEquityU, err := sharesToAmount(v.InvestorShares, v.TotalShares, vaultEquity)
	if err != nil {
		return fee, err
	}
	depositorEquity := new(big.Int).SetUint64(depositorEquityU)
	if depositorEquity.Sign() == 0 || (v.ManagementFee == 0 && v.ProtocolFee == 0) {
		return fee, nil
	}

	sinceLast := now - v.LastFeeUpdateTs
	skipTsUpdate := false
	precision := big.NewInt(PercentagePrecision)

	// payment for a rate over the elapsed window, capped so depositors
	// always retain at least one unit of equity
	prorated := func(rate int64) *big.Int {
		p := new(big.Int).Mul(depositorEquity, big.NewInt(rate))
		p.Div(p, precision)
		p.Mul(p, big.NewInt(sinceLast))
		p.Div(p, big.NewInt(OneYear))
		cap := new(big.Int).Sub(depositorEquity, bigOne)
		if cap.Sign() < 0 {
			cap.SetInt64(0)
		}
		if p.Cmp(cap) > 0 {
			p.Set(cap)
		}
		return p
	}

	// dilution factor: totalShares * equity/(equity-payment), floored at
	// investorShares so fees cannot eat investor principal shares
	sharesAfterPayment := func(payment *big.Int) (*big.Int, error) {
		remaining := new(big.Int).Sub(depositorEquity, payment)
		if remaining.Sign() <= 0 {
			return nil, ErrMath
		}
		factor := new(big.Int).Mul(depositorEquity, precision)
		factor.Div(factor, remaining)
		newTotal := new(big.Int).Mul(v.TotalShares, factor)
		newTotal.Div(newTotal, precision)
		if newTotal.Cmp(v.InvestorShares) < 0 {
			newTotal.Set(v.InvestorShares)
		}
		return newTotal, nil
	}

	switch {
	case v.ManagementFee != 0 && v.ProtocolFee != 0:
		totalRate := v.ManagementFee + int64(v.ProtocolFee)
		totalPayment := prorated(totalRate)
		mgmtPayment := new(big.Int).Mul(totalPayment, big.NewInt(v.ManagementFee))
		mgmtPayment.Div(mgmtPayment, big.NewInt(totalRate))
		protocolPayment := new(big.Int).Mul(totalPayment, new(big.Int).SetUint64(v.ProtocolFee))
		protocolPayment.Div(protocolPayment, big.NewInt(totalRate))

		combined := new(big.Int).Add(mgmtPayment, protocolPayment)
		newTotal, err := sharesAfterPayment(combined)
		if err != nil {
			return fee, err
		}
		mgmtTotal, err := sharesAfterPayment(mgmtPayment)
		if err != nil {
			return fee, err
		}
		protoTotal, err := sharesAfterPayment(protocolPayment)
		if err != nil {
			return fee, err
		}

		if (mgmtPayment.Sign() == 0 && protocolPayment.Sign() == 0) || v.TotalShares.Cmp(newTotal) == 0 {
			skipTsUpdate = true
		}

		fee.ManagementFeeShares = new(big.Int).Sub(mgmtTotal, v.TotalShares)
		fee.ProtocolFeeShares = new(big.Int).Sub(protoTotal, v.TotalShares)
		fee.ManagementFeePayment, err = castToInt64(mgmtPayment)
		if err != nil {
			return fee, err
		}
		fee.ProtocolFeePayment, err = castToInt64(protocolPayment)
		if err != nil {
			return fee, err
		}

		v.TotalShares = newTotal
		v.ManagerTotalFee = saturatingAddI64(v.ManagerTotalFee, fee.ManagementFeePayment)
		v.ProtocolTotalFee = saturatingAddU64(v.ProtocolTotalFee, uint64(fee.ProtocolFeePayment))
		v.ProtocolProfitAndFeeShares.Add(v.ProtocolProfitAndFeeShares, fee.ProtocolFeeShares)

	case v.ManagementFee == 0 && v.ProtocolFee != 0:
		payment := prorated(int64(v.ProtocolFee))
		newTotal, err := sharesAfterPayment(payment)
		if err != nil {
			return fee, err
		}
		if payment.Sign() == 0 || v.TotalShares.Cmp(newTotal) == 0 {
			skipTsUpdate = true
		}
		fee.ProtocolFeeShares = new(big.Int).Sub(newTotal, v.TotalShares)
		fee.ProtocolFeePayment, err = castToInt64(payment)
		if err != nil {
			return fee, err
		}
		v.TotalShares = newTotal
		v.ProtocolTotalFee = saturatingAddU64(v.ProtocolTotalFee, uint64(fee.ProtocolFeePayment))
		v.ProtocolProfitAndFeeShares.Add(v.ProtocolProfitAndFeeShares, fee.ProtocolFeeShares)

	default: // management fee only, possibly negative
		payment := prorated(v.ManagementFee)
		newTotal, err := sharesAfterPayment(payment)
		if err != nil {
			return fee, err
		}
		if payment.Sign() == 0 || v.TotalShares.Cmp(newTotal) == 0 {
			skipTsUpdate = true
		}
		fee.ManagementFeeShares = new(big.Int).Sub(newTotal, v.TotalShares)
		fee.ManagementFeePayment, err = castToInt64(payment)
		if err != nil {
			return fee, err
		}
		v.TotalShares = newTotal
		v.ManagerTotalFee = saturatingAddI64(v.ManagerTotalFee, fee.ManagementFeePayment)
	}

	if _, err := v.ApplyRebase(vaultEquity); err != nil {
		return fee, err
	}
	if !skipTsUpdate {
		v.LastFeeUpdateTs = now
	}
	return fee, nil
}

func (v *Vault) record(authority Address, action InvestorAction, amount, equity uint64,
	sharesBefore, sharesAfter, totalBefore, invBefore, protoBefore *big.Int,
	fee VaultFee, now int64,
) InvestorRecord {
	return InvestorRecord{
		Ts:                     now,
		Vault:                  v.Pubkey,
		DepositorAuthority:     authority,
		Action:                 action,
		Amount:                 amount,
		VaultEquityBefore:      equity,
		VaultSharesBefore:      sharesBefore,
		VaultSharesAfter:       sharesAfter,
		UserVaultSharesBefore:  invBefore,
		UserVaultSharesAfter:   new(big.Int).Set(v.InvestorShares),
		TotalVaultSharesBefore: totalBefore,
		TotalVaultSharesAfter:  new(big.Int).Set(v.TotalShares),
		ProtocolSharesBefore:   protoBefore,
		ProtocolSharesAfter:    v.GetProtocolShares(),
		ManagementFee:          fee.ManagementFeePayment,
		ManagementFeeShares:    fee.ManagementFeeShares,
		ProtocolFee:            fee.ProtocolFeePayment,
		ProtocolFeeShares:      fee.ProtocolFeeShares,
	}
}

// ManagerDeposit mints shares to the manager for a settlement-asset deposit.
func (v *Vault) ManagerDeposit(amount, vaultEquity uint64, now int64) (InvestorRecord, error) {
	var rec InvestorRecord
	if _, err := v.ApplyRebase(vaultEquity); err != nil {
		return rec, err
	}
	fee, err := v.ApplyFee(vaultEquity, now)
	if err != nil {
		return rec, err
	}

	invBefore := new(big.Int).Set(v.InvestorShares)
	totalBefore := new(big.Int).Set(v.TotalShares)
	sharesBefore, err := v.GetManagerShares()
	if err != nil {
		return rec, err
	}
	protoBefore := v.GetProtocolShares()

	nShares, err := amountToShares(amount, totalBefore, vaultEquity)
	if err != nil {
		return rec, err
	}

	v.TotalDeposits = saturatingAddU64(v.TotalDeposits, amount)
	v.ManagerTotalDeposits = saturatingAddU64(v.ManagerTotalDeposits, amount)
	v.NetDeposits = saturatingAddI64(v.NetDeposits, int64(amount))
	v.ManagerNetDeposits = saturatingAddI64(v.ManagerNetDeposits, int64(amount))
	v.TotalShares.Add(v.TotalShares, nShares)

	sharesAfter, err := v.GetManagerShares()
	if err != nil {
		return rec, err
	}
	rec = v.record(v.Manager, ActionDeposit, amount, vaultEquity,
		sharesBefore, sharesAfter, totalBefore, invBefore, protoBefore, fee, now)
	return rec, nil
}

// ManagerRequestWithdraw opens the manager's withdrawal request slot.
func (v *Vault) ManagerRequestWithdraw(amount uint64, unit WithdrawUnit, vaultEquity uint64, now int64) (InvestorRecord, error) {
	var rec InvestorRecord
	if _, err := v.ApplyRebase(vaultEquity); err != nil {
		return rec, err
	}
	fee, err := v.ApplyFee(vaultEquity, now)
	if err != nil {
		return rec, err
	}

	invBefore := new(big.Int).Set(v.InvestorShares)
	totalBefore := new(big.Int).Set(v.TotalShares)
	sharesBefore, err := v.GetManagerShares()
	if err != nil {
		return rec, err
	}
	protoBefore := v.GetProtocolShares()

	value, nShares, err := unit.getWithdrawValueAndShares(amount, vaultEquity, sharesBefore, v.TotalShares)
	if err != nil {
		return rec, err
	}
	if nShares.Sign() == 0 {
		return rec, ErrInvalidVaultWithdrawSize
	}
	if sharesBefore.Cmp(nShares) < 0 {
		return rec, ErrInvalidVaultWithdrawSize
	}
	if err := v.LastManagerWithdrawRequest.Set(sharesBefore, nShares, value, vaultEquity, now); err != nil {
		return rec, err
	}
	v.TotalWithdrawRequested = saturatingAddU64(v.TotalWithdrawRequested, value)

	sharesAfter, err := v.GetManagerShares()
	if err != nil {
		return rec, err
	}
	rec = v.record(v.Manager, ActionWithdrawRequest, value, vaultEquity,
		sharesBefore, sharesAfter, totalBefore, invBefore, protoBefore, fee, now)
	return rec, nil
}

// ManagerCancelWithdrawRequest clears the manager's request, forfeiting any
// appreciation accrued while the request was locked.
func (v *Vault) ManagerCancelWithdrawRequest(vaultEquity uint64, now int64) (InvestorRecord, error) {
	return v.cancelRequest(&v.LastManagerWithdrawRequest, v.Manager, v.GetManagerShares, false, vaultEquity, now)
}

// ProtocolCancelWithdrawRequest clears the protocol's request.
func (v *Vault) ProtocolCancelWithdrawRequest(vaultEquity uint64, now int64) (InvestorRecord, error) {
	protoShares := func() (*big.Int, error) { return v.GetProtocolShares(), nil }
	return v.cancelRequest(&v.LastProtocolWithdrawRequest, v.Protocol, protoShares, true, vaultEquity, now)
}

// cancelRequest clears a manager or protocol request slot. The forfeited
// shares burn from the canceller's own stake, and the record carries the
// canceller's shares, so shares selects the acting participant.
func (v *Vault) cancelRequest(req *WithdrawRequest, authority Address, shares func() (*big.Int, error), protocol bool, vaultEquity uint64, now int64) (InvestorRecord, error) {
	var rec InvestorRecord
	if _, err := v.ApplyRebase(vaultEquity); err != nil {
		return rec, err
	}

	invBefore := new(big.Int).Set(v.InvestorShares)
	totalBefore := new(big.Int).Set(v.TotalShares)
	sharesBefore, err := shares()
	if err != nil {
		return rec, err
	}
	protoBefore := v.GetProtocolShares()

	fee, err := v.ApplyFee(vaultEquity, now)
	if err != nil {
		return rec, err
	}

	sharesLost, err := req.CalculateSharesLost(v.TotalShares, vaultEquity)
	if err != nil {
		return rec, err
	}
	v.TotalShares.Sub(v.TotalShares, sharesLost)
	if protocol {
		v.ProtocolProfitAndFeeShares.Sub(v.ProtocolProfitAndFeeShares, sharesLost)
	}

	sharesAfter, err := shares()
	if err != nil {
		return rec, err
	}

	v.TotalWithdrawRequested -= req.Value
	req.Reset(now)

	rec = v.record(authority, ActionCancelWithdrawRequest, 0, vaultEquity,
		sharesBefore, sharesAfter, totalBefore, invBefore, protoBefore, fee, now)
	return rec, nil
}

// ManagerWithdraw fulfills the manager's elapsed request, burning shares.
// Returns the token payout and whether this withdrawal finishes a
// liquidation the manager was running.
func (v *Vault) ManagerWithdraw(vaultEquity uint64, now int64) (uint64, bool, InvestorRecord, error) {
	var rec InvestorRecord
	if err := v.LastManagerWithdrawRequest.CheckRedeemPeriodFinished(v.RedeemPeriod, now); err != nil {
		return 0, false, rec, err
	}
	if _, err := v.ApplyRebase(vaultEquity); err != nil {
		return 0, false, rec, err
	}
	fee, err := v.ApplyFee(vaultEquity, now)
	if err != nil {
		return 0, false, rec, err
	}

	invBefore := new(big.Int).Set(v.InvestorShares)
	totalBefore := new(big.Int).Set(v.TotalShares)
	sharesBefore, err := v.GetManagerShares()
	if err != nil {
		return 0, false, rec, err
	}
	protoBefore := v.GetProtocolShares()

	nShares := v.LastManagerWithdrawRequest.Shares
	if nShares.Sign() == 0 {
		return 0, false, rec, ErrInvalidVaultWithdraw
	}
	if sharesBefore.Cmp(nShares) < 0 {
		return 0, false, rec, ErrInsufficientVaultShares
	}

	amount, err := sharesToAmount(nShares, v.TotalShares, vaultEquity)
	if err != nil {
		return 0, false, rec, err
	}
	// payout floats with performance but never exceeds the frozen value
	nTokens := amount
	if v.LastManagerWithdrawRequest.Value < nTokens {
		nTokens = v.LastManagerWithdrawRequest.Value
	}

	v.TotalWithdraws = saturatingAddU64(v.TotalWithdraws, nTokens)
	v.ManagerTotalWithdraws = saturatingAddU64(v.ManagerTotalWithdraws, nTokens)
	v.NetDeposits = saturatingAddI64(v.NetDeposits, -int64(nTokens))
	v.ManagerNetDeposits = saturatingAddI64(v.ManagerNetDeposits, -int64(nTokens))
	v.TotalShares.Sub(v.TotalShares, nShares)

	sharesAfter, err := v.GetManagerShares()
	if err != nil {
		return 0, false, rec, err
	}

	v.TotalWithdrawRequested -= v.LastManagerWithdrawRequest.Value
	v.LastManagerWithdrawRequest.Reset(now)

	rec = v.record(v.Manager, ActionWithdraw, nTokens, vaultEquity,
		sharesBefore, sharesAfter, totalBefore, invBefore, protoBefore, fee, now)
	finishingLiquidation := v.Liquidator == v.Manager
	return nTokens, finishingLiquidation, rec, nil
}

// ProtocolRequestWithdraw opens the protocol's withdrawal request slot
// against its accumulated fee and profit shares.
func (v *Vault) ProtocolRequestWithdraw(amount uint64, unit WithdrawUnit, vaultEquity uint64, now int64) (InvestorRecord, error) {
	var rec InvestorRecord
	if _, err := v.ApplyRebase(vaultEquity); err != nil {
		return rec, err
	}
	fee, err := v.ApplyFee(vaultEquity, now)
	if err != nil {
		return rec, err
	}

	invBefore := new(big.Int).Set(v.InvestorShares)
	totalBefore := new(big.Int).Set(v.TotalShares)
	managerShares, err := v.GetManagerShares()
	if err != nil {
		return rec, err
	}
	protoBefore := v.GetProtocolShares()

	value, nShares, err := unit.getWithdrawValueAndShares(amount, vaultEquity, protoBefore, v.TotalShares)
	if err != nil {
		return rec, err
	}
	if nShares.Sign() == 0 {
		return rec, ErrInvalidVaultWithdrawSize
	}
	if err := v.LastProtocolWithdrawRequest.Set(protoBefore, nShares, value, vaultEquity, now); err != nil {
		return rec, err
	}
	v.TotalWithdrawRequested = saturatingAddU64(v.TotalWithdrawRequested, value)

	rec = v.record(v.Protocol, ActionWithdrawRequest, value, vaultEquity,
		managerShares, managerShares, totalBefore, invBefore, protoBefore, fee, now)
	return rec, nil
}

// ProtocolWithdraw fulfills the protocol's elapsed request, burning from its
// accumulated fee and profit shares.
func (v *Vault) ProtocolWithdraw(vaultEquity uint64, now int64) (uint64, bool, InvestorRecord, error) {
	var rec InvestorRecord
	if err := v.LastProtocolWithdrawRequest.CheckRedeemPeriodFinished(v.RedeemPeriod, now); err != nil {
		return 0, false, rec, err
	}
	if _, err := v.ApplyRebase(vaultEquity); err != nil {
		return 0, false, rec, err
	}
	fee, err := v.ApplyFee(vaultEquity, now)
	if err != nil {
		return 0, false, rec, err
	}

	invBefore := new(big.Int).Set(v.InvestorShares)
	totalBefore := new(big.Int).Set(v.TotalShares)
	managerShares, err := v.GetManagerShares()
	if err != nil {
		return 0, false, rec, err
	}
	protoBefore := v.GetProtocolShares()

	nShares := v.LastProtocolWithdrawRequest.Shares
	if nShares.Sign() == 0 {
		return 0, false, rec, ErrInvalidVaultWithdraw
	}
	if protoBefore.Cmp(nShares) < 0 {
		return 0, false, rec, ErrInsufficientVaultShares
	}

	amount, err := sharesToAmount(nShares, v.TotalShares, vaultEquity)
	if err != nil {
		return 0, false, rec, err
	}
	nTokens := amount
	if v.LastProtocolWithdrawRequest.Value < nTokens {
		nTokens = v.LastProtocolWithdrawRequest.Value
	}

	v.TotalWithdraws = saturatingAddU64(v.TotalWithdraws, nTokens)
	v.ProtocolTotalWithdraws = saturatingAddU64(v.ProtocolTotalWithdraws, nTokens)
	v.NetDeposits = saturatingAddI64(v.NetDeposits, -int64(nTokens))
	v.TotalShares.Sub(v.TotalShares, nShares)
	v.ProtocolProfitAndFeeShares.Sub(v.ProtocolProfitAndFeeShares, nShares)

	v.TotalWithdrawRequested -= v.LastProtocolWithdrawRequest.Value
	v.LastProtocolWithdrawRequest.Reset(now)

	rec = v.record(v.Protocol, ActionWithdraw, nTokens, vaultEquity,
		managerShares, managerShares, totalBefore, invBefore, protoBefore, fee, now)
	finishingLiquidation := v.Liquidator == v.Protocol
	return nTokens, finishingLiquidation, rec, nil
}

// GetMarketPosition returns the position slot for a market.
func (v *Vault) GetMarketPosition(market Address) (*MarketPosition, error) {
	for i := range v.Positions {
		if v.Positions[i].Market == market {
			return &v.Positions[i], nil
		}
	}
	return nil, ErrMarketPositionNotFound
}

// ForceGetMarketPosition returns the position slot for a market, claiming a
// free slot when the market is new. Fails when all slots hold inventory.
func (v *Vault) ForceGetMarketPosition(market Address) (*MarketPosition, error) {
	if pos, err := v.GetMarketPosition(market); err == nil {
		return pos, nil
	}
	for i := range v.Positions {
		if v.Positions[i].IsAvailable() {
			v.Positions[i] = MarketPosition{Market: market}
			return &v.Positions[i], nil
		}
	}
	return nil, ErrMarketMapFull
}

// UpdateMarketPosition overwrites the tracked balances for a market from the
// venue's authoritative trader state.
func (v *Vault) UpdateMarketPosition(pos MarketPosition) error {
	slot, err := v.ForceGetMarketPosition(pos.Market)
	if err != nil {
		return err
	}
	slot.QuoteLotsLocked = pos.QuoteLotsLocked
	slot.QuoteLotsFree = pos.QuoteLotsFree
	slot.BaseLotsLocked = pos.BaseLotsLocked
	slot.BaseLotsFree = pos.BaseLotsFree
	return nil
}
