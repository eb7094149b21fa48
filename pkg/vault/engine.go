package vault

import (
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/cosmic-lab-inc/phoenix-vaults/pkg/metrics"
)

// Engine executes vault instructions against in-memory account state. Every
// exported method is one instruction: it validates fully before mutating, so
// a returned error implies no state change.
type Engine struct {
	mu sync.RWMutex

	log     log.Logger
	metrics *metrics.VaultMetrics
	sink    RecordSink

	registry  *MarketRegistry
	vaults    map[Address]*Vault
	investors map[Address]*Investor
	markets   map[Address]*Market

	// custody maps token account addresses to atom balances.
	custody map[Address]uint64

	// Now supplies instruction timestamps. Overridable in tests.
	Now func() int64
}

// NewEngine creates an empty engine. sink and m may be nil.
func NewEngine(logger log.Logger, sink RecordSink, m *metrics.VaultMetrics) *Engine {
	if logger == nil {
		logger = log.Root().New("module", "vault")
	}
	return &Engine{
		log:       logger,
		metrics:   m,
		sink:      sink,
		vaults:    make(map[Address]*Vault),
		investors: make(map[Address]*Investor),
		markets:   make(map[Address]*Market),
		custody:   make(map[Address]uint64),
		Now:       func() int64 { return time.Now().Unix() },
	}
}

func (e *Engine) emit(rec InvestorRecord) {
	if e.sink != nil {
		e.sink.EmitInvestorRecord(rec)
	}
}

func (e *Engine) getVault(addr Address) (*Vault, error) {
	v, ok := e.vaults[addr]
	if !ok {
		return nil, ErrVaultNotFound
	}
	return v, nil
}

func (e *Engine) getInvestor(vaultAddr, authority Address) (*Investor, error) {
	inv, ok := e.investors[InvestorAddress(vaultAddr, authority)]
	if !ok {
		return nil, ErrInvestorNotFound
	}
	return inv, nil
}

func (e *Engine) getMarket(addr Address) (*Market, error) {
	m, ok := e.markets[addr]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m, nil
}

// InitializeMarketRegistry creates the singleton allow-list. Fails if one
// already exists.
func (e *Engine) InitializeMarketRegistry(authority, quoteMint, baseMint Address) (Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registry != nil {
		return ZeroAddress, ErrInvalidVaultInitialization
	}
	e.registry = NewMarketRegistry(authority, quoteMint, baseMint)
	e.log.Info("market registry initialized", "authority", authority)
	return RegistryAddress(), nil
}

// CreateMarket adds a venue book for the pair.
func (e *Engine) CreateMarket(baseMint, quoteMint Address, takerFeeBps uint64) (Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	addr := DeriveAddress([]byte("market"), baseMint[:], quoteMint[:])
	if _, ok := e.markets[addr]; ok {
		return addr, nil
	}
	e.markets[addr] = NewMarket(addr, baseMint, quoteMint, takerFeeBps)
	return addr, nil
}

// RegisterMarket allow-lists a market for vault positions.
func (e *Engine) RegisterMarket(authority, market Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registry == nil {
		return ErrRegistryNotFound
	}
	if _, ok := e.markets[market]; !ok {
		return ErrMarketNotFound
	}
	return e.registry.AddMarket(authority, market)
}

// VaultParams configures a new vault.
type VaultParams struct {
	Name     [32]byte
	Manager  Address
	Protocol Address
	Delegate Address

	RedeemPeriod        int64
	MaxTokens           uint64
	ManagementFee       int64
	MinDepositAmount    uint64
	ProfitShare         uint32
	HurdleRate          uint32
	ProtocolProfitShare uint32
	ProtocolFee         uint64
	Permissioned        bool
	LiquidationTimeout  int64
}

// InitializeVault creates a vault. The registry must exist first so deposits
// can be valued.
func (e *Engine) InitializeVault(p VaultParams) (Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registry == nil {
		return ZeroAddress, ErrRegistryNotFound
	}
	if p.RedeemPeriod < 0 || p.RedeemPeriod > MaxRedeemPeriod {
		return ZeroAddress, ErrInvalidVaultInitialization
	}
	if int64(p.ProfitShare)+int64(p.ProtocolProfitShare) > PercentagePrecision {
		return ZeroAddress, ErrInvalidVaultInitialization
	}
	if p.ManagementFee >= PercentagePrecision || int64(p.ProtocolFee) >= PercentagePrecision {
		return ZeroAddress, ErrInvalidVaultInitialization
	}
	if p.Manager.IsZero() {
		return ZeroAddress, ErrInvalidVaultInitialization
	}
	addr := VaultAddress(p.Name)
	if _, ok := e.vaults[addr]; ok {
		return ZeroAddress, ErrInvalidVaultInitialization
	}

	delegate := p.Delegate
	if delegate.IsZero() {
		delegate = p.Manager
	}
	now := e.Now()
	v := &Vault{
		Name:                        p.Name,
		Pubkey:                      addr,
		Manager:                     p.Manager,
		Protocol:                    p.Protocol,
		Delegate:                    delegate,
		QuoteMint:                   e.registry.QuoteMint,
		BaseMint:                    e.registry.BaseMint,
		QuoteTokenAccount:           DeriveAddress([]byte("vault_quote"), addr[:]),
		BaseTokenAccount:            DeriveAddress([]byte("vault_base"), addr[:]),
		InvestorShares:              big.NewInt(0),
		TotalShares:                 big.NewInt(0),
		ProtocolProfitAndFeeShares:  big.NewInt(0),
		LastFeeUpdateTs:             now,
		LiquidationTimeout:          p.LiquidationTimeout,
		RedeemPeriod:                p.RedeemPeriod,
		MaxTokens:                   p.MaxTokens,
		ManagementFee:               p.ManagementFee,
		MinDepositAmount:            p.MinDepositAmount,
		ProfitShare:                 p.ProfitShare,
		HurdleRate:                  p.HurdleRate,
		ProtocolProfitShare:         p.ProtocolProfitShare,
		ProtocolFee:                 p.ProtocolFee,
		InitTs:                      now,
		LastManagerWithdrawRequest:  newWithdrawRequest(),
		LastProtocolWithdrawRequest: newWithdrawRequest(),
		Permissioned:                p.Permissioned,
	}
	e.vaults[addr] = v
	e.metrics.SetVaultCount(len(e.vaults))
	e.log.Info("vault initialized", "vault", addr, "manager", p.Manager)
	return addr, nil
}

// InitializeInvestor creates a stake account. Permissioned vaults require
// the manager as signer.
func (e *Engine) InitializeInvestor(vaultAddr, authority, signer Address) (Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return ZeroAddress, err
	}
	if v.Permissioned && signer != v.Manager {
		return ZeroAddress, ErrPermissionedVault
	}
	addr := InvestorAddress(vaultAddr, authority)
	if _, ok := e.investors[addr]; ok {
		return ZeroAddress, ErrInvalidVaultDepositorInitialization
	}
	e.investors[addr] = NewInvestor(vaultAddr, authority, e.Now())
	return addr, nil
}

// UpdateVaultParams carries optional config updates; nil leaves a field as is.
type UpdateVaultParams struct {
	RedeemPeriod     *int64
	MaxTokens        *uint64
	ManagementFee    *int64
	MinDepositAmount *uint64
	ProfitShare      *uint32
	HurdleRate       *uint32
	Permissioned     *bool
}

// UpdateVault applies config changes. Economic parameters may only be
// revised downward once set.
func (e *Engine) UpdateVault(manager, vaultAddr Address, p UpdateVaultParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return err
	}
	if manager != v.Manager {
		return ErrInvalidAuthority
	}
	if p.RedeemPeriod != nil && *p.RedeemPeriod > v.RedeemPeriod {
		return ErrInvalidVaultUpdate
	}
	if p.MaxTokens != nil && v.MaxTokens != 0 && (*p.MaxTokens > v.MaxTokens || *p.MaxTokens == 0) {
		return ErrInvalidVaultUpdate
	}
	if p.ManagementFee != nil && *p.ManagementFee > v.ManagementFee {
		return ErrInvalidVaultUpdate
	}
	if p.MinDepositAmount != nil && *p.MinDepositAmount > v.MinDepositAmount {
		return ErrInvalidVaultUpdate
	}
	if p.ProfitShare != nil && *p.ProfitShare > v.ProfitShare {
		return ErrInvalidVaultUpdate
	}
	if p.HurdleRate != nil && *p.HurdleRate > v.HurdleRate {
		return ErrInvalidVaultUpdate
	}

	if p.RedeemPeriod != nil {
		v.RedeemPeriod = *p.RedeemPeriod
	}
	if p.MaxTokens != nil {
		v.MaxTokens = *p.MaxTokens
	}
	if p.ManagementFee != nil {
		v.ManagementFee = *p.ManagementFee
	}
	if p.MinDepositAmount != nil {
		v.MinDepositAmount = *p.MinDepositAmount
	}
	if p.ProfitShare != nil {
		v.ProfitShare = *p.ProfitShare
	}
	if p.HurdleRate != nil {
		v.HurdleRate = *p.HurdleRate
	}
	if p.Permissioned != nil {
		v.Permissioned = *p.Permissioned
	}
	return nil
}

// UpdateVaultProtocolParams carries optional protocol rate updates; nil
// leaves a field as is.
type UpdateVaultProtocolParams struct {
	ProtocolFee         *uint64
	ProtocolProfitShare *uint32
}

// UpdateVaultProtocol revises the protocol's fee and profit-share rates.
// Like the manager's economic parameters these only move downward.
func (e *Engine) UpdateVaultProtocol(protocol, vaultAddr Address, p UpdateVaultProtocolParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return err
	}
	if protocol != v.Protocol {
		return ErrInvalidAuthority
	}
	if p.ProtocolFee != nil && *p.ProtocolFee > v.ProtocolFee {
		return ErrInvalidVaultUpdate
	}
	if p.ProtocolProfitShare != nil && *p.ProtocolProfitShare > v.ProtocolProfitShare {
		return ErrInvalidVaultUpdate
	}

	if p.ProtocolFee != nil {
		v.ProtocolFee = *p.ProtocolFee
	}
	if p.ProtocolProfitShare != nil {
		v.ProtocolProfitShare = *p.ProtocolProfitShare
	}
	return nil
}

// UpdateDelegate changes the trading delegate.
func (e *Engine) UpdateDelegate(manager, vaultAddr, delegate Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return err
	}
	if manager != v.Manager {
		return ErrInvalidAuthority
	}
	if delegate.IsZero() {
		delegate = v.Manager
	}
	v.Delegate = delegate
	return nil
}

// equity values vault custody plus venue positions in settlement atoms. The
// supplied market set must be registry-listed and must cover every market
// the vault holds inventory on.
func (e *Engine) equity(v *Vault, marketAddrs []Address) (uint64, error) {
	if e.registry == nil {
		return 0, ErrRegistryNotFound
	}
	supplied := make(map[Address]*Market, len(marketAddrs))
	var canonical *Market
	for _, addr := range marketAddrs {
		if !e.registry.Contains(addr) {
			return 0, ErrMarketRegistryMismatch
		}
		m, err := e.getMarket(addr)
		if err != nil {
			return 0, err
		}
		supplied[addr] = m
		if m.BaseMint == e.registry.BaseMint && m.QuoteMint == e.registry.QuoteMint {
			canonical = m
		}
	}

	nativePrice := func() (uint64, error) {
		if canonical == nil {
			return 0, ErrSolMarketMissing
		}
		p, ok := canonical.Price()
		if !ok {
			return 0, ErrInvalidEquityValue
		}
		return p, nil
	}

	total := new(big.Int).SetUint64(e.custody[v.QuoteTokenAccount])
	if baseCustody := e.custody[v.BaseTokenAccount]; baseCustody > 0 {
		p, err := nativePrice()
		if err != nil {
			return 0, err
		}
		proceeds, err := quoteProceeds(baseCustody, p)
		if err != nil {
			return 0, err
		}
		total.Add(total, new(big.Int).SetUint64(proceeds))
	}

	for i := range v.Positions {
		pos := &v.Positions[i]
		if pos.Market.IsZero() || pos.IsAvailable() {
			continue
		}
		m, ok := supplied[pos.Market]
		if !ok {
			return 0, ErrMarketMissingInAccounts
		}
		quoteSide := saturatingAddU64(pos.QuoteLotsFree, pos.QuoteLotsLocked)
		baseSide := saturatingAddU64(pos.BaseLotsFree, pos.BaseLotsLocked)
		if baseSide > 0 {
			p, ok := m.Price()
			if !ok {
				return 0, ErrInvalidEquityValue
			}
			proceeds, err := quoteProceeds(baseSide, p)
			if err != nil {
				return 0, err
			}
			quoteSide = saturatingAddU64(quoteSide, proceeds)
		}
		switch m.QuoteMint {
		case e.registry.QuoteMint:
			total.Add(total, new(big.Int).SetUint64(quoteSide))
		case e.registry.BaseMint:
			// position is valued in the native asset, hop through the
			// settlement market
			p, err := nativePrice()
			if err != nil {
				return 0, err
			}
			proceeds, err := quoteProceeds(quoteSide, p)
			if err != nil {
				return 0, err
			}
			total.Add(total, new(big.Int).SetUint64(proceeds))
		default:
			return 0, ErrUnrecognizedQuoteMint
		}
	}
	return castToUint64(total)
}

// CalculateEquity values the vault in settlement atoms.
func (e *Engine) CalculateEquity(vaultAddr Address, marketAddrs []Address) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return 0, err
	}
	return e.equity(v, marketAddrs)
}

func (e *Engine) checkNotInLiquidation(v *Vault, signer Address) error {
	if v.InLiquidation() && v.Liquidator != signer {
		return ErrVaultInLiquidation
	}
	return nil
}

// noteRebase counts a rebase when an operation bumped the share base.
func (e *Engine) noteRebase(v *Vault, baseBefore uint32) {
	if v.SharesBase != baseBefore {
		e.metrics.RecordRebase()
	}
}

// Deposit stakes settlement atoms into the vault for the investor.
func (e *Engine) Deposit(vaultAddr, authority Address, amount uint64, marketAddrs []Address) (InvestorRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rec InvestorRecord
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return rec, err
	}
	if err := e.checkNotInLiquidation(v, authority); err != nil {
		return rec, err
	}
	inv, err := e.getInvestor(vaultAddr, authority)
	if err != nil {
		return rec, err
	}
	vaultEquity, err := e.equity(v, marketAddrs)
	if err != nil {
		return rec, err
	}
	sharesBase := v.SharesBase
	rec, err = inv.Deposit(amount, vaultEquity, v, e.Now())
	if err != nil {
		return rec, err
	}
	e.custody[v.QuoteTokenAccount] += amount
	e.noteRebase(v, sharesBase)
	e.metrics.RecordDeposit(amount)
	e.metrics.RecordFees(rec.ManagementFee, rec.ProtocolFee)
	e.metrics.RecordProfitShare(rec.ManagerProfitShare + rec.ProtocolProfitShare)
	e.emit(rec)
	return rec, nil
}

// RequestWithdraw opens the investor's withdrawal request.
func (e *Engine) RequestWithdraw(vaultAddr, authority Address, amount uint64, unit WithdrawUnit, marketAddrs []Address) (InvestorRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rec InvestorRecord
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return rec, err
	}
	if err := e.checkNotInLiquidation(v, authority); err != nil {
		return rec, err
	}
	inv, err := e.getInvestor(vaultAddr, authority)
	if err != nil {
		return rec, err
	}
	vaultEquity, err := e.equity(v, marketAddrs)
	if err != nil {
		return rec, err
	}
	sharesBase := v.SharesBase
	rec, err = inv.RequestWithdraw(amount, unit, vaultEquity, v, e.Now())
	if err != nil {
		return rec, err
	}
	e.noteRebase(v, sharesBase)
	e.metrics.RecordWithdrawRequest()
	e.emit(rec)
	return rec, nil
}

// CancelWithdrawRequest clears the investor's withdrawal request.
func (e *Engine) CancelWithdrawRequest(vaultAddr, authority Address, marketAddrs []Address) (InvestorRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rec InvestorRecord
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return rec, err
	}
	if err := e.checkNotInLiquidation(v, authority); err != nil {
		return rec, err
	}
	inv, err := e.getInvestor(vaultAddr, authority)
	if err != nil {
		return rec, err
	}
	vaultEquity, err := e.equity(v, marketAddrs)
	if err != nil {
		return rec, err
	}
	sharesBase := v.SharesBase
	rec, err = inv.CancelWithdrawRequest(vaultEquity, v, e.Now())
	if err != nil {
		return rec, err
	}
	e.noteRebase(v, sharesBase)
	e.emit(rec)
	return rec, nil
}

// Withdraw pays out the investor's elapsed request from vault custody. A
// withdrawal by the appointed liquidator ends the liquidation.
func (e *Engine) Withdraw(vaultAddr, authority Address, marketAddrs []Address) (uint64, InvestorRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rec InvestorRecord
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return 0, rec, err
	}
	if err := e.checkNotInLiquidation(v, authority); err != nil {
		return 0, rec, err
	}
	inv, err := e.getInvestor(vaultAddr, authority)
	if err != nil {
		return 0, rec, err
	}
	vaultEquity, err := e.equity(v, marketAddrs)
	if err != nil {
		return 0, rec, err
	}
	// the payout leaves custody; anything beyond it must be liquidated first
	if err := inv.LastWithdrawRequest.CheckRedeemPeriodFinished(v.RedeemPeriod, e.Now()); err != nil {
		return 0, rec, err
	}
	estimate := inv.LastWithdrawRequest.Value
	if e.custody[v.QuoteTokenAccount] < estimate {
		return 0, rec, ErrInsufficientCustody
	}
	sharesBase := v.SharesBase
	amount, finishing, rec, err := inv.Withdraw(vaultEquity, v, e.Now())
	if err != nil {
		return 0, rec, err
	}
	e.noteRebase(v, sharesBase)
	e.custody[v.QuoteTokenAccount] -= amount
	if finishing {
		v.ResetLiquidator()
		e.metrics.RecordLiquidationFinished()
	}
	e.metrics.RecordWithdraw(amount)
	e.emit(rec)
	return amount, rec, nil
}

// ManagerDeposit stakes the manager's own capital.
func (e *Engine) ManagerDeposit(vaultAddr, manager Address, amount uint64, marketAddrs []Address) (InvestorRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rec InvestorRecord
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return rec, err
	}
	if manager != v.Manager {
		return rec, ErrInvalidAuthority
	}
	if err := e.checkNotInLiquidation(v, manager); err != nil {
		return rec, err
	}
	vaultEquity, err := e.equity(v, marketAddrs)
	if err != nil {
		return rec, err
	}
	sharesBase := v.SharesBase
	rec, err = v.ManagerDeposit(amount, vaultEquity, e.Now())
	if err != nil {
		return rec, err
	}
	e.noteRebase(v, sharesBase)
	e.custody[v.QuoteTokenAccount] += amount
	e.metrics.RecordDeposit(amount)
	e.emit(rec)
	return rec, nil
}

// ManagerRequestWithdraw opens the manager's withdrawal request.
func (e *Engine) ManagerRequestWithdraw(vaultAddr, manager Address, amount uint64, unit WithdrawUnit, marketAddrs []Address) (InvestorRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rec InvestorRecord
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return rec, err
	}
	if manager != v.Manager {
		return rec, ErrInvalidAuthority
	}
	if err := e.checkNotInLiquidation(v, manager); err != nil {
		return rec, err
	}
	if v.LastManagerWithdrawRequest.Pending() {
		return rec, ErrVaultWithdrawRequestInProgress
	}
	vaultEquity, err := e.equity(v, marketAddrs)
	if err != nil {
		return rec, err
	}
	sharesBase := v.SharesBase
	rec, err = v.ManagerRequestWithdraw(amount, unit, vaultEquity, e.Now())
	if err != nil {
		return rec, err
	}
	e.noteRebase(v, sharesBase)
	e.metrics.RecordWithdrawRequest()
	e.emit(rec)
	return rec, nil
}

// ManagerCancelWithdrawRequest clears the manager's request.
func (e *Engine) ManagerCancelWithdrawRequest(vaultAddr, manager Address, marketAddrs []Address) (InvestorRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rec InvestorRecord
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return rec, err
	}
	if manager != v.Manager {
		return rec, ErrInvalidAuthority
	}
	if err := e.checkNotInLiquidation(v, manager); err != nil {
		return rec, err
	}
	vaultEquity, err := e.equity(v, marketAddrs)
	if err != nil {
		return rec, err
	}
	sharesBase := v.SharesBase
	rec, err = v.ManagerCancelWithdrawRequest(vaultEquity, e.Now())
	if err != nil {
		return rec, err
	}
	e.noteRebase(v, sharesBase)
	e.emit(rec)
	return rec, nil
}

// ManagerWithdraw pays out the manager's elapsed request.
func (e *Engine) ManagerWithdraw(vaultAddr, manager Address, marketAddrs []Address) (uint64, InvestorRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rec InvestorRecord
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return 0, rec, err
	}
	if manager != v.Manager {
		return 0, rec, ErrInvalidAuthority
	}
	if err := e.checkNotInLiquidation(v, manager); err != nil {
		return 0, rec, err
	}
	vaultEquity, err := e.equity(v, marketAddrs)
	if err != nil {
		return 0, rec, err
	}
	if err := v.LastManagerWithdrawRequest.CheckRedeemPeriodFinished(v.RedeemPeriod, e.Now()); err != nil {
		return 0, rec, err
	}
	if e.custody[v.QuoteTokenAccount] < v.LastManagerWithdrawRequest.Value {
		return 0, rec, ErrInsufficientCustody
	}
	sharesBase := v.SharesBase
	amount, finishing, rec, err := v.ManagerWithdraw(vaultEquity, e.Now())
	if err != nil {
		return 0, rec, err
	}
	e.noteRebase(v, sharesBase)
	e.custody[v.QuoteTokenAccount] -= amount
	if finishing {
		v.ResetLiquidator()
		e.metrics.RecordLiquidationFinished()
	}
	e.metrics.RecordWithdraw(amount)
	e.emit(rec)
	return amount, rec, nil
}

// ProtocolRequestWithdraw opens the protocol's withdrawal request against
// its accumulated fee and profit shares.
func (e *Engine) ProtocolRequestWithdraw(vaultAddr, protocol Address, amount uint64, unit WithdrawUnit, marketAddrs []Address) (InvestorRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rec InvestorRecord
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return rec, err
	}
	if protocol != v.Protocol {
		return rec, ErrInvalidAuthority
	}
	if err := e.checkNotInLiquidation(v, protocol); err != nil {
		return rec, err
	}
	if v.LastProtocolWithdrawRequest.Pending() {
		return rec, ErrVaultWithdrawRequestInProgress
	}
	vaultEquity, err := e.equity(v, marketAddrs)
	if err != nil {
		return rec, err
	}
	sharesBase := v.SharesBase
	rec, err = v.ProtocolRequestWithdraw(amount, unit, vaultEquity, e.Now())
	if err != nil {
		return rec, err
	}
	e.noteRebase(v, sharesBase)
	e.metrics.RecordWithdrawRequest()
	e.emit(rec)
	return rec, nil
}

// ProtocolCancelWithdrawRequest clears the protocol's request.
func (e *Engine) ProtocolCancelWithdrawRequest(vaultAddr, protocol Address, marketAddrs []Address) (InvestorRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rec InvestorRecord
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return rec, err
	}
	if protocol != v.Protocol {
		return rec, ErrInvalidAuthority
	}
	if err := e.checkNotInLiquidation(v, protocol); err != nil {
		return rec, err
	}
	vaultEquity, err := e.equity(v, marketAddrs)
	if err != nil {
		return rec, err
	}
	sharesBase := v.SharesBase
	rec, err = v.ProtocolCancelWithdrawRequest(vaultEquity, e.Now())
	if err != nil {
		return rec, err
	}
	e.noteRebase(v, sharesBase)
	e.emit(rec)
	return rec, nil
}

// ProtocolWithdraw pays out the protocol's elapsed request.
func (e *Engine) ProtocolWithdraw(vaultAddr, protocol Address, marketAddrs []Address) (uint64, InvestorRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rec InvestorRecord
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return 0, rec, err
	}
	if protocol != v.Protocol {
		return 0, rec, ErrInvalidAuthority
	}
	if err := e.checkNotInLiquidation(v, protocol); err != nil {
		return 0, rec, err
	}
	vaultEquity, err := e.equity(v, marketAddrs)
	if err != nil {
		return 0, rec, err
	}
	if err := v.LastProtocolWithdrawRequest.CheckRedeemPeriodFinished(v.RedeemPeriod, e.Now()); err != nil {
		return 0, rec, err
	}
	if e.custody[v.QuoteTokenAccount] < v.LastProtocolWithdrawRequest.Value {
		return 0, rec, ErrInsufficientCustody
	}
	sharesBase := v.SharesBase
	amount, finishing, rec, err := v.ProtocolWithdraw(vaultEquity, e.Now())
	if err != nil {
		return 0, rec, err
	}
	e.noteRebase(v, sharesBase)
	e.custody[v.QuoteTokenAccount] -= amount
	if finishing {
		v.ResetLiquidator()
		e.metrics.RecordLiquidationFinished()
	}
	e.metrics.RecordWithdraw(amount)
	e.emit(rec)
	return amount, rec, nil
}

func (e *Engine) checkTrader(v *Vault, signer Address) error {
	if signer != v.Manager && signer != v.Delegate {
		return ErrInvalidAuthority
	}
	return nil
}

// ClaimSeat registers the vault on a market so it can hold funds there.
func (e *Engine) ClaimSeat(vaultAddr, signer, marketAddr Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return err
	}
	if err := e.checkTrader(v, signer); err != nil {
		return err
	}
	if e.registry == nil || !e.registry.Contains(marketAddr) {
		return ErrMarketRegistryMismatch
	}
	m, err := e.getMarket(marketAddr)
	if err != nil {
		return err
	}
	m.ClaimSeat(v.Pubkey)
	if _, err := v.ForceGetMarketPosition(marketAddr); err != nil {
		return err
	}
	return nil
}

// MarketDeposit moves atoms from vault custody to the vault's seat.
func (e *Engine) MarketDeposit(vaultAddr, signer, marketAddr Address, params MarketTransferParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return err
	}
	if err := e.checkTrader(v, signer); err != nil {
		return err
	}
	if err := e.checkNotInLiquidation(v, signer); err != nil {
		return err
	}
	m, err := e.getMarket(marketAddr)
	if err != nil {
		return err
	}
	quoteAccount, baseAccount, err := v.custodyFor(m)
	if err != nil {
		return err
	}
	if e.custody[quoteAccount] < params.QuoteLots || e.custody[baseAccount] < params.BaseLots {
		return ErrInsufficientCustody
	}
	if err := m.Deposit(v.Pubkey, params.QuoteLots, params.BaseLots); err != nil {
		return err
	}
	e.custody[quoteAccount] -= params.QuoteLots
	e.custody[baseAccount] -= params.BaseLots
	return e.syncPosition(v, m)
}

// MarketWithdraw moves free atoms from the vault's seat back to custody.
func (e *Engine) MarketWithdraw(vaultAddr, signer, marketAddr Address, params MarketTransferParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return err
	}
	if err := e.checkTrader(v, signer); err != nil {
		return err
	}
	if err := e.checkNotInLiquidation(v, signer); err != nil {
		return err
	}
	m, err := e.getMarket(marketAddr)
	if err != nil {
		return err
	}
	quoteAccount, baseAccount, err := v.custodyFor(m)
	if err != nil {
		return err
	}
	if err := m.Withdraw(v.Pubkey, params.QuoteLots, params.BaseLots); err != nil {
		return err
	}
	e.custody[quoteAccount] += params.QuoteLots
	e.custody[baseAccount] += params.BaseLots
	return e.syncPosition(v, m)
}

// PlaceLimitOrder rests an order for the vault on a market.
func (e *Engine) PlaceLimitOrder(vaultAddr, signer, marketAddr Address, side Side, priceAtoms, baseAtoms uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return 0, err
	}
	if err := e.checkTrader(v, signer); err != nil {
		return 0, err
	}
	if err := e.checkNotInLiquidation(v, signer); err != nil {
		return 0, err
	}
	m, err := e.getMarket(marketAddr)
	if err != nil {
		return 0, err
	}
	id, err := m.PlaceLimitOrder(v.Pubkey, side, priceAtoms, baseAtoms)
	if err != nil {
		return 0, err
	}
	e.metrics.RecordOrderPlaced()
	if err := e.syncPosition(v, m); err != nil {
		return 0, err
	}
	return id, nil
}

// CancelOrders pulls all of the vault's resting orders on a market.
func (e *Engine) CancelOrders(vaultAddr, signer, marketAddr Address) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return 0, err
	}
	if err := e.checkTrader(v, signer); err != nil {
		return 0, err
	}
	m, err := e.getMarket(marketAddr)
	if err != nil {
		return 0, err
	}
	n := m.CancelOrders(v.Pubkey)
	return n, e.syncPosition(v, m)
}

// custodyFor maps a market's mints to the vault token accounts funding it.
func (v *Vault) custodyFor(m *Market) (quote, base Address, err error) {
	switch {
	case m.QuoteMint == v.QuoteMint && m.BaseMint == v.BaseMint:
		return v.QuoteTokenAccount, v.BaseTokenAccount, nil
	case m.QuoteMint == v.BaseMint:
		// secondary market quoted in the native asset; only the quote
		// side maps onto vault custody
		return v.BaseTokenAccount, ZeroAddress, nil
	default:
		return ZeroAddress, ZeroAddress, ErrUnrecognizedQuoteMint
	}
}

func (e *Engine) syncPosition(v *Vault, m *Market) error {
	pos, err := m.PositionFor(v.Pubkey)
	if err != nil {
		return err
	}
	return v.UpdateMarketPosition(pos)
}

// pendingRequestFor resolves which withdraw request an authority's
// liquidation serves.
func (e *Engine) pendingRequestFor(v *Vault, authority Address) (*WithdrawRequest, error) {
	switch authority {
	case v.Manager:
		return &v.LastManagerWithdrawRequest, nil
	case v.Protocol:
		return &v.LastProtocolWithdrawRequest, nil
	default:
		inv, err := e.getInvestor(v.Pubkey, authority)
		if err != nil {
			return nil, err
		}
		return &inv.LastWithdrawRequest, nil
	}
}

// AppointLiquidator hands vault control to a party whose elapsed withdraw
// request cannot be paid from custody.
func (e *Engine) AppointLiquidator(vaultAddr, authority Address, marketAddrs []Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return err
	}
	req, err := e.pendingRequestFor(v, authority)
	if err != nil {
		return err
	}
	if !req.Pending() {
		return ErrInvalidVaultWithdraw
	}
	now := e.Now()
	if err := req.CheckRedeemPeriodFinished(v.RedeemPeriod, now); err != nil {
		return err
	}
	if err := v.CheckAvailableForLiquidation(authority, now); err != nil {
		return err
	}
	// equity must be computable so the liquidator cannot stall on a bad
	// market set
	if _, err := e.equity(v, marketAddrs); err != nil {
		return err
	}
	if e.custody[v.QuoteTokenAccount] >= req.Value {
		return ErrInvestorCanWithdraw
	}
	v.SetLiquidator(authority, now)
	e.metrics.RecordLiquidationStarted()
	e.log.Info("liquidator appointed", "vault", vaultAddr, "liquidator", authority)
	return nil
}

// LiquidateSettlementMarket unwinds the vault's seat on a settlement-quoted
// market, selling native inventory and pulling quote back into custody until
// the liquidator's request is covered.
func (e *Engine) LiquidateSettlementMarket(vaultAddr, authority, marketAddr Address) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return 0, err
	}
	now := e.Now()
	if err := v.CheckLiquidator(authority, now); err != nil {
		// an expired or usurped liquidator loses the role
		v.ResetLiquidator()
		return 0, err
	}
	req, err := e.pendingRequestFor(v, authority)
	if err != nil {
		return 0, err
	}
	m, err := e.getMarket(marketAddr)
	if err != nil {
		return 0, err
	}
	if m.QuoteMint != e.registry.QuoteMint {
		return 0, ErrUnrecognizedQuoteMint
	}

	m.CancelOrders(v.Pubkey)
	ts, err := m.GetTraderState(v.Pubkey)
	if err != nil {
		return 0, err
	}

	if e.custody[v.QuoteTokenAccount] >= req.Value {
		return 0, nil
	}
	shortfall := req.Value - e.custody[v.QuoteTokenAccount]
	if ts.QuoteAtomsFree < shortfall && ts.BaseAtomsFree > 0 {
		if price, ok := m.BestBid(); ok {
			need := shortfall - ts.QuoteAtomsFree
			baseToSell, err := mulDivCeilU64(need, uint64(BasePrecision), price)
			if err != nil {
				return 0, err
			}
			if baseToSell > ts.BaseAtomsFree {
				baseToSell = ts.BaseAtomsFree
			}
			sum, err := m.SwapBaseForQuote(v.Pubkey, baseToSell)
			if err != nil {
				return 0, err
			}
			e.metrics.RecordTakerFill(sum.FeeBaseAtoms, sum.FeeQuoteAtoms)
		}
	}

	moved := ts.QuoteAtomsFree
	if moved > shortfall {
		moved = shortfall
	}
	if moved > 0 {
		if err := m.Withdraw(v.Pubkey, moved, 0); err != nil {
			return 0, err
		}
		e.custody[v.QuoteTokenAccount] += moved
	}
	if err := e.syncPosition(v, m); err != nil {
		return 0, err
	}
	e.log.Info("settlement market liquidated", "vault", vaultAddr, "moved", moved)
	return moved, nil
}

// LiquidateSecondaryMarket unwinds a native-quoted market in two hops:
// position base is sold for the native asset on the secondary market, then
// the native proceeds are sold for settlement atoms on the settlement
// market. The taker fee applies on each hop.
func (e *Engine) LiquidateSecondaryMarket(vaultAddr, authority, secondaryAddr, settlementAddr Address) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.getVault(vaultAddr)
	if err != nil {
		return 0, err
	}
	now := e.Now()
	if err := v.CheckLiquidator(authority, now); err != nil {
		v.ResetLiquidator()
		return 0, err
	}
	req, err := e.pendingRequestFor(v, authority)
	if err != nil {
		return 0, err
	}
	secondary, err := e.getMarket(secondaryAddr)
	if err != nil {
		return 0, err
	}
	settlement, err := e.getMarket(settlementAddr)
	if err != nil {
		return 0, err
	}
	if secondary.QuoteMint != e.registry.BaseMint {
		return 0, ErrUnrecognizedQuoteMint
	}
	if settlement.QuoteMint != e.registry.QuoteMint || settlement.BaseMint != e.registry.BaseMint {
		return 0, ErrSolMarketMissing
	}

	// hop one: dump secondary inventory into the native asset
	secondary.CancelOrders(v.Pubkey)
	sts, err := secondary.GetTraderState(v.Pubkey)
	if err != nil {
		return 0, err
	}
	if sts.BaseAtomsFree > 0 {
		sum, err := secondary.SwapBaseForQuote(v.Pubkey, sts.BaseAtomsFree)
		if err != nil {
			return 0, err
		}
		e.metrics.RecordTakerFill(sum.FeeBaseAtoms, sum.FeeQuoteAtoms)
	}
	nativeOut := sts.QuoteAtomsFree
	if nativeOut > 0 {
		if err := secondary.Withdraw(v.Pubkey, nativeOut, 0); err != nil {
			return 0, err
		}
	}
	if err := e.syncPosition(v, secondary); err != nil {
		return 0, err
	}

	// hop two: sell the native proceeds for settlement atoms
	settlement.ClaimSeat(v.Pubkey)
	if nativeOut > 0 {
		if err := settlement.Deposit(v.Pubkey, 0, nativeOut); err != nil {
			return 0, err
		}
		sum, err := settlement.SwapBaseForQuote(v.Pubkey, nativeOut)
		if err != nil {
			return 0, err
		}
		e.metrics.RecordTakerFill(sum.FeeBaseAtoms, sum.FeeQuoteAtoms)
	}
	tts, err := settlement.GetTraderState(v.Pubkey)
	if err != nil {
		return 0, err
	}
	moved := tts.QuoteAtomsFree
	shortfall := uint64(0)
	if req.Value > e.custody[v.QuoteTokenAccount] {
		shortfall = req.Value - e.custody[v.QuoteTokenAccount]
	}
	if moved > shortfall {
		moved = shortfall
	}
	if moved > 0 {
		if err := settlement.Withdraw(v.Pubkey, moved, 0); err != nil {
			return 0, err
		}
		e.custody[v.QuoteTokenAccount] += moved
	}
	if err := e.syncPosition(v, settlement); err != nil {
		return 0, err
	}
	e.log.Info("secondary market liquidated", "vault", vaultAddr, "moved", moved)
	return moved, nil
}

// CustodyBalance reports a token account balance.
func (e *Engine) CustodyBalance(account Address) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.custody[account]
}

// FundCustody credits a token account directly. Test and venue-settlement
// helper; production inflows arrive through deposits.
func (e *Engine) FundCustody(account Address, amount uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custody[account] += amount
}

// GetVault returns the vault state.
func (e *Engine) GetVault(addr Address) (*Vault, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.getVault(addr)
}

// GetInvestor returns the investor state.
func (e *Engine) GetInvestor(vaultAddr, authority Address) (*Investor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.getInvestor(vaultAddr, authority)
}

// GetMarket returns the venue book.
func (e *Engine) GetMarket(addr Address) (*Market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.getMarket(addr)
}

// OrderBookSnapshot returns the aggregated book for a market.
func (e *Engine) OrderBookSnapshot(marketAddr Address, depth int) (bids, asks []PriceLevel, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, err := e.getMarket(marketAddr)
	if err != nil {
		return nil, nil, err
	}
	bids, asks = m.Snapshot(depth)
	return bids, asks, nil
}

// Registry returns the market registry, or nil before initialization.
func (e *Engine) Registry() *MarketRegistry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry
}
