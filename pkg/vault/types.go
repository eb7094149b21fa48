package vault

import (
	"encoding/hex"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// Precision constants. All rates and percentages are fixed-point integers
// scaled by PercentagePrecision; prices are scaled by PricePrecision.
const (
	PercentagePrecision int64 = 1_000_000 // represents 100%
	PricePrecision      int64 = 1_000_000
	QuotePrecision      int64 = 1_000_000 // settlement asset has 6 decimals
	BasePrecision       int64 = 1_000_000_000

	OneHour int64 = 60 * 60
	OneDay  int64 = OneHour * 24
	OneYear int64 = 31_536_000

	// MaxRedeemPeriod caps the withdrawal time lock at 90 days.
	MaxRedeemPeriod int64 = OneDay * 90

	// DefaultLiquidationTimeout bounds how long an appointed liquidator
	// keeps exclusive control before another party may take over.
	DefaultLiquidationTimeout int64 = OneHour

	// MaxMarketPositions is the fixed capacity of the vault position list.
	MaxMarketPositions = 8
)

// Address identifies an account. Program accounts (vaults, investors, the
// market registry) are derived from seeds; wallets are opaque 32-byte keys.
type Address [32]byte

var ZeroAddress Address

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// MarshalText encodes the address as hex, also covering JSON map keys.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a hex address.
func (a *Address) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != len(a) {
		return ErrCast
	}
	copy(a[:], b)
	return nil
}

// DeriveAddress derives a program address from seed tuples, mirroring
// PDA-style derivation on the host ledger.
func DeriveAddress(seeds ...[]byte) Address {
	h := sha3.New256()
	for _, seed := range seeds {
		h.Write(seed)
	}
	var addr Address
	copy(addr[:], h.Sum(nil))
	return addr
}

// VaultAddress derives the vault account address from its name.
func VaultAddress(name [32]byte) Address {
	return DeriveAddress([]byte("vault"), name[:])
}

// InvestorAddress derives the investor account address for a vault/authority pair.
func InvestorAddress(vault, authority Address) Address {
	return DeriveAddress([]byte("investor"), vault[:], authority[:])
}

// RegistryAddress derives the singleton market registry address.
func RegistryAddress() Address {
	return DeriveAddress([]byte("market_registry"))
}

// WithdrawUnit selects how a withdrawal request amount is denominated.
type WithdrawUnit int

const (
	WithdrawUnitShares WithdrawUnit = iota
	WithdrawUnitToken
	WithdrawUnitSharesPercent
)

// getWithdrawValueAndShares converts a requested amount in the given unit to
// an equivalent (token value, share count) pair against current equity.
func (u WithdrawUnit) getWithdrawValueAndShares(
	amount uint64,
	vaultEquity uint64,
	currentShares *big.Int,
	totalShares *big.Int,
) (uint64, *big.Int, error) {
	switch u {
	case WithdrawUnitShares:
		shares := new(big.Int).SetUint64(amount)
		value, err := sharesToAmount(shares, totalShares, vaultEquity)
		if err != nil {
			return 0, nil, err
		}
		return value, shares, nil
	case WithdrawUnitToken:
		shares, err := amountToShares(amount, totalShares, vaultEquity)
		if err != nil {
			return 0, nil, err
		}
		return amount, shares, nil
	case WithdrawUnitSharesPercent:
		if amount > uint64(PercentagePrecision) {
			return 0, nil, ErrSharesPercentTooLarge
		}
		shares := new(big.Int).Mul(currentShares, new(big.Int).SetUint64(amount))
		shares.Div(shares, big.NewInt(PercentagePrecision))
		value, err := sharesToAmount(shares, totalShares, vaultEquity)
		if err != nil {
			return 0, nil, err
		}
		return value, shares, nil
	default:
		return 0, nil, ErrInvalidVaultWithdrawSize
	}
}

// VaultFee reports what a fee crystallization pass charged.
type VaultFee struct {
	ManagementFeePayment int64
	ManagementFeeShares  *big.Int
	ProtocolFeePayment   int64
	ProtocolFeeShares    *big.Int
}

// MarketTransferParams sizes a transfer between vault custody and a venue seat.
type MarketTransferParams struct {
	QuoteLots uint64
	BaseLots  uint64
}

// InvestorAction tags emitted records with the triggering operation.
type InvestorAction int

const (
	ActionDeposit InvestorAction = iota
	ActionWithdrawRequest
	ActionCancelWithdrawRequest
	ActionWithdraw
)

func (a InvestorAction) String() string {
	switch a {
	case ActionDeposit:
		return "deposit"
	case ActionWithdrawRequest:
		return "withdraw_request"
	case ActionCancelWithdrawRequest:
		return "cancel_withdraw_request"
	case ActionWithdraw:
		return "withdraw"
	default:
		return "unknown"
	}
}

// InvestorRecord is emitted after every share-changing action for off-chain
// indexing. The engine itself never reads these back.
type InvestorRecord struct {
	Ts                     int64          `json:"ts"`
	Vault                  Address        `json:"vault"`
	DepositorAuthority     Address        `json:"depositor_authority"`
	Action                 InvestorAction `json:"action"`
	Amount                 uint64         `json:"amount"`
	VaultEquityBefore      uint64         `json:"vault_equity_before"`
	VaultSharesBefore      *big.Int       `json:"vault_shares_before"`
	VaultSharesAfter       *big.Int       `json:"vault_shares_after"`
	UserVaultSharesBefore  *big.Int       `json:"user_vault_shares_before"`
	UserVaultSharesAfter   *big.Int       `json:"user_vault_shares_after"`
	TotalVaultSharesBefore *big.Int       `json:"total_vault_shares_before"`
	TotalVaultSharesAfter  *big.Int       `json:"total_vault_shares_after"`
	ProtocolSharesBefore   *big.Int       `json:"protocol_shares_before"`
	ProtocolSharesAfter    *big.Int       `json:"protocol_shares_after"`
	ManagementFee          int64          `json:"management_fee"`
	ManagementFeeShares    *big.Int       `json:"management_fee_shares"`
	ProtocolFee            int64          `json:"protocol_fee"`
	ProtocolFeeShares      *big.Int       `json:"protocol_fee_shares"`
	ManagerProfitShare     uint64         `json:"manager_profit_share"`
	ProtocolProfitShare    uint64         `json:"protocol_profit_share"`
}

// RecordSink receives emitted records. Implementations must not mutate engine
// state; delivery is best-effort and outside the instruction's atomicity.
type RecordSink interface {
	EmitInvestorRecord(rec InvestorRecord)
}
