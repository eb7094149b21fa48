package vault

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable numeric code returned to callers. Codes start at
// 6000 and must never be renumbered; off-chain tooling matches on them.
type ErrorCode uint32

const (
	CodeDefault ErrorCode = 6000 + iota
	CodeInvalidVaultRebase
	CodeInvalidVaultSharesDetected
	CodeCannotWithdrawBeforeRedeemPeriodEnd
	CodeInvalidVaultWithdraw
	CodeInsufficientVaultShares
	CodeInvalidVaultWithdrawSize
	CodeInvalidVaultForNewDepositors
	CodeVaultWithdrawRequestInProgress
	CodeVaultIsAtCapacity
	CodeInvalidVaultDepositorInitialization
	CodeDelegateNotAvailableForLiquidation
	CodeInvalidLiquidator
	CodeLiquidationExpired
	CodeInvalidEquityValue
	CodeVaultInLiquidation
	CodeInvestorCanWithdraw
	CodeInvalidVaultInitialization
	CodeInvalidVaultUpdate
	CodePermissionedVault
	CodeWithdrawInProgress
	CodeSharesPercentTooLarge
	CodeInvalidVaultDeposit
	CodeOngoingLiquidation
	CodeMathError
	CodeCastError
	CodeMarketDeserializationError
	CodeUnrecognizedQuoteMint
	CodeSolMarketMissing
	CodeMarketMapFull
	CodeMarketPositionNotFound
	CodeMarketRegistryMismatch
	CodeMarketMissingInRemainingAccounts
	CodeOrderMustUseDepositedFunds
	CodeOrderMustBeTakeOnly
	CodeTraderStateNotFound
	CodeInvalidAuthority
)

// Error attaches a stable code to an error value.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Msg)
}

func newErr(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

var (
	ErrInvalidVaultRebase                  = newErr(CodeInvalidVaultRebase, "invalid vault rebase")
	ErrInvalidVaultSharesDetected          = newErr(CodeInvalidVaultSharesDetected, "invalid vault shares detected")
	ErrCannotWithdrawBeforeRedeemPeriodEnd = newErr(CodeCannotWithdrawBeforeRedeemPeriodEnd, "cannot withdraw before redeem period end")
	ErrInvalidVaultWithdraw                = newErr(CodeInvalidVaultWithdraw, "invalid vault withdraw")
	ErrInsufficientVaultShares             = newErr(CodeInsufficientVaultShares, "insufficient vault shares")
	ErrInvalidVaultWithdrawSize            = newErr(CodeInvalidVaultWithdrawSize, "invalid vault withdraw size")
	ErrInvalidVaultForNewDepositors        = newErr(CodeInvalidVaultForNewDepositors, "vault not accepting new depositors")
	ErrVaultWithdrawRequestInProgress      = newErr(CodeVaultWithdrawRequestInProgress, "withdraw request already in progress")
	ErrVaultIsAtCapacity                   = newErr(CodeVaultIsAtCapacity, "vault is at capacity")
	ErrInvalidVaultDepositorInitialization = newErr(CodeInvalidVaultDepositorInitialization, "depositor already initialized")
	ErrDelegateNotAvailableForLiquidation  = newErr(CodeDelegateNotAvailableForLiquidation, "vault in liquidation by another party")
	ErrInvalidLiquidator                   = newErr(CodeInvalidLiquidator, "signer is not the liquidator")
	ErrLiquidationExpired                  = newErr(CodeLiquidationExpired, "liquidation expired")
	ErrInvalidEquityValue                  = newErr(CodeInvalidEquityValue, "invalid equity value")
	ErrVaultInLiquidation                  = newErr(CodeVaultInLiquidation, "vault is in liquidation")
	ErrInvestorCanWithdraw                 = newErr(CodeInvestorCanWithdraw, "investor can withdraw without liquidation")
	ErrInvalidVaultInitialization          = newErr(CodeInvalidVaultInitialization, "invalid vault initialization")
	ErrInvalidVaultUpdate                  = newErr(CodeInvalidVaultUpdate, "invalid vault update")
	ErrPermissionedVault                   = newErr(CodePermissionedVault, "permissioned vault rejected depositor")
	ErrWithdrawInProgress                  = newErr(CodeWithdrawInProgress, "withdraw in progress")
	ErrSharesPercentTooLarge               = newErr(CodeSharesPercentTooLarge, "shares percent exceeds 100%")
	ErrInvalidVaultDeposit                 = newErr(CodeInvalidVaultDeposit, "invalid vault deposit")
	ErrOngoingLiquidation                  = newErr(CodeOngoingLiquidation, "ongoing liquidation")
	ErrMath                                = newErr(CodeMathError, "math error")
	ErrCast                                = newErr(CodeCastError, "numeric cast overflow")
	ErrMarketDeserialization               = newErr(CodeMarketDeserializationError, "market deserialization error")
	ErrUnrecognizedQuoteMint               = newErr(CodeUnrecognizedQuoteMint, "unrecognized quote mint")
	ErrSolMarketMissing                    = newErr(CodeSolMarketMissing, "canonical settlement market missing")
	ErrMarketMapFull                       = newErr(CodeMarketMapFull, "market position list full")
	ErrMarketPositionNotFound              = newErr(CodeMarketPositionNotFound, "market position not found")
	ErrMarketRegistryMismatch              = newErr(CodeMarketRegistryMismatch, "market registry mismatch")
	ErrMarketMissingInAccounts             = newErr(CodeMarketMissingInRemainingAccounts, "market missing from supplied accounts")
	ErrOrderMustUseDepositedFunds          = newErr(CodeOrderMustUseDepositedFunds, "order must use deposited funds")
	ErrOrderMustBeTakeOnly                 = newErr(CodeOrderMustBeTakeOnly, "order must be take-only")
	ErrTraderStateNotFound                 = newErr(CodeTraderStateNotFound, "trader state not found")
	ErrInvalidAuthority                    = newErr(CodeInvalidAuthority, "wrong signer for role")

	ErrVaultNotFound       = errors.New("vault not found")
	ErrInsufficientCustody = errors.New("insufficient vault custody")
	ErrInvestorNotFound    = errors.New("investor not found")
	ErrRegistryNotFound    = errors.New("market registry not initialized")
	ErrMarketNotFound      = errors.New("market not found")
)

// CodeOf extracts the stable code from an error, or CodeDefault when the
// error carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeDefault
}
