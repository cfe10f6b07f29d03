package types

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrInvalidDelegationAmount  = errors.New("invalid delegation amount")
	ErrUnauthorizedSigner       = errors.New("signer is not a required signer of the transaction")
	ErrIncompleteSignatures     = errors.New("transaction is missing required signatures")
	ErrExpiredTransaction       = errors.New("transaction expiry marker has lapsed")
	ErrConfirmationFailed       = errors.New("transaction confirmation failed")
	ErrNetworkTimeout           = errors.New("ledger request timed out")
	ErrUnsupportedLockAuthority = errors.New("unsupported lock authority")
	ErrInstructionOrder         = errors.New("lock instruction precedes the delegation it depends on")
	ErrTerminalTransaction      = errors.New("transaction reached a terminal state and cannot be resubmitted")
	ErrEmptyTransaction         = errors.New("transaction has no instructions")
	ErrAssetNotFound            = errors.New("asset not found")
)

// ConfirmationFailedError carries the rejection reason reported by the ledger.
type ConfirmationFailedError struct {
	TxID   solana.Signature
	Reason string
}

func (e *ConfirmationFailedError) Error() string {
	if e.TxID.IsZero() {
		return fmt.Sprintf("%s: %s", ErrConfirmationFailed, e.Reason)
	}
	return fmt.Sprintf("%s for %s: %s", ErrConfirmationFailed, e.TxID, e.Reason)
}

func (e *ConfirmationFailedError) Is(target error) bool {
	return target == ErrConfirmationFailed
}

// IsRetryable reports whether err is a transient ledger failure. Validation
// and terminal errors are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkTimeout)
}
