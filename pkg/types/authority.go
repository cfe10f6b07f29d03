package types

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// DelegateVariant names the token delegate role a lock is exercised through.
type DelegateVariant string

const (
	DelegateVariantStandard       DelegateVariant = "StandardV1"
	DelegateVariantUtility        DelegateVariant = "UtilityV1"
	DelegateVariantStaking        DelegateVariant = "StakingV1"
	DelegateVariantLockedTransfer DelegateVariant = "LockedTransferV1"
)

const DefaultDelegateVariant = DelegateVariantUtility

func (v DelegateVariant) IsValid() bool {
	switch v {
	case DelegateVariantStandard, DelegateVariantUtility, DelegateVariantStaking, DelegateVariantLockedTransfer:
		return true
	}
	return false
}

// LockAuthority is the authority a lock or unlock instruction is exercised
// under. It is closed to the two variants declared in this package.
type LockAuthority interface {
	// Signer is the key that must sign the lock instruction.
	Signer() solana.PublicKey
	// TokenOwner is the wallet that owns the locked token account.
	TokenOwner() solana.PublicKey
	String() string

	isLockAuthority()
}

// DelegateAuthority locks through a delegation previously granted by Owner.
type DelegateAuthority struct {
	Delegate solana.PublicKey
	Owner    solana.PublicKey
	Variant  DelegateVariant
}

func (DelegateAuthority) isLockAuthority() {}

func (d DelegateAuthority) Signer() solana.PublicKey     { return d.Delegate }
func (d DelegateAuthority) TokenOwner() solana.PublicKey { return d.Owner }

func (d DelegateAuthority) String() string {
	return fmt.Sprintf("delegate(%s, variant=%s, owner=%s)", d.Delegate, d.Variant, d.Owner)
}

// Validate checks that the descriptor names two distinct parties.
func (d DelegateAuthority) Validate() error {
	if d.Delegate.IsZero() {
		return fmt.Errorf("%w: delegate cannot be empty", ErrUnsupportedLockAuthority)
	}
	if d.Owner.IsZero() {
		return fmt.Errorf("%w: owner cannot be empty", ErrUnsupportedLockAuthority)
	}
	if d.Delegate.Equals(d.Owner) {
		return fmt.Errorf("%w: delegate and owner must differ", ErrUnsupportedLockAuthority)
	}
	if !d.Variant.IsValid() {
		return fmt.Errorf("%w: unknown delegate variant %q", ErrUnsupportedLockAuthority, d.Variant)
	}
	return nil
}

// NewDelegateAuthority builds a DelegateAuthority with the default variant.
func NewDelegateAuthority(delegate, owner solana.PublicKey) DelegateAuthority {
	return DelegateAuthority{
		Delegate: delegate,
		Owner:    owner,
		Variant:  DefaultDelegateVariant,
	}
}

// OwnerAuthority locks directly with the owner's key.
type OwnerAuthority struct {
	Owner solana.PublicKey
}

func (OwnerAuthority) isLockAuthority() {}

func (o OwnerAuthority) Signer() solana.PublicKey     { return o.Owner }
func (o OwnerAuthority) TokenOwner() solana.PublicKey { return o.Owner }

func (o OwnerAuthority) String() string {
	return fmt.Sprintf("owner(%s)", o.Owner)
}
