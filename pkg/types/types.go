package types

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// AssetReference identifies one minted asset on the ledger along with the
// token account that holds it for Owner.
type AssetReference struct {
	Mint              solana.PublicKey `json:"mint"`
	Owner             solana.PublicKey `json:"owner"`
	OwnerTokenAccount solana.PublicKey `json:"ownerTokenAccount"`
	Supply            uint64           `json:"supply"`
	Decimals          uint8            `json:"decimals"`
}

// TokenAccountDeriver maps (owner, mint) to the owner's token account address.
// Implementations must be deterministic and must not touch the network.
type TokenAccountDeriver func(owner, mint solana.PublicKey) (solana.PublicKey, error)

// AssociatedTokenAccount is the default TokenAccountDeriver.
func AssociatedTokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated token account: %w", err)
	}
	return addr, nil
}

// Refresh returns a copy of the reference with OwnerTokenAccount recomputed for
// owner. A nil deriver uses AssociatedTokenAccount.
func (a AssetReference) Refresh(owner solana.PublicKey, derive TokenAccountDeriver) (AssetReference, error) {
	if a.Mint.IsZero() {
		return AssetReference{}, fmt.Errorf("asset mint cannot be empty")
	}
	if owner.IsZero() {
		return AssetReference{}, fmt.Errorf("asset owner cannot be empty")
	}
	if derive == nil {
		derive = AssociatedTokenAccount
	}
	tokenAccount, err := derive(owner, a.Mint)
	if err != nil {
		return AssetReference{}, err
	}
	a.Owner = owner
	a.OwnerTokenAccount = tokenAccount
	return a, nil
}

// ExpiryMarker is the recent blockhash a transaction is bound to and the last
// block height at which the ledger still accepts it.
type ExpiryMarker struct {
	Blockhash            solana.Hash `json:"blockhash"`
	LastValidBlockHeight uint64      `json:"lastValidBlockHeight"`
}

func (m ExpiryMarker) IsZero() bool {
	return m.Blockhash.IsZero()
}

// ExpiredAt reports whether the marker is no longer valid at blockHeight.
func (m ExpiryMarker) ExpiredAt(blockHeight uint64) bool {
	return blockHeight > m.LastValidBlockHeight
}

type FinalityLevel string

const (
	FinalityProcessed FinalityLevel = "processed"
	FinalityConfirmed FinalityLevel = "confirmed"
	FinalityFinalized FinalityLevel = "finalized"
)

var finalityRank = map[FinalityLevel]int{
	FinalityProcessed: 1,
	FinalityConfirmed: 2,
	FinalityFinalized: 3,
}

func (f FinalityLevel) String() string {
	return string(f)
}

func (f FinalityLevel) IsValid() bool {
	_, ok := finalityRank[f]
	return ok
}

// SatisfiedBy reports whether an observed confirmation level meets f.
func (f FinalityLevel) SatisfiedBy(observed FinalityLevel) bool {
	want, ok := finalityRank[f]
	if !ok {
		return false
	}
	return finalityRank[observed] >= want
}

// ParseFinalityLevel accepts processed, confirmed or finalized. Empty means finalized.
func ParseFinalityLevel(s string) (FinalityLevel, error) {
	if s == "" {
		return FinalityFinalized, nil
	}
	f := FinalityLevel(s)
	if !f.IsValid() {
		return "", fmt.Errorf("unsupported finality level: %s", s)
	}
	return f, nil
}

// TxState is the lifecycle of a PendingTransaction.
type TxState string

const (
	TxStateAssembled       TxState = "assembled"
	TxStatePartiallySigned TxState = "partiallySigned"
	TxStateFullySigned     TxState = "fullySigned"
	TxStateSubmitted       TxState = "submitted"
	TxStateFinalized       TxState = "finalized"
	TxStateRejected        TxState = "rejected"
	TxStateExpired         TxState = "expired"
)

var txStateRank = map[TxState]int{
	TxStateAssembled:       0,
	TxStatePartiallySigned: 1,
	TxStateFullySigned:     2,
	TxStateSubmitted:       3,
	TxStateFinalized:       4,
	TxStateRejected:        4,
	TxStateExpired:         4,
}

func (s TxState) String() string {
	return string(s)
}

func (s TxState) IsValid() bool {
	_, ok := txStateRank[s]
	return ok
}

func (s TxState) IsTerminal() bool {
	return s == TxStateFinalized || s == TxStateRejected || s == TxStateExpired
}

// CanTransitionTo reports whether moving from s to next goes strictly forward.
// Terminal states are only reachable from Submitted and have no successors.
func (s TxState) CanTransitionTo(next TxState) bool {
	if !s.IsValid() || !next.IsValid() || s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return s == TxStateSubmitted
	}
	return txStateRank[next] > txStateRank[s]
}

// ConfirmationResult is the outcome of waiting for a submitted transaction.
type ConfirmationResult struct {
	TxID     solana.Signature `json:"txId"`
	State    TxState          `json:"state"`
	Slot     uint64           `json:"slot"`
	Finality FinalityLevel    `json:"finality,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}
