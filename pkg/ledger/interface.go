package ledger

import (
	"context"

	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go"
)

// ILedgerClient is everything the lock workflow needs from the network.
type ILedgerClient interface {
	// GetCurrentExpiryMarker returns a recent blockhash and the last block
	// height at which a transaction bound to it is accepted.
	GetCurrentExpiryMarker(ctx context.Context) (types.ExpiryMarker, error)

	// Broadcast sends a fully signed wire transaction. Sending the same bytes
	// twice executes them at most once.
	Broadcast(ctx context.Context, raw []byte) (solana.Signature, error)

	// AwaitFinality blocks until txID reaches level, is rejected, or its
	// marker lapses. Rejection returns *types.ConfirmationFailedError and
	// expiry returns types.ErrExpiredTransaction, each with a result
	// describing the terminal state.
	AwaitFinality(ctx context.Context, txID solana.Signature, marker types.ExpiryMarker, level types.FinalityLevel) (*types.ConfirmationResult, error)

	// FindAsset resolves mint as a single unit asset held by owner.
	FindAsset(ctx context.Context, mint, owner solana.PublicKey) (*types.AssetReference, error)
}
