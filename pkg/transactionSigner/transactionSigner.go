package transactionSigner

import (
	"context"
	"fmt"

	"github.com/Layr-Labs/asset-lock-go/pkg/authority"
	"github.com/Layr-Labs/asset-lock-go/pkg/ledger"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// SignatureArtifact is one signer's endorsement of a compiled message. It can
// be produced anywhere and carried back to the single writer that merges it.
type SignatureArtifact struct {
	TransactionID string           `json:"transactionId"`
	Signer        solana.PublicKey `json:"signer"`
	Signature     solana.Signature `json:"signature"`
}

// ITransactionSigner collects the signatures a PendingTransaction needs and
// submits it once complete.
type ITransactionSigner interface {
	// Endorse signs the compiled message with authority without touching tx.
	Endorse(ctx context.Context, tx *types.PendingTransaction, authority authority.Authority) (*SignatureArtifact, error)

	// Merge verifies each artifact and returns a new PendingTransaction
	// holding them.
	Merge(tx *types.PendingTransaction, artifacts ...*SignatureArtifact) (*types.PendingTransaction, error)

	// Sign is Endorse followed by Merge.
	Sign(ctx context.Context, tx *types.PendingTransaction, authority authority.Authority) (*types.PendingTransaction, error)

	// Submit broadcasts a fully signed transaction and waits for the
	// configured finality.
	Submit(ctx context.Context, tx *types.PendingTransaction) (*types.ConfirmationResult, error)
}

type SignerConfig struct {
	Finality types.FinalityLevel `json:"finality" yaml:"finality"`
	Retry    ledger.RetryConfig  `json:"-" yaml:"-"`
}

func NewTransactionSigner(cfg *SignerConfig, l ledger.ILedgerClient, logger *zap.Logger) (ITransactionSigner, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger client cannot be nil")
	}
	if cfg == nil {
		cfg = &SignerConfig{}
	}
	return NewDualSigner(*cfg, l, logger)
}
