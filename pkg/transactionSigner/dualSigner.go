package transactionSigner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Layr-Labs/asset-lock-go/pkg/authority"
	"github.com/Layr-Labs/asset-lock-go/pkg/ledger"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// DualSigner implements ITransactionSigner for transactions that need both
// the asset owner and the delegate.
type DualSigner struct {
	ledger ledger.ILedgerClient
	config SignerConfig
	logger *zap.Logger

	mu       sync.Mutex
	outcomes map[solana.Signature]types.ConfirmationResult
}

var _ ITransactionSigner = (*DualSigner)(nil)

func NewDualSigner(cfg SignerConfig, l ledger.ILedgerClient, logger *zap.Logger) (*DualSigner, error) {
	if cfg.Finality == "" {
		cfg.Finality = types.FinalityFinalized
	}
	if !cfg.Finality.IsValid() {
		return nil, fmt.Errorf("unsupported finality level: %s", cfg.Finality)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = ledger.DefaultRetryConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DualSigner{
		ledger:   l,
		config:   cfg,
		logger:   logger,
		outcomes: make(map[solana.Signature]types.ConfirmationResult),
	}, nil
}

func (s *DualSigner) Endorse(ctx context.Context, tx *types.PendingTransaction, auth authority.Authority) (*SignatureArtifact, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction cannot be nil")
	}
	if auth == nil {
		return nil, fmt.Errorf("authority cannot be nil")
	}
	signer := auth.PublicKey()
	if !tx.IsRequiredSigner(signer) {
		return nil, fmt.Errorf("%w: %s (%s)", types.ErrUnauthorizedSigner, signer, auth.Name())
	}
	if tx.State() == types.TxStateSubmitted || tx.State().IsTerminal() {
		return nil, fmt.Errorf("transaction %s is %s and cannot be signed", tx.ID(), tx.State())
	}

	sig, err := auth.Sign(ctx, tx.MessageBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction %s as %s: %w", tx.ID(), auth.Name(), err)
	}
	s.logger.Sugar().Debugw("Endorsed transaction", "id", tx.ID(), "signer", signer.String(), "role", auth.Name())
	return &SignatureArtifact{TransactionID: tx.ID(), Signer: signer, Signature: sig}, nil
}

func (s *DualSigner) Merge(tx *types.PendingTransaction, artifacts ...*SignatureArtifact) (*types.PendingTransaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction cannot be nil")
	}
	next := tx
	for _, a := range artifacts {
		if a == nil {
			return nil, fmt.Errorf("signature artifact cannot be nil")
		}
		if a.TransactionID != tx.ID() {
			return nil, fmt.Errorf("artifact for transaction %s cannot be merged into %s", a.TransactionID, tx.ID())
		}
		merged, err := next.WithSignature(a.Signer, a.Signature)
		if err != nil {
			return nil, err
		}
		next = merged
	}
	return next, nil
}

// Sign leaves an already filled slot untouched and does not call the authority.
func (s *DualSigner) Sign(ctx context.Context, tx *types.PendingTransaction, auth authority.Authority) (*types.PendingTransaction, error) {
	if tx != nil && auth != nil {
		if _, ok := tx.Signature(auth.PublicKey()); ok {
			return tx, nil
		}
	}
	artifact, err := s.Endorse(ctx, tx, auth)
	if err != nil {
		return nil, err
	}
	return s.Merge(tx, artifact)
}

func (s *DualSigner) Submit(ctx context.Context, tx *types.PendingTransaction) (*types.ConfirmationResult, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction cannot be nil")
	}
	if !tx.IsFullySigned() {
		return nil, fmt.Errorf("%w: %d missing for transaction %s", types.ErrIncompleteSignatures, len(tx.MissingSigners()), tx.ID())
	}
	txID := tx.TxID()

	if result, ok, err := s.recorded(tx); ok {
		return result, err
	}

	raw, err := tx.Serialize()
	if err != nil {
		return nil, err
	}

	s.logger.Sugar().Infow("Submitting transaction",
		"id", tx.ID(),
		"txId", txID.String(),
		"lastValidBlockHeight", tx.Marker().LastValidBlockHeight,
	)
	attempts := 0
	err = ledger.Retry(ctx, s.config.Retry, func(ctx context.Context) error {
		attempts++
		_, err := s.ledger.Broadcast(ctx, raw)
		if err != nil && types.IsRetryable(err) {
			s.logger.Sugar().Warnw("Broadcast attempt failed", "id", tx.ID(), "attempt", attempts, "error", err)
		}
		return err
	})
	switch {
	case err == nil:
	case types.IsRetryable(err):
		// outcome unknown; the same bytes may be submitted again
		return nil, err
	case errors.Is(err, types.ErrExpiredTransaction):
		// the bytes may still have landed before the marker lapsed
		s.logger.Sugar().Infow("Broadcast reported an expired marker, checking for a prior landing", "id", tx.ID())
	case errors.Is(err, types.ErrConfirmationFailed):
		reason := err.Error()
		var cfe *types.ConfirmationFailedError
		if errors.As(err, &cfe) {
			reason = cfe.Reason
		}
		result := types.ConfirmationResult{TxID: txID, State: types.TxStateRejected, Reason: reason}
		s.record(result)
		return &result, &types.ConfirmationFailedError{TxID: txID, Reason: reason}
	default:
		// not a ledger verdict, so nothing is remembered
		s.logger.Sugar().Warnw("Broadcast failed", "id", tx.ID(), "txId", txID.String(), "error", err)
		return nil, err
	}

	var result *types.ConfirmationResult
	err = ledger.Retry(ctx, s.config.Retry, func(ctx context.Context) error {
		var err error
		result, err = s.ledger.AwaitFinality(ctx, txID, tx.Marker(), s.config.Finality)
		return err
	})
	if err != nil && types.IsRetryable(err) {
		return nil, err
	}
	if result != nil {
		s.record(*result)
	}
	if err != nil {
		s.logger.Sugar().Warnw("Transaction did not finalize", "id", tx.ID(), "txId", txID.String(), "error", err)
		return result, err
	}

	s.logger.Info("Transaction finalized",
		zap.String("id", tx.ID()),
		zap.String("txId", txID.String()),
		zap.Uint64("slot", result.Slot),
		zap.Int("broadcastAttempts", attempts),
	)
	return result, nil
}

// recorded returns the remembered outcome of tx, if it has one.
func (s *DualSigner) recorded(tx *types.PendingTransaction) (*types.ConfirmationResult, bool, error) {
	s.mu.Lock()
	result, ok := s.outcomes[tx.TxID()]
	s.mu.Unlock()
	if !ok && tx.State().IsTerminal() {
		result, ok = types.ConfirmationResult{TxID: tx.TxID(), State: tx.State()}, true
	}
	if !ok {
		return nil, false, nil
	}
	if result.State == types.TxStateFinalized {
		return &result, true, nil
	}
	return nil, true, fmt.Errorf("%w: %s is %s", types.ErrTerminalTransaction, tx.TxID(), result.State)
}

func (s *DualSigner) record(result types.ConfirmationResult) {
	if !result.State.IsTerminal() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[result.TxID] = result
}
