// Package workflow drives the lock and release flows end to end: find the
// asset, build and assemble the instructions, collect both signatures,
// submit, and persist every step so an interrupted run can be resumed.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Layr-Labs/asset-lock-go/pkg/authority"
	"github.com/Layr-Labs/asset-lock-go/pkg/instructionBuilder"
	"github.com/Layr-Labs/asset-lock-go/pkg/ledger"
	"github.com/Layr-Labs/asset-lock-go/pkg/metrics"
	"github.com/Layr-Labs/asset-lock-go/pkg/persistence"
	"github.com/Layr-Labs/asset-lock-go/pkg/transactionAssembler"
	"github.com/Layr-Labs/asset-lock-go/pkg/transactionSigner"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxAssemblyAttempts = 3

var ErrPendingNotFound = errors.New("pending transaction not found")

type Config struct {
	// MaxAssemblyAttempts bounds how many times an expired transaction is
	// rebuilt with a fresh marker and signed again.
	MaxAssemblyAttempts int
	// Deriver overrides associated token account derivation.
	Deriver types.TokenAccountDeriver
}

type LockRequest struct {
	Mint     solana.PublicKey
	Owner    authority.Authority
	Delegate authority.Authority
	// Amount must equal the asset supply, which is 1 for an NFT.
	Amount uint64
}

type ReleaseRequest struct {
	Mint     solana.PublicKey
	Owner    authority.Authority
	Delegate authority.Authority
}

// Outcome describes the last transaction a workflow run produced.
type Outcome struct {
	ID       string                    `json:"id"`
	Workflow string                    `json:"workflow"`
	Asset    types.AssetReference      `json:"asset"`
	Result   *types.ConfirmationResult `json:"result,omitempty"`
	Attempts int                       `json:"attempts"`
}

type Workflow struct {
	ledger    ledger.ILedgerClient
	builder   *instructionBuilder.InstructionBuilder
	assembler *transactionAssembler.TransactionAssembler
	signer    transactionSigner.ITransactionSigner
	store     persistence.IPendingStore
	metrics   *metrics.Metrics
	config    Config
	logger    *zap.Logger
}

// NewWorkflow wires the collaborators. m may be nil.
func NewWorkflow(
	cfg Config,
	l ledger.ILedgerClient,
	signer transactionSigner.ITransactionSigner,
	store persistence.IPendingStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Workflow, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger client cannot be nil")
	}
	if signer == nil {
		return nil, fmt.Errorf("transaction signer cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("pending store cannot be nil")
	}
	if cfg.MaxAssemblyAttempts <= 0 {
		cfg.MaxAssemblyAttempts = DefaultMaxAssemblyAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		ledger:    l,
		builder:   instructionBuilder.NewInstructionBuilder(cfg.Deriver),
		assembler: transactionAssembler.NewTransactionAssembler(l, logger),
		signer:    signer,
		store:     store,
		metrics:   m,
		config:    cfg,
		logger:    logger,
	}, nil
}

// Lock grants the delegate authority over the owner's asset and locks it in
// one transaction signed by both parties.
func (w *Workflow) Lock(ctx context.Context, req LockRequest) (*Outcome, error) {
	if req.Owner == nil || req.Delegate == nil {
		return nil, fmt.Errorf("owner and delegate authorities are required")
	}
	defer w.metrics.Track(persistence.WorkflowLock)()
	owner, delegate := req.Owner.PublicKey(), req.Delegate.PublicKey()

	asset, err := w.findAsset(ctx, persistence.WorkflowLock, req.Mint, owner)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	lists, err := func() ([][]types.Instruction, error) {
		grant, err := w.builder.BuildDelegationInstructions(asset, owner, delegate, req.Amount)
		if err != nil {
			return nil, err
		}
		lock, err := w.builder.BuildLockInstructions(asset, owner, types.NewDelegateAuthority(delegate, owner))
		if err != nil {
			return nil, err
		}
		return [][]types.Instruction{grant, lock}, nil
	}()
	w.metrics.ObserveStage(persistence.WorkflowLock, metrics.StageBuild, start, err)
	if err != nil {
		return nil, err
	}

	outcome, err := w.run(ctx, persistence.WorkflowLock, lists, owner, []authority.Authority{req.Owner, req.Delegate})
	if outcome != nil {
		outcome.Asset = asset
	}
	return outcome, err
}

// Release unlocks the asset with the delegate's authority and revokes the
// delegation in the same transaction.
func (w *Workflow) Release(ctx context.Context, req ReleaseRequest) (*Outcome, error) {
	if req.Owner == nil || req.Delegate == nil {
		return nil, fmt.Errorf("owner and delegate authorities are required")
	}
	defer w.metrics.Track(persistence.WorkflowRelease)()
	owner, delegate := req.Owner.PublicKey(), req.Delegate.PublicKey()

	asset, err := w.findAsset(ctx, persistence.WorkflowRelease, req.Mint, owner)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	lists, err := func() ([][]types.Instruction, error) {
		unlock, err := w.builder.BuildUnlockInstructions(asset, owner, types.NewDelegateAuthority(delegate, owner))
		if err != nil {
			return nil, err
		}
		revoke, err := w.builder.BuildRevokeInstructions(asset, owner)
		if err != nil {
			return nil, err
		}
		return [][]types.Instruction{unlock, revoke}, nil
	}()
	w.metrics.ObserveStage(persistence.WorkflowRelease, metrics.StageBuild, start, err)
	if err != nil {
		return nil, err
	}

	outcome, err := w.run(ctx, persistence.WorkflowRelease, lists, owner, []authority.Authority{req.Owner, req.Delegate})
	if outcome != nil {
		outcome.Asset = asset
	}
	return outcome, err
}

// Resume continues a persisted transaction. Missing signatures are collected
// from authorities. When the stored marker has lapsed and authorities cover
// every required signer, the same instructions are assembled again.
func (w *Workflow) Resume(ctx context.Context, id string, authorities ...authority.Authority) (*Outcome, error) {
	rec, err := w.store.LoadPending(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending transaction %s: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrPendingNotFound, id)
	}
	workflow := rec.Workflow
	defer w.metrics.Track(workflow)()

	tx, err := types.RestorePendingTransaction(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to restore pending transaction %s: %w", id, err)
	}
	w.logger.Sugar().Infow("Resuming pending transaction",
		"id", id,
		"workflow", workflow,
		"state", tx.State(),
		"missingSigners", len(tx.MissingSigners()),
	)

	outcome := &Outcome{ID: id, Workflow: workflow, Attempts: 1}
	if tx.State() == types.TxStateFinalized {
		outcome.Result = &types.ConfirmationResult{TxID: tx.TxID(), State: tx.State()}
		return outcome, nil
	}
	if tx.State().IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", types.ErrTerminalTransaction, id, tx.State())
	}

	if !tx.IsFullySigned() {
		signed, err := w.collectSignatures(ctx, workflow, tx, authorities)
		if err != nil {
			return nil, err
		}
		if signed != tx {
			tx = signed
			if err := w.persist(workflow, tx, ""); err != nil {
				return nil, err
			}
		}
		if !tx.IsFullySigned() {
			return nil, fmt.Errorf("%w: %d missing for transaction %s", types.ErrIncompleteSignatures, len(tx.MissingSigners()), id)
		}
	}

	result, err := w.submit(ctx, workflow, tx)
	outcome.Result = result
	if !errors.Is(err, types.ErrExpiredTransaction) || w.config.MaxAssemblyAttempts < 2 || !covers(tx, authorities) {
		return outcome, err
	}

	w.logger.Sugar().Infow("Pending transaction expired, assembling again", "id", id, "workflow", workflow)
	w.metrics.RecordReassembly(workflow)
	again, err := w.runAttempts(ctx, workflow, [][]types.Instruction{tx.Instructions()}, tx.FeePayer(), authorities, w.config.MaxAssemblyAttempts-1)
	if again != nil {
		again.Attempts++
	}
	return again, err
}

// ListPending returns persisted transactions that have not reached a
// terminal state.
func (w *Workflow) ListPending() ([]*types.PendingRecord, error) {
	records, err := w.store.ListPending()
	if err != nil {
		return nil, err
	}
	open := make([]*types.PendingRecord, 0, len(records))
	for _, rec := range records {
		if !rec.State.IsTerminal() {
			open = append(open, rec)
		}
	}
	return open, nil
}

func (w *Workflow) run(ctx context.Context, workflow string, lists [][]types.Instruction, feePayer solana.PublicKey, authorities []authority.Authority) (*Outcome, error) {
	return w.runAttempts(ctx, workflow, lists, feePayer, authorities, w.config.MaxAssemblyAttempts)
}

func (w *Workflow) runAttempts(
	ctx context.Context,
	workflow string,
	lists [][]types.Instruction,
	feePayer solana.PublicKey,
	authorities []authority.Authority,
	maxAttempts int,
) (*Outcome, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			w.metrics.RecordReassembly(workflow)
		}

		start := time.Now()
		tx, err := w.assembler.Assemble(ctx, lists, feePayer)
		w.metrics.ObserveStage(workflow, metrics.StageAssemble, start, err)
		if err != nil {
			return nil, err
		}
		if err := w.persist(workflow, tx, ""); err != nil {
			return nil, err
		}

		tx, err = w.collectSignatures(ctx, workflow, tx, authorities)
		if err != nil {
			return nil, err
		}
		if err := w.persist(workflow, tx, ""); err != nil {
			return nil, err
		}

		result, err := w.submit(ctx, workflow, tx)
		outcome := &Outcome{ID: tx.ID(), Workflow: workflow, Result: result, Attempts: attempt}
		if err == nil || !errors.Is(err, types.ErrExpiredTransaction) {
			return outcome, err
		}

		w.logger.Warn("Transaction expired before landing",
			zap.String("id", tx.ID()),
			zap.String("workflow", workflow),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", maxAttempts),
		)
		lastErr = err
		if attempt == maxAttempts {
			return outcome, err
		}
	}
	return nil, lastErr
}

func (w *Workflow) findAsset(ctx context.Context, workflow string, mint, owner solana.PublicKey) (types.AssetReference, error) {
	start := time.Now()
	asset, err := w.ledger.FindAsset(ctx, mint, owner)
	w.metrics.ObserveStage(workflow, metrics.StageFindAsset, start, err)
	if err != nil {
		return types.AssetReference{}, fmt.Errorf("failed to find asset %s: %w", mint, err)
	}
	return *asset, nil
}

// collectSignatures endorses tx with every authority whose slot is still
// empty, concurrently, then merges the artifacts in one place.
func (w *Workflow) collectSignatures(ctx context.Context, workflow string, tx *types.PendingTransaction, authorities []authority.Authority) (*types.PendingTransaction, error) {
	start := time.Now()
	artifacts := make([]*transactionSigner.SignatureArtifact, len(authorities))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range authorities {
		if a == nil {
			continue
		}
		if _, ok := tx.Signature(a.PublicKey()); ok {
			continue
		}
		i, a := i, a
		g.Go(func() error {
			artifact, err := w.signer.Endorse(gctx, tx, a)
			if err != nil {
				return err
			}
			artifacts[i] = artifact
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		w.metrics.ObserveStage(workflow, metrics.StageSign, start, err)
		return nil, err
	}

	collected := make([]*transactionSigner.SignatureArtifact, 0, len(artifacts))
	for _, a := range artifacts {
		if a != nil {
			collected = append(collected, a)
		}
	}
	if len(collected) == 0 {
		w.metrics.ObserveStage(workflow, metrics.StageSign, start, nil)
		return tx, nil
	}
	signed, err := w.signer.Merge(tx, collected...)
	w.metrics.ObserveStage(workflow, metrics.StageSign, start, err)
	return signed, err
}

// submit records the Submitted state before broadcasting so a crash after
// broadcast resumes by resubmitting the same bytes, never by rebuilding.
func (w *Workflow) submit(ctx context.Context, workflow string, tx *types.PendingTransaction) (*types.ConfirmationResult, error) {
	submitted, err := tx.WithState(types.TxStateSubmitted)
	if err != nil {
		return nil, err
	}
	if err := w.persist(workflow, submitted, ""); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := w.signer.Submit(ctx, submitted)
	w.metrics.ObserveStage(workflow, metrics.StageSubmit, start, err)

	if result != nil && result.State.IsTerminal() {
		w.metrics.RecordOutcome(workflow, result.State)
		final, stateErr := submitted.WithState(result.State)
		if stateErr != nil {
			return result, stateErr
		}
		if perr := w.persist(workflow, final, result.Reason); perr != nil {
			w.logger.Sugar().Errorw("Failed to persist transaction outcome",
				"id", tx.ID(),
				"state", result.State,
				"error", perr,
			)
			if err == nil {
				err = perr
			}
		}
	}
	if err != nil {
		return result, err
	}

	w.logger.Info("Submit: transaction finalized",
		zap.String("id", tx.ID()),
		zap.String("workflow", workflow),
		zap.String("txId", result.TxID.String()),
		zap.Uint64("slot", result.Slot),
	)
	return result, nil
}

func (w *Workflow) persist(workflow string, tx *types.PendingTransaction, reason string) error {
	start := time.Now()
	rec := tx.ToRecord(workflow)
	rec.Reason = reason
	err := w.store.SavePending(rec)
	w.metrics.ObserveStage(workflow, metrics.StagePersist, start, err)
	if err != nil {
		return fmt.Errorf("failed to persist pending transaction %s: %w", tx.ID(), err)
	}
	return nil
}

// covers reports whether authorities can sign for every required signer of tx.
func covers(tx *types.PendingTransaction, authorities []authority.Authority) bool {
	have := make(map[solana.PublicKey]bool, len(authorities))
	for _, a := range authorities {
		if a != nil {
			have[a.PublicKey()] = true
		}
	}
	for _, s := range tx.RequiredSigners() {
		if !have[s] {
			return false
		}
	}
	return true
}
