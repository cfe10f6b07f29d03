package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/Layr-Labs/asset-lock-go/pkg/authority"
	"github.com/Layr-Labs/asset-lock-go/pkg/ledger"
	"github.com/Layr-Labs/asset-lock-go/pkg/ledger/memory"
	"github.com/Layr-Labs/asset-lock-go/pkg/metrics"
	"github.com/Layr-Labs/asset-lock-go/pkg/persistence"
	persistenceMemory "github.com/Layr-Labs/asset-lock-go/pkg/persistence/memory"
	"github.com/Layr-Labs/asset-lock-go/pkg/testutil"
	"github.com/Layr-Labs/asset-lock-go/pkg/transactionSigner"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRetry = ledger.RetryConfig{
	MaxAttempts:     3,
	InitialBackoff:  time.Millisecond,
	MaxBackoff:      2 * time.Millisecond,
	BackoffMultiple: 2.0,
}

type workflowFixture struct {
	*testutil.AssetFixture
	store    *persistenceMemory.MemoryPersistence
	signer   *transactionSigner.DualSigner
	workflow *Workflow
}

func newWorkflowFixture(t *testing.T, cfg Config) *workflowFixture {
	t.Helper()
	af := testutil.NewAssetFixture(t)
	store := persistenceMemory.NewMemoryPersistence()
	t.Cleanup(func() { _ = store.Close() })

	signer, err := transactionSigner.NewDualSigner(transactionSigner.SignerConfig{Retry: testRetry}, af.Ledger, nil)
	require.NoError(t, err)

	w, err := NewWorkflow(cfg, af.Ledger, signer, store, metrics.NewMetrics(prometheus.NewRegistry(), nil), testutil.NewTestLogger(t))
	require.NoError(t, err)

	return &workflowFixture{AssetFixture: af, store: store, signer: signer, workflow: w}
}

func (f *workflowFixture) lockRequest() LockRequest {
	return LockRequest{Mint: f.Asset.Mint, Owner: f.Owner, Delegate: f.Delegate, Amount: 1}
}

func (f *workflowFixture) releaseRequest() ReleaseRequest {
	return ReleaseRequest{Mint: f.Asset.Mint, Owner: f.Owner, Delegate: f.Delegate}
}

// persistPartial stores a lock transaction signed by the given authorities
// only, as an interrupted run would leave it.
func (f *workflowFixture) persistPartial(t *testing.T, signers ...authority.Authority) *types.PendingTransaction {
	t.Helper()
	ctx := context.Background()
	grant, err := f.workflow.builder.BuildDelegationInstructions(f.Asset, f.Owner.PublicKey(), f.Delegate.PublicKey(), 1)
	require.NoError(t, err)
	lock, err := f.workflow.builder.BuildLockInstructions(f.Asset, f.Owner.PublicKey(), types.NewDelegateAuthority(f.Delegate.PublicKey(), f.Owner.PublicKey()))
	require.NoError(t, err)

	tx, err := f.workflow.assembler.Assemble(ctx, [][]types.Instruction{grant, lock}, f.Owner.PublicKey())
	require.NoError(t, err)
	for _, s := range signers {
		tx, err = f.signer.Sign(ctx, tx, s)
		require.NoError(t, err)
	}
	require.NoError(t, f.store.SavePending(tx.ToRecord(persistence.WorkflowLock)))
	return tx
}

func (f *workflowFixture) record(t *testing.T, id string) *types.PendingRecord {
	t.Helper()
	rec, err := f.store.LoadPending(id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func Test_NewWorkflow(t *testing.T) {
	af := testutil.NewAssetFixture(t)
	signer, err := transactionSigner.NewDualSigner(transactionSigner.SignerConfig{}, af.Ledger, nil)
	require.NoError(t, err)
	store := persistenceMemory.NewMemoryPersistence()

	_, err = NewWorkflow(Config{}, nil, signer, store, nil, nil)
	require.Error(t, err)
	_, err = NewWorkflow(Config{}, af.Ledger, nil, store, nil, nil)
	require.Error(t, err)
	_, err = NewWorkflow(Config{}, af.Ledger, signer, nil, nil, nil)
	require.Error(t, err)

	w, err := NewWorkflow(Config{}, af.Ledger, signer, store, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAssemblyAttempts, w.config.MaxAssemblyAttempts)
}

func Test_Lock(t *testing.T) {
	ctx := context.Background()

	t.Run("Should delegate and lock in one finalized transaction", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		outcome, err := f.workflow.Lock(ctx, f.lockRequest())
		require.NoError(t, err)

		require.NotNil(t, outcome.Result)
		assert.Equal(t, types.TxStateFinalized, outcome.Result.State)
		assert.Equal(t, 1, outcome.Attempts)
		assert.Equal(t, persistence.WorkflowLock, outcome.Workflow)
		assert.Equal(t, f.Asset.OwnerTokenAccount, outcome.Asset.OwnerTokenAccount)
		assert.Equal(t, 1, f.Ledger.Executions(outcome.Result.TxID))

		acct := f.TokenAccount(t)
		assert.True(t, acct.Locked)
		assert.Equal(t, f.Delegate.PublicKey(), acct.Delegate)
		assert.Equal(t, uint64(1), acct.DelegatedAmount)

		rec := f.record(t, outcome.ID)
		assert.Equal(t, types.TxStateFinalized, rec.State)
		assert.Equal(t, outcome.Result.TxID.String(), rec.TxID)
		assert.Len(t, rec.Signatures, 2)
	})

	t.Run("Should refuse an amount above the supply without touching the ledger", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		req := f.lockRequest()
		req.Amount = 2

		_, err := f.workflow.Lock(ctx, req)
		require.ErrorIs(t, err, types.ErrInvalidDelegationAmount)
		assert.Equal(t, 0, f.Ledger.Calls(memory.OpBroadcast))
		assert.Equal(t, 0, f.Ledger.Calls(memory.OpExpiryMarker))

		records, err := f.store.ListPending()
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("Should fail for an unknown asset", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		req := f.lockRequest()
		req.Mint = solana.NewWallet().PublicKey()

		_, err := f.workflow.Lock(ctx, req)
		require.ErrorIs(t, err, types.ErrAssetNotFound)
	})

	t.Run("Should require both authorities", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		req := f.lockRequest()
		req.Delegate = nil
		_, err := f.workflow.Lock(ctx, req)
		require.Error(t, err)
	})

	t.Run("Should reassemble after the marker lapses", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		f.Ledger.ExpireNextBroadcasts(1)

		outcome, err := f.workflow.Lock(ctx, f.lockRequest())
		require.NoError(t, err)
		assert.Equal(t, 2, outcome.Attempts)
		assert.Equal(t, types.TxStateFinalized, outcome.Result.State)
		assert.Equal(t, 2, f.Ledger.Calls(memory.OpExpiryMarker))
		assert.True(t, f.TokenAccount(t).Locked)

		records, err := f.store.ListPending()
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, types.TxStateExpired, records[0].State)
		assert.Equal(t, types.TxStateFinalized, records[1].State)
		assert.NotEqual(t, records[0].Marker, records[1].Marker)
	})

	t.Run("Should give up after the configured assembly attempts", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{MaxAssemblyAttempts: 2})
		f.Ledger.ExpireNextBroadcasts(2)

		outcome, err := f.workflow.Lock(ctx, f.lockRequest())
		require.ErrorIs(t, err, types.ErrExpiredTransaction)
		require.NotNil(t, outcome)
		assert.Equal(t, 2, outcome.Attempts)
		assert.Equal(t, types.TxStateExpired, outcome.Result.State)
		assert.False(t, f.TokenAccount(t).Locked)
	})

	t.Run("Should leave a submitted record when the outcome is unknown", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		f.Ledger.DropBroadcastResponses(testRetry.MaxAttempts)

		outcome, err := f.workflow.Lock(ctx, f.lockRequest())
		require.ErrorIs(t, err, types.ErrNetworkTimeout)
		require.NotNil(t, outcome)
		assert.Equal(t, types.TxStateSubmitted, f.record(t, outcome.ID).State)

		open, err := f.workflow.ListPending()
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, outcome.ID, open[0].ID)
	})
}

func Test_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("Should unlock and revoke a locked asset", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		_, err := f.workflow.Lock(ctx, f.lockRequest())
		require.NoError(t, err)

		outcome, err := f.workflow.Release(ctx, f.releaseRequest())
		require.NoError(t, err)
		assert.Equal(t, types.TxStateFinalized, outcome.Result.State)
		assert.Equal(t, persistence.WorkflowRelease, f.record(t, outcome.ID).Workflow)

		acct := f.TokenAccount(t)
		assert.False(t, acct.Locked)
		assert.True(t, acct.Delegate.IsZero())
		assert.Equal(t, uint64(0), acct.DelegatedAmount)
	})

	t.Run("Should report the rejection of an unlocked asset", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		outcome, err := f.workflow.Release(ctx, f.releaseRequest())
		require.ErrorIs(t, err, types.ErrConfirmationFailed)
		require.NotNil(t, outcome)
		assert.Equal(t, types.TxStateRejected, outcome.Result.State)

		rec := f.record(t, outcome.ID)
		assert.Equal(t, types.TxStateRejected, rec.State)
		assert.NotEmpty(t, rec.Reason)
	})
}

func Test_Resume(t *testing.T) {
	ctx := context.Background()

	t.Run("Should collect the missing signature and submit", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		tx := f.persistPartial(t, f.Owner)
		assert.Equal(t, types.TxStatePartiallySigned, f.record(t, tx.ID()).State)

		outcome, err := f.workflow.Resume(ctx, tx.ID(), f.Delegate)
		require.NoError(t, err)
		assert.Equal(t, types.TxStateFinalized, outcome.Result.State)
		assert.Equal(t, tx.TxID(), outcome.Result.TxID)
		assert.True(t, f.TokenAccount(t).Locked)
		assert.Equal(t, types.TxStateFinalized, f.record(t, tx.ID()).State)
	})

	t.Run("Should keep partial progress when a signer is missing", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		tx := f.persistPartial(t)

		_, err := f.workflow.Resume(ctx, tx.ID(), f.Owner)
		require.ErrorIs(t, err, types.ErrIncompleteSignatures)
		assert.Equal(t, 0, f.Ledger.Calls(memory.OpBroadcast))

		rec := f.record(t, tx.ID())
		assert.Equal(t, types.TxStatePartiallySigned, rec.State)
		assert.Contains(t, rec.Signatures, f.Owner.PublicKey().String())
	})

	t.Run("Should refuse authorities outside the transaction", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		tx := f.persistPartial(t, f.Owner)

		_, err := f.workflow.Resume(ctx, tx.ID(), testutil.NewTestAuthority(t, "stranger"))
		require.ErrorIs(t, err, types.ErrUnauthorizedSigner)
	})

	t.Run("Should resubmit identical bytes after an unknown outcome", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		f.Ledger.DropBroadcastResponses(testRetry.MaxAttempts)
		interrupted, err := f.workflow.Lock(ctx, f.lockRequest())
		require.ErrorIs(t, err, types.ErrNetworkTimeout)

		outcome, err := f.workflow.Resume(ctx, interrupted.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TxStateFinalized, outcome.Result.State)
		assert.Equal(t, 1, f.Ledger.Executions(outcome.Result.TxID))

		payloads := f.Ledger.BroadcastPayloads()
		for _, p := range payloads[1:] {
			assert.Equal(t, payloads[0], p)
		}
	})

	t.Run("Should assemble again when the stored marker lapsed", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		tx := f.persistPartial(t, f.Owner, f.Delegate)
		f.Ledger.AdvanceBlocks(memory.DefaultValidityWindow + 1)

		outcome, err := f.workflow.Resume(ctx, tx.ID(), f.Owner, f.Delegate)
		require.NoError(t, err)
		assert.Equal(t, 2, outcome.Attempts)
		assert.NotEqual(t, tx.ID(), outcome.ID)
		assert.Equal(t, types.TxStateFinalized, outcome.Result.State)
		assert.Equal(t, types.TxStateExpired, f.record(t, tx.ID()).State)
		assert.True(t, f.TokenAccount(t).Locked)
	})

	t.Run("Should report expiry when it cannot sign again", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		tx := f.persistPartial(t, f.Owner, f.Delegate)
		f.Ledger.AdvanceBlocks(memory.DefaultValidityWindow + 1)

		_, err := f.workflow.Resume(ctx, tx.ID())
		require.ErrorIs(t, err, types.ErrExpiredTransaction)

		_, err = f.workflow.Resume(ctx, tx.ID(), f.Owner, f.Delegate)
		require.ErrorIs(t, err, types.ErrTerminalTransaction)
	})

	t.Run("Should return a finalized outcome without touching the ledger", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		locked, err := f.workflow.Lock(ctx, f.lockRequest())
		require.NoError(t, err)
		calls := f.Ledger.TotalCalls()

		outcome, err := f.workflow.Resume(ctx, locked.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TxStateFinalized, outcome.Result.State)
		assert.Equal(t, locked.Result.TxID, outcome.Result.TxID)
		assert.Equal(t, calls, f.Ledger.TotalCalls())

		open, err := f.workflow.ListPending()
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("Should fail for an unknown id", func(t *testing.T) {
		f := newWorkflowFixture(t, Config{})
		_, err := f.workflow.Resume(ctx, "missing")
		require.ErrorIs(t, err, ErrPendingNotFound)
	})
}
