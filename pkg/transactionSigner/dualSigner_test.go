package transactionSigner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/asset-lock-go/pkg/authority"
	"github.com/Layr-Labs/asset-lock-go/pkg/instructionBuilder"
	"github.com/Layr-Labs/asset-lock-go/pkg/ledger"
	"github.com/Layr-Labs/asset-lock-go/pkg/ledger/memory"
	"github.com/Layr-Labs/asset-lock-go/pkg/transactionAssembler"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRetry = ledger.RetryConfig{
	MaxAttempts:     3,
	InitialBackoff:  time.Millisecond,
	MaxBackoff:      2 * time.Millisecond,
	BackoffMultiple: 2.0,
}

type signerFixture struct {
	ledger   *memory.Ledger
	signer   *DualSigner
	owner    *authority.LocalAuthority
	delegate *authority.LocalAuthority
	asset    types.AssetReference
	pending  *types.PendingTransaction
}

func newSignerFixture(t *testing.T, withGrant bool) *signerFixture {
	t.Helper()
	ctx := context.Background()
	l := memory.NewLedger(nil)

	owner, err := authority.NewLocalAuthority(authority.RoleOwner, solana.NewWallet().PrivateKey)
	require.NoError(t, err)
	delegate, err := authority.NewLocalAuthority(authority.RoleDelegate, solana.NewWallet().PrivateKey)
	require.NoError(t, err)
	asset, err := l.MintAsset(owner.PublicKey())
	require.NoError(t, err)

	b := instructionBuilder.NewInstructionBuilder(nil)
	lists := [][]types.Instruction{}
	if withGrant {
		grant, err := b.BuildDelegationInstructions(asset, owner.PublicKey(), delegate.PublicKey(), 1)
		require.NoError(t, err)
		lists = append(lists, grant)
	}
	lock, err := b.BuildLockInstructions(asset, owner.PublicKey(), types.NewDelegateAuthority(delegate.PublicKey(), owner.PublicKey()))
	require.NoError(t, err)
	lists = append(lists, lock)

	pending, err := transactionAssembler.NewTransactionAssembler(l, nil).Assemble(ctx, lists, owner.PublicKey())
	require.NoError(t, err)

	signer, err := NewDualSigner(SignerConfig{Retry: testRetry}, l, nil)
	require.NoError(t, err)

	return &signerFixture{ledger: l, signer: signer, owner: owner, delegate: delegate, asset: asset, pending: pending}
}

func (f *signerFixture) fullySigned(t *testing.T) *types.PendingTransaction {
	t.Helper()
	ctx := context.Background()
	tx, err := f.signer.Sign(ctx, f.pending, f.owner)
	require.NoError(t, err)
	tx, err = f.signer.Sign(ctx, tx, f.delegate)
	require.NoError(t, err)
	return tx
}

func Test_DualSigner_Sign(t *testing.T) {
	ctx := context.Background()

	t.Run("Should reject a signer outside the message", func(t *testing.T) {
		f := newSignerFixture(t, true)
		stranger, err := authority.NewLocalAuthority("stranger", solana.NewWallet().PrivateKey)
		require.NoError(t, err)

		_, err = f.signer.Sign(ctx, f.pending, stranger)
		require.ErrorIs(t, err, types.ErrUnauthorizedSigner)
		_, err = f.signer.Endorse(ctx, f.pending, stranger)
		require.ErrorIs(t, err, types.ErrUnauthorizedSigner)
	})

	t.Run("Should keep one signature per signer", func(t *testing.T) {
		f := newSignerFixture(t, true)
		once, err := f.signer.Sign(ctx, f.pending, f.owner)
		require.NoError(t, err)
		twice, err := f.signer.Sign(ctx, once, f.owner)
		require.NoError(t, err)
		assert.Equal(t, 1, twice.SignatureCount())
		assert.Equal(t, types.TxStatePartiallySigned, twice.State())
	})

	t.Run("Should merge concurrently produced endorsements", func(t *testing.T) {
		f := newSignerFixture(t, true)
		artifacts := make([]*SignatureArtifact, 2)
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i, a := range []authority.Authority{f.owner, f.delegate} {
			wg.Add(1)
			go func(i int, a authority.Authority) {
				defer wg.Done()
				artifacts[i], errs[i] = f.signer.Endorse(ctx, f.pending, a)
			}(i, a)
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		merged, err := f.signer.Merge(f.pending, artifacts...)
		require.NoError(t, err)
		assert.True(t, merged.IsFullySigned())
		assert.Equal(t, 0, f.pending.SignatureCount())

		again, err := f.signer.Merge(merged, artifacts[0])
		require.NoError(t, err)
		assert.Equal(t, 2, again.SignatureCount())
	})

	t.Run("Should refuse artifacts from another transaction", func(t *testing.T) {
		f := newSignerFixture(t, true)
		other := newSignerFixture(t, true)
		artifact, err := other.signer.Endorse(ctx, other.pending, other.owner)
		require.NoError(t, err)
		_, err = f.signer.Merge(f.pending, artifact)
		require.Error(t, err)
	})
}

func Test_DualSigner_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("Should fail locally on missing signatures", func(t *testing.T) {
		f := newSignerFixture(t, true)
		before := f.ledger.TotalCalls()
		partial, err := f.signer.Sign(ctx, f.pending, f.owner)
		require.NoError(t, err)

		_, err = f.signer.Submit(ctx, partial)
		require.ErrorIs(t, err, types.ErrIncompleteSignatures)
		assert.Equal(t, before, f.ledger.TotalCalls())
	})

	t.Run("Should finalize and remember the outcome", func(t *testing.T) {
		f := newSignerFixture(t, true)
		tx := f.fullySigned(t)

		result, err := f.signer.Submit(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, types.TxStateFinalized, result.State)
		assert.Equal(t, tx.TxID(), result.TxID)

		acct, ok := f.ledger.TokenAccount(f.asset.OwnerTokenAccount)
		require.True(t, ok)
		assert.True(t, acct.Locked)

		calls := f.ledger.TotalCalls()
		again, err := f.signer.Submit(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, result, again)
		assert.Equal(t, calls, f.ledger.TotalCalls())
		assert.Equal(t, 1, f.ledger.Executions(tx.TxID()))
	})

	t.Run("Should resend identical bytes after a lost response", func(t *testing.T) {
		f := newSignerFixture(t, true)
		tx := f.fullySigned(t)
		f.ledger.DropBroadcastResponses(1)

		result, err := f.signer.Submit(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, types.TxStateFinalized, result.State)

		payloads := f.ledger.BroadcastPayloads()
		require.Len(t, payloads, 2)
		assert.Equal(t, payloads[0], payloads[1])
		assert.Equal(t, 1, f.ledger.Executions(tx.TxID()))
	})

	t.Run("Should allow resubmission after retries are exhausted", func(t *testing.T) {
		f := newSignerFixture(t, true)
		tx := f.fullySigned(t)
		f.ledger.FailNext(memory.OpBroadcast, testRetry.MaxAttempts)

		_, err := f.signer.Submit(ctx, tx)
		require.ErrorIs(t, err, types.ErrNetworkTimeout)

		result, err := f.signer.Submit(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, types.TxStateFinalized, result.State)
		assert.Equal(t, 1, f.ledger.Executions(tx.TxID()))
	})

	t.Run("Should report expiry and refuse resubmission", func(t *testing.T) {
		f := newSignerFixture(t, true)
		tx := f.fullySigned(t)
		f.ledger.AdvanceBlocks(memory.DefaultValidityWindow + 1)

		result, err := f.signer.Submit(ctx, tx)
		require.ErrorIs(t, err, types.ErrExpiredTransaction)
		require.NotNil(t, result)
		assert.Equal(t, types.TxStateExpired, result.State)
		assert.Equal(t, 0, f.ledger.Executions(tx.TxID()))

		_, err = f.signer.Submit(ctx, tx)
		require.ErrorIs(t, err, types.ErrTerminalTransaction)
	})

	t.Run("Should surface rejection reasons", func(t *testing.T) {
		f := newSignerFixture(t, false)
		tx := f.fullySigned(t)

		result, err := f.signer.Submit(ctx, tx)
		require.ErrorIs(t, err, types.ErrConfirmationFailed)
		require.NotNil(t, result)
		assert.Equal(t, types.TxStateRejected, result.State)
		assert.Contains(t, result.Reason, "not the token delegate")

		_, err = f.signer.Submit(ctx, tx)
		require.ErrorIs(t, err, types.ErrTerminalTransaction)
	})

	t.Run("Should resend after a gateway outage instead of recording a rejection", func(t *testing.T) {
		f := newSignerFixture(t, true)
		tx := f.fullySigned(t)
		node := &outageNode{txID: tx.TxID(), outages: 1}
		signer := newNodeSigner(t, node, testRetry)

		result, err := signer.Submit(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, types.TxStateFinalized, result.State)
		assert.Equal(t, 2, node.sends())
	})

	t.Run("Should leave a transaction resubmittable when the outage outlasts the retries", func(t *testing.T) {
		f := newSignerFixture(t, true)
		tx := f.fullySigned(t)
		node := &outageNode{txID: tx.TxID(), outages: testRetry.MaxAttempts}
		signer := newNodeSigner(t, node, testRetry)

		result, err := signer.Submit(ctx, tx)
		require.ErrorIs(t, err, types.ErrNetworkTimeout)
		assert.False(t, errors.Is(err, types.ErrConfirmationFailed))
		assert.Nil(t, result)

		result, err = signer.Submit(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, types.TxStateFinalized, result.State)
		assert.Equal(t, testRetry.MaxAttempts+1, node.sends())
	})

	t.Run("Should refuse restored terminal transactions", func(t *testing.T) {
		f := newSignerFixture(t, true)
		tx := f.fullySigned(t)
		submitted, err := tx.WithState(types.TxStateSubmitted)
		require.NoError(t, err)
		expired, err := submitted.WithState(types.TxStateExpired)
		require.NoError(t, err)

		_, err = f.signer.Submit(ctx, expired)
		require.ErrorIs(t, err, types.ErrTerminalTransaction)
		assert.Equal(t, 0, f.ledger.Calls(memory.OpBroadcast))
	})
}

func Test_NewTransactionSigner(t *testing.T) {
	t.Run("Should reject unknown finality levels", func(t *testing.T) {
		_, err := NewTransactionSigner(&SignerConfig{Finality: "eventually"}, memory.NewLedger(nil), nil)
		require.Error(t, err)
	})

	t.Run("Should require a ledger", func(t *testing.T) {
		_, err := NewTransactionSigner(nil, nil, nil)
		require.Error(t, err)
	})
}

// outageNode is a JSON-RPC node that answers the first sends with HTTP 503.
type outageNode struct {
	mu      sync.Mutex
	txID    solana.Signature
	outages int
	sent    int
}

func (n *outageNode) sends() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

func (n *outageNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	var result interface{}
	switch req.Method {
	case "sendTransaction":
		n.sent++
		if n.sent <= n.outages {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		result = n.txID.String()
	case "getSignatureStatuses":
		result = map[string]interface{}{
			"context": map[string]interface{}{"slot": 12},
			"value": []interface{}{
				map[string]interface{}{"slot": 12, "confirmations": nil, "err": nil, "confirmationStatus": "finalized"},
			},
		}
	case "getBlockHeight":
		result = 1
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func newNodeSigner(t *testing.T, node http.Handler, retry ledger.RetryConfig) *DualSigner {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	l, err := ledger.NewSolanaLedger(ledger.SolanaLedgerConfig{
		RPCURL:            srv.URL,
		RequestsPerSecond: 1000,
		Burst:             10,
		PollInterval:      5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	signer, err := NewDualSigner(SignerConfig{Retry: retry}, l, nil)
	require.NoError(t, err)
	return signer
}
