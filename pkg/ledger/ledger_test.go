package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryConfig{
	MaxAttempts:     3,
	InitialBackoff:  time.Millisecond,
	MaxBackoff:      2 * time.Millisecond,
	BackoffMultiple: 2.0,
}

func Test_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("Should retry network timeouts until success", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, fastRetry, func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return types.ErrNetworkTimeout
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("Should give up after max attempts", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, fastRetry, func(ctx context.Context) error {
			attempts++
			return fmt.Errorf("%w: slow node", types.ErrNetworkTimeout)
		})
		require.ErrorIs(t, err, types.ErrNetworkTimeout)
		assert.Equal(t, fastRetry.MaxAttempts, attempts)
	})

	t.Run("Should not retry other errors", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, fastRetry, func(ctx context.Context) error {
			attempts++
			return types.ErrExpiredTransaction
		})
		require.ErrorIs(t, err, types.ErrExpiredTransaction)
		assert.Equal(t, 1, attempts)
	})
}

type countingLedger struct {
	failures   int
	broadcasts int
	markers    int
}

func (c *countingLedger) GetCurrentExpiryMarker(ctx context.Context) (types.ExpiryMarker, error) {
	c.markers++
	if c.markers <= c.failures {
		return types.ExpiryMarker{}, types.ErrNetworkTimeout
	}
	return types.ExpiryMarker{LastValidBlockHeight: 10}, nil
}

func (c *countingLedger) Broadcast(ctx context.Context, raw []byte) (solana.Signature, error) {
	c.broadcasts++
	return solana.Signature{}, types.ErrNetworkTimeout
}

func (c *countingLedger) AwaitFinality(ctx context.Context, txID solana.Signature, marker types.ExpiryMarker, level types.FinalityLevel) (*types.ConfirmationResult, error) {
	return &types.ConfirmationResult{TxID: txID, State: types.TxStateFinalized}, nil
}

func (c *countingLedger) FindAsset(ctx context.Context, mint, owner solana.PublicKey) (*types.AssetReference, error) {
	return nil, types.ErrAssetNotFound
}

func Test_RetryingLedger(t *testing.T) {
	ctx := context.Background()

	t.Run("Should retry read only calls", func(t *testing.T) {
		inner := &countingLedger{failures: 2}
		l := NewRetryingLedger(inner, fastRetry, nil)
		marker, err := l.GetCurrentExpiryMarker(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), marker.LastValidBlockHeight)
		assert.Equal(t, 3, inner.markers)
	})

	t.Run("Should pass broadcast through without retrying", func(t *testing.T) {
		inner := &countingLedger{}
		l := NewRetryingLedger(inner, fastRetry, nil)
		_, err := l.Broadcast(ctx, []byte{1})
		require.ErrorIs(t, err, types.ErrNetworkTimeout)
		assert.Equal(t, 1, inner.broadcasts)
	})

	t.Run("Should not retry asset lookups that fail definitively", func(t *testing.T) {
		l := NewRetryingLedger(&countingLedger{}, fastRetry, nil)
		_, err := l.FindAsset(ctx, solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey())
		require.ErrorIs(t, err, types.ErrAssetNotFound)
	})
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// fakeNode answers JSON-RPC calls from a method table.
type fakeNode struct {
	mu      sync.Mutex
	results map[string]interface{}
	errors  map[string]map[string]interface{}
	calls   map[string]int
	// outages answers the next n calls of a method with a bare HTTP status
	outages map[string]outage
}

type outage struct {
	status    int
	body      string
	remaining int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		results: make(map[string]interface{}),
		errors:  make(map[string]map[string]interface{}),
		calls:   make(map[string]int),
		outages: make(map[string]outage),
	}
}

func (n *fakeNode) failNext(method string, status int, body string, times int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outages[method] = outage{status: status, body: body, remaining: times}
}

func (n *fakeNode) callCount(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.calls[req.Method]++
	if o, ok := n.outages[req.Method]; ok && o.remaining > 0 {
		o.remaining--
		n.outages[req.Method] = o
		n.mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(o.status)
		_, _ = w.Write([]byte(o.body))
		return
	}
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if e, ok := n.errors[req.Method]; ok {
		resp["error"] = e
	} else {
		resp["result"] = n.results[req.Method]
	}
	n.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestLedger(t *testing.T, node *fakeNode) *SolanaLedger {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	l, err := NewSolanaLedger(SolanaLedgerConfig{
		RPCURL:            srv.URL,
		RequestsPerSecond: 1000,
		Burst:             10,
		PollInterval:      5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return l
}

func signedPayload(t *testing.T) ([]byte, solana.Signature) {
	t.Helper()
	payer := solana.NewWallet().PrivateKey
	tx, err := solana.NewTransaction(
		[]solana.Instruction{solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{solana.Meta(payer.PublicKey()).SIGNER()}, []byte("x"))},
		solana.Hash(solana.NewWallet().PublicKey()),
		solana.TransactionPayer(payer.PublicKey()),
	)
	require.NoError(t, err)
	sigs, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey { return &payer })
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw, sigs[0]
}

func Test_SolanaLedger(t *testing.T) {
	ctx := context.Background()

	t.Run("Should read the expiry marker", func(t *testing.T) {
		node := newFakeNode()
		hash := solana.Hash(solana.NewWallet().PublicKey())
		node.results["getLatestBlockhash"] = map[string]interface{}{
			"context": map[string]interface{}{"slot": 7},
			"value":   map[string]interface{}{"blockhash": hash.String(), "lastValidBlockHeight": 321},
		}
		marker, err := newTestLedger(t, node).GetCurrentExpiryMarker(ctx)
		require.NoError(t, err)
		assert.Equal(t, hash, marker.Blockhash)
		assert.Equal(t, uint64(321), marker.LastValidBlockHeight)
	})

	t.Run("Should treat an already processed broadcast as success", func(t *testing.T) {
		node := newFakeNode()
		node.errors["sendTransaction"] = map[string]interface{}{
			"code":    -32002,
			"message": "Transaction simulation failed: This transaction has already been processed",
		}
		raw, sig := signedPayload(t)
		got, err := newTestLedger(t, node).Broadcast(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, sig, got)
	})

	t.Run("Should map an unknown blockhash to expiry", func(t *testing.T) {
		node := newFakeNode()
		node.errors["sendTransaction"] = map[string]interface{}{
			"code":    -32002,
			"message": "Transaction simulation failed: Blockhash not found",
		}
		raw, _ := signedPayload(t)
		_, err := newTestLedger(t, node).Broadcast(ctx, raw)
		require.ErrorIs(t, err, types.ErrExpiredTransaction)
	})

	t.Run("Should report finality once the level is reached", func(t *testing.T) {
		node := newFakeNode()
		node.results["getSignatureStatuses"] = map[string]interface{}{
			"context": map[string]interface{}{"slot": 9},
			"value": []interface{}{
				map[string]interface{}{"slot": 9, "confirmations": nil, "err": nil, "confirmationStatus": "finalized"},
			},
		}
		_, sig := signedPayload(t)
		res, err := newTestLedger(t, node).AwaitFinality(ctx, sig, types.ExpiryMarker{LastValidBlockHeight: 100}, types.FinalityFinalized)
		require.NoError(t, err)
		assert.Equal(t, types.TxStateFinalized, res.State)
		assert.Equal(t, uint64(9), res.Slot)
	})

	t.Run("Should surface ledger rejections", func(t *testing.T) {
		node := newFakeNode()
		node.results["getSignatureStatuses"] = map[string]interface{}{
			"context": map[string]interface{}{"slot": 9},
			"value": []interface{}{
				map[string]interface{}{"slot": 9, "err": map[string]interface{}{"InstructionError": []interface{}{1, "InvalidAccountData"}}, "confirmationStatus": "finalized"},
			},
		}
		_, sig := signedPayload(t)
		res, err := newTestLedger(t, node).AwaitFinality(ctx, sig, types.ExpiryMarker{LastValidBlockHeight: 100}, types.FinalityFinalized)
		require.ErrorIs(t, err, types.ErrConfirmationFailed)
		var cfe *types.ConfirmationFailedError
		require.True(t, errors.As(err, &cfe))
		assert.Contains(t, cfe.Reason, "InvalidAccountData")
		assert.Equal(t, types.TxStateRejected, res.State)
	})

	t.Run("Should report expiry when the transaction never lands", func(t *testing.T) {
		node := newFakeNode()
		node.results["getSignatureStatuses"] = map[string]interface{}{
			"context": map[string]interface{}{"slot": 9},
			"value":   []interface{}{nil},
		}
		node.results["getBlockHeight"] = 500
		_, sig := signedPayload(t)
		res, err := newTestLedger(t, node).AwaitFinality(ctx, sig, types.ExpiryMarker{LastValidBlockHeight: 100}, types.FinalityFinalized)
		require.ErrorIs(t, err, types.ErrExpiredTransaction)
		assert.Equal(t, types.TxStateExpired, res.State)
	})

	t.Run("Should time out when the context ends while waiting", func(t *testing.T) {
		node := newFakeNode()
		node.results["getSignatureStatuses"] = map[string]interface{}{
			"context": map[string]interface{}{"slot": 9},
			"value":   []interface{}{nil},
		}
		node.results["getBlockHeight"] = 5
		_, sig := signedPayload(t)
		cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err := newTestLedger(t, node).AwaitFinality(cctx, sig, types.ExpiryMarker{LastValidBlockHeight: 100}, types.FinalityFinalized)
		require.ErrorIs(t, err, types.ErrNetworkTimeout)
	})

	t.Run("Should map a gateway outage to a network timeout", func(t *testing.T) {
		node := newFakeNode()
		node.failNext("sendTransaction", http.StatusServiceUnavailable, "<html>upstream unavailable</html>", 1)
		raw, _ := signedPayload(t)
		_, err := newTestLedger(t, node).Broadcast(ctx, raw)
		require.ErrorIs(t, err, types.ErrNetworkTimeout)
		assert.False(t, errors.Is(err, types.ErrConfirmationFailed))
	})

	t.Run("Should map rate limiting to a network timeout", func(t *testing.T) {
		node := newFakeNode()
		node.failNext("getLatestBlockhash", http.StatusTooManyRequests, "slow down", 1)
		_, err := newTestLedger(t, node).GetCurrentExpiryMarker(ctx)
		require.ErrorIs(t, err, types.ErrNetworkTimeout)
	})

	t.Run("Should map an undecodable success body to a network timeout", func(t *testing.T) {
		node := newFakeNode()
		node.failNext("getBlockHeight", http.StatusOK, "<html>maintenance</html>", 1)
		_, err := newTestLedger(t, node).blockHeight(ctx)
		require.ErrorIs(t, err, types.ErrNetworkTimeout)
	})

	t.Run("Should map a refused connection to a network timeout", func(t *testing.T) {
		srv := httptest.NewServer(newFakeNode())
		url := srv.URL
		srv.Close()
		l, err := NewSolanaLedger(SolanaLedgerConfig{RPCURL: url, RequestsPerSecond: 1000, Burst: 10}, nil)
		require.NoError(t, err)
		raw, _ := signedPayload(t)
		_, err = l.Broadcast(ctx, raw)
		require.ErrorIs(t, err, types.ErrNetworkTimeout)
	})

	t.Run("Should keep client errors out of the network timeout class", func(t *testing.T) {
		node := newFakeNode()
		node.failNext("getBlockHeight", http.StatusUnauthorized, "bad api key", 1)
		_, err := newTestLedger(t, node).blockHeight(ctx)
		require.Error(t, err)
		assert.False(t, types.IsRetryable(err))
	})

	t.Run("Should report preflight failures as ledger rejections", func(t *testing.T) {
		node := newFakeNode()
		node.errors["sendTransaction"] = map[string]interface{}{
			"code":    -32002,
			"message": "Transaction simulation failed: Error processing Instruction 1: invalid account data for instruction",
		}
		raw, sig := signedPayload(t)
		_, err := newTestLedger(t, node).Broadcast(ctx, raw)
		require.ErrorIs(t, err, types.ErrConfirmationFailed)
		var cfe *types.ConfirmationFailedError
		require.True(t, errors.As(err, &cfe))
		assert.Equal(t, sig, cfe.TxID)
		assert.Contains(t, cfe.Reason, "invalid account data")
	})

	t.Run("Should not report a missing asset when the balance read fails in transit", func(t *testing.T) {
		node := newFakeNode()
		node.results["getAccountInfo"] = mintAccount(t, token.Mint{Supply: 1, Decimals: 0, IsInitialized: true})
		node.failNext("getTokenAccountBalance", http.StatusServiceUnavailable, "unavailable", 1)
		_, err := newTestLedger(t, node).FindAsset(ctx, solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey())
		require.ErrorIs(t, err, types.ErrNetworkTimeout)
		assert.False(t, errors.Is(err, types.ErrAssetNotFound))
	})

	t.Run("Should recover once the gateway is back", func(t *testing.T) {
		node := newFakeNode()
		node.failNext("sendTransaction", http.StatusServiceUnavailable, "unavailable", 1)
		raw, sig := signedPayload(t)
		node.results["sendTransaction"] = sig.String()
		l := NewRetryingLedger(newTestLedger(t, node), fastRetry, nil)
		err := Retry(ctx, fastRetry, func(ctx context.Context) error {
			_, err := l.Broadcast(ctx, raw)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 2, node.callCount("sendTransaction"))
	})

	t.Run("Should reject missing mints", func(t *testing.T) {
		node := newFakeNode()
		node.results["getAccountInfo"] = map[string]interface{}{
			"context": map[string]interface{}{"slot": 9},
			"value":   nil,
		}
		_, err := newTestLedger(t, node).FindAsset(ctx, solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey())
		require.ErrorIs(t, err, types.ErrAssetNotFound)
	})
}

func mintAccount(t *testing.T, mint token.Mint) map[string]interface{} {
	t.Helper()
	buf := new(bytes.Buffer)
	require.NoError(t, bin.NewBinEncoder(buf).Encode(mint))
	return map[string]interface{}{
		"context": map[string]interface{}{"slot": 9},
		"value": map[string]interface{}{
			"data":       []interface{}{base64.StdEncoding.EncodeToString(buf.Bytes()), "base64"},
			"executable": false,
			"lamports":   1461600,
			"owner":      solana.TokenProgramID.String(),
			"rentEpoch":  0,
			"space":      buf.Len(),
		},
	}
}
