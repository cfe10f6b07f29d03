package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultRequestTimeout    = 10 * time.Second
	DefaultPollInterval      = 2 * time.Second
	DefaultRequestsPerSecond = 10
)

type SolanaLedgerConfig struct {
	RPCURL            string
	RequestsPerSecond float64
	Burst             int
	RequestTimeout    time.Duration
	PollInterval      time.Duration
	// Commitment used for blockhash and block height reads.
	Commitment types.FinalityLevel
}

// SolanaLedger is an ILedgerClient backed by a JSON-RPC node.
type SolanaLedger struct {
	client  *rpc.Client
	limiter *rate.Limiter
	config  SolanaLedgerConfig
	logger  *zap.Logger
}

var _ ILedgerClient = (*SolanaLedger)(nil)

func NewSolanaLedger(cfg SolanaLedgerConfig, logger *zap.Logger) (*SolanaLedger, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Commitment == "" {
		cfg.Commitment = types.FinalityConfirmed
	}
	if !cfg.Commitment.IsValid() {
		return nil, fmt.Errorf("unsupported commitment: %s", cfg.Commitment)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SolanaLedger{
		client:  rpc.New(cfg.RPCURL),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
		logger:  logger,
	}, nil
}

// call waits for the limiter and runs fn under the per request timeout.
func (l *SolanaLedger) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return mapRPCError(op, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, l.config.RequestTimeout)
	defer cancel()
	if err := fn(callCtx); err != nil {
		return mapRPCError(op, err)
	}
	return nil
}

func (l *SolanaLedger) commitment() rpc.CommitmentType {
	return rpc.CommitmentType(l.config.Commitment)
}

func (l *SolanaLedger) GetCurrentExpiryMarker(ctx context.Context) (types.ExpiryMarker, error) {
	var out *rpc.GetLatestBlockhashResult
	err := l.call(ctx, "getLatestBlockhash", func(ctx context.Context) error {
		var err error
		out, err = l.client.GetLatestBlockhash(ctx, l.commitment())
		return err
	})
	if err != nil {
		return types.ExpiryMarker{}, err
	}
	if out == nil || out.Value == nil {
		return types.ExpiryMarker{}, fmt.Errorf("empty getLatestBlockhash response")
	}
	return types.ExpiryMarker{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

func (l *SolanaLedger) Broadcast(ctx context.Context, raw []byte) (solana.Signature, error) {
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to decode transaction: %w", err)
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, types.ErrIncompleteSignatures
	}
	txID := tx.Signatures[0]

	var sent solana.Signature
	err = l.call(ctx, "sendTransaction", func(ctx context.Context) error {
		var err error
		sent, err = l.client.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
			PreflightCommitment: l.commitment(),
		})
		return err
	})
	if err != nil {
		if isAlreadyProcessed(err) {
			l.logger.Sugar().Debugw("Transaction already processed", "txId", txID.String())
			return txID, nil
		}
		var rpcErr *jsonrpc.RPCError
		if !types.IsRetryable(err) && !errors.Is(err, types.ErrExpiredTransaction) && errors.As(err, &rpcErr) {
			return solana.Signature{}, &types.ConfirmationFailedError{TxID: txID, Reason: errorMessage(err)}
		}
		return solana.Signature{}, err
	}
	if !sent.IsZero() && !sent.Equals(txID) {
		return solana.Signature{}, fmt.Errorf("node returned signature %s, expected %s", sent, txID)
	}
	return txID, nil
}

func (l *SolanaLedger) AwaitFinality(ctx context.Context, txID solana.Signature, marker types.ExpiryMarker, level types.FinalityLevel) (*types.ConfirmationResult, error) {
	if !level.IsValid() {
		return nil, fmt.Errorf("unsupported finality level: %s", level)
	}
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		status, err := l.signatureStatus(ctx, txID)
		if err != nil {
			return nil, err
		}
		if status != nil {
			if status.Err != nil {
				reason := fmt.Sprintf("%v", status.Err)
				return &types.ConfirmationResult{TxID: txID, State: types.TxStateRejected, Slot: status.Slot, Reason: reason},
					&types.ConfirmationFailedError{TxID: txID, Reason: reason}
			}
			observed := types.FinalityLevel(status.ConfirmationStatus)
			if level.SatisfiedBy(observed) {
				return &types.ConfirmationResult{TxID: txID, State: types.TxStateFinalized, Slot: status.Slot, Finality: observed}, nil
			}
		} else {
			height, err := l.blockHeight(ctx)
			if err != nil {
				return nil, err
			}
			if marker.ExpiredAt(height) {
				return &types.ConfirmationResult{TxID: txID, State: types.TxStateExpired, Reason: "expiry marker lapsed"},
					fmt.Errorf("%w: block height %d past %d", types.ErrExpiredTransaction, height, marker.LastValidBlockHeight)
			}
		}

		select {
		case <-ctx.Done():
			return nil, mapRPCError("awaitFinality", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *SolanaLedger) signatureStatus(ctx context.Context, txID solana.Signature) (*rpc.SignatureStatusesResult, error) {
	var out *rpc.GetSignatureStatusesResult
	err := l.call(ctx, "getSignatureStatuses", func(ctx context.Context) error {
		var err error
		out, err = l.client.GetSignatureStatuses(ctx, true, txID)
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

func (l *SolanaLedger) blockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := l.call(ctx, "getBlockHeight", func(ctx context.Context) error {
		var err error
		height, err = l.client.GetBlockHeight(ctx, l.commitment())
		return err
	})
	return height, err
}

func (l *SolanaLedger) FindAsset(ctx context.Context, mint, owner solana.PublicKey) (*types.AssetReference, error) {
	var info *rpc.GetAccountInfoResult
	err := l.call(ctx, "getAccountInfo", func(ctx context.Context) error {
		var err error
		info, err = l.client.GetAccountInfo(ctx, mint)
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, fmt.Errorf("%w: mint %s", types.ErrAssetNotFound, mint)
	}
	if err != nil {
		return nil, err
	}
	if !info.Value.Owner.Equals(solana.TokenProgramID) {
		return nil, fmt.Errorf("%w: %s is not owned by the token program", types.ErrAssetNotFound, mint)
	}

	var m token.Mint
	if err := bin.NewBinDecoder(info.GetBinary()).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode mint %s: %w", mint, err)
	}
	if !m.IsInitialized || m.Supply != 1 || m.Decimals != 0 {
		return nil, fmt.Errorf("%w: mint %s is not a single unit asset (supply %d, decimals %d)", types.ErrAssetNotFound, mint, m.Supply, m.Decimals)
	}

	ref, err := types.AssetReference{Mint: mint, Supply: m.Supply, Decimals: m.Decimals}.Refresh(owner, nil)
	if err != nil {
		return nil, err
	}

	var balance *rpc.GetTokenAccountBalanceResult
	err = l.call(ctx, "getTokenAccountBalance", func(ctx context.Context) error {
		var err error
		balance, err = l.client.GetTokenAccountBalance(ctx, ref.OwnerTokenAccount, l.commitment())
		return err
	})
	if err != nil {
		if types.IsRetryable(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: no token account %s for owner %s: %v", types.ErrAssetNotFound, ref.OwnerTokenAccount, owner, err)
	}
	if balance == nil || balance.Value == nil || balance.Value.Amount != "1" {
		return nil, fmt.Errorf("%w: owner %s does not hold %s", types.ErrAssetNotFound, owner, mint)
	}
	return &ref, nil
}

// mapRPCError folds transport failures into the workflow error taxonomy.
// A failure that got no JSON-RPC answer is a network timeout unless the
// gateway refused the client (4xx other than 429). Node errors keep their
// identity.
func mapRPCError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransientTransportError(err) {
		return fmt.Errorf("%w: %s: %v", types.ErrNetworkTimeout, op, err)
	}
	msg := errorMessage(err)
	if strings.Contains(strings.ToLower(msg), "blockhash not found") {
		return fmt.Errorf("%w: %s: %s", types.ErrExpiredTransaction, op, msg)
	}
	return fmt.Errorf("%s failed: %s: %w", op, msg, err)
}

func isTransientTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code == http.StatusTooManyRequests || httpErr.Code >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// a gateway answered with something other than a JSON-RPC envelope
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "could not decode body to rpc response") || strings.Contains(msg, "rpc response missing")
}

// errorMessage prefers the node supplied message over the spew formatted
// RPCError string.
func errorMessage(err error) string {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return fmt.Sprintf("code %d: %s", rpcErr.Code, rpcErr.Message)
	}
	return err.Error()
}

func isAlreadyProcessed(err error) bool {
	msg := strings.ToLower(errorMessage(err))
	return strings.Contains(msg, "already been processed") || strings.Contains(msg, "alreadyprocessed")
}
