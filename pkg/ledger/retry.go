package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides default retry settings
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialBackoff:  100 * time.Millisecond,
	MaxBackoff:      5 * time.Second,
	BackoffMultiple: 2.0,
}

// Retry runs fn until it succeeds, returns a non retryable error, or
// MaxAttempts is exhausted. Only types.IsRetryable errors are retried.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	backoff := cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil || !types.IsRetryable(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", types.ErrNetworkTimeout, ctx.Err())
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * cfg.BackoffMultiple)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// RetryingLedger retries the read only calls of an ILedgerClient on network
// timeouts. Broadcast is passed through untouched; its caller owns that retry.
type RetryingLedger struct {
	inner  ILedgerClient
	config RetryConfig
	logger *zap.Logger
}

var _ ILedgerClient = (*RetryingLedger)(nil)

func NewRetryingLedger(inner ILedgerClient, config RetryConfig, logger *zap.Logger) *RetryingLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingLedger{inner: inner, config: config, logger: logger}
}

func (r *RetryingLedger) GetCurrentExpiryMarker(ctx context.Context) (types.ExpiryMarker, error) {
	var marker types.ExpiryMarker
	err := Retry(ctx, r.config, func(ctx context.Context) error {
		m, err := r.inner.GetCurrentExpiryMarker(ctx)
		if err != nil {
			r.logger.Sugar().Debugw("Expiry marker fetch failed", "error", err)
			return err
		}
		marker = m
		return nil
	})
	return marker, err
}

func (r *RetryingLedger) Broadcast(ctx context.Context, raw []byte) (solana.Signature, error) {
	return r.inner.Broadcast(ctx, raw)
}

func (r *RetryingLedger) AwaitFinality(ctx context.Context, txID solana.Signature, marker types.ExpiryMarker, level types.FinalityLevel) (*types.ConfirmationResult, error) {
	var result *types.ConfirmationResult
	err := Retry(ctx, r.config, func(ctx context.Context) error {
		res, err := r.inner.AwaitFinality(ctx, txID, marker, level)
		result = res
		if err != nil && types.IsRetryable(err) {
			r.logger.Sugar().Debugw("Finality poll failed", "txId", txID.String(), "error", err)
		}
		return err
	})
	return result, err
}

func (r *RetryingLedger) FindAsset(ctx context.Context, mint, owner solana.PublicKey) (*types.AssetReference, error) {
	var asset *types.AssetReference
	err := Retry(ctx, r.config, func(ctx context.Context) error {
		a, err := r.inner.FindAsset(ctx, mint, owner)
		asset = a
		return err
	})
	return asset, err
}
