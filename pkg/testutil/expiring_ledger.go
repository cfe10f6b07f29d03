package testutil

import (
	"context"
	"sync"

	"github.com/Layr-Labs/asset-lock-go/pkg/ledger"
	"github.com/Layr-Labs/asset-lock-go/pkg/ledger/memory"
	"github.com/gagliardetto/solana-go"
)

// ExpiringLedger wraps a memory ledger and can let the validity window of
// the next broadcasts lapse before they reach it, as if the signing parties
// took too long.
type ExpiringLedger struct {
	*memory.Ledger

	mu         sync.Mutex
	expireNext int
}

var _ ledger.ILedgerClient = (*ExpiringLedger)(nil)

func NewExpiringLedger(l *memory.Ledger) *ExpiringLedger {
	return &ExpiringLedger{Ledger: l}
}

// ExpireNextBroadcasts advances the chain past every outstanding marker
// before each of the next n broadcasts.
func (e *ExpiringLedger) ExpireNextBroadcasts(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireNext = n
}

func (e *ExpiringLedger) Broadcast(ctx context.Context, raw []byte) (solana.Signature, error) {
	e.mu.Lock()
	expire := e.expireNext > 0
	if expire {
		e.expireNext--
	}
	e.mu.Unlock()

	if expire {
		e.AdvanceBlocks(memory.DefaultValidityWindow + 1)
	}
	return e.Ledger.Broadcast(ctx, raw)
}
