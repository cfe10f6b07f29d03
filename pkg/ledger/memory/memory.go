package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Layr-Labs/asset-lock-go/pkg/ledger"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// DefaultValidityWindow is how many blocks a fresh expiry marker stays valid.
const DefaultValidityWindow uint64 = 150

// Op names a ledger call for failure injection and call counting.
type Op string

const (
	OpExpiryMarker  Op = "expiryMarker"
	OpBroadcast     Op = "broadcast"
	OpAwaitFinality Op = "awaitFinality"
	OpFindAsset     Op = "findAsset"
)

// TokenAccount is the simulated state of one token account.
type TokenAccount struct {
	Address         solana.PublicKey
	Mint            solana.PublicKey
	Owner           solana.PublicKey
	Amount          uint64
	Delegate        solana.PublicKey
	DelegatedAmount uint64
	Locked          bool
}

type mintAccount struct {
	supply   uint64
	decimals uint8
}

type landedTx struct {
	slot       uint64
	reason     string
	executions int
}

// Ledger is an in-memory ILedgerClient. Broadcast transactions execute
// immediately and are final at once.
type Ledger struct {
	mu sync.Mutex

	height uint64
	slot   uint64
	window uint64

	markers  map[solana.Hash]uint64
	mints    map[solana.PublicKey]mintAccount
	accounts map[solana.PublicKey]TokenAccount
	landed   map[solana.Signature]*landedTx

	failNext       map[Op]int
	dropResponses  int
	calls          map[Op]int
	broadcastBytes [][]byte

	logger *zap.Logger
}

var _ ledger.ILedgerClient = (*Ledger)(nil)

func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		height:   1,
		slot:     1,
		window:   DefaultValidityWindow,
		markers:  make(map[solana.Hash]uint64),
		mints:    make(map[solana.PublicKey]mintAccount),
		accounts: make(map[solana.PublicKey]TokenAccount),
		landed:   make(map[solana.Signature]*landedTx),
		failNext: make(map[Op]int),
		calls:    make(map[Op]int),
		logger:   logger,
	}
}

// MintAsset creates a single unit mint held by owner in its associated
// token account.
func (l *Ledger) MintAsset(owner solana.PublicKey) (types.AssetReference, error) {
	return l.SeedAsset(solana.NewWallet().PublicKey(), owner, solana.PublicKey{}, false)
}

// SeedAsset registers mint as a single unit asset held by owner. A non-zero
// delegate is recorded as the token delegate, and locked marks the token
// account as already locked by it.
func (l *Ledger) SeedAsset(mint, owner, delegate solana.PublicKey, locked bool) (types.AssetReference, error) {
	if locked && delegate.IsZero() {
		return types.AssetReference{}, fmt.Errorf("a locked asset needs a delegate")
	}
	ref, err := types.AssetReference{Mint: mint, Supply: 1}.Refresh(owner, nil)
	if err != nil {
		return types.AssetReference{}, err
	}

	acct := TokenAccount{
		Address: ref.OwnerTokenAccount,
		Mint:    mint,
		Owner:   owner,
		Amount:  1,
		Locked:  locked,
	}
	if !delegate.IsZero() {
		acct.Delegate = delegate
		acct.DelegatedAmount = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.mints[mint] = mintAccount{supply: 1}
	l.accounts[ref.OwnerTokenAccount] = acct
	return ref, nil
}

func (l *Ledger) TokenAccount(address solana.PublicKey) (TokenAccount, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[address]
	return acct, ok
}

// AdvanceBlocks moves the block height forward by n.
func (l *Ledger) AdvanceBlocks(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.height += n
	l.slot += n
}

func (l *Ledger) BlockHeight() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// FailNext makes the next n calls of op fail with types.ErrNetworkTimeout
// before they have any effect.
func (l *Ledger) FailNext(op Op, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext[op] += n
}

// DropBroadcastResponses makes the next n broadcasts execute but report
// types.ErrNetworkTimeout, as if the response was lost.
func (l *Ledger) DropBroadcastResponses(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropResponses += n
}

func (l *Ledger) Calls(op Op) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *Ledger) TotalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.calls {
		total += n
	}
	return total
}

// Executions reports how many times txID was applied to ledger state.
func (l *Ledger) Executions(txID solana.Signature) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx, ok := l.landed[txID]; ok {
		return tx.executions
	}
	return 0
}

// BroadcastPayloads returns copies of every payload received by Broadcast.
func (l *Ledger) BroadcastPayloads() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, 0, len(l.broadcastBytes))
	for _, b := range l.broadcastBytes {
		out = append(out, append([]byte{}, b...))
	}
	return out
}

// enter counts the call and consumes one injected failure. Callers hold mu.
func (l *Ledger) enter(op Op) error {
	l.calls[op]++
	if l.failNext[op] > 0 {
		l.failNext[op]--
		return fmt.Errorf("%w: injected %s failure", types.ErrNetworkTimeout, op)
	}
	return nil
}

func (l *Ledger) GetCurrentExpiryMarker(ctx context.Context) (types.ExpiryMarker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpExpiryMarker); err != nil {
		return types.ExpiryMarker{}, err
	}
	hash := solana.Hash(solana.NewWallet().PublicKey())
	lastValid := l.height + l.window
	l.markers[hash] = lastValid
	return types.ExpiryMarker{Blockhash: hash, LastValidBlockHeight: lastValid}, nil
}

func (l *Ledger) Broadcast(ctx context.Context, raw []byte) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpBroadcast); err != nil {
		return solana.Signature{}, err
	}
	l.broadcastBytes = append(l.broadcastBytes, append([]byte{}, raw...))

	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to decode transaction: %w", err)
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, types.ErrIncompleteSignatures
	}
	txID := tx.Signatures[0]

	if _, ok := l.landed[txID]; ok {
		l.logger.Sugar().Debugw("Duplicate broadcast ignored", "txId", txID.String())
		return l.respond(txID)
	}

	lastValid, ok := l.markers[tx.Message.RecentBlockhash]
	if !ok {
		return solana.Signature{}, fmt.Errorf("%w: blockhash not found", types.ErrExpiredTransaction)
	}
	if l.height > lastValid {
		return solana.Signature{}, fmt.Errorf("%w: block height %d past %d", types.ErrExpiredTransaction, l.height, lastValid)
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, &types.ConfirmationFailedError{TxID: txID, Reason: fmt.Sprintf("signature verification failed: %v", err)}
	}

	l.slot++
	landed := &landedTx{slot: l.slot, executions: 1}
	if reason := l.execute(&tx.Message); reason != "" {
		landed.reason = reason
	}
	l.landed[txID] = landed
	l.logger.Sugar().Debugw("Transaction executed", "txId", txID.String(), "slot", landed.slot, "reason", landed.reason)
	return l.respond(txID)
}

func (l *Ledger) respond(txID solana.Signature) (solana.Signature, error) {
	if l.dropResponses > 0 {
		l.dropResponses--
		return solana.Signature{}, fmt.Errorf("%w: broadcast response lost", types.ErrNetworkTimeout)
	}
	return txID, nil
}

func (l *Ledger) AwaitFinality(ctx context.Context, txID solana.Signature, marker types.ExpiryMarker, level types.FinalityLevel) (*types.ConfirmationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpAwaitFinality); err != nil {
		return nil, err
	}
	if !level.IsValid() {
		return nil, fmt.Errorf("unsupported finality level: %s", level)
	}

	tx, ok := l.landed[txID]
	switch {
	case ok && tx.reason != "":
		return &types.ConfirmationResult{TxID: txID, State: types.TxStateRejected, Slot: tx.slot, Reason: tx.reason},
			&types.ConfirmationFailedError{TxID: txID, Reason: tx.reason}
	case ok:
		return &types.ConfirmationResult{TxID: txID, State: types.TxStateFinalized, Slot: tx.slot, Finality: types.FinalityFinalized}, nil
	case marker.ExpiredAt(l.height):
		return &types.ConfirmationResult{TxID: txID, State: types.TxStateExpired, Reason: "expiry marker lapsed"},
			fmt.Errorf("%w: block height %d past %d", types.ErrExpiredTransaction, l.height, marker.LastValidBlockHeight)
	default:
		// not seen yet and still valid: the caller may poll again
		return nil, fmt.Errorf("%w: transaction %s not yet observed", types.ErrNetworkTimeout, txID)
	}
}

func (l *Ledger) FindAsset(ctx context.Context, mint, owner solana.PublicKey) (*types.AssetReference, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpFindAsset); err != nil {
		return nil, err
	}
	m, ok := l.mints[mint]
	if !ok {
		return nil, fmt.Errorf("%w: mint %s", types.ErrAssetNotFound, mint)
	}
	ref, err := types.AssetReference{Mint: mint, Supply: m.supply, Decimals: m.decimals}.Refresh(owner, nil)
	if err != nil {
		return nil, err
	}
	acct, ok := l.accounts[ref.OwnerTokenAccount]
	if !ok || acct.Amount == 0 || !acct.Owner.Equals(owner) {
		return nil, fmt.Errorf("%w: owner %s does not hold %s", types.ErrAssetNotFound, owner, mint)
	}
	return &ref, nil
}

// execute applies every instruction of msg or none of them. It returns the
// rejection reason, or "" on success. Callers hold mu.
func (l *Ledger) execute(msg *solana.Message) string {
	instructions, err := types.DecodeMessageInstructions(msg)
	if err != nil {
		return err.Error()
	}

	staged := make(map[solana.PublicKey]TokenAccount, len(l.accounts))
	for k, v := range l.accounts {
		staged[k] = v
	}
	for idx, inst := range instructions {
		if reason := applyInstruction(staged, inst); reason != "" {
			return fmt.Sprintf("instruction %d: %s", idx, reason)
		}
	}
	l.accounts = staged
	return ""
}

func applyInstruction(accounts map[solana.PublicKey]TokenAccount, inst types.Instruction) string {
	metas := inst.Accounts()
	switch inst.Kind {
	case types.InstructionKindDelegationGrant:
		g := inst.Grant
		acct, ok := accounts[g.TokenAccount]
		if !ok {
			return "token account not found"
		}
		if !acct.Owner.Equals(g.Owner) {
			return "owner does not match"
		}
		if !acct.Mint.Equals(g.Mint) {
			return "mint does not match"
		}
		if acct.Locked {
			return "account is frozen"
		}
		if g.Amount > acct.Amount {
			return "insufficient funds"
		}
		acct.Delegate = g.Delegate
		acct.DelegatedAmount = g.Amount
		accounts[g.TokenAccount] = acct

	case types.InstructionKindRevoke:
		if len(metas) < 2 {
			return "not enough account keys"
		}
		acct, ok := accounts[metas[0].PublicKey]
		if !ok {
			return "token account not found"
		}
		if !acct.Owner.Equals(metas[1].PublicKey) {
			return "owner does not match"
		}
		if acct.Locked {
			return "account is frozen"
		}
		acct.Delegate = solana.PublicKey{}
		acct.DelegatedAmount = 0
		accounts[acct.Address] = acct

	case types.InstructionKindLock, types.InstructionKindUnlock:
		delegate, ok := inst.Authority.(types.DelegateAuthority)
		if !ok {
			return "owner authority is not supported for delegated assets"
		}
		acct, found := accounts[metas[types.LockAccountToken].PublicKey]
		if !found {
			return "token account not found"
		}
		if !acct.Owner.Equals(delegate.Owner) {
			return "token owner does not match"
		}
		if !acct.Delegate.Equals(delegate.Delegate) || acct.DelegatedAmount == 0 {
			return fmt.Sprintf("%s authority is not the token delegate", inst.Kind)
		}
		if inst.Kind == types.InstructionKindLock {
			if acct.Locked {
				return "token is already locked"
			}
			acct.Locked = true
		} else {
			if !acct.Locked {
				return "token is not locked"
			}
			acct.Locked = false
		}
		accounts[acct.Address] = acct
	}
	return ""
}
