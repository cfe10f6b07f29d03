package transactionAssembler

import (
	"context"
	"fmt"

	"github.com/Layr-Labs/asset-lock-go/pkg/ledger"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransactionAssembler binds instruction lists to a fresh expiry marker and
// compiles them into an unsigned PendingTransaction.
type TransactionAssembler struct {
	ledger ledger.ILedgerClient
	logger *zap.Logger
}

func NewTransactionAssembler(l ledger.ILedgerClient, logger *zap.Logger) *TransactionAssembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionAssembler{ledger: l, logger: logger}
}

// Assemble concatenates lists in the given order. The expiry marker fetch is
// its only network call.
func (a *TransactionAssembler) Assemble(ctx context.Context, lists [][]types.Instruction, feePayer solana.PublicKey) (*types.PendingTransaction, error) {
	var instructions []types.Instruction
	for _, list := range lists {
		instructions = append(instructions, list...)
	}
	if len(instructions) == 0 {
		return nil, types.ErrEmptyTransaction
	}
	if feePayer.IsZero() {
		return nil, fmt.Errorf("fee payer cannot be empty")
	}
	if err := CheckOrder(instructions); err != nil {
		return nil, err
	}

	marker, err := a.ledger.GetCurrentExpiryMarker(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch expiry marker: %w", err)
	}

	compiled := make([]solana.Instruction, len(instructions))
	for i, inst := range instructions {
		compiled[i] = inst
	}
	tx, err := solana.NewTransaction(compiled, marker.Blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("failed to compile transaction: %w", err)
	}

	pending, err := types.NewPendingTransaction(uuid.New().String(), instructions, tx, marker)
	if err != nil {
		return nil, err
	}
	a.logger.Sugar().Debugw("Assembled transaction",
		"id", pending.ID(),
		"instructions", len(instructions),
		"signers", len(pending.RequiredSigners()),
		"lastValidBlockHeight", marker.LastValidBlockHeight,
	)
	return pending, nil
}

type grantKey struct {
	tokenAccount solana.PublicKey
	delegate     solana.PublicKey
}

// CheckOrder rejects lists where a lock or unlock would run before the grant
// it depends on, or after a revoke of its token account with no grant in
// between. A lock whose grant is absent is allowed; the delegation may
// already exist on chain.
func CheckOrder(instructions []types.Instruction) error {
	lastGrant := make(map[grantKey]int)
	for i, inst := range instructions {
		if inst.Kind == types.InstructionKindDelegationGrant && inst.Grant != nil {
			lastGrant[grantKey{tokenAccount: inst.Grant.TokenAccount, delegate: inst.Grant.Delegate}] = i
		}
	}

	// token account -> delegate as of the current position, zero once revoked
	delegates := make(map[solana.PublicKey]solana.PublicKey)
	for i, inst := range instructions {
		accounts := inst.Accounts()
		switch inst.Kind {
		case types.InstructionKindDelegationGrant:
			if inst.Grant != nil {
				delegates[inst.Grant.TokenAccount] = inst.Grant.Delegate
			}
		case types.InstructionKindRevoke:
			if len(accounts) > 0 {
				delegates[accounts[0].PublicKey] = solana.PublicKey{}
			}
		case types.InstructionKindLock, types.InstructionKindUnlock:
			authority, ok := inst.Authority.(types.DelegateAuthority)
			if !ok || len(accounts) <= types.LockAccountToken {
				continue
			}
			tokenAccount := accounts[types.LockAccountToken].PublicKey
			current, touched := delegates[tokenAccount]
			if touched && current.Equals(authority.Delegate) {
				continue
			}
			if g, ok := lastGrant[grantKey{tokenAccount: tokenAccount, delegate: authority.Delegate}]; ok && g > i {
				return fmt.Errorf("%w: %s at %d, grant to %s at %d", types.ErrInstructionOrder, inst.Kind, i, authority.Delegate, g)
			}
			if touched {
				return fmt.Errorf("%w: %s at %d, delegate %s was replaced or revoked earlier", types.ErrInstructionOrder, inst.Kind, i, authority.Delegate)
			}
		}
	}
	return nil
}
