package instructionBuilder

import (
	"fmt"

	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// InstructionBuilder turns asset references and authorities into ordered,
// unsigned instructions. It performs no network calls.
type InstructionBuilder struct {
	deriveTokenAccount types.TokenAccountDeriver
}

// NewInstructionBuilder creates a builder. A nil deriver uses the associated
// token account derivation.
func NewInstructionBuilder(deriver types.TokenAccountDeriver) *InstructionBuilder {
	if deriver == nil {
		deriver = types.AssociatedTokenAccount
	}
	return &InstructionBuilder{deriveTokenAccount: deriver}
}

// BuildDelegationInstructions grants delegate the right to act on amount
// units of the asset held by owner.
func (b *InstructionBuilder) BuildDelegationInstructions(asset types.AssetReference, owner, delegate solana.PublicKey, amount uint64) ([]types.Instruction, error) {
	if amount == 0 || amount > asset.Supply {
		return nil, fmt.Errorf("%w: amount %d with supply %d", types.ErrInvalidDelegationAmount, amount, asset.Supply)
	}
	if delegate.IsZero() {
		return nil, fmt.Errorf("delegate cannot be empty")
	}
	if delegate.Equals(owner) {
		return nil, fmt.Errorf("delegate %s cannot be the asset owner", delegate)
	}
	ref, err := b.refresh(asset, owner)
	if err != nil {
		return nil, err
	}

	approve, err := token.NewApproveCheckedInstruction(
		amount,
		ref.Decimals,
		ref.OwnerTokenAccount,
		ref.Mint,
		delegate,
		owner,
		nil,
	).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build approve instruction: %w", err)
	}
	data, err := approve.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to encode approve instruction: %w", err)
	}

	inst := types.NewInstruction(types.InstructionKindDelegationGrant, solana.TokenProgramID, approve.Accounts(), data)
	inst.Grant = &types.DelegationGrant{
		Delegate:     delegate,
		Owner:        owner,
		TokenAccount: ref.OwnerTokenAccount,
		Mint:         ref.Mint,
		Amount:       amount,
		Decimals:     ref.Decimals,
	}
	return []types.Instruction{inst}, nil
}

// BuildLockInstructions freezes the asset under authority. Only delegate
// based authority is accepted.
func (b *InstructionBuilder) BuildLockInstructions(asset types.AssetReference, owner solana.PublicKey, authority types.LockAuthority) ([]types.Instruction, error) {
	return b.buildMetadataInstruction(types.InstructionKindLock, types.MetadataDiscriminatorLock, asset, owner, authority)
}

// BuildUnlockInstructions thaws an asset previously locked by the same delegate.
func (b *InstructionBuilder) BuildUnlockInstructions(asset types.AssetReference, owner solana.PublicKey, authority types.LockAuthority) ([]types.Instruction, error) {
	return b.buildMetadataInstruction(types.InstructionKindUnlock, types.MetadataDiscriminatorUnlock, asset, owner, authority)
}

// BuildRevokeInstructions removes any delegate from the owner's token account.
func (b *InstructionBuilder) BuildRevokeInstructions(asset types.AssetReference, owner solana.PublicKey) ([]types.Instruction, error) {
	ref, err := b.refresh(asset, owner)
	if err != nil {
		return nil, err
	}
	revoke, err := token.NewRevokeInstruction(ref.OwnerTokenAccount, owner, nil).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build revoke instruction: %w", err)
	}
	data, err := revoke.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to encode revoke instruction: %w", err)
	}
	return []types.Instruction{
		types.NewInstruction(types.InstructionKindRevoke, solana.TokenProgramID, revoke.Accounts(), data),
	}, nil
}

func (b *InstructionBuilder) buildMetadataInstruction(
	kind types.InstructionKind,
	discriminator uint8,
	asset types.AssetReference,
	owner solana.PublicKey,
	authority types.LockAuthority,
) ([]types.Instruction, error) {
	delegateAuthority, err := requireDelegateAuthority(authority, owner)
	if err != nil {
		return nil, err
	}
	ref, err := b.refresh(asset, owner)
	if err != nil {
		return nil, err
	}

	metadata, _, err := solana.FindTokenMetadataAddress(ref.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive metadata address: %w", err)
	}
	edition, err := MasterEditionAddress(ref.Mint)
	if err != nil {
		return nil, err
	}
	data, err := types.EncodeMetadataArgs(discriminator)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s args: %w", kind, err)
	}

	// absent optional accounts are passed as the program id
	absent := solana.TokenMetadataProgramID
	accounts := make([]*solana.AccountMeta, types.LockAccountCount)
	accounts[types.LockAccountAuthority] = solana.Meta(delegateAuthority.Delegate).SIGNER()
	accounts[types.LockAccountTokenOwner] = solana.Meta(owner)
	accounts[types.LockAccountToken] = solana.Meta(ref.OwnerTokenAccount).WRITE()
	accounts[types.LockAccountMint] = solana.Meta(ref.Mint)
	accounts[types.LockAccountMetadata] = solana.Meta(metadata).WRITE()
	accounts[types.LockAccountEdition] = solana.Meta(edition)
	accounts[types.LockAccountTokenRecord] = solana.Meta(absent)
	accounts[types.LockAccountPayer] = solana.Meta(owner).SIGNER().WRITE()
	accounts[types.LockAccountSystemProgram] = solana.Meta(solana.SystemProgramID)
	accounts[types.LockAccountSysvarInstructions] = solana.Meta(solana.SysVarInstructionsPubkey)
	accounts[types.LockAccountSplTokenProgram] = solana.Meta(solana.TokenProgramID)
	accounts[types.LockAccountAuthorizationRulesProgram] = solana.Meta(absent)
	accounts[types.LockAccountAuthorizationRules] = solana.Meta(absent)

	inst := types.NewInstruction(kind, solana.TokenMetadataProgramID, accounts, data)
	inst.Authority = delegateAuthority
	return []types.Instruction{inst}, nil
}

// requireDelegateAuthority selects the authority kind from what the caller
// declared. Owner authority is refused rather than silently accepted.
func requireDelegateAuthority(authority types.LockAuthority, owner solana.PublicKey) (types.DelegateAuthority, error) {
	switch a := authority.(type) {
	case types.DelegateAuthority:
		if err := a.Validate(); err != nil {
			return types.DelegateAuthority{}, err
		}
		if !a.Owner.Equals(owner) {
			return types.DelegateAuthority{}, fmt.Errorf("%w: authority owner %s does not match asset owner %s", types.ErrUnsupportedLockAuthority, a.Owner, owner)
		}
		return a, nil
	case types.OwnerAuthority:
		return types.DelegateAuthority{}, fmt.Errorf("%w: owner authority cannot lock a delegated asset", types.ErrUnsupportedLockAuthority)
	case nil:
		return types.DelegateAuthority{}, fmt.Errorf("%w: lock authority is required", types.ErrUnsupportedLockAuthority)
	default:
		return types.DelegateAuthority{}, fmt.Errorf("%w: %T", types.ErrUnsupportedLockAuthority, authority)
	}
}

func (b *InstructionBuilder) refresh(asset types.AssetReference, owner solana.PublicKey) (types.AssetReference, error) {
	if !asset.Owner.IsZero() && !asset.Owner.Equals(owner) {
		return types.AssetReference{}, fmt.Errorf("asset %s is held by %s, not %s", asset.Mint, asset.Owner, owner)
	}
	ref, err := asset.Refresh(owner, b.deriveTokenAccount)
	if err != nil {
		return types.AssetReference{}, fmt.Errorf("failed to resolve owner token account: %w", err)
	}
	return ref, nil
}

// MasterEditionAddress derives the master edition PDA of mint.
func MasterEditionAddress(mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{
			[]byte("metadata"),
			solana.TokenMetadataProgramID[:],
			mint[:],
			[]byte("edition"),
		},
		solana.TokenMetadataProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive master edition address: %w", err)
	}
	return addr, nil
}
