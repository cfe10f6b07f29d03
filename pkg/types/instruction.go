package types

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// Token Metadata program instruction discriminators.
const (
	MetadataDiscriminatorLock   uint8 = 46
	MetadataDiscriminatorUnlock uint8 = 47

	// LockArgs and UnlockArgs only define V1.
	metadataArgsV1 uint8 = 0
)

// Lock and Unlock share one account layout.
const (
	LockAccountAuthority = iota
	LockAccountTokenOwner
	LockAccountToken
	LockAccountMint
	LockAccountMetadata
	LockAccountEdition
	LockAccountTokenRecord
	LockAccountPayer
	LockAccountSystemProgram
	LockAccountSysvarInstructions
	LockAccountSplTokenProgram
	LockAccountAuthorizationRulesProgram
	LockAccountAuthorizationRules

	LockAccountCount
)

type InstructionKind string

const (
	InstructionKindUnknown         InstructionKind = "unknown"
	InstructionKindDelegationGrant InstructionKind = "delegationGrant"
	InstructionKindRevoke          InstructionKind = "revoke"
	InstructionKindLock            InstructionKind = "lock"
	InstructionKindUnlock          InstructionKind = "unlock"
)

// DelegationGrant is the decoded content of an ApproveChecked instruction.
type DelegationGrant struct {
	Delegate     solana.PublicKey
	Owner        solana.PublicKey
	TokenAccount solana.PublicKey
	Mint         solana.PublicKey
	Amount       uint64
	Decimals     uint8
}

// Instruction is a ledger instruction annotated with what it does. It
// satisfies solana.Instruction.
type Instruction struct {
	Kind InstructionKind
	// Grant is set for InstructionKindDelegationGrant.
	Grant *DelegationGrant
	// Authority is set for InstructionKindLock and InstructionKindUnlock.
	Authority LockAuthority

	programID solana.PublicKey
	accounts  solana.AccountMetaSlice
	data      []byte
}

var _ solana.Instruction = Instruction{}

func NewInstruction(kind InstructionKind, programID solana.PublicKey, accounts []*solana.AccountMeta, data []byte) Instruction {
	return Instruction{
		Kind:      kind,
		programID: programID,
		accounts:  copyAccountMetas(accounts),
		data:      append([]byte{}, data...),
	}
}

func (i Instruction) ProgramID() solana.PublicKey {
	return i.programID
}

// Accounts returns copies so callers cannot alter the instruction.
func (i Instruction) Accounts() []*solana.AccountMeta {
	return copyAccountMetas(i.accounts)
}

func (i Instruction) Data() ([]byte, error) {
	return append([]byte{}, i.data...), nil
}

// Equal compares the wire content of two instructions.
func (i Instruction) Equal(other Instruction) bool {
	if !i.programID.Equals(other.programID) || !bytes.Equal(i.data, other.data) || len(i.accounts) != len(other.accounts) {
		return false
	}
	for idx, a := range i.accounts {
		b := other.accounts[idx]
		if !a.PublicKey.Equals(b.PublicKey) || a.IsSigner != b.IsSigner || a.IsWritable != b.IsWritable {
			return false
		}
	}
	return true
}

func copyAccountMetas(in []*solana.AccountMeta) solana.AccountMetaSlice {
	out := make(solana.AccountMetaSlice, 0, len(in))
	for _, m := range in {
		if m == nil {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// EncodeMetadataArgs encodes a Lock or Unlock instruction body: the
// discriminator, the V1 args variant and an absent authorization payload.
func EncodeMetadataArgs(discriminator uint8) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteUint8(discriminator); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(metadataArgsV1); err != nil {
		return nil, err
	}
	if err := enc.WriteOption(false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMetadataArgs(data []byte) (uint8, error) {
	dec := bin.NewBorshDecoder(data)
	discriminator, err := dec.ReadUint8()
	if err != nil {
		return 0, fmt.Errorf("failed to read discriminator: %w", err)
	}
	if discriminator != MetadataDiscriminatorLock && discriminator != MetadataDiscriminatorUnlock {
		return discriminator, nil
	}
	variant, err := dec.ReadUint8()
	if err != nil {
		return 0, fmt.Errorf("failed to read args variant: %w", err)
	}
	if variant != metadataArgsV1 {
		return 0, fmt.Errorf("unsupported args variant %d", variant)
	}
	if _, err := dec.ReadOption(); err != nil {
		return 0, fmt.Errorf("failed to read authorization data option: %w", err)
	}
	return discriminator, nil
}

// DecodeInstruction classifies a compiled instruction. Unrecognised programs
// or instructions come back as InstructionKindUnknown without error.
//
// The delegate variant is not part of the wire format, so decoded delegate
// authorities carry DefaultDelegateVariant.
func DecodeInstruction(programID solana.PublicKey, accounts []*solana.AccountMeta, data []byte) (Instruction, error) {
	inst := NewInstruction(InstructionKindUnknown, programID, accounts, data)

	switch {
	case programID.Equals(solana.TokenProgramID):
		decoded, err := token.DecodeInstruction(copyAccountMetas(accounts), data)
		if err != nil {
			return inst, fmt.Errorf("failed to decode token instruction: %w", err)
		}
		switch impl := decoded.Impl.(type) {
		case *token.ApproveChecked:
			if len(impl.Accounts) < 4 || impl.Amount == nil || impl.Decimals == nil {
				return inst, fmt.Errorf("malformed approve instruction")
			}
			inst.Kind = InstructionKindDelegationGrant
			inst.Grant = &DelegationGrant{
				TokenAccount: impl.GetSourceAccount().PublicKey,
				Mint:         impl.GetMintAccount().PublicKey,
				Delegate:     impl.GetDelegateAccount().PublicKey,
				Owner:        impl.GetOwnerAccount().PublicKey,
				Amount:       *impl.Amount,
				Decimals:     *impl.Decimals,
			}
		case *token.Revoke:
			inst.Kind = InstructionKindRevoke
		}

	case programID.Equals(solana.TokenMetadataProgramID):
		if len(data) == 0 {
			return inst, fmt.Errorf("empty metadata instruction data")
		}
		discriminator, err := decodeMetadataArgs(data)
		if err != nil {
			return inst, err
		}
		switch discriminator {
		case MetadataDiscriminatorLock:
			inst.Kind = InstructionKindLock
		case MetadataDiscriminatorUnlock:
			inst.Kind = InstructionKindUnlock
		default:
			return inst, nil
		}
		if len(accounts) < LockAccountCount {
			return inst, fmt.Errorf("%s instruction has %d accounts, want %d", inst.Kind, len(accounts), LockAccountCount)
		}
		signer := accounts[LockAccountAuthority].PublicKey
		owner := accounts[LockAccountTokenOwner].PublicKey
		if signer.Equals(owner) {
			inst.Authority = OwnerAuthority{Owner: owner}
		} else {
			inst.Authority = NewDelegateAuthority(signer, owner)
		}
	}

	return inst, nil
}

// DecodeMessageInstructions rebuilds annotated instructions from a compiled message.
func DecodeMessageInstructions(msg *solana.Message) ([]Instruction, error) {
	out := make([]Instruction, 0, len(msg.Instructions))
	for idx, ci := range msg.Instructions {
		programID, err := msg.Program(ci.ProgramIDIndex)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve program of instruction %d: %w", idx, err)
		}
		metas, err := ci.ResolveInstructionAccounts(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve accounts of instruction %d: %w", idx, err)
		}
		inst, err := DecodeInstruction(programID, metas, ci.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode instruction %d: %w", idx, err)
		}
		out = append(out, inst)
	}
	return out, nil
}
