package types

import (
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// PendingTransaction is an assembled transaction moving through signing and
// submission. Values are immutable: every transition returns a new value.
type PendingTransaction struct {
	id           string
	instructions []Instruction
	feePayer     solana.PublicKey
	marker       ExpiryMarker
	message      solana.Message
	messageBytes []byte
	signers      []solana.PublicKey
	signatures   map[solana.PublicKey]solana.Signature
	state        TxState
	createdAt    time.Time
}

// NewPendingTransaction wraps a compiled, unsigned transaction.
func NewPendingTransaction(id string, instructions []Instruction, tx *solana.Transaction, marker ExpiryMarker) (*PendingTransaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction cannot be nil")
	}
	if id == "" {
		return nil, fmt.Errorf("pending transaction id cannot be empty")
	}
	if !tx.Message.RecentBlockhash.Equals(marker.Blockhash) {
		return nil, fmt.Errorf("transaction blockhash %s does not match expiry marker %s", tx.Message.RecentBlockhash, marker.Blockhash)
	}
	msgBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction message: %w", err)
	}
	signers := tx.Message.Signers()
	if len(signers) == 0 {
		return nil, fmt.Errorf("transaction has no signers")
	}

	return &PendingTransaction{
		id:           id,
		instructions: append([]Instruction{}, instructions...),
		feePayer:     signers[0],
		marker:       marker,
		message:      tx.Message,
		messageBytes: msgBytes,
		signers:      signers,
		signatures:   make(map[solana.PublicKey]solana.Signature, len(signers)),
		state:        TxStateAssembled,
		createdAt:    time.Now().UTC(),
	}, nil
}

func (p *PendingTransaction) ID() string                 { return p.id }
func (p *PendingTransaction) FeePayer() solana.PublicKey { return p.feePayer }
func (p *PendingTransaction) Marker() ExpiryMarker       { return p.marker }
func (p *PendingTransaction) State() TxState             { return p.state }
func (p *PendingTransaction) CreatedAt() time.Time       { return p.createdAt }

func (p *PendingTransaction) Instructions() []Instruction {
	return append([]Instruction{}, p.instructions...)
}

// MessageBytes is the exact payload every signer signs.
func (p *PendingTransaction) MessageBytes() []byte {
	return append([]byte{}, p.messageBytes...)
}

// RequiredSigners lists signer keys in message order. The first is the fee payer.
func (p *PendingTransaction) RequiredSigners() []solana.PublicKey {
	return append([]solana.PublicKey{}, p.signers...)
}

func (p *PendingTransaction) IsRequiredSigner(pk solana.PublicKey) bool {
	for _, s := range p.signers {
		if s.Equals(pk) {
			return true
		}
	}
	return false
}

func (p *PendingTransaction) Signature(signer solana.PublicKey) (solana.Signature, bool) {
	sig, ok := p.signatures[signer]
	return sig, ok
}

func (p *PendingTransaction) SignatureCount() int {
	return len(p.signatures)
}

func (p *PendingTransaction) MissingSigners() []solana.PublicKey {
	var missing []solana.PublicKey
	for _, s := range p.signers {
		if _, ok := p.signatures[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

func (p *PendingTransaction) IsFullySigned() bool {
	return len(p.MissingSigners()) == 0
}

// TxID is the fee payer's signature, which the ledger uses as the
// transaction id. It is zero until the fee payer has signed.
func (p *PendingTransaction) TxID() solana.Signature {
	return p.signatures[p.feePayer]
}

func (p *PendingTransaction) clone() *PendingTransaction {
	cp := *p
	cp.signatures = make(map[solana.PublicKey]solana.Signature, len(p.signatures))
	for k, v := range p.signatures {
		cp.signatures[k] = v
	}
	return &cp
}

// WithSignature returns a copy with signer's slot filled. An already filled
// slot is left untouched so repeated signing by one party is a no-op.
func (p *PendingTransaction) WithSignature(signer solana.PublicKey, sig solana.Signature) (*PendingTransaction, error) {
	if !p.IsRequiredSigner(signer) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedSigner, signer)
	}
	if p.state == TxStateSubmitted || p.state.IsTerminal() {
		return nil, fmt.Errorf("cannot add signature to a transaction in state %s", p.state)
	}
	if sig.IsZero() || !sig.Verify(signer, p.messageBytes) {
		return nil, fmt.Errorf("signature from %s does not verify against the transaction message", signer)
	}

	next := p.clone()
	if _, exists := next.signatures[signer]; !exists {
		next.signatures[signer] = sig
	}
	if next.IsFullySigned() {
		next.state = TxStateFullySigned
	} else {
		next.state = TxStatePartiallySigned
	}
	return next, nil
}

// WithState returns a copy moved forward to next.
func (p *PendingTransaction) WithState(next TxState) (*PendingTransaction, error) {
	if p.state == next {
		return p, nil
	}
	if !p.state.CanTransitionTo(next) {
		return nil, fmt.Errorf("invalid transaction state transition %s -> %s", p.state, next)
	}
	if next == TxStateSubmitted && !p.IsFullySigned() {
		return nil, ErrIncompleteSignatures
	}
	cp := p.clone()
	cp.state = next
	return cp, nil
}

// Serialize produces the wire form of the fully signed transaction.
func (p *PendingTransaction) Serialize() ([]byte, error) {
	if missing := p.MissingSigners(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %d of %d missing", ErrIncompleteSignatures, len(missing), len(p.signers))
	}
	tx := solana.Transaction{
		Signatures: make([]solana.Signature, len(p.signers)),
		Message:    p.message,
	}
	for i, s := range p.signers {
		tx.Signatures[i] = p.signatures[s]
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return raw, nil
}

// PendingRecord is the persisted form of a PendingTransaction.
type PendingRecord struct {
	ID         string            `json:"id"`
	Workflow   string            `json:"workflow"`
	State      TxState           `json:"state"`
	Message    []byte            `json:"message"`
	Marker     ExpiryMarker      `json:"marker"`
	Signatures map[string]string `json:"signatures"`
	TxID       string            `json:"txId,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// ToRecord snapshots the transaction. Signatures are base58 keyed by signer.
func (p *PendingTransaction) ToRecord(workflow string) *PendingRecord {
	sigs := make(map[string]string, len(p.signatures))
	for signer, sig := range p.signatures {
		sigs[signer.String()] = base58.Encode(sig[:])
	}
	rec := &PendingRecord{
		ID:         p.id,
		Workflow:   workflow,
		State:      p.state,
		Message:    p.MessageBytes(),
		Marker:     p.marker,
		Signatures: sigs,
		CreatedAt:  p.createdAt,
		UpdatedAt:  time.Now().UTC(),
	}
	if txID := p.TxID(); !txID.IsZero() {
		rec.TxID = txID.String()
	}
	return rec
}

// RestorePendingTransaction rebuilds a PendingTransaction from a record.
// Every stored signature is verified again.
func RestorePendingTransaction(rec *PendingRecord) (*PendingTransaction, error) {
	if rec == nil {
		return nil, fmt.Errorf("cannot restore nil record")
	}
	if !rec.State.IsValid() {
		return nil, fmt.Errorf("record %s has invalid state %q", rec.ID, rec.State)
	}

	var msg solana.Message
	if err := msg.UnmarshalWithDecoder(bin.NewBinDecoder(rec.Message)); err != nil {
		return nil, fmt.Errorf("failed to decode transaction message: %w", err)
	}
	instructions, err := DecodeMessageInstructions(&msg)
	if err != nil {
		return nil, err
	}

	p, err := NewPendingTransaction(rec.ID, instructions, &solana.Transaction{Message: msg}, rec.Marker)
	if err != nil {
		return nil, err
	}
	p.createdAt = rec.CreatedAt

	for signerStr, sigStr := range rec.Signatures {
		signer, err := solana.PublicKeyFromBase58(signerStr)
		if err != nil {
			return nil, fmt.Errorf("invalid signer %q: %w", signerStr, err)
		}
		raw, err := base58.Decode(sigStr)
		if err != nil {
			return nil, fmt.Errorf("invalid signature encoding for %s: %w", signerStr, err)
		}
		if len(raw) != solana.SignatureLength {
			return nil, fmt.Errorf("invalid signature length %d for %s", len(raw), signerStr)
		}
		p, err = p.WithSignature(signer, solana.SignatureFromBytes(raw))
		if err != nil {
			return nil, err
		}
	}

	// signatures alone only get us to FullySigned
	if rec.State != p.state {
		cp := p.clone()
		cp.state = rec.State
		p = cp
	}
	return p, nil
}
