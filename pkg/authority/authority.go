package authority

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
)

const (
	RoleOwner    = "owner"
	RoleDelegate = "delegate"
)

// Authority is a signing identity. Implementations are immutable after load.
type Authority interface {
	// Name is the role the authority was loaded under, e.g. RoleOwner.
	Name() string
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, message []byte) (solana.Signature, error)
}

// LocalAuthority holds an ed25519 key in process memory.
type LocalAuthority struct {
	name      string
	key       solana.PrivateKey
	publicKey solana.PublicKey
}

func NewLocalAuthority(name string, key solana.PrivateKey) (*LocalAuthority, error) {
	if _, err := solana.ValidatePrivateKey(key); err != nil {
		return nil, errors.Wrapf(err, "invalid private key for authority %s", name)
	}
	return &LocalAuthority{
		name:      name,
		key:       append(solana.PrivateKey{}, key...),
		publicKey: key.PublicKey(),
	}, nil
}

func (a *LocalAuthority) Name() string                { return a.name }
func (a *LocalAuthority) PublicKey() solana.PublicKey { return a.publicKey }

func (a *LocalAuthority) Sign(ctx context.Context, message []byte) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	sig, err := a.key.Sign(message)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign with %s: %w", a.name, err)
	}
	return sig, nil
}

// MessageSigner signs with a key held by an external key service.
type MessageSigner interface {
	SignMessage(ctx context.Context, keyId string, message []byte) ([]byte, error)
}

// RemoteAuthority delegates signing to a MessageSigner and checks every
// returned signature against the expected public key.
type RemoteAuthority struct {
	name      string
	keyId     string
	publicKey solana.PublicKey
	signer    MessageSigner
}

func NewRemoteAuthority(name string, keyId string, publicKey solana.PublicKey, signer MessageSigner) (*RemoteAuthority, error) {
	if signer == nil {
		return nil, fmt.Errorf("message signer cannot be nil")
	}
	if keyId == "" {
		return nil, fmt.Errorf("key id cannot be empty")
	}
	if publicKey.IsZero() {
		return nil, fmt.Errorf("public key cannot be empty")
	}
	return &RemoteAuthority{name: name, keyId: keyId, publicKey: publicKey, signer: signer}, nil
}

func (a *RemoteAuthority) Name() string                { return a.name }
func (a *RemoteAuthority) PublicKey() solana.PublicKey { return a.publicKey }

func (a *RemoteAuthority) Sign(ctx context.Context, message []byte) (solana.Signature, error) {
	raw, err := a.signer.SignMessage(ctx, a.keyId, message)
	if err != nil {
		return solana.Signature{}, errors.Wrapf(err, "remote signing failed for key %s", a.keyId)
	}
	if len(raw) != solana.SignatureLength {
		return solana.Signature{}, fmt.Errorf("remote signer returned %d bytes, expected %d", len(raw), solana.SignatureLength)
	}
	sig := solana.SignatureFromBytes(raw)
	if !sig.Verify(a.publicKey, message) {
		return solana.Signature{}, fmt.Errorf("remote signature for key %s does not verify against %s", a.keyId, a.publicKey)
	}
	return sig, nil
}
