package authority

import (
	"context"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// IAuthorityLoader supplies authorities from externally managed key material.
type IAuthorityLoader interface {
	Load(ctx context.Context, name string) (Authority, error)
}

// KeypairFileLoader reads solana-keygen JSON keypair files, one per role.
type KeypairFileLoader struct {
	paths map[string]string
}

func NewKeypairFileLoader(paths map[string]string) *KeypairFileLoader {
	cp := make(map[string]string, len(paths))
	for k, v := range paths {
		cp[k] = v
	}
	return &KeypairFileLoader{paths: cp}
}

func (l *KeypairFileLoader) Load(ctx context.Context, name string) (Authority, error) {
	path, ok := l.paths[name]
	if !ok || path == "" {
		return nil, fmt.Errorf("no keypair file configured for %s", name)
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s keypair from %s", name, path)
	}
	return NewLocalAuthority(name, key)
}

// Base58Loader reads base58 encoded 64 byte secret keys, one per role.
type Base58Loader struct {
	keys map[string]string
}

func NewBase58Loader(keys map[string]string) *Base58Loader {
	cp := make(map[string]string, len(keys))
	for k, v := range keys {
		cp[k] = strings.TrimSpace(v)
	}
	return &Base58Loader{keys: cp}
}

func (l *Base58Loader) Load(ctx context.Context, name string) (Authority, error) {
	encoded, ok := l.keys[name]
	if !ok || encoded == "" {
		return nil, fmt.Errorf("no base58 secret key configured for %s", name)
	}
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s secret key", name)
	}
	return NewLocalAuthority(name, solana.PrivateKey(raw))
}

// ChainLoader tries each loader in order and returns the first success.
type ChainLoader []IAuthorityLoader

func (c ChainLoader) Load(ctx context.Context, name string) (Authority, error) {
	var errs []string
	for _, l := range c {
		a, err := l.Load(ctx, name)
		if err == nil {
			return a, nil
		}
		errs = append(errs, err.Error())
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no authority loaders configured")
	}
	return nil, fmt.Errorf("failed to load authority %s: %s", name, strings.Join(errs, "; "))
}

// SignerKey identifies a key held by a MessageSigner.
type SignerKey struct {
	KeyId     string
	PublicKey solana.PublicKey
}

// MessageSignerLoader hands out RemoteAuthority values for keys that never
// leave their MessageSigner.
type MessageSignerLoader struct {
	signer MessageSigner
	keys   map[string]SignerKey
}

func NewMessageSignerLoader(signer MessageSigner, keys map[string]SignerKey) *MessageSignerLoader {
	cp := make(map[string]SignerKey, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	return &MessageSignerLoader{signer: signer, keys: cp}
}

func (l *MessageSignerLoader) Load(ctx context.Context, name string) (Authority, error) {
	key, ok := l.keys[name]
	if !ok {
		return nil, fmt.Errorf("no signer key configured for %s", name)
	}
	return NewRemoteAuthority(name, key.KeyId, key.PublicKey, l.signer)
}
