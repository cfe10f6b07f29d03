package keyGenerator

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

type GeneratedKey struct {
	PublicKey solana.PublicKey
	KeyId     string
	KeyName   string
}

// GetPublicKeyBase58 returns the address form used on the ledger.
func (gk *GeneratedKey) GetPublicKeyBase58() (string, error) {
	if gk.PublicKey.IsZero() {
		return "", fmt.Errorf("public key is empty")
	}
	return gk.PublicKey.String(), nil
}

type IKeyGenerator interface {
	GenerateKey(ctx context.Context, keyName string) (*GeneratedKey, error)
	GetKeyById(ctx context.Context, keyId string) (*GeneratedKey, error)
	SignMessage(ctx context.Context, keyId string, message []byte) ([]byte, error)
	// ExportKeypairFile writes the key in solana-keygen JSON format.
	ExportKeypairFile(ctx context.Context, keyId string, path string) error
}
