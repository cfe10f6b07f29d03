package localKeyGenerator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Layr-Labs/asset-lock-go/internal/keyGenerator"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type keyEntry struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	keyName    string
}

type LocalKeyGenerator struct {
	logger   *zap.Logger
	keyStore map[string]*keyEntry // keyId -> keyEntry
	mu       sync.RWMutex
}

var _ keyGenerator.IKeyGenerator = (*LocalKeyGenerator)(nil)

func NewLocalKeyGenerator(logger *zap.Logger) *LocalKeyGenerator {
	return &LocalKeyGenerator{
		logger:   logger,
		keyStore: make(map[string]*keyEntry),
	}
}

func (l *LocalKeyGenerator) GenerateKey(ctx context.Context, keyName string) (*keyGenerator.GeneratedKey, error) {
	privateKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	keyId := fmt.Sprintf("local-key-%s", uuid.New().String())
	if err := l.LoadPrivateKey(keyId, privateKey, keyName); err != nil {
		return nil, err
	}

	l.logger.Info("Generated local key",
		zap.String("keyName", keyName),
		zap.String("keyId", keyId),
		zap.String("publicKey", privateKey.PublicKey().String()),
	)

	return &keyGenerator.GeneratedKey{
		PublicKey: privateKey.PublicKey(),
		KeyId:     keyId,
		KeyName:   keyName,
	}, nil
}

func (l *LocalKeyGenerator) GetKeyById(ctx context.Context, keyId string) (*keyGenerator.GeneratedKey, error) {
	entry, err := l.entry(keyId)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Retrieved key by ID",
		zap.String("keyId", keyId),
		zap.String("publicKey", entry.publicKey.String()),
	)

	return &keyGenerator.GeneratedKey{
		PublicKey: entry.publicKey,
		KeyId:     keyId,
		KeyName:   entry.keyName,
	}, nil
}

func (l *LocalKeyGenerator) SignMessage(ctx context.Context, keyId string, message []byte) ([]byte, error) {
	entry, err := l.entry(keyId)
	if err != nil {
		return nil, err
	}

	signature, err := entry.privateKey.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message with key %s: %w", keyId, err)
	}

	l.logger.Debug("Signed message",
		zap.String("keyId", keyId),
		zap.Int("messageLen", len(message)),
	)

	return signature[:], nil
}

func (l *LocalKeyGenerator) ExportKeypairFile(ctx context.Context, keyId string, path string) error {
	entry, err := l.entry(keyId)
	if err != nil {
		return err
	}

	// solana-keygen stores the 64 byte secret as a JSON array of numbers
	values := make([]int, len(entry.privateKey))
	for i, b := range entry.privateKey {
		values[i] = int(b)
	}
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode keypair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrapf(err, "failed to write keypair file %s", path)
	}

	l.logger.Info("Exported keypair file",
		zap.String("keyId", keyId),
		zap.String("path", path),
		zap.String("publicKey", entry.publicKey.String()),
	)
	return nil
}

func (l *LocalKeyGenerator) entry(keyId string) (*keyEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, exists := l.keyStore[keyId]
	if !exists {
		return nil, fmt.Errorf("key with ID %s not found", keyId)
	}
	return entry, nil
}

// LoadPrivateKey loads a pre-existing private key into the key store.
func (l *LocalKeyGenerator) LoadPrivateKey(keyId string, privateKey solana.PrivateKey, keyName string) error {
	if _, err := solana.ValidatePrivateKey(privateKey); err != nil {
		return errors.Wrapf(err, "invalid private key for %s", keyId)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.keyStore[keyId]; exists {
		return fmt.Errorf("key with ID %s already exists", keyId)
	}

	l.keyStore[keyId] = &keyEntry{
		privateKey: append(solana.PrivateKey{}, privateKey...),
		publicKey:  privateKey.PublicKey(),
		keyName:    keyName,
	}
	return nil
}

// GetKeyCount returns the number of keys in the store.
func (l *LocalKeyGenerator) GetKeyCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.keyStore)
}

func (l *LocalKeyGenerator) KeyExists(keyId string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, exists := l.keyStore[keyId]
	return exists
}
