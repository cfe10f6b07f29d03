package testutil

import (
	"testing"

	"github.com/Layr-Labs/asset-lock-go/pkg/authority"
	"github.com/Layr-Labs/asset-lock-go/pkg/ledger/memory"
	"github.com/Layr-Labs/asset-lock-go/pkg/logger"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// NewTestLogger returns a non-debug logger, or fails the test.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)
	return l
}

// NewTestAuthority creates a LocalAuthority with a fresh key for role.
func NewTestAuthority(t *testing.T, role string) *authority.LocalAuthority {
	t.Helper()
	a, err := authority.NewLocalAuthority(role, solana.NewWallet().PrivateKey)
	require.NoError(t, err)
	return a
}

// AssetFixture is a memory ledger holding one freshly minted asset.
type AssetFixture struct {
	Ledger   *ExpiringLedger
	Owner    *authority.LocalAuthority
	Delegate *authority.LocalAuthority
	Asset    types.AssetReference
}

func NewAssetFixture(t *testing.T) *AssetFixture {
	t.Helper()
	l := NewExpiringLedger(memory.NewLedger(nil))
	owner := NewTestAuthority(t, authority.RoleOwner)
	delegate := NewTestAuthority(t, authority.RoleDelegate)

	asset, err := l.MintAsset(owner.PublicKey())
	require.NoError(t, err)

	return &AssetFixture{
		Ledger:   l,
		Owner:    owner,
		Delegate: delegate,
		Asset:    asset,
	}
}

// TokenAccount returns the simulated state of the fixture's token account.
func (f *AssetFixture) TokenAccount(t *testing.T) memory.TokenAccount {
	t.Helper()
	acct, ok := f.Ledger.TokenAccount(f.Asset.OwnerTokenAccount)
	require.True(t, ok, "token account %s not found", f.Asset.OwnerTokenAccount)
	return acct
}
