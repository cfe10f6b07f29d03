package testutil

import (
	"context"
	"testing"

	"github.com/Layr-Labs/asset-lock-go/pkg/ledger/memory"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_AssetFixture(t *testing.T) {
	t.Run("Should mint an asset held by the owner", func(t *testing.T) {
		f := NewAssetFixture(t)
		acct := f.TokenAccount(t)
		assert.Equal(t, uint64(1), acct.Amount)
		assert.True(t, acct.Owner.Equals(f.Owner.PublicKey()))
		assert.False(t, acct.Locked)
	})

	t.Run("Should expire only the requested broadcasts", func(t *testing.T) {
		f := NewAssetFixture(t)
		ctx := context.Background()
		f.Ledger.ExpireNextBroadcasts(1)

		before := f.Ledger.BlockHeight()
		_, err := f.Ledger.Broadcast(ctx, []byte{0})
		require.Error(t, err)
		assert.Equal(t, before+memory.DefaultValidityWindow+1, f.Ledger.BlockHeight())

		_, err = f.Ledger.Broadcast(ctx, []byte{0})
		require.Error(t, err)
		assert.NotErrorIs(t, err, types.ErrExpiredTransaction)
		assert.Equal(t, before+memory.DefaultValidityWindow+1, f.Ledger.BlockHeight())
	})
}
