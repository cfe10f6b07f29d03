// Package persistencetest holds the behaviour every IPendingStore backend
// must share.
package persistencetest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/asset-lock-go/pkg/persistence"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewRecord returns a record with a unique ID created at createdAt.
func NewRecord(createdAt time.Time) *types.PendingRecord {
	signer := solana.NewWallet().PublicKey()
	return &types.PendingRecord{
		ID:       uuid.New().String(),
		Workflow: persistence.WorkflowLock,
		State:    types.TxStatePartiallySigned,
		Message:  []byte{1, 2, 3, 4, 5},
		Marker: types.ExpiryMarker{
			Blockhash:            solana.Hash(solana.NewWallet().PublicKey()),
			LastValidBlockHeight: 1234,
		},
		Signatures: map[string]string{signer.String(): solana.Signature{9, 9, 9}.String()},
		CreatedAt:  createdAt.UTC(),
		UpdatedAt:  createdAt.UTC(),
	}
}

// RunContractTests exercises store through the IPendingStore contract. The
// constructor must return an empty, open store.
func RunContractTests(t *testing.T, newStore func(t *testing.T) persistence.IPendingStore) {
	t.Run("Should save and load a record", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord(time.Now())
		require.NoError(t, store.SavePending(rec))

		loaded, err := store.LoadPending(rec.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, rec.ID, loaded.ID)
		assert.Equal(t, rec.State, loaded.State)
		assert.Equal(t, rec.Message, loaded.Message)
		assert.Equal(t, rec.Marker, loaded.Marker)
		assert.Equal(t, rec.Signatures, loaded.Signatures)
		assert.True(t, rec.CreatedAt.Equal(loaded.CreatedAt))
	})

	t.Run("Should return nil for a missing record", func(t *testing.T) {
		store := newStore(t)
		loaded, err := store.LoadPending(uuid.New().String())
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("Should reject nil and invalid records", func(t *testing.T) {
		store := newStore(t)
		require.Error(t, store.SavePending(nil))

		rec := NewRecord(time.Now())
		rec.ID = ""
		require.Error(t, store.SavePending(rec))

		rec = NewRecord(time.Now())
		rec.State = "bogus"
		require.Error(t, store.SavePending(rec))
	})

	t.Run("Should overwrite on save", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord(time.Now())
		require.NoError(t, store.SavePending(rec))

		rec.State = types.TxStateSubmitted
		rec.TxID = solana.Signature{7}.String()
		require.NoError(t, store.SavePending(rec))

		loaded, err := store.LoadPending(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TxStateSubmitted, loaded.State)
		assert.Equal(t, rec.TxID, loaded.TxID)
	})

	t.Run("Should not alias stored records", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord(time.Now())
		require.NoError(t, store.SavePending(rec))
		rec.Message[0] = 42

		loaded, err := store.LoadPending(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, byte(1), loaded.Message[0])
	})

	t.Run("Should list records by creation time", func(t *testing.T) {
		store := newStore(t)
		base := time.Now().Add(-time.Hour)
		var ids []string
		for i := 2; i >= 0; i-- {
			rec := NewRecord(base.Add(time.Duration(i) * time.Minute))
			require.NoError(t, store.SavePending(rec))
			ids = append([]string{rec.ID}, ids...)
		}

		records, err := store.ListPending()
		require.NoError(t, err)
		require.Len(t, records, 3)
		for i, rec := range records {
			assert.Equal(t, ids[i], rec.ID)
		}
	})

	t.Run("Should delete idempotently", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord(time.Now())
		require.NoError(t, store.SavePending(rec))
		require.NoError(t, store.DeletePending(rec.ID))
		require.NoError(t, store.DeletePending(rec.ID))

		loaded, err := store.LoadPending(rec.ID)
		require.NoError(t, err)
		assert.Nil(t, loaded)

		records, err := store.ListPending()
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("Should handle concurrent writers", func(t *testing.T) {
		store := newStore(t)
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := NewRecord(time.Now().Add(time.Duration(i) * time.Second))
				if err := store.SavePending(rec); err != nil {
					errs <- fmt.Errorf("save %d: %w", i, err)
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		records, err := store.ListPending()
		require.NoError(t, err)
		assert.Len(t, records, 20)
	})

	t.Run("Should refuse operations after close", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.HealthCheck())
		require.NoError(t, store.Close())
		require.NoError(t, store.Close())

		require.Error(t, store.HealthCheck())
		require.Error(t, store.SavePending(NewRecord(time.Now())))
		_, err := store.LoadPending("x")
		require.Error(t, err)
		_, err = store.ListPending()
		require.Error(t, err)
		require.Error(t, store.DeletePending("x"))
	})
}
