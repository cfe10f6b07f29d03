package memory

import (
	"fmt"
	"sync"

	"github.com/Layr-Labs/asset-lock-go/pkg/persistence"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
)

// MemoryPersistence is an in-memory implementation of IPendingStore.
// This implementation is intended for TESTING ONLY.
//
// All data is stored in memory and will be lost when the process exits.
// Deep copies data to prevent external mutation.
type MemoryPersistence struct {
	mu      sync.RWMutex
	records map[string]*types.PendingRecord
	closed  bool
}

var _ persistence.IPendingStore = (*MemoryPersistence)(nil)

// NewMemoryPersistence creates a new in-memory store.
// Prints a loud warning since this should only be used for testing.
func NewMemoryPersistence() *MemoryPersistence {
	fmt.Println("⚠️  WARNING: Using in-memory persistence - PENDING TRANSACTIONS WILL BE LOST ON RESTART")
	fmt.Println("⚠️  This should ONLY be used for testing. Set ASSET_LOCK_PERSISTENCE_TYPE=badger for production")

	return &MemoryPersistence{
		records: make(map[string]*types.PendingRecord),
	}
}

func (m *MemoryPersistence) SavePending(record *types.PendingRecord) error {
	if err := persistence.ValidateRecord(record); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	m.records[record.ID] = persistence.CopyPendingRecord(record)
	return nil
}

func (m *MemoryPersistence) LoadPending(id string) (*types.PendingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	rec, exists := m.records[id]
	if !exists {
		return nil, nil // Not found is not an error
	}
	return persistence.CopyPendingRecord(rec), nil
}

func (m *MemoryPersistence) ListPending() ([]*types.PendingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	records := make([]*types.PendingRecord, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, persistence.CopyPendingRecord(rec))
	}
	persistence.SortPendingRecords(records)
	return records, nil
}

func (m *MemoryPersistence) DeletePending(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	delete(m.records, id)
	return nil
}

func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func (m *MemoryPersistence) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	return nil
}
