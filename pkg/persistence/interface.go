package persistence

import "github.com/Layr-Labs/asset-lock-go/pkg/types"

// IPendingStore persists in-flight transactions so a workflow can resume
// after a restart. All implementations must be thread-safe.
//
// A record holds the compiled message bytes, the collected signatures and
// the expiry marker. That is enough to rebuild the PendingTransaction and
// either finish signing or resubmit the identical bytes.
type IPendingStore interface {
	// SavePending persists a record keyed by its ID, overwriting any
	// previous version.
	SavePending(record *types.PendingRecord) error

	// LoadPending retrieves a record by ID.
	// Returns nil if the record doesn't exist, error only on storage failure.
	LoadPending(id string) (*types.PendingRecord, error)

	// ListPending returns all records ordered by creation time (ascending).
	// Returns empty slice if no records exist, error only on storage failure.
	ListPending() ([]*types.PendingRecord, error)

	// DeletePending removes a record by ID.
	// Idempotent - returns nil if the record doesn't exist.
	DeletePending(id string) error

	// Close cleanly shuts down the store.
	// Idempotent - safe to call multiple times.
	// After Close(), all other operations should return errors.
	Close() error

	// HealthCheck verifies the store is operational.
	// Returns nil if healthy, error describing the problem if not.
	HealthCheck() error
}
