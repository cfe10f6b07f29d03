package persistence

import (
	"fmt"
	"sort"

	"github.com/Layr-Labs/asset-lock-go/pkg/types"
)

// StoreType selects an IPendingStore backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeBadger StoreType = "badger"
	StoreTypeRedis  StoreType = "redis"
)

func (s StoreType) String() string {
	return string(s)
}

func (s StoreType) IsValid() bool {
	switch s {
	case StoreTypeMemory, StoreTypeBadger, StoreTypeRedis:
		return true
	}
	return false
}

func ParseStoreType(s string) (StoreType, error) {
	st := StoreType(s)
	if !st.IsValid() {
		return "", fmt.Errorf("unsupported persistence type: %s", s)
	}
	return st, nil
}

// Workflow names recorded on PendingRecord.Workflow.
const (
	WorkflowLock    = "lock"
	WorkflowRelease = "release"
)

// SortPendingRecords orders records by creation time, then ID.
func SortPendingRecords(records []*types.PendingRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}

// ValidateRecord checks the fields every backend relies on.
func ValidateRecord(rec *types.PendingRecord) error {
	if rec == nil {
		return fmt.Errorf("cannot save nil PendingRecord")
	}
	if rec.ID == "" {
		return fmt.Errorf("pending record id cannot be empty")
	}
	if !rec.State.IsValid() {
		return fmt.Errorf("pending record %s has invalid state %q", rec.ID, rec.State)
	}
	return nil
}
