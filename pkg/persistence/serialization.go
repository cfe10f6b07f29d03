package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/Layr-Labs/asset-lock-go/pkg/types"
)

// MarshalPendingRecord serializes a PendingRecord to JSON bytes.
// Message bytes are base64 encoded by encoding/json.
func MarshalPendingRecord(rec *types.PendingRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("cannot marshal nil PendingRecord")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal PendingRecord to JSON: %w", err)
	}

	return data, nil
}

// UnmarshalPendingRecord deserializes a PendingRecord from JSON bytes.
func UnmarshalPendingRecord(data []byte) (*types.PendingRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var rec types.PendingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to PendingRecord: %w", err)
	}

	return &rec, nil
}

// CopyPendingRecord returns a deep copy of rec.
func CopyPendingRecord(rec *types.PendingRecord) *types.PendingRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	cp.Message = append([]byte(nil), rec.Message...)
	if rec.Signatures != nil {
		cp.Signatures = make(map[string]string, len(rec.Signatures))
		for k, v := range rec.Signatures {
			cp.Signatures[k] = v
		}
	}
	return &cp
}
