package operation

import (
	"encoding/json"
	"time"
)

// Record is the unit persisted for recovery after a restart. At most one
// record per kind exists at a time.
type Record struct {
	OperationID         string         `json:"operationId"`
	Kind                Kind           `json:"kind"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	SavedAt             time.Time      `json:"savedAt"`
	ExpiresAfterSeconds int            `json:"expiresAfterSeconds"`
}

func NewRecord(kind Kind, operationID string, metadata map[string]any, ttl time.Duration, now time.Time) *Record {
	return &Record{
		OperationID:         operationID,
		Kind:                kind,
		Metadata:            metadata,
		SavedAt:             now,
		ExpiresAfterSeconds: int(ttl / time.Second),
	}
}

func (r *Record) TTL() time.Duration {
	return time.Duration(r.ExpiresAfterSeconds) * time.Second
}

// Expired reports whether the record outlived its TTL at now.
func (r *Record) Expired(now time.Time) bool {
	return now.Sub(r.SavedAt) > r.TTL()
}

// Remaining is the part of the TTL window left at now, never negative.
func (r *Record) Remaining(now time.Time) time.Duration {
	left := r.TTL() - now.Sub(r.SavedAt)
	if left < 0 {
		return 0
	}

	return left
}

// MetadataString returns a string metadata value, or "" if absent.
func (r *Record) MetadataString(key string) string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata[key].(string)
	return s
}

func (r *Record) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func RecordFromJSON(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}

	return &r, nil
}
