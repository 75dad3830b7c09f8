// Package models contains data structures used by the history repository layer.
package models

import "time"

// OperationOutcome is one finished operation as written to operation_history.
type OperationOutcome struct {
	OperationID      string         `json:"operation_id"`
	Kind             string         `json:"kind"`
	Status           string         `json:"status"`
	Message          string         `json:"message,omitempty"`
	Error            string         `json:"error,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	BytesDeleted     int64          `json:"bytes_deleted"`
	EntriesProcessed int64          `json:"entries_processed"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	FinishedAt       time.Time      `json:"finished_at"`
	DurationMs       *int64         `json:"duration_ms,omitempty"`
}

type OutcomeStats struct {
	Kind              string  `json:"kind"`
	Status            string  `json:"status"`
	Count             int     `json:"count"`
	AvgDurationMs     float64 `json:"avg_duration_ms"`
	MaxDurationMs     int64   `json:"max_duration_ms"`
	TotalBytesDeleted int64   `json:"total_bytes_deleted"`
}

type RecentOutcome struct {
	OperationID string     `json:"operation_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	FinishedAt  time.Time  `json:"finished_at"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}
