package operation

import "strings"

type Status string

const (
	StatusPreparing  Status = "Preparing"
	StatusRunning    Status = "Running"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
	StatusCancelling Status = "Cancelling"
)

var statusAliases = map[string]Status{
	"preparing":   StatusPreparing,
	"starting":    StatusPreparing,
	"started":     StatusPreparing,
	"pending":     StatusPreparing,
	"queued":      StatusPreparing,
	"running":     StatusRunning,
	"processing":  StatusRunning,
	"in_progress": StatusRunning,
	"scanning":    StatusRunning,
	"deleting":    StatusRunning,
	"removing":    StatusRunning,
	"optimizing":  StatusRunning,
	"cleanup":     StatusRunning,
	"completed":   StatusCompleted,
	"complete":    StatusCompleted,
	"done":        StatusCompleted,
	"success":     StatusCompleted,
	"failed":      StatusFailed,
	"error":       StatusFailed,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
	"cancelling":  StatusCancelling,
	"canceling":   StatusCancelling,
}

// ParseStatus maps the status strings emitted by the backend and its
// processors onto the normalized Status set. Unknown values report false.
func ParseStatus(s string) (Status, bool) {
	status, ok := statusAliases[strings.ToLower(strings.TrimSpace(s))]
	return status, ok
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) IsActive() bool {
	return s == StatusPreparing || s == StatusRunning
}
