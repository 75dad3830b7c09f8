// Package notify keeps the in-memory, deduplicated list of user-facing
// notifications for the current session.
package notify

import "time"

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusInfo      Status = "info"
	StatusWarning   Status = "warning"
)

// Notification is identified by Type and DetailsKey. Publishing another
// notification with the same pair replaces it in place.
type Notification struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	DetailsKey string         `json:"detailsKey,omitempty"`
	Status     Status         `json:"status"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Identity returns the dedup key, or "" when the notification has none.
func (n Notification) Identity() string {
	if n.DetailsKey == "" {
		return ""
	}
	return n.Type + "-" + n.DetailsKey
}

type Sink interface {
	Notify(n Notification)
}

type SinkFunc func(n Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }
