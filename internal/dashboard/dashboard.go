// Package dashboard implements the monitoring endpoints for tracked operations and their history.
package dashboard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/lancachectl/internal/httputil"
	"github.com/nadmax/lancachectl/internal/lifecycle"
	"github.com/nadmax/lancachectl/internal/operation"
	"github.com/nadmax/lancachectl/internal/repository"
	"github.com/nadmax/lancachectl/internal/repository/models"
)

const (
	statsWindowHours    = 24
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type StateSource interface {
	States() []lifecycle.State
}

type Dashboard struct {
	states  StateSource
	history repository.HistoryRepository
	now     func() time.Time
}

type OperationSummary struct {
	Kind        string  `json:"kind"`
	Phase       string  `json:"phase"`
	OperationID string  `json:"operation_id,omitempty"`
	Status      string  `json:"status,omitempty"`
	Percent     float64 `json:"percent_complete"`
}

type Stats struct {
	ActiveOperations  int                   `json:"active_operations"`
	Operations        []OperationSummary    `json:"operations"`
	Outcomes          []models.OutcomeStats `json:"outcomes"`
	CompletedLast24h  int                   `json:"completed_last_24h"`
	FailedLast24h     int                   `json:"failed_last_24h"`
	BytesDeleted      int64                 `json:"bytes_deleted"`
	BytesDeletedHuman string                `json:"bytes_deleted_human"`
	HistoryEnabled    bool                  `json:"history_enabled"`
	LastUpdated       time.Time             `json:"last_updated"`
}

// NewDashboard builds the handlers. history may be nil when no history
// database is configured.
func NewDashboard(states StateSource, history repository.HistoryRepository) *Dashboard {
	return &Dashboard{states: states, history: history, now: time.Now}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := Stats{
		Operations:     []OperationSummary{},
		Outcomes:       []models.OutcomeStats{},
		HistoryEnabled: d.history != nil,
		LastUpdated:    d.now(),
	}

	for _, st := range d.states.States() {
		if st.Phase == lifecycle.PhaseActive || st.Phase == lifecycle.PhaseCancelling || st.Phase == lifecycle.PhaseStarting {
			stats.ActiveOperations++
		}
		stats.Operations = append(stats.Operations, OperationSummary{
			Kind:        st.Kind.String(),
			Phase:       string(st.Phase),
			OperationID: st.OperationID,
			Status:      string(st.Status),
			Percent:     st.Percent,
		})
	}

	if d.history != nil {
		outcomes, err := d.history.GetOutcomeStats(r.Context(), statsWindowHours)
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, o := range outcomes {
			switch o.Status {
			case string(operation.StatusCompleted):
				stats.CompletedLast24h += o.Count
			case string(operation.StatusFailed):
				stats.FailedLast24h += o.Count
			}
			stats.BytesDeleted += o.TotalBytesDeleted
		}
		if outcomes != nil {
			stats.Outcomes = outcomes
		}
	}
	stats.BytesDeletedHuman = lifecycle.FormatBytes(stats.BytesDeleted)

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// GetHistory lists finished operations, newest first. It accepts optional
// kind and limit query parameters.
func (d *Dashboard) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	if d.history == nil {
		httputil.WriteJSON(w, http.StatusOK, []models.RecentOutcome{})
		return
	}

	var (
		outcomes []models.RecentOutcome
		err      error
	)
	if kind := r.URL.Query().Get("kind"); kind != "" {
		outcomes, err = d.history.GetOutcomesByKind(r.Context(), kind, limit)
	} else {
		outcomes, err = d.history.GetRecentOutcomes(r.Context(), limit)
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if outcomes == nil {
		outcomes = []models.RecentOutcome{}
	}

	httputil.WriteJSON(w, http.StatusOK, outcomes)
}
