package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/nadmax/lancachectl/internal/repository/models"
)

// MockHistoryRepository is an in-memory HistoryRepository that records calls.
type MockHistoryRepository struct {
	mu                   sync.Mutex
	SaveOutcomeCalls     []*models.OperationOutcome
	GetOutcomeStatsCalls []int
	Stats                []models.OutcomeStats
	SaveOutcomeError     error
	GetOutcomeStatsError error
	GetRecentError       error
	Closed               bool
}

func NewMockHistoryRepository() *MockHistoryRepository {
	return &MockHistoryRepository{
		Stats: make([]models.OutcomeStats, 0),
	}
}

func (m *MockHistoryRepository) SaveOutcome(ctx context.Context, o *models.OperationOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveOutcomeError != nil {
		return m.SaveOutcomeError
	}

	outcomeCopy := *o
	m.SaveOutcomeCalls = append(m.SaveOutcomeCalls, &outcomeCopy)
	return nil
}

func (m *MockHistoryRepository) GetOutcomeStats(ctx context.Context, hours int) ([]models.OutcomeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetOutcomeStatsCalls = append(m.GetOutcomeStatsCalls, hours)
	if m.GetOutcomeStatsError != nil {
		return nil, m.GetOutcomeStatsError
	}

	return append([]models.OutcomeStats(nil), m.Stats...), nil
}

func (m *MockHistoryRepository) GetRecentOutcomes(ctx context.Context, limit int) ([]models.RecentOutcome, error) {
	return m.recent("", limit)
}

func (m *MockHistoryRepository) GetOutcomesByKind(ctx context.Context, kind string, limit int) ([]models.RecentOutcome, error) {
	return m.recent(kind, limit)
}

func (m *MockHistoryRepository) recent(kind string, limit int) ([]models.RecentOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentError != nil {
		return nil, m.GetRecentError
	}

	var out []models.RecentOutcome
	for _, o := range m.SaveOutcomeCalls {
		if kind != "" && o.Kind != kind {
			continue
		}
		out = append(out, models.RecentOutcome{
			OperationID: o.OperationID,
			Kind:        o.Kind,
			Status:      o.Status,
			Message:     o.Message,
			Error:       o.Error,
			FinishedAt:  o.FinishedAt,
			DurationMs:  o.DurationMs,
			StartedAt:   o.StartedAt,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (m *MockHistoryRepository) Outcomes() []*models.OperationOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.OperationOutcome(nil), m.SaveOutcomeCalls...)
}

func (m *MockHistoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}
