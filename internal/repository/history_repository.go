package repository

import (
	"context"

	"github.com/nadmax/lancachectl/internal/repository/models"
)

type HistoryRepository interface {
	SaveOutcome(ctx context.Context, outcome *models.OperationOutcome) error
	GetOutcomeStats(ctx context.Context, hours int) ([]models.OutcomeStats, error)
	GetRecentOutcomes(ctx context.Context, limit int) ([]models.RecentOutcome, error)
	GetOutcomesByKind(ctx context.Context, kind string, limit int) ([]models.RecentOutcome, error)
	Close() error
}
