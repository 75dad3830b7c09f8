// Package repository provides PostgreSQL persistence for operation history.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/lancachectl/internal/repository/models"
	"github.com/sirupsen/logrus"
)

const schema = `
	CREATE TABLE IF NOT EXISTS operation_history (
		operation_id      TEXT NOT NULL,
		kind              TEXT NOT NULL,
		status            TEXT NOT NULL,
		message           TEXT,
		error             TEXT,
		metadata          JSONB,
		bytes_deleted     BIGINT NOT NULL DEFAULT 0,
		entries_processed BIGINT NOT NULL DEFAULT 0,
		started_at        TIMESTAMPTZ,
		finished_at       TIMESTAMPTZ NOT NULL,
		duration_ms       BIGINT,
		PRIMARY KEY (kind, operation_id)
	);
	CREATE INDEX IF NOT EXISTS idx_operation_history_finished_at ON operation_history (finished_at DESC);
`

type PostgresHistoryRepository struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

func NewPostgresHistoryRepository(connectionString string, logger logrus.FieldLogger) (*PostgresHistoryRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newPostgresHistoryRepository(db, logger), nil
}

func newPostgresHistoryRepository(db *sql.DB, logger logrus.FieldLogger) *PostgresHistoryRepository {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PostgresHistoryRepository{db: db, logger: logger}
}

func (r *PostgresHistoryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create operation_history: %w", err)
	}
	return nil
}

// SaveOutcome upserts by (kind, operation_id), so a replayed terminal outcome
// overwrites rather than duplicates.
func (r *PostgresHistoryRepository) SaveOutcome(ctx context.Context, o *models.OperationOutcome) error {
	var metadata any
	if len(o.Metadata) > 0 {
		raw, err := json.Marshal(o.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = raw
	}

	query := `
		INSERT INTO operation_history (
			operation_id, kind, status, message, error, metadata,
			bytes_deleted, entries_processed, started_at, finished_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (kind, operation_id) DO UPDATE SET
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			error = EXCLUDED.error,
			bytes_deleted = EXCLUDED.bytes_deleted,
			entries_processed = EXCLUDED.entries_processed,
			finished_at = EXCLUDED.finished_at,
			duration_ms = EXCLUDED.duration_ms
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		o.OperationID,
		o.Kind,
		o.Status,
		nullString(o.Message),
		nullString(o.Error),
		metadata,
		o.BytesDeleted,
		o.EntriesProcessed,
		o.StartedAt,
		o.FinishedAt,
		o.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to save outcome %s: %w", o.OperationID, err)
	}

	return nil
}

func (r *PostgresHistoryRepository) GetOutcomeStats(ctx context.Context, hours int) ([]models.OutcomeStats, error) {
	query := `
		SELECT
			kind, status, COUNT(*) as count,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) as max_duration_ms,
			COALESCE(SUM(bytes_deleted), 0) as total_bytes_deleted
		FROM operation_history
		WHERE finished_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY kind, status
		ORDER BY kind, status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}
	defer r.closeRows(rows)

	var stats []models.OutcomeStats
	for rows.Next() {
		var s models.OutcomeStats
		if err := rows.Scan(
			&s.Kind,
			&s.Status,
			&s.Count,
			&s.AvgDurationMs,
			&s.MaxDurationMs,
			&s.TotalBytesDeleted,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresHistoryRepository) GetRecentOutcomes(ctx context.Context, limit int) ([]models.RecentOutcome, error) {
	query := `
		SELECT
			operation_id, kind, status, COALESCE(message, ''), COALESCE(error, ''),
			finished_at, duration_ms, started_at
		FROM operation_history
		ORDER BY finished_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer r.closeRows(rows)

	return scanRecent(rows)
}

func (r *PostgresHistoryRepository) GetOutcomesByKind(ctx context.Context, kind string, limit int) ([]models.RecentOutcome, error) {
	query := `
		SELECT
			operation_id, kind, status, COALESCE(message, ''), COALESCE(error, ''),
			finished_at, duration_ms, started_at
		FROM operation_history
		WHERE kind = $1
		ORDER BY finished_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, kind, limit)
	if err != nil {
		return nil, err
	}
	defer r.closeRows(rows)

	return scanRecent(rows)
}

func scanRecent(rows *sql.Rows) ([]models.RecentOutcome, error) {
	var outcomes []models.RecentOutcome
	for rows.Next() {
		var o models.RecentOutcome
		if err := rows.Scan(
			&o.OperationID,
			&o.Kind,
			&o.Status,
			&o.Message,
			&o.Error,
			&o.FinishedAt,
			&o.DurationMs,
			&o.StartedAt,
		); err != nil {
			return nil, err
		}

		outcomes = append(outcomes, o)
	}

	return outcomes, rows.Err()
}

func (r *PostgresHistoryRepository) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		r.logger.WithError(err).Warn("failed to close rows")
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *PostgresHistoryRepository) Close() error {
	return r.db.Close()
}
