package schedule

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/internal/models"
	"github.com/aura-webinar/recording-ingester/pkg/logging"
)

// Repository reads the schedule table.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a schedule repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	return &Repository{pool: pool, logger: logger}
}

// Lookup returns the entry for seriesID. A missing or malformed row is ErrNotFound.
func (r *Repository) Lookup(ctx context.Context, seriesID string) (*models.ScheduleEntry, error) {
	const q = `SELECT series_id, destination_series_id, subject_label, scheduled_days, scheduled_times
		FROM schedule WHERE series_id = $1`
	var row models.ScheduleRow
	err := r.pool.QueryRow(ctx, q, seriesID).Scan(&row.SeriesID, &row.DestinationSeriesID, &row.SubjectLabel, &row.Days, &row.Times)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup schedule for series %s: %w", seriesID, err)
	}
	entry, err := row.Entry()
	if err != nil {
		logging.FromContext(ctx, r.logger).Warn("ignoring malformed schedule entry",
			zap.String("series_id", seriesID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return entry, nil
}

// Upsert writes a schedule row. The table is normally maintained by the schedule importer.
func (r *Repository) Upsert(ctx context.Context, row models.ScheduleRow) error {
	const q = `INSERT INTO schedule (series_id, destination_series_id, subject_label, scheduled_days, scheduled_times, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (series_id) DO UPDATE
		SET destination_series_id = EXCLUDED.destination_series_id,
			subject_label = EXCLUDED.subject_label,
			scheduled_days = EXCLUDED.scheduled_days,
			scheduled_times = EXCLUDED.scheduled_times,
			updated_at = NOW()`
	days, times := row.Days, row.Times
	if days == nil {
		days = []string{}
	}
	if times == nil {
		times = []string{}
	}
	_, err := r.pool.Exec(ctx, q, row.SeriesID, row.DestinationSeriesID, row.SubjectLabel, days, times)
	if err != nil {
		return fmt.Errorf("upsert schedule for series %s: %w", row.SeriesID, err)
	}
	return nil
}
