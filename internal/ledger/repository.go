package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the PostgreSQL status store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a ledger repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert writes the status, merges attributes and appends to recording_status_events in one statement.
func (r *Repository) Upsert(ctx context.Context, recordingID string, status Status, attrs map[string]any) (Status, error) {
	const q = `WITH prev AS (
			SELECT status FROM recording_status WHERE recording_id = $1 FOR UPDATE
		), up AS (
			INSERT INTO recording_status (recording_id, status, attributes, last_updated)
			VALUES ($1, $2, $3::jsonb, NOW())
			ON CONFLICT (recording_id) DO UPDATE
			SET status = EXCLUDED.status,
				attributes = recording_status.attributes || EXCLUDED.attributes,
				last_updated = EXCLUDED.last_updated
			RETURNING recording_id
		), ev AS (
			INSERT INTO recording_status_events (recording_id, status, previous, attributes)
			SELECT up.recording_id, $2, (SELECT status FROM prev), $3::jsonb FROM up
		)
		SELECT COALESCE((SELECT status FROM prev), '')`
	if attrs == nil {
		attrs = map[string]any{}
	}
	body, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	var prev string
	if err := r.pool.QueryRow(ctx, q, recordingID, string(status), string(body)).Scan(&prev); err != nil {
		return "", fmt.Errorf("upsert status %s for %s: %w", status, recordingID, err)
	}
	return Status(prev), nil
}

// Get returns the current record, or nil when there is none.
func (r *Repository) Get(ctx context.Context, recordingID string) (*Record, error) {
	const q = `SELECT recording_id, status, attributes, last_updated
		FROM recording_status WHERE recording_id = $1`
	var (
		rec    Record
		status string
	)
	err := r.pool.QueryRow(ctx, q, recordingID).Scan(&rec.RecordingID, &status, &rec.Attributes, &rec.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get status for %s: %w", recordingID, err)
	}
	rec.Status = Status(status)
	if rec.Attributes == nil {
		rec.Attributes = map[string]any{}
	}
	return &rec, nil
}

// History returns up to limit events, oldest first. limit <= 0 returns all.
func (r *Repository) History(ctx context.Context, recordingID string, limit int) ([]Event, error) {
	q := `SELECT id, recording_id, status, COALESCE(previous, ''), attributes, created_at
		FROM recording_status_events WHERE recording_id = $1 ORDER BY id`
	args := []any{recordingID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list status events for %s: %w", recordingID, err)
	}
	defer rows.Close()
	var list []Event
	for rows.Next() {
		var (
			ev             Event
			status, before string
		)
		if err := rows.Scan(&ev.ID, &ev.RecordingID, &status, &before, &ev.Attributes, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Status, ev.Previous = Status(status), Status(before)
		list = append(list, ev)
	}
	return list, rows.Err()
}
