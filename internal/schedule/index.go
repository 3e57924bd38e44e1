// Package schedule resolves a recording's series id to its destination series.
package schedule

import (
	"context"
	"errors"

	"github.com/aura-webinar/recording-ingester/internal/models"
)

// ErrNotFound is returned when a series has no usable schedule entry.
var ErrNotFound = errors.New("schedule entry not found")

// Index looks up schedule entries by series id.
type Index interface {
	Lookup(ctx context.Context, seriesID string) (*models.ScheduleEntry, error)
}
