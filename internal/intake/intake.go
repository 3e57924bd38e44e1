// Package intake accepts recording-completed events and hands them to the download stage.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/internal/ledger"
	"github.com/aura-webinar/recording-ingester/pkg/logging"
	"github.com/aura-webinar/recording-ingester/pkg/queue"
)

var (
	// ErrInvalidEvent is returned for events missing required identifiers.
	ErrInvalidEvent = errors.New("invalid recording event")
	// ErrUnauthorized is returned when an inbound notification fails authentication.
	ErrUnauthorized = errors.New("unauthorized")
)

var eventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ingester_intake_events_total",
		Help: "Recording events received by source and outcome.",
	},
	[]string{"source", "outcome"},
)

// Event is a normalized recording-completed notification.
type Event struct {
	RecordingID string        `json:"recording_id"`
	SeriesID    string        `json:"series_id"`
	HostID      string        `json:"host_id,omitempty"`
	Topic       string        `json:"topic,omitempty"`
	StartTime   time.Time     `json:"start_time,omitempty"`
	Duration    time.Duration `json:"-"`
	Source      string        `json:"source"`
}

// Validate checks the identifiers the pipeline keys on.
func (e Event) Validate() error {
	if strings.TrimSpace(e.RecordingID) == "" {
		return fmt.Errorf("%w: missing recording id", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.SeriesID) == "" {
		return fmt.Errorf("%w: missing series id", ErrInvalidEvent)
	}
	return nil
}

// Outcome says what Submit did with an event.
type Outcome string

const (
	Accepted  Outcome = "accepted"
	Duplicate Outcome = "duplicate"
)

// Result is returned by Submit.
type Result struct {
	Outcome Outcome       `json:"outcome"`
	JobID   string        `json:"job_id,omitempty"`
	Status  ledger.Status `json:"status,omitempty"`
}

// DownloadQueue is the part of the download queue intake needs.
type DownloadQueue interface {
	EnqueueDownload(ctx context.Context, payload queue.DownloadPayload) (string, error)
}

// Claimer closes the race between concurrent deliveries of the same event.
type Claimer interface {
	Claim(ctx context.Context, recordingID string) (bool, error)
	Release(ctx context.Context, recordingID string) error
}

// Service deduplicates events and enqueues download jobs.
type Service struct {
	ledger ledger.StatusLedger
	queue  DownloadQueue
	claims Claimer
	logger *zap.Logger
}

// NewService creates an intake service. claims may be nil.
func NewService(l ledger.StatusLedger, q DownloadQueue, claims Claimer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{ledger: l, queue: q, claims: claims, logger: logger}
}

// Submit enqueues exactly one download job per recording id. A recording the ledger already
// shows past RECEIVED, or one claimed by a concurrent delivery, is reported as Duplicate.
func (s *Service) Submit(ctx context.Context, ev Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	if ev.Source == "" {
		ev.Source = queue.SourceWebhook
	}
	log := logging.FromContext(ctx, s.logger).With(
		zap.String("recording_id", ev.RecordingID),
		zap.String("series_id", ev.SeriesID),
		zap.String("source", ev.Source),
	)

	if rec := s.ledger.Read(ctx, ev.RecordingID); rec != nil && rec.Status != ledger.StatusReceived {
		eventsTotal.WithLabelValues(ev.Source, string(Duplicate)).Inc()
		log.Info("recording already in pipeline, skipping", zap.String("status", string(rec.Status)))
		return Result{Outcome: Duplicate, Status: rec.Status}, nil
	}

	claimed := false
	if s.claims != nil {
		ok, err := s.claims.Claim(ctx, ev.RecordingID)
		switch {
		case err != nil:
			log.Warn("intake claim unavailable, relying on ledger", zap.Error(err))
		case !ok:
			eventsTotal.WithLabelValues(ev.Source, string(Duplicate)).Inc()
			log.Info("recording claimed by a concurrent delivery, skipping")
			return Result{Outcome: Duplicate, Status: ledger.StatusReceived}, nil
		default:
			claimed = true
		}
	}

	attrs := map[string]any{"series_id": ev.SeriesID, "source": ev.Source}
	if ev.Topic != "" {
		attrs["topic"] = ev.Topic
	}
	if ev.HostID != "" {
		attrs["host_id"] = ev.HostID
	}
	if !ev.StartTime.IsZero() {
		attrs["start_time"] = ev.StartTime.UTC().Format(time.RFC3339)
	}
	// As reported by the notification; the download stage filters on the source API's value.
	if ev.Duration > 0 {
		attrs["reported_duration_seconds"] = int64(ev.Duration / time.Second)
	}
	s.ledger.Write(ctx, ev.RecordingID, ledger.StatusReceived, attrs)

	jobID, err := s.queue.EnqueueDownload(ctx, queue.DownloadPayload{
		RecordingID: ev.RecordingID,
		SeriesID:    ev.SeriesID,
		HostID:      ev.HostID,
		Topic:       ev.Topic,
		StartTime:   ev.StartTime,
		Source:      ev.Source,
	})
	if err != nil {
		if claimed {
			if relErr := s.claims.Release(ctx, ev.RecordingID); relErr != nil {
				log.Warn("release intake claim failed", zap.Error(relErr))
			}
		}
		eventsTotal.WithLabelValues(ev.Source, "error").Inc()
		return Result{}, fmt.Errorf("enqueue download for %s: %w", ev.RecordingID, err)
	}

	s.ledger.Write(ctx, ev.RecordingID, ledger.StatusSentToDownload, map[string]any{"download_job_id": jobID})
	eventsTotal.WithLabelValues(ev.Source, string(Accepted)).Inc()
	log.Info("recording sent to download", zap.String("job_id", jobID))
	return Result{Outcome: Accepted, JobID: jobID, Status: ledger.StatusSentToDownload}, nil
}
