package ledger

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/pkg/logging"
)

var (
	writesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingester_ledger_writes_total",
			Help: "Status ledger writes by status.",
		},
		[]string{"status"},
	)
	writeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingester_ledger_write_failures_total",
			Help: "Status ledger writes that could not be persisted.",
		},
	)
	unexpectedTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingester_ledger_unexpected_transitions_total",
			Help: "Status writes that do not follow the pipeline transition table.",
		},
		[]string{"from", "to"},
	)
)

// Record is the current status of one recording.
type Record struct {
	RecordingID string         `json:"recording_id"`
	Status      Status         `json:"status"`
	LastUpdated time.Time      `json:"last_updated"`
	Attributes  map[string]any `json:"attributes"`
}

// Event is one entry of a recording's status history.
type Event struct {
	ID          int64          `json:"id"`
	RecordingID string         `json:"recording_id"`
	Status      Status         `json:"status"`
	Previous    Status         `json:"previous,omitempty"`
	Attributes  map[string]any `json:"attributes"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Store persists status records.
type Store interface {
	// Upsert sets the status, merges attrs into the stored attributes and appends a history
	// event. It returns the status the record had before, or "" when it did not exist.
	Upsert(ctx context.Context, recordingID string, status Status, attrs map[string]any) (Status, error)
	// Get returns nil, nil when the recording has no record.
	Get(ctx context.Context, recordingID string) (*Record, error)
	History(ctx context.Context, recordingID string, limit int) ([]Event, error)
}

// StatusLedger is the view of the ledger the pipeline stages depend on.
type StatusLedger interface {
	Write(ctx context.Context, recordingID string, status Status, attrs map[string]any)
	Read(ctx context.Context, recordingID string) *Record
}

// Ledger is the best-effort status ledger: writes never fail the caller and reads report
// an unreachable store as an absent record.
type Ledger struct {
	store  Store
	logger *zap.Logger
}

// New creates a ledger over store.
func New(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, logger: logger}
}

// Write records status for recordingID. Storage failures are logged and counted.
func (l *Ledger) Write(ctx context.Context, recordingID string, status Status, attrs map[string]any) {
	log := logging.FromContext(ctx, l.logger).With(
		zap.String("recording_id", recordingID),
		zap.String("status", string(status)),
	)
	if !status.Valid() {
		writeFailures.Inc()
		log.Error("refusing to write unknown status")
		return
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	prev, err := l.store.Upsert(ctx, recordingID, status, attrs)
	if err != nil {
		writeFailures.Inc()
		log.Error("status ledger write failed", zap.Error(err))
		return
	}
	writesTotal.WithLabelValues(string(status)).Inc()
	if !CanTransition(prev, status) {
		unexpectedTransitions.WithLabelValues(string(prev), string(status)).Inc()
		log.Warn("unexpected status transition", zap.String("previous", string(prev)))
		return
	}
	log.Debug("status written", zap.String("previous", string(prev)))
}

// Read returns the current record, or nil when it is absent or cannot be read.
func (l *Ledger) Read(ctx context.Context, recordingID string) *Record {
	rec, err := l.store.Get(ctx, recordingID)
	if err != nil {
		logging.FromContext(ctx, l.logger).Error("status ledger read failed",
			zap.String("recording_id", recordingID), zap.Error(err))
		return nil
	}
	return rec
}

// History returns up to limit events for recordingID, oldest first.
func (l *Ledger) History(ctx context.Context, recordingID string, limit int) ([]Event, error) {
	return l.store.History(ctx, recordingID, limit)
}
