package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/internal/ledger"
	"github.com/aura-webinar/recording-ingester/internal/models"
	"github.com/aura-webinar/recording-ingester/internal/schedule"
	"github.com/aura-webinar/recording-ingester/pkg/logging"
	"github.com/aura-webinar/recording-ingester/pkg/queue"
	"github.com/aura-webinar/recording-ingester/pkg/storage"
)

// RecordingSource fetches recording metadata and media from the provider.
type RecordingSource interface {
	GetRecording(ctx context.Context, recordingID string) (*models.Recording, error)
	OpenFile(ctx context.Context, file models.RecordingFile) (io.ReadCloser, int64, error)
}

// UploadQueue accepts upload jobs.
type UploadQueue interface {
	EnqueueUpload(ctx context.Context, payload queue.UploadPayload) (string, error)
}

// DownloadConfig holds the download stage policy.
type DownloadConfig struct {
	MinDuration    time.Duration
	Location       *time.Location
	ScheduleWindow time.Duration
}

// Downloader is the download stage: it resolves the series, filters short recordings,
// copies the media into object storage and hands the recording to the upload stage.
type Downloader struct {
	ledger   ledger.StatusLedger
	schedule schedule.Index
	source   RecordingSource
	store    storage.ObjectStore
	uploads  UploadQueue
	cfg      DownloadConfig
	logger   *zap.Logger
}

// NewDownloader creates the download stage.
func NewDownloader(l ledger.StatusLedger, idx schedule.Index, src RecordingSource, store storage.ObjectStore, uploads UploadQueue, cfg DownloadConfig, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		ledger:   l,
		schedule: idx,
		source:   src,
		store:    store,
		uploads:  uploads,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handle processes one download job.
func (d *Downloader) Handle(ctx context.Context, job *queue.Job) error {
	var p queue.DownloadPayload
	if err := job.Decode(queue.JobTypeDownload, &p); err != nil {
		return err
	}
	if p.RecordingID == "" || p.SeriesID == "" {
		return queue.Permanent(fmt.Errorf("download job %s: missing recording or series id", job.ID))
	}
	return d.Download(ctx, p)
}

// Download runs the stage for one recording. A nil error means the job can be acknowledged,
// including the NO_SERIES_FOUND and TOO_SHORT outcomes.
func (d *Downloader) Download(ctx context.Context, p queue.DownloadPayload) error {
	id := p.RecordingID
	log := logging.FromContext(ctx, d.logger).With(
		zap.String("recording_id", id),
		zap.String("series_id", p.SeriesID),
	)

	if rec := d.ledger.Read(ctx, id); rec != nil && downloadDone(rec.Status) {
		log.Info("download stage already completed, skipping", zap.String("status", string(rec.Status)))
		return nil
	}
	d.ledger.Write(ctx, id, ledger.StatusDownloadReceived, map[string]any{"series_id": p.SeriesID})

	entry, err := d.schedule.Lookup(ctx, p.SeriesID)
	if errors.Is(err, schedule.ErrNotFound) {
		d.ledger.Write(ctx, id, ledger.StatusNoSeriesFound, map[string]any{"series_id": p.SeriesID})
		log.Info("no schedule entry for series")
		return nil
	}
	if err != nil {
		return d.fail(ctx, id, fmt.Errorf("lookup series %s: %w", p.SeriesID, err))
	}
	found := map[string]any{
		"destination_series_id": entry.DestinationSeriesID,
		"subject_label":         entry.SubjectLabel,
	}
	if !p.StartTime.IsZero() {
		found["on_schedule"] = entry.Matches(p.StartTime, d.cfg.Location, d.cfg.ScheduleWindow)
	}
	d.ledger.Write(ctx, id, ledger.StatusSeriesFound, found)

	rec, err := d.source.GetRecording(ctx, id)
	if err != nil {
		return d.fail(ctx, id, fmt.Errorf("get recording: %w", err))
	}
	if rec.Duration < d.cfg.MinDuration {
		d.ledger.Write(ctx, id, ledger.StatusTooShort, map[string]any{
			"duration_seconds": int64(rec.Duration / time.Second),
			"minimum_seconds":  int64(d.cfg.MinDuration / time.Second),
		})
		log.Info("recording too short", zap.Duration("duration", rec.Duration), zap.Duration("minimum", d.cfg.MinDuration))
		return nil
	}

	file, ok := rec.MediaFile()
	if !ok {
		return d.fail(ctx, id, queue.Permanent(errors.New("recording has no completed MP4 file")))
	}
	key := storage.RecordingKey(id)
	if err := d.copyMedia(ctx, file, key); err != nil {
		return d.fail(ctx, id, err)
	}

	start := rec.StartTime
	if start.IsZero() {
		start = p.StartTime
	}
	topic := rec.Topic
	if topic == "" {
		topic = p.Topic
	}
	jobID, err := d.uploads.EnqueueUpload(ctx, queue.UploadPayload{
		RecordingID:         id,
		SeriesID:            p.SeriesID,
		DestinationSeriesID: entry.DestinationSeriesID,
		ObjectStorageKey:    key,
		Topic:               topic,
		SubjectLabel:        entry.SubjectLabel,
		StartTime:           start,
		DurationSeconds:     int64(rec.Duration / time.Second),
	})
	if err != nil {
		return d.fail(ctx, id, fmt.Errorf("enqueue upload: %w", err))
	}
	// The upload worker may already have run; never move its status back.
	if rec := d.ledger.Read(ctx, id); rec != nil && rec.Status.Stage() == ledger.StageUpload {
		log.Info("upload stage already recorded, leaving status", zap.String("status", string(rec.Status)), zap.String("upload_job_id", jobID))
		return nil
	}
	d.ledger.Write(ctx, id, ledger.StatusSentToUpload, map[string]any{
		"object_storage_key": key,
		"upload_job_id":      jobID,
	})
	log.Info("recording stored and sent to upload", zap.String("key", key), zap.String("upload_job_id", jobID))
	return nil
}

func (d *Downloader) copyMedia(ctx context.Context, file models.RecordingFile, key string) error {
	body, size, err := d.source.OpenFile(ctx, file)
	if err != nil {
		return fmt.Errorf("open media file %s: %w", file.ID, err)
	}
	defer body.Close()
	if err := d.store.Put(ctx, key, storage.ContentTypeMP4, body, size); err != nil {
		return fmt.Errorf("store media: %w", err)
	}
	return nil
}

func (d *Downloader) fail(ctx context.Context, id string, err error) error {
	wctx, cancel := detached(ctx)
	defer cancel()
	d.ledger.Write(wctx, id, ledger.StatusDownloadFailed, map[string]any{"error": err.Error()})
	return err
}

// downloadDone reports whether status shows the download stage finished for good.
func downloadDone(s ledger.Status) bool {
	switch s {
	case ledger.StatusNoSeriesFound, ledger.StatusTooShort:
		return true
	}
	return s.Stage() == ledger.StageUpload
}
