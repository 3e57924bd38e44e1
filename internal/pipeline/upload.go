package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/internal/ingest"
	"github.com/aura-webinar/recording-ingester/internal/ledger"
	"github.com/aura-webinar/recording-ingester/pkg/logging"
	"github.com/aura-webinar/recording-ingester/pkg/queue"
	"github.com/aura-webinar/recording-ingester/pkg/storage"
)

// MediaResolver turns a stored object key into a reference the ingest API can fetch.
type MediaResolver interface {
	MediaURL(ctx context.Context, key string) (string, error)
}

// Ingester submits recordings to the media platform.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Response, error)
}

// Uploader is the upload stage: it delivers a stored recording to the ingest API once.
type Uploader struct {
	ledger ledger.StatusLedger
	media  MediaResolver
	ingest Ingester
	logger *zap.Logger
}

// NewUploader creates the upload stage.
func NewUploader(l ledger.StatusLedger, media MediaResolver, ing Ingester, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{ledger: l, media: media, ingest: ing, logger: logger}
}

// Handle processes one upload job.
func (u *Uploader) Handle(ctx context.Context, job *queue.Job) error {
	var p queue.UploadPayload
	if err := job.Decode(queue.JobTypeUpload, &p); err != nil {
		return err
	}
	if p.RecordingID == "" || p.DestinationSeriesID == "" || p.ObjectStorageKey == "" {
		return queue.Permanent(fmt.Errorf("upload job %s: incomplete payload", job.ID))
	}
	return u.Upload(ctx, p)
}

// Upload runs the stage for one recording. Upload jobs of one recording are delivered one
// at a time, so the ingested check below cannot race another delivery.
func (u *Uploader) Upload(ctx context.Context, p queue.UploadPayload) error {
	id := p.RecordingID
	log := logging.FromContext(ctx, u.logger).With(
		zap.String("recording_id", id),
		zap.String("destination_series_id", p.DestinationSeriesID),
	)

	if rec := u.ledger.Read(ctx, id); rec != nil && ingested(rec.Status) {
		u.ledger.Write(ctx, id, ledger.StatusAlreadyIngested, nil)
		log.Info("recording already ingested, skipping")
		return nil
	}
	u.ledger.Write(ctx, id, ledger.StatusUploadReceived, map[string]any{
		"destination_series_id": p.DestinationSeriesID,
	})

	mediaURL, err := u.media.MediaURL(ctx, p.ObjectStorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			err = queue.Permanent(err)
		}
		return u.fail(ctx, id, fmt.Errorf("resolve media %s: %w", p.ObjectStorageKey, err))
	}

	title := p.Topic
	if title == "" {
		title = p.SubjectLabel
	}
	resp, err := u.ingest.Ingest(ctx, ingest.Request{
		RecordingID:         id,
		DestinationSeriesID: p.DestinationSeriesID,
		Title:               title,
		SubjectLabel:        p.SubjectLabel,
		MediaURL:            mediaURL,
		StartTime:           p.StartTime,
		Duration:            time.Duration(p.DurationSeconds) * time.Second,
	})
	if errors.Is(err, ingest.ErrAlreadyIngested) {
		u.ledger.Write(ctx, id, ledger.StatusAlreadyIngested, map[string]any{"reported_by": "ingest_api"})
		log.Info("ingest API reports recording already ingested")
		return nil
	}
	if err != nil {
		return u.fail(ctx, id, err)
	}
	u.ledger.Write(ctx, id, ledger.StatusIngested, map[string]any{"workflow_id": resp.WorkflowID})
	log.Info("recording ingested", zap.String("workflow_id", resp.WorkflowID))
	return nil
}

func (u *Uploader) fail(ctx context.Context, id string, err error) error {
	wctx, cancel := detached(ctx)
	defer cancel()
	u.ledger.Write(wctx, id, ledger.StatusUploadFailed, map[string]any{"error": err.Error()})
	return err
}

func ingested(s ledger.Status) bool {
	return s == ledger.StatusIngested || s == ledger.StatusAlreadyIngested
}
