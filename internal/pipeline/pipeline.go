// Package pipeline implements the download and upload stages of the recording pipeline.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/internal/ledger"
	"github.com/aura-webinar/recording-ingester/pkg/logging"
	"github.com/aura-webinar/recording-ingester/pkg/queue"
)

// failureWriteTimeout bounds ledger writes made after the stage context is done.
const failureWriteTimeout = 5 * time.Second

// detached returns a context that survives cancellation of ctx, so a stage that ran out of
// budget can still record its failed status.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
}

// DeadLetterHook returns a queue.Options.OnDeadLetter callback that re-writes the stage's
// failed status, flagged as dead-lettered, for the job's recording.
func DeadLetterHook(l ledger.StatusLedger, failed ledger.Status, logger *zap.Logger) func(context.Context, *queue.Job, string) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, job *queue.Job, cause string) {
		id := job.RecordingID()
		if id == "" {
			logging.FromContext(ctx, logger).Error("dead-lettered job has no recording id",
				zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
			return
		}
		wctx, cancel := detached(ctx)
		defer cancel()
		l.Write(wctx, id, failed, map[string]any{
			"dead_lettered": true,
			"error":         cause,
			"attempts":      job.Attempt,
			"job_id":        job.ID,
		})
	}
}
