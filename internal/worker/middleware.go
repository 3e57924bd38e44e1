// Package worker runs stage handlers against their queues.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/pkg/logging"
	"github.com/aura-webinar/recording-ingester/pkg/queue"
)

var (
	jobsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingester_stage_jobs_total",
			Help: "Jobs handled by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingester_stage_job_duration_seconds",
			Help:    "Stage handler duration in seconds.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
		},
		[]string{"stage"},
	)
)

// Handler processes one job. A nil error acknowledges the job.
type Handler func(ctx context.Context, job *queue.Job) error

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// Chain applies mws so the first one is outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// WithLogging puts a job-scoped logger in the context and logs the outcome. Errors are
// returned unchanged.
func WithLogging(logger *zap.Logger, stage string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, job *queue.Job) error {
			log := logger.With(
				zap.String("stage", stage),
				zap.String("job_id", job.ID),
				zap.String("recording_id", job.RecordingID()),
				zap.Int("attempt", job.Attempt),
			)
			start := time.Now()
			log.Debug("job started")
			err := next(logging.WithLogger(ctx, log), job)
			if err != nil {
				log.Error("job failed", zap.Duration("took", time.Since(start)), zap.Error(err))
				return err
			}
			log.Info("job done", zap.Duration("took", time.Since(start)))
			return nil
		}
	}
}

// WithTimeout cancels the handler context after budget. A job that runs out of budget fails
// like any other error.
func WithTimeout(budget time.Duration) Middleware {
	return func(next Handler) Handler {
		if budget <= 0 {
			return next
		}
		return func(ctx context.Context, job *queue.Job) error {
			ctx, cancel := context.WithTimeout(ctx, budget)
			defer cancel()
			err := next(ctx, job)
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("execution budget %s exceeded: %w", budget, err)
			}
			return err
		}
	}
}

// WithMetrics records handler outcomes and durations.
func WithMetrics(stage string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, job *queue.Job) error {
			start := time.Now()
			err := next(ctx, job)
			jobDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
			jobsHandled.WithLabelValues(stage, outcome(err)).Inc()
			return err
		}
	}
}

// Recover turns a handler panic into an error so the job is retried.
func Recover(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, job *queue.Job) (err error) {
			defer func() {
				if p := recover(); p != nil {
					logging.FromContext(ctx, logger).Error("handler panic",
						zap.String("job_id", job.ID), zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
					err = fmt.Errorf("handler panic: %v", p)
				}
			}()
			return next(ctx, job)
		}
	}
}

// Stage wraps a stage handler with the standard middleware stack.
func Stage(h Handler, stage string, budget time.Duration, logger *zap.Logger) Handler {
	return Chain(h,
		WithMetrics(stage),
		WithLogging(logger, stage),
		Recover(logger),
		WithTimeout(budget),
	)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, queue.ErrPermanent):
		return "permanent"
	default:
		return "error"
	}
}
