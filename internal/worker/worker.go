package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/pkg/queue"
)

// Queue is the part of a stage queue the runner drives.
type Queue interface {
	Name() string
	Dequeue(ctx context.Context) (*queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Retry(ctx context.Context, job *queue.Job, cause error) (bool, error)
	DeadLetter(ctx context.Context, job *queue.Job, cause error) error
}

// Runner drives one stage queue with a fixed number of concurrent loops.
type Runner struct {
	queue       Queue
	handler     Handler
	concurrency int
	errBackoff  time.Duration
	logger      *zap.Logger
}

// NewRunner creates a runner. concurrency below 1 means one loop.
func NewRunner(q Queue, h Handler, concurrency int, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		queue:       q,
		handler:     h,
		concurrency: concurrency,
		errBackoff:  time.Second,
		logger:      logger.With(zap.String("queue", q.Name())),
	}
}

// Run blocks until ctx is cancelled and every loop has finished its current job.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.loop(ctx, n)
		}(i)
	}
	r.logger.Info("stage runner started", zap.Int("concurrency", r.concurrency))
	wg.Wait()
	r.logger.Info("stage runner stopped")
}

func (r *Runner) loop(ctx context.Context, n int) {
	for {
		job, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("dequeue error", zap.Int("loop", n), zap.Error(err))
			if !sleep(ctx, r.errBackoff) {
				return
			}
			continue
		}
		if job == nil {
			continue
		}
		r.process(ctx, job)
	}
}

// process runs the handler and settles the job. Settlement uses a context that outlives
// shutdown so an in-progress job is not left to its visibility timeout.
func (r *Runner) process(ctx context.Context, job *queue.Job) {
	herr := r.handler(ctx, job)
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	log := r.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))

	switch {
	case herr == nil:
		if err := r.queue.Ack(sctx, job); err != nil {
			log.Error("ack failed", zap.Error(err))
		}
	case errors.Is(herr, queue.ErrPermanent):
		if err := r.queue.DeadLetter(sctx, job, herr); err != nil {
			log.Error("dead-letter failed", zap.Error(err))
		}
	default:
		if _, err := r.queue.Retry(sctx, job, herr); err != nil {
			log.Error("retry failed", zap.Error(err))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
