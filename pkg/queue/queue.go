// Package queue implements at-least-once job queues on Redis with visibility timeouts,
// exponential retry backoff, per-group ordering and a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueDownload is the download stage queue name.
	QueueDownload = "download"
	// QueueUpload is the upload stage queue name.
	QueueUpload = "upload"

	// DefaultMaxAttempts is the number of deliveries before a job is dead-lettered.
	DefaultMaxAttempts = 3
	// DefaultRetryBackoff is the delay before the first retry.
	DefaultRetryBackoff = 10 * time.Second

	reapBatch = 100
)

var jobsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ingester_queue_jobs_total",
		Help: "Queue job events by queue and event.",
	},
	[]string{"queue", "event"},
)

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	GroupID   string          `json:"group_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"` // failed deliveries so far
	CreatedAt time.Time       `json:"created_at"`
	LastError string          `json:"last_error,omitempty"`
}

// DeadLetter is a job that exhausted its attempts or failed permanently.
type DeadLetter struct {
	Job      Job       `json:"job"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Stats reports queue depth.
type Stats struct {
	Name     string `json:"name"`
	Ready    int64  `json:"ready"`
	Inflight int64  `json:"inflight"`
	Delayed  int64  `json:"delayed"`
	Dead     int64  `json:"dead"`
}

// Options configures redelivery.
type Options struct {
	MaxAttempts     int
	Visibility      time.Duration // how long a delivered job stays invisible before redelivery
	RetryBackoff    time.Duration
	MaxBackoff      time.Duration
	PollInterval    time.Duration
	Ordered         bool          // at most one job per group in flight
	GroupRetryDelay time.Duration // delay for a job whose group is busy
	// OnDeadLetter is called after a job lands in the dead-letter list, whichever path put it there.
	OnDeadLetter func(ctx context.Context, job *Job, cause string)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.MaxBackoff < o.RetryBackoff {
		o.MaxBackoff = o.RetryBackoff
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.GroupRetryDelay <= 0 {
		o.GroupRetryDelay = o.PollInterval
	}
	return o
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client redis.UniversalClient
	name   string
	opts   Options
	keys   keys
	logger *zap.Logger
	now    func() time.Time
}

type keys struct {
	ready, inflight, delayed, jobs, attempts, errors, dlq string
	prefix                                              string
}

func newKeys(name string) keys {
	p := "queue:" + name + ":"
	return keys{
		prefix:   p,
		ready:    p + "ready",
		inflight: p + "inflight",
		delayed:  p + "delayed",
		jobs:     p + "jobs",
		attempts: p + "attempts",
		errors:   p + "errors",
		dlq:      p + "dlq",
	}
}

func (k keys) lock(group string) string { return k.prefix + "lock:" + group }

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client redis.UniversalClient, name string, opts Options, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client: client,
		name:   name,
		opts:   opts.withDefaults(),
		keys:   newKeys(name),
		logger: logger.With(zap.String("queue", name)),
		now:    time.Now,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue adds a job. group orders jobs on an ordered queue and may be empty.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, group string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		GroupID:   group,
		Payload:   body,
		Attempt:   0,
		CreatedAt: q.now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.keys.jobs, job.ID, raw)
		p.RPush(ctx, q.keys.ready, job.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", jobType, err)
	}
	jobsTotal.WithLabelValues(q.name, "enqueued").Inc()
	q.logger.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("type", string(jobType)), zap.String("group", group))
	return job.ID, nil
}

// Dequeue blocks until a job is available or ctx is done. The job stays invisible to other
// consumers for the visibility timeout and must be settled with Ack, Retry or DeadLetter.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		job, err := q.tryDequeue(ctx)
		if err != nil || job != nil {
			return job, err
		}
		timer := time.NewTimer(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryDequeue makes one non-blocking attempt; it returns nil, nil when nothing is deliverable.
func (q *Queue) tryDequeue(ctx context.Context) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := q.now()
	if err := q.housekeep(ctx, now); err != nil {
		return nil, err
	}
	for {
		job, err := q.claim(ctx, now)
		if err != nil || job == nil {
			return nil, err
		}
		if job.Attempt >= q.opts.MaxAttempts {
			cause := job.LastError
			if cause == "" {
				cause = "attempts exhausted"
			}
			if err := q.deadLetter(ctx, job, cause); err != nil {
				return nil, err
			}
			continue
		}
		if q.opts.Ordered && job.GroupID != "" {
			ok, err := q.lockGroup(ctx, job)
			if err != nil {
				return nil, err
			}
			if !ok {
				if err := q.postpone(ctx, job, q.opts.GroupRetryDelay); err != nil {
					return nil, err
				}
				continue
			}
		}
		jobsTotal.WithLabelValues(q.name, "delivered").Inc()
		return job, nil
	}
}

// housekeep promotes due delayed jobs and requeues jobs whose visibility expired.
func (q *Queue) housekeep(ctx context.Context, now time.Time) error {
	score := strconv.FormatInt(now.UnixMilli(), 10)
	reaped, err := reapScript.Run(ctx, q.client,
		[]string{q.keys.inflight, q.keys.delayed, q.keys.attempts, q.keys.errors},
		score, reapBatch).Int()
	if err != nil {
		return fmt.Errorf("reap expired jobs: %w", err)
	}
	if reaped > 0 {
		jobsTotal.WithLabelValues(q.name, "expired").Add(float64(reaped))
		q.logger.Warn("requeued jobs past their visibility timeout", zap.Int("count", reaped))
	}
	if err := promoteScript.Run(ctx, q.client,
		[]string{q.keys.delayed, q.keys.ready},
		score, reapBatch).Err(); err != nil {
		return fmt.Errorf("promote delayed jobs: %w", err)
	}
	return nil
}

func (q *Queue) claim(ctx context.Context, now time.Time) (*Job, error) {
	deadline := now.Add(q.opts.Visibility).UnixMilli()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.keys.ready, q.keys.inflight, q.keys.jobs, q.keys.attempts, q.keys.errors},
		deadline).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if len(res) < 4 {
		return nil, fmt.Errorf("claim job: unexpected reply %v", res)
	}
	id, raw := res[0], res[1]
	if raw == "" {
		q.logger.Warn("dropping job id without a body", zap.String("job_id", id))
		q.client.ZRem(ctx, q.keys.inflight, id)
		return q.claim(ctx, now)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("job_id", id), zap.Error(err))
		job = Job{ID: id, Payload: json.RawMessage(strconv.Quote(raw))}
		if err := q.deadLetter(ctx, &job, "undecodable job: "+err.Error()); err != nil {
			return nil, err
		}
		return q.claim(ctx, now)
	}
	job.Attempt, _ = strconv.Atoi(res[2])
	if res[3] != "" {
		job.LastError = res[3]
	}
	return &job, nil
}

func (q *Queue) lockGroup(ctx context.Context, job *Job) (bool, error) {
	key := q.keys.lock(job.GroupID)
	ok, err := q.client.SetNX(ctx, key, job.ID, q.opts.Visibility).Result()
	if err != nil {
		return false, fmt.Errorf("lock group %s: %w", job.GroupID, err)
	}
	if ok {
		return true, nil
	}
	// A redelivered job may still hold its own lock.
	holder, err := q.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("read group lock %s: %w", job.GroupID, err)
	}
	if holder == job.ID {
		return true, q.client.PExpire(ctx, key, q.opts.Visibility).Err()
	}
	return false, nil
}

// postpone moves a claimed job back to the delayed set without counting an attempt.
func (q *Queue) postpone(ctx context.Context, job *Job, delay time.Duration) error {
	due := float64(q.now().Add(delay).UnixMilli())
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.keys.inflight, job.ID)
		p.ZAdd(ctx, q.keys.delayed, redis.Z{Score: due, Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("defer job %s: %w", job.ID, err)
	}
	q.logger.Debug("group busy, deferring job", zap.String("job_id", job.ID), zap.String("group", job.GroupID))
	return nil
}

// Ack removes a successfully processed job.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.keys.inflight, job.ID)
		p.HDel(ctx, q.keys.jobs, job.ID)
		p.HDel(ctx, q.keys.attempts, job.ID)
		p.HDel(ctx, q.keys.errors, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	jobsTotal.WithLabelValues(q.name, "acked").Inc()
	return q.unlockGroup(ctx, job)
}

// Retry records a failed attempt. At the attempt ceiling the job is dead-lettered and
// deadLettered is true; otherwise it is redelivered after an exponential backoff.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) (deadLettered bool, err error) {
	msg := errorText(cause)
	attempts, err := q.client.HIncrBy(ctx, q.keys.attempts, job.ID, 1).Result()
	if err != nil {
		return false, fmt.Errorf("count attempt for job %s: %w", job.ID, err)
	}
	job.Attempt = int(attempts)
	job.LastError = msg
	if job.Attempt >= q.opts.MaxAttempts {
		return true, q.deadLetter(ctx, job, msg)
	}
	delay := q.Backoff(job.Attempt)
	due := float64(q.now().Add(delay).UnixMilli())
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.keys.inflight, job.ID)
		p.HSet(ctx, q.keys.errors, job.ID, msg)
		p.ZAdd(ctx, q.keys.delayed, redis.Z{Score: due, Member: job.ID})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("schedule retry for job %s: %w", job.ID, err)
	}
	jobsTotal.WithLabelValues(q.name, "retried").Inc()
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Duration("backoff", delay))
	// The group stays locked through the backoff so later jobs of the group wait for this one.
	return false, q.holdGroup(ctx, job, delay+q.opts.Visibility)
}

// DeadLetter moves a job to the dead-letter list immediately.
func (q *Queue) DeadLetter(ctx context.Context, job *Job, cause error) error {
	job.LastError = errorText(cause)
	return q.deadLetter(ctx, job, job.LastError)
}

func (q *Queue) deadLetter(ctx context.Context, job *Job, cause string) error {
	raw, err := json.Marshal(DeadLetter{Job: *job, Error: cause, FailedAt: q.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, q.keys.dlq, raw)
		p.ZRem(ctx, q.keys.inflight, job.ID)
		p.ZRem(ctx, q.keys.delayed, job.ID)
		p.HDel(ctx, q.keys.jobs, job.ID)
		p.HDel(ctx, q.keys.attempts, job.ID)
		p.HDel(ctx, q.keys.errors, job.ID)
		return nil
	})
	if err != nil {
		q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	jobsTotal.WithLabelValues(q.name, "dead_lettered").Inc()
	q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.String("error", cause))
	if q.opts.OnDeadLetter != nil {
		q.opts.OnDeadLetter(ctx, job, cause)
	}
	return q.unlockGroup(ctx, job)
}

func (q *Queue) unlockGroup(ctx context.Context, job *Job) error {
	if !q.opts.Ordered || job.GroupID == "" {
		return nil
	}
	if err := unlockScript.Run(ctx, q.client, []string{q.keys.lock(job.GroupID)}, job.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("unlock group %s: %w", job.GroupID, err)
	}
	return nil
}

func (q *Queue) holdGroup(ctx context.Context, job *Job, ttl time.Duration) error {
	if !q.opts.Ordered || job.GroupID == "" {
		return nil
	}
	if err := extendScript.Run(ctx, q.client, []string{q.keys.lock(job.GroupID)}, job.ID, ttl.Milliseconds()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("extend group lock %s: %w", job.GroupID, err)
	}
	return nil
}

// Backoff returns the delay before redelivering a job that has failed attempt times.
func (q *Queue) Backoff(attempt int) time.Duration {
	delay := q.opts.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	return delay
}

// DeadLetters returns up to limit dead-lettered jobs, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.client.LRange(ctx, q.keys.dlq, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			q.logger.Warn("invalid dead letter", zap.Error(err))
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Stats returns the current queue depth.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var (
		ready, dead        *redis.IntCmd
		inflight, deferred *redis.IntCmd
	)
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.LLen(ctx, q.keys.ready)
		inflight = p.ZCard(ctx, q.keys.inflight)
		deferred = p.ZCard(ctx, q.keys.delayed)
		dead = p.LLen(ctx, q.keys.dlq)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Name:     q.name,
		Ready:    ready.Val(),
		Inflight: inflight.Val(),
		Delayed:  deferred.Val(),
		Dead:     dead.Val(),
	}, nil
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
