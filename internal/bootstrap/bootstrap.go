// Package bootstrap builds the components shared by the server and worker processes.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/config"
	"github.com/aura-webinar/recording-ingester/internal/apiclient"
	"github.com/aura-webinar/recording-ingester/internal/ledger"
	"github.com/aura-webinar/recording-ingester/internal/pipeline"
	"github.com/aura-webinar/recording-ingester/pkg/database"
	"github.com/aura-webinar/recording-ingester/pkg/queue"
	"github.com/aura-webinar/recording-ingester/pkg/redis"
	"github.com/aura-webinar/recording-ingester/pkg/storage"
)

// Infra holds the connections and stores every process needs.
type Infra struct {
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Ledger    *ledger.Ledger
	Downloads *queue.Queue
	Uploads   *queue.Queue
}

// Connect opens Postgres and Redis and builds the ledger and stage queues. With migrate
// set, pending schema migrations are applied first.
func Connect(ctx context.Context, cfg *config.Config, migrate bool, logger *zap.Logger) (*Infra, error) {
	if err := ledger.ValidateTransitions(); err != nil {
		return nil, fmt.Errorf("status transition table: %w", err)
	}
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if migrate {
		if err := database.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}

	l := ledger.New(ledger.NewRepository(pool), logger)
	downloads, uploads := NewQueues(rdb.Client, l, cfg, logger)
	return &Infra{Pool: pool, Redis: rdb, Ledger: l, Downloads: downloads, Uploads: uploads}, nil
}

// Close releases the connections.
func (i *Infra) Close() {
	_ = i.Redis.Close()
	i.Pool.Close()
}

// Check reports whether Postgres and Redis are reachable.
func (i *Infra) Check(ctx context.Context) error {
	if err := i.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return i.Redis.Check(ctx)
}

// QueueOptions converts queue configuration into queue options.
func QueueOptions(qc config.QueueConfig) queue.Options {
	return queue.Options{
		MaxAttempts:  qc.MaxAttempts,
		Visibility:   qc.Visibility,
		RetryBackoff: qc.RetryBackoff,
		MaxBackoff:   qc.MaxBackoff,
		PollInterval: qc.PollInterval,
	}
}

// NewQueues builds the download queue and the upload queue, which is ordered per recording.
// Dead-lettered jobs are flagged on their recording's failed status.
func NewQueues(client goredis.UniversalClient, l ledger.StatusLedger, cfg *config.Config, logger *zap.Logger) (downloads, uploads *queue.Queue) {
	downOpts := QueueOptions(cfg.Download)
	downOpts.OnDeadLetter = pipeline.DeadLetterHook(l, ledger.StatusDownloadFailed, logger)

	upOpts := QueueOptions(cfg.Upload)
	upOpts.Ordered = true
	upOpts.OnDeadLetter = pipeline.DeadLetterHook(l, ledger.StatusUploadFailed, logger)

	return queue.NewQueue(client, queue.QueueDownload, downOpts, logger),
		queue.NewQueue(client, queue.QueueUpload, upOpts, logger)
}

// NewObjectStore builds the configured object store backend.
func NewObjectStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case "local":
		logger.Info("using local object store", zap.String("dir", cfg.Storage.LocalDir))
		return storage.NewLocal(cfg.Storage.LocalDir, cfg.Storage.LocalBaseURL), nil
	case "s3":
		s3Store, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			Bucket:               cfg.AWS.RecordingsBucket,
			Endpoint:             cfg.AWS.Endpoint,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s3Store, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

// NewAPIClient builds an outbound API client named for metrics and logs.
func NewAPIClient(name string, ac config.APIConfig, logger *zap.Logger) *apiclient.Client {
	return apiclient.New(apiclient.Options{
		Name:       name,
		BaseURL:    ac.BaseURL,
		Tokens:     apiclient.NewTokenProvider(ac.Key, ac.Secret, ac.TokenValidity),
		Timeout:    ac.Timeout,
		MaxRetries: ac.MaxRetries,
		UserAgent:  "recording-ingester/1.0",
		Logger:     logger,
	})
}

// Location loads the schedule timezone, falling back to UTC.
func Location(name string, logger *zap.Logger) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("unknown schedule timezone, using UTC", zap.String("timezone", name), zap.Error(err))
		return time.UTC
	}
	return loc
}
