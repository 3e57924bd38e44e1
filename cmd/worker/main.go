// Package main runs the download and upload stage workers.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/config"
	"github.com/aura-webinar/recording-ingester/internal/bootstrap"
	"github.com/aura-webinar/recording-ingester/internal/ingest"
	"github.com/aura-webinar/recording-ingester/internal/pipeline"
	"github.com/aura-webinar/recording-ingester/internal/schedule"
	"github.com/aura-webinar/recording-ingester/internal/source"
	"github.com/aura-webinar/recording-ingester/internal/worker"
	"github.com/aura-webinar/recording-ingester/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("load config: " + err.Error())
	}
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		panic("logger: " + err.Error())
	}
	defer logger.Sync()

	ctx := context.Background()
	// The server owns migrations.
	infra, err := bootstrap.Connect(ctx, cfg, false, logger)
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	defer infra.Close()

	store, err := bootstrap.NewObjectStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("object store", zap.Error(err))
	}

	src := source.New(bootstrap.NewAPIClient("source", cfg.Source, logger))
	dst := ingest.New(bootstrap.NewAPIClient("ingest", cfg.Ingest, logger))
	index := schedule.NewCachedIndex(
		schedule.NewRepository(infra.Pool, logger),
		cfg.Pipeline.ScheduleCacheMax,
		cfg.Pipeline.ScheduleCacheTTL,
	)

	downloader := pipeline.NewDownloader(infra.Ledger, index, src, store, infra.Uploads, pipeline.DownloadConfig{
		MinDuration:    cfg.Pipeline.MinDuration,
		Location:       bootstrap.Location(cfg.Pipeline.ScheduleTimezone, logger),
		ScheduleWindow: cfg.Pipeline.ScheduleWindow,
	}, logger)
	uploader := pipeline.NewUploader(infra.Ledger, store, dst, logger)

	runners := []*worker.Runner{
		worker.NewRunner(infra.Downloads, worker.Stage(downloader.Handle, "download", cfg.Download.Budget, logger), cfg.Download.Concurrency, logger),
		worker.NewRunner(infra.Uploads, worker.Stage(uploader.Handle, "upload", cfg.Upload.Budget, logger), cfg.Upload.Concurrency, logger),
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *worker.Runner) {
			defer wg.Done()
			r.Run(workerCtx)
		}(r)
	}
	logger.Info("worker started",
		zap.Int("download_concurrency", cfg.Download.Concurrency),
		zap.Int("upload_concurrency", cfg.Upload.Concurrency),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	wg.Wait()
	logger.Info("worker stopped")
}
