// Package main runs the recording ingester HTTP server: the webhook intake and the operator API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/config"
	"github.com/aura-webinar/recording-ingester/internal/auth"
	"github.com/aura-webinar/recording-ingester/internal/bootstrap"
	"github.com/aura-webinar/recording-ingester/internal/intake"
	"github.com/aura-webinar/recording-ingester/internal/middleware"
	"github.com/aura-webinar/recording-ingester/internal/recordings"
	"github.com/aura-webinar/recording-ingester/pkg/logging"
	"github.com/aura-webinar/recording-ingester/pkg/queue"
	"github.com/aura-webinar/recording-ingester/pkg/response"
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
	infra, err := bootstrap.Connect(ctx, cfg, true, logger)
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	defer infra.Close()

	svc := intake.NewService(infra.Ledger, infra.Downloads, intake.NewRedisClaimer(infra.Redis.Client, cfg.Webhook.ClaimTTL), logger)
	if cfg.Webhook.Secret == "" {
		logger.Warn("WEBHOOK_SECRET not set; every webhook delivery will be rejected")
	}
	webhookHandler, err := recordings.NewWebhookHandler(svc, recordings.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.MaxSkew), logger)
	if err != nil {
		logger.Fatal("webhook schema", zap.Error(err))
	}
	recordingHandler := recordings.NewHandler(svc, infra.Ledger, map[string]recordings.QueueInspector{
		queue.QueueDownload: infra.Downloads,
		queue.QueueUpload:   infra.Uploads,
	}, logger)
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics())

	router.GET("/health", func(c *gin.Context) {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := infra.Check(checkCtx); err != nil {
			response.ServiceUnavailable(c, err.Error())
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	recordings.RegisterRoutes(router, webhookHandler, recordingHandler, jwtService)

	// Local objects are referenced by URLs under /media, so the server hands them out.
	// This backend is for development; production media is served by S3 presigned URLs.
	var handler http.Handler = router
	if cfg.Storage.Backend == "local" {
		store, err := bootstrap.NewObjectStore(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("object store", zap.Error(err))
		}
		router.GET(recordings.MediaPrefix+"*key", recordings.Media(store))
		handler = recordings.StreamMedia(router)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
