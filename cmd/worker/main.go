// Package main runs the background media worker: transcode, audio extraction
// and transcription tasks consumed from the Redis queue.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clipstream/backend/config"
	"github.com/clipstream/backend/internal/providers"
	"github.com/clipstream/backend/internal/transcoder"
	"github.com/clipstream/backend/internal/videos"
	"github.com/clipstream/backend/internal/worker"
	"github.com/clipstream/backend/pkg/cache"
	"github.com/clipstream/backend/pkg/database"
	"github.com/clipstream/backend/pkg/queue"
	"github.com/clipstream/backend/pkg/redis"
	"github.com/clipstream/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		MediaBucket:          cfg.AWS.MediaBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	videoRepo := videos.NewRepository(pool)
	videoStore := videos.NewStore(videoRepo, cache.New(rdb.Client, logger), logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	ffmpeg := transcoder.New(cfg.FFmpeg.Binary, logger)
	transcription := providers.NewTranscription(providers.TranscriptionConfig{
		BaseURL: cfg.Providers.TranscriptionBaseURL,
		APIKey:  cfg.Providers.TranscriptionAPIKey,
	}, logger)
	defer transcription.Close()

	lease := worker.NewRedisLease(rdb.Client, time.Duration(cfg.Worker.LeaseTTLMinutes)*time.Minute, logger)
	processor := worker.NewProcessor(videoRepo, videoStore, s3Client, ffmpeg, transcription, lease, jobQueue,
		worker.Options{
			Concurrency: int64(cfg.Worker.Concurrency),
			TaskTimeout: time.Duration(cfg.Worker.TaskTimeoutMin) * time.Minute,
		}, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		processor.Run(workerCtx)
		close(done)
	}()
	logger.Info("worker started", zap.Int("concurrency", cfg.Worker.Concurrency))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	<-done
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
