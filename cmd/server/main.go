// Package main runs the media platform HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clipstream/backend/config"
	"github.com/clipstream/backend/internal/auth"
	"github.com/clipstream/backend/internal/middleware"
	"github.com/clipstream/backend/internal/models"
	"github.com/clipstream/backend/internal/providers"
	"github.com/clipstream/backend/internal/videos"
	"github.com/clipstream/backend/pkg/cache"
	"github.com/clipstream/backend/pkg/database"
	"github.com/clipstream/backend/pkg/queue"
	"github.com/clipstream/backend/pkg/redis"
	"github.com/clipstream/backend/pkg/response"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

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

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Videos: cache-aside reads, presigned transfer, queue-dispatched tasks
	videoCache := cache.New(rdb.Client, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	videoRepo := videos.NewRepository(pool)
	videoStore := videos.NewStore(videoRepo, videoCache, logger)
	videoHandler := videos.NewHandler(videoRepo, videoStore, s3Client, jobQueue, logger)

	if cfg.Providers.SummaryAPIKey != "" {
		summary := providers.NewSummary(providers.SummaryConfig{
			BaseURL: cfg.Providers.SummaryBaseURL,
			APIKey:  cfg.Providers.SummaryAPIKey,
			Model:   cfg.Providers.SummaryModel,
		}, logger)
		defer summary.Close()
		videoHandler.SetSummarizer(summary)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Users (admin only)
		api.GET("/users", middleware.RequireRole(models.RoleAdmin), authHandler.List)

		// Videos
		api.POST("/videos/upload-request", videoHandler.RequestUpload)
		api.GET("/videos", videoHandler.List)
		api.GET("/videos/:id", videoHandler.GetByID)
		api.GET("/videos/:id/download-url", videoHandler.DownloadURL)
		api.GET("/videos/:id/transcript", videoHandler.GetTranscript)
		api.GET("/videos/:id/summary", videoHandler.GetSummary)
		api.POST("/videos/:id/transcode", videoHandler.SubmitTranscode)
		api.POST("/videos/:id/extract-audio", videoHandler.SubmitExtractAudio)
		api.POST("/videos/:id/transcribe", videoHandler.SubmitTranscribe)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
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

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
