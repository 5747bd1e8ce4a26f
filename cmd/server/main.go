package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/api"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/api/middleware"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/auth"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/config"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/handlers"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/hub"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/storage"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/store"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Consultation store: Postgres when configured, SQLite otherwise
	var consultations store.ConsultationStore
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		logger.Info().Msg("running database migrations...")
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		consultations = pg
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		consultations = lite
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite")
	}
	defer consultations.Close()

	// History and fan-out: Redis when configured, in-process otherwise
	var (
		redisStore  *store.RedisStore
		redisClient *redis.Client
		history     store.HistoryStore = store.NewMemoryHistory()
		bus         hub.Bus
	)
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		history, bus, redisClient = redisStore, redisStore, redisStore.Client()
		logger.Info().Msg("connected to Redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set; history is in memory and rooms do not span instances")
	}

	var (
		media    storage.Storage
		mediaDir string
	)
	if cfg.S3Bucket != "" {
		s3, err := storage.NewS3Storage(ctx, cfg.S3Bucket, cfg.S3PublicURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("s3 setup failed")
		}
		media = s3
		logger.Info().Str("bucket", cfg.S3Bucket).Msg("storing media in S3")
	} else {
		local, err := storage.NewLocalStorage(cfg.UploadDir, cfg.PublicBaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("media directory setup failed")
		}
		media, mediaDir = local, local.Dir()
		logger.Info().Str("dir", mediaDir).Msg("storing media on disk")
	}

	rooms := hub.New(bus, logger)
	go func() {
		if err := rooms.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("room fan-out stopped")
		}
	}()

	verifier := auth.NewVerifier(cfg.JWTSecret)
	h := handlers.NewHandler(handlers.Deps{
		Consultations: consultations,
		History:       history,
		Redis:         redisStore,
		Hub:           rooms,
		Storage:       media,
		Verifier:      verifier,
		HistoryLimit:  cfg.HistoryLimit,
		MaxUploadSize: cfg.MaxUploadSize,
		Logger:        logger,
	})

	router := api.NewRouter(logger, api.Options{
		Handler:     h,
		Verifier:    verifier,
		RedisClient: redisClient,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
		MediaDir:      mediaDir,
		MaxUploadSize: cfg.MaxUploadSize,
	})

	// No write timeout: sockets are long-lived and uploads can be slow.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting consultation relay")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
