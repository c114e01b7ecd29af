package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/iliyamo/review-points-service/internal/client"
	"github.com/iliyamo/review-points-service/internal/config"
	"github.com/iliyamo/review-points-service/internal/database"
	"github.com/iliyamo/review-points-service/internal/handler"
	"github.com/iliyamo/review-points-service/internal/logger"
	"github.com/iliyamo/review-points-service/internal/middleware"
	"github.com/iliyamo/review-points-service/internal/points"
	"github.com/iliyamo/review-points-service/internal/queue"
	"github.com/iliyamo/review-points-service/internal/repository"
	"github.com/iliyamo/review-points-service/internal/router"
	"github.com/iliyamo/review-points-service/internal/service"
	"github.com/iliyamo/review-points-service/internal/tracing"
)

func main() {
	_ = godotenv.Load() // .env is optional outside local development

	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(cfg.Env, cfg.LogLevel, cfg.ServiceName)

	shutdownTracer, err := tracing.InitTracerProvider(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("init tracer")
	}

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName, database.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if cfg.DBAutoMigrate {
		if err := database.Migrate(context.Background(), db); err != nil {
			log.Fatal().Err(err).Msg("migrate schema")
		}
	}

	settings, err := config.LoadPoints(cfg.PointsConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load points config")
	}

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Warn().Msg("redis unavailable: rate limiting and response caching disabled")
	} else {
		defer rdb.Close()
	}

	pointsRepo := repository.NewPointsRepo(db, cfg.LedgerMaxRetries, log)
	geoRepo := repository.NewGeolocationRepo(db)

	publisher := service.NewPublisher(cfg.RabbitURL, cfg.PointsEventsQueue, log)
	defer publisher.Close()

	opts := append(settings.LedgerOptions(),
		points.WithExpiry(cfg.PointsExpiry),
		points.WithPublisher(publisher),
		points.WithLogger(log),
	)
	ledger := points.NewLedger(pointsRepo, opts...)

	var metricSource points.MetricSource
	if cfg.ReviewServiceURL != "" {
		httpClient := client.NewClient(otel.Tracer(cfg.ServiceName))
		metricSource = client.NewReviewClient(httpClient, cfg.ReviewServiceURL, cfg.ReviewServiceTimeout)
	} else {
		log.Warn().Msg("REVIEW_SERVICE_URL not set: milestone checks need an explicit value")
	}

	h := router.Handlers{
		Points:      handler.NewPointsHandler(ledger, metricSource),
		Admin:       handler.NewAdminPointsHandler(ledger),
		Catalog:     handler.NewCatalogHandler(points.NewCatalog(pointsRepo)),
		Leaderboard: handler.NewLeaderboardHandler(points.NewLeaderboard(pointsRepo, geoRepo)),
		Geolocation: handler.NewGeolocationHandler(geoRepo),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))

	router.Register(e, h, router.Options{
		JWTSecret: cfg.JWTSecret,
		RateLimit: middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb),
		Cache:     middleware.NewRedisCache(config.LoadCacheConfig(), rdb),
		DB:        db,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumerDone := make(chan struct{})
	if cfg.ReviewEventsEnabled {
		consumer := queue.NewConsumer(cfg.RabbitURL, cfg.ReviewEventsQueue, ledger, metricSource, log)
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("review event consumer stopped")
			}
		}()
	} else {
		close(consumerDone)
	}

	addr := ":" + cfg.Port
	go func() {
		log.Info().Str("addr", addr).Str("env", cfg.Env).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("consumer did not stop in time")
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracer shutdown")
	}
}
