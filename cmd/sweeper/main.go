// Command sweeper runs one maintenance pass over the points ledger and
// exits.  It is meant to be started by cron or a Kubernetes CronJob.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/iliyamo/review-points-service/internal/config"
	"github.com/iliyamo/review-points-service/internal/database"
	"github.com/iliyamo/review-points-service/internal/logger"
	"github.com/iliyamo/review-points-service/internal/points"
	"github.com/iliyamo/review-points-service/internal/repository"
	"github.com/iliyamo/review-points-service/internal/service"
	"github.com/iliyamo/review-points-service/internal/sweep"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadSweep()
	if err != nil {
		zlog.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(cfg.Env, cfg.LogLevel, cfg.ServiceName)

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName, database.Options{MaxOpenConns: 4})
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}

	settings, err := config.LoadPoints(cfg.PointsConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load points config")
	}

	repo := repository.NewPointsRepo(db, cfg.LedgerMaxRetries, log)
	opts := append(settings.LedgerOptions(), points.WithExpiry(cfg.PointsExpiry), points.WithLogger(log))
	var publisher *service.Publisher
	if cfg.RabbitURL != "" {
		publisher = service.NewPublisher(cfg.RabbitURL, cfg.PointsEventsQueue, log)
		opts = append(opts, points.WithPublisher(publisher))
	}
	ledger := points.NewLedger(repo, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	rep, err := sweep.New(repo, ledger, cfg.DailyPointsRetention, cfg.SweepBatchSize, log).Run(ctx)
	stop()
	if publisher != nil {
		_ = publisher.Close()
	}
	_ = db.Close()

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Int64("purged_daily_rows", rep.PurgedDailyRows).
		Int("expired", rep.Expired).
		Int64("expired_points", rep.ExpiredPoints).
		Int("failed", rep.Failed).
		Msg("sweep finished")
	if err != nil || rep.Failed > 0 {
		os.Exit(1)
	}
}
