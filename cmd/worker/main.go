package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"questpay/internal/authorize"
	"questpay/internal/config"
	"questpay/internal/extract"
	"questpay/internal/models"
	"questpay/internal/payout"
	"questpay/internal/receipts"
	"questpay/internal/risk"
	"questpay/internal/store"
	"questpay/internal/telemetry"
	"questpay/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	fetcher, err := newFetcher(ctx, cfg)
	if err != nil {
		log.Fatal("init receipt storage", zap.Error(err))
	}

	fixtures, err := loadFixtures(cfg.Pipeline.FixturesPath)
	if err != nil {
		log.Fatal("load extraction fixtures", zap.Error(err))
	}
	var extractor extract.Extractor = extract.NewFallback(extract.InlineJSON{}, fixtures)
	extractor = extract.NewCache(extractor, redisClient, cfg.Pipeline.CacheTTL, log)

	engine := risk.NewEngine(st, cfg.Pipeline.VelocityCap, cfg.Pipeline.QualityScoring)
	authorizer := authorize.NewPolicyAuthorizer(st)

	var rail payout.Rail = payout.NewSyntheticRail()
	if cfg.Transfer.Mode == "http" {
		rail = payout.NewHTTPRail(cfg.Transfer.RailURL, cfg.Transfer.Timeout)
	}
	executor := payout.NewExecutor(st, authorizer, rail, log,
		cfg.Pipeline.AuthorizeTimeout, cfg.Transfer.Timeout)

	scheduler := worker.NewScheduler(st, log, worker.Options{
		Workers:        cfg.Worker.Count,
		PollInterval:   cfg.Worker.PollInterval,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		BackoffInitial: cfg.Worker.BackoffInitial,
		BackoffMax:     cfg.Worker.BackoffMax,
	})
	scheduler.RegisterHandler(models.JobTypeVerify, worker.NewVerifyHandler(
		st, fetcher, extractor, engine, log,
		cfg.Pipeline.RiskThreshold, cfg.Pipeline.ExtractTimeout, cfg.Receipts.MaxEdge, cfg.Worker.MaxAttempts,
	).Handle)
	scheduler.RegisterHandler(models.JobTypePayout, worker.NewPayoutHandler(
		executor, log, cfg.Worker.MaxAttempts,
	).Handle)

	go func() {
		if err := http.ListenAndServe(cfg.Server.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.Int("workers", cfg.Worker.Count),
		zap.Duration("poll_interval", cfg.Worker.PollInterval),
		zap.String("transfer_mode", cfg.Transfer.Mode))
	if err := scheduler.Run(ctx); err != nil && err != context.Canceled {
		log.Error("worker stopped", zap.Error(err))
	}
}

func newFetcher(ctx context.Context, cfg *config.Config) (receipts.Fetcher, error) {
	if cfg.Receipts.Driver == "s3" {
		return receipts.NewS3Store(ctx, cfg.Receipts.S3Bucket, cfg.Receipts.S3Region)
	}
	return receipts.NewLocalStore(cfg.Receipts.LocalDir)
}

func loadFixtures(path string) (*extract.FixtureExtractor, error) {
	if path == "" {
		return extract.NewFixtureExtractor(nil), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return extract.NewFixtureExtractor(nil), nil
		}
		return nil, err
	}
	table := map[string]models.ReceiptFields{}
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, err
	}
	return extract.NewFixtureExtractor(table), nil
}
