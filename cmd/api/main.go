package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"questpay/internal/api"
	"questpay/internal/config"
	"questpay/internal/ratelimit"
	"questpay/internal/receipts"
	"questpay/internal/store"
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
	limiter := ratelimit.NewIntakeLimiter(redisClient,
		cfg.Pipeline.IntakeCapacity, cfg.Pipeline.IntakeRefill, time.Hour)

	sink, err := newReceiptSink(ctx, cfg)
	if err != nil {
		log.Fatal("init receipt storage", zap.Error(err))
	}

	server := api.New(st, limiter, sink, log)
	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: server.Router(),
	}

	go func() {
		log.Info("api listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
}

func newReceiptSink(ctx context.Context, cfg *config.Config) (api.ReceiptSink, error) {
	if cfg.Receipts.Driver == "s3" {
		return receipts.NewS3Store(ctx, cfg.Receipts.S3Bucket, cfg.Receipts.S3Region)
	}
	return receipts.NewLocalStore(cfg.Receipts.LocalDir)
}
