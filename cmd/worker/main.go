package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callsim/internal/calls"
	"callsim/internal/config"
	"callsim/internal/metrics"
	"callsim/internal/recording"
	"callsim/pkg/logger"
	"callsim/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// The worker drains the recording upload queue. Jobs are claimed atomically,
// but startup recovery requeues every in-flight job, so run a single replica.
func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env).With("component", "upload-worker")
	slog.SetDefault(log)

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 5})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), PoolSize: cfg.Upload.Concurrency + 2})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	uploader := recording.NewMockS3Uploader(cfg.Upload.Bucket, cfg.Upload.Region, calls.NewLockedRand(time.Now().UnixNano()))
	uploader.MinLatency = cfg.Upload.MinLatency
	uploader.MaxLatency = cfg.Upload.MaxLatency
	uploader.FailureRate = cfg.Upload.FailureRate

	reg := prometheus.NewRegistry()
	obs := metrics.NewUploadCollectors(reg)
	counters := obs.InstrumentUploads(metrics.NewPostgresCounters(db))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Upload.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "err", err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}()

	w := recording.NewWorker(recording.NewQueue(rdb), uploader, calls.NewPostgresStore(db), counters, recording.Config{
		MaxAttempts:  cfg.Upload.MaxAttempts,
		BaseBackoff:  cfg.Upload.BaseBackoff,
		MaxBackoff:   cfg.Upload.MaxBackoff,
		PollInterval: cfg.Upload.PollInterval,
		Concurrency:  cfg.Upload.Concurrency,
	})
	w.Log = log

	log.Info("upload worker started",
		"concurrency", cfg.Upload.Concurrency,
		"max_attempts", cfg.Upload.MaxAttempts,
		"backoff", cfg.Upload.BaseBackoff,
	)
	if err := w.Run(rootCtx); err != nil {
		log.Error("upload worker failed", "err", err)
		return
	}
	log.Info("upload worker stopped")
}
