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

	"callsim/internal/admission"
	"callsim/internal/auth"
	"callsim/internal/calls"
	"callsim/internal/config"
	"callsim/internal/events"
	"callsim/internal/httpapi"
	"callsim/internal/metrics"
	"callsim/internal/recording"
	"callsim/pkg/logger"
	"callsim/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.DB.AutoMigrate {
		if err := calls.Migrate(rootCtx, db); err != nil {
			log.Error("calls migration failed", "err", err)
			os.Exit(1)
		}
		if err := metrics.Migrate(rootCtx, db); err != nil {
			log.Error("metrics migration failed", "err", err)
			os.Exit(1)
		}
		log.Info("migrations applied")
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), PoolSize: cfg.Redis.PoolSize})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	adm, err := admission.NewController(rdb, admission.Limits{
		MaxConcurrent: cfg.Limits.MaxConcurrent,
		MaxPerSecond:  cfg.Limits.MaxPerSecond,
	}, admission.WithSlotTTL(cfg.Limits.SlotTTL))
	if err != nil {
		log.Error("admission init failed", "err", err)
		os.Exit(1)
	}

	var tokens *auth.ChannelTokens
	if cfg.Auth.ChannelSecret != "" {
		if tokens, err = auth.NewChannelTokens(cfg.Auth); err != nil {
			log.Error("channel tokens init failed", "err", err)
			os.Exit(1)
		}
	} else {
		log.Warn("CHANNEL_TOKEN_SECRET not set; websocket subscriptions are unauthenticated")
	}

	broadcaster := events.NewBroadcaster(log)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs := metrics.NewCollectors(reg, broadcaster.ConnectionCount)

	store := calls.NewPostgresStore(db)
	queue := recording.NewQueue(rdb)
	mirror := calls.NewRedisMirror(rdb)

	// Session tasks outlive both the request that created them and the shutdown
	// signal; sessionsCtx is cancelled only if draining them takes too long.
	sessionsCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()
	runner := calls.NewRunner(sessionsCtx, store, adm, calls.NewLockedRand(time.Now().UnixNano()))
	runner.Publisher = broadcaster
	runner.Mirror = mirror
	runner.Observer = obs
	runner.Uploads = queue
	runner.AutoUpload = cfg.AutoUpload()
	runner.Log = log

	svc := calls.NewService(adm, store, runner)
	svc.Mirror = mirror
	svc.Uploads = queue
	svc.Observer = obs
	svc.Log = log

	var verifier events.TokenVerifier
	if tokens != nil {
		verifier = tokens
	}

	h := httpapi.Handlers{
		Calls:         svc,
		Metrics:       metrics.NewAggregator(store, metrics.NewPostgresCounters(db), adm, queue),
		Exhausted:     queue,
		Tokens:        tokens,
		PublicBaseURL: cfg.App.PublicBaseURL,
		Started:       time.Now(),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h, events.NewWebSocketHandler(broadcaster, verifier), cfg.Auth.APIKeys, reg)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "upload_policy", cfg.Upload.Policy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// No new sessions can arrive now. Let in-flight ones reach COMPLETED.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Limits.DrainTimeout)
	defer cancelDrain()
	if err := runner.Drain(drainCtx); err != nil {
		log.Warn("session drain timed out; stopping remaining sessions", "timeout", cfg.Limits.DrainTimeout)
		cancelSessions()
		runner.Wait()
	}
	log.Info("shutdown complete")
}
