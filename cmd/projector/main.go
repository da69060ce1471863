package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/search-projector/config"
	"github.com/d60-Lab/search-projector/internal/api"
	"github.com/d60-Lab/search-projector/internal/api/handler"
	"github.com/d60-Lab/search-projector/internal/esclient"
	"github.com/d60-Lab/search-projector/internal/lock"
	"github.com/d60-Lab/search-projector/internal/metrics"
	"github.com/d60-Lab/search-projector/internal/repository"
	"github.com/d60-Lab/search-projector/internal/service"
	"github.com/d60-Lab/search-projector/pkg/clock"
	"github.com/d60-Lab/search-projector/pkg/database"
	"github.com/d60-Lab/search-projector/pkg/logger"
	"github.com/d60-Lab/search-projector/pkg/reporter"
	"github.com/d60-Lab/search-projector/pkg/tracing"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Fatal("projector exited", zap.Error(err))
	}
}

func run(cfg *config.Config) error {
	log := logger.L()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := tracing.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	rep, err := reporter.NewSentry(cfg.SentryDSN, version)
	if err != nil {
		return err
	}
	defer rep.Flush(2 * time.Second)

	db, err := database.InitDB(cfg)
	if err != nil {
		return err
	}
	if database.IsSQLite(db) {
		if err := repository.AutoMigrate(db); err != nil {
			return err
		}
	}

	index, err := esclient.New(esclient.Config{
		URL:     cfg.IndexURL,
		Timeout: cfg.IndexTimeout(),
		MaxRPS:  float64(cfg.IndexMaxRPS),
		Logger:  log,
	})
	if err != nil {
		return err
	}
	if cfg.EnsureIndex {
		if err := index.EnsureIndex(ctx, cfg.IndexName); err != nil {
			return fmt.Errorf("ensure index %s: %w", cfg.IndexName, err)
		}
	}

	var locker lock.Locker = lock.Local{}
	if cfg.RedisURL != "" {
		rl, err := lock.NewRedisLockerFromURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rl.Close()
		locker = rl
	}

	m := metrics.New()
	rt := service.NewRuntime(log, tp, m, clock.Real(), rep)

	outbox := repository.NewOutboxRepository(db, repository.ClaimMode(cfg.ClaimMode))
	reads := repository.NewSearchIndexRepository(db)
	statuses := repository.NewProjectionStatusRepository(db)

	prober := service.NewProber(rt, outbox, index, cfg.RequireIndexReady, cfg.PingInterval())
	prober.Check(ctx)

	projector := service.NewProjector(rt, service.Options{
		Owner:           cfg.WorkerID,
		IndexName:       cfg.IndexName,
		BatchSize:       cfg.BatchSize,
		Concurrency:     cfg.Concurrency,
		UseBulk:         cfg.UseBulk,
		ClaimMode:       repository.ClaimMode(cfg.ClaimMode),
		PollInterval:    cfg.PollInterval(),
		Lease:           cfg.Lease(),
		ReclaimInterval: cfg.ReclaimInterval(),
		MaxProcessing:   cfg.MaxProcessing(),
		ShutdownGrace:   cfg.ShutdownGrace(),
		StatsInterval:   cfg.StatsInterval(),
		Policy: service.RetryPolicy{
			MaxAttempts:         cfg.MaxAttempts,
			TerminalOnTransient: cfg.TerminalOnTransient,
			BaseBackoff:         cfg.BaseBackoff(),
			MaxBackoff:          cfg.MaxBackoff(),
		},
	}, outbox, reads, statuses, index, locker, prober)

	admin := service.NewOutboxAdminService(rt, outbox, statuses, cfg.MaxProcessing())
	h := handler.NewHandler(admin, prober, projector, rt.Clock, cfg.HealthStale())

	gin.SetMode(gin.ReleaseMode)
	var servers []*http.Server
	if cfg.MetricsPort == cfg.HTTPPort {
		servers = append(servers, server(cfg.HTTPPort, api.NewRouter(api.Options{
			Handler: h, Metrics: m.Handler(), AdminSecret: cfg.AdminJWTSecret, TracerProvider: tp,
		})))
	} else {
		servers = append(servers,
			server(cfg.HTTPPort, api.NewRouter(api.Options{Handler: h, AdminSecret: cfg.AdminJWTSecret, TracerProvider: tp})),
			server(cfg.MetricsPort, api.NewRouter(api.Options{Metrics: m.Handler()})),
		)
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}(srv)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		prober.Run(ctx)
	}()
	runErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		runErr <- projector.Run(ctx)
	}()

	<-ctx.Done()
	log.Info("shutdown signal received", zap.Duration("grace", cfg.ShutdownGrace()))
	prober.Drain()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("projector stopped", zap.String("owner", cfg.WorkerID))
	return <-runErr
}

func server(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
