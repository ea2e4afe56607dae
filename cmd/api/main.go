package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"call-coordinator/internal/audit"
	"call-coordinator/internal/auth"
	"call-coordinator/internal/calls"
	"call-coordinator/internal/config"
	"call-coordinator/internal/events"
	"call-coordinator/internal/httpapi"
	"call-coordinator/internal/push"
	"call-coordinator/internal/realtime"
	"call-coordinator/internal/reporting"
	"call-coordinator/pkg/logger"
	"call-coordinator/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	_ "modernc.org/sqlite"
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

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := openDatabase(rootCtx, cfg)
	if err != nil {
		log.Error("database init failed", "driver", cfg.DB.Driver, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	callRepo := calls.NewSQLRepo(db)
	auditRepo := audit.NewSQLRepo(db)
	if err := callRepo.Migrate(rootCtx); err != nil {
		log.Error("calls migrate failed", "err", err)
		os.Exit(1)
	}
	if err := auditRepo.Migrate(rootCtx); err != nil {
		log.Error("audit migrate failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// NATS is optional. Without it the process runs single-instance: events
	// go straight to the local hub and pushes are only logged.
	hub := events.NewHub(log)
	var (
		nc        *nats.Conn
		gateway   push.Gateway = push.LogGateway{Logger: log}
		publisher events.Publisher
		bridge    *events.NATSBridge
	)
	if cfg.NATS.URL != "" {
		nc, err = utils.OpenNATS(utils.NATSConfig{URL: cfg.NATS.URL, Name: cfg.NATS.Name}, log)
		if err != nil {
			log.Error("nats init failed", "err", err)
			os.Exit(1)
		}
		defer nc.Close()

		gateway = push.NewNATSGateway(nc)
		publisher = events.Multi{events.NewNATSPublisher(nc), events.LoggingPublisher{Logger: log}}
		bridge = events.NewNATSBridge(nc, hub, log)
		if err := bridge.Start(); err != nil {
			log.Error("nats bridge start failed", "err", err)
			os.Exit(1)
		}
		defer func() { _ = bridge.Close() }()
	} else {
		publisher = events.Multi{hub, events.LoggingPublisher{Logger: log}}
	}

	dispatcher := push.NewDispatcher(gateway, push.DispatcherOptions{
		Workers:   cfg.Push.Workers,
		QueueSize: cfg.Push.QueueSize,
		Retry: utils.RetryPolicy{
			MaxAttempts: cfg.Push.MaxAttempts,
			BaseDelay:   cfg.Push.BaseDelay,
			MaxDelay:    cfg.Push.MaxDelay,
		},
		Logger: log,
	})

	auditSvc := audit.NewService(auditRepo)
	coordinator := calls.NewCoordinator(callRepo, calls.NewRedisPresence(rdb), calls.Options{
		RingTimeout: cfg.Calls.RingTimeout,
		JoinTimeout: cfg.Calls.JoinTimeout,
		PresenceTTL: cfg.Calls.PresenceTTL,
		Notifier:    dispatcher,
		Observer:    events.NewObserver(publisher, log),
		Audit:       calls.AuditAdapter{Audit: auditSvc},
		Logger:      log,
	})
	sweeper := calls.NewSweeper(coordinator, calls.SweeperOptions{
		Interval:     cfg.Calls.SweepInterval,
		ArchiveAfter: cfg.Calls.ArchiveAfter,
		Logger:       log,
	})

	// Background workers stop with rootCtx; pushes still queued are drained on shutdown.
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		dispatcher.Run(context.WithoutCancel(rootCtx))
	}()
	go func() {
		defer workers.Done()
		sweeper.Run(rootCtx)
	}()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{
		Auth:      authManager,
		Calls:     coordinator,
		Reporting: reporting.NewService(callRepo),
		Audit:     auditSvc,
		Realtime: realtime.NewHandler(hub, realtime.Options{
			Current: coordinator.Current,
			Logger:  log,
		}),
		DevTokens: !cfg.IsProduction(),
	}
	registerRoutes(r, h, auth.RequireAccessToken(authManager), db)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Realtime websockets manage their own write deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "db", cfg.DB.Driver, "nats", nc != nil)
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
	dispatcher.Close()

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("background workers did not stop in time")
	}
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if cfg.DB.Driver == config.DriverSQLite {
		return utils.OpenDB(ctx, utils.DriverSQLite, utils.SQLiteDSN(cfg.DB.Path), utils.DBPoolConfig{})
	}
	return utils.OpenDB(ctx, utils.DriverPostgres, cfg.PostgresDSN(), utils.DBPoolConfig{})
}
