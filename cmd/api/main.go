package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sitesync/engine/internal/api"
	"github.com/sitesync/engine/internal/api/handlers"
	mw "github.com/sitesync/engine/internal/api/middleware"
	"github.com/sitesync/engine/internal/contentstore"
	"github.com/sitesync/engine/internal/events"
	"github.com/sitesync/engine/internal/provider"
	_ "github.com/sitesync/engine/internal/provider/netlify"
	_ "github.com/sitesync/engine/internal/provider/vercel"
	"github.com/sitesync/engine/internal/queue/tasks"
	"github.com/sitesync/engine/internal/realtime"
	"github.com/sitesync/engine/internal/repository"
	"github.com/sitesync/engine/internal/services"
	"github.com/sitesync/engine/pkg/config"
	"github.com/sitesync/engine/pkg/database"
	"github.com/sitesync/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting sitesync api",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := database.Open(ctx, cfg.DatabaseURL, cfg.AppEnv)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	log.Info("database connected")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	store, err := contentstore.Open(ctx, cfg.ContentStore, db, contentstore.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		PathStyle:       cfg.S3PathStyle,
	})
	if err != nil {
		log.Fatal("failed to open content store", zap.Error(err))
	}

	prov, err := provider.New(cfg.DeployProvider, provider.Config{
		Token:  cfg.ProviderToken(),
		TeamID: cfg.VercelTeamID,
	})
	if err != nil {
		log.Fatal("failed to build provider", zap.Error(err))
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer asynqClient.Close()
	scheduler := tasks.NewAsynqScheduler(asynqClient, tasks.QueueDeploys, cfg.BuildTimeout)

	// Events from this process and from workers travel through Redis, and
	// every api instance relays them into its own hub.
	hub := realtime.NewHub()
	go hub.Run(ctx)
	go func() {
		if err := events.Relay(ctx, rdb, hub); err != nil {
			log.Error("event relay stopped", zap.Error(err))
		}
	}()
	pub := events.NewRedisPublisher(rdb)

	projectRepo := repository.NewProjectRepository(db)
	changeRepo := repository.NewPendingChangeRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	deployRepo := repository.NewDeployRepository(db)
	lockRepo := repository.NewLockRepository(db)

	ledgerSvc := services.NewLedgerService(projectRepo, changeRepo, pub)
	commitSvc := services.NewCommitService(db, projectRepo, changeRepo, historyRepo, lockRepo, store, pub, services.CommitOptions{
		LockTTL: cfg.CommitLockTTL,
	})
	deploySvc := services.NewDeployService(db, projectRepo, historyRepo, deployRepo, lockRepo, scheduler, pub, services.DeployServiceOptions{
		StaleAfter: cfg.DeployStaleAfter,
	})
	projectSvc := services.NewProjectService(projectRepo, changeRepo, deployRepo, store, prov)

	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		if cfg.AppEnv == "production" {
			log.Fatal("JWT_SECRET must be set in production")
		}
		log.Warn("JWT_SECRET not set, using an insecure development secret")
		jwtSecret = []byte("change-me-in-production-please")
	}

	limiter := mw.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				limiter.Sweep(10 * time.Minute)
			}
		}
	}()

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("failed to get sql db", zap.Error(err))
	}

	router := api.NewRouter(api.Dependencies{
		HMACSecret:     jwtSecret,
		AllowedOrigins: cfg.Origins(),
		RateLimiter:    limiter,
		HealthHandler: handlers.NewHealthHandler(map[string]handlers.Check{
			"database": sqlDB.PingContext,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}),
		ProjectsHandler:    handlers.NewProjectsHandler(projectSvc),
		ChangesHandler:     handlers.NewChangesHandler(ledgerSvc, commitSvc, deploySvc),
		HistoryHandler:     handlers.NewHistoryHandler(commitSvc),
		DeploymentsHandler: handlers.NewDeploymentsHandler(deploySvc),
		Realtime: realtime.NewHandler(hub, realtime.Services{
			Ledger:   ledgerSvc,
			Commits:  commitSvc,
			Deploys:  deploySvc,
			Projects: projectSvc,
			Events:   pub,
		}, realtime.Options{
			JWTSecret:      []byte(cfg.JWTSecret),
			AllowedOrigins: cfg.Origins(),
		}),
	})

	// No WriteTimeout: websocket sessions outlive any single write deadline.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
	// Closing the hub drops every websocket session.
	stop()
}
