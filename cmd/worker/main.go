package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sitesync/engine/pkg/config"
	"github.com/sitesync/engine/pkg/database"
	"github.com/sitesync/engine/pkg/logger"

	"github.com/sitesync/engine/internal/builder"
	"github.com/sitesync/engine/internal/contentstore"
	"github.com/sitesync/engine/internal/events"
	"github.com/sitesync/engine/internal/provider"
	_ "github.com/sitesync/engine/internal/provider/netlify"
	_ "github.com/sitesync/engine/internal/provider/vercel"
	"github.com/sitesync/engine/internal/queue/tasks"
	"github.com/sitesync/engine/internal/repository"
	"github.com/sitesync/engine/internal/services"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      map[string]int{tasks.QueueDeploys: 10, "default": 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Warn("task failed", zap.String("type", task.Type()), zap.Int("retried", retried), zap.Int("max_retry", maxRetry), zap.Error(err))
		}),
	})

	db, err := database.Open(ctx, cfg.DatabaseURL, cfg.AppEnv)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}

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

	// Use WORKING_DIR for scratch workspaces when set, else the OS temp dir.
	workingDir := cfg.WorkingDir
	if workingDir == "" {
		workingDir = os.TempDir()
	} else if err := os.MkdirAll(workingDir, 0o755); err != nil {
		log.Fatal("failed to create working dir", zap.Error(err))
	}

	client := asynq.NewClient(redisOpt)
	defer client.Close()
	scheduler := tasks.NewAsynqScheduler(client, tasks.QueueDeploys, cfg.BuildTimeout)
	pub := events.NewRedisPublisher(rdb)

	projectRepo := repository.NewProjectRepository(db)
	changeRepo := repository.NewPendingChangeRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	deployRepo := repository.NewDeployRepository(db)
	lockRepo := repository.NewLockRepository(db)

	commitSvc := services.NewCommitService(db, projectRepo, changeRepo, historyRepo, lockRepo, store, pub, services.CommitOptions{
		LockTTL: cfg.CommitLockTTL,
	})
	deploySvc := services.NewDeployService(db, projectRepo, historyRepo, deployRepo, lockRepo, scheduler, pub, services.DeployServiceOptions{
		StaleAfter: cfg.DeployStaleAfter,
	})
	projectSvc := services.NewProjectService(projectRepo, changeRepo, deployRepo, store, prov)

	b := builder.New(builder.Options{
		WorkingDir:             workingDir,
		PackageManager:         cfg.PackageManager,
		FallbackPackageManager: cfg.FallbackPackageManager,
		Timeout:                cfg.BuildTimeout,
	}, nil)

	handler := tasks.NewDeployTaskHandler(deploySvc, commitSvc, projectSvc, b, prov, scheduler, tasks.DeployOptions{
		PollInterval:      cfg.PollInterval,
		PollRetryInterval: cfg.PollRetryInterval,
	})
	mux := asynq.NewServeMux()
	handler.Register(mux)

	// Periodic sweep frees projects whose attempts lost their tasks.
	periodic := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
	if err := tasks.RegisterSweep(periodic, time.Minute); err != nil {
		log.Fatal("failed to register deploy sweep", zap.Error(err))
	}
	if err := periodic.Start(); err != nil {
		log.Fatal("failed to start periodic scheduler", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("asynq worker starting",
			zap.Int("concurrency", cfg.AsynqConcurrency),
			zap.String("provider", prov.Name()),
			zap.String("working_dir", workingDir),
		)
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("worker stopped with error", zap.Error(err))
	}

	// In-flight tasks get until the asynq shutdown timeout; unfinished ones
	// are requeued and resume from the attempt's persisted status.
	periodic.Shutdown()
	srv.Shutdown()
}
