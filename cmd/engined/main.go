package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hunvreus/devpush/internal/app/migrate"
	"github.com/hunvreus/devpush/internal/docker"
	"github.com/hunvreus/devpush/internal/events"
	httpx "github.com/hunvreus/devpush/internal/http"
	"github.com/hunvreus/devpush/internal/jobs"
	"github.com/hunvreus/devpush/internal/repository/postgres"
	aliassvc "github.com/hunvreus/devpush/internal/service/alias"
	"github.com/hunvreus/devpush/internal/service/deploy"
	"github.com/hunvreus/devpush/internal/service/monitor"
	"github.com/hunvreus/devpush/internal/service/reconcile"
	"github.com/hunvreus/devpush/pkg/config"
	"github.com/hunvreus/devpush/pkg/logger"
)

func main() {
	cfg := config.LoadEngineConfig()
	log := logger.New("engine", logger.LevelFor(cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{filepath.Join(cfg.DataDir, "storage"), cfg.TraefikDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("failed to prepare data directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if cfg.MigrateOnStart {
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	} else {
		log.Info("skipping migrations on start")
	}

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("redis ping failed", "error", err)
		os.Exit(1)
	}

	runners, err := deploy.LoadRunners(cfg.RunnersFile)
	if err != nil {
		log.Error("failed to load runner catalog", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	publisher := events.NewPublisher(redisClient)
	pool8 := jobs.NewPool(log, cfg.JobConcurrency, cfg.JobTimeout)

	aliasSvc := aliassvc.New(repo, repo, repo, publisher, log, cfg)
	deploySvc := deploy.New(repo, repo, repo, repo, dockerClient, aliasSvc, publisher, pool8, runners, nil, log, cfg)

	mon := monitor.New(repo, dockerClient, deploySvc, log, cfg)
	go mon.Run(ctx)
	go deploySvc.RunCleanup(ctx, cfg.CleanupInterval)

	reconciler := reconcile.New(repo, dockerClient, publisher, log, cfg)
	go reconciler.Run(ctx)

	health := func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return dockerClient.Ping(ctx)
	}
	router := httpx.New(log, deploySvc, aliasSvc, reconciler, repo, health)
	reconciler.SetTickHook(router.RecordReconcileTick)
	deploySvc.SetConclusionHook(router.RecordConclusion)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("engine server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := pool8.Shutdown(shutdownCtx); err != nil {
			log.Error("job pool shutdown failed", "error", err)
		}
		log.Info("engine stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
