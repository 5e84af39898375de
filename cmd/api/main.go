package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/splax/localvercel/internal/app/storage"
	"github.com/splax/localvercel/internal/builder/archive"
	"github.com/splax/localvercel/internal/builder/executor"
	"github.com/splax/localvercel/internal/builder/output"
	"github.com/splax/localvercel/internal/builder/pipeline"
	"github.com/splax/localvercel/internal/builder/publish"
	"github.com/splax/localvercel/internal/builder/workspace"
	"github.com/splax/localvercel/internal/events"
	httpx "github.com/splax/localvercel/internal/http"
	"github.com/splax/localvercel/internal/service/auth"
	"github.com/splax/localvercel/internal/service/deploy"
	"github.com/splax/localvercel/internal/service/janitor"
	"github.com/splax/localvercel/internal/service/logs"
	"github.com/splax/localvercel/internal/service/project"
	"github.com/splax/localvercel/internal/ws"
	"github.com/splax/localvercel/pkg/config"
	"github.com/splax/localvercel/pkg/logger"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadAPIConfig()
	builderCfg := config.LoadBuilderConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if cfg.AutoMigrate {
		runner, err := store.Migrator(log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(builderCfg.UploadDir, 0o755); err != nil {
		log.Error("failed to create upload directory", "dir", builderCfg.UploadDir, "error", err)
		os.Exit(1)
	}

	rdb := connectRedis(ctx, cfg, log)
	if rdb != nil {
		defer rdb.Close()
	}

	var bus events.Publisher = events.Noop{}
	if url := strings.TrimSpace(cfg.NATSURL); url != "" {
		natsBus, err := events.NewNATSPublisher(url, cfg.NATSSubject, log)
		if err != nil {
			log.Warn("nats publisher unavailable", "error", err)
		} else {
			bus = natsBus
		}
	}
	defer bus.Close()

	var locker publish.Locker = publish.NewMemoryLocker()
	limiter := httpx.NewMemoryRateLimiter()
	if rdb != nil {
		locker = publish.NewRedisLocker(rdb, 0, func(key string) {
			log.Error("publish lock lost", "key", key, "error", publish.ErrLockLost)
		})
		limiter = httpx.NewRedisRateLimiter(rdb, log)
	}

	publisher, err := publish.NewPublisher(builderCfg.PublishRoot, locker, output.Budget{
		MaxFiles: builderCfg.StageMaxFiles,
		MaxBytes: builderCfg.StageMaxBytes,
	}, log)
	if err != nil {
		log.Error("failed to prepare publish root", "root", builderCfg.PublishRoot, "error", err)
		os.Exit(1)
	}
	workspaces, err := workspace.New(builderCfg.Workdir)
	if err != nil {
		log.Error("failed to prepare builder workdir", "dir", builderCfg.Workdir, "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	logSvc := logs.New(store.Store, hub, log)
	authSvc := auth.New(store.Store, log, cfg)
	projectSvc := project.New(store.Store, store.Store, publisher, log)

	runner := pipeline.New(executor.New(log), publisher, pipeline.Config{
		ArchiveLimits: archive.Limits{
			MaxEntries: builderCfg.ArchiveMaxEntries,
			MaxBytes:   builderCfg.ArchiveMaxBytes,
		},
		ProbeTimeout: builderCfg.ProbeTimeout,
	}, log)

	deploySvc := deploy.New(store.Store, store.Store, runner, workspaces, logSvc, log, deploy.Config{
		PublicBaseURL:  cfg.PublicBaseURL,
		BuildTimeout:   builderCfg.BuildTimeout,
		Concurrency:    builderCfg.Concurrency,
		LogMaxBytes:    builderCfg.BuildLogMaxBytes,
		KeepWorkspaces: builderCfg.KeepWorkspaces,
		StaleAfter:     builderCfg.StaleAfter,
	}, deploy.WithEvents(bus), deploy.WithMetrics(deploy.NewMetrics(prometheus.DefaultRegisterer)))

	jan, err := janitor.New(deploySvc, workspaces, janitor.Config{
		Interval:     builderCfg.JanitorInterval,
		WorkspaceTTL: builderCfg.WorkspaceTTL,
		UploadDir:    builderCfg.UploadDir,
	}, log)
	if err != nil {
		log.Error("failed to create janitor", "error", err)
		os.Exit(1)
	}
	if err := jan.Start(ctx); err != nil {
		log.Error("failed to start janitor", "error", err)
		os.Exit(1)
	}

	router := httpx.NewRouter(log, httpx.Services{
		Auth:     authSvc,
		Projects: projectSvc,
		Deploys:  deploySvc,
		Logs:     logSvc,
	}, limiter, store.Store.Ping, httpx.Config{
		SitesRoot:         publisher.SitesRoot(),
		ProjectsRoot:      publisher.ProjectsRoot(),
		UploadDir:         builderCfg.UploadDir,
		UploadMaxBytes:    builderCfg.UploadMaxBytes,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		CookieSecure:      cfg.CookieSecure,
		LogBuffer:         cfg.LogBuffer,
		WriteWait:         cfg.WebsocketWriteWait,
		Registerer:        prometheus.DefaultRegisterer,
		Gatherer:          prometheus.DefaultGatherer,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	if err := deploySvc.Drain(shutdownCtx); err != nil {
		log.Error("deployments did not drain", "error", err)
	}
	if err := jan.Stop(); err != nil {
		log.Warn("janitor stop failed", "error", err)
	}
	hub.Close()
	router.Close()
	log.Info("api server stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// connectRedis returns a client when REDIS_ADDR is set and reachable.
func connectRedis(ctx context.Context, cfg config.APIConfig, log *slog.Logger) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable, using in-process rate limits and locks", "addr", addr, "error", err)
		_ = client.Close()
		return nil
	}
	log.Info("redis connected", "addr", addr)
	return client
}
