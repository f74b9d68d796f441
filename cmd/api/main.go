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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vacerde/qBridge/internal/access"
	"github.com/vacerde/qBridge/internal/app/migrate"
	"github.com/vacerde/qBridge/internal/docker"
	httpx "github.com/vacerde/qBridge/internal/http"
	"github.com/vacerde/qBridge/internal/repository/postgres"
	"github.com/vacerde/qBridge/internal/service/auth"
	"github.com/vacerde/qBridge/internal/service/collab"
	"github.com/vacerde/qBridge/internal/service/deploy"
	"github.com/vacerde/qBridge/internal/service/workspace"
	"github.com/vacerde/qBridge/internal/ws"
	"github.com/vacerde/qBridge/pkg/config"
	"github.com/vacerde/qBridge/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	runtime, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer runtime.Close()
	if err := runtime.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	checker := access.New(repo, repo)

	authSvc := auth.New(repo, log, cfg)
	workspaceSvc := workspace.New(repo, runtime, checker, log, cfg)
	deploySvc := deploy.New(repo, runtime, checker, log, cfg)
	collabSvc := collab.New(repo, checker, log)

	hub := ws.NewHub(checker, log)
	wsHandler := ws.NewHandler(hub, authSvc, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, workspaceSvc, deploySvc, collabSvc, wsHandler, limiter, pool.Ping, runtime.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
