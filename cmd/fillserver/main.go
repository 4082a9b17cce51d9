// Command fillserver runs the fill engine as an HTTP service: POST /fills
// to run a fill, GET /fills/:id/record for its FillRecord. Bootstrap order
// is otel -> logger -> id -> optional stores -> router -> graceful
// shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"markform.app/fill/common/id"
	"markform.app/fill/common/logger"
	"markform.app/fill/common/otel"
	"markform.app/fill/core/config"
	"markform.app/fill/core/db"
	fillhttp "markform.app/fill/internal/http"
	"markform.app/fill/internal/fillengine/resume"
	"markform.app/fill/internal/record"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fillserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTel.Enabled() {
		tel, err := otel.Setup(ctx, cfg.OTel)
		if err != nil {
			return fmt.Errorf("otel setup: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				slog.Error("otel shutdown failed", "error", err)
			}
		}()
	}

	logger.Setup(cfg)

	if err := id.Init(1); err != nil {
		return fmt.Errorf("init id generator: %w", err)
	}

	deps := fillhttp.Deps{}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer client.Close()
		deps.Resume = resume.NewRedisResumeStore(client, "", 24*time.Hour)
		slog.Info("resume store: redis")
	}

	if os.Getenv("DATABASE_HOST") != "" {
		database, err := db.New(ctx, cfg.DB)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer database.Close()

		store := record.NewPGStore(database)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		deps.Archive = store
		slog.Info("fill record archival: postgres")
	}

	handler := fillhttp.NewHandler(deps)
	router := fillhttp.NewRouter(handler, cfg.OTel.ServiceName)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("fillserver listening", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
