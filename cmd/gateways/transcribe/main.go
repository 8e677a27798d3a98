package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	config "github.com/xilidan/transcriber/config/transcribe"
	"github.com/xilidan/transcriber/gateways/transcribe"
	"github.com/xilidan/transcriber/pkg/logger"
)

func main() {
	log := logger.Default()
	log.Info("initializing transcribe gateway")

	log.Debug("loading configuration")
	cfg := config.MustLoad()

	level := logger.ParseLevel(cfg.LogLevel)
	log = logger.New(logger.Config{
		Level:      level,
		Output:     os.Stderr,
		AddSource:  true,
		JSONFormat: cfg.LogJSON,
	})
	logger.SetDefault(log)
	log.Info("logger configured",
		slog.String("level", level.String()),
		slog.Bool("json_format", cfg.LogJSON))

	log.Info("configuration loaded successfully",
		slog.Int("port", cfg.Port),
		slog.String("backend_url", cfg.BackendService.Url),
		slog.String("uploads_dir", cfg.Dirs.Uploads),
		slog.String("output_dir", cfg.Dirs.Output),
		slog.String("images_dir", cfg.Dirs.Images),
		slog.String("work_dir", cfg.Dirs.Work))

	ctx := logger.WithContext(context.Background(), log)

	rootCtx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer func() {
		log.Info("canceling root context")
		cancel()
	}()

	log.Info("starting transcribe gateway application")
	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("application terminated with error", slog.String("error", err.Error()))
		return
	}
	log.Info("application terminated successfully")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	srv, err := transcribe.New(cfg, log)
	if err != nil {
		log.Error("failed to create server", slog.String("error", err.Error()))
		return err
	}

	if err := srv.Start(ctx); err != nil {
		log.Error("server start failed", slog.String("error", err.Error()))
		return err
	}
	log.Info("server started and stopped gracefully")
	return nil
}
