package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/park285/cheese-match/internal/app"
	"github.com/park285/cheese-match/internal/config"
	"github.com/park285/cheese-match/internal/obslog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.Init(obslog.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		ToConsole: cfg.LogToConsole,
		ToFile:    cfg.LogToFile,
		FilePath:  cfg.LogFile,
		Caller:    cfg.LogCaller,
	}); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Error("startup_failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	if err := a.Run(ctx); err != nil {
		logger.Error("server_failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
