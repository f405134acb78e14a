package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"isxlicense/internal/app"
	"isxlicense/internal/config"
	"isxlicense/internal/infrastructure"
)

func main() {
	machineID := flag.String("machine-id", "", "override the derived machine fingerprint")
	flag.Parse()

	cfg, err := config.Load(config.RoleClient)
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to initialize logger", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer infrastructure.CloseLogFile()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := app.NewAgent(ctx, cfg, logger, *machineID)
	if err != nil {
		logger.Error("Failed to initialize license agent", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := agent.Run(ctx); err != nil {
		logger.Error("License agent error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
