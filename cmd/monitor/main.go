package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"folkbears/go-beacon-monitor/internal/app"
	"folkbears/go-beacon-monitor/internal/config"
	"folkbears/go-beacon-monitor/internal/logger"

	"go.uber.org/zap"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	for _, w := range cfg.Warnings {
		log.Warn("configuration", zap.String("warning", w))
	}

	application := app.New(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting beacon monitor",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("mqtt_bind", cfg.MQTTBindAddress),
		zap.Int("metrics_port", cfg.MetricsPort),
		zap.String("database", cfg.DatabasePath),
	)

	if err := application.Run(ctx); err != nil {
		log.Error("application terminated", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}

	log.Info("application stopped cleanly")
}
