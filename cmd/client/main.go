package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/weatherdb/internal/bus"
	"github.com/devrev/weatherdb/internal/client"
	"github.com/devrev/weatherdb/internal/config"
	"github.com/devrev/weatherdb/internal/logging"
	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// console output belongs to replies; keep logs to warnings
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "console"
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Bus.Driver != "redis" {
		logger.Fatal("The client needs a shared bus; set bus.driver to redis", zap.String("bus", cfg.Bus.Driver))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bus.New(cfg.Bus, logger)
	if err != nil {
		logger.Fatal("Failed to connect to bus", zap.Error(err))
	}
	defer b.Close()

	fmt.Println("weatherdb client; commands: LOAD <path> | GET <date> | SHUTDOWN <node id>")
	if err := client.New(b, os.Stdout, logger).Run(ctx, os.Stdin); err != nil {
		logger.Error("Client stopped", zap.Error(err))
	}
}
