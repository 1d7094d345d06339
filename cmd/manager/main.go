package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/weatherdb/internal/bus"
	"github.com/devrev/weatherdb/internal/config"
	"github.com/devrev/weatherdb/internal/logging"
	"github.com/devrev/weatherdb/internal/metrics"
	"github.com/devrev/weatherdb/internal/server"
	"github.com/devrev/weatherdb/internal/service"
	"github.com/devrev/weatherdb/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting weatherdb manager",
		zap.Int("nodes", cfg.Cluster.Nodes),
		zap.String("bus", cfg.Bus.Driver),
		zap.Bool("admin", cfg.Admin.Enabled))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Manager failed", zap.Error(err))
	}
	logger.Info("Manager stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b, err := bus.New(cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize bus: %w", err)
	}
	defer b.Close()

	var files store.FileRegistry = store.NewMemoryFileRegistry()
	if rb, ok := b.(*bus.RedisBus); ok {
		files = store.NewRedisFileRegistry(rb.Client(), logger)
	}
	defer files.Close()

	mgr := service.NewManager(cfg, b, files, metrics.NewManagerMetrics(reg), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(gctx)
	})

	// a memory bus only reaches this process, so the nodes live here too
	if _, ok := b.(*bus.MemoryBus); ok {
		for id := 0; id < cfg.Cluster.Nodes; id++ {
			node := service.NewStorageService(id, b, store.NewMemoryRecordStore(),
				metrics.NewStorageMetrics(reg, id), logger)
			g.Go(func() error {
				return node.Run(gctx)
			})
		}
		logger.Info("Hosting storage nodes in-process", zap.Int("nodes", cfg.Cluster.Nodes))
	}

	if cfg.Admin.Enabled {
		admin := server.NewAdminServer(cfg.Admin, mgr, files, reg, logger)
		g.Go(admin.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return admin.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
