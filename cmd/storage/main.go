package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/weatherdb/internal/bus"
	"github.com/devrev/weatherdb/internal/config"
	"github.com/devrev/weatherdb/internal/logging"
	"github.com/devrev/weatherdb/internal/metrics"
	"github.com/devrev/weatherdb/internal/service"
	"github.com/devrev/weatherdb/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
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
	if err := cfg.ValidateStorageNode(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid storage node config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Bus.Driver != "redis" {
		logger.Fatal("A standalone storage node needs a shared bus; set bus.driver to redis",
			zap.String("bus", cfg.Bus.Driver))
	}

	logger.Info("Configuration loaded",
		zap.Int("node_id", cfg.Storage.NodeID),
		zap.String("redis", cfg.Bus.Redis.Addr()))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Storage node failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bus.New(cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer b.Close()

	reg := prometheus.NewRegistry()
	node := service.NewStorageService(cfg.Storage.NodeID, b, store.NewMemoryRecordStore(),
		metrics.NewStorageMetrics(reg, cfg.Storage.NodeID), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// returns after a shutdown message, which ends the process
		return node.Run(gctx)
	})

	if cfg.Admin.Enabled {
		// each node exports metrics on admin.port + node id
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port+1+cfg.Storage.NodeID),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Starting metrics server", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-node.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("Storage node exiting", zap.Int("records", node.Stats().Records))
	return err
}
