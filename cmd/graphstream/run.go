package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/graphstream/pkg/metrics"
	"github.com/edgeflare/graphstream/pkg/pipeline"
	"go.uber.org/zap"

	// Register built-in connectors
	_ "github.com/edgeflare/graphstream/pkg/pipeline/peer/clickhouse"
	_ "github.com/edgeflare/graphstream/pkg/pipeline/peer/debug"
	_ "github.com/edgeflare/graphstream/pkg/pipeline/peer/kafka"
	_ "github.com/edgeflare/graphstream/pkg/pipeline/peer/mqtt"
	_ "github.com/edgeflare/graphstream/pkg/pipeline/peer/nats"
)

const shutdownTimeout = 10 * time.Second

var metricsEnabled bool

// worker is one long-running direction of the bridge
type worker func(ctx context.Context, m *pipeline.Manager) error

// run connects the configured peers, serves metrics and runs w until it
// returns or a termination signal arrives.
func run(w worker) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := zap.L()

	var wg sync.WaitGroup
	if metricsEnabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Path:   cfg.Metrics.Path,
			Logger: logger.Named("metrics"),
		})
	}

	m := pipeline.NewManager(pipeline.WithManagerLogger(logger.Named("manager")))
	for _, p := range cfg.Plugins {
		if err := m.RegisterConnectorPlugin(p.Path, p.Connector); err != nil {
			return fmt.Errorf("failed to load connector plugin %s: %w", p.Path, err)
		}
	}
	if err := m.Init(ctx, cfg.Peers); err != nil {
		return fmt.Errorf("failed to initialize peers: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("closing peers", zap.Error(err))
		}
	}()

	err := w(ctx, m)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		logger.Error("stopped with error", zap.Error(err))
	} else {
		logger.Info("received termination signal, shutting down gracefully")
	}
	stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out", zap.Duration("timeout", shutdownTimeout))
	}
	return err
}

func hostname() string {
	if cfg.Source.Hostname != "" {
		return cfg.Source.Hostname
	}
	h, _ := os.Hostname()
	return h
}
