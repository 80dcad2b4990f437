package main

import (
	"context"
	"fmt"

	"github.com/edgeflare/graphstream/pkg/age"
	"github.com/edgeflare/graphstream/pkg/pipeline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Apply broker records to a graph",
	Long: `Consume the configured topics, compile each batch with the topic's ingestion
strategy and execute the statements against the sink graph.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return cfg.ValidateSink()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(runSink)
	},
}

func init() {
	sinkCmd.Flags().BoolVar(&metricsEnabled, "metrics", true, "serve Prometheus metrics on metrics.addr")
}

func runSink(ctx context.Context, m *pipeline.Manager) error {
	logger := zap.L().Named("sink").With(zap.String("graph", cfg.Sink.Graph))

	pool, err := age.NewPool(ctx, age.Pool{ConnString: cfg.Sink.PG.ConnString, Graph: cfg.Sink.Graph})
	if err != nil {
		return fmt.Errorf("connecting to graph database: %w", err)
	}
	defer pool.Close()

	exec, err := age.NewExecutor(pool, cfg.Sink.Graph, age.WithExecutorLogger(logger.Named("executor")))
	if err != nil {
		return err
	}

	peer, err := m.GetPeer(cfg.Sink.Peer)
	if err != nil {
		return fmt.Errorf("sink peer %s: %w", cfg.Sink.Peer, err)
	}
	sink, err := pipeline.NewSink(peer, exec, cfg.Sink.SinkConfig, pipeline.WithSinkLogger(logger))
	if err != nil {
		return err
	}

	logger.Info("consuming topics", zap.Strings("topics", sink.Topics()))
	return sink.Run(ctx)
}
