package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgeflare/graphstream/pkg/age"
	"github.com/edgeflare/graphstream/pkg/config"
	"github.com/edgeflare/graphstream/pkg/constraint"
	"github.com/edgeflare/graphstream/pkg/pglogrepl"
	"github.com/edgeflare/graphstream/pkg/pipeline"
	"github.com/edgeflare/graphstream/pkg/pipeline/route"
	"github.com/edgeflare/graphstream/pkg/txdiff"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sourceCmd = &cobra.Command{
	Use:     "source",
	Aliases: []string{"src"},
	Short:   "Publish graph changes to broker topics",
	Long: `Stream the committed transactions of the source graph, encode every changed
node and relationship as a change event and publish it to the routed topics.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return cfg.ValidateSource()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(runSource)
	},
}

func init() {
	sourceCmd.Flags().BoolVar(&metricsEnabled, "metrics", true, "serve Prometheus metrics on metrics.addr")
}

func runSource(ctx context.Context, m *pipeline.Manager) error {
	src := cfg.Source
	logger := zap.L().Named("source").With(zap.String("graph", src.Graph))

	pool, err := age.NewPool(ctx, age.Pool{ConnString: src.PG.ConnString, Graph: src.Graph})
	if err != nil {
		return fmt.Errorf("connecting to graph database: %w", err)
	}
	defer pool.Close()

	cache, err := startConstraintCache(ctx, src.Constraints, pool, logger)
	if err != nil {
		return err
	}
	defer cache.Close()

	peer, err := m.GetPeer(src.Publisher.Peer)
	if err != nil {
		return fmt.Errorf("publisher peer %s: %w", src.Publisher.Peer, err)
	}
	// brokers that know their topics' cleanup policies decide the key kind
	var policies route.PolicyResolver
	if r, ok := peer.Connector().(route.PolicyResolver); ok {
		policies = r
	}
	router, err := route.NewRouter(src.Router, policies)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}
	if !router.Accepts(src.Graph) {
		return fmt.Errorf("router is scoped to database %q, not graph %q", src.Router.Database, src.Graph)
	}

	reader, err := age.NewReader(pool, src.Graph)
	if err != nil {
		return err
	}
	encoder := &txdiff.Encoder{
		Constraints:   cache,
		Reader:        reader,
		KeyStrategies: router.KeyStrategyFor,
		Hostname:      hostname(),
		Logger:        logger.Named("encoder"),
	}

	publisher, err := pipeline.NewPublisher(peer, router, src.Publisher,
		pipeline.WithPublisherLogger(logger.Named("publisher")))
	if err != nil {
		return err
	}
	publisher.Start(ctx)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("closing publisher", zap.Error(err))
		}
	}()

	replConn, err := replicationConn(ctx, src.PG.ConnString)
	if err != nil {
		return err
	}
	defer replConn.Close(context.Background())

	if err := pglogrepl.EnsureReplicaIdentity(ctx, replConn, src.Graph); err != nil {
		return err
	}
	// the slot only confirms transactions the publisher has delivered
	var progress pglogrepl.Progress
	txs, err := pglogrepl.Stream(ctx, replConn, src.PglogreplConfig(), pglogrepl.WithProgress(&progress))
	if err != nil {
		return fmt.Errorf("starting replication: %w", err)
	}
	logger.Info("streaming graph changes", zap.Strings("topics", router.Topics()))

	for tx := range txs {
		events, err := encoder.Encode(ctx, tx)
		if err != nil {
			return err
		}
		position := tx.Position
		if err := publisher.PublishAck(ctx, events, func() { progress.Ack(position) }); err != nil {
			return fmt.Errorf("publishing transaction %d: %w", tx.TxID, err)
		}
		logger.Debug("transaction published", zap.Int64("txId", tx.TxID), zap.Int("events", len(events)))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("replication stream ended")
}

func startConstraintCache(ctx context.Context, c config.ConstraintsConfig, pool *pgxpool.Pool, logger *zap.Logger) (*constraint.Cache, error) {
	if err := age.EnsureCatalog(ctx, pool); err != nil {
		return nil, err
	}
	opts := []constraint.Option{
		constraint.WithRefreshInterval(c.Refresh),
		constraint.WithLogger(logger.Named("constraints")),
	}
	if c.Listen {
		changed, err := age.Listen(ctx, pool, age.ConstraintsChannel, logger.Named("constraints"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, constraint.WithNotify(changed))
	}
	cache := constraint.NewCache(age.NewConstraintLoader(pool, logger.Named("constraints")), opts...)
	cache.Start(ctx)
	return cache, nil
}

func replicationConn(ctx context.Context, connString string) (*pgconn.PgConn, error) {
	connConfig, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	connConfig.RuntimeParams["replication"] = "database"
	conn, err := pgconn.ConnectConfig(ctx, &connConfig.Config)
	if err != nil {
		return nil, fmt.Errorf("replication connection: %w", err)
	}
	return conn, nil
}
