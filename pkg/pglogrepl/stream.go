package pglogrepl

import (
	"context"
	"fmt"
	"time"

	"github.com/edgeflare/graphstream/pkg/txdiff"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
)

// StreamOption configures Stream
type StreamOption func(*streamOptions)

type streamOptions struct {
	progress *Progress
}

// WithProgress confirms transactions only once they are acknowledged on
// progress. Without it a transaction is confirmed as soon as it is handed
// to the channel.
func WithProgress(p *Progress) StreamOption {
	return func(o *streamOptions) { o.progress = p }
}

// Stream starts logical replication on a replication connection and returns
// a channel of committed graph transactions. The channel closes when ctx is
// done or replication fails.
func Stream(ctx context.Context, conn *pgconn.PgConn, cfg *Config, opts ...StreamOption) (<-chan txdiff.TxData, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}

	cfg = mergeWithDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	startLSN, err := setupReplication(ctx, conn, cfg)
	if err != nil {
		return nil, fmt.Errorf("setup replication: %w", err)
	}

	var o streamOptions
	for _, opt := range opts {
		opt(&o)
	}

	txs := make(chan txdiff.TxData, cfg.BufferSize)
	go streamTransactions(ctx, conn, cfg, newPosition(startLSN, o.progress), txs)
	return txs, nil
}

func setupReplication(ctx context.Context, conn *pgconn.PgConn, cfg *Config) (pglogrepl.LSN, error) {
	if err := ensurePublication(ctx, conn, *cfg); err != nil {
		return 0, fmt.Errorf("publication: %w", err)
	}

	sysID, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return 0, fmt.Errorf("identify system: %w", err)
	}

	if err := ensureSlot(ctx, conn, cfg.Slot, cfg.Plugin); err != nil {
		return 0, fmt.Errorf("slot: %w", err)
	}

	// protocol 1 without streaming only sends committed transactions, whole
	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", cfg.Publication),
	}

	err = pglogrepl.StartReplication(ctx, conn, cfg.Slot, sysID.XLogPos, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	})
	return sysID.XLogPos, err
}

func ensureSlot(ctx context.Context, conn *pgconn.PgConn, name, plugin string) error {
	exists, err := checkExists(ctx, conn, "pg_replication_slots", "slot_name", name)
	if err != nil {
		return err
	}

	if !exists {
		_, err = pglogrepl.CreateReplicationSlot(ctx, conn, name, plugin,
			pglogrepl.CreateReplicationSlotOptions{Temporary: false})
	}
	return err
}

func streamTransactions(ctx context.Context, conn *pgconn.PgConn, cfg *Config, pos *position, txs chan<- txdiff.TxData) {
	defer close(txs)
	logger := zap.L().Named("pglogrepl").With(zap.String("graph", cfg.Graph), zap.String("slot", cfg.Slot))
	dec := newDecoder(cfg.Graph, logger)
	nextStandby := time.Now().Add(cfg.StandbyUpdateInterval)

	for {
		if time.Now().After(nextStandby) {
			confirmed := pos.flush()
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: confirmed,
				WALFlushPosition: confirmed,
				WALApplyPosition: confirmed,
			}); err != nil {
				if ctx.Err() == nil {
					logger.Error("standby status update failed", zap.Error(err))
				}
				return
			}
			nextStandby = time.Now().Add(cfg.StandbyUpdateInterval)
		}

		msgCtx, cancel := context.WithDeadline(ctx, nextStandby)
		msg, err := conn.ReceiveMessage(msgCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !pgconn.Timeout(err) {
				logger.Error("receive replication message failed", zap.Error(err))
				return
			}
			continue
		}

		switch m := msg.(type) {
		case *pgproto3.ErrorResponse:
			logger.Error("replication error", zap.String("message", m.Message), zap.String("code", m.Code))
			return
		case *pgproto3.CopyData:
			if len(m.Data) == 0 {
				continue
			}
			switch m.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(m.Data[1:])
				if err != nil {
					continue
				}
				pos.keepalive(pkm.ServerWALEnd)
				if pkm.ReplyRequested {
					nextStandby = time.Time{}
				}

			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(m.Data[1:])
				if err != nil {
					logger.Error("parse xlog data", zap.Error(err))
					return
				}
				logical, err := pglogrepl.Parse(xld.WALData)
				if err != nil {
					logger.Error("parse logical replication message", zap.Error(err))
					return
				}
				if _, ok := logical.(*pglogrepl.BeginMessage); ok {
					pos.begin()
				}
				tx, err := dec.handle(logical)
				if err != nil {
					// the slot does not advance, so the transaction is read again after a restart
					logger.Error("decode transaction", zap.Error(err))
					return
				}
				commit, isCommit := logical.(*pglogrepl.CommitMessage)
				switch {
				case tx != nil:
					select {
					case txs <- *tx:
					case <-ctx.Done():
						return
					}
					pos.handoff(commit.TransactionEndLSN)
				case isCommit:
					pos.skip(commit.TransactionEndLSN)
				}
			}
		}
	}
}

func ensurePublication(ctx context.Context, conn *pgconn.PgConn, cfg Config) error {
	exists, err := checkExists(ctx, conn, "pg_publication", "pubname", cfg.Publication)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	stmt := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLES IN SCHEMA %s WITH (publish = 'insert, update, delete, truncate')",
		cfg.Publication, cfg.Graph)
	if _, err := conn.Exec(ctx, stmt).ReadAll(); err != nil {
		return fmt.Errorf("create publication: %w", err)
	}
	return nil
}

// checkExists takes validated identifiers only
func checkExists(ctx context.Context, conn *pgconn.PgConn, table, column, value string) (bool, error) {
	if table != "pg_publication" && table != "pg_replication_slots" {
		return false, fmt.Errorf("invalid table name")
	}
	if column != "pubname" && column != "slot_name" {
		return false, fmt.Errorf("invalid column name")
	}

	rows, err := conn.Exec(ctx,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = '%s')", table, column, value)).ReadAll()
	if err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return len(rows) > 0 && len(rows[0].Rows) > 0 && string(rows[0].Rows[0][0]) == "t", nil
}

// EnsureReplicaIdentity sets REPLICA IDENTITY FULL on every label table of
// graph. Labels created later need the same, or their deletes go unreported.
func EnsureReplicaIdentity(ctx context.Context, conn *pgconn.PgConn, graph string) error {
	if !identifier.MatchString(graph) {
		return fmt.Errorf("invalid graph name %q", graph)
	}
	stmt := fmt.Sprintf(`DO $$
DECLARE t record;
BEGIN
	FOR t IN SELECT c.oid::regclass AS rel FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = '%s' AND c.relkind = 'r' AND c.relreplident <> 'f'
	LOOP
		EXECUTE format('ALTER TABLE %%s REPLICA IDENTITY FULL', t.rel);
	END LOOP;
END $$`, graph)
	if _, err := conn.Exec(ctx, stmt).ReadAll(); err != nil {
		return fmt.Errorf("replica identity: %w", err)
	}
	return nil
}
