package clickhouse

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/edgeflare/graphstream/pkg/pipeline"
	"go.uber.org/zap"
)

// PeerClickHouse archives published messages in an append-only table, one
// row per message. Tombstones are kept as rows with a NULL value.
type PeerClickHouse struct {
	conn   driver.Conn
	config *clickhouse.Options
	table  string
	logger *zap.Logger
}

// Config adds the archive table to the driver options
type Config struct {
	// Table defaults to graphstream_messages in the auth database
	Table string `json:"table"`
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func (p *PeerClickHouse) Connect(config json.RawMessage, _ ...any) error {
	p.config = &clickhouse.Options{}
	var cfg Config
	if config != nil {
		if err := json.Unmarshal(config, p.config); err != nil {
			return fmt.Errorf("failed to parse ClickHouse config: %w", err)
		}
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("failed to parse ClickHouse config: %w", err)
		}
	}

	// Set values from environment variables or use defaults
	if len(p.config.Addr) == 0 {
		p.config.Addr = []string{cmp.Or(os.Getenv("GRAPHSTREAM_CLICKHOUSE_ADDR"), "localhost:9000")}
	}
	p.config.Auth.Database = cmp.Or(p.config.Auth.Database, os.Getenv("GRAPHSTREAM_CLICKHOUSE_AUTH_DATABASE"), "default")
	p.config.Auth.Username = cmp.Or(p.config.Auth.Username, os.Getenv("GRAPHSTREAM_CLICKHOUSE_AUTH_USERNAME"), "default")
	p.config.Auth.Password = cmp.Or(p.config.Auth.Password, os.Getenv("GRAPHSTREAM_CLICKHOUSE_AUTH_PASSWORD"))

	p.table = cmp.Or(cfg.Table, "graphstream_messages")
	if !identifier.MatchString(p.table) {
		return fmt.Errorf("invalid ClickHouse table name %q", p.table)
	}

	conn, err := clickhouse.Open(p.config)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	if err := conn.Exec(ctx, createTableSQL(p.table)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to create archive table %s: %w", p.table, err)
	}

	p.conn = conn
	p.logger = zap.L().Named("clickhouse")
	return nil
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	topic String,
	key String,
	value Nullable(String),
	headers Map(String, String),
	published_at DateTime64(3)
) ENGINE = MergeTree
ORDER BY (topic, published_at)`, table)
}

func insertSQL(table string) string {
	return fmt.Sprintf("INSERT INTO %s (topic, key, value, headers, published_at) VALUES (?, ?, ?, ?, ?)", table)
}

// row renders msg as insert arguments
func row(msg pipeline.Message, at time.Time) []any {
	var value *string
	if msg.Value != nil {
		v := string(msg.Value)
		value = &v
	}
	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return []any{msg.Topic, string(msg.Key), value, headers, at}
}

func (p *PeerClickHouse) Pub(ctx context.Context, msg pipeline.Message) error {
	if p.conn == nil {
		return pipeline.ErrNotConnected
	}
	if err := p.conn.Exec(ctx, insertSQL(p.table), row(msg, time.Now())...); err != nil {
		return fmt.Errorf("failed to insert message into ClickHouse: %w", err)
	}
	p.logger.Debug("archived message", zap.String("topic", msg.Topic), zap.String("table", p.table))
	return nil
}

func (p *PeerClickHouse) Sub(context.Context, ...string) (<-chan pipeline.Message, error) {
	return nil, pipeline.ErrConnectorTypeMismatch
}

func (p *PeerClickHouse) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePub
}

func (p *PeerClickHouse) Disconnect() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorClickHouse, func() pipeline.Connector { return &PeerClickHouse{} })
}
