package debug

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgeflare/graphstream/pkg/pipeline"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// PeerDebug is a debug peer that logs every message
type PeerDebug struct {
	logger *zap.Logger
	level  zapcore.Level
}

// Config selects the log level of published messages, info by default
type Config struct {
	Level string `json:"level"`
}

func (p *PeerDebug) Connect(config json.RawMessage, _ ...any) error {
	var cfg Config
	if len(config) > 0 && string(config) != "null" {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("failed to parse debug config: %w", err)
		}
	}
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return fmt.Errorf("invalid debug log level: %w", err)
		}
	}
	p.level = level
	if p.logger == nil {
		p.logger = zap.L().Named(pipeline.ConnectorDebug)
	}
	return nil
}

func (p *PeerDebug) Pub(_ context.Context, msg pipeline.Message) error {
	if p.logger == nil {
		return pipeline.ErrNotConnected
	}
	p.logger.Log(p.level, "message",
		zap.String("topic", msg.Topic),
		zap.ByteString("key", msg.Key),
		zap.ByteString("value", msg.Value),
		zap.Bool("tombstone", msg.Value == nil),
		zap.Any("headers", msg.Headers))
	return nil
}

func (p *PeerDebug) Sub(context.Context, ...string) (<-chan pipeline.Message, error) {
	return nil, pipeline.ErrConnectorTypeMismatch
}

func (p *PeerDebug) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePub
}

func (p *PeerDebug) Disconnect() error {
	if p.logger != nil {
		_ = p.logger.Sync()
	}
	return nil
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorDebug, func() pipeline.Connector { return &PeerDebug{} })
}
