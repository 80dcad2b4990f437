package main

import (
	"context"
	"encoding/json"

	"github.com/edgeflare/graphstream/pkg/pipeline"
	"go.uber.org/zap"
)

// PeerExample shows the shape of a connector plugin. Build it with
//
//	go build -buildmode=plugin -o example.so ./pkg/pipeline/peer/plugin_example
//
// and load it with Manager.RegisterConnectorPlugin.
type PeerExample struct {
	logger *zap.Logger
}

func (p *PeerExample) Connect(config json.RawMessage, _ ...any) error {
	p.logger = zap.L().Named("example")
	p.logger.Info("example connector plugin init", zap.ByteString("config", config))
	return nil
}

func (p *PeerExample) Pub(_ context.Context, msg pipeline.Message) error {
	p.logger.Info("example connector plugin publish",
		zap.String("topic", msg.Topic),
		zap.ByteString("key", msg.Key))
	return nil
}

func (p *PeerExample) Sub(context.Context, ...string) (<-chan pipeline.Message, error) {
	// for pub-only peers, or implement for sub/pubsub peers
	return nil, pipeline.ErrConnectorTypeMismatch
}

func (p *PeerExample) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePub
}

func (p *PeerExample) Disconnect() error {
	return nil
}

// NewConnector is the symbol looked up by Manager.RegisterConnectorPlugin
func NewConnector() pipeline.Connector {
	return &PeerExample{}
}

func main() {}
