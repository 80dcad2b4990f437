package pipeline

import "github.com/edgeflare/graphstream/pkg/codec"

// Peer is a broker endpoint with an associated connector (ie Kafka, NATS, MQTT, ClickHouse, etc).
type Peer struct {
	Name          string `mapstructure:"name"`
	ConnectorName string `mapstructure:"connector"`
	// Codec names the value encoding of the peer's messages: json (default) or msgpack
	Codec string `mapstructure:"codec"`
	// Config contains the connection config of underlying library
	// eg github.com/IBM/sarama.Config, github.com/eclipse/paho.mqtt.golang.ClientOptions etc
	Config map[string]any `mapstructure:"config"`
	// Extra arguments for Connect
	Args []any `mapstructure:"-"`

	connector Connector
}

// Connector returns the connected connector, nil before Manager.Init
func (p *Peer) Connector() Connector {
	return p.connector
}

// MessageCodec resolves the peer's codec
func (p *Peer) MessageCodec() (codec.Codec, error) {
	return codec.ByName(p.Codec)
}
