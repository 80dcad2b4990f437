package mqtt

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/graphstream/pkg/pipeline"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// PeerMQTT implements the source and sink functionality for MQTT
type PeerMQTT struct {
	*Client
	Config Config
}

type Config struct {
	Servers     []string `json:"servers"`
	TopicPrefix string   `json:"topicPrefix"`
	// QoS of published messages and subscriptions, 1 by default
	QoS           *byte `json:"qos,omitempty"`
	ClientOptions `json:"clientOptions"`
}

func (c Config) qos() byte {
	if c.QoS == nil {
		return 1
	}
	return *c.QoS
}

// frame carries what MQTT 3.1.1 has no place for: the key and headers
type frame struct {
	Key     []byte            `msgpack:"k,omitempty"`
	Value   []byte            `msgpack:"v,omitempty"`
	Headers map[string]string `msgpack:"h,omitempty"`
}

func (p *PeerMQTT) Connect(config json.RawMessage, _ ...any) error {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("failed to unmarshal MQTT config: %w", err)
	}

	cfg.TopicPrefix = strings.Trim(cmp.Or(cfg.TopicPrefix, "graphstream"), "/")
	p.Config = cfg

	mqttOpts, err := pahoOptions(cfg.Servers, cfg.ClientOptions)
	if err != nil {
		return err
	}

	p.Client = NewClient(mqttOpts)
	if err := p.Client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Topic maps a graphstream topic, or glob, to an MQTT topic filter. Dots
// become levels, `*` matches one level and `**` the rest.
func (p *PeerMQTT) Topic(topic string) string {
	levels := strings.Split(topic, ".")
	for i, l := range levels {
		switch l {
		case "*":
			levels[i] = "+"
		case "**":
			levels[i] = "#"
		}
	}
	return p.Config.TopicPrefix + "/" + strings.Join(levels, "/")
}

func (p *PeerMQTT) topicOf(mqttTopic string) string {
	return strings.ReplaceAll(strings.TrimPrefix(mqttTopic, p.Config.TopicPrefix+"/"), "/", ".")
}

func (p *PeerMQTT) Pub(ctx context.Context, msg pipeline.Message) error {
	if p.Client == nil || p.client == nil {
		return pipeline.ErrNotConnected
	}
	payload, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	return p.Publish(ctx, p.Topic(msg.Topic), p.Config.qos(), false, payload)
}

func encodeFrame(msg pipeline.Message) ([]byte, error) {
	data, err := msgpack.Marshal(frame{Key: msg.Key, Value: msg.Value, Headers: msg.Headers})
	if err != nil {
		return nil, fmt.Errorf("failed to encode MQTT frame: %w", err)
	}
	return data, nil
}

func decodeFrame(topic string, payload []byte) (pipeline.Message, error) {
	var f frame
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return pipeline.Message{}, fmt.Errorf("failed to decode MQTT frame on %s: %w", topic, err)
	}
	return pipeline.Message{Topic: topic, Key: f.Key, Value: f.Value, Headers: f.Headers}, nil
}

// Sub subscribes to the filter of every topic. Frames that cannot be
// decoded are logged and acked.
func (p *PeerMQTT) Sub(ctx context.Context, topics ...string) (<-chan pipeline.Message, error) {
	if p.Client == nil || p.client == nil {
		return nil, pipeline.ErrNotConnected
	}

	out := make(chan pipeline.Message)
	var (
		mu     sync.RWMutex
		closed bool
	)
	handler := func(_ mqtt.Client, m mqtt.Message) {
		msg, err := decodeFrame(p.topicOf(m.Topic()), m.Payload())
		if err != nil {
			p.logger.Warn("dropping message", zap.Error(err))
			m.Ack()
			return
		}
		msg.Offset = int64(m.MessageID())
		msg.Commit = m.Ack

		mu.RLock()
		defer mu.RUnlock()
		if closed {
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
		}
	}

	filters := make([]string, 0, len(topics))
	for _, topic := range topics {
		filter := p.Topic(topic)
		if err := p.Subscribe(filter, p.Config.qos(), handler); err != nil {
			return nil, err
		}
		filters = append(filters, filter)
	}

	go func() {
		<-ctx.Done()
		if err := p.Unsubscribe(filters...); err != nil {
			p.logger.Warn("unsubscribe", zap.Error(err))
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

func (p *PeerMQTT) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePubSub
}

func (p *PeerMQTT) Disconnect() error {
	if p.Client != nil && p.client != nil {
		p.Client.Disconnect()
	}
	return nil
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorMQTT, func() pipeline.Connector { return &PeerMQTT{} })
}
