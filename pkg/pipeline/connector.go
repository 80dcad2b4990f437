package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

type ConnectorType int

const (
	ConnectorTypeUnknown ConnectorType = iota
	ConnectorTypePub                   // Sink / consumer-only
	ConnectorTypeSub                   // Source / producer-only
	ConnectorTypePubSub                // Source and sink
)

func (t ConnectorType) CanPub() bool { return t == ConnectorTypePub || t == ConnectorTypePubSub }
func (t ConnectorType) CanSub() bool { return t == ConnectorTypeSub || t == ConnectorTypePubSub }

var (
	ErrConnectorTypeMismatch = errors.New("connector type mismatch")
	ErrConnectorNotFound     = errors.New("connector not found")
	ErrNotConnected          = errors.New("connector not connected")
)

// Message is one broker record. A nil Value is a tombstone.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
	// Commit marks a consumed message as processed. Connectors that track
	// consumer offsets set it; it is nil on produced messages.
	Commit func() `json:"-"`
}

// Ack commits the message if its connector tracks offsets
func (m Message) Ack() {
	if m.Commit != nil {
		m.Commit()
	}
}

// A Connector represents a data pipeline component.
type Connector interface {
	// Connect initializes the connector with the provided configuration.
	// The config parameter is a raw JSON message containing connector-specific settings.
	// Additional arguments can be passed via the args parameter.
	Connect(config json.RawMessage, args ...any) error

	// Pub sends msg to the connector's destination and returns once the
	// broker acknowledged it.
	Pub(ctx context.Context, msg Message) error

	// Sub consumes the given topics until ctx is done. The channel is closed
	// when consumption stops.
	Sub(ctx context.Context, topics ...string) (<-chan Message, error)

	// Type returns the type of the connector (SUB, PUB, or PUBSUB)
	Type() ConnectorType

	Disconnect() error
}

// Predefined connectors
const (
	ConnectorClickHouse = "clickhouse"
	ConnectorDebug      = "debug"
	ConnectorKafka      = "kafka"
	ConnectorMQTT       = "mqtt"
	ConnectorNATS       = "nats"
)

// Factory returns a new, unconnected connector
type Factory func() Connector

var (
	connectors   = make(map[string]Factory)
	connectorsMu sync.RWMutex
)

// RegisterConnector adds a connector factory to the registry.
// The name parameter is used as a key to identify the connector type.
func RegisterConnector(name string, f Factory) {
	connectorsMu.Lock()
	defer connectorsMu.Unlock()
	connectors[name] = f
}

// NewConnector returns a fresh instance of the named connector
func NewConnector(name string) (Connector, error) {
	connectorsMu.RLock()
	f, ok := connectors[name]
	connectorsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotFound, name)
	}
	return f(), nil
}

// Connectors lists the registered connector names
func Connectors() []string {
	connectorsMu.RLock()
	defer connectorsMu.RUnlock()
	names := make([]string, 0, len(connectors))
	for name := range connectors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
