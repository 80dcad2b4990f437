// Package pipeline moves change events between the graph and a message
// broker `Peer` (ie Kafka, NATS, MQTT, ClickHouse).
//
// The write path is a `Publisher`: it routes the events of a committed
// transaction to topics, keys and encodes them and hands them to the peer's
// connector. The read path is a `Sink`: it consumes topics, compiles each
// batch with the topic's ingestion strategy and executes the statements.
//
// It defines a `Connector` interface that all `Peer` types must implement.
// Connectors register a factory by name, and plugins can add more through
// `Manager.RegisterConnectorPlugin`.
package pipeline
