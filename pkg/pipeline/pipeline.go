package pipeline

import (
	"cmp"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Publish modes
const (
	ModeAsync = "async"
	ModeSync  = "sync"
)

// RetryConfig bounds the delivery retries of one message
type RetryConfig struct {
	MaxRetries      uint64        `mapstructure:"maxRetries"`
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
}

func (c RetryConfig) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cmp.Or(c.InitialInterval, 100*time.Millisecond)
	b.MaxInterval = cmp.Or(c.MaxInterval, 5*time.Second)
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, c.MaxRetries)
}

// PublisherConfig configures the write path from encoded events to a peer.
type PublisherConfig struct {
	// Peer names the configured peer events are published to
	Peer string `mapstructure:"peer"`
	// Mode is async (default, fire-and-forget) or sync
	Mode string `mapstructure:"mode"`
	// Buffer is the async queue capacity in messages
	Buffer int `mapstructure:"buffer"`
	// DeadLetterTopic receives messages whose delivery exhausted the retries.
	// Empty disables dead-lettering; failures are then logged and counted.
	DeadLetterTopic string      `mapstructure:"deadLetterTopic"`
	Retry           RetryConfig `mapstructure:"retry"`
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	c.Mode = cmp.Or(c.Mode, ModeAsync)
	c.Buffer = cmp.Or(c.Buffer, 1024)
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 5
	}
	return c
}

// SinkConfig configures the read path from broker topics to the graph.
type SinkConfig struct {
	// Peer names the configured peer records are consumed from
	Peer string `mapstructure:"peer"`
	// Topics maps a topic glob to its ingestion strategy, eg
	//
	//	people.*: schema
	//	orders:   pattern:node:Order{!id}
	Topics map[string]string `mapstructure:"topics"`
	// Subscribe lists the topics to consume. Empty subscribes to the keys of
	// Topics and leaves glob expansion to the connector.
	Subscribe    []string      `mapstructure:"subscribe"`
	BatchSize    int           `mapstructure:"batchSize"`
	BatchTimeout time.Duration `mapstructure:"batchTimeout"`
	// DeadLetterTopic receives records that could not be decoded or whose
	// statements failed. Empty disables dead-lettering.
	DeadLetterTopic string `mapstructure:"deadLetterTopic"`
	SourceID        struct {
		Label  string `mapstructure:"label"`
		IDName string `mapstructure:"idName"`
	} `mapstructure:"sourceId"`
}

func (c SinkConfig) withDefaults() SinkConfig {
	c.BatchSize = cmp.Or(c.BatchSize, 1000)
	c.BatchTimeout = cmp.Or(c.BatchTimeout, time.Second)
	return c
}
