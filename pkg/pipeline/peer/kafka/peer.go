package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/graphstream/pkg/pipeline"
	"github.com/edgeflare/graphstream/pkg/pipeline/route"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// PeerKafka implements the source and sink for Kafka
type PeerKafka struct {
	config   *Config
	client   sarama.Client
	producer sarama.SyncProducer
	admin    *Admin
	logger   *zap.Logger

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
}

func (p *PeerKafka) Connect(config json.RawMessage, _ ...any) error {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("failed to unmarshal Kafka config: %w", err)
	}
	cfg.setDefaults()

	saramaConfig, err := cfg.ToSaramaConfig()
	if err != nil {
		return err
	}

	client, err := sarama.NewClient(cfg.Brokers, saramaConfig)
	if err != nil {
		return fmt.Errorf("failed to create Kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		producer.Close()
		client.Close()
		return fmt.Errorf("failed to create cluster admin: %w", err)
	}

	p.config = &cfg
	p.client = client
	p.producer = producer
	p.logger = zap.L().Named("kafka")
	p.admin = NewAdmin(admin, cfg.Topics, p.logger)
	return nil
}

func (p *PeerKafka) Pub(ctx context.Context, msg pipeline.Message) error {
	if p.producer == nil {
		return pipeline.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.admin != nil && p.config.Topics.AutoCreate {
		if err := p.admin.EnsureTopic(msg.Topic); err != nil {
			return err
		}
	}

	partition, offset, err := p.producer.SendMessage(producerMessage(msg))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.log().Debug("published message",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func producerMessage(msg pipeline.Message) *sarama.ProducerMessage {
	pm := &sarama.ProducerMessage{Topic: msg.Topic}
	if msg.Key != nil {
		pm.Key = sarama.ByteEncoder(msg.Key)
	}
	if msg.Value != nil {
		pm.Value = sarama.ByteEncoder(msg.Value)
	}
	for _, k := range slices.Sorted(maps.Keys(msg.Headers)) {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(msg.Headers[k])})
	}
	return pm
}

func consumedMessage(cm *sarama.ConsumerMessage) pipeline.Message {
	msg := pipeline.Message{
		Topic:     cm.Topic,
		Key:       cm.Key,
		Value:     cm.Value,
		Partition: cm.Partition,
		Offset:    cm.Offset,
	}
	if len(cm.Headers) > 0 {
		msg.Headers = make(map[string]string, len(cm.Headers))
		for _, h := range cm.Headers {
			msg.Headers[string(h.Key)] = string(h.Value)
		}
	}
	return msg
}

// Sub joins the configured consumer group. Topic globs are expanded against
// the cluster's topics once, at subscription time. Messages are marked
// consumed when acked.
func (p *PeerKafka) Sub(ctx context.Context, topics ...string) (<-chan pipeline.Message, error) {
	if p.client == nil {
		return nil, pipeline.ErrNotConnected
	}
	available, err := p.client.Topics()
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	resolved, err := ExpandTopics(topics, available)
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("no topics match %v", topics)
	}

	group, err := sarama.NewConsumerGroupFromClient(p.config.GroupID, p.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	p.mu.Lock()
	p.groups = append(p.groups, group)
	p.mu.Unlock()

	out := make(chan pipeline.Message)
	handler := &groupHandler{out: out}
	go func() {
		for err := range group.Errors() {
			p.log().Warn("consumer group error", zap.Error(err))
		}
	}()
	go func() {
		defer close(out)
		for {
			if err := group.Consume(ctx, resolved, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				p.log().Error("consuming", zap.Strings("topics", resolved), zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	p.log().Info("subscribed",
		zap.String("group", p.config.GroupID),
		zap.Strings("topics", resolved))
	return out, nil
}

type groupHandler struct {
	out chan<- pipeline.Message
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case cm, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			msg := consumedMessage(cm)
			msg.Commit = func() { session.MarkMessage(cm, "") }
			select {
			case h.out <- msg:
			case <-session.Context().Done():
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

// Poll reads topic from the oldest offset of every partition. It returns
// once no message arrived within timeout, so an empty topic yields no
// messages after one timeout.
func (p *PeerKafka) Poll(ctx context.Context, topic string, timeout time.Duration) ([]pipeline.Message, error) {
	if p.client == nil {
		return nil, pipeline.ErrNotConnected
	}
	consumer, err := sarama.NewConsumerFromClient(p.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer consumer.Close()

	partitions, err := consumer.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", topic, err)
	}

	received := make(chan *sarama.ConsumerMessage)
	done := make(chan struct{})
	defer close(done)
	for _, partition := range partitions {
		pc, err := consumer.ConsumePartition(topic, partition, sarama.OffsetOldest)
		if err != nil {
			return nil, fmt.Errorf("failed to consume %s/%d: %w", topic, partition, err)
		}
		defer pc.AsyncClose()
		go func() {
			for cm := range pc.Messages() {
				select {
				case received <- cm:
				case <-done:
					return
				}
			}
		}()
	}

	var msgs []pipeline.Message
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case cm := <-received:
			msgs = append(msgs, consumedMessage(cm))
			timer.Reset(timeout)
		case <-timer.C:
			return msgs, nil
		case <-ctx.Done():
			return msgs, ctx.Err()
		}
	}
}

// CleanupPolicy resolves topic policies from the cluster, for compaction
// aware message keys
func (p *PeerKafka) CleanupPolicy(topic string) route.CleanupPolicy {
	if p.admin == nil {
		return route.CleanupDelete
	}
	return p.admin.CleanupPolicy(topic)
}

func (p *PeerKafka) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePubSub
}

func (p *PeerKafka) Disconnect() error {
	p.mu.Lock()
	groups := p.groups
	p.groups = nil
	p.mu.Unlock()

	var result *multierror.Error
	for _, g := range groups {
		if err := g.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if p.admin != nil {
		// closes the shared client
		if err := p.admin.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (p *PeerKafka) log() *zap.Logger {
	if p.logger == nil {
		return zap.NewNop()
	}
	return p.logger
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorKafka, func() pipeline.Connector { return &PeerKafka{} })
}
