package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/edgeflare/graphstream/pkg/codec"
	"github.com/edgeflare/graphstream/pkg/ingest"
	"github.com/edgeflare/graphstream/pkg/metrics"
	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// StatementExecutor runs the statements compiled from one topic's records
type StatementExecutor interface {
	Execute(ctx context.Context, topic string, stmts []ingest.CompiledStatement) error
}

type topicRule struct {
	pattern  string
	glob     glob.Glob
	strategy ingest.Strategy
}

// TopicStrategies selects the ingestion strategy of a topic. An exact topic
// entry wins over globs; globs are tried in lexical order.
type TopicStrategies struct {
	exact map[string]ingest.Strategy
	globs []topicRule
}

// NewTopicStrategies parses every glob and strategy of topics. All errors
// are reported together, each naming its topic.
func NewTopicStrategies(topics map[string]string, opts ...ingest.Option) (*TopicStrategies, error) {
	ts := &TopicStrategies{exact: map[string]ingest.Strategy{}}
	var errs *multierror.Error
	for _, pattern := range slices.Sorted(maps.Keys(topics)) {
		strategy, err := ingest.ParseStrategy(topics[pattern], opts...)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("sink topic %q: %w", pattern, err))
			continue
		}
		if !isGlob(pattern) {
			ts.exact[pattern] = strategy
			continue
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("sink topic %q: invalid glob: %w", pattern, err))
			continue
		}
		ts.globs = append(ts.globs, topicRule{pattern: pattern, glob: g, strategy: strategy})
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return ts, nil
}

func isGlob(s string) bool { return strings.ContainsAny(s, "*?[{") }

// For returns the strategy of topic
func (ts *TopicStrategies) For(topic string) (ingest.Strategy, bool) {
	if s, ok := ts.exact[topic]; ok {
		return s, true
	}
	for _, r := range ts.globs {
		if r.glob.Match(topic) {
			return r.strategy, true
		}
	}
	return nil, false
}

// Sink consumes records from a peer, compiles them with their topic's
// strategy and executes the statements against the graph.
type Sink struct {
	peer       string
	conn       Connector
	codec      codec.Codec
	exec       StatementExecutor
	strategies *TopicStrategies
	cfg        SinkConfig
	logger     *zap.Logger
}

type SinkOption func(*Sink)

func WithSinkLogger(l *zap.Logger) SinkOption {
	return func(s *Sink) { s.logger = l }
}

func NewSink(peer *Peer, exec StatementExecutor, cfg SinkConfig, opts ...SinkOption) (*Sink, error) {
	conn := peer.Connector()
	if conn == nil {
		return nil, fmt.Errorf("peer %s: %w", peer.Name, ErrNotConnected)
	}
	if !conn.Type().CanSub() {
		return nil, fmt.Errorf("peer %s cannot subscribe: %w", peer.Name, ErrConnectorTypeMismatch)
	}
	c, err := peer.MessageCodec()
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", peer.Name, err)
	}
	strategies, err := NewTopicStrategies(cfg.Topics, ingest.WithSourceID(cfg.SourceID.Label, cfg.SourceID.IDName))
	if err != nil {
		return nil, err
	}

	s := &Sink{
		peer:       peer.Name,
		conn:       conn,
		codec:      c,
		exec:       exec,
		strategies: strategies,
		cfg:        cfg.withDefaults(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Topics returns the topics the sink subscribes to
func (s *Sink) Topics() []string {
	if len(s.cfg.Subscribe) > 0 {
		return slices.Clone(s.cfg.Subscribe)
	}
	return slices.Sorted(maps.Keys(s.cfg.Topics))
}

// Run consumes until ctx is done or the subscription closes. Records are
// processed in batches of BatchSize, or whatever arrived within
// BatchTimeout. A pending batch is left uncommitted on cancellation.
func (s *Sink) Run(ctx context.Context) error {
	ch, err := s.conn.Sub(ctx, s.Topics()...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.peer, err)
	}
	s.logger.Info("sink started",
		zap.String("peer", s.peer),
		zap.Strings("topics", s.Topics()),
		zap.Int("batchSize", s.cfg.BatchSize))

	ticker := time.NewTicker(s.cfg.BatchTimeout)
	defer ticker.Stop()

	batch := make([]Message, 0, s.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.Process(ctx, batch)
		batch = batch[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				return ctx.Err()
			}
			batch = append(batch, msg)
			if len(batch) >= s.cfg.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

type topicBatch struct {
	topic    string
	strategy ingest.Strategy
	records  []ingest.Record
	msgs     []Message
}

// Process compiles and executes one batch. Records of a topic without a
// strategy are skipped. Records that fail to decode, and the records of a
// topic whose statements fail, go to the dead-letter topic. Without one, a
// failed execution stops processing and is returned so the batch is
// redelivered.
func (s *Sink) Process(ctx context.Context, msgs []Message) error {
	var batches []*topicBatch
	byTopic := make(map[string]*topicBatch)
	for _, msg := range msgs {
		strategy, ok := s.strategies.For(msg.Topic)
		if !ok {
			s.logger.Warn("no ingestion strategy for topic", zap.String("topic", msg.Topic))
			msg.Ack()
			continue
		}
		rec, err := s.decode(msg)
		if err != nil {
			s.reject(ctx, msg, err)
			continue
		}
		b, ok := byTopic[msg.Topic]
		if !ok {
			b = &topicBatch{topic: msg.Topic, strategy: strategy}
			byTopic[msg.Topic] = b
			batches = append(batches, b)
		}
		b.records = append(b.records, rec)
		b.msgs = append(b.msgs, msg)
	}

	for _, b := range batches {
		stmts := ingest.Compile(b.strategy, b.records)
		if len(stmts) > 0 {
			start := time.Now()
			err := s.exec.Execute(ctx, b.topic, stmts)
			metrics.StatementDuration.WithLabelValues(b.topic).Observe(time.Since(start).Seconds())
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if s.cfg.DeadLetterTopic == "" {
					return fmt.Errorf("executing statements of %s: %w", b.topic, err)
				}
				s.logger.Error("statement execution failed",
					zap.String("topic", b.topic),
					zap.Int("records", len(b.records)),
					zap.Error(err))
				for _, msg := range b.msgs {
					s.reject(ctx, msg, err)
				}
				continue
			}
		}
		for _, msg := range b.msgs {
			msg.Ack()
		}
	}
	return nil
}

func (s *Sink) decode(msg Message) (ingest.Record, error) {
	key, err := s.codec.DecodeKey(msg.Key)
	if err != nil {
		return ingest.Record{}, fmt.Errorf("decoding key: %w", err)
	}
	value, err := s.codec.DecodeValue(msg.Value)
	if err != nil {
		return ingest.Record{}, fmt.Errorf("decoding value: %w", err)
	}
	if value == nil && key == nil {
		return ingest.Record{}, errors.New("tombstone without key")
	}
	return ingest.Record{
		Topic:     msg.Topic,
		Key:       key,
		Value:     value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}, nil
}

// reject dead-letters msg when possible, then commits it
func (s *Sink) reject(ctx context.Context, msg Message, cause error) {
	if !deadLetter(ctx, s.conn, s.cfg.DeadLetterTopic, msg, cause) {
		s.logger.Warn("record skipped",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(cause))
	}
	msg.Ack()
}
