package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/graphstream/pkg/codec"
	"github.com/edgeflare/graphstream/pkg/metrics"
	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
	"github.com/edgeflare/graphstream/pkg/pipeline/route"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

var ErrPublisherClosed = errors.New("publisher closed")

// Publisher routes encoded transactions to topics and delivers them to one
// peer. Within a topic, messages leave in transaction sequence order.
type Publisher struct {
	peer   string
	conn   Connector
	codec  codec.Codec
	router *route.Router
	cfg    PublisherConfig
	logger *zap.Logger

	queue  chan queued
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// queued is a message, or with ack set, the end of a transaction
type queued struct {
	msg Message
	ack func()
}

type PublisherOption func(*Publisher)

func WithPublisherLogger(l *zap.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

// NewPublisher binds a router to a connected peer
func NewPublisher(peer *Peer, router *route.Router, cfg PublisherConfig, opts ...PublisherOption) (*Publisher, error) {
	conn := peer.Connector()
	if conn == nil {
		return nil, fmt.Errorf("peer %s: %w", peer.Name, ErrNotConnected)
	}
	if !conn.Type().CanPub() {
		return nil, fmt.Errorf("peer %s cannot publish: %w", peer.Name, ErrConnectorTypeMismatch)
	}
	c, err := peer.MessageCodec()
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", peer.Name, err)
	}
	cfg = cfg.withDefaults()
	if cfg.Mode != ModeAsync && cfg.Mode != ModeSync {
		return nil, fmt.Errorf("unknown publish mode %q (want async or sync)", cfg.Mode)
	}

	p := &Publisher{
		peer:   peer.Name,
		conn:   conn,
		codec:  c,
		router: router,
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the delivery worker of an async publisher. It is a no-op
// in sync mode.
func (p *Publisher) Start(ctx context.Context) {
	if p.cfg.Mode != ModeAsync {
		return
	}
	p.queue = make(chan queued, p.cfg.Buffer)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		stalled := false
		for q := range p.queue {
			if q.ack != nil {
				if !stalled {
					q.ack()
				}
				continue
			}
			if err := p.deliver(ctx, q.msg); err != nil && !stalled {
				// later transactions stay unacknowledged so a restart replays this one
				stalled = true
				p.logger.Error("delivery failed, acknowledgements stopped", zap.Error(err))
			}
		}
	}()
}

// Publish hands the events of one transaction to the broker. In async mode
// it returns once every message is queued; delivery failures are logged,
// counted and dead-lettered. In sync mode it behaves as PublishSync.
func (p *Publisher) Publish(ctx context.Context, events []cdc.Event) error {
	return p.PublishAck(ctx, events, nil)
}

// PublishAck publishes like Publish and calls ack once every message of
// events has been delivered or dead-lettered. Acks run in transaction order.
// In async mode ack runs on the delivery worker, and after a failed delivery
// no later ack runs.
func (p *Publisher) PublishAck(ctx context.Context, events []cdc.Event, ack func()) error {
	if p.cfg.Mode == ModeSync || p.queue == nil {
		if err := p.PublishSync(ctx, events); err != nil {
			return err
		}
		if ack != nil {
			ack()
		}
		return nil
	}

	items := make([]queued, 0, len(events)+1)
	for _, msg := range p.messages(events) {
		items = append(items, queued{msg: msg})
	}
	if ack != nil {
		items = append(items, queued{ack: ack})
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	for _, q := range items {
		select {
		case p.queue <- q:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// PublishSync delivers every message and returns once the broker
// acknowledged them. A message that was dead-lettered counts as delivered.
func (p *Publisher) PublishSync(ctx context.Context, events []cdc.Event) error {
	var result *multierror.Error
	for _, msg := range p.messages(events) {
		if err := p.deliver(ctx, msg); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Messages renders events as broker messages: one per routed topic, ordered
// by TxEventID. Deletes on compacting topics become tombstones. Events that
// fail to encode are left out and reported together.
func (p *Publisher) Messages(events []cdc.Event) ([]Message, error) {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b cdc.Event) int {
		return cmp.Compare(a.Meta.TxEventID, b.Meta.TxEventID)
	})

	var (
		msgs []Message
		errs *multierror.Error
	)
	for _, ev := range sorted {
		routed := p.router.Route(ev)
		for _, topic := range slices.Sorted(maps.Keys(routed)) {
			msg, err := p.message(topic, ev, routed[topic])
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("topic %s tx %d event %d: %w",
					topic, ev.Meta.TxID, ev.Meta.TxEventID, err))
				continue
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs, errs.ErrorOrNil()
}

func (p *Publisher) messages(events []cdc.Event) []Message {
	msgs, err := p.Messages(events)
	if err != nil {
		p.logger.Warn("events left unpublished", zap.Error(err))
	}
	return msgs
}

// message keys on the unredacted event and encodes the routed copy
func (p *Publisher) message(topic string, ev, routed cdc.Event) (Message, error) {
	key, err := p.router.Key(topic, ev)
	if err != nil {
		return Message{}, err
	}
	keyBytes, err := p.codec.EncodeKey(key)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Topic: topic, Key: keyBytes}
	if p.router.Compacting(topic) && ev.Payload.Operation() == cdc.OpDeleted {
		return msg, nil
	}
	if msg.Value, err = p.codec.EncodeEvent(routed); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// deliver publishes msg with retries, then falls back to the dead-letter
// topic
func (p *Publisher) deliver(ctx context.Context, msg Message) error {
	notify := func(err error, delay time.Duration) {
		p.logger.Debug("retrying publish",
			zap.String("topic", msg.Topic),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	err := backoff.RetryNotify(func() error {
		return p.conn.Pub(ctx, msg)
	}, backoff.WithContext(p.cfg.Retry.backoff(), ctx), notify)
	if err == nil {
		return nil
	}

	metrics.PublishErrors.WithLabelValues(p.peer).Inc()
	if deadLetter(ctx, p.conn, p.cfg.DeadLetterTopic, msg, err) {
		p.logger.Warn("message dead-lettered",
			zap.String("topic", msg.Topic),
			zap.String("deadLetterTopic", p.cfg.DeadLetterTopic),
			zap.Error(err))
		return nil
	}
	p.logger.Error("publish failed",
		zap.String("peer", p.peer),
		zap.String("topic", msg.Topic),
		zap.ByteString("key", msg.Key),
		zap.Error(err))
	return fmt.Errorf("publishing to %s: %w", msg.Topic, err)
}

// Close stops accepting events and waits until the queued messages are
// delivered.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.queue != nil {
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}
