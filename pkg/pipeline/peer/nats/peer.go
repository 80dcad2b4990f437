package nats

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/graphstream/pkg/pipeline"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// HeaderKey carries the message key
const HeaderKey = "Graphstream-Key"

// PeerNATS implements the source and sink for NATS JetStream
type PeerNATS struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	Config Config
	logger *zap.Logger
}

// Config represents NATS configuration
type Config struct {
	Servers       []string `json:"servers"`
	Stream        string   `json:"stream"`
	SubjectPrefix string   `json:"subjectPrefix"`
	// Durable prefixes the names of the pull consumers of a sink
	Durable  string `json:"durable,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	TLS      struct {
		Enabled  bool   `json:"enabled"`
		CertFile string `json:"certFile,omitempty"`
		KeyFile  string `json:"keyFile,omitempty"`
		CAFile   string `json:"caFile,omitempty"`
	} `json:"tls,omitempty"`
}

func (c *Config) setDefaults() {
	if len(c.Servers) == 0 {
		c.Servers = []string{nats.DefaultURL}
	}
	c.SubjectPrefix = cmp.Or(c.SubjectPrefix, "graphstream")
	c.Stream = cmp.Or(c.Stream, c.SubjectPrefix+"-stream")
	c.Durable = cmp.Or(c.Durable, c.SubjectPrefix+"-sink")
}

// Subject maps a topic, or a topic glob, to its subject. `*` matches one
// token on both sides; `**` becomes `>`.
func (c Config) Subject(topic string) string {
	return c.SubjectPrefix + "." + strings.ReplaceAll(topic, "**", ">")
}

// Topic maps a subject back to its topic
func (c Config) Topic(subject string) string {
	return strings.TrimPrefix(subject, c.SubjectPrefix+".")
}

// Connect establishes a connection to the NATS server
func (p *PeerNATS) Connect(config json.RawMessage, _ ...any) error {
	if err := json.Unmarshal(config, &p.Config); err != nil {
		return fmt.Errorf("unmarshal NATS config: %w", err)
	}
	p.Config.setDefaults()
	p.logger = zap.L().Named("nats")

	// Connect to first available server
	var err error
	for _, server := range p.Config.Servers {
		p.nc, err = nats.Connect(server, defaultOptions(p.Config)...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}

	if p.js, err = p.nc.JetStream(); err != nil {
		p.nc.Close()
		return fmt.Errorf("create JetStream context: %w", err)
	}

	if err := p.ensureStream(); err != nil {
		p.nc.Close()
		return fmt.Errorf("ensure stream: %w", err)
	}
	return nil
}

// Pub publishes msg on the topic's subject and waits for the stream ack
func (p *PeerNATS) Pub(ctx context.Context, msg pipeline.Message) error {
	if p.js == nil {
		return pipeline.ErrNotConnected
	}
	if _, err := p.js.PublishMsg(p.natsMsg(msg), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (p *PeerNATS) natsMsg(msg pipeline.Message) *nats.Msg {
	m := nats.NewMsg(p.Config.Subject(msg.Topic))
	m.Data = msg.Value
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	if msg.Key != nil {
		m.Header.Set(HeaderKey, string(msg.Key))
	}
	return m
}

func (p *PeerNATS) message(m *nats.Msg) pipeline.Message {
	msg := pipeline.Message{
		Topic: p.Config.Topic(m.Subject),
		Value: m.Data,
	}
	if len(msg.Value) == 0 {
		msg.Value = nil
	}
	for k := range m.Header {
		v := m.Header.Get(k)
		if k == HeaderKey {
			msg.Key = []byte(v)
			continue
		}
		if msg.Headers == nil {
			msg.Headers = make(map[string]string)
		}
		msg.Headers[k] = v
	}
	if meta, err := m.Metadata(); err == nil {
		msg.Offset = int64(meta.Sequence.Stream)
	}
	msg.Commit = func() { _ = m.Ack() }
	return msg
}

// Sub pull-subscribes to every topic with one durable consumer each. The
// channel closes once ctx is done.
func (p *PeerNATS) Sub(ctx context.Context, topics ...string) (<-chan pipeline.Message, error) {
	if p.js == nil {
		return nil, pipeline.ErrNotConnected
	}

	subs := make([]*nats.Subscription, 0, len(topics))
	for _, topic := range topics {
		subject := p.Config.Subject(topic)
		sub, err := p.js.PullSubscribe(subject, durableName(p.Config.Durable, topic),
			nats.BindStream(p.Config.Stream),
			nats.AckExplicit(),
			nats.AckWait(time.Minute))
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	out := make(chan pipeline.Message)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.processMessages(ctx, sub, out)
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// processMessages fetches until ctx is done. Unacked messages are
// redelivered after AckWait.
func (p *PeerNATS) processMessages(ctx context.Context, sub *nats.Subscription, out chan<- pipeline.Message) {
	defer sub.Unsubscribe()

	for ctx.Err() == nil {
		msgs, err := sub.Fetch(100, nats.MaxWait(time.Second))
		if err != nil {
			if !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
				p.logger.Warn("fetch messages", zap.String("subject", sub.Subject), zap.Error(err))
			}
			continue
		}

		for _, m := range msgs {
			select {
			case out <- p.message(m):
			case <-ctx.Done():
				return
			}
		}
	}
}

// durableName derives a consumer name; durables cannot contain dots or
// wildcards
func durableName(prefix, topic string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all", " ", "_")
	return prefix + "_" + r.Replace(topic)
}

// Type returns the connector type
func (p *PeerNATS) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePubSub
}

// Disconnect drains and closes the NATS connection
func (p *PeerNATS) Disconnect() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}

// ensureStream creates or updates the stream
func (p *PeerNATS) ensureStream() error {
	config := &nats.StreamConfig{
		Name:     p.Config.Stream,
		Subjects: []string{p.Config.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		Replicas: 1,
	}

	stream, err := p.js.StreamInfo(p.Config.Stream)
	if err == nil {
		if !streamConfigEqual(stream.Config, *config) {
			if _, err = p.js.UpdateStream(config); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
			p.logger.Info("updated stream", zap.String("stream", p.Config.Stream))
		}
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := p.js.AddStream(config); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	p.logger.Info("created stream", zap.String("stream", p.Config.Stream))
	return nil
}

// streamConfigEqual checks if two nats.StreamConfig are equivalent
func streamConfigEqual(a, b nats.StreamConfig) bool {
	return a.Name == b.Name &&
		a.Storage == b.Storage &&
		a.Replicas == b.Replicas &&
		slices.Equal(a.Subjects, b.Subjects)
}

func defaultOptions(c Config) []nats.Option {
	opts := []nats.Option{
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		if c.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.TLS.CAFile))
		}
		if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile))
		}
	}

	return opts
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorNATS, func() pipeline.Connector { return &PeerNATS{} })
}
