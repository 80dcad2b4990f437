package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/edgeflare/graphstream/pkg/pipeline"
	"github.com/edgeflare/graphstream/pkg/pipeline/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestToSaramaConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		check   func(t *testing.T, c *sarama.Config)
	}{
		{
			name: "defaults",
			cfg:  Config{},
			check: func(t *testing.T, c *sarama.Config) {
				assert.False(t, c.Net.SASL.Enable)
				assert.Equal(t, sarama.OffsetOldest, c.Consumer.Offsets.Initial)
				assert.True(t, c.Producer.Return.Successes)
				assert.Equal(t, sarama.WaitForAll, c.Producer.RequiredAcks)
			},
		},
		{
			name: "scram sha512",
			cfg:  Config{SASL: &SASL{Enable: true, Username: "u", Password: "p", Algorithm: "sha512"}},
			check: func(t *testing.T, c *sarama.Config) {
				assert.True(t, c.Net.SASL.Enable)
				assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), c.Net.SASL.Mechanism)
				require.NotNil(t, c.Net.SASL.SCRAMClientGeneratorFunc)
				assert.IsType(t, &XDGSCRAMClient{}, c.Net.SASL.SCRAMClientGeneratorFunc())
			},
		},
		{
			name: "newest offset and version",
			cfg:  Config{InitialOffset: "newest", Version: "3.6.0"},
			check: func(t *testing.T, c *sarama.Config) {
				assert.Equal(t, sarama.OffsetNewest, c.Consumer.Offsets.Initial)
				assert.Equal(t, "3.6.0", c.Version.String())
			},
		},
		{name: "bad algorithm", cfg: Config{SASL: &SASL{Enable: true, Algorithm: "md5"}}, wantErr: true},
		{name: "bad offset", cfg: Config{InitialOffset: "latest"}, wantErr: true},
		{name: "bad version", cfg: Config{Version: "x.y"}, wantErr: true},
		{name: "missing CA", cfg: Config{TLS: TLS{Enable: true, CAFile: "/nonexistent/ca.pem"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := tt.cfg.ToSaramaConfig()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, c)
		})
	}
}

func TestSCRAMConversationStarts(t *testing.T) {
	c := &XDGSCRAMClient{HashGeneratorFcn: SHA256}
	require.NoError(t, c.Begin("user", "pencil", ""))
	first, err := c.Step("")
	require.NoError(t, err)
	assert.Contains(t, first, "n=user")
	assert.False(t, c.Done())
}

func TestExpandTopics(t *testing.T) {
	available := []string{"people", "people.eu", "people.eu.archive", "orders"}

	got, err := ExpandTopics([]string{"people.*", "orders", "missing"}, available)
	require.NoError(t, err)
	assert.Equal(t, []string{"missing", "orders", "people.eu"}, got)

	got, err = ExpandTopics([]string{"people**", "people"}, available)
	require.NoError(t, err)
	assert.Equal(t, []string{"people", "people.eu", "people.eu.archive"}, got)

	_, err = ExpandTopics([]string{"people.[eu"}, available)
	assert.Error(t, err)
}

func TestProducerMessage(t *testing.T) {
	pm := producerMessage(pipeline.Message{
		Topic:   "people",
		Key:     []byte("k"),
		Headers: map[string]string{"b": "2", "a": "1"},
	})
	assert.Equal(t, "people", pm.Topic)
	assert.Equal(t, sarama.ByteEncoder("k"), pm.Key)
	assert.Nil(t, pm.Value, "tombstones have no value")
	require.Len(t, pm.Headers, 2)
	assert.Equal(t, "a", string(pm.Headers[0].Key))

	msg := consumedMessage(&sarama.ConsumerMessage{
		Topic:     "people",
		Partition: 2,
		Offset:    9,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Headers:   []*sarama.RecordHeader{{Key: []byte("a"), Value: []byte("1")}},
	})
	assert.Equal(t, map[string]string{"a": "1"}, msg.Headers)
	assert.Equal(t, int32(2), msg.Partition)
	assert.Equal(t, int64(9), msg.Offset)
}

func TestPub(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Topic != "people" {
			return errors.New("unexpected topic " + pm.Topic)
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := &PeerKafka{producer: producer, config: &Config{}}
	require.NoError(t, p.Pub(context.Background(), pipeline.Message{Topic: "people", Value: []byte("{}")}))
	assert.ErrorIs(t, p.Pub(context.Background(), pipeline.Message{Topic: "people"}), sarama.ErrOutOfBrokers)
	require.NoError(t, producer.Close())

	var idle PeerKafka
	assert.ErrorIs(t, idle.Pub(context.Background(), pipeline.Message{}), pipeline.ErrNotConnected)
	_, err := idle.Sub(context.Background(), "people")
	assert.ErrorIs(t, err, pipeline.ErrNotConnected)
	assert.Equal(t, route.CleanupDelete, idle.CleanupPolicy("people"))
}

// fakeAdmin overrides the admin calls Admin makes
type fakeAdmin struct {
	sarama.ClusterAdmin
	created  map[string]*sarama.TopicDetail
	existing map[string]string
	describe int
}

func (f *fakeAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, _ bool) error {
	if _, ok := f.existing[topic]; ok {
		return &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}
	}
	f.created[topic] = detail
	return nil
}

func (f *fakeAdmin) DescribeConfig(r sarama.ConfigResource) ([]sarama.ConfigEntry, error) {
	f.describe++
	policy, ok := f.existing[r.Name]
	if !ok {
		return nil, sarama.ErrUnknownTopicOrPartition
	}
	return []sarama.ConfigEntry{{Name: "cleanup.policy", Value: policy}}, nil
}

func (f *fakeAdmin) ListTopics() (map[string]sarama.TopicDetail, error) {
	out := map[string]sarama.TopicDetail{}
	for name := range f.existing {
		out[name] = sarama.TopicDetail{}
	}
	return out, nil
}

func (f *fakeAdmin) Close() error { return nil }

func TestAdmin(t *testing.T) {
	fake := &fakeAdmin{
		created:  map[string]*sarama.TopicDetail{},
		existing: map[string]string{"nodes": "compact,delete"},
	}
	a := NewAdmin(fake, Topics{
		Partitions:      3,
		Replicas:        1,
		RetentionMS:     1000,
		CleanupPolicies: map[string]string{"people": "compact"},
	}, zap.NewNop())

	require.NoError(t, a.EnsureTopic("people"))
	require.NoError(t, a.EnsureTopic("people"))
	require.NoError(t, a.EnsureTopic("nodes"))
	require.NoError(t, a.EnsureTopic("orders"))

	require.Len(t, fake.created, 2)
	assert.Equal(t, int32(3), fake.created["people"].NumPartitions)
	assert.Equal(t, "compact", *fake.created["people"].ConfigEntries["cleanup.policy"])
	assert.Equal(t, "1000", *fake.created["people"].ConfigEntries["retention.ms"])
	assert.Equal(t, "delete", *fake.created["orders"].ConfigEntries["cleanup.policy"])

	// created topics are known without asking the broker
	assert.True(t, a.CleanupPolicy("people").Compacting())
	assert.Zero(t, fake.describe)

	assert.True(t, a.CleanupPolicy("nodes").Compacting())
	assert.True(t, a.CleanupPolicy("nodes").Compacting())
	assert.Equal(t, 1, fake.describe)

	assert.Equal(t, route.CleanupDelete, a.CleanupPolicy("unknown"))

	topics, err := a.ListTopics()
	require.NoError(t, err)
	assert.Equal(t, []string{"nodes"}, topics)
}
