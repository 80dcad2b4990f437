package mqtt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/edgeflare/graphstream/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicFilters(t *testing.T) {
	p := &PeerMQTT{Config: Config{TopicPrefix: "graphstream"}}
	assert.Equal(t, "graphstream/people", p.Topic("people"))
	assert.Equal(t, "graphstream/people/eu", p.Topic("people.eu"))
	assert.Equal(t, "graphstream/people/+", p.Topic("people.*"))
	assert.Equal(t, "graphstream/people/#", p.Topic("people.**"))
	assert.Equal(t, "people.eu", p.topicOf("graphstream/people/eu"))
}

func TestFrameRoundTrip(t *testing.T) {
	in := pipeline.Message{
		Topic:   "people",
		Key:     []byte(`{"ids":{"email":"a@x"},"labels":["Person"]}`),
		Value:   []byte(`{"meta":{"txId":1}}`),
		Headers: map[string]string{"__graphstream.errors.topic": "orders"},
	}
	data, err := encodeFrame(in)
	require.NoError(t, err)

	out, err := decodeFrame("people", data)
	require.NoError(t, err)
	assert.Equal(t, in.Key, out.Key)
	assert.Equal(t, in.Value, out.Value)
	assert.Equal(t, in.Headers, out.Headers)

	data, err = encodeFrame(pipeline.Message{Key: []byte("42")})
	require.NoError(t, err)
	tombstone, err := decodeFrame("people", data)
	require.NoError(t, err)
	assert.Nil(t, tombstone.Value)

	_, err = decodeFrame("people", []byte{0xc1})
	assert.Error(t, err)
}

func TestQoS(t *testing.T) {
	assert.Equal(t, byte(1), Config{}.qos())
	zero := byte(0)
	assert.Equal(t, byte(0), Config{QoS: &zero}.qos())
}

func TestNotConnected(t *testing.T) {
	p := &PeerMQTT{}
	assert.ErrorIs(t, p.Pub(context.Background(), pipeline.Message{}), pipeline.ErrNotConnected)
	_, err := p.Sub(context.Background(), "people")
	assert.ErrorIs(t, err, pipeline.ErrNotConnected)
	assert.NoError(t, p.Disconnect())
}

func TestPahoOptions(t *testing.T) {
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(`{
		"servers": ["tcp://broker:1883"],
		"clientOptions": {"clientID": "sink-1", "username": "u", "connectTimeout": "3s", "keepAlive": 15}
	}`), &cfg))

	opts, err := pahoOptions(cfg.Servers, cfg.ClientOptions)
	require.NoError(t, err)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker:1883", opts.Servers[0].Host)
	assert.Equal(t, "sink-1", opts.ClientID)
	assert.Equal(t, "u", opts.Username)
	assert.Equal(t, 3*time.Second, opts.ConnectTimeout)
	assert.Equal(t, int64(15), opts.KeepAlive)
	assert.True(t, opts.AutoAckDisabled)
	assert.True(t, opts.Order)
	assert.False(t, opts.CleanSession)

	t.Setenv("GRAPHSTREAM_MQTT_BROKER", "tcp://env:1883")
	opts, err = pahoOptions(nil, ClientOptions{})
	require.NoError(t, err)
	assert.Equal(t, "env:1883", opts.Servers[0].Host)
	assert.Contains(t, opts.ClientID, "graphstream-")

	_, err = pahoOptions(nil, ClientOptions{TLS: &TLSOptions{CACert: "not a pem"}})
	assert.Error(t, err)

	assert.Error(t, json.Unmarshal([]byte(`{"connectTimeout": 3}`), &ClientOptions{}))
}
