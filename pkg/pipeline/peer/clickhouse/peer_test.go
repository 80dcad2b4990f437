package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/edgeflare/graphstream/pkg/pipeline"
	"github.com/stretchr/testify/assert"
)

func TestRow(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	args := row(pipeline.Message{Topic: "people", Key: []byte("100-0"), Value: []byte("{}")}, at)
	assert.Equal(t, "people", args[0])
	assert.Equal(t, "100-0", args[1])
	assert.Equal(t, "{}", *args[2].(*string))
	assert.Equal(t, map[string]string{}, args[3])
	assert.Equal(t, at, args[4])

	tombstone := row(pipeline.Message{Topic: "people", Key: []byte("42")}, at)
	assert.Nil(t, tombstone[2])
}

func TestSQL(t *testing.T) {
	assert.Contains(t, createTableSQL("archive.messages"), "CREATE TABLE IF NOT EXISTS archive.messages (")
	assert.Equal(t, "INSERT INTO archive.messages (topic, key, value, headers, published_at) VALUES (?, ?, ?, ?, ?)",
		insertSQL("archive.messages"))

	assert.True(t, identifier.MatchString("graphstream_messages"))
	assert.True(t, identifier.MatchString("archive.messages"))
	assert.False(t, identifier.MatchString("messages; DROP TABLE x"))
}

func TestPubOnly(t *testing.T) {
	p := &PeerClickHouse{}
	assert.Equal(t, pipeline.ConnectorTypePub, p.Type())
	_, err := p.Sub(context.Background(), "people")
	assert.ErrorIs(t, err, pipeline.ErrConnectorTypeMismatch)
	assert.ErrorIs(t, p.Pub(context.Background(), pipeline.Message{}), pipeline.ErrNotConnected)
}
