package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/edgeflare/graphstream/pkg/metrics"
	"github.com/google/uuid"
)

// Dead-letter headers describing the failed message
const (
	HeaderErrorID        = "__graphstream.errors.id"
	HeaderErrorTopic     = "__graphstream.errors.topic"
	HeaderErrorPartition = "__graphstream.errors.partition"
	HeaderErrorOffset    = "__graphstream.errors.offset"
	HeaderErrorClass     = "__graphstream.errors.exception.class.name"
	HeaderErrorMessage   = "__graphstream.errors.exception.message"
	HeaderErrorTrace     = "__graphstream.errors.exception.stacktrace"
)

// DeadLetter copies msg onto topic with headers describing cause. The
// original key, value and headers are kept.
func DeadLetter(topic string, msg Message, cause error) Message {
	headers := make(map[string]string, len(msg.Headers)+7)
	maps.Copy(headers, msg.Headers)
	headers[HeaderErrorID] = uuid.NewString()
	headers[HeaderErrorTopic] = msg.Topic
	headers[HeaderErrorPartition] = strconv.FormatInt(int64(msg.Partition), 10)
	headers[HeaderErrorOffset] = strconv.FormatInt(msg.Offset, 10)
	headers[HeaderErrorClass] = fmt.Sprintf("%T", cause)
	headers[HeaderErrorMessage] = cause.Error()
	headers[HeaderErrorTrace] = errorChain(cause)

	return Message{
		Topic:   topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}
}

// errorChain renders every wrapped error of err, outermost first
func errorChain(err error) string {
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, fmt.Sprintf("%T: %s", e, e))
	}
	return strings.Join(lines, "\n")
}

// deadLetter publishes msg to topic once. It reports false when no dead-letter
// topic is configured or the publish fails.
func deadLetter(ctx context.Context, conn Connector, topic string, msg Message, cause error) bool {
	if topic == "" {
		return false
	}
	if err := conn.Pub(ctx, DeadLetter(topic, msg, cause)); err != nil {
		return false
	}
	metrics.DeadLettered.WithLabelValues(msg.Topic).Inc()
	return true
}
