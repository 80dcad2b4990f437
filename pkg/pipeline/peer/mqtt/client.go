package mqtt

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// disconnectQuiesce is how long Disconnect lets in-flight work finish, in ms
const disconnectQuiesce = 250

// Client wraps a paho client so that every token is awaited under a context
type Client struct {
	opts   *mqtt.ClientOptions
	client mqtt.Client
	logger *zap.Logger
}

// NewClient prepares a client for opts. It does not connect.
func NewClient(opts *mqtt.ClientOptions, logger ...*zap.Logger) *Client {
	c := &Client{opts: opts, logger: zap.L().Named("mqtt")}
	if len(logger) > 0 && logger[0] != nil {
		c.logger = logger[0]
	}
	return c
}

// wait blocks until token completes or ctx is done
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect dials the broker, giving up after the connect timeout
func (c *Client) Connect() error {
	c.client = mqtt.NewClient(c.opts)
	timeout := c.opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("broker connection error: %w", err)
	}
	c.logger.Info("connected to MQTT broker", zap.Int("servers", len(c.opts.Servers)))
	return nil
}

// Publish sends payload to topic and waits for the broker's ack
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload any) error {
	if err := wait(ctx, c.client.Publish(topic, qos, retained, payload)); err != nil {
		c.logger.Error("publish", zap.String("topic", topic), zap.Error(err))
		return err
	}
	c.logger.Debug("published", zap.String("topic", topic))
	return nil
}

// Subscribe registers callback for filter
func (c *Client) Subscribe(filter string, qos byte, callback mqtt.MessageHandler) error {
	token := c.client.Subscribe(filter, qos, callback)
	if err := wait(context.Background(), token); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	c.logger.Debug("subscribed", zap.String("filter", filter))
	return nil
}

// Unsubscribe removes the given filters
func (c *Client) Unsubscribe(filters ...string) error {
	token := c.client.Unsubscribe(filters...)
	token.Wait()
	return token.Error()
}

// Disconnect closes the connection to the broker
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
	c.logger.Info("disconnected from MQTT broker")
}
