package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler processes one delivered message. Returned errors are logged only.
type Handler func(topic string, message mqtt.Message) error

// IConsumer subscribes to a topic and feeds deliveries to a Handler.
type IConsumer interface {
	ConsumeMessage(ctx context.Context) error
	SetHandler(handler Handler)
}

// Consumer holds the client, topic filter and handler for one subscription.
type Consumer struct {
	client  mqtt.Client
	topic   string
	qos     byte
	handler Handler
	logger  *slog.Logger
}

var _ IConsumer = (*Consumer)(nil)

// NewConsumer creates a Consumer on the shared client. handler may be set later.
func NewConsumer(client mqtt.Client, topic string, qos byte, handler Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:  client,
		topic:   topic,
		qos:     qos,
		handler: handler,
		logger:  logger.With("component", "consumer", "topic", topic),
	}
}

func (c *Consumer) SetHandler(handler Handler) {
	c.handler = handler
}

func (c *Consumer) onMessage(_ mqtt.Client, message mqtt.Message) {
	if c.handler == nil {
		c.logger.Warn("no handler set, dropping message", "message_topic", message.Topic())
		return
	}
	if err := c.handler(message.Topic(), message); err != nil {
		c.logger.Warn("error handling message", "message_topic", message.Topic(), "error", err)
	}
}

// ConsumeMessage subscribes and blocks until ctx is cancelled, then unsubscribes.
func (c *Consumer) ConsumeMessage(ctx context.Context) error {
	token := c.client.Subscribe(c.topic, c.qos, c.onMessage)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", c.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	c.logger.Info("subscribed", "qos", c.qos)

	<-ctx.Done()

	if c.client.IsConnectionOpen() {
		c.client.Unsubscribe(c.topic).WaitTimeout(time.Second)
	}
	return nil
}
