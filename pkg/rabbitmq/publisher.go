package rabbitmq

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IPublisher publishes raw payloads to arbitrary topics.
type IPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// Publisher publishes on the shared MQTT client.
type Publisher struct {
	client  mqtt.Client
	timeout time.Duration
}

var _ IPublisher = (*Publisher)(nil)

// NewPublisher wraps client. timeout bounds the wait for the broker's
// acknowledgement of each publish (default 5s).
func NewPublisher(client mqtt.Client, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{client: client, timeout: timeout}
}

func (p *Publisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("publish %s: %w", topic, ErrNotConnected)
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish %s: timeout after %s", topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects the underlying client.
func (p *Publisher) Close() {
	CloseRabbitMQConn(p.client)
}
