package rabbitmq

import (
	"errors"
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerURL(t *testing.T) {
	cfg := &RabbitMQConfig{Host: "broker.local", Port: 1883}
	assert.Equal(t, "tcp://broker.local:1883", cfg.BrokerURL())
}

func TestConsumerDispatchesToHandler(t *testing.T) {
	var gotTopic string
	var gotPayload []byte
	c := NewConsumer(nil, "farm/+/sensors", 1, nil, nil)
	c.SetHandler(func(topic string, m mqtt.Message) error {
		gotTopic = topic
		gotPayload = m.Payload()
		return errors.New("ignored")
	})

	c.onMessage(nil, &FakeMessage{TopicName: "farm/a/sensors", Body: []byte(`{}`)})

	assert.Equal(t, "farm/a/sensors", gotTopic)
	assert.Equal(t, []byte(`{}`), gotPayload)
}

func TestConsumerWithoutHandlerDoesNotPanic(t *testing.T) {
	c := NewConsumer(nil, "farm/+/sensors", 1, nil, nil)
	assert.NotPanics(t, func() {
		c.onMessage(nil, &FakeMessage{TopicName: "farm/a/sensors"})
	})
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()
	require.NoError(t, f.Publish("farm/a/actuators/valve", 1, false, []byte("x")))

	f.SetError(ErrNotConnected)
	assert.ErrorIs(t, f.Publish("farm/a/actuators/valve", 1, false, []byte("y")), ErrNotConnected)

	got := f.Published()
	require.Len(t, got, 1)
	assert.Equal(t, "farm/a/actuators/valve", got[0].Topic)
	assert.Equal(t, byte(1), got[0].QoS)

	f.Close()
	assert.True(t, f.Closed())
}
