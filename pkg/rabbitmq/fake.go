package rabbitmq

import (
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PublishedMessage is one call recorded by FakePublisher.
type PublishedMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakePublisher records published messages for test assertions.
type FakePublisher struct {
	mu        sync.Mutex
	published []PublishedMessage
	err       error
	closed    bool
}

var _ IPublisher = (*FakePublisher)(nil)

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

func (f *FakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.published = append(f.published, PublishedMessage{Topic: topic, QoS: qos, Retained: retained, Payload: cp})
	return nil
}

// SetError makes subsequent Publish calls fail with err (nil clears it).
func (f *FakePublisher) SetError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Published returns a copy of everything published so far.
func (f *FakePublisher) Published() []PublishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PublishedMessage, len(f.published))
	copy(out, f.published)
	return out
}

func (f *FakePublisher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *FakePublisher) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// FakeMessage is an mqtt.Message built in memory.
type FakeMessage struct {
	TopicName string
	Body      []byte
	QoSLevel  byte
	Dup       bool
	ID        uint16
}

var _ mqtt.Message = (*FakeMessage)(nil)

func (m *FakeMessage) Duplicate() bool   { return m.Dup }
func (m *FakeMessage) Qos() byte         { return m.QoSLevel }
func (m *FakeMessage) Retained() bool    { return false }
func (m *FakeMessage) Topic() string     { return m.TopicName }
func (m *FakeMessage) MessageID() uint16 { return m.ID }
func (m *FakeMessage) Payload() []byte   { return m.Body }
func (m *FakeMessage) Ack()              {}
