package irrigation_controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taseebali/soilsimulator-iot/internal/model/messages"
	"github.com/taseebali/soilsimulator-iot/pkg/rabbitmq"
)

// fakeConsumer delivers its messages once subscribed and then blocks like
// the real consumer.
type fakeConsumer struct {
	handler  rabbitmq.Handler
	messages []*rabbitmq.FakeMessage
	err      error

	mu       sync.Mutex
	returned bool
}

func (f *fakeConsumer) SetHandler(h rabbitmq.Handler) { f.handler = h }

func (f *fakeConsumer) ConsumeMessage(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	for _, m := range f.messages {
		_ = f.handler(m.Topic(), m)
	}
	<-ctx.Done()
	f.mu.Lock()
	f.returned = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConsumer) Returned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.returned
}

func TestServiceRunShutdownOrder(t *testing.T) {
	r := newRig(t, Options{Workers: 2})
	consumer := &fakeConsumer{messages: []*rabbitmq.FakeMessage{
		sensorMsg("farm/a/sensors", `{"device_id":"a","soil_moisture_percent":20}`),
		sensorMsg("farm/b/sensors", `{"device_id":"b","soil_moisture_percent":50}`),
	}}
	consumer.SetHandler(r.ctrl.HandleMessage)

	var order []string
	svc := &Service{
		Consumer:   consumer,
		Controller: r.ctrl,
		Supervisor: NewSupervisor(r.ctrl, discardLogger()),
		Health:     NewHealth(r.metrics, discardLogger()),
		Closers: []func(){
			func() {
				assert.True(t, consumer.Returned(), "consumption stopped before release")
				assert.Empty(t, r.ctrl.Store().OpenDevices(), "valves closed before release")
				order = append(order, "publisher")
				r.pub.Close()
			},
			func() { order = append(order, "sink") },
		},
		Logger: discardLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(r.ctrl.Store().OpenDevices()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, []string{"publisher", "sink"}, order)
	cmds := r.commands(t)
	require.Len(t, cmds, 2)
	assert.Equal(t, messages.CommandOpen, cmds[0].Command)
	assert.Equal(t, messages.CommandClose, cmds[1].Command)
	assert.Equal(t, messages.ReasonShutdown, cmds[1].Reason)
	assert.True(t, r.pub.Closed())
}

func TestServiceRunReturnsSubscribeError(t *testing.T) {
	r := newRig(t, Options{})
	svc := &Service{
		Consumer:   &fakeConsumer{err: errors.New("subscribe farm/+/sensors: timeout")},
		Controller: r.ctrl,
		Supervisor: NewSupervisor(r.ctrl, discardLogger()),
		Logger:     discardLogger(),
	}
	err := svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consume")
}
