package irrigation_controller

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taseebali/soilsimulator-iot/internal/clock"
	"github.com/taseebali/soilsimulator-iot/internal/model/messages"
	"github.com/taseebali/soilsimulator-iot/internal/sink"
	"github.com/taseebali/soilsimulator-iot/pkg/rabbitmq"
)

type testRig struct {
	ctrl    *Controller
	clock   *clock.Manual
	pub     *rabbitmq.FakePublisher
	sink    *sink.FakeSink
	metrics *Metrics
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRig(t *testing.T, opts Options) *testRig {
	t.Helper()
	return newRigWith(t, DefaultThresholds(), opts)
}

func newRigWith(t *testing.T, th Thresholds, opts Options) *testRig {
	t.Helper()
	r := &testRig{
		clock:   clock.NewManual(t0),
		pub:     rabbitmq.NewFakePublisher(),
		sink:    &sink.FakeSink{},
		metrics: NewMetrics(nil),
	}
	logger := discardLogger()
	emitter := NewEmitter(r.pub, r.sink, EmitterConfig{QoS: 1}, r.metrics, logger)
	r.ctrl = NewController(th, r.clock, NewDeviceStore(true, logger), emitter, opts, r.metrics, logger)
	t.Cleanup(r.ctrl.Stop)
	return r
}

// commands decodes everything published so far.
func (r *testRig) commands(t *testing.T) []messages.ValveCommand {
	t.Helper()
	var out []messages.ValveCommand
	for _, p := range r.pub.Published() {
		var cmd messages.ValveCommand
		require.NoError(t, json.Unmarshal(p.Payload, &cmd))
		out = append(out, cmd)
	}
	return out
}
