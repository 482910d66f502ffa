package irrigation_controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/taseebali/soilsimulator-iot/internal/model/messages"
	"github.com/taseebali/soilsimulator-iot/internal/sink"
	"github.com/taseebali/soilsimulator-iot/pkg/rabbitmq"
)

const DefaultValveTopicTemplate = "farm/{device}/actuators/valve"

type EmitterConfig struct {
	TopicTemplate   string // must contain {device}
	QoS             byte
	SinkTimeout     time.Duration
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

// Emitter publishes valve commands and appends the matching transition record
// to the log sink. Both are fire-and-forget: failures are logged and counted,
// never retried, and never undo the state change that produced the command.
type Emitter struct {
	publisher rabbitmq.IPublisher
	breaker   *gobreaker.CircuitBreaker
	sink      sink.TransitionSink
	cfg       EmitterConfig
	metrics   *Metrics
	logger    *slog.Logger
}

func NewEmitter(pub rabbitmq.IPublisher, s sink.TransitionSink, cfg EmitterConfig, m *Metrics, logger *slog.Logger) *Emitter {
	if cfg.TopicTemplate == "" {
		cfg.TopicTemplate = DefaultValveTopicTemplate
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 3 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 30 * time.Second
	}
	if s == nil {
		s = sink.Discard{}
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "emitter")

	fails := uint32(cfg.BreakerFailures)
	return &Emitter{
		publisher: pub,
		sink:      s,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "valve-publish",
			Timeout: cfg.BreakerOpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= fails
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// ValveTopic expands the {device} placeholder of tmpl.
func ValveTopic(tmpl, deviceID string) string {
	return strings.ReplaceAll(tmpl, "{device}", deviceID)
}

// Emit dispatches cmd and returns it with its command id filled in.
func (e *Emitter) Emit(ctx context.Context, cmd messages.ValveCommand) messages.ValveCommand {
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	cmd.Timestamp = cmd.Timestamp.UTC()

	e.metrics.Commands.WithLabelValues(string(cmd.Command), string(cmd.Reason)).Inc()
	if cmd.IsOpen() {
		e.metrics.OpenValves.Inc()
	} else {
		e.metrics.OpenValves.Dec()
	}

	log := e.logger.With("device_id", cmd.DeviceID, "command", cmd.Command, "reason", cmd.Reason, "command_id", cmd.CommandID)
	log.Info("valve command",
		"moisture", cmd.CurrentMoisture,
		"duration_s", cmd.DurationSeconds,
	)

	if err := e.publish(cmd); err != nil {
		e.metrics.PublishFailures.Inc()
		log.Warn("valve command publish failed", "error", err)
	}

	sinkCtx, cancel := context.WithTimeout(ctx, e.cfg.SinkTimeout)
	defer cancel()
	if err := e.sink.Record(sinkCtx, messages.TransitionFromCommand(cmd)); err != nil {
		e.metrics.SinkFailures.Inc()
		log.Warn("transition log write failed", "error", err)
	}
	return cmd
}

func (e *Emitter) publish(cmd messages.ValveCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	topic := ValveTopic(e.cfg.TopicTemplate, cmd.DeviceID)
	_, err = e.breaker.Execute(func() (interface{}, error) {
		return nil, e.publisher.Publish(topic, e.cfg.QoS, false, payload)
	})
	return err
}

// BreakerState reports the publish circuit breaker state ("closed", "open", "half-open").
func (e *Emitter) BreakerState() string {
	return e.breaker.State().String()
}
