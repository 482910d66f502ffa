package irrigation_controller

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the controller's Prometheus collectors.
type Metrics struct {
	ReadingsReceived  prometheus.Counter
	ReadingsRejected  prometheus.Counter
	ReadingsDropped   prometheus.Counter
	ReadingsDuplicate prometheus.Counter
	Commands          *prometheus.CounterVec
	PublishFailures   prometheus.Counter
	SinkFailures      prometheus.Counter
	StaleValves       prometheus.Counter
	OpenValves        prometheus.Gauge
	BrokerConnected   prometheus.Gauge
	DecisionLatency   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg (skipped when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReadingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigation_readings_received_total",
			Help: "Telemetry messages received from the broker.",
		}),
		ReadingsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigation_readings_rejected_total",
			Help: "Readings ignored because they were malformed or had no usable moisture.",
		}),
		ReadingsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigation_readings_dropped_total",
			Help: "Readings dropped because the worker queue was full or the controller was stopping.",
		}),
		ReadingsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigation_readings_duplicate_total",
			Help: "Redelivered payloads discarded by deduplication.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_commands_total",
			Help: "Valve commands emitted, by command and reason.",
		}, []string{"command", "reason"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigation_publish_failures_total",
			Help: "Valve commands that could not be published.",
		}),
		SinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigation_sink_failures_total",
			Help: "Transition records the log sink failed to accept.",
		}),
		StaleValves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigation_stale_valves_total",
			Help: "Open valves detected without recent telemetry.",
		}),
		OpenValves: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irrigation_open_valves",
			Help: "Devices whose valve is currently open.",
		}),
		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irrigation_broker_connected",
			Help: "1 while the MQTT connection is up.",
		}),
		DecisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "irrigation_decision_seconds",
			Help:    "Time spent in the locked read-decide-write of one reading.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ReadingsReceived, m.ReadingsRejected, m.ReadingsDropped, m.ReadingsDuplicate,
			m.Commands, m.PublishFailures, m.SinkFailures, m.StaleValves,
			m.OpenValves, m.BrokerConnected, m.DecisionLatency,
		)
	}
	return m
}
