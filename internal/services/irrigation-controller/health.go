package irrigation_controller

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServiceName is the service reported by the gRPC health server next to
// the overall ("") status.
const GRPCServiceName = "irrigation.Controller"

// sinkErrorWindow is how recent a sink write error must be to degrade health.
const sinkErrorWindow = 30 * time.Second

// Health tracks broker connectivity and mirrors it on the gRPC health server
// and the broker gauge.
type Health struct {
	connected atomic.Bool
	stopped   atomic.Bool

	grpc    *health.Server
	metrics *Metrics
	logger  *slog.Logger

	sinkErrorAge func() time.Duration // nil when no sink reports errors
}

func NewHealth(m *Metrics, logger *slog.Logger) *Health {
	if m == nil {
		m = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Health{
		grpc:    health.NewServer(),
		metrics: m,
		logger:  logger.With("component", "health"),
	}
	h.publish(false)
	return h
}

// GRPC returns the health server to register on a grpc.Server.
func (h *Health) GRPC() *health.Server { return h.grpc }

// SetSinkErrorAge wires the age of the last log sink write error.
func (h *Health) SetSinkErrorAge(fn func() time.Duration) { h.sinkErrorAge = fn }

// SetConnected records a broker connect (true) or connection loss (false).
func (h *Health) SetConnected(up bool) {
	if h.connected.Swap(up) != up {
		h.logger.Info("broker connectivity changed", "connected", up)
	}
	if !h.stopped.Load() {
		h.publish(up)
	}
}

func (h *Health) Connected() bool { return h.connected.Load() }

// Shutdown reports NOT_SERVING for good.
func (h *Health) Shutdown() {
	h.stopped.Store(true)
	h.grpc.Shutdown()
	h.metrics.BrokerConnected.Set(0)
}

func (h *Health) publish(up bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	gauge := 0.0
	if up {
		status = healthpb.HealthCheckResponse_SERVING
		gauge = 1
	}
	h.grpc.SetServingStatus("", status)
	h.grpc.SetServingStatus(GRPCServiceName, status)
	h.metrics.BrokerConnected.Set(gauge)
}

// Status is "ok" when the broker is up and the sink had no recent error,
// "degraded" when only one of the two holds and "down" otherwise.
func (h *Health) Status() string {
	broker := h.Connected() && !h.stopped.Load()
	sinkOK := h.sinkErrorAge == nil || h.sinkErrorAge() > sinkErrorWindow
	switch {
	case broker && sinkOK:
		return "ok"
	case broker || sinkOK:
		return "degraded"
	default:
		return "down"
	}
}

type healthResponse struct {
	Status         string   `json:"status"`
	MQTTConnected  bool     `json:"mqtt_connected"`
	LastSinkErrorS *float64 `json:"last_sink_error_age_sec,omitempty"`
}

func (h *Health) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: h.Status(), MQTTConnected: h.Connected()}
	if h.sinkErrorAge != nil {
		age := h.sinkErrorAge().Seconds()
		resp.LastSinkErrorS = &age
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ServeReady answers 200 only while the broker is connected.
func (h *Health) ServeReady(w http.ResponseWriter, _ *http.Request) {
	ready := h.Connected() && !h.stopped.Load()
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(struct {
		Ready bool `json:"ready"`
	}{Ready: ready})
}
