package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/taseebali/soilsimulator-iot/internal/model/messages"
)

const DefaultMeasurement = "irrigation_control"

// InfluxSink writes transitions through the asynchronous write API and keeps
// track of the last write error reported by the client.
type InfluxSink struct {
	client      influxdb2.Client
	write       api.WriteAPI
	query       api.QueryAPI
	bucket      string
	measurement string
	logger      *slog.Logger

	mu      sync.RWMutex
	lastErr time.Time
	errs    int64
}

func NewInfluxSink(client influxdb2.Client, org, bucket, measurement string, logger *slog.Logger) *InfluxSink {
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &InfluxSink{
		client:      client,
		write:       client.WriteAPI(org, bucket),
		query:       client.QueryAPI(org),
		bucket:      bucket,
		measurement: measurement,
		logger:      logger.With("component", "influx-sink"),
		lastErr:     time.Now().Add(-24 * time.Hour),
	}
	go s.trackErrors(s.write.Errors())
	return s
}

// Record enqueues the point; delivery errors surface later on the error channel.
func (s *InfluxSink) Record(_ context.Context, t messages.Transition) error {
	s.write.WritePoint(TransitionToPoint(s.measurement, t))
	return nil
}

// TransitionToPoint maps a transition to one point tagged by device and action.
func TransitionToPoint(measurement string, t messages.Transition) *write.Point {
	var open int64
	if t.ValveOpen {
		open = 1
	}
	fields := map[string]interface{}{
		"valve_open":       open,
		"duration_seconds": int64(t.DurationSeconds),
		"moisture_percent": t.MoisturePct,
		"reason":           string(t.Reason),
	}
	if t.CommandID != "" {
		fields["command_id"] = t.CommandID
	}
	return influxdb2.NewPoint(
		measurement,
		map[string]string{"device_id": t.DeviceID, "action": t.Action},
		fields,
		t.Timestamp,
	)
}

func (s *InfluxSink) trackErrors(errs <-chan error) {
	for err := range errs {
		if err == nil {
			continue
		}
		s.mu.Lock()
		s.lastErr = time.Now()
		s.errs++
		s.mu.Unlock()
		s.logger.Warn("influx write failed", "error", err)
	}
}

// LastErrorAge is the time since the last asynchronous write error.
func (s *InfluxSink) LastErrorAge() time.Duration {
	if s == nil {
		return 99999 * time.Hour
	}
	s.mu.RLock()
	t := s.lastErr
	s.mu.RUnlock()
	return time.Since(t)
}

// WriteErrors is the number of write errors reported so far.
func (s *InfluxSink) WriteErrors() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errs
}

func (s *InfluxSink) Latest(ctx context.Context, limit int, since time.Duration) ([]messages.Transition, error) {
	res, err := s.query.Query(ctx, buildLatestFlux(s.bucket, s.measurement, since, limit))
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer func() { _ = res.Close() }()

	out := make([]messages.Transition, 0, limit)
	for res.Next() {
		rec := res.Record()
		out = append(out, messages.Transition{
			DeviceID:        asString(rec.ValueByKey("device_id")),
			Action:          asString(rec.ValueByKey("action")),
			Reason:          messages.Reason(asString(rec.ValueByKey("reason"))),
			ValveOpen:       asFloat(rec.ValueByKey("valve_open")) == 1,
			DurationSeconds: int(asFloat(rec.ValueByKey("duration_seconds"))),
			MoisturePct:     asFloat(rec.ValueByKey("moisture_percent")),
			CommandID:       asString(rec.ValueByKey("command_id")),
			Timestamp:       rec.Time().UTC(),
		})
	}
	if err := res.Err(); err != nil {
		return out, fmt.Errorf("influx iterate: %w", err)
	}
	return out, nil
}

// Close flushes buffered points and closes the client.
func (s *InfluxSink) Close() {
	s.write.Flush()
	s.client.Close()
}

func buildLatestFlux(bucket, measurement string, since time.Duration, limit int) string {
	minutes := int(since / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)
`, bucket, minutes, measurement, limit)
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case int:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return 0
}
