package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidReading marks telemetry that must be ignored without touching device state.
var ErrInvalidReading = errors.New("invalid sensor reading")

// SensorReading is one soil-moisture sample published by a field device.
// Other sensor fields in the payload (temperature, battery, ...) are ignored.
type SensorReading struct {
	DeviceID    string    `json:"device_id"`
	MoisturePct *float64  `json:"soil_moisture_percent"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// Validate reports whether the reading carries a usable device id and moisture value.
func (r SensorReading) Validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return fmt.Errorf("%w: missing device_id", ErrInvalidReading)
	}
	if r.MoisturePct == nil {
		return fmt.Errorf("%w: missing soil_moisture_percent", ErrInvalidReading)
	}
	if m := *r.MoisturePct; math.IsNaN(m) || math.IsInf(m, 0) {
		return fmt.Errorf("%w: soil_moisture_percent is not a finite number", ErrInvalidReading)
	}
	return nil
}

// Moisture returns the moisture value. Call Validate first.
func (r SensorReading) Moisture() float64 {
	if r.MoisturePct == nil {
		return math.NaN()
	}
	return *r.MoisturePct
}

type sensorReadingWire struct {
	DeviceID  string          `json:"device_id"`
	Moisture  json.RawMessage `json:"soil_moisture_percent"`
	Timestamp string          `json:"timestamp"`
}

// DecodeSensorReading parses a telemetry payload received on topic.
// When the payload has no device_id it is taken from topics shaped like
// "farm/{device}/sensors". A malformed timestamp is dropped, not rejected.
func DecodeSensorReading(topic string, payload []byte) (SensorReading, error) {
	var w sensorReadingWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return SensorReading{}, fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}

	r := SensorReading{DeviceID: strings.TrimSpace(w.DeviceID)}
	if r.DeviceID == "" {
		r.DeviceID = deviceFromTopic(topic)
	}

	if raw := strings.TrimSpace(string(w.Moisture)); raw != "" && raw != "null" {
		var m float64
		if err := json.Unmarshal(w.Moisture, &m); err != nil {
			return SensorReading{}, fmt.Errorf("%w: soil_moisture_percent %s is not numeric", ErrInvalidReading, raw)
		}
		r.MoisturePct = &m
	}

	if w.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, w.Timestamp); err == nil {
			r.Timestamp = ts.UTC()
		}
	}

	return r, r.Validate()
}

// deviceFromTopic extracts the device segment of "farm/{device}/sensors".
func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[2] == "sensors" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
