package messages

import "time"

// CommandKind is the actuator instruction carried by a ValveCommand.
type CommandKind string

const (
	CommandOpen  CommandKind = "open_valve"
	CommandClose CommandKind = "close_valve"
)

// Reason explains why a valve command was issued.
type Reason string

const (
	ReasonLowMoisture   Reason = "low_moisture"
	ReasonTargetReached Reason = "target_reached"
	ReasonMaxDuration   Reason = "max_duration"
	ReasonShutdown      Reason = "shutdown"
	ReasonTelemetryLost Reason = "telemetry_lost"
)

// ValveCommand is published to farm/{device}/actuators/valve.
type ValveCommand struct {
	CommandID       string      `json:"command_id"`
	DeviceID        string      `json:"device_id"`
	Timestamp       time.Time   `json:"timestamp"`
	Command         CommandKind `json:"command"`
	DurationSeconds int         `json:"duration_seconds,omitempty"`
	Reason          Reason      `json:"reason"`
	CurrentMoisture float64     `json:"current_moisture"`
	// open only
	TargetMoisture *float64 `json:"target_moisture,omitempty"`
	// close only
	ActualDurationSeconds *int `json:"actual_duration_seconds,omitempty"`
}

// IsOpen reports whether the command opens the valve.
func (c ValveCommand) IsOpen() bool { return c.Command == CommandOpen }
