package messages

import "time"

// Transition is the record appended to the logging sink for every emitted command.
type Transition struct {
	DeviceID        string    `json:"device_id"`
	Action          string    `json:"action"` // "open" | "close"
	Reason          Reason    `json:"reason"`
	ValveOpen       bool      `json:"valve_open"`
	DurationSeconds int       `json:"duration_seconds"`
	MoisturePct     float64   `json:"moisture_percent"`
	CommandID       string    `json:"command_id,omitempty"`
	Timestamp       time.Time `json:"time"`
}

// TransitionFromCommand builds the sink record for cmd. Open transitions carry
// the planned dose, close transitions the time the valve actually stayed open.
func TransitionFromCommand(cmd ValveCommand) Transition {
	t := Transition{
		DeviceID:    cmd.DeviceID,
		Reason:      cmd.Reason,
		MoisturePct: cmd.CurrentMoisture,
		CommandID:   cmd.CommandID,
		Timestamp:   cmd.Timestamp,
	}
	if cmd.IsOpen() {
		t.Action = "open"
		t.ValveOpen = true
		t.DurationSeconds = cmd.DurationSeconds
	} else {
		t.Action = "close"
		if cmd.ActualDurationSeconds != nil {
			t.DurationSeconds = *cmd.ActualDurationSeconds
		}
	}
	return t
}
