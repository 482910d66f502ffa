package entities

import (
	"fmt"
	"time"
)

// ValveState is the logical state of a device's irrigation valve.
type ValveState string

const (
	ValveClosed ValveState = "CLOSED"
	ValveOpen   ValveState = "OPEN"
)

// DeviceState is the irrigation state the controller keeps for one device.
// A zero value (apart from DeviceID) is the initial CLOSED state.
type DeviceState struct {
	DeviceID  string     `json:"device_id"`
	ValveOpen bool       `json:"valve_open"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	// PlannedSeconds is the dose computed when the valve was opened.
	PlannedSeconds    int        `json:"planned_duration_seconds,omitempty"`
	LastIrrigationEnd *time.Time `json:"last_irrigation_end,omitempty"`

	LastMoisture  *float64   `json:"last_moisture,omitempty"`
	LastReadingAt *time.Time `json:"last_reading_at,omitempty"`
}

// NewDeviceState returns the initial state for a device never seen before.
func NewDeviceState(deviceID string) DeviceState {
	return DeviceState{DeviceID: deviceID}
}

func (s DeviceState) Valve() ValveState {
	if s.ValveOpen {
		return ValveOpen
	}
	return ValveClosed
}

// Check reports a violation of the open/opened_at pairing.
func (s DeviceState) Check() error {
	if s.DeviceID == "" {
		return fmt.Errorf("device state: empty device id")
	}
	if s.ValveOpen != (s.OpenedAt != nil) {
		return fmt.Errorf("device state %s: valve_open=%t but opened_at set=%t", s.DeviceID, s.ValveOpen, s.OpenedAt != nil)
	}
	if !s.ValveOpen && s.PlannedSeconds != 0 {
		return fmt.Errorf("device state %s: closed valve with planned duration %ds", s.DeviceID, s.PlannedSeconds)
	}
	return nil
}
