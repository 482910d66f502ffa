package irrigation_controller

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/taseebali/soilsimulator-iot/internal/model/entities"
	"github.com/taseebali/soilsimulator-iot/internal/model/messages"
)

// deficitPerMinute is the moisture deficit (percentage points) covered by one
// minute of irrigation.
const deficitPerMinute = 5.0

// Thresholds tunes the decision engine.
type Thresholds struct {
	Target float64 // moisture the dose aims for
	Low    float64 // open when moisture < Low
	High   float64 // close when moisture >= High

	MinDuration time.Duration
	MaxDuration time.Duration // dose cap and safety limit for an open valve
	Cooldown    time.Duration // minimum time between a close and the next open
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Target:      50,
		Low:         35,
		High:        65,
		MinDuration: 60 * time.Second,
		MaxDuration: 600 * time.Second,
		Cooldown:    900 * time.Second,
	}
}

// Validate checks the hysteresis band and duration bounds.
func (t Thresholds) Validate() error {
	var errs []error
	if t.Low < 0 || t.Low >= t.Target {
		errs = append(errs, fmt.Errorf("thresholds: need 0 <= low < target, got low=%v target=%v", t.Low, t.Target))
	}
	if t.Low >= t.High || t.High > 100 {
		errs = append(errs, fmt.Errorf("thresholds: need low < high <= 100, got low=%v high=%v", t.Low, t.High))
	}
	if t.MinDuration <= 0 || t.MinDuration > t.MaxDuration {
		errs = append(errs, fmt.Errorf("thresholds: need 0 < min <= max duration, got min=%s max=%s", t.MinDuration, t.MaxDuration))
	}
	if t.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("thresholds: negative cooldown %s", t.Cooldown))
	}
	return errors.Join(errs...)
}

// IrrigationDuration returns the dose in whole seconds for the given moisture:
// one minute per 5 points of deficit, clamped to [MinDuration, MaxDuration].
func IrrigationDuration(moisture float64, th Thresholds) int {
	raw := (th.Target - moisture) / deficitPerMinute * 60
	raw = math.Max(raw, th.MinDuration.Seconds())
	raw = math.Min(raw, th.MaxDuration.Seconds())
	return int(math.Round(raw))
}

// Decide is the per-device transition function. It returns the next state and,
// when the valve has to change, the command to send. Invalid readings return
// the state untouched together with an error wrapping messages.ErrInvalidReading.
//
// The returned command has no CommandID; the emitter assigns one.
func Decide(state entities.DeviceState, r messages.SensorReading, now time.Time, th Thresholds) (entities.DeviceState, *messages.ValveCommand, error) {
	if err := r.Validate(); err != nil {
		return state, nil, err
	}
	if r.DeviceID != state.DeviceID {
		return state, nil, fmt.Errorf("%w: reading for %q applied to %q", messages.ErrInvalidReading, r.DeviceID, state.DeviceID)
	}

	m := r.Moisture()
	next := state
	next.LastMoisture = &m
	readAt := now
	next.LastReadingAt = &readAt

	if state.ValveOpen {
		switch {
		case m >= th.High:
			return closeValve(next, now, messages.ReasonTargetReached)
		case state.OpenedAt != nil && now.Sub(*state.OpenedAt) > th.MaxDuration:
			return closeValve(next, now, messages.ReasonMaxDuration)
		default:
			return next, nil, nil
		}
	}

	if m < th.Low && !coolingDown(state, now, th) {
		return openValve(next, now, m, th)
	}
	return next, nil, nil
}

// ForceClose closes an open valve regardless of moisture and elapsed time.
// A closed device is returned unchanged with a nil command.
func ForceClose(state entities.DeviceState, now time.Time, reason messages.Reason) (entities.DeviceState, *messages.ValveCommand) {
	if !state.ValveOpen {
		return state, nil
	}
	next, cmd, _ := closeValve(state, now, reason)
	return next, cmd
}

// CooldownRemaining reports how long the device still has to wait before it
// may be opened again. Zero means no cooldown is active.
func CooldownRemaining(state entities.DeviceState, now time.Time, th Thresholds) time.Duration {
	if state.LastIrrigationEnd == nil {
		return 0
	}
	left := th.Cooldown - now.Sub(*state.LastIrrigationEnd)
	if left < 0 {
		return 0
	}
	return left
}

// coolingDown is true until strictly more than Cooldown has passed since the last close.
func coolingDown(state entities.DeviceState, now time.Time, th Thresholds) bool {
	if state.LastIrrigationEnd == nil {
		return false
	}
	return now.Sub(*state.LastIrrigationEnd) <= th.Cooldown
}

func openValve(state entities.DeviceState, now time.Time, moisture float64, th Thresholds) (entities.DeviceState, *messages.ValveCommand, error) {
	dur := IrrigationDuration(moisture, th)
	openedAt := now

	state.ValveOpen = true
	state.OpenedAt = &openedAt
	state.PlannedSeconds = dur

	target := th.Target
	return state, &messages.ValveCommand{
		DeviceID:        state.DeviceID,
		Timestamp:       now,
		Command:         messages.CommandOpen,
		DurationSeconds: dur,
		Reason:          messages.ReasonLowMoisture,
		CurrentMoisture: moisture,
		TargetMoisture:  &target,
	}, nil
}

func closeValve(state entities.DeviceState, now time.Time, reason messages.Reason) (entities.DeviceState, *messages.ValveCommand, error) {
	actual := 0
	if state.OpenedAt != nil {
		if d := now.Sub(*state.OpenedAt); d > 0 {
			actual = int(d / time.Second)
		}
	}
	var moisture float64
	if state.LastMoisture != nil {
		moisture = *state.LastMoisture
	}
	closedAt := now

	state.ValveOpen = false
	state.OpenedAt = nil
	state.PlannedSeconds = 0
	state.LastIrrigationEnd = &closedAt

	return state, &messages.ValveCommand{
		DeviceID:              state.DeviceID,
		Timestamp:             now,
		Command:               messages.CommandClose,
		Reason:                reason,
		CurrentMoisture:       moisture,
		ActualDurationSeconds: &actual,
	}, nil
}
