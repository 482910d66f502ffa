package irrigation_controller

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taseebali/soilsimulator-iot/internal/model/entities"
	"github.com/taseebali/soilsimulator-iot/internal/model/messages"
)

var t0 = time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)

func reading(id string, m float64) messages.SensorReading {
	return messages.SensorReading{DeviceID: id, MoisturePct: &m}
}

func openState(id string, openedAt time.Time, planned int) entities.DeviceState {
	st := entities.NewDeviceState(id)
	st.ValveOpen = true
	st.OpenedAt = &openedAt
	st.PlannedSeconds = planned
	return st
}

func TestDecideOpensOnLowMoisture(t *testing.T) {
	th := DefaultThresholds()
	next, cmd, err := Decide(entities.NewDeviceState("d1"), reading("d1", 20), t0, th)
	require.NoError(t, err)
	require.NotNil(t, cmd)

	assert.True(t, next.ValveOpen)
	require.NotNil(t, next.OpenedAt)
	assert.Equal(t, t0, *next.OpenedAt)
	assert.Equal(t, 360, next.PlannedSeconds)
	assert.Nil(t, next.LastIrrigationEnd)

	assert.Equal(t, messages.CommandOpen, cmd.Command)
	assert.Equal(t, messages.ReasonLowMoisture, cmd.Reason)
	assert.Equal(t, 360, cmd.DurationSeconds)
	assert.Equal(t, 20.0, cmd.CurrentMoisture)
	require.NotNil(t, cmd.TargetMoisture)
	assert.Equal(t, 50.0, *cmd.TargetMoisture)
	assert.Nil(t, cmd.ActualDurationSeconds)
	assert.Empty(t, cmd.CommandID)
}

func TestDecideClosesOnTargetReached(t *testing.T) {
	th := DefaultThresholds()
	st := openState("d1", t0, 360)

	next, cmd, err := Decide(st, reading("d1", 70), t0.Add(200*time.Second), th)
	require.NoError(t, err)
	require.NotNil(t, cmd)

	assert.False(t, next.ValveOpen)
	assert.Nil(t, next.OpenedAt)
	assert.Zero(t, next.PlannedSeconds)
	require.NotNil(t, next.LastIrrigationEnd)
	assert.Equal(t, t0.Add(200*time.Second), *next.LastIrrigationEnd)

	assert.Equal(t, messages.CommandClose, cmd.Command)
	assert.Equal(t, messages.ReasonTargetReached, cmd.Reason)
	assert.Equal(t, 70.0, cmd.CurrentMoisture)
	require.NotNil(t, cmd.ActualDurationSeconds)
	assert.Equal(t, 200, *cmd.ActualDurationSeconds)
	assert.Nil(t, cmd.TargetMoisture)
}

func TestDecideHighThresholdIsInclusive(t *testing.T) {
	_, cmd, err := Decide(openState("d1", t0, 60), reading("d1", 65), t0.Add(time.Second), DefaultThresholds())
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, messages.ReasonTargetReached, cmd.Reason)
}

func TestDecideSafetyCapClosesBelowHigh(t *testing.T) {
	st := openState("d1", t0, 600)
	next, cmd, err := Decide(st, reading("d1", 32), t0.Add(650*time.Second), DefaultThresholds())
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.False(t, next.ValveOpen)
	assert.Equal(t, messages.ReasonMaxDuration, cmd.Reason)
	assert.Equal(t, 650, *cmd.ActualDurationSeconds)
}

func TestDecideSafetyCapIsStrict(t *testing.T) {
	st := openState("d1", t0, 600)
	next, cmd, err := Decide(st, reading("d1", 32), t0.Add(600*time.Second), DefaultThresholds())
	require.NoError(t, err)
	assert.Nil(t, cmd)
	assert.True(t, next.ValveOpen)
}

func TestDecideTargetReachedWinsOverSafetyCap(t *testing.T) {
	_, cmd, err := Decide(openState("d1", t0, 600), reading("d1", 80), t0.Add(time.Hour), DefaultThresholds())
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, messages.ReasonTargetReached, cmd.Reason)
}

func TestDecideOpenIsIdempotent(t *testing.T) {
	st := openState("d1", t0, 360)
	next, cmd, err := Decide(st, reading("d1", 20), t0.Add(30*time.Second), DefaultThresholds())
	require.NoError(t, err)
	assert.Nil(t, cmd)
	assert.True(t, next.ValveOpen)
	assert.Equal(t, t0, *next.OpenedAt)
	assert.Equal(t, 360, next.PlannedSeconds)
}

func TestDecideCooldown(t *testing.T) {
	th := DefaultThresholds()
	st := entities.NewDeviceState("d1")
	end := t0
	st.LastIrrigationEnd = &end

	next, cmd, err := Decide(st, reading("d1", 25), t0.Add(100*time.Second), th)
	require.NoError(t, err)
	assert.Nil(t, cmd, "cooldown active")
	assert.False(t, next.ValveOpen)

	// exactly COOLDOWN elapsed is still cooling down
	_, cmd, err = Decide(next, reading("d1", 25), t0.Add(900*time.Second), th)
	require.NoError(t, err)
	assert.Nil(t, cmd)

	next, cmd, err = Decide(next, reading("d1", 25), t0.Add(901*time.Second), th)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, messages.CommandOpen, cmd.Command)
	assert.Equal(t, 300, cmd.DurationSeconds)
	assert.Equal(t, t0, *next.LastIrrigationEnd, "open must not touch last irrigation end")
}

func TestDecideDeadZone(t *testing.T) {
	th := DefaultThresholds()
	fresh := entities.NewDeviceState("d1")

	cooled := entities.NewDeviceState("d1")
	end := t0.Add(-time.Hour)
	cooled.LastIrrigationEnd = &end

	cooling := entities.NewDeviceState("d1")
	recent := t0.Add(-time.Minute)
	cooling.LastIrrigationEnd = &recent

	for _, st := range []entities.DeviceState{fresh, cooled, cooling} {
		next, cmd, err := Decide(st, reading("d1", 40), t0, th)
		require.NoError(t, err)
		assert.Nil(t, cmd)
		assert.False(t, next.ValveOpen)
		assert.Equal(t, st.LastIrrigationEnd, next.LastIrrigationEnd)
	}
}

func TestDecideLowThresholdIsStrict(t *testing.T) {
	_, cmd, err := Decide(entities.NewDeviceState("d1"), reading("d1", 35), t0, DefaultThresholds())
	require.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestDecideRecordsLastReading(t *testing.T) {
	next, _, err := Decide(entities.NewDeviceState("d1"), reading("d1", 40), t0, DefaultThresholds())
	require.NoError(t, err)
	require.NotNil(t, next.LastMoisture)
	assert.Equal(t, 40.0, *next.LastMoisture)
	assert.Equal(t, t0, *next.LastReadingAt)
}

func TestDecideRejectsInvalidReading(t *testing.T) {
	st := entities.NewDeviceState("d1")

	next, cmd, err := Decide(st, messages.SensorReading{DeviceID: "d1"}, t0, DefaultThresholds())
	assert.True(t, errors.Is(err, messages.ErrInvalidReading))
	assert.Nil(t, cmd)
	assert.Equal(t, st, next)

	_, _, err = Decide(st, reading("other", 10), t0, DefaultThresholds())
	assert.True(t, errors.Is(err, messages.ErrInvalidReading))
}

func TestIrrigationDuration(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		moisture float64
		want     int
	}{
		{20, 360},
		{5, 540},
		{34.9, 181},
		{0, 600},   // raw 600
		{-50, 600}, // clamped to max
		{34, 192},
		{49, 60}, // raw 12, clamped to min
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IrrigationDuration(tt.moisture, th), "moisture %v", tt.moisture)
	}
}

func TestForceClose(t *testing.T) {
	st := openState("d1", t0, 360)
	m := 30.0
	st.LastMoisture = &m

	next, cmd := ForceClose(st, t0.Add(42*time.Second), messages.ReasonShutdown)
	require.NotNil(t, cmd)
	assert.False(t, next.ValveOpen)
	assert.Equal(t, messages.ReasonShutdown, cmd.Reason)
	assert.Equal(t, 30.0, cmd.CurrentMoisture)
	assert.Equal(t, 42, *cmd.ActualDurationSeconds)
	assert.NoError(t, next.Check())

	again, cmd := ForceClose(next, t0.Add(time.Minute), messages.ReasonShutdown)
	assert.Nil(t, cmd)
	assert.Equal(t, next, again)
}

func TestCooldownRemaining(t *testing.T) {
	th := DefaultThresholds()
	st := entities.NewDeviceState("d1")
	assert.Zero(t, CooldownRemaining(st, t0, th))

	end := t0
	st.LastIrrigationEnd = &end
	assert.Equal(t, 800*time.Second, CooldownRemaining(st, t0.Add(100*time.Second), th))
	assert.Zero(t, CooldownRemaining(st, t0.Add(time.Hour), th))
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())

	th := DefaultThresholds()
	th.Low = 50
	assert.Error(t, th.Validate())

	th = DefaultThresholds()
	th.High = 101
	assert.Error(t, th.Validate())

	th = DefaultThresholds()
	th.MinDuration = 0
	assert.Error(t, th.Validate())

	th = DefaultThresholds()
	th.Cooldown = -time.Second
	assert.Error(t, th.Validate())
}
