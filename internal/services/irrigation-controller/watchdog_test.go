package irrigation_controller

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taseebali/soilsimulator-iot/internal/model/messages"
)

func TestParseStalePolicy(t *testing.T) {
	for in, want := range map[string]StalePolicy{"": StaleWarn, "warn": StaleWarn, "CLOSE": StaleClose, " ignore ": StaleIgnore} {
		got, err := ParseStalePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseStalePolicy("panic")
	assert.Error(t, err)
}

func TestWatchdogWarnsOncePerOpenInterval(t *testing.T) {
	r := newRig(t, Options{})
	ctx := context.Background()
	w := NewWatchdog(r.ctrl, 5*time.Minute, StaleWarn, r.clock, r.metrics, discardLogger())

	_, _ = r.ctrl.Process(ctx, reading("d1", 20))
	r.clock.Advance(4 * time.Minute)
	assert.Empty(t, w.Sweep(ctx))

	r.clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"d1"}, w.Sweep(ctx))
	assert.Empty(t, w.Sweep(ctx), "already reported")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.StaleValves))

	// warn never touches the valve
	st, _ := r.ctrl.Store().Get("d1")
	assert.True(t, st.ValveOpen)
	assert.Len(t, r.pub.Published(), 1)
}

func TestWatchdogWarnAgainAfterReopen(t *testing.T) {
	r := newRig(t, Options{})
	ctx := context.Background()
	w := NewWatchdog(r.ctrl, time.Minute, StaleWarn, r.clock, r.metrics, discardLogger())

	_, _ = r.ctrl.Process(ctx, reading("d1", 20))
	r.clock.Advance(2 * time.Minute)
	require.Len(t, w.Sweep(ctx), 1)

	_, _ = r.ctrl.Process(ctx, reading("d1", 70)) // close
	r.clock.Advance(16 * time.Minute)
	_, _ = r.ctrl.Process(ctx, reading("d1", 20)) // reopen
	r.clock.Advance(2 * time.Minute)
	assert.Len(t, w.Sweep(ctx), 1)
}

func TestWatchdogClosePolicy(t *testing.T) {
	r := newRig(t, Options{})
	ctx := context.Background()
	w := NewWatchdog(r.ctrl, 5*time.Minute, StaleClose, r.clock, r.metrics, discardLogger())

	_, _ = r.ctrl.Process(ctx, reading("d1", 20))
	_, _ = r.ctrl.Process(ctx, reading("d2", 20))
	r.clock.Advance(4 * time.Minute)
	_, _ = r.ctrl.Process(ctx, reading("d2", 30)) // d2 keeps reporting
	r.clock.Advance(2 * time.Minute)

	assert.Equal(t, []string{"d1"}, w.Sweep(ctx))
	assert.Equal(t, []string{"d2"}, r.ctrl.Store().OpenDevices())

	cmds := r.commands(t)
	last := cmds[len(cmds)-1]
	assert.Equal(t, "d1", last.DeviceID)
	assert.Equal(t, messages.ReasonTelemetryLost, last.Reason)
}

func TestWatchdogIgnoreAndDisabled(t *testing.T) {
	r := newRig(t, Options{})
	ctx := context.Background()
	_, _ = r.ctrl.Process(ctx, reading("d1", 20))
	r.clock.Advance(time.Hour)

	assert.Empty(t, NewWatchdog(r.ctrl, time.Minute, StaleIgnore, r.clock, r.metrics, discardLogger()).Sweep(ctx))
	off := NewWatchdog(r.ctrl, 0, StaleClose, r.clock, r.metrics, discardLogger())
	assert.False(t, off.Enabled())
	assert.Empty(t, off.Sweep(ctx))
	off.Run(ctx) // returns at once when disabled
	assert.Equal(t, []string{"d1"}, r.ctrl.Store().OpenDevices())
}
