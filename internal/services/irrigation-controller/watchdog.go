package irrigation_controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taseebali/soilsimulator-iot/internal/clock"
	"github.com/taseebali/soilsimulator-iot/internal/model/entities"
	"github.com/taseebali/soilsimulator-iot/internal/model/messages"
)

// StalePolicy is what the watchdog does about an open valve whose device has
// stopped reporting.
type StalePolicy string

const (
	StaleIgnore StalePolicy = "ignore"
	StaleWarn   StalePolicy = "warn"
	StaleClose  StalePolicy = "close"
)

func ParseStalePolicy(s string) (StalePolicy, error) {
	switch p := StalePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case StaleIgnore, StaleWarn, StaleClose:
		return p, nil
	case "":
		return StaleWarn, nil
	default:
		return "", fmt.Errorf("unknown stale policy %q (want ignore, warn or close)", s)
	}
}

// Watchdog looks for open valves without a valid reading in the last `after`.
type Watchdog struct {
	ctrl    *Controller
	after   time.Duration
	policy  StalePolicy
	clock   clock.Clock
	metrics *Metrics
	logger  *slog.Logger

	warned map[string]time.Time // device -> opened_at of the interval already reported
}

func NewWatchdog(ctrl *Controller, after time.Duration, policy StalePolicy, clk clock.Clock, m *Metrics, logger *slog.Logger) *Watchdog {
	if clk == nil {
		clk = clock.Real()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		ctrl:    ctrl,
		after:   after,
		policy:  policy,
		clock:   clk,
		metrics: m,
		logger:  logger.With("component", "watchdog"),
		warned:  make(map[string]time.Time),
	}
}

// Enabled is false when the watchdog has nothing to do.
func (w *Watchdog) Enabled() bool {
	return w.after > 0 && w.policy != StaleIgnore
}

// Run sweeps every after/2 (at least once a second) until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	if !w.Enabled() {
		return
	}
	every := w.after / 2
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	w.logger.Info("stale telemetry watchdog started", "after", w.after.String(), "policy", w.policy)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one check and returns the ids of the devices it acted on.
// Not safe for concurrent use.
func (w *Watchdog) Sweep(ctx context.Context) []string {
	if !w.Enabled() {
		return nil
	}
	now := w.clock.Now()
	var flagged []string
	open := make(map[string]bool)

	for _, st := range w.ctrl.Store().Snapshot() {
		if !st.ValveOpen {
			continue
		}
		open[st.DeviceID] = true
		if !w.stale(st, now) {
			continue
		}

		switch w.policy {
		case StaleWarn:
			if seen, ok := w.warned[st.DeviceID]; ok && st.OpenedAt != nil && seen.Equal(*st.OpenedAt) {
				continue
			}
			if st.OpenedAt != nil {
				w.warned[st.DeviceID] = *st.OpenedAt
			}
			w.metrics.StaleValves.Inc()
			w.logger.Warn("valve open without recent telemetry",
				"device_id", st.DeviceID,
				"last_reading_age", w.age(st, now).String(),
			)
			flagged = append(flagged, st.DeviceID)

		case StaleClose:
			cmd, err := w.ctrl.RequestClose(ctx, st.DeviceID, messages.ReasonTelemetryLost, func(cur entities.DeviceState) bool {
				return w.stale(cur, w.clock.Now())
			})
			if err != nil {
				w.logger.Error("stale close failed", "device_id", st.DeviceID, "error", err)
				continue
			}
			if cmd != nil {
				w.metrics.StaleValves.Inc()
				w.logger.Warn("closed valve after telemetry loss", "device_id", st.DeviceID, "command_id", cmd.CommandID)
				flagged = append(flagged, st.DeviceID)
			}
		}
	}

	for id := range w.warned {
		if !open[id] {
			delete(w.warned, id)
		}
	}
	return flagged
}

func (w *Watchdog) stale(st entities.DeviceState, now time.Time) bool {
	return st.ValveOpen && w.age(st, now) > w.after
}

// age is measured from the last reading, or from the open if none was stored.
func (w *Watchdog) age(st entities.DeviceState, now time.Time) time.Duration {
	switch {
	case st.LastReadingAt != nil:
		return now.Sub(*st.LastReadingAt)
	case st.OpenedAt != nil:
		return now.Sub(*st.OpenedAt)
	}
	return 0
}
