package irrigation_controller

import (
	"context"
	"log/slog"
	"sync"

	"github.com/taseebali/soilsimulator-iot/internal/model/messages"
)

// Supervisor closes every open valve when the process shuts down.
type Supervisor struct {
	ctrl   *Controller
	logger *slog.Logger

	once   sync.Once
	closed []messages.ValveCommand
}

func NewSupervisor(ctrl *Controller, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{ctrl: ctrl, logger: logger.With("component", "supervisor")}
}

// Drain stops the controller and sends one close command with reason
// "shutdown" to each device whose valve is open. It does not wait for broker
// acknowledgements. Later calls return the commands of the first one.
func (s *Supervisor) Drain(ctx context.Context) []messages.ValveCommand {
	s.once.Do(func() {
		s.ctrl.Stop()

		open := s.ctrl.Store().OpenDevices()
		s.logger.Info("closing open valves", "count", len(open))
		for _, id := range open {
			cmd, err := s.ctrl.CloseIf(ctx, id, messages.ReasonShutdown, nil)
			if err != nil {
				s.logger.Error("shutdown close failed", "device_id", id, "error", err)
				continue
			}
			if cmd != nil {
				s.closed = append(s.closed, *cmd)
			}
		}
	})
	return s.closed
}
