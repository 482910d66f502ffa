package irrigation_controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/taseebali/soilsimulator-iot/pkg/rabbitmq"
)

// Service wires the controller to the broker subscription and the HTTP and
// gRPC listeners, and runs the shutdown sequence.
type Service struct {
	Consumer   rabbitmq.IConsumer
	Controller *Controller
	Watchdog   *Watchdog // optional
	Supervisor *Supervisor
	Health     *Health

	HTTP         *http.Server // optional
	GRPC         *grpc.Server // optional, served on GRPCListener
	GRPCListener net.Listener

	DrainTimeout time.Duration
	// Closers release transport and storage, in order, after the drain.
	Closers []func()

	Logger *slog.Logger
}

// Run consumes telemetry until ctx is cancelled or a listener fails, then
// stops consumption, waits for the workers, closes open valves and releases
// resources, in that order.
func (s *Service) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "service")

	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	errCh := make(chan error, 3)

	s.Controller.Start(ctx)

	var bg sync.WaitGroup
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if s.Watchdog != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			s.Watchdog.Run(watchCtx)
		}()
	}

	if s.HTTP != nil {
		go func() {
			logger.Info("http listening", "addr", s.HTTP.Addr)
			if err := s.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http: %w", err)
			}
		}()
	}
	if s.GRPC != nil && s.GRPCListener != nil {
		go func() {
			logger.Info("grpc listening", "addr", s.GRPCListener.Addr().String())
			if err := s.GRPC.Serve(s.GRPCListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	consumeDone := make(chan struct{})
	go func() {
		defer close(consumeDone)
		if err := s.Consumer.ConsumeMessage(consumeCtx); err != nil {
			errCh <- fmt.Errorf("consume: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
		logger.Error("stopping after failure", "error", runErr)
	}

	stopConsume()
	<-consumeDone
	stopWatch()
	bg.Wait()

	timeout := s.DrainTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	closed := s.Supervisor.Drain(drainCtx)
	logger.Info("valves closed on shutdown", "count", len(closed))

	if s.Health != nil {
		s.Health.Shutdown()
	}
	if s.HTTP != nil {
		if err := s.HTTP.Shutdown(drainCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}
	if s.GRPC != nil {
		s.GRPC.Stop()
	}
	for _, c := range s.Closers {
		c()
	}
	logger.Info("shutdown complete")
	return runErr
}
