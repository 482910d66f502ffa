package irrigation_controller

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/taseebali/soilsimulator-iot/internal/clock"
	"github.com/taseebali/soilsimulator-iot/internal/model/entities"
	"github.com/taseebali/soilsimulator-iot/internal/model/messages"
	"github.com/taseebali/soilsimulator-iot/pkg/dedup"
)

var (
	// ErrStopped is returned for readings submitted after Stop.
	ErrStopped = errors.New("controller stopped")
	// ErrQueueFull is returned when the worker queue of a device is full.
	ErrQueueFull = errors.New("worker queue full")

	errNotOpen = errors.New("valve not open")
)

// job is one unit of work for a device's worker: either a reading or a
// forced close.
type job struct {
	reading messages.SensorReading
	close   *closeRequest
}

type closeRequest struct {
	deviceID string
	reason   messages.Reason
	cond     func(entities.DeviceState) bool
	done     chan closeResult // buffered, 1
}

type closeResult struct {
	cmd *messages.ValveCommand
	err error
}

type Options struct {
	Workers   int
	QueueSize int
	DedupTTL  time.Duration // 0 disables deduplication
	DedupMax  int
}

// Controller turns telemetry into valve commands. Readings and forced closes
// are spread over Workers queues by device id, so each device's work is
// decided and emitted in arrival order while different devices proceed in
// parallel.
type Controller struct {
	th      Thresholds
	clock   clock.Clock
	store   *DeviceStore
	emitter *Emitter
	deduper *dedup.Deduper
	metrics *Metrics
	logger  *slog.Logger

	queues []chan job
	wg     sync.WaitGroup

	mu       sync.RWMutex // guards stopped against sends on closed queues
	started  bool
	stopped  bool
	stopOnce sync.Once
}

func NewController(th Thresholds, clk clock.Clock, store *DeviceStore, emitter *Emitter, opts Options, m *Metrics, logger *slog.Logger) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		th:      th,
		clock:   clk,
		store:   store,
		emitter: emitter,
		metrics: m,
		logger:  logger.With("component", "controller"),
		queues:  make([]chan job, opts.Workers),
	}
	if opts.DedupTTL > 0 {
		c.deduper = dedup.New(opts.DedupTTL, opts.DedupMax, clk.Now)
	}
	for i := range c.queues {
		c.queues[i] = make(chan job, opts.QueueSize)
	}
	return c
}

func (c *Controller) Store() *DeviceStore { return c.store }
func (c *Controller) Thresholds() Thresholds { return c.th }

// Start launches the workers. Emission uses a context detached from ctx so
// that readings already queued when ctx ends are still fully handled.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	emitCtx := context.WithoutCancel(ctx)
	for i, q := range c.queues {
		c.wg.Add(1)
		go c.worker(emitCtx, i, q)
	}
	c.logger.Info("controller started", "workers", len(c.queues), "queue_size", cap(c.queues[0]))
}

// Stop refuses new readings, lets the workers drain their queues and waits
// for them to exit. Safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		for _, q := range c.queues {
			close(q)
		}
		c.mu.Unlock()
		c.wg.Wait()
		c.logger.Info("controller stopped")
	})
}

func (c *Controller) worker(ctx context.Context, id int, q <-chan job) {
	defer c.wg.Done()
	for j := range q {
		if req := j.close; req != nil {
			cmd, err := c.CloseIf(ctx, req.deviceID, req.reason, req.cond)
			req.done <- closeResult{cmd: cmd, err: err}
			continue
		}
		_, _ = c.Process(ctx, j.reading)
	}
	c.logger.Debug("worker exited", "worker", id)
}

// HandleMessage is the broker callback: it drops redeliveries, decodes the
// payload and queues the reading. Rejected readings are logged here and never
// reported back to the broker layer.
//
// Every payload is remembered, but only messages the broker flags as
// redelivered (DUP) are dropped when already seen: a sensor repeating the same
// value is still a fresh reading.
func (c *Controller) HandleMessage(topic string, msg mqtt.Message) error {
	c.metrics.ReadingsReceived.Inc()
	payload := msg.Payload()

	if c.deduper != nil {
		seen := !c.deduper.ShouldProcess(dedup.PayloadKey(append([]byte(topic+"\n"), payload...)))
		if seen && msg.Duplicate() {
			c.metrics.ReadingsDuplicate.Inc()
			c.logger.Debug("redelivered payload dropped", "topic", topic, "message_id", msg.MessageID())
			return nil
		}
	}

	r, err := messages.DecodeSensorReading(topic, payload)
	if err != nil {
		c.metrics.ReadingsRejected.Inc()
		c.logger.Warn("ignoring invalid reading", "topic", topic, "device_id", r.DeviceID, "error", err)
		return nil
	}

	if err := c.Submit(r); err != nil {
		c.logger.Warn("reading dropped", "device_id", r.DeviceID, "error", err)
	}
	return nil
}

// Submit queues a decoded reading on its device's worker without blocking.
func (c *Controller) Submit(r messages.SensorReading) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		c.metrics.ReadingsDropped.Inc()
		return ErrStopped
	}
	select {
	case c.queues[c.shard(r.DeviceID)] <- job{reading: r}:
		return nil
	default:
		c.metrics.ReadingsDropped.Inc()
		return ErrQueueFull
	}
}

func (c *Controller) shard(deviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(c.queues)))
}

// Process runs one reading through the locked read-decide-write and emits the
// resulting command, if any, after the device lock is released.
func (c *Controller) Process(ctx context.Context, r messages.SensorReading) (*messages.ValveCommand, error) {
	if err := r.Validate(); err != nil {
		c.metrics.ReadingsRejected.Inc()
		c.logger.Warn("ignoring invalid reading", "device_id", r.DeviceID, "error", err)
		return nil, err
	}

	var (
		cmd *messages.ValveCommand
		now time.Time
	)
	start := time.Now()
	next, err := c.store.Transition(r.DeviceID, func(cur entities.DeviceState) (entities.DeviceState, error) {
		now = c.clock.Now()
		st, out, err := Decide(cur, r, now, c.th)
		if err != nil {
			return cur, err
		}
		cmd = out
		return st, nil
	})
	c.metrics.DecisionLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, messages.ErrInvalidReading) {
			c.metrics.ReadingsRejected.Inc()
			c.logger.Warn("ignoring invalid reading", "device_id", r.DeviceID, "error", err)
		} else {
			c.logger.Error("transition failed", "device_id", r.DeviceID, "error", err)
		}
		return nil, err
	}

	if cmd == nil {
		c.logger.Debug("no transition",
			"device_id", r.DeviceID,
			"valve", next.Valve(),
			"moisture", r.Moisture(),
			"cooldown_left", CooldownRemaining(next, now, c.th).String(),
		)
		return nil, nil
	}

	sent := c.emitter.Emit(ctx, *cmd)
	return &sent, nil
}

// RequestClose runs CloseIf on the worker that owns id, behind any reading of
// that device already queued, so the close is emitted in order with the
// device's other commands. Before Start it calls CloseIf directly.
func (c *Controller) RequestClose(ctx context.Context, id string, reason messages.Reason, cond func(entities.DeviceState) bool) (*messages.ValveCommand, error) {
	req := &closeRequest{deviceID: id, reason: reason, cond: cond, done: make(chan closeResult, 1)}

	c.mu.RLock()
	switch {
	case c.stopped:
		c.mu.RUnlock()
		return nil, ErrStopped
	case !c.started:
		c.mu.RUnlock()
		return c.CloseIf(ctx, id, reason, cond)
	}
	select {
	case c.queues[c.shard(id)] <- job{close: req}:
		c.mu.RUnlock()
	case <-ctx.Done():
		c.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case res := <-req.done:
		return res.cmd, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseIf force-closes the valve of id with the given reason when it is open
// and cond (if not nil) holds for its current state. The check and the close
// happen atomically. A nil command means nothing was closed. While workers
// run, use RequestClose so the emission stays ordered.
func (c *Controller) CloseIf(ctx context.Context, id string, reason messages.Reason, cond func(entities.DeviceState) bool) (*messages.ValveCommand, error) {
	var cmd *messages.ValveCommand
	_, err := c.store.Transition(id, func(cur entities.DeviceState) (entities.DeviceState, error) {
		if !cur.ValveOpen || (cond != nil && !cond(cur)) {
			return cur, errNotOpen
		}
		next, out := ForceClose(cur, c.clock.Now(), reason)
		cmd = out
		return next, nil
	})
	if errors.Is(err, errNotOpen) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sent := c.emitter.Emit(ctx, *cmd)
	return &sent, nil
}
