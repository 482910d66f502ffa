package irrigation_controller

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/taseebali/soilsimulator-iot/internal/model/entities"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrInvariant     = errors.New("device state invariant violated")
)

// TransitionFunc computes the next state of a device from its current one.
// Returning an error leaves the stored state untouched.
type TransitionFunc func(cur entities.DeviceState) (entities.DeviceState, error)

// DeviceStore keeps one state per device. Each device has its own lock, so
// transitions on the same device are serialised while different devices never
// wait on each other.
type DeviceStore struct {
	mu      sync.Mutex
	devices map[string]*deviceSlot

	strict bool // panic on invariant violations
	logger *slog.Logger
}

type deviceSlot struct {
	mu        sync.Mutex
	state     entities.DeviceState
	persisted bool // false until the first successful transition
	removed   bool // slot was dropped from the map after a failed first transition
}

func NewDeviceStore(strict bool, logger *slog.Logger) *DeviceStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceStore{
		devices: make(map[string]*deviceSlot),
		strict:  strict,
		logger:  logger.With("component", "device-store"),
	}
}

// Transition runs fn on the current state of id (the initial CLOSED state for
// a device never seen before) and stores the result. The whole
// read-decide-write happens under the device lock.
func (s *DeviceStore) Transition(id string, fn TransitionFunc) (entities.DeviceState, error) {
	for {
		if st, ok, err := s.apply(s.slot(id), id, fn); ok {
			return st, err
		}
	}
}

// apply reports ok=false when the slot was dropped while waiting for its lock.
func (s *DeviceStore) apply(slot *deviceSlot, id string, fn TransitionFunc) (entities.DeviceState, bool, error) {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.removed {
		return entities.DeviceState{}, false, nil
	}

	next, err := fn(slot.state)
	if err == nil {
		err = s.check(id, next)
	}
	if err != nil {
		if !slot.persisted {
			s.drop(id, slot)
		}
		return slot.state, true, err
	}

	slot.state = next
	slot.persisted = true
	return next, true, nil
}

// Get returns a copy of the state of id.
func (s *DeviceStore) Get(id string) (entities.DeviceState, error) {
	s.mu.Lock()
	slot, ok := s.devices[id]
	s.mu.Unlock()
	if !ok {
		return entities.DeviceState{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.persisted || slot.removed {
		return entities.DeviceState{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return slot.state, nil
}

// Snapshot returns a copy of every known device state, sorted by device id.
func (s *DeviceStore) Snapshot() []entities.DeviceState {
	out := make([]entities.DeviceState, 0)
	for _, slot := range s.slots() {
		slot.mu.Lock()
		if slot.persisted && !slot.removed {
			out = append(out, slot.state)
		}
		slot.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// OpenDevices lists the ids of devices whose valve is currently open.
func (s *DeviceStore) OpenDevices() []string {
	var ids []string
	for _, st := range s.Snapshot() {
		if st.ValveOpen {
			ids = append(ids, st.DeviceID)
		}
	}
	return ids
}

func (s *DeviceStore) Len() int {
	return len(s.Snapshot())
}

func (s *DeviceStore) slot(id string) *deviceSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.devices[id]
	if !ok {
		slot = &deviceSlot{state: entities.NewDeviceState(id)}
		s.devices[id] = slot
	}
	return slot
}

func (s *DeviceStore) slots() []*deviceSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*deviceSlot, 0, len(s.devices))
	for _, slot := range s.devices {
		out = append(out, slot)
	}
	return out
}

// drop removes a slot that never held a stored state. Caller holds slot.mu.
func (s *DeviceStore) drop(id string, slot *deviceSlot) {
	slot.removed = true
	s.mu.Lock()
	if s.devices[id] == slot {
		delete(s.devices, id)
	}
	s.mu.Unlock()
}

func (s *DeviceStore) check(id string, next entities.DeviceState) error {
	err := next.Check()
	if err == nil && next.DeviceID != id {
		err = fmt.Errorf("device state %s stored under %s", next.DeviceID, id)
	}
	if err == nil {
		return nil
	}
	if s.strict {
		panic(fmt.Sprintf("%v: %v", ErrInvariant, err))
	}
	s.logger.Error("discarding invalid device state", "device_id", id, "error", err)
	return fmt.Errorf("%w: %v", ErrInvariant, err)
}
