package sink

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taseebali/soilsimulator-iot/internal/model/messages"
)

// FakeSink records transitions in memory. It doubles as a TransitionReader.
type FakeSink struct {
	mu      sync.Mutex
	records []messages.Transition
	err     error
}

func (f *FakeSink) Record(_ context.Context, t messages.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, t)
	return nil
}

// SetError makes subsequent Record calls fail with err (nil restores success).
func (f *FakeSink) SetError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *FakeSink) Records() []messages.Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messages.Transition(nil), f.records...)
}

// Latest ignores `since`; the fake has no clock of its own.
func (f *FakeSink) Latest(_ context.Context, limit int, _ time.Duration) ([]messages.Transition, error) {
	out := f.Records()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
