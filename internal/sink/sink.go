// Package sink stores the transition log of the irrigation controller.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/taseebali/soilsimulator-iot/internal/model/messages"
)

// ErrNoReader is returned when no configured sink can answer queries.
var ErrNoReader = errors.New("no transition reader configured")

// TransitionSink appends one record per valve transition.
type TransitionSink interface {
	Record(ctx context.Context, t messages.Transition) error
}

// TransitionReader returns the most recent transitions, newest first, going
// back at most `since`.
type TransitionReader interface {
	Latest(ctx context.Context, limit int, since time.Duration) ([]messages.Transition, error)
}

// Multi fans a transition out to every sink. All sinks are tried; their
// errors are joined.
type Multi []TransitionSink

func (m Multi) Record(ctx context.Context, t messages.Transition) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every transition. Used when no sink is configured.
type Discard struct{}

func (Discard) Record(context.Context, messages.Transition) error { return nil }
