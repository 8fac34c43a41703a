// Package dispatch is the inbound edge of the notification engine. Domain
// code calls Engine.Notify with an event type, a payload, and the strategy
// computed for it; the engine resolves the strategy to a signal, invokes
// the receivers registered for that signal, and reports what happened as
// an explicit outcome instead of control-flow exceptions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carpentries/mailsched/internal/domain"
)

// ErrUnknownStrategy means an event type has no mapping configured for the
// requested strategy. This is a programming/configuration defect, not a
// runtime condition to recover from.
var ErrUnknownStrategy = errors.New("strategy not configured for event type")

// ErrUnknownEventType means Notify was called with an event type that was
// never registered.
var ErrUnknownEventType = errors.New("unknown event type")

// Receiver computes the scheduling decision for one signal. Implementations
// are registered in order and invoked in order.
type Receiver interface {
	// ScheduledAt is deterministic given the payload. A time in the past is
	// legal and means "immediately due".
	ScheduledAt(payload any) time.Time
	// Context assembles the named values the template renders against.
	Context(payload any) domain.Context
	// Recipients may return an empty list; that is a reportable outcome,
	// not an error.
	Recipients(ctx domain.Context) []string
	// LinkedRecord identifies the domain record for cancel-on-edit
	// semantics. A zero RecordRef means no link.
	LinkedRecord(ctx domain.Context) domain.RecordRef
}

// Binding maps each strategy of one domain event type to the signal it
// emits. A strategy absent from the map is unconfigured; StrategyNoop
// should be mapped to the empty signal to mean "deliberately nothing".
type Binding map[domain.Strategy]string

// Resolve picks the signal for a strategy. The empty string with a nil
// error means "do nothing".
func (b Binding) Resolve(strategy domain.Strategy) (string, error) {
	signal, ok := b[strategy]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
	return signal, nil
}

// Gate short-circuits the pipeline at the receiver boundary.
type Gate interface {
	Enabled(ctx context.Context) bool
}

// Scheduler is the slice of the controller the engine drives.
type Scheduler interface {
	Schedule(ctx context.Context, signal string, c domain.Context, scheduledAt time.Time, to []string, linked domain.RecordRef) (domain.ScheduledTask, error)
	Update(ctx context.Context, signal string, linked domain.RecordRef, c domain.Context, scheduledAt time.Time, to []string) (domain.ScheduledTask, error)
	CancelByRecord(ctx context.Context, signal string, linked domain.RecordRef) (int, error)
}

// Result tells the initiating caller what the pipeline did. Notices are
// transient human-readable messages for the initiating user.
type Result struct {
	Outcome domain.Outcome
	Notices []string
	TaskIDs []string
}
