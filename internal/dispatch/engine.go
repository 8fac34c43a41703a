package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/carpentries/mailsched/internal/controller"
	"github.com/carpentries/mailsched/internal/domain"
	"github.com/carpentries/mailsched/internal/render"
)

// Engine owns the event-type bindings and the signal -> receivers
// registry. Both are filled at wiring time and read-only afterwards;
// nothing registers implicitly at import time.
type Engine struct {
	bindings  map[string]Binding
	receivers map[string][]Receiver

	gate      Gate
	scheduler Scheduler
}

func NewEngine(gate Gate, scheduler Scheduler) *Engine {
	return &Engine{
		bindings:  make(map[string]Binding),
		receivers: make(map[string][]Receiver),
		gate:      gate,
		scheduler: scheduler,
	}
}

// BindEvent configures the strategy -> signal mapping for an event type.
func (e *Engine) BindEvent(eventType string, binding Binding) *Engine {
	e.bindings[eventType] = binding
	return e
}

// Register appends a receiver to the ordered list for a signal.
func (e *Engine) Register(signal string, r Receiver) *Engine {
	e.receivers[signal] = append(e.receivers[signal], r)
	return e
}

// Notify is the only call domain code makes into this subsystem.
// Expected conditions (gate disabled, no-op strategy, missing recipients or
// template) come back in the Result; only configuration defects return an
// error.
func (e *Engine) Notify(ctx context.Context, eventType string, payload any, strategy domain.Strategy) (Result, error) {
	binding, ok := e.bindings[eventType]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	signal, err := binding.Resolve(strategy)
	if err != nil {
		return Result{}, err
	}
	if signal == "" {
		return Result{Outcome: domain.OutcomeSkipped}, nil
	}

	result := Result{Outcome: domain.OutcomeSkipped}
	for _, r := range e.receivers[signal] {
		if !e.gate.Enabled(ctx) {
			log.Printf("dispatch: feature gate disabled, skipping signal=%s", signal)
			continue
		}
		e.invoke(ctx, signal, r, payload, strategy, &result)
	}
	return result, nil
}

func (e *Engine) invoke(ctx context.Context, signal string, r Receiver, payload any, strategy domain.Strategy, result *Result) {
	c := r.Context(payload)
	linked := r.LinkedRecord(c)

	switch strategy {
	case domain.StrategyCreate:
		task, err := e.scheduler.Schedule(ctx, signal, c, r.ScheduledAt(payload), r.Recipients(c), linked)
		e.record(signal, task, err, domain.OutcomeScheduled, result)

	case domain.StrategyUpdate:
		task, err := e.scheduler.Update(ctx, signal, linked, c, r.ScheduledAt(payload), r.Recipients(c))
		e.record(signal, task, err, domain.OutcomeUpdated, result)

	case domain.StrategyRemove:
		n, err := e.scheduler.CancelByRecord(ctx, signal, linked)
		if err != nil {
			log.Printf("dispatch: cancel signal=%s: %v", signal, err)
			result.warn(fmt.Sprintf("Pending notifications for %s were not cancelled: %v.", signal, err))
			return
		}
		if n > 0 {
			result.succeed(domain.OutcomeCancelled,
				fmt.Sprintf("Cancelled %d pending notification(s) for %s.", n, signal))
		}
	}
}

// record classifies a schedule/update error into a notice. Recoverable
// conditions become warnings; anything else is logged and warned too, since
// the initiating request is the only place left to report it.
func (e *Engine) record(signal string, task domain.ScheduledTask, err error, ok domain.Outcome, result *Result) {
	var tplErr *render.TemplateError
	switch {
	case err == nil:
		result.TaskIDs = append(result.TaskIDs, task.ID.String())
		result.succeed(ok, fmt.Sprintf("Notification for %s scheduled to run at %s.",
			signal, task.ScheduledAt.UTC().Format(time.RFC3339)))
	case errors.Is(err, controller.ErrMissingRecipients):
		result.warn(fmt.Sprintf("Notification for %s was not scheduled: no recipients."+
			" Check that the persons involved have email addresses set.", signal))
	case errors.Is(err, render.ErrTemplateNotFound):
		result.warn(fmt.Sprintf("Notification for %s was not scheduled: no active template.", signal))
	case errors.As(err, &tplErr):
		result.warn(fmt.Sprintf("Notification for %s was not scheduled: %v.", signal, err))
	case errors.Is(err, controller.ErrTaskNotFound):
		log.Printf("dispatch: no pending task to update for signal=%s", signal)
	default:
		log.Printf("dispatch: signal=%s: %v", signal, err)
		result.warn(fmt.Sprintf("Notification for %s failed: %v.", signal, err))
	}
}

func (r *Result) warn(notice string) {
	r.Outcome = domain.OutcomeWarned
	r.Notices = append(r.Notices, notice)
}

func (r *Result) succeed(outcome domain.Outcome, notice string) {
	// A warning from an earlier receiver keeps precedence.
	if r.Outcome != domain.OutcomeWarned {
		r.Outcome = outcome
	}
	r.Notices = append(r.Notices, notice)
}
