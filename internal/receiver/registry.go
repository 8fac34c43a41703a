package receiver

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/carpentries/mailsched/internal/dispatch"
	"github.com/carpentries/mailsched/internal/domain"
)

// Event type names accepted by the intake endpoint. Each maps onto one
// signal through the bindings installed below.
const (
	EventBadgeAwarded      = "badge_awarded"
	EventPersonsMerged     = "persons_merged"
	EventWorkshop          = "workshop"
	EventTraining          = "training"
	EventMembership        = "membership"
	EventTrainingCompleted = "training_completed"
)

// Install wires every known event type and receiver into the engine.
// The clock is injected so tests can pin scheduling decisions in time.
func Install(e *dispatch.Engine, clock func() time.Time) {
	e.BindEvent(EventBadgeAwarded, dispatch.Binding{
		domain.StrategyCreate: domain.SignalInstructorBadgeAwarded,
		domain.StrategyUpdate: domain.SignalInstructorBadgeAwarded,
		domain.StrategyRemove: domain.SignalInstructorBadgeAwarded,
		domain.StrategyNoop:   "",
	})
	e.BindEvent(EventPersonsMerged, dispatch.Binding{
		domain.StrategyCreate: domain.SignalPersonsMerged,
		domain.StrategyNoop:   "",
	})
	e.BindEvent(EventWorkshop, dispatch.Binding{
		domain.StrategyCreate: domain.SignalPostWorkshopFollowUp,
		domain.StrategyUpdate: domain.SignalPostWorkshopFollowUp,
		domain.StrategyRemove: domain.SignalPostWorkshopFollowUp,
		domain.StrategyNoop:   "",
	})
	e.BindEvent(EventTraining, dispatch.Binding{
		domain.StrategyCreate: domain.SignalTrainingApproaching,
		domain.StrategyUpdate: domain.SignalTrainingApproaching,
		domain.StrategyRemove: domain.SignalTrainingApproaching,
		domain.StrategyNoop:   "",
	})
	e.BindEvent(EventMembership, dispatch.Binding{
		domain.StrategyCreate: domain.SignalNewMembershipOnboarding,
		domain.StrategyUpdate: domain.SignalNewMembershipOnboarding,
		domain.StrategyRemove: domain.SignalNewMembershipOnboarding,
		domain.StrategyNoop:   "",
	})
	e.BindEvent(EventTrainingCompleted, dispatch.Binding{
		domain.StrategyCreate: domain.SignalTrainingCompletedNotBadged,
		domain.StrategyUpdate: domain.SignalTrainingCompletedNotBadged,
		domain.StrategyRemove: domain.SignalTrainingCompletedNotBadged,
		domain.StrategyNoop:   "",
	})

	e.Register(domain.SignalInstructorBadgeAwarded, NewInstructorBadgeAwarded(clock))
	e.Register(domain.SignalPersonsMerged, NewPersonsMerged(clock))
	e.Register(domain.SignalPostWorkshopFollowUp, NewPostWorkshopFollowUp())
	e.Register(domain.SignalTrainingApproaching, NewTrainingApproaching())
	e.Register(domain.SignalNewMembershipOnboarding, NewNewMembershipOnboarding(clock))
	e.Register(domain.SignalTrainingCompletedNotBadged, NewTrainingCompletedNotBadged())
}

// DecodePayload turns the raw JSON payload of an intake request into the
// typed payload the receivers for that event type expect.
func DecodePayload(eventType string, data []byte) (any, error) {
	var payload any
	var err error
	switch eventType {
	case EventBadgeAwarded:
		var p BadgeAwardedPayload
		err = json.Unmarshal(data, &p)
		payload = p
	case EventPersonsMerged:
		var p PersonsMergedPayload
		err = json.Unmarshal(data, &p)
		payload = p
	case EventWorkshop, EventTraining:
		var p WorkshopPayload
		err = json.Unmarshal(data, &p)
		payload = p
	case EventMembership:
		var p MembershipPayload
		err = json.Unmarshal(data, &p)
		payload = p
	case EventTrainingCompleted:
		var p TrainingCompletedPayload
		err = json.Unmarshal(data, &p)
		payload = p
	default:
		return nil, fmt.Errorf("%w: %s", dispatch.ErrUnknownEventType, eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return payload, nil
}
