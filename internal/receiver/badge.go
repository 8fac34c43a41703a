package receiver

import (
	"time"

	"github.com/carpentries/mailsched/internal/domain"
)

// BadgeAwardedPayload describes a badge freshly awarded to a person.
type BadgeAwardedPayload struct {
	AwardID     int64     `json:"award_id"`
	PersonID    int64     `json:"person_id"`
	PersonName  string    `json:"person_name"`
	PersonEmail string    `json:"person_email"`
	BadgeName   string    `json:"badge_name"`
	AwardedAt   time.Time `json:"awarded_at"`
}

// InstructorBadgeAwarded congratulates a new instructor one hour after the
// award, leaving room to undo an accidental one.
type InstructorBadgeAwarded struct {
	clock func() time.Time
}

func NewInstructorBadgeAwarded(clock func() time.Time) *InstructorBadgeAwarded {
	return &InstructorBadgeAwarded{clock: clock}
}

func (r *InstructorBadgeAwarded) ScheduledAt(payload any) time.Time {
	return r.clock().UTC().Add(undoWindow)
}

func (r *InstructorBadgeAwarded) Context(payload any) domain.Context {
	p, ok := payload.(BadgeAwardedPayload)
	if !ok {
		return domain.Context{}
	}
	return domain.Context{
		"award_id":     p.AwardID,
		"person_id":    p.PersonID,
		"person_name":  p.PersonName,
		"person_email": p.PersonEmail,
		"badge_name":   p.BadgeName,
		"awarded_at":   p.AwardedAt.UTC().Format("2006-01-02"),
	}
}

func (r *InstructorBadgeAwarded) Recipients(ctx domain.Context) []string {
	return contextEmails(ctx, "person_email")
}

func (r *InstructorBadgeAwarded) LinkedRecord(ctx domain.Context) domain.RecordRef {
	return contextRef(ctx, "award", "award_id")
}
