package receiver

import (
	"time"

	"github.com/carpentries/mailsched/internal/domain"
)

// TrainingCompletedPayload describes a trainee who passed training but has
// no instructor badge yet. RemindAt is chosen by the trainer.
type TrainingCompletedPayload struct {
	PersonID    int64     `json:"person_id"`
	PersonName  string    `json:"person_name"`
	PersonEmail string    `json:"person_email"`
	CompletedAt time.Time `json:"completed_at"`
	RemindAt    time.Time `json:"remind_at"`
}

// TrainingCompletedNotBadged nudges a trainee to finish certification at a
// trainer-chosen date.
type TrainingCompletedNotBadged struct{}

func NewTrainingCompletedNotBadged() *TrainingCompletedNotBadged {
	return &TrainingCompletedNotBadged{}
}

func (r *TrainingCompletedNotBadged) ScheduledAt(payload any) time.Time {
	p, ok := payload.(TrainingCompletedPayload)
	if !ok {
		return time.Time{}
	}
	return p.RemindAt.UTC()
}

func (r *TrainingCompletedNotBadged) Context(payload any) domain.Context {
	p, ok := payload.(TrainingCompletedPayload)
	if !ok {
		return domain.Context{}
	}
	return domain.Context{
		"person_id":    p.PersonID,
		"person_name":  p.PersonName,
		"person_email": p.PersonEmail,
		"completed_at": p.CompletedAt.UTC().Format("2006-01-02"),
	}
}

func (r *TrainingCompletedNotBadged) Recipients(ctx domain.Context) []string {
	return contextEmails(ctx, "person_email")
}

func (r *TrainingCompletedNotBadged) LinkedRecord(ctx domain.Context) domain.RecordRef {
	return contextRef(ctx, "person", "person_id")
}
