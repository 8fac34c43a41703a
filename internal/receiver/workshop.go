package receiver

import (
	"time"

	"github.com/carpentries/mailsched/internal/domain"
)

// WorkshopPayload is a snapshot of a workshop event and its staffing.
type WorkshopPayload struct {
	EventID     int64     `json:"event_id"`
	Slug        string    `json:"slug"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	HostName    string    `json:"host_name"`
	Instructors []Contact `json:"instructors"`
	Helpers     []Contact `json:"helpers"`
}

// PostWorkshopFollowUp thanks instructors and helpers a week after the
// workshop ends, at midday UTC.
type PostWorkshopFollowUp struct{}

func NewPostWorkshopFollowUp() *PostWorkshopFollowUp {
	return &PostWorkshopFollowUp{}
}

func (r *PostWorkshopFollowUp) ScheduledAt(payload any) time.Time {
	p, ok := payload.(WorkshopPayload)
	if !ok {
		return time.Time{}
	}
	due := p.End.UTC().Add(followUpDelay)
	return time.Date(due.Year(), due.Month(), due.Day(), followUpHourUTC, 0, 0, 0, time.UTC)
}

func (r *PostWorkshopFollowUp) Context(payload any) domain.Context {
	p, ok := payload.(WorkshopPayload)
	if !ok {
		return domain.Context{}
	}
	return workshopContext(p)
}

func (r *PostWorkshopFollowUp) Recipients(ctx domain.Context) []string {
	to := contextEmails(ctx, "instructor_emails")
	return append(to, contextEmails(ctx, "helper_emails")...)
}

func (r *PostWorkshopFollowUp) LinkedRecord(ctx domain.Context) domain.RecordRef {
	return contextRef(ctx, "event", "event_id")
}

// TrainingApproaching reminds instructors thirty days before a training
// starts. For trainings created closer than that, the due time lands in
// the past and the reminder goes out on the next promotion tick.
type TrainingApproaching struct{}

func NewTrainingApproaching() *TrainingApproaching {
	return &TrainingApproaching{}
}

func (r *TrainingApproaching) ScheduledAt(payload any) time.Time {
	p, ok := payload.(WorkshopPayload)
	if !ok {
		return time.Time{}
	}
	return p.Start.UTC().Add(-approachingLead)
}

func (r *TrainingApproaching) Context(payload any) domain.Context {
	p, ok := payload.(WorkshopPayload)
	if !ok {
		return domain.Context{}
	}
	return workshopContext(p)
}

func (r *TrainingApproaching) Recipients(ctx domain.Context) []string {
	return contextEmails(ctx, "instructor_emails")
}

func (r *TrainingApproaching) LinkedRecord(ctx domain.Context) domain.RecordRef {
	return contextRef(ctx, "event", "event_id")
}

func workshopContext(p WorkshopPayload) domain.Context {
	names := make([]string, 0, len(p.Instructors))
	for _, c := range p.Instructors {
		names = append(names, c.Name)
	}
	return domain.Context{
		"event_id":          p.EventID,
		"event_slug":        p.Slug,
		"event_start":       p.Start.UTC().Format("2006-01-02"),
		"event_end":         p.End.UTC().Format("2006-01-02"),
		"host_name":         p.HostName,
		"instructor_names":  names,
		"instructor_emails": emails(p.Instructors),
		"helper_emails":     emails(p.Helpers),
	}
}
