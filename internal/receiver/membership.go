package receiver

import (
	"time"

	"github.com/carpentries/mailsched/internal/domain"
)

// MembershipPayload is a snapshot of a new membership agreement.
type MembershipPayload struct {
	MembershipID   int64     `json:"membership_id"`
	MemberName     string    `json:"member_name"`
	AgreementStart time.Time `json:"agreement_start"`
	Contacts       []Contact `json:"contacts"`
}

// NewMembershipOnboarding welcomes a member thirty days before the
// agreement starts, but never sooner than the undo window allows.
type NewMembershipOnboarding struct {
	clock func() time.Time
}

func NewNewMembershipOnboarding(clock func() time.Time) *NewMembershipOnboarding {
	return &NewMembershipOnboarding{clock: clock}
}

func (r *NewMembershipOnboarding) ScheduledAt(payload any) time.Time {
	p, ok := payload.(MembershipPayload)
	if !ok {
		return time.Time{}
	}
	at := p.AgreementStart.UTC().Add(-approachingLead)
	if floor := r.clock().UTC().Add(undoWindow); at.Before(floor) {
		return floor
	}
	return at
}

func (r *NewMembershipOnboarding) Context(payload any) domain.Context {
	p, ok := payload.(MembershipPayload)
	if !ok {
		return domain.Context{}
	}
	return domain.Context{
		"membership_id":   p.MembershipID,
		"member_name":     p.MemberName,
		"agreement_start": p.AgreementStart.UTC().Format("2006-01-02"),
		"contact_emails":  emails(p.Contacts),
	}
}

func (r *NewMembershipOnboarding) Recipients(ctx domain.Context) []string {
	return contextEmails(ctx, "contact_emails")
}

func (r *NewMembershipOnboarding) LinkedRecord(ctx domain.Context) domain.RecordRef {
	return contextRef(ctx, "membership", "membership_id")
}
