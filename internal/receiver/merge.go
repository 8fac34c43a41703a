package receiver

import (
	"time"

	"github.com/carpentries/mailsched/internal/domain"
)

// PersonsMergedPayload describes two person records merged into one. Only
// the surviving record is referenced; the other no longer exists.
type PersonsMergedPayload struct {
	PersonID    int64  `json:"person_id"`
	PersonName  string `json:"person_name"`
	PersonEmail string `json:"person_email"`
}

// PersonsMerged notifies the surviving person an hour after the merge.
type PersonsMerged struct {
	clock func() time.Time
}

func NewPersonsMerged(clock func() time.Time) *PersonsMerged {
	return &PersonsMerged{clock: clock}
}

func (r *PersonsMerged) ScheduledAt(payload any) time.Time {
	return r.clock().UTC().Add(undoWindow)
}

func (r *PersonsMerged) Context(payload any) domain.Context {
	p, ok := payload.(PersonsMergedPayload)
	if !ok {
		return domain.Context{}
	}
	return domain.Context{
		"person_id":    p.PersonID,
		"person_name":  p.PersonName,
		"person_email": p.PersonEmail,
	}
}

func (r *PersonsMerged) Recipients(ctx domain.Context) []string {
	return contextEmails(ctx, "person_email")
}

func (r *PersonsMerged) LinkedRecord(ctx domain.Context) domain.RecordRef {
	return contextRef(ctx, "person", "person_id")
}
