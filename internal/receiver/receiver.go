// Package receiver holds one scheduling policy per signal. A receiver
// turns an event payload into a due time, a template context and a
// recipient list; it never touches storage or the queue itself.
//
// Payloads are self-contained snapshots. The host application resolves
// names, emails and dates before dispatching, so receivers stay pure
// functions of their input.
package receiver

import (
	"time"

	"github.com/carpentries/mailsched/internal/domain"
)

// undoWindow is the grace period between a triggering change and the
// earliest delivery, giving users time to revert a mistake.
const undoWindow = time.Hour

// followUpDelay is how long after a workshop ends the follow-up goes out.
const followUpDelay = 7 * 24 * time.Hour

// followUpHourUTC pins follow-up delivery to midday UTC.
const followUpHourUTC = 12

// approachingLead is how far before a training start the reminder goes out.
const approachingLead = 30 * 24 * time.Hour

// Contact is a name/address pair used in recipient lists.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func emails(contacts []Contact) []string {
	out := make([]string, 0, len(contacts))
	for _, c := range contacts {
		if c.Email != "" {
			out = append(out, c.Email)
		}
	}
	return out
}

func contextEmails(ctx domain.Context, key string) []string {
	v, ok := ctx[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}

func contextRef(ctx domain.Context, kind, key string) domain.RecordRef {
	id, ok := ctx[key].(int64)
	if !ok {
		return domain.RecordRef{}
	}
	return domain.RecordRef{Kind: kind, ID: id}
}
