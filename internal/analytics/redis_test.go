package analytics

import (
	"testing"
	"time"
)

func TestBuildKeyNormalizesToUTC(t *testing.T) {
	// Half past midnight at UTC+2 is still the previous day in UTC, and
	// day buckets are keyed in UTC.
	at := time.Date(2026, 3, 5, 0, 30, 0, 0, time.FixedZone("EET", 2*3600))

	got := buildKey("post_workshop_followup", "succeeded", at)
	want := "sig:post_workshop_followup:succeeded:20260304"
	if got != want {
		t.Errorf("buildKey = %q, want %q", got, want)
	}
}
