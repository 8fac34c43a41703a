package cron

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	p := NewParser()

	sched, err := p.Parse("0 3 * * *", "UTC")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	after := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	next := sched.Next(after)
	want := time.Date(2026, 8, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next(%s) = %s, want %s", after, next, want)
	}
}

func TestParseTimezone(t *testing.T) {
	p := NewParser()

	sched, err := p.Parse("0 3 * * *", "Europe/Warsaw")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// 03:00 in Warsaw during summer time is 01:00 UTC.
	after := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	next := sched.Next(after).UTC()
	want := time.Date(2026, 8, 2, 1, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next(%s) = %s, want %s", after, next, want)
	}
}

func TestParseErrors(t *testing.T) {
	p := NewParser()

	if _, err := p.Parse("not a cron", "UTC"); err == nil {
		t.Error("expected error for invalid expression")
	}
	if _, err := p.Parse("0 3 * * *", "Mars/Olympus"); err == nil {
		t.Error("expected error for unknown timezone")
	}
	// Six fields (with seconds) are not accepted.
	if _, err := p.Parse("0 0 3 * * *", "UTC"); err == nil {
		t.Error("expected error for six-field expression")
	}
}

func TestValidate(t *testing.T) {
	p := NewParser()

	if err := p.Validate("*/5 * * * *"); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if err := p.Validate("61 * * * *"); err == nil {
		t.Error("expected error for out-of-range minute")
	}
}
