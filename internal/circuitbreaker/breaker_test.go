package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/carpentries/mailsched/internal/testutil"
)

const endpoint = "https://gateway.example.org/send"

func TestAllowsUnknownEndpoint(t *testing.T) {
	cb := New(3, time.Minute)
	if err := cb.Allow(endpoint); err != nil {
		t.Errorf("Allow = %v, want nil for fresh endpoint", err)
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	cb := New(3, time.Minute)

	cb.RecordFailure(endpoint)
	cb.RecordFailure(endpoint)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("Allow = %v, want nil below threshold", err)
	}

	cb.RecordFailure(endpoint)
	if err := cb.Allow(endpoint); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow = %v, want ErrCircuitOpen at threshold", err)
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	cb := New(2, time.Minute)

	cb.RecordFailure(endpoint)
	cb.RecordSuccess(endpoint)
	cb.RecordFailure(endpoint)

	if err := cb.Allow(endpoint); err != nil {
		t.Errorf("Allow = %v, a success must reset the failure streak", err)
	}
}

func TestHalfOpenProbeAfterCooldown(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := New(1, time.Minute).WithClock(clock.Now)

	cb.RecordFailure(endpoint)
	if err := cb.Allow(endpoint); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow = %v, want open", err)
	}

	clock.Advance(time.Minute)

	// One probe goes through; a second concurrent call is still refused.
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("probe Allow = %v, want nil after cooldown", err)
	}
	if err := cb.Allow(endpoint); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second Allow = %v, want ErrCircuitOpen while half-open", err)
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := New(1, time.Minute).WithClock(clock.Now)

	cb.RecordFailure(endpoint)
	clock.Advance(time.Minute)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("probe Allow = %v", err)
	}
	cb.RecordSuccess(endpoint)

	if err := cb.Allow(endpoint); err != nil {
		t.Errorf("Allow = %v, want nil after probe success", err)
	}
}

func TestProbeFailureReopens(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := New(1, time.Minute).WithClock(clock.Now)

	cb.RecordFailure(endpoint)
	clock.Advance(time.Minute)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("probe Allow = %v", err)
	}
	cb.RecordFailure(endpoint)

	if err := cb.Allow(endpoint); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow = %v, want ErrCircuitOpen after failed probe", err)
	}
}

func TestEndpointsAreIndependent(t *testing.T) {
	cb := New(1, time.Minute)

	cb.RecordFailure(endpoint)
	if err := cb.Allow("https://other.example.org"); err != nil {
		t.Errorf("Allow(other) = %v, endpoints must not share state", err)
	}
}
