package circuit

import (
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBreakerAllowsUnderLimit(t *testing.T) {
	b := NewBreaker(5.0)
	b.SetNow(fixedClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)))

	allowed, _ := b.Evaluate(-40, 1000) // 4% loss, limit 5%
	if !allowed {
		t.Fatal("expected entries allowed under the limit")
	}
	if b.Tripped() {
		t.Fatal("breaker should not be tripped")
	}
}

func TestBreakerTripsOnDailyLoss(t *testing.T) {
	b := NewBreaker(5.0)
	b.SetNow(fixedClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)))

	tripped := 0
	b.OnTrip(func(string) { tripped++ })

	allowed, reason := b.Evaluate(-60, 1000) // 6% loss
	if allowed {
		t.Fatal("expected entries blocked")
	}
	if reason == "" {
		t.Fatal("expected a trip reason")
	}
	if tripped != 1 {
		t.Fatalf("OnTrip calls = %d, want 1", tripped)
	}

	// Recovery within the same day does not reset the switch.
	allowed, _ = b.Evaluate(10, 1000)
	if allowed {
		t.Fatal("switch must stay on for the rest of the UTC day")
	}
	if tripped != 1 {
		t.Fatalf("OnTrip calls after second evaluate = %d, want 1", tripped)
	}
}

func TestBreakerResetsNextUTCDay(t *testing.T) {
	b := NewBreaker(5.0)
	day1 := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	b.SetNow(fixedClock(day1))

	if allowed, _ := b.Evaluate(-100, 1000); allowed {
		t.Fatal("expected trip")
	}

	b.SetNow(fixedClock(day1.Add(2 * time.Hour))) // 01:00 next day
	if b.Tripped() {
		t.Fatal("switch should reset at UTC day rollover")
	}
	if allowed, _ := b.Evaluate(0, 1000); !allowed {
		t.Fatal("entries should be allowed on the new day")
	}
}

func TestBreakerRestore(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	b := NewBreaker(5.0)
	b.SetNow(fixedClock(now))
	today := utcDay(now)
	b.Restore(&today)
	if !b.Tripped() {
		t.Fatal("expected restored trip for today")
	}

	// A stale persisted day is discarded.
	b2 := NewBreaker(5.0)
	b2.SetNow(fixedClock(now))
	yesterday := today.AddDate(0, 0, -1)
	b2.Restore(&yesterday)
	if b2.Tripped() {
		t.Fatal("stale trip day must not re-arm the switch")
	}
}

func TestBreakerIgnoresZeroEquity(t *testing.T) {
	b := NewBreaker(5.0)
	b.SetNow(fixedClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)))
	if allowed, _ := b.Evaluate(-100, 0); !allowed {
		t.Fatal("zero equity must not trip the switch")
	}
}
