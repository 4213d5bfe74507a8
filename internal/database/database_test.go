package database

import (
	"testing"
	"time"
)

func TestLockKeyDeterministic(t *testing.T) {
	a := LockKey("prod", "abc123")
	b := LockKey("prod", "abc123")
	if a != b {
		t.Errorf("same parts produced different keys: %d vs %d", a, b)
	}
}

func TestLockKeyDiffersByPart(t *testing.T) {
	base := LockKey("prod", "abc123")
	cases := map[string]int64{
		"different env":   LockKey("staging", "abc123"),
		"different token": LockKey("prod", "def456"),
		"joined parts":    LockKey("prodabc", "123"),
	}
	for name, key := range cases {
		if key == base {
			t.Errorf("%s collided with base key %d", name, base)
		}
	}
}

func TestPositionOpen(t *testing.T) {
	pos := &Position{Pair: "BTC/EUR", Venue: "kraken"}
	if !pos.Open() {
		t.Error("position without closed_at should be open")
	}

	now := time.Now()
	pos.ClosedAt = &now
	if pos.Open() {
		t.Error("position with closed_at should not be open")
	}
}

func TestPositionValueAt(t *testing.T) {
	pos := &Position{Quantity: 0.5}
	if got := pos.ValueAt(40000); got != 20000 {
		t.Errorf("ValueAt = %v, want 20000", got)
	}
}
