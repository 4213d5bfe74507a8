package markup

import (
	"context"
	"math"
	"testing"
)

func TestMarkupFallsBackUntilMinSamples(t *testing.T) {
	tr := NewTracker(0.25, nil)
	ctx := context.Background()

	if got := tr.MarkupPct("kraken", "BTC/EUR"); got != 0.25 {
		t.Fatalf("markup with no samples = %v, want default 0.25", got)
	}

	tr.Observe(ctx, "kraken", "BTC/EUR", 100.9, 100) // 0.9%
	tr.Observe(ctx, "kraken", "BTC/EUR", 100.9, 100)
	if got := tr.MarkupPct("kraken", "BTC/EUR"); got != 0.25 {
		t.Errorf("markup with 2 samples = %v, want default until %d", got, MinSamples)
	}

	tr.Observe(ctx, "kraken", "BTC/EUR", 100.9, 100)
	if got := tr.MarkupPct("kraken", "BTC/EUR"); math.Abs(got-0.9) > 1e-9 {
		t.Errorf("markup with 3 samples = %v, want learned 0.9", got)
	}
}

func TestMarkupEMAWeighting(t *testing.T) {
	tr := NewTracker(0.25, nil)
	ctx := context.Background()

	// Slippages 1%, 2%, 3%: EMA = 1, then 1.3, then 1.81.
	tr.Observe(ctx, "kraken", "ETH/EUR", 101, 100)
	tr.Observe(ctx, "kraken", "ETH/EUR", 102, 100)
	tr.Observe(ctx, "kraken", "ETH/EUR", 103, 100)

	if got := tr.MarkupPct("kraken", "ETH/EUR"); math.Abs(got-1.81) > 1e-9 {
		t.Errorf("EMA markup = %v, want 1.81", got)
	}
}

func TestMarkupClamps(t *testing.T) {
	tr := NewTracker(0.25, nil)
	ctx := context.Background()

	// Fills consistently better than mid: raw EMA is negative.
	for i := 0; i < 4; i++ {
		tr.Observe(ctx, "kraken", "SOL/EUR", 99.5, 100)
	}
	if got := tr.MarkupPct("kraken", "SOL/EUR"); got != MinPct {
		t.Errorf("negative slippage markup = %v, want clamp to %v", got, MinPct)
	}

	// Wildly bad fills clamp at the ceiling.
	for i := 0; i < 4; i++ {
		tr.Observe(ctx, "kraken", "DOGE/EUR", 110, 100)
	}
	if got := tr.MarkupPct("kraken", "DOGE/EUR"); got != MaxPct {
		t.Errorf("extreme slippage markup = %v, want clamp to %v", got, MaxPct)
	}
}

func TestMarkupStatesAreIndependent(t *testing.T) {
	tr := NewTracker(0.25, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr.Observe(ctx, "kraken", "BTC/EUR", 101, 100)
		tr.Observe(ctx, "revolutx", "BTC/EUR", 102, 100)
	}

	if k, r := tr.MarkupPct("kraken", "BTC/EUR"), tr.MarkupPct("revolutx", "BTC/EUR"); k == r {
		t.Errorf("venue states should differ: kraken=%v revolutx=%v", k, r)
	}

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Errorf("snapshot has %d states, want 2", len(snap))
	}
	if st := snap["kraken|BTC/EUR"]; st.Samples != 3 {
		t.Errorf("kraken samples = %d, want 3", st.Samples)
	}
}

func TestMarkupIgnoresBadInputs(t *testing.T) {
	tr := NewTracker(0.25, nil)
	ctx := context.Background()

	tr.Observe(ctx, "kraken", "BTC/EUR", 0, 100)
	tr.Observe(ctx, "kraken", "BTC/EUR", 100, 0)

	if got := tr.Snapshot(); len(got) != 0 {
		t.Errorf("bad observations should be dropped, got %d states", len(got))
	}
}
