package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
)

func testExitParams() ExitParams {
	return ExitParams{
		StopLossPct:         2.0,
		TakeProfitPct:       5.0,
		BreakEvenArmPct:     2.0,
		BreakEvenLockPct:    0.3,
		TrailingArmPct:      4.0,
		TrailingDistancePct: 2.0,
		TrailingEnabled:     true,
	}
}

func newTestPosition(entry float64, p ExitParams) *database.Position {
	stop, tp := InitExit(entry, p)
	return &database.Position{
		ID:            1,
		Pair:          "BTC/EUR",
		Venue:         "kraken",
		EntryPrice:    entry,
		Quantity:      1,
		State:         database.PositionStateActive,
		StopPrice:     stop,
		TakeProfit:    tp,
		HighWaterMark: entry,
	}
}

func applyDecision(pos *database.Position, d ExitDecision) {
	pos.State = d.State
	pos.StopPrice = d.StopPrice
	pos.HighWaterMark = d.HighWaterMark
}

func TestInitExit(t *testing.T) {
	stop, tp := InitExit(100, testExitParams())
	if !near(stop, 98.0) {
		t.Errorf("stop = %v, want 98.0", stop)
	}
	if !near(tp, 105.0) {
		t.Errorf("take profit = %v, want 105.0", tp)
	}
}

// Rise to 102 arms break-even, 104 starts trailing, high-water 108 lifts the
// stop to 105.84 and the fall back to 105.84 exits as TRAILING.
func TestExitMachineLifecycle(t *testing.T) {
	p := testExitParams()
	pos := newTestPosition(100, p)

	d := EvaluateExit(pos, 102, p)
	if d.Exit {
		t.Fatal("no exit expected at 102")
	}
	if d.State != database.PositionStateBEArmed {
		t.Fatalf("state = %s, want %s", d.State, database.PositionStateBEArmed)
	}
	if !near(d.StopPrice, 100.30) {
		t.Fatalf("stop = %v, want 100.30", d.StopPrice)
	}
	applyDecision(pos, d)

	d = EvaluateExit(pos, 104, p)
	if d.State != database.PositionStateTrailing {
		t.Fatalf("state = %s, want %s", d.State, database.PositionStateTrailing)
	}
	if !near(d.StopPrice, 101.92) {
		t.Fatalf("stop = %v, want 101.92", d.StopPrice)
	}
	applyDecision(pos, d)

	d = EvaluateExit(pos, 108, p)
	if d.Exit {
		t.Fatal("no exit expected at 108")
	}
	if !near(d.HighWaterMark, 108) {
		t.Fatalf("hwm = %v, want 108", d.HighWaterMark)
	}
	if !near(d.StopPrice, 105.84) {
		t.Fatalf("stop = %v, want 105.84", d.StopPrice)
	}
	applyDecision(pos, d)

	d = EvaluateExit(pos, 105.84, p)
	if !d.Exit {
		t.Fatal("expected exit at the trailing stop")
	}
	if d.Reason != database.CloseReasonTrailing {
		t.Fatalf("reason = %s, want %s", d.Reason, database.CloseReasonTrailing)
	}
}

func TestExitStopLossFromActive(t *testing.T) {
	p := testExitParams()
	pos := newTestPosition(100, p)

	d := EvaluateExit(pos, 97.5, p)
	if !d.Exit {
		t.Fatal("expected stop-loss exit")
	}
	if d.Reason != database.CloseReasonStopLoss {
		t.Fatalf("reason = %s, want %s", d.Reason, database.CloseReasonStopLoss)
	}
}

func TestExitTakeProfitBeforeTrailing(t *testing.T) {
	p := testExitParams()
	p.TrailingArmPct = 10.0 // trailing out of reach so TP can fire
	pos := newTestPosition(100, p)

	d := EvaluateExit(pos, 105.5, p)
	if !d.Exit {
		t.Fatal("expected take-profit exit")
	}
	if d.Reason != database.CloseReasonTakeProfit {
		t.Fatalf("reason = %s, want %s", d.Reason, database.CloseReasonTakeProfit)
	}
}

// With trailing disabled the machine stops at BE_ARMED and the take-profit
// trigger fires instead of riding the trend.
func TestExitTrailingDisabledTakeProfitFires(t *testing.T) {
	p := testExitParams()
	p.TrailingEnabled = false
	pos := newTestPosition(100, p)

	d := EvaluateExit(pos, 102, p)
	if d.State != database.PositionStateBEArmed {
		t.Fatalf("state = %s, want %s", d.State, database.PositionStateBEArmed)
	}
	applyDecision(pos, d)

	// Past the trailing arm threshold, but the state must stay put.
	d = EvaluateExit(pos, 104, p)
	if d.Exit {
		t.Fatalf("unexpected exit at 104 (%s)", d.Reason)
	}
	if d.State != database.PositionStateBEArmed {
		t.Fatalf("state = %s, trailing must not arm when disabled", d.State)
	}
	applyDecision(pos, d)

	d = EvaluateExit(pos, 105.5, p)
	if !d.Exit {
		t.Fatal("expected take-profit exit")
	}
	if d.Reason != database.CloseReasonTakeProfit {
		t.Fatalf("reason = %s, want %s", d.Reason, database.CloseReasonTakeProfit)
	}
}

func TestExitTrailingRidesPastTakeProfit(t *testing.T) {
	p := testExitParams()
	pos := newTestPosition(100, p)

	for _, price := range []float64{102, 104, 106} {
		d := EvaluateExit(pos, price, p)
		if d.Exit {
			t.Fatalf("unexpected exit at %v (%s)", price, d.Reason)
		}
		applyDecision(pos, d)
	}
	if pos.State != database.PositionStateTrailing {
		t.Fatalf("state = %s, want trailing above the arm threshold", pos.State)
	}
}

// The stop must never decrease across any price path.
func TestExitStopMonotonic(t *testing.T) {
	p := testExitParams()
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 50; run++ {
		pos := newTestPosition(100, p)
		price := 100.0
		lastStop := pos.StopPrice
		for step := 0; step < 200; step++ {
			price *= 1 + (rng.Float64()-0.5)*0.02
			d := EvaluateExit(pos, price, p)
			if d.StopPrice < lastStop-1e-9 {
				t.Fatalf("run %d step %d: stop decreased %v -> %v", run, step, lastStop, d.StopPrice)
			}
			lastStop = d.StopPrice
			if d.Exit {
				break
			}
			applyDecision(pos, d)
		}
	}
}

func TestStopUpdateThrottle(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	if !shouldEmitStopUpdate(nil, 100, now) {
		t.Fatal("first update must emit")
	}
	prev := &stopEmitState{at: now, price: 100}
	if shouldEmitStopUpdate(prev, 100.05, now.Add(10*time.Second)) {
		t.Fatal("0.05% move within a minute must be suppressed")
	}
	if !shouldEmitStopUpdate(prev, 100.2, now.Add(10*time.Second)) {
		t.Fatal("0.2% move must emit regardless of interval")
	}
	if !shouldEmitStopUpdate(prev, 100.05, now.Add(2*time.Minute)) {
		t.Fatal("small move after the interval must emit")
	}
}

func near(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-6
}
