package engine

import (
	"time"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
)

// ExitParams are the exit-machine thresholds, all percentages of entry (or of
// the high-water mark for the trailing distance).
type ExitParams struct {
	StopLossPct         float64
	TakeProfitPct       float64
	BreakEvenArmPct     float64
	BreakEvenLockPct    float64
	TrailingArmPct      float64
	TrailingDistancePct float64
	TrailingEnabled     bool
}

// InitExit computes the initial stop and take-profit for a fresh position.
func InitExit(entry float64, p ExitParams) (stop, takeProfit float64) {
	stop = entry * (1 - p.StopLossPct/100)
	takeProfit = entry * (1 + p.TakeProfitPct/100)
	return stop, takeProfit
}

// ExitDecision is the outcome of one exit-machine evaluation.
type ExitDecision struct {
	State         string
	StopPrice     float64
	HighWaterMark float64
	StateChanged  bool
	StopMoved     bool
	Exit          bool
	Reason        string
}

// EvaluateExit advances one position through the exit state machine at the
// given price. States only move forward (ACTIVE → BE_ARMED → TRAILING) and
// the stop never decreases. Triggers are checked against the stop as it stood
// before this evaluation; when several fire at once the reason precedence is
// SL > TRAILING > TP. With TrailingEnabled off the TRAILING state is never
// armed, so the take-profit trigger fires instead of riding the trend.
func EvaluateExit(pos *database.Position, price float64, p ExitParams) ExitDecision {
	d := ExitDecision{
		State:         pos.State,
		StopPrice:     pos.StopPrice,
		HighWaterMark: pos.HighWaterMark,
	}
	if price <= 0 || pos.Quantity <= 0 {
		return d
	}

	if price <= pos.StopPrice {
		d.Exit = true
		if pos.State == database.PositionStateActive {
			d.Reason = database.CloseReasonStopLoss
		} else {
			d.Reason = database.CloseReasonTrailing
		}
		return d
	}
	if pos.TakeProfit > 0 && price >= pos.TakeProfit && pos.State != database.PositionStateTrailing {
		d.Exit = true
		d.Reason = database.CloseReasonTakeProfit
		return d
	}

	entry := pos.EntryPrice
	if price > d.HighWaterMark {
		d.HighWaterMark = price
	}

	switch d.State {
	case database.PositionStateActive:
		if price >= entry*(1+p.BreakEvenArmPct/100) {
			d.State = database.PositionStateBEArmed
			d.StateChanged = true
			if lock := entry * (1 + p.BreakEvenLockPct/100); lock > d.StopPrice {
				d.StopPrice = lock
			}
		}
		fallthrough
	case database.PositionStateBEArmed:
		if p.TrailingEnabled && price >= entry*(1+p.TrailingArmPct/100) {
			d.State = database.PositionStateTrailing
			d.StateChanged = true
		}
	}

	if d.State == database.PositionStateTrailing {
		if trail := d.HighWaterMark * (1 - p.TrailingDistancePct/100); trail > d.StopPrice {
			d.StopPrice = trail
		}
	}

	d.StopMoved = d.StopPrice > pos.StopPrice
	return d
}

// stopEventInterval and stopEventMovePct throttle STOP_UPDATED events: one
// per minute per position unless the stop moved at least 0.1%.
const (
	stopEventInterval = time.Minute
	stopEventMovePct  = 0.1
)

// stopEmitState tracks the last emitted stop event per position.
type stopEmitState struct {
	at    time.Time
	price float64
}

// shouldEmitStopUpdate decides whether a stop move is worth an event.
func shouldEmitStopUpdate(prev *stopEmitState, newStop float64, now time.Time) bool {
	if prev == nil || prev.price <= 0 {
		return true
	}
	if now.Sub(prev.at) >= stopEventInterval {
		return true
	}
	movePct := (newStop - prev.price) / prev.price * 100
	return movePct >= stopEventMovePct
}
