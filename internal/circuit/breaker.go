// Package circuit holds the daily-loss kill switch: once the realized loss of
// the current UTC day crosses the configured percentage of equity, entries
// stop until the next UTC day. Exits keep running while the switch is on.
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

// Breaker trips on daily realized loss and auto-resets at the UTC day
// rollover. Safe for concurrent use.
type Breaker struct {
	mu         sync.Mutex
	limitPct   float64
	trippedDay *time.Time // UTC midnight of the day the switch tripped
	tripReason string
	onTrip     func(reason string)
	onReset    func()
	now        func() time.Time
	logger     zerolog.Logger
}

func NewBreaker(dailyLossLimitPct float64) *Breaker {
	return &Breaker{
		limitPct: dailyLossLimitPct,
		now:      time.Now,
		logger:   logging.Component("circuit"),
	}
}

// SetNow injects a deterministic clock.
func (b *Breaker) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// OnTrip registers a callback invoked once per trip, outside the lock.
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset registers a callback invoked once per day-rollover reset.
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// utcDay truncates t to UTC midnight.
func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Evaluate feeds the breaker today's realized P&L against current equity and
// reports whether entries are allowed. dailyPnL is negative for a loss.
func (b *Breaker) Evaluate(dailyPnL, equityEUR float64) (allowed bool, reason string) {
	b.mu.Lock()

	today := utcDay(b.now())
	b.resetIfNewDayLocked(today)

	if b.trippedDay != nil {
		reason := b.tripReason
		b.mu.Unlock()
		return false, reason
	}

	if equityEUR <= 0 || dailyPnL >= 0 {
		b.mu.Unlock()
		return true, ""
	}

	lossPct := -dailyPnL / equityEUR * 100
	if lossPct < b.limitPct {
		b.mu.Unlock()
		return true, ""
	}

	day := today
	b.trippedDay = &day
	b.tripReason = "daily loss limit reached"
	onTrip := b.onTrip
	reason = b.tripReason
	b.logger.Warn().
		Str("event", logging.EventDailyLossLimit).
		Float64("daily_pnl", dailyPnL).
		Float64("loss_pct", lossPct).
		Float64("limit_pct", b.limitPct).
		Msg("Kill switch tripped")
	b.mu.Unlock()

	if onTrip != nil {
		onTrip(reason)
	}
	return false, reason
}

// Tripped reports whether the switch is currently on, applying the day
// rollover first.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNewDayLocked(utcDay(b.now()))
	return b.trippedDay != nil
}

// TrippedDay returns the UTC day of the active trip, or nil. Used to persist
// the switch across restarts.
func (b *Breaker) TrippedDay() *time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNewDayLocked(utcDay(b.now()))
	if b.trippedDay == nil {
		return nil
	}
	day := *b.trippedDay
	return &day
}

// Restore re-arms a persisted trip. A day other than today is ignored.
func (b *Breaker) Restore(day *time.Time) {
	if day == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if utcDay(*day).Equal(utcDay(b.now())) {
		d := utcDay(*day)
		b.trippedDay = &d
		b.tripReason = "daily loss limit reached"
		b.logger.Warn().Time("day", d).Msg("Kill switch restored from persisted state")
	}
}

func (b *Breaker) resetIfNewDayLocked(today time.Time) {
	if b.trippedDay == nil || b.trippedDay.Equal(today) {
		return
	}
	b.trippedDay = nil
	b.tripReason = ""
	b.logger.Info().Msg("Kill switch reset at UTC day rollover")
	if b.onReset != nil {
		go b.onReset()
	}
}
