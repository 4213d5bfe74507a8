package engine

import (
	"fmt"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
)

// Sizing is the computed order size with the numbers that produced it, kept
// for the diagnostics ring.
type Sizing struct {
	Quantity       float64
	EffectivePrice float64
	NotionalEUR    float64
	RiskBudgetEUR  float64
	Rejected       bool
	Reason         string
}

// sizeEntry converts a risk budget into a base quantity. The entry estimate is
// padded by the tracked execution markup so the budget reflects what the
// order will actually cost; the result is floored to the venue quantity step,
// capped by the free balance and rejected below the venue minimums.
func sizeEntry(freeQuote, riskPerTradePct, stopLossPct, entryEstimate, markupPct, sizeFactor float64, spec exchange.PairSpec) Sizing {
	s := Sizing{}
	if entryEstimate <= 0 || stopLossPct <= 0 {
		s.Rejected = true
		s.Reason = "no price estimate"
		return s
	}

	s.EffectivePrice = entryEstimate * (1 + markupPct/100)
	s.RiskBudgetEUR = freeQuote * riskPerTradePct / 100
	if sizeFactor > 0 {
		s.RiskBudgetEUR *= sizeFactor
	}
	if s.RiskBudgetEUR <= 0 {
		s.Rejected = true
		s.Reason = "no free balance"
		return s
	}

	rawQty := s.RiskBudgetEUR / (s.EffectivePrice * stopLossPct / 100)
	qty := exchange.FloorToStep(rawQty, spec.QtyStep)

	// Cap by what the balance can actually buy, then re-floor.
	if cost := qty * s.EffectivePrice; cost > freeQuote {
		qty = exchange.FloorToStep(freeQuote/s.EffectivePrice, spec.QtyStep)
	}

	if qty < spec.MinQty {
		s.Rejected = true
		s.Reason = fmt.Sprintf("qty %.8f below venue minimum %.8f", qty, spec.MinQty)
		return s
	}
	notional := qty * s.EffectivePrice
	if notional < spec.MinNotional {
		s.Rejected = true
		s.Reason = fmt.Sprintf("notional %.2f below venue minimum %.2f", notional, spec.MinNotional)
		return s
	}

	s.Quantity = qty
	s.NotionalEUR = notional
	return s
}
