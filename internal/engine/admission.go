package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
)

// smartGuardConfMargin and smartGuardMaxAdds bound SMART_GUARD scale-ins: a
// new signal must beat the position's entry confidence by the margin, and a
// position takes at most this many adds.
const (
	smartGuardConfMargin = 10.0
	smartGuardMaxAdds    = 2
)

// Admission is the verdict of the pre-sizing entry checks.
type Admission struct {
	Allowed     bool
	Reason      string
	CooldownSec int
	ScaleIn     bool
	Position    *database.Position
}

// admitEntry applies the entry gates that do not depend on order size:
// re-entry cooldown, pending-BUY uniqueness and the position mode.
func (e *Engine) admitEntry(ctx context.Context, pair string, confidence float64, positions []*database.Position) Admission {
	t := e.cfg.TradingConfig

	if cooldown := time.Duration(t.CooldownSec) * time.Second; cooldown > 0 {
		last, err := e.store.GetLastTerminalOrderTime(ctx, pair, e.venue)
		if err != nil {
			return Admission{Reason: fmt.Sprintf("cooldown check failed: %v", err)}
		}
		if last != nil {
			if elapsed := e.now().Sub(*last); elapsed < cooldown {
				remaining := int((cooldown - elapsed).Seconds())
				return Admission{
					Reason:      "cooldown active",
					CooldownSec: remaining,
				}
			}
		}
	}

	pending, err := e.store.HasPendingBuy(ctx, pair, e.venue)
	if err != nil {
		return Admission{Reason: fmt.Sprintf("pending-order check failed: %v", err)}
	}
	if pending {
		return Admission{Reason: "pending buy already open"}
	}

	var open *database.Position
	for _, pos := range positions {
		if pos.Pair == pair && pos.Venue == e.venue {
			open = pos
			break
		}
	}
	if open == nil {
		return Admission{Allowed: true}
	}

	if t.PositionMode != "SMART_GUARD" {
		return Admission{Reason: "position already open"}
	}
	if open.ScaleIns >= smartGuardMaxAdds {
		return Admission{Reason: fmt.Sprintf("scale-in limit reached (%d)", smartGuardMaxAdds)}
	}
	e.mu.RLock()
	entryConf, known := e.entryConf[open.ID]
	e.mu.RUnlock()
	if !known {
		// Entry confidence is not persisted; after a restart require the
		// margin over the configured threshold instead.
		entryConf = t.MinConfidence
	}
	if confidence < entryConf+smartGuardConfMargin {
		return Admission{Reason: fmt.Sprintf("confidence %.0f below scale-in bar %.0f", confidence, entryConf+smartGuardConfMargin)}
	}
	return Admission{Allowed: true, ScaleIn: true, Position: open}
}

// checkExposure verifies the sized notional against the per-pair and total
// exposure caps, both as percentages of equity.
func (e *Engine) checkExposure(pair string, notionalEUR, equity float64, positions []*database.Position) (string, bool) {
	if equity <= 0 {
		return "no equity", false
	}
	t := e.cfg.TradingConfig

	pairEUR := notionalEUR
	totalEUR := notionalEUR
	for _, pos := range positions {
		value := pos.ValueAt(pos.EntryPrice)
		totalEUR += value
		if pos.Pair == pair {
			pairEUR += value
		}
	}

	if pct := pairEUR / equity * 100; pct > t.MaxPairExposurePct {
		return fmt.Sprintf("pair exposure %.1f%% over cap %.1f%%", pct, t.MaxPairExposurePct), false
	}
	if pct := totalEUR / equity * 100; pct > t.MaxTotalExposurePct {
		return fmt.Sprintf("total exposure %.1f%% over cap %.1f%%", pct, t.MaxTotalExposurePct), false
	}
	return "", true
}
