package strategy

import (
	"context"
	"math"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/indicators"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/market"
)

// GridStrategy lays ATR-spaced buy levels across the lower half of the recent
// support/resistance span and buys when price dips into one. Level generation
// is exposed separately so the diagnostics endpoint can render the ladder.
type GridStrategy struct {
	cfg config.GridConfig
}

func NewGridStrategy(cfg config.GridConfig) *GridStrategy {
	return &GridStrategy{cfg: cfg}
}

func (s *GridStrategy) Name() string { return "grid" }

// Levels builds the buy ladder for the snapshot: levels start at swing
// support and climb in ATR-multiples, capped at the configured count and
// never entering the upper half of the span.
func (s *GridStrategy) Levels(snap *market.PairSnapshot) []float64 {
	if len(snap.Recent) == 0 || snap.M5 == nil {
		return nil
	}

	lookback := s.cfg.SwingLookback
	candles := snap.Recent
	if lookback > 0 && len(candles) > lookback {
		candles = candles[len(candles)-lookback:]
	}

	support, resistance := math.Inf(1), math.Inf(-1)
	for _, c := range candles {
		support = math.Min(support, c.Low)
		resistance = math.Max(resistance, c.High)
	}

	atr := snap.M5.ATR14
	if !indicators.Valid(atr) || atr <= 0 || resistance <= support {
		return nil
	}

	spacing := atr * s.cfg.ATRSpacingMult
	mid := (support + resistance) / 2

	levels := make([]float64, 0, s.cfg.Levels)
	for i := 0; i < s.cfg.Levels; i++ {
		level := support + float64(i)*spacing
		if level >= mid {
			break
		}
		levels = append(levels, level)
	}
	return levels
}

func (s *GridStrategy) Evaluate(ctx context.Context, snap *market.PairSnapshot) (*Signal, error) {
	f := snap.M5
	price := snap.Ticker.Last
	levels := s.Levels(snap)

	nearest, dist := -1, math.Inf(1)
	for i, level := range levels {
		if d := math.Abs(price - level); d < dist {
			nearest, dist = i, d
		}
	}

	spacing := 0.0
	if indicators.Valid(f.ATR14) {
		spacing = f.ATR14 * s.cfg.ATRSpacingMult
	}

	buy := &checkList{}
	buy.add(len(levels) > 0, "grid ladder available (%d levels)", len(levels))
	// Band is a quarter spacing each side, so the space between levels stays
	// neutral instead of every price qualifying.
	inBand := nearest >= 0 && spacing > 0 && dist <= spacing/4
	if nearest >= 0 {
		buy.add(inBand, "price %.2f within band of level %d (%.2f)", price, nearest+1, levels[nearest])
	} else {
		buy.add(false, "price %.2f near a buy level", price)
	}
	aboveSupport := len(levels) > 0 && price >= levels[0]
	buy.add(aboveSupport, "price holding above support")
	buy.add(indicators.Valid(f.RSI14) && f.RSI14 < 50, "RSI %.1f < 50", f.RSI14)

	if buy.allPass() {
		return signalFrom(s.Name(), snap, SignalBuy, buy, s.quality(snap, nearest)), nil
	}
	return signalFrom(s.Name(), snap, SignalNone, buy, 0), nil
}

func (s *GridStrategy) quality(snap *market.PairSnapshot, levelIdx int) float64 {
	bonus := 0.0
	if levelIdx == 0 {
		bonus += 10
	}
	if snap.Regime == market.RegimeRange {
		bonus += 10
	}
	if f := snap.M5; indicators.Valid(f.RSI14) && f.RSI14 < 40 {
		bonus += 10
	}
	return bonus
}
