package strategy

import (
	"context"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/indicators"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/market"
)

// ScalpingStrategy takes the fresh EMA9/EMA21 bullish cross, but only when
// the range is wide enough to pay for fees and volume confirms the move.
type ScalpingStrategy struct {
	cfg config.ScalpingConfig
}

func NewScalpingStrategy(cfg config.ScalpingConfig) *ScalpingStrategy {
	return &ScalpingStrategy{cfg: cfg}
}

func (s *ScalpingStrategy) Name() string { return "scalping" }

func (s *ScalpingStrategy) Evaluate(ctx context.Context, snap *market.PairSnapshot) (*Signal, error) {
	f := snap.M5

	buy := &checkList{}
	buy.add(f.BullishCross(), "EMA9 crossed above EMA21")
	buy.add(indicators.Valid(f.ATRPct) && f.ATRPct >= s.cfg.MinATRPct, "ATR %.2f%% ≥ %.2f%%", f.ATRPct, s.cfg.MinATRPct)
	volOK := indicators.Valid(f.VolSMA20) && f.Volume >= s.cfg.MinVolumeFactor*f.VolSMA20
	buy.add(volOK, "volume ≥ %.1fx SMA20", s.cfg.MinVolumeFactor)

	if buy.allPass() {
		return signalFrom(s.Name(), snap, SignalBuy, buy, s.quality(snap)), nil
	}
	return signalFrom(s.Name(), snap, SignalNone, buy, 0), nil
}

func (s *ScalpingStrategy) quality(snap *market.PairSnapshot) float64 {
	f := snap.M5
	bonus := 0.0
	if indicators.Valid(f.VolSMA20) && f.Volume >= 1.5*f.VolSMA20 {
		bonus += 10
	}
	if indicators.Valid(f.ATRPct) && f.ATRPct >= 1.5*s.cfg.MinATRPct {
		bonus += 10
	}
	if snap.H1 != nil && snap.H1.BullishStack() {
		bonus += 10
	}
	return bonus
}
