package strategy

import (
	"context"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/indicators"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/market"
)

// MeanRevStrategy buys washed-out dips: price under the lower Bollinger band,
// oversold RSI and a stretch from EMA50 measured in standard deviations.
type MeanRevStrategy struct {
	cfg config.MeanRevConfig
}

func NewMeanRevStrategy(cfg config.MeanRevConfig) *MeanRevStrategy {
	return &MeanRevStrategy{cfg: cfg}
}

func (s *MeanRevStrategy) Name() string { return "meanrev" }

func (s *MeanRevStrategy) Evaluate(ctx context.Context, snap *market.PairSnapshot) (*Signal, error) {
	f := snap.M5

	// One population stdev, recovered from the band half-width.
	sd := (f.BBUpper - f.BBMiddle) / 2.0
	zBelow, zAbove := 0.0, 0.0
	if indicators.Valid(sd) && sd > 0 && indicators.Valid(f.EMA50) {
		zBelow = (f.EMA50 - f.Close) / sd
		zAbove = (f.Close - f.EMA50) / sd
	}

	buy := &checkList{}
	below := buy.add(indicators.Valid(f.BBLower) && f.Close < f.BBLower, "close %.2f < lower BB %.2f", f.Close, f.BBLower)
	buy.add(indicators.Valid(f.RSI14) && f.RSI14 < s.cfg.RSIOversold, "RSI %.1f < %.0f", f.RSI14, s.cfg.RSIOversold)
	buy.add(zBelow > s.cfg.MinDeviationZ, "%.2fσ below EMA50 (min %.2f)", zBelow, s.cfg.MinDeviationZ)

	if buy.allPass() {
		return signalFrom(s.Name(), snap, SignalBuy, buy, s.quality(snap, zBelow)), nil
	}

	if !below {
		sell := &checkList{}
		sell.add(indicators.Valid(f.BBUpper) && f.Close > f.BBUpper, "close %.2f > upper BB %.2f", f.Close, f.BBUpper)
		sell.add(indicators.Valid(f.RSI14) && f.RSI14 > s.cfg.RSIOverbought, "RSI %.1f > %.0f", f.RSI14, s.cfg.RSIOverbought)
		sell.add(zAbove > s.cfg.MinDeviationZ, "%.2fσ above EMA50 (min %.2f)", zAbove, s.cfg.MinDeviationZ)
		if sell.allPass() {
			return signalFrom(s.Name(), snap, SignalSell, sell, s.quality(snap, zAbove)), nil
		}
	}

	return signalFrom(s.Name(), snap, SignalNone, buy, 0), nil
}

func (s *MeanRevStrategy) quality(snap *market.PairSnapshot, z float64) float64 {
	f := snap.M5
	bonus := 0.0
	if indicators.Valid(f.RSI14) && f.RSI14 < s.cfg.RSIOversold-5 {
		bonus += 10
	}
	if z > s.cfg.MinDeviationZ+1 {
		bonus += 10
	}
	if snap.Regime == market.RegimeRange {
		bonus += 10
	}
	return bonus
}
