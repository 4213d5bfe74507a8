package strategy

import (
	"context"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/indicators"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/market"
)

// MomentumStrategy buys strength: stacked EMAs, a rising MACD histogram,
// price above EMA21 and enough volume behind the move. It emits SELL on the
// inverse picture, which the engine uses as an exit hint for manual review
// rather than an order trigger.
type MomentumStrategy struct {
	cfg config.MomentumConfig
}

func NewMomentumStrategy(cfg config.MomentumConfig) *MomentumStrategy {
	return &MomentumStrategy{cfg: cfg}
}

func (s *MomentumStrategy) Name() string { return "momentum" }

func (s *MomentumStrategy) Evaluate(ctx context.Context, snap *market.PairSnapshot) (*Signal, error) {
	f := snap.M5

	buy := &checkList{}
	stacked := buy.add(f.BullishStack(), "EMA stack 9>21>50")
	histRising := indicators.Valid(f.MACDHist) && indicators.Valid(f.MACDHistPrev) && f.MACDHist > f.MACDHistPrev
	buy.add(histRising, "MACD hist rising (%.4f > %.4f)", f.MACDHist, f.MACDHistPrev)
	buy.add(indicators.Valid(f.EMA21) && f.Close > f.EMA21, "close %.2f > EMA21 %.2f", f.Close, f.EMA21)
	volOK := indicators.Valid(f.VolSMA20) && f.Volume >= s.cfg.MinVolumeFactor*f.VolSMA20
	buy.add(volOK, "volume ≥ %.1fx SMA20", s.cfg.MinVolumeFactor)

	if buy.allPass() {
		return signalFrom(s.Name(), snap, SignalBuy, buy, s.quality(f)), nil
	}

	// Inverse picture: stacked down, histogram falling, close under EMA21.
	if !stacked {
		sell := &checkList{}
		sell.add(f.BearishStack(), "EMA stack 9<21<50")
		histFalling := indicators.Valid(f.MACDHist) && indicators.Valid(f.MACDHistPrev) && f.MACDHist < f.MACDHistPrev
		sell.add(histFalling, "MACD hist falling (%.4f < %.4f)", f.MACDHist, f.MACDHistPrev)
		sell.add(indicators.Valid(f.EMA21) && f.Close < f.EMA21, "close %.2f < EMA21 %.2f", f.Close, f.EMA21)
		sell.add(volOK, "volume ≥ %.1fx SMA20", s.cfg.MinVolumeFactor)
		if sell.allPass() {
			return signalFrom(s.Name(), snap, SignalSell, sell, s.quality(f)), nil
		}
	}

	return signalFrom(s.Name(), snap, SignalNone, buy, 0), nil
}

// quality rewards confirmation beyond the bare entry conditions.
func (s *MomentumStrategy) quality(f *market.Features) float64 {
	bonus := 0.0
	if indicators.Valid(f.MACDHist) && f.MACDHist > 0 {
		bonus += 10
	}
	if indicators.Valid(f.VolSMA20) && f.Volume >= f.VolSMA20 {
		bonus += 10
	}
	if indicators.Valid(f.RSI14) && f.RSI14 >= 50 && f.RSI14 <= 70 {
		bonus += 10
	}
	return bonus
}
