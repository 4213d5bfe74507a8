package market

import (
	"fmt"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/indicators"
)

// Regime classifies the market state a pair is trading in. The router uses it
// to decide which strategies may run and how aggressively.
type Regime string

const (
	RegimeTrend    Regime = "TREND"
	RegimeRange    Regime = "RANGE"
	RegimeVolatile Regime = "VOLATILE"
	RegimeUnknown  Regime = "UNKNOWN"
)

// RegimeDetector classifies regimes from ADX, Bollinger band width, the
// ATR-to-price ratio and EMA stacking. Thresholds come from configuration and
// the classification is stateless per tick.
type RegimeDetector struct {
	cfg config.RegimeConfig
}

func NewRegimeDetector(cfg config.RegimeConfig) *RegimeDetector {
	return &RegimeDetector{cfg: cfg}
}

// Detect classifies one timeframe's features and explains the call. VOLATILE
// wins over TREND and RANGE: a violently moving market is treated as volatile
// even when it trends.
func (d *RegimeDetector) Detect(f *Features) (Regime, string) {
	if f == nil || f.Candles < d.cfg.MinCandles {
		n := 0
		if f != nil {
			n = f.Candles
		}
		return RegimeUnknown, fmt.Sprintf("insufficient candles (%d < %d)", n, d.cfg.MinCandles)
	}
	if !indicators.Valid(f.ADX14) || !indicators.Valid(f.BBWidthPct) || !indicators.Valid(f.ATRPct) {
		return RegimeUnknown, "indicators not warmed up"
	}

	if f.ATRPct > d.cfg.VolatileATRPct {
		return RegimeVolatile, fmt.Sprintf("ATR %.2f%% of price > %.2f%%", f.ATRPct, d.cfg.VolatileATRPct)
	}
	if f.BBWidthPct > d.cfg.VolatileBBWidth {
		return RegimeVolatile, fmt.Sprintf("BB width %.2f%% > %.2f%%", f.BBWidthPct, d.cfg.VolatileBBWidth)
	}

	stacked := f.BullishStack() || f.BearishStack()
	if f.ADX14 >= d.cfg.ADXTrendMin && stacked {
		return RegimeTrend, fmt.Sprintf("ADX %.1f ≥ %.1f with stacked EMAs", f.ADX14, d.cfg.ADXTrendMin)
	}

	if f.BBWidthPct <= d.cfg.BBWidthRangeMax {
		return RegimeRange, fmt.Sprintf("BB width %.2f%% ≤ %.2f%% and ADX %.1f", f.BBWidthPct, d.cfg.BBWidthRangeMax, f.ADX14)
	}

	return RegimeUnknown, fmt.Sprintf("ADX %.1f, BB width %.2f%%: no clear regime", f.ADX14, f.BBWidthPct)
}
