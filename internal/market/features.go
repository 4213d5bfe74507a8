package market

import (
	"math"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/indicators"
)

// Features is one timeframe's indicator snapshot, computed over closed
// candles only.
type Features struct {
	Pair     string
	Interval exchange.Interval
	Candles  int

	Close  float64
	Volume float64

	EMA9  float64
	EMA21 float64
	EMA50 float64
	// PrevEMA9/PrevEMA21 are the values one closed candle earlier, kept for
	// crossover detection.
	PrevEMA9  float64
	PrevEMA21 float64

	RSI14 float64

	MACD         float64
	MACDSignal   float64
	MACDHist     float64
	MACDHistPrev float64

	BBUpper    float64
	BBMiddle   float64
	BBLower    float64
	BBWidthPct float64

	ATR14  float64
	ATRPct float64

	ADX14   float64
	PlusDI  float64
	MinusDI float64

	VolSMA20 float64
}

// ComputeFeatures derives the full indicator set from closed candles. Candles
// must be oldest-first; any still-forming candle should already be filtered by
// the caller.
func ComputeFeatures(pair string, interval exchange.Interval, candles []exchange.Candle) *Features {
	closes := indicators.Closes(candles)
	n := len(candles)

	f := &Features{
		Pair:     pair,
		Interval: interval,
		Candles:  n,
	}
	if n == 0 {
		return f
	}

	f.Close = closes[n-1]
	f.Volume = candles[n-1].Volume

	ema9 := indicators.EMASeries(closes, 9)
	ema21 := indicators.EMASeries(closes, 21)
	f.EMA9 = last(ema9)
	f.EMA21 = last(ema21)
	f.EMA50 = indicators.EMA(closes, 50)
	if n >= 2 {
		f.PrevEMA9 = ema9[n-2]
		f.PrevEMA21 = ema21[n-2]
	} else {
		f.PrevEMA9 = math.NaN()
		f.PrevEMA21 = math.NaN()
	}

	f.RSI14 = indicators.RSI(closes, 14)

	macd := indicators.MACD(closes)
	f.MACD = macd.MACD
	f.MACDSignal = macd.Signal
	f.MACDHist = macd.Histogram
	f.MACDHistPrev = macd.PrevHistogram

	bb := indicators.Bollinger(closes, 20, 2.0)
	f.BBUpper = bb.Upper
	f.BBMiddle = bb.Middle
	f.BBLower = bb.Lower
	f.BBWidthPct = bb.WidthPct()

	f.ATR14 = indicators.ATR(candles, 14)
	if indicators.Valid(f.ATR14) && f.Close > 0 {
		f.ATRPct = f.ATR14 / f.Close * 100
	} else {
		f.ATRPct = math.NaN()
	}

	f.ADX14, f.PlusDI, f.MinusDI = indicators.ADXFull(candles, 14)
	f.VolSMA20 = indicators.VolumeSMA(candles, 20)

	return f
}

// BullishStack reports EMA9 > EMA21 > EMA50 on this timeframe.
func (f *Features) BullishStack() bool {
	if !indicators.Valid(f.EMA9) || !indicators.Valid(f.EMA21) || !indicators.Valid(f.EMA50) {
		return false
	}
	return f.EMA9 > f.EMA21 && f.EMA21 > f.EMA50
}

// BearishStack reports EMA9 < EMA21 < EMA50 on this timeframe.
func (f *Features) BearishStack() bool {
	if !indicators.Valid(f.EMA9) || !indicators.Valid(f.EMA21) || !indicators.Valid(f.EMA50) {
		return false
	}
	return f.EMA9 < f.EMA21 && f.EMA21 < f.EMA50
}

// BullishCross reports EMA9 crossing above EMA21 on the latest closed candle.
func (f *Features) BullishCross() bool {
	if !indicators.Valid(f.EMA9) || !indicators.Valid(f.EMA21) ||
		!indicators.Valid(f.PrevEMA9) || !indicators.Valid(f.PrevEMA21) {
		return false
	}
	return f.PrevEMA9 <= f.PrevEMA21 && f.EMA9 > f.EMA21
}

// EMADirectionUp reports whether the short EMA sits above the medium EMA,
// the per-timeframe vote used for multi-timeframe alignment.
func (f *Features) EMADirectionUp() bool {
	return indicators.Valid(f.EMA9) && indicators.Valid(f.EMA21) && f.EMA9 > f.EMA21
}

func last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}
