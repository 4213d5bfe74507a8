// Package indicators implements the technical indicators the strategies and
// the regime detector consume. All functions are pure; series results are
// aligned with their inputs and carry NaN until enough data exists, so a
// caller can always index series[i] against candles[i].
package indicators

import (
	"math"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
)

// ===== MOVING AVERAGES =====

// SMA returns the simple moving average of the last period values, or NaN when
// there is not enough data.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMASeries computes an exponential moving average seeded with the SMA of the
// first period values; alpha is 2/(period+1). Entries before the seed are NaN.
func EMASeries(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	out[period-1] = sum / float64(period)

	alpha := 2.0 / (float64(period) + 1.0)
	for i := period; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// EMA returns the latest EMA value, or NaN when there is not enough data.
func EMA(values []float64, period int) float64 {
	series := EMASeries(values, period)
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

// ===== OSCILLATORS =====

// RSISeries computes the Wilder-smoothed relative strength index. The first
// value appears at index period; earlier entries are NaN.
func RSISeries(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period+1 {
		return out
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiFrom(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out
}

// RSI returns the latest Wilder RSI, or NaN when there is not enough data.
func RSI(values []float64, period int) float64 {
	series := RSISeries(values, period)
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDSeries computes the MACD line (fast EMA minus slow EMA), its signal line
// (an EMA over the MACD line itself) and the histogram. All three are aligned
// with the input.
func MACDSeries(values []float64, fast, slow, signalPeriod int) (macd, signal, hist []float64) {
	macd = nanSlice(len(values))
	signal = nanSlice(len(values))
	hist = nanSlice(len(values))

	fastEMA := EMASeries(values, fast)
	slowEMA := EMASeries(values, slow)
	firstMACD := -1
	for i := range values {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			macd[i] = fastEMA[i] - slowEMA[i]
			if firstMACD < 0 {
				firstMACD = i
			}
		}
	}
	if firstMACD < 0 {
		return macd, signal, hist
	}

	sig := EMASeries(macd[firstMACD:], signalPeriod)
	for i, v := range sig {
		signal[firstMACD+i] = v
		if !math.IsNaN(v) {
			hist[firstMACD+i] = macd[firstMACD+i] - v
		}
	}
	return macd, signal, hist
}

// MACDResult is the latest MACD snapshot, with the previous histogram kept so
// callers can tell whether momentum is building.
type MACDResult struct {
	MACD          float64
	Signal        float64
	Histogram     float64
	PrevHistogram float64
}

// MACD computes the standard 12/26/9 snapshot.
func MACD(values []float64) *MACDResult {
	macd, signal, hist := MACDSeries(values, 12, 26, 9)
	n := len(values)
	if n == 0 {
		return &MACDResult{MACD: math.NaN(), Signal: math.NaN(), Histogram: math.NaN(), PrevHistogram: math.NaN()}
	}
	res := &MACDResult{
		MACD:          macd[n-1],
		Signal:        signal[n-1],
		Histogram:     hist[n-1],
		PrevHistogram: math.NaN(),
	}
	if n >= 2 {
		res.PrevHistogram = hist[n-2]
	}
	return res
}

// ===== VOLATILITY =====

// BollingerResult holds one Bollinger band snapshot.
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes bands over the last period values using the population
// standard deviation.
func Bollinger(values []float64, period int, mult float64) *BollingerResult {
	if period <= 0 || len(values) < period {
		return &BollingerResult{Upper: math.NaN(), Middle: math.NaN(), Lower: math.NaN()}
	}

	window := values[len(values)-period:]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(period)

	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	variance /= float64(period)
	sd := math.Sqrt(variance)

	return &BollingerResult{
		Upper:  mean + mult*sd,
		Middle: mean,
		Lower:  mean - mult*sd,
	}
}

// WidthPct returns the band width as a percentage of the middle band.
func (b *BollingerResult) WidthPct() float64 {
	if math.IsNaN(b.Middle) || b.Middle == 0 {
		return math.NaN()
	}
	return (b.Upper - b.Lower) / b.Middle * 100
}

// ATRSeries computes the Wilder-smoothed average true range. The first value
// appears at index period; earlier entries are NaN.
func ATRSeries(candles []exchange.Candle, period int) []float64 {
	out := nanSlice(len(candles))
	if period <= 0 || len(candles) < period+1 {
		return out
	}

	trSum := 0.0
	for i := 1; i <= period; i++ {
		trSum += trueRange(candles[i], candles[i-1].Close)
	}
	out[period] = trSum / float64(period)

	for i := period + 1; i < len(candles); i++ {
		tr := trueRange(candles[i], candles[i-1].Close)
		out[i] = (out[i-1]*float64(period-1) + tr) / float64(period)
	}
	return out
}

// ATR returns the latest Wilder ATR, or NaN when there is not enough data.
func ATR(candles []exchange.Candle, period int) float64 {
	series := ATRSeries(candles, period)
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

func trueRange(c exchange.Candle, prevClose float64) float64 {
	hl := c.High - c.Low
	hc := math.Abs(c.High - prevClose)
	lc := math.Abs(c.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// ===== TREND STRENGTH =====

// ADX computes the Wilder-smoothed average directional index. It needs at
// least 2*period+1 candles; below that it returns NaN.
func ADX(candles []exchange.Candle, period int) float64 {
	adx, _, _ := ADXFull(candles, period)
	return adx
}

// ADXFull also returns the latest +DI and -DI.
func ADXFull(candles []exchange.Candle, period int) (adx, plusDI, minusDI float64) {
	if period <= 0 || len(candles) < 2*period+1 {
		return math.NaN(), math.NaN(), math.NaN()
	}

	// Initial Wilder sums over the first period moves.
	trSum, plusDMSum, minusDMSum := 0.0, 0.0, 0.0
	for i := 1; i <= period; i++ {
		tr, pdm, mdm := directionalMove(candles[i], candles[i-1])
		trSum += tr
		plusDMSum += pdm
		minusDMSum += mdm
	}

	dxValues := make([]float64, 0, len(candles)-period)
	plusDI, minusDI = diPair(plusDMSum, minusDMSum, trSum)
	dxValues = append(dxValues, dxFrom(plusDI, minusDI))

	for i := period + 1; i < len(candles); i++ {
		tr, pdm, mdm := directionalMove(candles[i], candles[i-1])
		trSum = trSum - trSum/float64(period) + tr
		plusDMSum = plusDMSum - plusDMSum/float64(period) + pdm
		minusDMSum = minusDMSum - minusDMSum/float64(period) + mdm
		plusDI, minusDI = diPair(plusDMSum, minusDMSum, trSum)
		dxValues = append(dxValues, dxFrom(plusDI, minusDI))
	}

	if len(dxValues) < period {
		return math.NaN(), plusDI, minusDI
	}

	adx = 0.0
	for _, dx := range dxValues[:period] {
		adx += dx
	}
	adx /= float64(period)
	for _, dx := range dxValues[period:] {
		adx = (adx*float64(period-1) + dx) / float64(period)
	}
	return adx, plusDI, minusDI
}

func directionalMove(c, prev exchange.Candle) (tr, plusDM, minusDM float64) {
	upMove := c.High - prev.High
	downMove := prev.Low - c.Low
	if upMove > downMove && upMove > 0 {
		plusDM = upMove
	}
	if downMove > upMove && downMove > 0 {
		minusDM = downMove
	}
	return trueRange(c, prev.Close), plusDM, minusDM
}

func diPair(plusDM, minusDM, tr float64) (plusDI, minusDI float64) {
	if tr == 0 {
		return 0, 0
	}
	return 100 * plusDM / tr, 100 * minusDM / tr
}

func dxFrom(plusDI, minusDI float64) float64 {
	sum := plusDI + minusDI
	if sum == 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / sum
}

// ===== VOLUME =====

// VolumeSMA returns the simple moving average of candle volume.
func VolumeSMA(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return math.NaN()
	}
	sum := 0.0
	for _, c := range candles[len(candles)-period:] {
		sum += c.Volume
	}
	return sum / float64(period)
}

// ===== HELPERS =====

// Closes extracts close prices.
func Closes(candles []exchange.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Valid reports whether v is a usable indicator value.
func Valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
