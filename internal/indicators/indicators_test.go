package indicators

import (
	"math"
	"testing"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
)

func approx(t *testing.T, name string, got, want, eps float64) {
	t.Helper()
	if math.IsNaN(got) || math.Abs(got-want) > eps {
		t.Errorf("%s = %v, want %v (±%v)", name, got, want, eps)
	}
}

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	approx(t, "SMA(5,3)", SMA(values, 3), 4, 1e-9)
	approx(t, "SMA(5,5)", SMA(values, 5), 3, 1e-9)
	if v := SMA(values, 6); !math.IsNaN(v) {
		t.Errorf("SMA with short input = %v, want NaN", v)
	}
}

func TestEMASeriesSeededWithSMA(t *testing.T) {
	series := EMASeries([]float64{1, 2, 3, 4, 5}, 3)
	if !math.IsNaN(series[0]) || !math.IsNaN(series[1]) {
		t.Fatalf("expected NaN before seed, got %v", series[:2])
	}
	// Seed is the SMA of the first 3 values, then alpha=0.5 recursion.
	approx(t, "seed", series[2], 2, 1e-9)
	approx(t, "ema[3]", series[3], 3, 1e-9)
	approx(t, "ema[4]", series[4], 4, 1e-9)
}

func TestRSIWilderSmoothing(t *testing.T) {
	values := []float64{1, 2, 3, 4, 3, 4, 5}
	series := RSISeries(values, 3)

	if !math.IsNaN(series[2]) {
		t.Fatalf("RSI before warmup = %v, want NaN", series[2])
	}
	// Three straight gains: RSI pegs at 100.
	approx(t, "rsi[3]", series[3], 100, 1e-9)
	// One loss folded in with Wilder smoothing: avgGain=2/3, avgLoss=1/3.
	approx(t, "rsi[4]", series[4], 100-100.0/3.0, 1e-9)
	approx(t, "rsi[5]", series[5], 100-100.0/4.5, 1e-9)
	approx(t, "rsi[6]", series[6], 100-100.0/6.75, 1e-9)
}

func TestRSIFlatSeries(t *testing.T) {
	values := []float64{5, 5, 5, 5, 5, 5}
	if got := RSI(values, 3); got != 50 {
		t.Errorf("flat RSI = %v, want 50", got)
	}
}

func TestMACDSmallPeriodsByHand(t *testing.T) {
	macd, signal, hist := MACDSeries([]float64{1, 2, 3, 4, 5}, 2, 3, 2)

	if !math.IsNaN(macd[1]) {
		t.Fatalf("macd[1] = %v, want NaN before slow EMA warmup", macd[1])
	}
	// fast EMA(2) = [_, 1.5, 2.5, 3.5, 4.5]; slow EMA(3) = [_, _, 2, 3, 4].
	approx(t, "macd[2]", macd[2], 0.5, 1e-9)
	approx(t, "macd[4]", macd[4], 0.5, 1e-9)
	// Signal is a real EMA over the MACD line, not a shortcut.
	if !math.IsNaN(signal[2]) {
		t.Fatalf("signal[2] = %v, want NaN during signal warmup", signal[2])
	}
	approx(t, "signal[3]", signal[3], 0.5, 1e-9)
	approx(t, "signal[4]", signal[4], 0.5, 1e-9)
	approx(t, "hist[4]", hist[4], 0, 1e-9)
}

func TestMACDConvergesOnLinearRamp(t *testing.T) {
	values := make([]float64, 200)
	for i := range values {
		values[i] = float64(i + 1)
	}
	res := MACD(values)

	// On a pure ramp each EMA lags by (period-1)/2, so the MACD line
	// converges to 12.5-5.5 = 7 and the histogram to zero.
	approx(t, "macd", res.MACD, 7, 1e-3)
	approx(t, "signal", res.Signal, 7, 1e-3)
	approx(t, "hist", res.Histogram, 0, 1e-3)
	if !Valid(res.PrevHistogram) {
		t.Error("expected valid previous histogram")
	}
}

func TestBollingerPopulationStdDev(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	b := Bollinger(values, 8, 2)

	approx(t, "middle", b.Middle, 5, 1e-9)
	approx(t, "upper", b.Upper, 9, 1e-9)
	approx(t, "lower", b.Lower, 1, 1e-9)
	approx(t, "width", b.WidthPct(), 160, 1e-9)
}

func TestBollingerShortInput(t *testing.T) {
	b := Bollinger([]float64{1, 2}, 20, 2)
	if !math.IsNaN(b.Middle) {
		t.Errorf("middle = %v, want NaN", b.Middle)
	}
}

func candle(high, low, close float64) exchange.Candle {
	return exchange.Candle{High: high, Low: low, Close: close, Closed: true}
}

func TestATRWilderSmoothing(t *testing.T) {
	candles := []exchange.Candle{
		candle(12, 10, 11),
		candle(13, 11, 12),
		candle(14, 12, 13),
		candle(15, 13, 14),
		candle(18, 14, 16),
	}
	series := ATRSeries(candles, 3)

	if !math.IsNaN(series[2]) {
		t.Fatalf("atr[2] = %v, want NaN during warmup", series[2])
	}
	approx(t, "atr[3]", series[3], 2, 1e-9)
	// Wilder update: (2*2 + 4) / 3.
	approx(t, "atr[4]", series[4], 8.0/3.0, 1e-9)
}

func TestATRUsesGaps(t *testing.T) {
	candles := []exchange.Candle{
		candle(12, 10, 11),
		// Gap up: true range is measured from the previous close.
		candle(20, 19, 19),
		candle(21, 20, 20),
		candle(22, 21, 21),
	}
	series := ATRSeries(candles, 3)
	// TRs: |20-11|=9, then 2 and 2 (high-prevClose).
	approx(t, "atr[3]", series[3], 13.0/3.0, 1e-9)
}

func TestADXStrongTrend(t *testing.T) {
	candles := make([]exchange.Candle, 40)
	for i := range candles {
		base := 10 + float64(i)
		candles[i] = candle(base+0.5, base, base+0.25)
	}
	adx, plusDI, minusDI := ADXFull(candles, 14)

	// A clean uptrend has zero -DM, so DX pegs at 100.
	approx(t, "adx", adx, 100, 1e-6)
	if plusDI <= minusDI {
		t.Errorf("+DI %v should exceed -DI %v in an uptrend", plusDI, minusDI)
	}
}

func TestADXFlatMarket(t *testing.T) {
	candles := make([]exchange.Candle, 40)
	for i := range candles {
		candles[i] = candle(10.5, 10, 10.25)
	}
	if got := ADX(candles, 14); got != 0 {
		t.Errorf("flat ADX = %v, want 0", got)
	}
}

func TestADXNeedsWarmup(t *testing.T) {
	candles := make([]exchange.Candle, 28)
	for i := range candles {
		base := 10 + float64(i)
		candles[i] = candle(base+0.5, base, base+0.25)
	}
	if got := ADX(candles, 14); !math.IsNaN(got) {
		t.Errorf("ADX with 28 candles = %v, want NaN", got)
	}
}

func TestVolumeSMA(t *testing.T) {
	candles := make([]exchange.Candle, 5)
	for i := range candles {
		candles[i] = exchange.Candle{Volume: float64(i + 1)}
	}
	approx(t, "volSMA", VolumeSMA(candles, 3), 4, 1e-9)
	if got := VolumeSMA(candles, 6); !math.IsNaN(got) {
		t.Errorf("short VolumeSMA = %v, want NaN", got)
	}
}
