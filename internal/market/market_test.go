package market

import (
	"context"
	"testing"
	"time"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
)

func testRegimeConfig() config.RegimeConfig {
	return config.RegimeConfig{
		ADXTrendMin:       25,
		BBWidthRangeMax:   3.0,
		VolatileATRPct:    2.5,
		VolatileBBWidth:   6.0,
		MinCandles:        50,
		VolatileSizeScale: 0.5,
		VolatileConfAdd:   10,
		UnknownConfAdd:    5,
	}
}

// trendingCandles builds a steady uptrend with tame ranges, enough for every
// indicator to warm up.
func trendingCandles(n int, start, step float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		price := start + float64(i)*step
		candles[i] = exchange.Candle{
			OpenTime: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:     price,
			High:     price + step*0.6,
			Low:      price - step*0.4,
			Close:    price + step*0.4,
			Volume:   100,
			Closed:   true,
		}
	}
	return candles
}

// choppyCandles oscillates tightly around a level.
func choppyCandles(n int, level float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		offset := 0.1
		if i%2 == 0 {
			offset = -0.1
		}
		price := level + offset
		candles[i] = exchange.Candle{
			OpenTime: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:     level,
			High:     price + 0.15,
			Low:      price - 0.15,
			Close:    price,
			Volume:   100,
			Closed:   true,
		}
	}
	return candles
}

func TestComputeFeaturesBullishStack(t *testing.T) {
	candles := trendingCandles(120, 100, 0.2)
	f := ComputeFeatures("BTC/EUR", exchange.Interval5m, candles)

	if !f.BullishStack() {
		t.Errorf("steady uptrend should stack EMAs: ema9=%v ema21=%v ema50=%v", f.EMA9, f.EMA21, f.EMA50)
	}
	if f.Close <= f.EMA21 {
		t.Errorf("close %v should sit above EMA21 %v in an uptrend", f.Close, f.EMA21)
	}
	if f.RSI14 < 50 {
		t.Errorf("uptrend RSI = %v, want > 50", f.RSI14)
	}
	if f.Candles != 120 {
		t.Errorf("candle count = %d, want 120", f.Candles)
	}
}

func TestRegimeDetectorTrend(t *testing.T) {
	d := NewRegimeDetector(testRegimeConfig())
	f := ComputeFeatures("BTC/EUR", exchange.Interval1h, trendingCandles(120, 100, 0.2))

	regime, reason := d.Detect(f)
	if regime != RegimeTrend {
		t.Errorf("regime = %s (%s), want TREND (adx=%v atrPct=%v bbWidth=%v)",
			regime, reason, f.ADX14, f.ATRPct, f.BBWidthPct)
	}
	if reason == "" {
		t.Error("expected a non-empty regime reason")
	}
}

func TestRegimeDetectorRange(t *testing.T) {
	d := NewRegimeDetector(testRegimeConfig())
	f := ComputeFeatures("BTC/EUR", exchange.Interval1h, choppyCandles(120, 100))

	regime, reason := d.Detect(f)
	if regime != RegimeRange {
		t.Errorf("regime = %s (%s), want RANGE (adx=%v bbWidth=%v)", regime, reason, f.ADX14, f.BBWidthPct)
	}
}

func TestRegimeDetectorVolatile(t *testing.T) {
	d := NewRegimeDetector(testRegimeConfig())
	// Huge swings: ±5% candles around the level.
	candles := make([]exchange.Candle, 120)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		level := 100.0
		if i%2 == 0 {
			level = 106
		} else {
			level = 94
		}
		candles[i] = exchange.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     100, High: level + 2, Low: level - 2, Close: level,
			Volume: 100, Closed: true,
		}
	}
	f := ComputeFeatures("BTC/EUR", exchange.Interval1h, candles)

	regime, _ := d.Detect(f)
	if regime != RegimeVolatile {
		t.Errorf("regime = %s, want VOLATILE (atrPct=%v bbWidth=%v)", regime, f.ATRPct, f.BBWidthPct)
	}
}

func TestRegimeDetectorInsufficientData(t *testing.T) {
	d := NewRegimeDetector(testRegimeConfig())
	f := ComputeFeatures("BTC/EUR", exchange.Interval1h, trendingCandles(30, 100, 0.2))

	regime, reason := d.Detect(f)
	if regime != RegimeUnknown {
		t.Errorf("regime with 30 candles = %s, want UNKNOWN", regime)
	}
	if reason == "" {
		t.Error("expected a reason for UNKNOWN")
	}
}

func seededMock(pair string) *exchange.MockExchange {
	mock := exchange.NewMockExchange("kraken")
	mock.SetTicker(pair, 99.9, 100.1, 100)
	for _, iv := range []exchange.Interval{exchange.Interval5m, exchange.Interval1h, exchange.Interval4h} {
		candles := trendingCandles(121, 100, 0.2)
		// The venue reports the last candle still forming.
		candles[120].Closed = false
		mock.SetCandles(pair, iv, candles)
	}
	return mock
}

func TestServiceExcludesFormingCandle(t *testing.T) {
	mock := seededMock("BTC/EUR")
	svc := NewService(mock, NewRegimeDetector(testRegimeConfig()))

	candles, err := svc.Candles(context.Background(), "BTC/EUR", exchange.Interval5m, 200)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(candles) != 120 {
		t.Fatalf("got %d candles, want 120 closed", len(candles))
	}
	for i, c := range candles {
		if !c.Closed {
			t.Errorf("candle %d not closed", i)
		}
	}
}

func TestServiceCandleCache(t *testing.T) {
	mock := seededMock("BTC/EUR")
	svc := NewService(mock, NewRegimeDetector(testRegimeConfig()))

	ctx := context.Background()
	if _, err := svc.Candles(ctx, "BTC/EUR", exchange.Interval5m, 100); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, err := svc.Candles(ctx, "BTC/EUR", exchange.Interval5m, 100); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if got := mock.CallCount("GetOHLC"); got != 1 {
		t.Errorf("GetOHLC called %d times, want 1 (cache hit)", got)
	}
}

func TestServiceSnapshot(t *testing.T) {
	mock := seededMock("BTC/EUR")
	svc := NewService(mock, NewRegimeDetector(testRegimeConfig()))

	snap, err := svc.Snapshot(context.Background(), "BTC/EUR")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Ticker == nil || snap.Ticker.Last != 100 {
		t.Errorf("unexpected ticker: %+v", snap.Ticker)
	}
	if snap.M5 == nil || snap.H1 == nil || snap.H4 == nil {
		t.Fatal("missing timeframe features")
	}
	if !snap.Aligned {
		t.Error("uptrend on all timeframes should be aligned")
	}
	if snap.Regime != RegimeTrend {
		t.Errorf("regime = %s, want TREND", snap.Regime)
	}
	if len(snap.Recent) == 0 {
		t.Error("snapshot should carry recent 5m candles")
	}
}
