package strategy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/market"
)

func bullishFeatures() *market.Features {
	return &market.Features{
		Pair:         "BTC/EUR",
		Interval:     exchange.Interval5m,
		Candles:      120,
		Close:        106,
		Volume:       120,
		EMA9:         105,
		EMA21:        103,
		EMA50:        100,
		PrevEMA9:     104,
		PrevEMA21:    103,
		RSI14:        60,
		MACDHist:     0.5,
		MACDHistPrev: 0.3,
		BBUpper:      108,
		BBMiddle:     103,
		BBLower:      98,
		BBWidthPct:   9.7,
		ATR14:        1.2,
		ATRPct:       1.1,
		ADX14:        32,
		VolSMA20:     100,
	}
}

func snapshotWith(f *market.Features, regime market.Regime) *market.PairSnapshot {
	return &market.PairSnapshot{
		Pair:         f.Pair,
		Ticker:       &exchange.Ticker{Pair: f.Pair, Bid: f.Close - 0.1, Ask: f.Close + 0.1, Last: f.Close},
		M5:           f,
		H1:           f,
		H4:           f,
		Regime:       regime,
		RegimeReason: "fixture",
		Taken:        time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func momentumCfg() config.MomentumConfig {
	return config.MomentumConfig{MinVolumeFactor: 0.5}
}

func TestMomentumBuySignal(t *testing.T) {
	s := NewMomentumStrategy(momentumCfg())
	snap := snapshotWith(bullishFeatures(), market.RegimeTrend)

	sig, err := s.Evaluate(context.Background(), snap)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Type != SignalBuy {
		t.Fatalf("signal = %s (%s), want BUY", sig.Type, sig.Reason)
	}
	if sig.Satisfied != 4 || sig.Required != 4 {
		t.Errorf("checks = %d/%d, want 4/4", sig.Satisfied, sig.Required)
	}
	if sig.Confidence != 100 {
		t.Errorf("confidence = %v, want 100 (70 base + 30 quality)", sig.Confidence)
	}
	if !strings.Contains(sig.Reason, "✓") {
		t.Errorf("reason should mark passed checks: %q", sig.Reason)
	}
	if sig.EntryPrice != 106 {
		t.Errorf("entry price = %v, want ticker last 106", sig.EntryPrice)
	}
}

func TestMomentumRejectsLowVolume(t *testing.T) {
	f := bullishFeatures()
	f.Volume = 40 // below 0.5x of VolSMA20=100
	s := NewMomentumStrategy(momentumCfg())

	sig, err := s.Evaluate(context.Background(), snapshotWith(f, market.RegimeTrend))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Type != SignalNone {
		t.Fatalf("signal = %s, want NONE", sig.Type)
	}
	if sig.Satisfied != 3 || sig.Required != 4 {
		t.Errorf("checks = %d/%d, want 3/4", sig.Satisfied, sig.Required)
	}
	if !strings.Contains(sig.Reason, "✗") {
		t.Errorf("reason should mark the failed check: %q", sig.Reason)
	}
}

func TestMomentumSellOnInverse(t *testing.T) {
	f := bullishFeatures()
	f.EMA9, f.EMA21, f.EMA50 = 95, 97, 100
	f.Close = 94
	f.MACDHist, f.MACDHistPrev = -0.5, -0.3
	s := NewMomentumStrategy(momentumCfg())

	sig, err := s.Evaluate(context.Background(), snapshotWith(f, market.RegimeTrend))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Type != SignalSell {
		t.Fatalf("signal = %s (%s), want SELL", sig.Type, sig.Reason)
	}
}

func TestMeanRevBuyOnWashout(t *testing.T) {
	f := bullishFeatures()
	f.Close = 94
	f.BBUpper, f.BBMiddle, f.BBLower = 105, 100, 95
	f.EMA50 = 100
	f.RSI14 = 25
	s := NewMeanRevStrategy(config.MeanRevConfig{RSIOversold: 30, RSIOverbought: 70, MinDeviationZ: 1.0})

	sig, err := s.Evaluate(context.Background(), snapshotWith(f, market.RegimeRange))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Type != SignalBuy {
		t.Fatalf("signal = %s (%s), want BUY", sig.Type, sig.Reason)
	}
	// z = (100-94)/2.5 = 2.4: deep stretch plus RANGE regime => 70+10+10.
	if sig.Confidence != 90 {
		t.Errorf("confidence = %v, want 90", sig.Confidence)
	}
}

func TestMeanRevRejectsNeutralRSI(t *testing.T) {
	f := bullishFeatures()
	f.Close = 94
	f.BBUpper, f.BBMiddle, f.BBLower = 105, 100, 95
	f.RSI14 = 45
	s := NewMeanRevStrategy(config.MeanRevConfig{RSIOversold: 30, RSIOverbought: 70, MinDeviationZ: 1.0})

	sig, err := s.Evaluate(context.Background(), snapshotWith(f, market.RegimeRange))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Type != SignalNone {
		t.Fatalf("signal = %s, want NONE", sig.Type)
	}
}

func TestScalpingBuyOnFreshCross(t *testing.T) {
	f := bullishFeatures()
	f.PrevEMA9, f.PrevEMA21 = 99, 100 // below before
	f.EMA9, f.EMA21 = 101, 100.5      // above now
	f.ATRPct = 0.3
	f.Volume, f.VolSMA20 = 150, 100
	s := NewScalpingStrategy(config.ScalpingConfig{MinATRPct: 0.15, MinVolumeFactor: 1.0})

	sig, err := s.Evaluate(context.Background(), snapshotWith(f, market.RegimeTrend))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Type != SignalBuy {
		t.Fatalf("signal = %s (%s), want BUY", sig.Type, sig.Reason)
	}
}

func TestScalpingIgnoresOldCross(t *testing.T) {
	f := bullishFeatures() // EMA9 already above EMA21 on the previous candle
	f.ATRPct = 0.3
	s := NewScalpingStrategy(config.ScalpingConfig{MinATRPct: 0.15, MinVolumeFactor: 1.0})

	sig, err := s.Evaluate(context.Background(), snapshotWith(f, market.RegimeTrend))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Type != SignalNone {
		t.Fatalf("signal = %s, want NONE (no fresh cross)", sig.Type)
	}
}

func gridSnapshot(price float64, rsi float64) *market.PairSnapshot {
	f := bullishFeatures()
	f.Close = price
	f.ATR14 = 2
	f.RSI14 = rsi
	snap := snapshotWith(f, market.RegimeRange)

	recent := make([]exchange.Candle, 48)
	for i := range recent {
		recent[i] = exchange.Candle{High: 100, Low: 95, Close: 97, Closed: true}
	}
	// One swing low and one swing high define the span.
	recent[10].Low = 90
	recent[30].High = 110
	snap.Recent = recent
	return snap
}

func TestGridLevels(t *testing.T) {
	s := NewGridStrategy(config.GridConfig{Levels: 5, ATRSpacingMult: 1.0, SwingLookback: 48})
	levels := s.Levels(gridSnapshot(92.3, 35))

	want := []float64{90, 92, 94, 96, 98}
	if len(levels) != len(want) {
		t.Fatalf("got %d levels %v, want %d", len(levels), levels, len(want))
	}
	for i := range want {
		if levels[i] != want[i] {
			t.Errorf("level %d = %v, want %v", i, levels[i], want[i])
		}
	}
}

func TestGridBuyInLevelBand(t *testing.T) {
	s := NewGridStrategy(config.GridConfig{Levels: 5, ATRSpacingMult: 1.0, SwingLookback: 48})
	snap := gridSnapshot(92.3, 35)

	sig, err := s.Evaluate(context.Background(), snap)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Type != SignalBuy {
		t.Fatalf("signal = %s (%s), want BUY", sig.Type, sig.Reason)
	}
}

func TestGridNoBuyBetweenLevels(t *testing.T) {
	s := NewGridStrategy(config.GridConfig{Levels: 5, ATRSpacingMult: 1.0, SwingLookback: 48})
	// 93.05 sits outside the quarter-spacing band of both 92 and 94.
	snap := gridSnapshot(93.05, 35)

	sig, err := s.Evaluate(context.Background(), snap)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Type != SignalNone {
		t.Fatalf("signal = %s (%s), want NONE", sig.Type, sig.Reason)
	}
}

func routerConfig(strategy string, enabled bool) config.TradingConfig {
	return config.TradingConfig{
		Strategy:      strategy,
		MinConfidence: 60,
		RouterEnabled: enabled,
	}
}

func regimeCfg() config.RegimeConfig {
	return config.RegimeConfig{
		VolatileSizeScale: 0.5,
		VolatileConfAdd:   10,
		UnknownConfAdd:    5,
	}
}

func newTestRouter(t *testing.T, strategy string, enabled bool) *Router {
	t.Helper()
	r, err := NewRouter(routerConfig(strategy, enabled), regimeCfg(),
		NewMomentumStrategy(momentumCfg()),
		NewMeanRevStrategy(config.MeanRevConfig{RSIOversold: 30, RSIOverbought: 70, MinDeviationZ: 1.0}),
		NewScalpingStrategy(config.ScalpingConfig{MinATRPct: 0.15, MinVolumeFactor: 1.0}),
		NewGridStrategy(config.GridConfig{Levels: 5, ATRSpacingMult: 1.0, SwingLookback: 48}),
	)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r
}

func TestRouterGatesMomentumInRange(t *testing.T) {
	r := newTestRouter(t, "momentum", true)
	snap := snapshotWith(bullishFeatures(), market.RegimeRange)

	dec, err := r.Route(context.Background(), snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !dec.Gated {
		t.Fatal("expected momentum to be gated in RANGE")
	}
	if dec.Signal.Type != SignalNone {
		t.Errorf("gated signal = %s, want NONE", dec.Signal.Type)
	}
	if dec.Signal.Reason != "regime-gated" {
		t.Errorf("reason = %q, want regime-gated", dec.Signal.Reason)
	}
	if dec.Signal.Strategy != "momentum" {
		t.Errorf("gated label = %q, want the configured strategy", dec.Signal.Strategy)
	}
}

func TestRouterVolatileRaisesThresholdAndHalvesSize(t *testing.T) {
	r := newTestRouter(t, "momentum", true)
	snap := snapshotWith(bullishFeatures(), market.RegimeVolatile)

	dec, err := r.Route(context.Background(), snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dec.Gated {
		t.Fatal("momentum should be allowed (stricter) under VOLATILE")
	}
	if dec.Threshold != 70 {
		t.Errorf("threshold = %v, want 60+10", dec.Threshold)
	}
	if dec.Signal.SizeFactor != 0.5 {
		t.Errorf("size factor = %v, want 0.5", dec.Signal.SizeFactor)
	}
}

func TestRouterAlignmentBonus(t *testing.T) {
	r := newTestRouter(t, "momentum", true)
	f := bullishFeatures()
	// Strip quality bonuses so the alignment bonus is visible: histogram
	// rising but negative, volume above the floor yet under the SMA, RSI low.
	f.MACDHist, f.MACDHistPrev = -0.3, -0.5
	f.Volume = 60
	f.RSI14 = 45
	snap := snapshotWith(f, market.RegimeTrend)
	snap.Aligned = true

	dec, err := r.Route(context.Background(), snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dec.Signal.Type != SignalBuy {
		t.Fatalf("signal = %s (%s), want BUY", dec.Signal.Type, dec.Signal.Reason)
	}
	if dec.Signal.TFAlignBonus != 15 {
		t.Errorf("align bonus = %v, want 15", dec.Signal.TFAlignBonus)
	}
	if dec.Signal.Confidence != 85 {
		t.Errorf("confidence = %v, want 70 base + 15 alignment", dec.Signal.Confidence)
	}
}

func TestRouterAlignmentBonusClampsAt100(t *testing.T) {
	r := newTestRouter(t, "momentum", true)
	snap := snapshotWith(bullishFeatures(), market.RegimeTrend)
	snap.Aligned = true

	dec, err := r.Route(context.Background(), snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dec.Signal.Confidence != 100 {
		t.Errorf("confidence = %v, want clamped 100", dec.Signal.Confidence)
	}
}

func TestRouterDisabledRunsUngated(t *testing.T) {
	r := newTestRouter(t, "momentum", false)
	snap := snapshotWith(bullishFeatures(), market.RegimeRange)

	dec, err := r.Route(context.Background(), snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dec.Gated {
		t.Fatal("disabled router must not gate")
	}
	if dec.Signal.Type != SignalBuy {
		t.Errorf("signal = %s, want the strategy to run", dec.Signal.Type)
	}
	if dec.Threshold != 60 {
		t.Errorf("threshold = %v, want base 60", dec.Threshold)
	}
}
