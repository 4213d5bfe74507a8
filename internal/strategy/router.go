package strategy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/market"
)

// alignBonus is the additive confidence bonus for multi-timeframe alignment.
const alignBonus = 15.0

// regimeAllowed is the gating matrix: which strategies may act under each
// regime when the router is enabled.
var regimeAllowed = map[market.Regime]map[string]bool{
	market.RegimeTrend:    {"momentum": true},
	market.RegimeRange:    {"meanrev": true, "grid": true},
	market.RegimeVolatile: {"momentum": true, "meanrev": true, "scalping": true, "grid": true},
	market.RegimeUnknown:  {"momentum": true},
}

// Decision is the router's output for one pair/tick: the signal of the
// strategy that was allowed to run (or a regime-gated NONE), plus the
// effective confidence threshold the engine must apply to it.
type Decision struct {
	Signal    *Signal
	Threshold float64
	Gated     bool
}

// Router runs the configured strategy through the regime gate. It never falls
// back to another strategy: a gated strategy yields NONE with reason
// "regime-gated" so the operator can see why nothing traded.
type Router struct {
	strategies map[string]Strategy
	primary    string
	enabled    bool
	minConf    float64
	regimeCfg  config.RegimeConfig
	logger     zerolog.Logger
}

func NewRouter(tradingCfg config.TradingConfig, regimeCfg config.RegimeConfig, strategies ...Strategy) (*Router, error) {
	byName := make(map[string]Strategy, len(strategies))
	for _, s := range strategies {
		byName[s.Name()] = s
	}
	if _, ok := byName[tradingCfg.Strategy]; !ok {
		return nil, fmt.Errorf("unknown strategy %q", tradingCfg.Strategy)
	}
	return &Router{
		strategies: byName,
		primary:    tradingCfg.Strategy,
		enabled:    tradingCfg.RouterEnabled,
		minConf:    tradingCfg.MinConfidence,
		regimeCfg:  regimeCfg,
		logger:     logging.Component("router"),
	}, nil
}

// Primary returns the configured strategy name.
func (r *Router) Primary() string { return r.primary }

// Strategy returns a registered strategy by name.
func (r *Router) Strategy(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// Route evaluates the configured strategy under the snapshot's regime.
func (r *Router) Route(ctx context.Context, snap *market.PairSnapshot) (*Decision, error) {
	threshold := r.minConf
	if r.enabled {
		switch snap.Regime {
		case market.RegimeVolatile:
			threshold += r.regimeCfg.VolatileConfAdd
		case market.RegimeUnknown:
			threshold += r.regimeCfg.UnknownConfAdd
		}
	}

	if r.enabled && !regimeAllowed[snap.Regime][r.primary] {
		r.logger.Debug().
			Str("pair", snap.Pair).
			Str("strategy", r.primary).
			Str("regime", string(snap.Regime)).
			Msg("Strategy gated by regime")
		return &Decision{
			Signal: &Signal{
				Type:         SignalNone,
				Pair:         snap.Pair,
				Strategy:     r.primary,
				Reason:       "regime-gated",
				Regime:       snap.Regime,
				RegimeReason: snap.RegimeReason,
				EntryPrice:   snap.Ticker.Last,
				SizeFactor:   1.0,
				Timestamp:    snap.Taken,
			},
			Threshold: threshold,
			Gated:     true,
		}, nil
	}

	sig, err := r.strategies[r.primary].Evaluate(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s on %s: %w", r.primary, snap.Pair, err)
	}

	if r.enabled && snap.Regime == market.RegimeVolatile {
		sig.SizeFactor = r.regimeCfg.VolatileSizeScale
	}

	if sig.Type == SignalBuy && snap.Aligned {
		sig.TFAlignBonus = alignBonus
		sig.Confidence += alignBonus
		if sig.Confidence > 100 {
			sig.Confidence = 100
		}
	}

	r.logger.Debug().
		Str("pair", snap.Pair).
		Str("strategy", sig.Strategy).
		Str("signal", string(sig.Type)).
		Float64("confidence", sig.Confidence).
		Float64("threshold", threshold).
		Msg("Routed")

	return &Decision{Signal: sig, Threshold: threshold}, nil
}
