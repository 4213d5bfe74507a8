// Package market fetches candles from the data exchange, computes indicator
// features per timeframe and classifies the market regime. All reads go
// through the data venue; the trading venue is never queried for analysis.
package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

// featureWindow is how many closed candles the feature computation works on.
// EMA50 needs 50, ADX(14) needs 29 and MACD 12/26/9 needs 34; 120 leaves the
// EMAs well converged past their seeds.
const featureWindow = 120

const tickerTTL = 5 * time.Second

// Service caches candles per (pair, interval) with an interval-scaled TTL and
// always excludes the still-forming candle, so every indicator is computed
// from closed data only.
type Service struct {
	data     exchange.Exchange
	detector *RegimeDetector
	logger   zerolog.Logger

	mu      sync.Mutex
	candles map[string]*candleEntry
	tickers map[string]*tickerEntry

	now func() time.Time
}

type candleEntry struct {
	fetched time.Time
	candles []exchange.Candle
}

type tickerEntry struct {
	fetched time.Time
	ticker  *exchange.Ticker
}

// PairSnapshot bundles everything a strategy needs to evaluate one pair on
// one tick: the live ticker, features for the three analysis timeframes, the
// multi-timeframe alignment flag and the detected regime.
type PairSnapshot struct {
	Pair   string
	Ticker *exchange.Ticker

	M5 *Features
	H1 *Features
	H4 *Features

	// Aligned is true when EMA9 sits above EMA21 on all three timeframes.
	Aligned bool

	Regime       Regime
	RegimeReason string

	// Recent holds the closed 5m candles behind M5, oldest first. The grid
	// strategy reads swing levels from it.
	Recent []exchange.Candle

	Taken time.Time
}

func NewService(data exchange.Exchange, detector *RegimeDetector) *Service {
	return &Service{
		data:     data,
		detector: detector,
		logger:   logging.Component("market"),
		candles:  make(map[string]*candleEntry),
		tickers:  make(map[string]*tickerEntry),
		now:      time.Now,
	}
}

// Candles returns up to limit closed candles, oldest first. The forming
// candle the venue reports last is always dropped.
func (s *Service) Candles(ctx context.Context, pair string, interval exchange.Interval, limit int) ([]exchange.Candle, error) {
	key := pair + "|" + string(interval)
	ttl := candleTTL(interval)

	s.mu.Lock()
	if entry, ok := s.candles[key]; ok && s.now().Sub(entry.fetched) < ttl && len(entry.candles) >= limit {
		out := tailCandles(entry.candles, limit)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	// Ask for one extra so dropping the forming candle still leaves limit.
	raw, err := s.data.GetOHLC(ctx, pair, interval, limit+1)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s candles: %w", pair, interval, err)
	}

	closed := make([]exchange.Candle, 0, len(raw))
	for _, c := range raw {
		if c.Closed {
			closed = append(closed, c)
		}
	}

	s.mu.Lock()
	s.candles[key] = &candleEntry{fetched: s.now(), candles: closed}
	s.mu.Unlock()

	return tailCandles(closed, limit), nil
}

// Ticker returns the pair's ticker with a short TTL cache.
func (s *Service) Ticker(ctx context.Context, pair string) (*exchange.Ticker, error) {
	s.mu.Lock()
	if entry, ok := s.tickers[pair]; ok && s.now().Sub(entry.fetched) < tickerTTL {
		t := entry.ticker
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	ticker, err := s.data.GetTicker(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("fetch %s ticker: %w", pair, err)
	}

	s.mu.Lock()
	s.tickers[pair] = &tickerEntry{fetched: s.now(), ticker: ticker}
	s.mu.Unlock()

	return ticker, nil
}

// Features computes the indicator set for one timeframe.
func (s *Service) Features(ctx context.Context, pair string, interval exchange.Interval) (*Features, error) {
	candles, err := s.Candles(ctx, pair, interval, featureWindow)
	if err != nil {
		return nil, err
	}
	return ComputeFeatures(pair, interval, candles), nil
}

// Snapshot assembles the full per-pair view for one tick. The regime is
// detected on the 1h timeframe; 5m drives entries and 4h confirms direction.
func (s *Service) Snapshot(ctx context.Context, pair string) (*PairSnapshot, error) {
	ticker, err := s.Ticker(ctx, pair)
	if err != nil {
		return nil, err
	}

	recent, err := s.Candles(ctx, pair, exchange.Interval5m, featureWindow)
	if err != nil {
		return nil, err
	}
	m5 := ComputeFeatures(pair, exchange.Interval5m, recent)

	h1, err := s.Features(ctx, pair, exchange.Interval1h)
	if err != nil {
		return nil, err
	}
	h4, err := s.Features(ctx, pair, exchange.Interval4h)
	if err != nil {
		return nil, err
	}

	regime, reason := s.detector.Detect(h1)

	snap := &PairSnapshot{
		Pair:         pair,
		Ticker:       ticker,
		M5:           m5,
		H1:           h1,
		H4:           h4,
		Aligned:      m5.EMADirectionUp() && h1.EMADirectionUp() && h4.EMADirectionUp(),
		Regime:       regime,
		RegimeReason: reason,
		Recent:       recent,
		Taken:        s.now(),
	}

	s.logger.Debug().
		Str("pair", pair).
		Str("regime", string(regime)).
		Bool("aligned", snap.Aligned).
		Float64("close", m5.Close).
		Msg("Snapshot taken")

	return snap, nil
}

func candleTTL(interval exchange.Interval) time.Duration {
	ttl := interval.Duration() / 10
	if ttl < 10*time.Second {
		return 10 * time.Second
	}
	if ttl > 5*time.Minute {
		return 5 * time.Minute
	}
	return ttl
}

func tailCandles(candles []exchange.Candle, limit int) []exchange.Candle {
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]exchange.Candle, len(candles))
	copy(out, candles)
	return out
}
